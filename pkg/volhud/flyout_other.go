//go:build !windows

package volhud

import "go.uber.org/zap"

type flyoutHUD struct{}

func newFlyoutHUD(logger *zap.SugaredLogger) *flyoutHUD {
	logger.Named("flyout").Debug("OS volume flyout only exists on Windows")

	return &flyoutHUD{}
}

func (f *flyoutHUD) show(event HUDEvent) {}
