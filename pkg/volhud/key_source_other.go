//go:build !linux

package volhud

import (
	"context"

	"go.uber.org/zap"
)

type evdevSource struct{}

// NewEvdevKeySource returns a source that exits immediately; input devices
// can only be read directly on Linux
func NewEvdevKeySource(logger *zap.SugaredLogger, paths []string) KeySource {
	logger.Named("evdev").Debugw("Global key events unavailable on this platform", "paths", paths)

	return evdevSource{}
}

func (evdevSource) Name() string {
	return "evdev"
}

func (evdevSource) Run(ctx context.Context, events chan<- KeyEvent) error {
	return ErrUnsupportedPlatform
}
