//go:build !linux && !windows

package volhud

import "go.uber.org/zap"

func newHAL(logger *zap.SugaredLogger) (HAL, error) {
	logger.Named("hal").Warn("No audio backend for this platform")

	return nil, ErrUnsupportedPlatform
}
