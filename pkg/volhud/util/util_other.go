//go:build !linux && !windows

package util

// CreateMutex is a no-op where no single-instance mechanism is implemented
func CreateMutex(name string) error {
	return nil
}
