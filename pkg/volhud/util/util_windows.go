package util

import (
	"errors"
	"fmt"

	"golang.org/x/sys/windows"
)

// CreateMutex takes a named global mutex so only one instance runs at a time
func CreateMutex(name string) error {
	namePtr, err := windows.UTF16PtrFromString("Global\\" + name)
	if err != nil {
		return fmt.Errorf("encode mutex name: %w", err)
	}

	// relying on OS to release it on program exit
	_, err = windows.CreateMutex(nil, false, namePtr)
	if errors.Is(err, windows.ERROR_ALREADY_EXISTS) {
		return fmt.Errorf("another instance of %s is running", name)
	}
	if err != nil {
		return fmt.Errorf("create mutex: %w", err)
	}

	return nil
}
