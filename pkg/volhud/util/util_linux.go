package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	ps "github.com/mitchellh/go-ps"
)

// CreateMutex takes a pid lock file so only one instance runs at a time.
// A stale lock (dead pid, or a pid reused by an unrelated executable) is taken over
func CreateMutex(name string) error {
	lockFile := filepath.Join(os.TempDir(), name+".lock")
	currentPid := os.Getpid()

	lockContent, err := os.ReadFile(lockFile)
	if err == nil {
		content := strings.TrimSpace(string(lockContent))
		if content != "" && content != strconv.Itoa(currentPid) {
			lockPid, _ := strconv.Atoi(content)
			if lockPid > 0 && lockHeldBy(lockPid, name) {
				return fmt.Errorf("another instance of %s is running (pid %d)", name, lockPid)
			}
		}
	}

	if err := os.WriteFile(lockFile, []byte(strconv.Itoa(currentPid)), 0o664); err != nil {
		return fmt.Errorf("write lock file: %w", err)
	}

	return nil
}

func lockHeldBy(pid int, name string) bool {
	process, err := ps.FindProcess(pid)
	if err != nil || process == nil {
		return false
	}

	return strings.Contains(process.Executable(), name)
}
