package volhud

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/MixyLabs/volhud/pkg/volhud/util"
)

const (
	crashlogFilename        = "volhud-crash-%s.log"
	crashlogTimestampFormat = "2006.01.02-15.04.05"

	crashReport = `volhud crash report
time:     %s
runtime:  %s %s/%s
panic:    %v

Volume and mute changes are no longer shown. Start volhud again to restore
the HUD. Bug reports: https://github.com/MixyLabs/volhud/issues (attach this file)

%s`
)

// writeCrashlog dumps r and the current stack into dir
func writeCrashlog(dir string, r any, now time.Time) (string, error) {
	if err := util.EnsureDirExists(dir); err != nil {
		return "", fmt.Errorf("ensure crashlog dir exists: %w", err)
	}

	stamp := now.Format(crashlogTimestampFormat)

	report := bytes.NewBufferString(fmt.Sprintf(crashReport,
		stamp, runtime.Version(), runtime.GOOS, runtime.GOARCH, r, debug.Stack()))
	crashlogPath := filepath.Join(dir, fmt.Sprintf(crashlogFilename, stamp))

	if err := os.WriteFile(crashlogPath, report.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("write crashlog file: %w", err)
	}

	return crashlogPath, nil
}

func (d *Volhud) recoverFromPanic() {
	r := recover()

	if r == nil {
		return
	}

	crashlogPath, err := writeCrashlog(logDirectory, r, time.Now())
	if err != nil {
		panic(fmt.Errorf("can't even write the crashlog: %w", err))
	}

	d.logger.Errorw("Encountered and logged panic, crashing",
		"crashlogPath", crashlogPath,
		"error", r)

	d.notifier.Notify("volhud stopped",
		fmt.Sprintf("The volume HUD crashed. Report saved to %s", crashlogPath))

	d.signalStop()
	d.logger.Errorw("Quitting", "exitCode", 1)
	os.Exit(1)
}
