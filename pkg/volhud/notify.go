package volhud

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gen2brain/beeep"
	"go.uber.org/zap"

	"github.com/MixyLabs/volhud/pkg/volhud/util"
)

// Notifier provides generic notification sending
type Notifier interface {
	Notify(title string, message string)
}

// ToastNotifier provides toast notifications for Windows and desktop notifications for Linux
type ToastNotifier struct {
	logger *zap.SugaredLogger
}

func NewToastNotifier(logger *zap.SugaredLogger) (*ToastNotifier, error) {
	logger = logger.Named("notifier")
	tn := &ToastNotifier{logger: logger}

	beeep.AppName = "volhud"

	logger.Debug("Created toast notifier instance")

	return tn, nil
}

// Notify sends a toast notification (or falls back to other types of notification for older Windows versions)
func (tn *ToastNotifier) Notify(title string, message string) {
	appIconPath := filepath.Join(os.TempDir(), "volhud.ico")

	if !util.FileExists(appIconPath) {
		tn.logger.Debugw("App icon doesn't exist in temp directory, writing it", "path", appIconPath)

		if err := os.WriteFile(appIconPath, logoIconData, 0o644); err != nil {
			tn.logger.Errorw("Failed to write toast icon", "error", err)
		}
	}

	if err := beeep.Notify(title, message, appIconPath); err != nil {
		tn.logger.Errorw("Failed to send toast notification", "error", err)
	}
}

// toastHUD shows HUD events as desktop notifications, for setups without an overlay.
// A held key produces many identical events; repeats of the last shown one are skipped
type toastHUD struct {
	notifier Notifier
	last     HUDEvent
	hasLast  bool
}

func newToastHUD(notifier Notifier) *toastHUD {
	return &toastHUD{notifier: notifier}
}

// show runs on the main queue
func (t *toastHUD) show(event HUDEvent) {
	if t.hasLast && t.last.Percent() == event.Percent() &&
		t.last.Name() == event.Name() && t.last.IsUnsupported == event.IsUnsupported {
		return
	}

	t.last = event
	t.hasLast = true

	title := event.Name()
	if title == "" {
		title = "Volume"
	}

	if event.IsUnsupported {
		t.notifier.Notify(title, "This device has no volume control")
		return
	}

	t.notifier.Notify(title, fmt.Sprintf("Volume %d%%", event.Percent()))
}
