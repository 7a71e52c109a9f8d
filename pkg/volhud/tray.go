package volhud

import (
	"fmt"

	"fyne.io/systray"

	"github.com/MixyLabs/volhud/pkg/volhud/util"
)

func (d *Volhud) initializeTray(onDone func()) {
	logger := d.logger.Named("tray")

	onReady := func() {
		logger.Debug("Tray instance ready")

		systray.SetTemplateIcon(LogoIconData(), LogoIconData())
		systray.SetTitle("volhud")
		systray.SetTooltip("volhud")

		mute := systray.AddMenuItemCheckbox("Mute", "Mute the default output device", false)

		editConfig := systray.AddMenuItem("Edit configuration", "Open config file with notepad")

		rescan := systray.AddMenuItem("Re-scan audio devices", "Re-subscribe to the default output device if something's stuck")

		if d.version != "" {
			systray.AddSeparator()
			versionInfo := systray.AddMenuItem(d.version, "")
			versionInfo.Disable()
		}

		systray.AddSeparator()
		quit := systray.AddMenuItem("Quit", "Stop volhud and quit")

		// HUD events arrive on the monitor's main queue
		d.monitor.OnHUDEvent(func(event HUDEvent) {
			systray.SetTooltip(trayTooltip(event))

			if d.monitor.State().IsMuted {
				mute.Check()
			} else {
				mute.Uncheck()
			}
		})

		go func() {
			for {
				select {
				case <-quit.ClickedCh:
					logger.Info("Quit menu item clicked, stopping")

					d.signalStop()

				case <-mute.ClickedCh:
					muted := !mute.Checked()
					logger.Infow("Mute menu item clicked", "muted", muted)

					d.monitor.SetMute(muted, func(ok bool) {
						if !ok {
							logger.Warnw("Failed to toggle mute from tray", "muted", muted)
						}
					})

				case <-editConfig.ClickedCh:
					logger.Info("Edit config menu item clicked, opening config for editing")

					editor := "notepad.exe"
					if util.Linux() {
						editor = "xdg-open"
					}

					if err := util.OpenExternal(logger, editor, userConfigFilepath); err != nil {
						logger.Warnw("Failed to open config file for editing", "error", err)
					}

				case <-rescan.ClickedCh:
					logger.Info("Re-scan menu item clicked, re-subscribing to default device")

					if err := d.resubscribe(); err != nil {
						logger.Warnw("Failed to re-scan audio devices", "error", err)
					}
				}
			}
		}()

		onDone()
	}

	onExit := func() {
		logger.Debug("Tray exited")
	}

	logger.Debug("Running in tray")
	systray.Run(onReady, onExit)
}

func (d *Volhud) stopTray() {
	d.logger.Debug("Quitting tray")
	systray.Quit()
}

func trayTooltip(event HUDEvent) string {
	name := event.Name()
	if name == "" {
		name = "No output device"
	}

	if event.IsUnsupported {
		return fmt.Sprintf("volhud: %s (no volume control)", name)
	}

	return fmt.Sprintf("volhud: %s %d%%", name, event.Percent())
}
