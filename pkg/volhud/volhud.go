// Package volhud watches the default audio output device and turns volume,
// mute and device changes into HUD events for on-screen overlays
package volhud

import (
	"context"
	"fmt"
	"os"
	"slices"

	"go.uber.org/zap"

	"github.com/MixyLabs/volhud/pkg/volhud/util"
)

const instanceMutexName = "volhud"

// Volhud is the main entity managing all subcomponents
type Volhud struct {
	logger    *zap.SugaredLogger
	notifier  Notifier
	configMan *ConfigManager

	hal     HAL
	monitor *Monitor
	keys    *KeyEventWatcher
	hub     *HUDHub
	toast   *toastHUD
	flyout  *flyoutHUD

	stopHub context.CancelFunc

	runningWithTray bool
	stopChannel     chan bool
	version         string
	verbose         bool
}

func NewVolhud(logger *zap.SugaredLogger, verbose bool) (*Volhud, error) {
	logger = logger.Named("volhud")

	notifier, err := NewToastNotifier(logger)
	if err != nil {
		logger.Errorw("Failed to create ToastNotifier", "error", err)
		return nil, fmt.Errorf("create new ToastNotifier: %w", err)
	}

	config, err := NewConfig(logger, notifier)
	if err != nil {
		logger.Errorw("Failed to create Config", "error", err)
		return nil, fmt.Errorf("create new Config: %w", err)
	}

	d := &Volhud{
		logger:      logger,
		notifier:    notifier,
		configMan:   config,
		toast:       newToastHUD(notifier),
		stopChannel: make(chan bool),
		verbose:     verbose,
	}

	logger.Debug("Created volhud instance")

	return d, nil
}

// Initialize sets up components and starts to run in the background
func (d *Volhud) Initialize() error {
	d.logger.Debug("Initializing")

	if err := util.CreateMutex(instanceMutexName); err != nil {
		d.logger.Errorw("Another instance is already running", "error", err)
		d.notifier.Notify("volhud is already running", "Only one instance can run at a time.")
		return fmt.Errorf("take instance mutex: %w", err)
	}

	// load the config for the first time
	if err := d.configMan.Load(); err != nil {
		d.logger.Errorw("Failed to load config during initialization", "error", err)
		return fmt.Errorf("load config during init: %w", err)
	}

	conf := d.configMan.Current()

	hal, err := newHAL(d.logger)
	if err != nil {
		d.logger.Errorw("Failed to create audio backend", "error", err)
		return fmt.Errorf("create audio backend: %w", err)
	}

	d.hal = hal
	d.monitor = NewMonitor(d.logger, hal, conf.MonitorParams())

	d.keys = NewKeyEventWatcher(d.logger, d.monitor.KeyHandler(), d.keySources(conf)...)
	d.monitor.SetKeyWatcher(d.keys)

	d.hub = NewHUDHub(d.logger, func() HUDEvent {
		return hudEventFromState(d.monitor.State())
	})

	if conf.OSFlyout {
		d.flyout = newFlyoutHUD(d.logger)
	}

	d.monitor.OnHUDEvent(d.onHUDEvent)

	d.setupInterruptHandler()

	if conf.DisableTray {
		d.logger.Debugw("Running without tray icon", "reason", "disabled in config")

		// run in main thread while waiting on ctrl+C
		d.run()
	} else {
		d.runningWithTray = true
		d.initializeTray(d.run)
	}

	return nil
}

// SetVersion causes volhud to add a version string to its tray menu if called before Initialize
func (d *Volhud) SetVersion(version string) {
	d.version = version
}

// Verbose returns a boolean indicating whether volhud is running in verbose mode
func (d *Volhud) Verbose() bool {
	return d.verbose
}

func (d *Volhud) keySources(conf Config) []KeySource {
	var sources []KeySource

	if util.Linux() {
		sources = append(sources, NewEvdevKeySource(d.logger, conf.KeyDevices))
	}

	if conf.KeySocket != "" {
		sources = append(sources, NewSocketKeySource(d.logger, conf.KeySocket))
	}

	return sources
}

// onHUDEvent runs on the monitor's main queue
func (d *Volhud) onHUDEvent(event HUDEvent) {
	d.logger.Debugw("HUD event",
		"device", event.Name(),
		"percent", event.Percent(),
		"unsupported", event.IsUnsupported)

	d.hub.Broadcast(event)

	if d.configMan.Current().NotifyHUD {
		d.toast.show(event)
	}

	if d.flyout != nil {
		d.flyout.show(event)
	}
}

func (d *Volhud) resubscribe() error {
	if err := d.monitor.Stop(); err != nil {
		return fmt.Errorf("stop monitor: %w", err)
	}

	if err := d.monitor.Start(); err != nil {
		return fmt.Errorf("start monitor: %w", err)
	}

	return nil
}

func (d *Volhud) setupInterruptHandler() {
	interruptChannel := util.SetupCloseHandler()

	go func() {
		signal := <-interruptChannel
		d.logger.Debugw("Interrupted", "signal", signal)
		d.signalStop()
	}()
}

func (d *Volhud) watchConfigReloads() {
	defer d.recoverFromPanic()

	previous := d.configMan.Current()
	reloaded := d.configMan.SubscribeToChanges()

	for range reloaded {
		conf := d.configMan.Current()

		d.monitor.SetParams(conf.MonitorParams())

		if !slices.Equal(conf.KeyDevices, previous.KeyDevices) || conf.KeySocket != previous.KeySocket {
			d.logger.Infow("Key sources changed, restarting key watcher",
				"keyDevices", conf.KeyDevices,
				"keySocket", conf.KeySocket)

			d.keys.SetSources(d.keySources(conf)...)
		}

		if conf.HUDListen != previous.HUDListen || conf.DisableTray != previous.DisableTray ||
			conf.OSFlyout != previous.OSFlyout {
			d.logger.Info("Some config changes only take effect after a restart")
		}

		previous = conf
	}
}

func (d *Volhud) run() {
	defer d.recoverFromPanic()

	d.logger.Info("Run loop starting")

	go d.configMan.WatchConfigFileChanges()
	go d.watchConfigReloads()

	hubCtx, stopHub := context.WithCancel(context.Background())
	d.stopHub = stopHub

	go d.hub.Run(hubCtx)

	if addr := d.configMan.Current().HUDListen; addr != "" {
		go func() {
			if err := d.hub.ListenAndServe(hubCtx, addr); err != nil {
				d.logger.Warnw("HUD hub server failed", "addr", addr, "error", err)
			}
		}()
	}

	if err := d.monitor.Start(); err != nil {
		d.logger.Warnw("Failed to start monitor", "error", err)
	}

	// wait until gracefully stopped
	<-d.stopChannel
	d.logger.Debug("Stop channel signaled, terminating")

	if err := d.stop(); err != nil {
		d.logger.Warnw("Failed to stop volhud", "error", err)
		os.Exit(1)
	} else {
		os.Exit(0)
	}
}

func (d *Volhud) signalStop() {
	d.logger.Debug("Signalling stop channel")
	d.stopChannel <- true
}

func (d *Volhud) stop() error {
	d.logger.Info("Stopping")

	d.configMan.StopWatchingConfigFile()

	if err := d.monitor.Close(); err != nil {
		d.logger.Warnw("Failed to close monitor", "error", err)
	}

	if d.stopHub != nil {
		d.stopHub()
	}

	// release the audio backend only after every listener is gone
	if err := d.hal.Release(); err != nil {
		d.logger.Errorw("Failed to release audio backend", "error", err)
		return fmt.Errorf("release audio backend: %w", err)
	}

	if d.runningWithTray {
		d.stopTray()
	}

	// attempt to sync on exit - this won't necessarily work but can't harm
	_ = d.logger.Sync()

	return nil
}
