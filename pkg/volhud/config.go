package volhud

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"github.com/thoas/go-funk"
	"go.uber.org/zap"

	"github.com/MixyLabs/volhud/pkg/volhud/util"
)

type ConfigManager struct {
	logger             *zap.SugaredLogger
	notifier           Notifier
	stopWatcherChannel chan bool

	reloadConsumers []chan bool

	dir        string
	userConfig *viper.Viper

	lock    sync.RWMutex
	current Config
}

type Config struct {
	VolumeDebounce time.Duration `mapstructure:"volume_debounce"`
	DeviceDebounce time.Duration `mapstructure:"device_debounce"`
	Epsilon        float32       `mapstructure:"epsilon"`

	DisableTray bool `mapstructure:"disable_tray"`
	NotifyHUD   bool `mapstructure:"notify_hud"`
	OSFlyout    bool `mapstructure:"os_flyout"`

	KeyDevices []string `mapstructure:"key_devices"`
	KeySocket  string   `mapstructure:"key_socket"`

	HUDListen string `mapstructure:"hud_listen"`
}

// MonitorParams extracts the monitor tunables
func (c Config) MonitorParams() MonitorParams {
	return MonitorParams{
		VolumeDebounce: c.VolumeDebounce,
		DeviceDebounce: c.DeviceDebounce,
		Epsilon:        c.Epsilon,
	}
}

const (
	userConfigFilepath = "config.yaml"
	userConfigName     = "config"
	userConfigPath     = "."

	configType = "yaml"

	configKeyVolumeDebounce = "volume_debounce"
	configKeyDeviceDebounce = "device_debounce"
	configKeyEpsilon        = "epsilon"
	configKeyDisableTray    = "disable_tray"
	configKeyNotifyHUD      = "notify_hud"
	configKeyOSFlyout       = "os_flyout"
	configKeyKeyDevices     = "key_devices"
	configKeyKeySocket      = "key_socket"
	configKeyHUDListen      = "hud_listen"
)

// DefaultKeySocketPath is where the key socket lives unless configured otherwise
func DefaultKeySocketPath() string {
	return filepath.Join(os.TempDir(), "volhud-keys.sock")
}

func NewConfig(logger *zap.SugaredLogger, notifier Notifier) (*ConfigManager, error) {
	return newConfigIn(logger, notifier, userConfigPath)
}

func newConfigIn(logger *zap.SugaredLogger, notifier Notifier, dir string) (*ConfigManager, error) {
	logger = logger.Named("config")

	cc := &ConfigManager{
		logger:             logger,
		notifier:           notifier,
		reloadConsumers:    []chan bool{},
		stopWatcherChannel: make(chan bool),
		dir:                dir,
	}

	userConfig := viper.New()
	userConfig.SetConfigName(userConfigName)
	userConfig.SetConfigType(configType)
	userConfig.AddConfigPath(dir)

	defaults := DefaultMonitorParams()
	userConfig.SetDefault(configKeyVolumeDebounce, defaults.VolumeDebounce)
	userConfig.SetDefault(configKeyDeviceDebounce, defaults.DeviceDebounce)
	userConfig.SetDefault(configKeyEpsilon, defaults.Epsilon)
	userConfig.SetDefault(configKeyDisableTray, false)
	userConfig.SetDefault(configKeyNotifyHUD, false)
	userConfig.SetDefault(configKeyOSFlyout, false)
	userConfig.SetDefault(configKeyKeyDevices, []string{})
	userConfig.SetDefault(configKeyKeySocket, DefaultKeySocketPath())
	userConfig.SetDefault(configKeyHUDListen, "")

	cc.userConfig = userConfig

	logger.Debug("Created config instance")

	return cc, nil
}

func (cc *ConfigManager) configFilepath() string {
	return filepath.Join(cc.dir, userConfigFilepath)
}

// Load reads config.yaml. A missing file is fine, defaults apply
func (cc *ConfigManager) Load() error {
	path := cc.configFilepath()
	cc.logger.Debugw("Loading config", "path", path)

	if util.FileExists(path) {
		if err := cc.userConfig.ReadInConfig(); err != nil {
			cc.logger.Warnw("Viper failed to read user config", "error", err)

			// if the error is yaml-format-related, show a sensible error. otherwise, show 'em to the logs
			if strings.Contains(err.Error(), "yaml") {
				cc.notifier.Notify("Invalid configuration!",
					fmt.Sprintf("Please make sure %s is in a valid YAML format.", userConfigFilepath))
			} else {
				cc.notifier.Notify("Error loading configuration!", "Please check volhud's logs for more details.")
			}

			return fmt.Errorf("read user config: %w", err)
		}
	} else {
		cc.logger.Infow("Config file not found, using defaults", "path", path)
	}

	if err := cc.populateFromVipers(); err != nil {
		cc.logger.Warnw("Failed to populate config fields", "error", err)
		return fmt.Errorf("populate config fields: %w", err)
	}

	current := cc.Current()

	cc.logger.Info("Loaded config successfully")
	cc.logger.Infow("Config values",
		"volumeDebounce", current.VolumeDebounce,
		"deviceDebounce", current.DeviceDebounce,
		"epsilon", current.Epsilon,
		"keyDevices", current.KeyDevices,
		"keySocket", current.KeySocket,
		"hudListen", current.HUDListen)

	return nil
}

// Current returns a copy of the active configuration
func (cc *ConfigManager) Current() Config {
	cc.lock.RLock()
	defer cc.lock.RUnlock()

	current := cc.current
	current.KeyDevices = append([]string{}, cc.current.KeyDevices...)

	return current
}

// SubscribeToChanges allows external components to receive updates when the config is reloaded
func (cc *ConfigManager) SubscribeToChanges() chan bool {
	c := make(chan bool, 1)
	cc.reloadConsumers = append(cc.reloadConsumers, c)

	return c
}

// WatchConfigFileChanges starts watching for configuration file changes
// and attempts reloading the config when they happen
func (cc *ConfigManager) WatchConfigFileChanges() {
	path := cc.configFilepath()

	if !util.FileExists(path) {
		cc.logger.Debugw("No config file to watch", "path", path)
		<-cc.stopWatcherChannel
		return
	}

	cc.logger.Debugw("Starting to watch user config file for changes", "path", path)

	const (
		minTimeBetweenReloadAttempts = time.Millisecond * 500
		delayBetweenEventAndReload   = time.Millisecond * 50
	)

	lastAttemptedReload := time.Now()

	// establish watch using viper as opposed to doing it ourselves, though our internal cooldown is still required
	cc.userConfig.WatchConfig()
	cc.userConfig.OnConfigChange(func(event fsnotify.Event) {
		if event.Op&fsnotify.Write == fsnotify.Write {
			now := time.Now()

			// ... check if it's not a duplicate (many editors will write to a file twice)
			if lastAttemptedReload.Add(minTimeBetweenReloadAttempts).Before(now) {
				cc.logger.Debugw("Config file modified, attempting reload", "event", event)

				// wait a bit to let the editor actually flush the new file contents to disk
				<-time.After(delayBetweenEventAndReload)

				if err := cc.Load(); err != nil {
					cc.logger.Warnw("Failed to reload config file", "error", err)
				} else {
					cc.logger.Info("Reloaded config successfully")
					cc.notifier.Notify("Configuration reloaded!", "Your changes have been applied.")

					cc.onConfigReloaded()
				}

				lastAttemptedReload = now
			}
		}
	})

	// wait till they stop us
	<-cc.stopWatcherChannel
	cc.logger.Debug("Stopping user config file watcher")
	cc.userConfig.OnConfigChange(nil)
}

// StopWatchingConfigFile signals our filesystem watcher to stop
func (cc *ConfigManager) StopWatchingConfigFile() {
	cc.stopWatcherChannel <- true
}

func (cc *ConfigManager) populateFromVipers() error {
	var current Config

	err := cc.userConfig.Unmarshal(&current, func(dConf *mapstructure.DecoderConfig) {
		dConf.WeaklyTypedInput = false
		dConf.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	})
	if err != nil {
		return err
	}

	if current.Epsilon <= 0 || current.Epsilon >= 0.5 {
		return fmt.Errorf("epsilon out of range (0, 0.5): %v", current.Epsilon)
	}
	if current.VolumeDebounce < 0 || current.DeviceDebounce < 0 {
		return fmt.Errorf("negative debounce delay")
	}

	current.KeyDevices = funk.UniqString(current.KeyDevices)

	cc.lock.Lock()
	cc.current = current
	cc.lock.Unlock()

	cc.logger.Debug("Populated config fields from vipers")

	return nil
}

func (cc *ConfigManager) onConfigReloaded() {
	cc.logger.Debug("Notifying consumers about configuration reload")

	for _, consumer := range cc.reloadConsumers {
		select {
		case consumer <- true:
		default:
		}
	}
}
