package volhud

import (
	"errors"
	"sync/atomic"
	"time"
	"weak"

	"go.uber.org/zap"

	"github.com/MixyLabs/volhud/pkg/volhud/util"
)

var ErrMonitorClosed = errors.New("monitor closed")

// MonitorParams are the tunables of a Monitor; they can be swapped at runtime
type MonitorParams struct {
	VolumeDebounce time.Duration
	DeviceDebounce time.Duration
	Epsilon        float32
}

func DefaultMonitorParams() MonitorParams {
	return MonitorParams{
		VolumeDebounce: 40 * time.Millisecond,
		DeviceDebounce: 100 * time.Millisecond,
		Epsilon:        0.001,
	}
}

// subscription is what start registered and stop has to remove.
// Only touched on the main queue
type subscription struct {
	deviceID DeviceID

	deviceListener    ListenerID
	hasDeviceListener bool

	volumeListeners map[Element]ListenerID
	muteListeners   map[Element]ListenerID
}

// Monitor keeps the default output device's volume and mute state in sync with
// the hardware and turns hardware notifications into HUD events.
//
// Hardware notifications arrive on the background queue; lifecycle calls,
// debounce fires, HUD delivery and the published UI state live on the main queue
type Monitor struct {
	logger *zap.SugaredLogger
	hal    HAL
	query  *DeviceQuery
	store  *StateStore

	main       *DispatchQueue
	background *DispatchQueue
	debouncer  *Debouncer

	// shared with listener callbacks, which must not keep the monitor alive
	active *atomic.Bool
	params atomic.Pointer[MonitorParams]

	keys *KeyEventWatcher
	sub  *subscription

	percent    atomic.Int32
	deviceName atomic.Pointer[string]
	devices    atomic.Pointer[[]AudioDevice]

	hud *hudFanout
}

func NewMonitor(logger *zap.SugaredLogger, hal HAL, params MonitorParams) *Monitor {
	logger = logger.Named("monitor")

	main := NewDispatchQueue(logger, "main")

	m := &Monitor{
		logger:     logger,
		hal:        hal,
		query:      NewDeviceQuery(hal, logger),
		store:      NewStateStore(),
		main:       main,
		background: NewDispatchQueue(logger, "background"),
		debouncer:  NewDebouncer(main),
		active:     &atomic.Bool{},
		hud:        newHUDFanout(),
	}
	m.params.Store(&params)

	logger.Debug("Created monitor instance")

	return m
}

// SetKeyWatcher attaches a key watcher that runs while the monitor is listening.
// Call before Start
func (m *Monitor) SetKeyWatcher(keys *KeyEventWatcher) {
	m.main.Sync(func() {
		m.keys = keys
	})
}

// KeyHandler is the callback to hand to a KeyEventWatcher
func (m *Monitor) KeyHandler() func(KeyEvent) {
	ref := weak.Make(m)
	active := m.active

	return func(event KeyEvent) {
		if !active.Load() {
			return
		}

		if mon := ref.Value(); mon != nil {
			mon.ForceResync(event)
		}
	}
}

// SetParams swaps debounce delays and epsilon; pending timers keep their old delay
func (m *Monitor) SetParams(params MonitorParams) {
	m.params.Store(&params)
	m.logger.Debugw("Applied monitor params",
		"volumeDebounce", params.VolumeDebounce,
		"deviceDebounce", params.DeviceDebounce,
		"epsilon", params.Epsilon)
}

func (m *Monitor) currentParams() MonitorParams {
	return *m.params.Load()
}

// Start subscribes to the current default output device and announces it with
// one HUD event. No-op if already listening to that device
func (m *Monitor) Start() error {
	if !m.main.Sync(func() {
		if m.start() {
			m.announceDevice()
		}
	}) {
		return ErrMonitorClosed
	}

	return nil
}

// Stop removes every hardware listener and goes idle. Safe when never started
func (m *Monitor) Stop() error {
	if !m.main.Sync(func() {
		m.debouncer.Cancel(debounceDevice)
		m.debouncer.Cancel(debounceHUD)
		m.stop()
	}) {
		return ErrMonitorClosed
	}

	return nil
}

// Close tears down every listener on the main queue before the queues shut down.
// Callbacks that are already in flight observe the inactive flag and return
func (m *Monitor) Close() error {
	m.main.Sync(func() {
		m.active.Store(false)
		m.stop()
		m.debouncer.CancelAll()
	})

	m.background.Close()
	m.main.Close()

	m.logger.Debug("Closed monitor")

	return nil
}

// start runs on main. Reports whether a new subscription was made
func (m *Monitor) start() bool {
	id, hasDevice := m.query.DefaultOutputDevice()

	if m.sub != nil {
		if m.sub.deviceID == id {
			m.logger.Debugw("Already listening to default device", "deviceID", id)
			return false
		}

		m.stop()
	}

	m.active.Store(true)

	sub := &subscription{
		deviceID:        id,
		volumeListeners: make(map[Element]ListenerID),
		muteListeners:   make(map[Element]ListenerID),
	}

	// observed even when there's no usable device, to catch future switches
	listener, err := m.hal.AddPropertyListener(SystemObject, defaultDeviceAddress, m.background,
		m.guarded((*Monitor).onDefaultDeviceNotification))
	if err != nil {
		m.logger.Warnw("Failed to register default device listener", "error", err)
	} else {
		sub.deviceListener = listener
		sub.hasDeviceListener = true
	}

	m.sub = sub

	devices := m.query.AllDevices()
	m.devices.Store(&devices)

	if !hasDevice {
		m.logger.Info("No default output device")
		m.store.Forget()
		m.startKeys()

		return true
	}

	reg := Registration{
		DeviceID:       id,
		DeviceName:     m.lookupDeviceName(id, devices),
		VolumeElements: m.query.DetectVolumeElements(id),
	}
	reg.VolumeSupported = len(reg.VolumeElements) > 0

	if reg.VolumeSupported {
		for _, element := range reg.VolumeElements {
			listener, err := m.hal.AddPropertyListener(id, volumeAddress(element), m.background,
				m.guarded((*Monitor).onVolumeNotification))
			if err != nil {
				m.logger.Warnw("Failed to register volume listener", "deviceID", id, "element", element, "error", err)
				continue
			}

			sub.volumeListeners[element] = listener
			reg.RegisteredVolumeElements = append(reg.RegisteredVolumeElements, element)
		}

		reg.MuteElements = m.query.DetectMuteElements(id)
		for _, element := range reg.MuteElements {
			listener, err := m.hal.AddPropertyListener(id, muteAddress(element), m.background,
				m.guarded((*Monitor).onMuteNotification))
			if err != nil {
				m.logger.Warnw("Failed to register mute listener", "deviceID", id, "element", element, "error", err)
				continue
			}

			sub.muteListeners[element] = listener
			reg.RegisteredMuteElements = append(reg.RegisteredMuteElements, element)
		}
	} else {
		m.logger.Infow("Default device has no volume control", "deviceID", id, "name", reg.DeviceName)
	}

	m.store.Register(reg)
	m.startKeys()

	m.logger.Infow("Listening to default output device",
		"deviceID", id,
		"name", reg.DeviceName,
		"volumeElements", reg.RegisteredVolumeElements,
		"muteElements", reg.RegisteredMuteElements)

	return true
}

// stop runs on main. Listeners are removed against the device id captured at
// registration and the queue they were registered with
func (m *Monitor) stop() {
	if m.keys != nil {
		m.keys.Stop()
	}

	sub := m.sub
	m.sub = nil

	if sub == nil {
		m.store.ClearRegistration()
		return
	}

	m.active.Store(false)

	if sub.hasDeviceListener {
		if err := m.hal.RemovePropertyListener(SystemObject, defaultDeviceAddress, m.background, sub.deviceListener); err != nil {
			m.logger.Warnw("Failed to remove default device listener", "error", err)
		}
	}

	for element, listener := range sub.volumeListeners {
		if err := m.hal.RemovePropertyListener(sub.deviceID, volumeAddress(element), m.background, listener); err != nil {
			m.logger.Warnw("Failed to remove volume listener", "deviceID", sub.deviceID, "element", element, "error", err)
		}
	}

	for element, listener := range sub.muteListeners {
		if err := m.hal.RemovePropertyListener(sub.deviceID, muteAddress(element), m.background, listener); err != nil {
			m.logger.Warnw("Failed to remove mute listener", "deviceID", sub.deviceID, "element", element, "error", err)
		}
	}

	m.store.ClearRegistration()

	m.logger.Debugw("Stopped listening", "deviceID", sub.deviceID)
}

func (m *Monitor) startKeys() {
	if m.keys != nil {
		m.keys.Start()
	}
}

func (m *Monitor) lookupDeviceName(id DeviceID, devices []AudioDevice) string {
	for _, device := range devices {
		if device.ID == id {
			return device.Name
		}
	}

	return m.query.DeviceName(id).Or("")
}

// guarded wraps a handler so that it holds only a weak reference to the
// monitor and does nothing once the monitor went inactive
func (m *Monitor) guarded(handler func(*Monitor)) func() {
	ref := weak.Make(m)
	active := m.active

	return func() {
		if !active.Load() {
			return
		}

		if mon := ref.Value(); mon != nil {
			handler(mon)
		}
	}
}

// onVolumeNotification runs on background. The notification carries no value,
// so the authoritative scalar is re-read
func (m *Monitor) onVolumeNotification() {
	state := m.store.Snapshot()
	if !state.IsListening || !state.VolumeSupported {
		return
	}

	scalar, ok := m.query.CurrentVolume(state.ListeningDeviceID, state.VolumeElements).Get()
	if !ok {
		m.logger.Debugw("Volume notification but volume unreadable, keeping last known",
			"deviceID", state.ListeningDeviceID)
		return
	}

	change := m.store.ApplyVolume(state.ListeningDeviceID, scalar, m.currentParams().Epsilon)
	if change.Stale {
		m.logger.Debugw("Dropping volume read from a device no longer listened to",
			"deviceID", state.ListeningDeviceID, "scalar", scalar)
		return
	}

	if change.Unmuted {
		m.logger.Debugw("Volume raised while muted, clearing mute", "scalar", scalar)
	}

	if !change.Significant {
		return
	}

	m.scheduleHUD()
}

// onMuteNotification runs on background. Spurious notifications that don't
// flip the cached flag are dropped
func (m *Monitor) onMuteNotification() {
	state := m.store.Snapshot()
	if !state.IsListening || len(state.MuteElements) == 0 {
		return
	}

	muted, ok := m.query.MuteState(state.ListeningDeviceID, state.MuteElements).Get()
	if !ok {
		return
	}

	if !m.store.ApplyMute(state.ListeningDeviceID, muted) {
		m.logger.Debugw("Ignoring mute notification without a change",
			"deviceID", state.ListeningDeviceID, "muted", muted)
		return
	}

	m.scheduleHUD()
}

// onDefaultDeviceNotification runs on background. Several notifications
// may fire for one physical switch
func (m *Monitor) onDefaultDeviceNotification() {
	delay := m.currentParams().DeviceDebounce

	m.main.Async(func() {
		m.debouncer.Schedule(debounceDevice, delay, m.switchDevice)
	})
}

func (m *Monitor) scheduleHUD() {
	delay := m.currentParams().VolumeDebounce

	m.main.Async(func() {
		// a handler that was already running when Stop ran must not re-arm the HUD
		if !m.active.Load() {
			return
		}

		m.debouncer.Schedule(debounceHUD, delay, m.emitCurrent)
	})
}

// switchDevice runs on main when the device debounce fires
func (m *Monitor) switchDevice() {
	if !m.active.Load() {
		return
	}

	previous := m.store.DefaultDeviceID()

	m.stop()
	m.start()

	m.logger.Infow("Default output device changed",
		"previous", previous,
		"current", m.store.DefaultDeviceID())

	m.announceDevice()
}

// announceDevice runs on main: refreshes the freshly registered device and
// emits exactly one HUD event describing it
func (m *Monitor) announceDevice() {
	m.debouncer.Cancel(debounceHUD)

	if m.store.VolumeSupported() {
		m.RefreshMuteState()
		m.CurrentVolume()
	}

	m.emitCurrent()
}

// emitCurrent runs on main
func (m *Monitor) emitCurrent() {
	state := m.store.Snapshot()
	event := hudEventFromState(state)

	m.publish(event)

	if dropped := m.hud.emit(event); dropped > 0 {
		m.logger.Debugw("HUD subscribers lagging, dropped event", "subscribers", dropped)
	}
}

// publish runs on main
func (m *Monitor) publish(event HUDEvent) {
	m.percent.Store(int32(event.Percent()))

	name := event.Name()
	m.deviceName.Store(&name)
}

// CurrentVolume re-reads the listening device's volume and records it.
// Unavailable when idle, unsupported or unreadable
func (m *Monitor) CurrentVolume() Reading[float32] {
	state := m.store.Snapshot()
	if !state.IsListening || !state.VolumeSupported {
		return Unavailable[float32]()
	}

	reading := m.query.CurrentVolume(state.ListeningDeviceID, state.VolumeElements)
	if scalar, ok := reading.Get(); ok && !m.store.SetLastVolumeScalar(state.ListeningDeviceID, scalar) {
		m.logger.Debugw("Device changed while reading volume", "deviceID", state.ListeningDeviceID)
	}

	return reading
}

// RefreshMuteState re-reads the listening device's mute flag and records it
func (m *Monitor) RefreshMuteState() Reading[bool] {
	state := m.store.Snapshot()
	if !state.IsListening || len(state.MuteElements) == 0 {
		return Unavailable[bool]()
	}

	reading := m.query.MuteState(state.ListeningDeviceID, state.MuteElements)
	if muted, ok := reading.Get(); ok && !m.store.SetMuted(state.ListeningDeviceID, muted) {
		m.logger.Debugw("Device changed while reading mute state", "deviceID", state.ListeningDeviceID)
	}

	return reading
}

// SetVolume writes scalar (clamped to [0,1]) on the background queue and
// reports the outcome to done on the main queue
func (m *Monitor) SetVolume(scalar float32, done func(ok bool)) {
	m.background.Async(func() {
		state := m.store.Snapshot()

		ok := state.IsListening && state.VolumeSupported &&
			m.query.SetVolume(scalar, state.ListeningDeviceID, state.VolumeElements)
		if !ok {
			m.logger.Debugw("Volume write failed", "scalar", scalar, "deviceID", state.ListeningDeviceID)
		}

		m.reply(done, ok)
	})
}

// SetVolumePercent is SetVolume for an integer percentage
func (m *Monitor) SetVolumePercent(percent int, done func(ok bool)) {
	m.SetVolume(util.PercentToScalar(percent), done)
}

func (m *Monitor) SetMute(muted bool, done func(ok bool)) {
	m.background.Async(func() {
		state := m.store.Snapshot()

		ok := state.IsListening && len(state.MuteElements) > 0 &&
			m.query.SetMute(muted, state.ListeningDeviceID, state.MuteElements)
		if !ok {
			m.logger.Debugw("Mute write failed", "muted", muted, "deviceID", state.ListeningDeviceID)
		}

		m.reply(done, ok)
	})
}

func (m *Monitor) reply(done func(bool), ok bool) {
	if done == nil {
		return
	}

	m.main.Async(func() {
		done(ok)
	})
}

// ForceResync re-derives volume and mute after a volume key press, for
// hardware that doesn't notify on every press. An unsupported device gets a
// HUD event so the press still produces feedback
func (m *Monitor) ForceResync(key KeyEvent) {
	m.background.Async(func() {
		if !m.active.Load() {
			return
		}

		state := m.store.Snapshot()
		if !state.IsListening {
			return
		}

		m.logger.Debugw("Resyncing after key press", "key", key.Code)

		if !state.VolumeSupported {
			m.scheduleHUD()
			return
		}

		m.onVolumeNotification()
		m.onMuteNotification()
	})
}

// Percent is the last published volume percentage (0 while muted)
func (m *Monitor) Percent() int {
	return int(m.percent.Load())
}

// DeviceName is the last published device name, "" if unknown
func (m *Monitor) DeviceName() string {
	name := m.deviceName.Load()
	if name == nil {
		return ""
	}

	return *name
}

// Devices is the device list enumerated on the last start
func (m *Monitor) Devices() []AudioDevice {
	devices := m.devices.Load()
	if devices == nil {
		return nil
	}

	return append([]AudioDevice{}, *devices...)
}

// State returns a snapshot of the monitor's state store
func (m *Monitor) State() VolumeState {
	return m.store.Snapshot()
}

// OnHUDEvent registers fn to be called on the main queue for every HUD event
func (m *Monitor) OnHUDEvent(fn func(HUDEvent)) {
	m.hud.addCallback(fn)
}

// SubscribeToHUDEvents returns a buffered channel that receives every HUD
// event; a consumer that stops reading misses events instead of blocking
func (m *Monitor) SubscribeToHUDEvents() chan HUDEvent {
	return m.hud.subscribe()
}
