package volhud

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testParams = MonitorParams{
	VolumeDebounce: 20 * time.Millisecond,
	DeviceDebounce: 30 * time.Millisecond,
	Epsilon:        0.001,
}

func newTestMonitor(t *testing.T, hal HAL, params MonitorParams) *Monitor {
	t.Helper()

	m := NewMonitor(testLogger(), hal, params)
	t.Cleanup(func() {
		_ = m.Close()
	})

	return m
}

func speakersHAL() *fakeHAL {
	hal := newFakeHAL()
	hal.addDevice("spk", "Speakers", map[Element]float32{ElementMain: 0.42}, map[Element]bool{ElementMain: false})
	hal.defaultID = "spk"

	return hal
}

func TestMonitor_StartAnnouncesDefaultDevice(t *testing.T) {
	hal := speakersHAL()
	m := newTestMonitor(t, hal, testParams)
	events := m.SubscribeToHUDEvents()

	require.NoError(t, m.Start())

	event := waitForHUD(t, events)
	assert.Equal(t, 42, event.Percent())
	assert.Equal(t, "Speakers", event.Name())
	assert.False(t, event.IsUnsupported)

	assert.Equal(t, 42, m.Percent())
	assert.Equal(t, "Speakers", m.DeviceName())

	state := m.State()
	assert.True(t, state.IsListening)
	assert.Equal(t, DeviceID("spk"), state.ListeningDeviceID)
	assert.Equal(t, DeviceID("spk"), state.DefaultDeviceID)
	assert.Equal(t, []Element{ElementMain}, state.VolumeElements)
	assert.Equal(t, []Element{ElementMain}, state.MuteElements)
	assert.Equal(t, []Element{ElementMain}, state.RegisteredVolumeElements)
	assert.Equal(t, []Element{ElementMain}, state.RegisteredMuteElements)

	// default device, volume and mute
	assert.Equal(t, 3, hal.listenerCount())

	assert.Equal(t, []AudioDevice{{ID: "spk", Name: "Speakers"}}, m.Devices())
}

func TestMonitor_StartTwiceIsNoop(t *testing.T) {
	hal := speakersHAL()
	m := newTestMonitor(t, hal, testParams)
	events := m.SubscribeToHUDEvents()

	require.NoError(t, m.Start())
	waitForHUD(t, events)

	require.NoError(t, m.Start())
	requireNoHUD(t, events, 100*time.Millisecond)

	assert.Equal(t, 3, hal.listenerCount())
}

func TestMonitor_BurstCollapsesIntoOneEvent(t *testing.T) {
	hal := speakersHAL()
	params := testParams
	params.VolumeDebounce = 80 * time.Millisecond

	m := newTestMonitor(t, hal, params)
	events := m.SubscribeToHUDEvents()

	require.NoError(t, m.Start())
	waitForHUD(t, events)

	hal.changeVolume("spk", 0.5)
	hal.changeVolume("spk", 0.6)
	hal.changeVolume("spk", 0.7)

	event := waitForHUD(t, events)
	assert.Equal(t, 70, event.Percent())

	requireNoHUD(t, events, 200*time.Millisecond)
	assert.Equal(t, 70, m.Percent())
}

func TestMonitor_RepeatInsideRangeIsIgnored(t *testing.T) {
	hal := speakersHAL()
	m := newTestMonitor(t, hal, testParams)
	events := m.SubscribeToHUDEvents()

	require.NoError(t, m.Start())
	waitForHUD(t, events)

	hal.fire("spk", volumeAddress(ElementMain))
	requireNoHUD(t, events, 100*time.Millisecond)

	// below epsilon
	hal.changeVolume("spk", 0.4205)
	requireNoHUD(t, events, 100*time.Millisecond)
}

func TestMonitor_RepeatAtExtremesKeepsProducingEvents(t *testing.T) {
	hal := speakersHAL()
	m := newTestMonitor(t, hal, testParams)
	events := m.SubscribeToHUDEvents()

	require.NoError(t, m.Start())
	waitForHUD(t, events)

	hal.changeVolume("spk", 1)
	assert.Equal(t, 100, waitForHUD(t, events).Percent())

	// held volume-up at the top: the hardware notifies without a change
	for i := 0; i < 2; i++ {
		hal.fire("spk", volumeAddress(ElementMain))
		assert.Equal(t, 100, waitForHUD(t, events).Percent())
	}

	hal.changeVolume("spk", 0)
	assert.Equal(t, 0, waitForHUD(t, events).Percent())

	hal.fire("spk", volumeAddress(ElementMain))
	assert.Equal(t, 0, waitForHUD(t, events).Percent())
}

func TestMonitor_MuteDisplaysZero(t *testing.T) {
	hal := speakersHAL()
	m := newTestMonitor(t, hal, testParams)
	events := m.SubscribeToHUDEvents()

	require.NoError(t, m.Start())
	waitForHUD(t, events)

	hal.changeMute("spk", true)

	event := waitForHUD(t, events)
	assert.Equal(t, 0, event.Percent())
	assert.Equal(t, "Speakers", event.Name())
	assert.True(t, m.State().IsMuted)

	// spurious notification without a flip
	hal.fire("spk", muteAddress(ElementMain))
	requireNoHUD(t, events, 100*time.Millisecond)

	// volume notification caused by the mute toggle itself
	hal.fire("spk", volumeAddress(ElementMain))
	requireNoHUD(t, events, 100*time.Millisecond)
	assert.True(t, m.State().IsMuted)

	hal.changeMute("spk", false)
	assert.Equal(t, 42, waitForHUD(t, events).Percent())
	assert.False(t, m.State().IsMuted)
}

func TestMonitor_VolumeChangeWhileMutedClearsMute(t *testing.T) {
	hal := speakersHAL()
	m := newTestMonitor(t, hal, testParams)
	events := m.SubscribeToHUDEvents()

	require.NoError(t, m.Start())
	waitForHUD(t, events)

	hal.changeMute("spk", true)
	assert.Equal(t, 0, waitForHUD(t, events).Percent())

	hal.changeVolume("spk", 0.6)
	assert.Equal(t, 60, waitForHUD(t, events).Percent())
	assert.False(t, m.State().IsMuted)
}

func TestMonitor_DeviceSwitchIsDebounced(t *testing.T) {
	hal := speakersHAL()
	hal.addDevice("hp", "Headphones", map[Element]float32{ElementMain: 0.8}, map[Element]bool{ElementMain: false})

	m := newTestMonitor(t, hal, testParams)
	events := m.SubscribeToHUDEvents()

	require.NoError(t, m.Start())
	waitForHUD(t, events)

	// one physical switch, several notifications
	hal.switchDefault("hp")
	hal.switchDefault("hp")
	hal.switchDefault("hp")

	event := waitForHUD(t, events)
	assert.Equal(t, "Headphones", event.Name())
	assert.Equal(t, 80, event.Percent())
	requireNoHUD(t, events, 150*time.Millisecond)

	state := m.State()
	assert.Equal(t, DeviceID("hp"), state.DefaultDeviceID)
	assert.Equal(t, DeviceID("hp"), state.ListeningDeviceID)

	assert.Zero(t, hal.listenersOn("spk", SelectorVolumeScalar))
	assert.Zero(t, hal.listenersOn("spk", SelectorMute))
	assert.Equal(t, 1, hal.listenersOn("hp", SelectorVolumeScalar))
	assert.Equal(t, 1, hal.listenersOn("hp", SelectorMute))
	assert.Equal(t, 1, hal.listenersOn(SystemObject, SelectorDefaultOutputDevice))
	assert.Zero(t, hal.badRemovals())

	// the old device is no longer observed
	hal.changeVolume("spk", 0.1)
	requireNoHUD(t, events, 100*time.Millisecond)

	hal.changeVolume("hp", 0.3)
	assert.Equal(t, 30, waitForHUD(t, events).Percent())
}

func TestMonitor_UnsupportedDevice(t *testing.T) {
	hal := newFakeHAL()
	hal.addDevice("hdmi", "HDMI", nil, nil)
	hal.defaultID = "hdmi"

	m := newTestMonitor(t, hal, testParams)
	events := m.SubscribeToHUDEvents()

	require.NoError(t, m.Start())

	event := waitForHUD(t, events)
	assert.True(t, event.IsUnsupported)
	assert.Equal(t, "HDMI", event.Name())
	assert.Equal(t, 0, event.Percent())

	// only the default device listener
	assert.Equal(t, 1, hal.listenerCount())
	assert.False(t, m.State().VolumeSupported)
	assert.False(t, m.CurrentVolume().IsKnown())

	m.ForceResync(NewKeyEvent(KeyVolumeUp, KeyPressed))

	event = waitForHUD(t, events)
	assert.True(t, event.IsUnsupported)
}

func TestMonitor_NoDefaultDevice(t *testing.T) {
	hal := newFakeHAL()

	m := newTestMonitor(t, hal, testParams)
	events := m.SubscribeToHUDEvents()

	require.NoError(t, m.Start())

	event := waitForHUD(t, events)
	assert.Nil(t, event.DeviceName)
	assert.True(t, event.IsUnsupported)
	assert.False(t, m.State().IsListening)
	assert.Equal(t, 1, hal.listenerCount())

	hal.addDevice("spk", "Speakers", map[Element]float32{ElementMain: 0.42}, nil)
	hal.switchDefault("spk")

	event = waitForHUD(t, events)
	assert.Equal(t, "Speakers", event.Name())
	assert.Equal(t, 42, event.Percent())
	assert.True(t, m.State().IsListening)
}

func TestMonitor_StopRemovesEveryListener(t *testing.T) {
	hal := speakersHAL()
	m := newTestMonitor(t, hal, testParams)
	events := m.SubscribeToHUDEvents()

	// never started
	require.NoError(t, m.Stop())

	require.NoError(t, m.Start())
	waitForHUD(t, events)

	require.NoError(t, m.Stop())
	assert.Zero(t, hal.listenerCount())
	assert.Zero(t, hal.badRemovals())
	assert.False(t, m.State().IsListening)
	assert.Empty(t, m.State().RegisteredVolumeElements)

	hal.changeVolume("spk", 0.9)
	requireNoHUD(t, events, 100*time.Millisecond)

	require.NoError(t, m.Stop())

	require.NoError(t, m.Start())
	assert.Equal(t, 90, waitForHUD(t, events).Percent())
	assert.Equal(t, 3, hal.listenerCount())
}

func TestMonitor_CloseDisarmsCallbacks(t *testing.T) {
	hal := speakersHAL()
	m := NewMonitor(testLogger(), hal, testParams)
	events := m.SubscribeToHUDEvents()

	require.NoError(t, m.Start())
	waitForHUD(t, events)

	hal.lock.Lock()
	var stale []func()
	for _, listener := range hal.listeners {
		stale = append(stale, listener.fn)
	}
	hal.lock.Unlock()

	require.NoError(t, m.Close())
	assert.Zero(t, hal.listenerCount())
	assert.Zero(t, hal.badRemovals())

	// callbacks already in flight when the monitor went away
	for _, fn := range stale {
		assert.NotPanics(t, fn)
	}
	requireNoHUD(t, events, 100*time.Millisecond)

	assert.ErrorIs(t, m.Start(), ErrMonitorClosed)
	assert.ErrorIs(t, m.Stop(), ErrMonitorClosed)
	assert.NoError(t, m.Close())
}

func TestMonitor_PerChannelElements(t *testing.T) {
	hal := newFakeHAL()
	hal.addDevice("usb", "USB DAC",
		map[Element]float32{ElementChannel1: 0.4, ElementChannel2: 0.6},
		map[Element]bool{ElementChannel1: false, ElementChannel2: false})
	hal.defaultID = "usb"

	m := newTestMonitor(t, hal, testParams)
	events := m.SubscribeToHUDEvents()

	require.NoError(t, m.Start())

	assert.Equal(t, 50, waitForHUD(t, events).Percent())
	assert.Equal(t, []Element{ElementChannel1, ElementChannel2}, m.State().VolumeElements)
	assert.Equal(t, 2, hal.listenersOn("usb", SelectorVolumeScalar))
	assert.Equal(t, 2, hal.listenersOn("usb", SelectorMute))
}

func TestMonitor_UnreadableMuteIsNotObserved(t *testing.T) {
	hal := newFakeHAL()
	device := hal.addDevice("spk", "Speakers", map[Element]float32{ElementMain: 0.5}, nil)
	device.unreadableMutes[ElementMain] = true
	hal.defaultID = "spk"

	m := newTestMonitor(t, hal, testParams)
	events := m.SubscribeToHUDEvents()

	require.NoError(t, m.Start())
	waitForHUD(t, events)

	assert.Empty(t, m.State().MuteElements)
	assert.Zero(t, hal.listenersOn("spk", SelectorMute))
	assert.False(t, m.RefreshMuteState().IsKnown())
}

func TestMonitor_UnreadableVolumeKeepsLastKnown(t *testing.T) {
	hal := speakersHAL()
	m := newTestMonitor(t, hal, testParams)
	events := m.SubscribeToHUDEvents()

	require.NoError(t, m.Start())
	waitForHUD(t, events)

	hal.lock.Lock()
	hal.devices["spk"].volumeReadFails = true
	hal.lock.Unlock()

	hal.changeVolume("spk", 0.9)
	requireNoHUD(t, events, 100*time.Millisecond)

	assert.False(t, m.CurrentVolume().IsKnown())
	assert.Equal(t, Known[float32](0.42), m.State().LastVolumeScalar)
}

func TestMonitor_SetVolume(t *testing.T) {
	hal := speakersHAL()
	m := newTestMonitor(t, hal, testParams)
	events := m.SubscribeToHUDEvents()

	require.NoError(t, m.Start())
	waitForHUD(t, events)

	done := make(chan bool, 1)
	reply := func(ok bool) { done <- ok }

	m.SetVolume(1.7, reply)
	assert.True(t, <-done)
	assert.Equal(t, 100, waitForHUD(t, events).Percent())

	volume, err := hal.VolumeScalar("spk", ElementMain)
	require.NoError(t, err)
	assert.Equal(t, float32(1), volume)

	m.SetVolumePercent(25, reply)
	assert.True(t, <-done)
	assert.Equal(t, 25, waitForHUD(t, events).Percent())

	m.SetMute(true, reply)
	assert.True(t, <-done)
	assert.Equal(t, 0, waitForHUD(t, events).Percent())
	assert.Equal(t, Known(true), m.RefreshMuteState())
}

func TestMonitor_SetVolumeFailsWhenUnsupported(t *testing.T) {
	hal := newFakeHAL()
	hal.addDevice("hdmi", "HDMI", nil, nil)
	hal.defaultID = "hdmi"

	m := newTestMonitor(t, hal, testParams)
	require.NoError(t, m.Start())

	done := make(chan bool, 1)
	m.SetVolume(0.5, func(ok bool) { done <- ok })
	assert.False(t, <-done)

	m.SetMute(true, func(ok bool) { done <- ok })
	assert.False(t, <-done)

	// nil callbacks are fine
	m.SetVolume(0.5, nil)
}

func TestMonitor_KeyHandlerResyncsSilentHardware(t *testing.T) {
	hal := speakersHAL()
	m := newTestMonitor(t, hal, testParams)
	events := m.SubscribeToHUDEvents()

	require.NoError(t, m.Start())
	waitForHUD(t, events)

	hal.changeVolumeSilently("spk", 0.7)

	handler := m.KeyHandler()
	handler(NewKeyEvent(KeyVolumeUp, KeyPressed))

	assert.Equal(t, 70, waitForHUD(t, events).Percent())
}

func TestMonitor_KeyHandlerIgnoredWhileIdle(t *testing.T) {
	hal := speakersHAL()
	m := newTestMonitor(t, hal, testParams)
	events := m.SubscribeToHUDEvents()

	handler := m.KeyHandler()
	handler(NewKeyEvent(KeyVolumeUp, KeyPressed))

	requireNoHUD(t, events, 100*time.Millisecond)
}

func TestMonitor_OnHUDEventCallback(t *testing.T) {
	hal := speakersHAL()
	m := newTestMonitor(t, hal, testParams)

	got := make(chan HUDEvent, 4)
	m.OnHUDEvent(func(event HUDEvent) {
		got <- event
	})

	require.NoError(t, m.Start())

	event := waitForHUD(t, got)
	assert.Equal(t, "Speakers", event.Name())
}

func TestMonitor_SetParams(t *testing.T) {
	hal := speakersHAL()
	m := newTestMonitor(t, hal, testParams)

	params := MonitorParams{VolumeDebounce: time.Second, DeviceDebounce: 2 * time.Second, Epsilon: 0.01}
	m.SetParams(params)

	assert.Equal(t, params, m.currentParams())
}

func TestMonitor_StartsAndStopsKeyWatcher(t *testing.T) {
	hal := speakersHAL()
	m := newTestMonitor(t, hal, testParams)

	keys := NewKeyEventWatcher(testLogger(), m.KeyHandler())
	m.SetKeyWatcher(keys)

	require.NoError(t, m.Start())
	assert.True(t, keys.Running())

	require.NoError(t, m.Stop())
	assert.False(t, keys.Running())
}

func TestMonitor_StopCancelsPendingHUD(t *testing.T) {
	hal := speakersHAL()
	params := testParams
	params.VolumeDebounce = 150 * time.Millisecond

	m := newTestMonitor(t, hal, params)
	events := m.SubscribeToHUDEvents()

	require.NoError(t, m.Start())
	waitForHUD(t, events)

	hal.changeVolume("spk", 0.6)
	time.Sleep(30 * time.Millisecond)

	require.NoError(t, m.Stop())

	requireNoHUD(t, events, 300*time.Millisecond)
	assert.Equal(t, 42, m.Percent())
	assert.False(t, m.State().IsListening)
}

// switchDuringRead parks a notification handler for "spk" inside its hardware
// read, makes "hp" the default and restarts, then lets the handler finish
func switchDuringRead(t *testing.T, arm func(hal *gatedHAL), notify func(hal *fakeHAL)) (*Monitor, <-chan HUDEvent) {
	t.Helper()

	inner := speakersHAL()
	hal := newGatedHAL(inner, "spk")

	m := newTestMonitor(t, hal, testParams)
	// registered after Close so it runs first
	t.Cleanup(hal.open)

	events := m.SubscribeToHUDEvents()

	require.NoError(t, m.Start())
	waitForHUD(t, events)

	arm(hal)
	notify(inner)
	hal.waitEntered(t)

	inner.addDevice("hp", "Headphones", map[Element]float32{ElementMain: 0.2}, map[Element]bool{ElementMain: false})
	inner.setDefault("hp")
	require.NoError(t, m.Start())

	event := waitForHUD(t, events)
	assert.Equal(t, "Headphones", event.Name())
	assert.Equal(t, 20, event.Percent())

	hal.open()
	require.True(t, m.background.Sync(func() {}))

	return m, events
}

func TestMonitor_VolumeReadFromPreviousDeviceIsDropped(t *testing.T) {
	m, events := switchDuringRead(t,
		func(hal *gatedHAL) { hal.volumeArmed.Store(true) },
		func(hal *fakeHAL) { hal.changeVolume("spk", 0.95) })

	requireNoHUD(t, events, 150*time.Millisecond)

	state := m.State()
	assert.Equal(t, DeviceID("hp"), state.ListeningDeviceID)
	assert.Equal(t, Known[float32](0.2), state.LastVolumeScalar)
	assert.Equal(t, 20, m.Percent())
	assert.Equal(t, "Headphones", m.DeviceName())
}

func TestMonitor_MuteReadFromPreviousDeviceIsDropped(t *testing.T) {
	m, events := switchDuringRead(t,
		func(hal *gatedHAL) { hal.muteArmed.Store(true) },
		func(hal *fakeHAL) { hal.changeMute("spk", true) })

	requireNoHUD(t, events, 150*time.Millisecond)

	state := m.State()
	assert.Equal(t, DeviceID("hp"), state.ListeningDeviceID)
	assert.False(t, state.IsMuted)
	assert.Equal(t, 20, m.Percent())
}
