package volhud

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeDevice struct {
	name    string
	volumes map[Element]float32
	mutes   map[Element]bool

	// advertised but failing reads
	unreadableMutes map[Element]bool
	volumeReadFails bool
}

type fakeListener struct {
	id    DeviceID
	addr  PropertyAddress
	queue Dispatcher
	fn    func()
}

// fakeHAL is an in-memory audio layer. Writes notify listeners the way real
// hardware does
type fakeHAL struct {
	lock sync.Mutex

	defaultID DeviceID
	devices   map[DeviceID]*fakeDevice
	order     []DeviceID

	listeners  map[ListenerID]fakeListener
	nextID     ListenerID
	removals   int
	badRemoves int
	released   bool
}

func newFakeHAL() *fakeHAL {
	return &fakeHAL{
		devices:   make(map[DeviceID]*fakeDevice),
		listeners: make(map[ListenerID]fakeListener),
	}
}

func (h *fakeHAL) addDevice(id DeviceID, name string, volumes map[Element]float32, mutes map[Element]bool) *fakeDevice {
	h.lock.Lock()
	defer h.lock.Unlock()

	if volumes == nil {
		volumes = map[Element]float32{}
	}
	if mutes == nil {
		mutes = map[Element]bool{}
	}

	device := &fakeDevice{
		name:            name,
		volumes:         volumes,
		mutes:           mutes,
		unreadableMutes: map[Element]bool{},
	}
	h.devices[id] = device
	h.order = append(h.order, id)

	return device
}

func (h *fakeHAL) DefaultOutputDevice() (DeviceID, error) {
	h.lock.Lock()
	defer h.lock.Unlock()

	return h.defaultID, nil
}

func (h *fakeHAL) Devices() ([]DeviceID, error) {
	h.lock.Lock()
	defer h.lock.Unlock()

	return append([]DeviceID{}, h.order...), nil
}

func (h *fakeHAL) DeviceName(id DeviceID) (string, error) {
	h.lock.Lock()
	defer h.lock.Unlock()

	device, ok := h.devices[id]
	if !ok {
		return "", ErrNoSuchDevice
	}

	return device.name, nil
}

func (h *fakeHAL) HasProperty(id DeviceID, addr PropertyAddress) bool {
	h.lock.Lock()
	defer h.lock.Unlock()

	device, ok := h.devices[id]
	if !ok {
		return false
	}

	switch addr.Selector {
	case SelectorVolumeScalar:
		_, ok = device.volumes[addr.Element]
	case SelectorMute:
		_, ok = device.mutes[addr.Element]
		ok = ok || device.unreadableMutes[addr.Element]
	default:
		ok = false
	}

	return ok
}

func (h *fakeHAL) VolumeScalar(id DeviceID, element Element) (float32, error) {
	h.lock.Lock()
	defer h.lock.Unlock()

	device, ok := h.devices[id]
	if !ok {
		return 0, ErrNoSuchDevice
	}

	scalar, ok := device.volumes[element]
	if !ok || device.volumeReadFails {
		return 0, ErrUnsupportedProperty
	}

	return scalar, nil
}

func (h *fakeHAL) SetVolumeScalar(id DeviceID, element Element, scalar float32) error {
	h.lock.Lock()
	device, ok := h.devices[id]
	if !ok {
		h.lock.Unlock()
		return ErrNoSuchDevice
	}
	if _, ok := device.volumes[element]; !ok {
		h.lock.Unlock()
		return ErrUnsupportedProperty
	}
	device.volumes[element] = scalar
	h.lock.Unlock()

	h.fire(id, volumeAddress(element))

	return nil
}

func (h *fakeHAL) Mute(id DeviceID, element Element) (bool, error) {
	h.lock.Lock()
	defer h.lock.Unlock()

	device, ok := h.devices[id]
	if !ok {
		return false, ErrNoSuchDevice
	}

	muted, ok := device.mutes[element]
	if !ok {
		return false, ErrUnsupportedProperty
	}

	return muted, nil
}

func (h *fakeHAL) SetMute(id DeviceID, element Element, muted bool) error {
	h.lock.Lock()
	device, ok := h.devices[id]
	if !ok {
		h.lock.Unlock()
		return ErrNoSuchDevice
	}
	if _, ok := device.mutes[element]; !ok {
		h.lock.Unlock()
		return ErrUnsupportedProperty
	}
	device.mutes[element] = muted
	h.lock.Unlock()

	h.fire(id, muteAddress(element))

	return nil
}

func (h *fakeHAL) AddPropertyListener(id DeviceID, addr PropertyAddress, queue Dispatcher, fn func()) (ListenerID, error) {
	h.lock.Lock()
	defer h.lock.Unlock()

	h.nextID++
	h.listeners[h.nextID] = fakeListener{id: id, addr: addr, queue: queue, fn: fn}

	return h.nextID, nil
}

func (h *fakeHAL) RemovePropertyListener(id DeviceID, addr PropertyAddress, queue Dispatcher, listener ListenerID) error {
	h.lock.Lock()
	defer h.lock.Unlock()

	registered, ok := h.listeners[listener]
	if !ok || registered.id != id || registered.addr != addr || registered.queue != queue {
		h.badRemoves++
		return nil
	}

	delete(h.listeners, listener)
	h.removals++

	return nil
}

func (h *fakeHAL) Release() error {
	h.lock.Lock()
	defer h.lock.Unlock()

	h.released = true

	return nil
}

// fire delivers a notification to every listener of (id, addr)
func (h *fakeHAL) fire(id DeviceID, addr PropertyAddress) {
	h.lock.Lock()
	var targets []fakeListener
	for _, listener := range h.listeners {
		if listener.id == id && listener.addr == addr {
			targets = append(targets, listener)
		}
	}
	h.lock.Unlock()

	for _, listener := range targets {
		listener.queue.Async(listener.fn)
	}
}

// changeVolume sets every volume element of id and notifies once per element
func (h *fakeHAL) changeVolume(id DeviceID, scalar float32) {
	h.lock.Lock()
	device := h.devices[id]
	var elements []Element
	for element := range device.volumes {
		device.volumes[element] = scalar
		elements = append(elements, element)
	}
	h.lock.Unlock()

	for _, element := range elements {
		h.fire(id, volumeAddress(element))
	}
}

// changeVolumeSilently changes the volume without any notification
func (h *fakeHAL) changeVolumeSilently(id DeviceID, scalar float32) {
	h.lock.Lock()
	defer h.lock.Unlock()

	for element := range h.devices[id].volumes {
		h.devices[id].volumes[element] = scalar
	}
}

func (h *fakeHAL) changeMute(id DeviceID, muted bool) {
	h.lock.Lock()
	device := h.devices[id]
	var elements []Element
	for element := range device.mutes {
		device.mutes[element] = muted
		elements = append(elements, element)
	}
	h.lock.Unlock()

	for _, element := range elements {
		h.fire(id, muteAddress(element))
	}
}

// setDefault changes the default device without notifying anyone
func (h *fakeHAL) setDefault(id DeviceID) {
	h.lock.Lock()
	defer h.lock.Unlock()

	h.defaultID = id
}

func (h *fakeHAL) switchDefault(id DeviceID) {
	h.lock.Lock()
	h.defaultID = id
	h.lock.Unlock()

	h.fire(SystemObject, defaultDeviceAddress)
}

// listenersOn counts registered listeners on id, optionally filtered by selector
func (h *fakeHAL) listenersOn(id DeviceID, selector Selector) int {
	h.lock.Lock()
	defer h.lock.Unlock()

	n := 0
	for _, listener := range h.listeners {
		if listener.id == id && listener.addr.Selector == selector {
			n++
		}
	}

	return n
}

func (h *fakeHAL) listenerCount() int {
	h.lock.Lock()
	defer h.lock.Unlock()

	return len(h.listeners)
}

func (h *fakeHAL) badRemovals() int {
	h.lock.Lock()
	defer h.lock.Unlock()

	return h.badRemoves
}

// gatedHAL parks the next armed read of one device until open is called,
// holding the caller in the middle of a notification handler
type gatedHAL struct {
	*fakeHAL

	device      DeviceID
	volumeArmed atomic.Bool
	muteArmed   atomic.Bool
	entered     chan struct{}
	release     chan struct{}
	releaseOnce sync.Once
}

func newGatedHAL(inner *fakeHAL, device DeviceID) *gatedHAL {
	return &gatedHAL{
		fakeHAL: inner,
		device:  device,
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (h *gatedHAL) VolumeScalar(id DeviceID, element Element) (float32, error) {
	if id == h.device && h.volumeArmed.CompareAndSwap(true, false) {
		h.wait()
	}

	return h.fakeHAL.VolumeScalar(id, element)
}

func (h *gatedHAL) Mute(id DeviceID, element Element) (bool, error) {
	if id == h.device && h.muteArmed.CompareAndSwap(true, false) {
		h.wait()
	}

	return h.fakeHAL.Mute(id, element)
}

func (h *gatedHAL) wait() {
	h.entered <- struct{}{}
	<-h.release
}

func (h *gatedHAL) waitEntered(t *testing.T) {
	t.Helper()

	select {
	case <-h.entered:
	case <-time.After(2 * time.Second):
		require.FailNow(t, "gated read never started")
	}
}

func (h *gatedHAL) open() {
	h.releaseOnce.Do(func() { close(h.release) })
}

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func waitForHUD(t *testing.T, events <-chan HUDEvent) HUDEvent {
	t.Helper()

	select {
	case event := <-events:
		return event
	case <-time.After(2 * time.Second):
		require.FailNow(t, "no HUD event in time")
		return HUDEvent{}
	}
}

func requireNoHUD(t *testing.T, events <-chan HUDEvent, within time.Duration) {
	t.Helper()

	select {
	case event := <-events:
		require.FailNowf(t, "unexpected HUD event", "got %+v (%d%%, %q)", event, event.Percent(), event.Name())
	case <-time.After(within):
	}
}
