package volhud

import (
	"errors"
	"fmt"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/diegosz/go-wca/pkg/wca"
	"github.com/go-ole/go-ole"
	"go.uber.org/zap"
)

const (
	randomGUID = "{5c1e6d8a-2f0b-4c4e-9a7d-3b1f0e2d6a91}"

	// endpoint volume and mute changes are polled at this rate
	controlPollInterval = 100 * time.Millisecond
)

type wcaListener struct {
	device DeviceID
	addr   PropertyAddress
	queue  Dispatcher
	fn     func()
}

type wcaControlState struct {
	volumes []float32 // main first, then channels
	muted   bool
}

// wcaHAL talks to the Windows Core Audio endpoint APIs. Every COM call runs on
// one OS-locked thread
type wcaHAL struct {
	logger *zap.SugaredLogger

	eventCtx *ole.GUID

	calls chan func()
	stop  chan struct{}
	done  chan struct{}

	// only touched on the COM thread
	mmDeviceEnumerator   *wca.IMMDeviceEnumerator
	mmNotificationClient *wca.IMMNotificationClient
	endpoints            map[DeviceID]*wca.IAudioEndpointVolume

	lock         sync.Locker
	listeners    map[ListenerID]wcaListener
	nextListener ListenerID
	controls     map[DeviceID]wcaControlState
}

func newHAL(logger *zap.SugaredLogger) (HAL, error) {
	h := &wcaHAL{
		logger:    logger.Named("hal"),
		eventCtx:  ole.NewGUID(randomGUID),
		calls:     make(chan func()),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		endpoints: make(map[DeviceID]*wca.IAudioEndpointVolume),
		lock:      &sync.Mutex{},
		listeners: make(map[ListenerID]wcaListener),
		controls:  make(map[DeviceID]wcaControlState),
	}

	ready := make(chan error, 1)
	go h.comThread(ready)

	if err := <-ready; err != nil {
		return nil, err
	}

	go h.pollControls()

	h.logger.Debug("Created WCA hal instance")

	return h, nil
}

func (h *wcaHAL) comThread(ready chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(h.done)

	if err := h.initialize(); err != nil {
		ready <- err
		return
	}
	ready <- nil

	for {
		select {
		case call := <-h.calls:
			call()
		case <-h.stop:
			h.release()
			return
		}
	}
}

func (h *wcaHAL) initialize() error {
	if err := ole.CoInitializeEx(0, ole.COINIT_APARTMENTTHREADED); err != nil {
		// E_FALSE means that the call was redundant.
		const eFalse = 1
		oleError := &ole.OleError{}

		if !errors.As(err, &oleError) || oleError.Code() != eFalse {
			h.logger.Warnw("Failed to call CoInitializeEx", "error", err)
			return fmt.Errorf("call CoInitializeEx: %w", err)
		}

		h.logger.Warn("CoInitializeEx failed with E_FALSE due to redundant invocation")
	}

	if err := wca.CoCreateInstance(
		wca.CLSID_MMDeviceEnumerator,
		0,
		wca.CLSCTX_ALL,
		wca.IID_IMMDeviceEnumerator,
		&h.mmDeviceEnumerator,
	); err != nil {
		h.logger.Warnw("Failed to call CoCreateInstance", "error", err)
		return fmt.Errorf("call CoCreateInstance: %w", err)
	}

	callback := wca.IMMNotificationClientCallback{
		OnDeviceAdded:          func(string) error { return nil },
		OnDeviceRemoved:        func(string) error { return nil },
		OnDeviceStateChanged:   func(string, uint32) error { return nil },
		OnDefaultDeviceChanged: h.defaultDeviceChangedCallback,
	}

	h.mmNotificationClient = wca.NewIMMNotificationClient(callback)

	if err := h.mmDeviceEnumerator.RegisterEndpointNotificationCallback(h.mmNotificationClient); err != nil {
		h.logger.Warnw("Failed to call RegisterEndpointNotificationCallback", "error", err)
		return fmt.Errorf("call RegisterEndpointNotificationCallback: %w", err)
	}

	return nil
}

// must run on the COM thread
func (h *wcaHAL) release() {
	for id, endpoint := range h.endpoints {
		endpoint.Release()
		delete(h.endpoints, id)
	}

	if h.mmNotificationClient != nil {
		_ = h.mmDeviceEnumerator.UnregisterEndpointNotificationCallback(h.mmNotificationClient)
	}

	if h.mmDeviceEnumerator != nil {
		h.mmDeviceEnumerator.Release()
	}

	ole.CoUninitialize()
}

// do runs fn on the COM thread and waits for it
func (h *wcaHAL) do(fn func() error) error {
	result := make(chan error, 1)

	select {
	case h.calls <- func() { result <- fn() }:
	case <-h.done:
		return ErrUnsupportedPlatform
	}

	return <-result
}

func (h *wcaHAL) DefaultOutputDevice() (DeviceID, error) {
	var id DeviceID

	err := h.do(func() error {
		var mmOutDevice *wca.IMMDevice
		if err := h.mmDeviceEnumerator.GetDefaultAudioEndpoint(wca.ERender, wca.EConsole, &mmOutDevice); err != nil {
			return fmt.Errorf("call GetDefaultAudioEndpoint: %w", err)
		}
		defer mmOutDevice.Release()

		var endpointID string
		if err := mmOutDevice.GetId(&endpointID); err != nil {
			return fmt.Errorf("get default output endpointID: %w", err)
		}

		id = DeviceID(endpointID)

		return nil
	})

	return id, err
}

func (h *wcaHAL) Devices() ([]DeviceID, error) {
	var ids []DeviceID

	err := h.do(func() error {
		var deviceCollection *wca.IMMDeviceCollection
		if err := h.mmDeviceEnumerator.EnumAudioEndpoints(wca.ERender, wca.DEVICE_STATE_ACTIVE, &deviceCollection); err != nil {
			return fmt.Errorf("enumerate active audio endpoints: %w", err)
		}
		defer deviceCollection.Release()

		var deviceCount uint32
		if err := deviceCollection.GetCount(&deviceCount); err != nil {
			return fmt.Errorf("get device count from device collection: %w", err)
		}

		for deviceIdx := uint32(0); deviceIdx < deviceCount; deviceIdx++ {
			var endpoint *wca.IMMDevice
			if err := deviceCollection.Item(deviceIdx, &endpoint); err != nil {
				h.logger.Debugw("Failed to get device from device collection", "deviceIdx", deviceIdx, "error", err)
				continue
			}

			var endpointID string
			err := endpoint.GetId(&endpointID)
			endpoint.Release()

			if err != nil {
				continue
			}

			ids = append(ids, DeviceID(endpointID))
		}

		return nil
	})

	return ids, err
}

func (h *wcaHAL) DeviceName(id DeviceID) (string, error) {
	var name string

	err := h.do(func() error {
		var endpoint *wca.IMMDevice
		if err := h.mmDeviceEnumerator.GetDevice(string(id), &endpoint); err != nil {
			return fmt.Errorf("get device %s: %w: %w", id, ErrNoSuchDevice, err)
		}
		defer endpoint.Release()

		var propertyStore *wca.IPropertyStore
		if err := endpoint.OpenPropertyStore(wca.STGM_READ, &propertyStore); err != nil {
			return fmt.Errorf("open endpoint property store: %w", err)
		}
		defer propertyStore.Release()

		value := &wca.PROPVARIANT{}
		if err := propertyStore.GetValue(&wca.PKEY_Device_FriendlyName, value); err != nil {
			return fmt.Errorf("get device friendly name: %w", err)
		}

		// i.e. "Headphones (Realtek Audio)"
		name = value.String()

		return nil
	})

	return name, err
}

func (h *wcaHAL) HasProperty(id DeviceID, addr PropertyAddress) bool {
	if id == SystemObject {
		return addr.Selector == SelectorDefaultOutputDevice
	}

	err := h.withEndpoint(id, func(endpoint *wca.IAudioEndpointVolume) error {
		switch addr.Selector {
		case SelectorVolumeScalar:
			if addr.Element == ElementMain {
				return nil
			}

			var channels uint32
			if err := endpoint.GetChannelCount(&channels); err != nil {
				return err
			}
			if uint32(addr.Element) > channels {
				return ErrUnsupportedProperty
			}

			return nil
		case SelectorMute:
			if addr.Element != ElementMain {
				return ErrUnsupportedProperty
			}

			return nil
		default:
			return ErrUnsupportedProperty
		}
	})

	return err == nil
}

func (h *wcaHAL) VolumeScalar(id DeviceID, element Element) (float32, error) {
	var level float32

	err := h.withEndpoint(id, func(endpoint *wca.IAudioEndpointVolume) error {
		if element == ElementMain {
			return endpoint.GetMasterVolumeLevelScalar(&level)
		}

		return endpoint.GetChannelVolumeLevelScalar(uint32(element)-1, &level)
	})

	return level, err
}

func (h *wcaHAL) SetVolumeScalar(id DeviceID, element Element, scalar float32) error {
	return h.withEndpoint(id, func(endpoint *wca.IAudioEndpointVolume) error {
		if element == ElementMain {
			return endpoint.SetMasterVolumeLevelScalar(scalar, h.eventCtx)
		}

		return endpoint.SetChannelVolumeLevelScalar(uint32(element)-1, scalar, h.eventCtx)
	})
}

func (h *wcaHAL) Mute(id DeviceID, element Element) (bool, error) {
	if element != ElementMain {
		return false, ErrUnsupportedProperty
	}

	var muted bool

	err := h.withEndpoint(id, func(endpoint *wca.IAudioEndpointVolume) error {
		return endpoint.GetMute(&muted)
	})

	return muted, err
}

func (h *wcaHAL) SetMute(id DeviceID, element Element, muted bool) error {
	if element != ElementMain {
		return ErrUnsupportedProperty
	}

	return h.withEndpoint(id, func(endpoint *wca.IAudioEndpointVolume) error {
		return endpoint.SetMute(muted, h.eventCtx)
	})
}

// withEndpoint runs fn on the COM thread against the device's activated
// endpoint volume, activating and caching it on first use
func (h *wcaHAL) withEndpoint(id DeviceID, fn func(endpoint *wca.IAudioEndpointVolume) error) error {
	return h.do(func() error {
		endpoint, ok := h.endpoints[id]
		if !ok {
			var mmDevice *wca.IMMDevice
			if err := h.mmDeviceEnumerator.GetDevice(string(id), &mmDevice); err != nil {
				return fmt.Errorf("get device %s: %w: %w", id, ErrNoSuchDevice, err)
			}
			defer mmDevice.Release()

			if err := mmDevice.Activate(wca.IID_IAudioEndpointVolume, wca.CLSCTX_ALL, nil, &endpoint); err != nil {
				return fmt.Errorf("activate endpoint volume: %w", err)
			}

			h.endpoints[id] = endpoint
		}

		return fn(endpoint)
	})
}

func (h *wcaHAL) AddPropertyListener(id DeviceID, addr PropertyAddress, queue Dispatcher, fn func()) (ListenerID, error) {
	if !h.HasProperty(id, addr) {
		return 0, ErrUnsupportedProperty
	}

	var state wcaControlState
	if id != SystemObject {
		state = h.readControls(id)
	}

	h.lock.Lock()
	defer h.lock.Unlock()

	h.nextListener++
	h.listeners[h.nextListener] = wcaListener{device: id, addr: addr, queue: queue, fn: fn}

	if id != SystemObject {
		if _, ok := h.controls[id]; !ok {
			h.controls[id] = state
		}
	}

	return h.nextListener, nil
}

func (h *wcaHAL) RemovePropertyListener(id DeviceID, addr PropertyAddress, queue Dispatcher, listener ListenerID) error {
	h.lock.Lock()
	defer h.lock.Unlock()

	registered, ok := h.listeners[listener]
	if !ok || registered.device != id || registered.addr != addr || registered.queue != queue {
		h.logger.Debugw("Ignoring removal of unknown listener", "deviceID", id, "listener", listener)
		return nil
	}

	delete(h.listeners, listener)

	for _, remaining := range h.listeners {
		if remaining.device == id {
			return nil
		}
	}
	delete(h.controls, id)

	return nil
}

func (h *wcaHAL) Release() error {
	close(h.stop)
	<-h.done

	h.logger.Debug("Released WCA hal instance")

	return nil
}

func (h *wcaHAL) defaultDeviceChangedCallback(dataflow wca.EDataFlow, role wca.ERole, identifier string) error {
	if role == 2 { // ignore eCommunications
		return nil
	}

	if dataflow != wca.ERender {
		return nil
	}

	h.logger.Debugw("Default audio device changed", "deviceID", identifier)

	h.notify(SystemObject, func(addr PropertyAddress) bool {
		return addr.Selector == SelectorDefaultOutputDevice
	})

	return nil
}

// readControls reads main and per-channel volume plus mute in one round trip.
// Reads that fail leave zero values; they still compare consistently
func (h *wcaHAL) readControls(id DeviceID) wcaControlState {
	var state wcaControlState

	_ = h.withEndpoint(id, func(endpoint *wca.IAudioEndpointVolume) error {
		var level float32
		_ = endpoint.GetMasterVolumeLevelScalar(&level)
		state.volumes = append(state.volumes, level)

		var channels uint32
		_ = endpoint.GetChannelCount(&channels)
		for channel := uint32(0); channel < channels; channel++ {
			var channelLevel float32
			_ = endpoint.GetChannelVolumeLevelScalar(channel, &channelLevel)
			state.volumes = append(state.volumes, channelLevel)
		}

		_ = endpoint.GetMute(&state.muted)

		return nil
	})

	return state
}

func (h *wcaHAL) pollControls() {
	ticker := time.NewTicker(controlPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.checkForChanges()
		}
	}
}

func (h *wcaHAL) checkForChanges() {
	h.lock.Lock()
	devices := make([]DeviceID, 0, len(h.controls))
	for id := range h.controls {
		devices = append(devices, id)
	}
	h.lock.Unlock()

	for _, id := range devices {
		current := h.readControls(id)

		h.lock.Lock()
		previous, tracked := h.controls[id]
		if tracked {
			h.controls[id] = current
		}
		h.lock.Unlock()

		if !tracked {
			continue
		}

		volumeChanged := !slices.Equal(previous.volumes, current.volumes)
		muteChanged := previous.muted != current.muted

		if volumeChanged || muteChanged {
			h.notify(id, func(addr PropertyAddress) bool {
				return (addr.Selector == SelectorVolumeScalar && volumeChanged) ||
					(addr.Selector == SelectorMute && muteChanged)
			})
		}
	}
}

func (h *wcaHAL) notify(id DeviceID, matches func(PropertyAddress) bool) {
	h.lock.Lock()
	var targets []wcaListener
	for _, listener := range h.listeners {
		if listener.device == id && matches(listener.addr) {
			targets = append(targets, listener)
		}
	}
	h.lock.Unlock()

	for _, listener := range targets {
		listener.queue.Async(listener.fn)
	}
}
