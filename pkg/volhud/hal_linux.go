package volhud

import (
	"fmt"
	"net"
	"slices"
	"sync"

	"github.com/jfreymuth/pulse/proto"
	"go.uber.org/zap"

	"github.com/MixyLabs/volhud/pkg/volhud/util"
)

// PulseAudio's 100% volume
const maxVolume = 0x10000

type paListener struct {
	device DeviceID
	addr   PropertyAddress
	queue  Dispatcher
	fn     func()
}

type paSinkState struct {
	volumes []uint32
	muted   bool
}

// paHAL maps PulseAudio sinks onto the HAL: a device is a sink (by name),
// the default output device is the server's default sink
type paHAL struct {
	logger *zap.SugaredLogger

	client *proto.Client
	conn   net.Conn

	lock         sync.Locker
	listeners    map[ListenerID]paListener
	nextListener ListenerID
	sinks        map[DeviceID]paSinkState
	defaultSink  DeviceID

	events chan *proto.SubscribeEvent
	stop   chan struct{}
}

func newHAL(logger *zap.SugaredLogger) (HAL, error) {
	logger = logger.Named("hal")

	client, conn, err := proto.Connect("")
	if err != nil {
		logger.Warnw("Failed to establish PulseAudio connection", "error", err)
		return nil, fmt.Errorf("establish PulseAudio connection: %w", err)
	}

	request := proto.SetClientName{
		Props: proto.PropList{
			"application.name": proto.PropListString("volhud"),
		},
	}
	reply := proto.SetClientNameReply{}

	if err := client.Request(&request, &reply); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set PulseAudio client name: %w", err)
	}

	h := &paHAL{
		logger:    logger,
		client:    client,
		conn:      conn,
		lock:      &sync.Mutex{},
		listeners: make(map[ListenerID]paListener),
		sinks:     make(map[DeviceID]paSinkState),
		events:    make(chan *proto.SubscribeEvent, 32),
		stop:      make(chan struct{}),
	}

	if id, err := h.DefaultOutputDevice(); err == nil {
		h.defaultSink = id
	}

	// requests can't be issued from the callback itself, it runs on the connection's reader
	client.Callback = func(msg interface{}) {
		switch msg := msg.(type) {
		case *proto.SubscribeEvent:
			select {
			case h.events <- msg:
			default:
				h.logger.Debugw("Dropping PulseAudio event, consumer lagging", "event", msg.Event)
			}
		}
	}

	if err := client.Request(&proto.Subscribe{Mask: proto.SubscriptionMaskSink | proto.SubscriptionMaskServer}, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("subscribe to PulseAudio sink and server events: %w", err)
	}

	go h.dispatchEvents()

	h.logger.Debug("Created PA hal instance")

	return h, nil
}

func (h *paHAL) DefaultOutputDevice() (DeviceID, error) {
	reply := proto.GetServerInfoReply{}
	if err := h.client.Request(&proto.GetServerInfo{}, &reply); err != nil {
		return "", fmt.Errorf("get server info: %w", err)
	}

	return DeviceID(reply.DefaultSinkName), nil
}

func (h *paHAL) Devices() ([]DeviceID, error) {
	reply := proto.GetSinkInfoListReply{}
	if err := h.client.Request(&proto.GetSinkInfoList{}, &reply); err != nil {
		return nil, fmt.Errorf("get sink list: %w", err)
	}

	ids := make([]DeviceID, 0, len(reply))
	for _, sink := range reply {
		ids = append(ids, DeviceID(sink.SinkName))
	}

	return ids, nil
}

func (h *paHAL) DeviceName(id DeviceID) (string, error) {
	sink, err := h.sinkInfo(id)
	if err != nil {
		return "", err
	}

	// description, i.e. "Built-in Audio Analog Stereo"
	return sink.Device, nil
}

func (h *paHAL) HasProperty(id DeviceID, addr PropertyAddress) bool {
	if id == SystemObject {
		return addr.Selector == SelectorDefaultOutputDevice
	}

	sink, err := h.sinkInfo(id)
	if err != nil {
		return false
	}

	switch addr.Selector {
	case SelectorVolumeScalar:
		return addr.Element == ElementMain || int(addr.Element) <= len(sink.ChannelVolumes)
	case SelectorMute:
		return addr.Element == ElementMain
	default:
		return false
	}
}

func (h *paHAL) VolumeScalar(id DeviceID, element Element) (float32, error) {
	sink, err := h.sinkInfo(id)
	if err != nil {
		return 0, err
	}

	volumes := sink.ChannelVolumes
	if len(volumes) == 0 {
		return 0, ErrUnsupportedProperty
	}

	if element == ElementMain {
		var sum uint64
		for _, volume := range volumes {
			sum += uint64(volume)
		}

		return util.ClampScalar(float32(sum) / float32(len(volumes)) / maxVolume), nil
	}

	if int(element) > len(volumes) {
		return 0, ErrUnsupportedProperty
	}

	return util.ClampScalar(float32(volumes[element-1]) / maxVolume), nil
}

func (h *paHAL) SetVolumeScalar(id DeviceID, element Element, scalar float32) error {
	sink, err := h.sinkInfo(id)
	if err != nil {
		return err
	}

	volume := uint32(util.ClampScalar(scalar) * maxVolume)
	volumes := slices.Clone([]uint32(sink.ChannelVolumes))

	if element == ElementMain {
		for i := range volumes {
			volumes[i] = volume
		}
	} else {
		if int(element) > len(volumes) {
			return ErrUnsupportedProperty
		}

		volumes[element-1] = volume
	}

	request := proto.SetSinkVolume{
		SinkIndex:      sink.SinkIndex,
		ChannelVolumes: volumes,
	}

	if err := h.client.Request(&request, nil); err != nil {
		return fmt.Errorf("set sink volume: %w", err)
	}

	return nil
}

func (h *paHAL) Mute(id DeviceID, element Element) (bool, error) {
	if element != ElementMain {
		return false, ErrUnsupportedProperty
	}

	sink, err := h.sinkInfo(id)
	if err != nil {
		return false, err
	}

	return sink.Mute, nil
}

func (h *paHAL) SetMute(id DeviceID, element Element, muted bool) error {
	if element != ElementMain {
		return ErrUnsupportedProperty
	}

	sink, err := h.sinkInfo(id)
	if err != nil {
		return err
	}

	request := proto.SetSinkMute{
		SinkIndex: sink.SinkIndex,
		Mute:      muted,
	}

	if err := h.client.Request(&request, nil); err != nil {
		return fmt.Errorf("set sink mute: %w", err)
	}

	return nil
}

func (h *paHAL) AddPropertyListener(id DeviceID, addr PropertyAddress, queue Dispatcher, fn func()) (ListenerID, error) {
	if !h.HasProperty(id, addr) {
		return 0, ErrUnsupportedProperty
	}

	var state paSinkState
	if id != SystemObject {
		sink, err := h.sinkInfo(id)
		if err != nil {
			return 0, err
		}
		state = paSinkState{volumes: slices.Clone([]uint32(sink.ChannelVolumes)), muted: sink.Mute}
	}

	h.lock.Lock()
	defer h.lock.Unlock()

	h.nextListener++
	h.listeners[h.nextListener] = paListener{device: id, addr: addr, queue: queue, fn: fn}

	if id != SystemObject {
		if _, ok := h.sinks[id]; !ok {
			h.sinks[id] = state
		}
	}

	return h.nextListener, nil
}

func (h *paHAL) RemovePropertyListener(id DeviceID, addr PropertyAddress, queue Dispatcher, listener ListenerID) error {
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
	delete(h.sinks, id)

	return nil
}

func (h *paHAL) Release() error {
	close(h.stop)

	if err := h.conn.Close(); err != nil {
		h.logger.Warnw("Failed to close PulseAudio connection", "error", err)
		return fmt.Errorf("close PulseAudio connection: %w", err)
	}

	h.logger.Debug("Released PA hal instance")

	return nil
}

func (h *paHAL) sinkInfo(id DeviceID) (*proto.GetSinkInfoReply, error) {
	request := proto.GetSinkInfo{
		SinkIndex: proto.Undefined,
		SinkName:  string(id),
	}
	reply := proto.GetSinkInfoReply{}

	if err := h.client.Request(&request, &reply); err != nil {
		return nil, fmt.Errorf("get sink info (%s): %w: %w", id, ErrNoSuchDevice, err)
	}

	return &reply, nil
}

func (h *paHAL) dispatchEvents() {
	for {
		select {
		case <-h.stop:
			return
		case event := <-h.events:
			switch event.Event & proto.EventFacilityMask {
			case proto.EventServer:
				h.onServerChanged()
			case proto.EventSink:
				if event.Event.GetType() == proto.EventChange {
					h.onSinkChanged(event.Index)
				}
			}
		}
	}
}

// server change events fire for many reasons; only a new default sink counts
func (h *paHAL) onServerChanged() {
	id, err := h.DefaultOutputDevice()
	if err != nil {
		h.logger.Debugw("Failed to re-read default sink", "error", err)
		return
	}

	h.lock.Lock()
	changed := id != h.defaultSink
	h.defaultSink = id
	h.lock.Unlock()

	if !changed {
		return
	}

	h.logger.Debugw("Default sink changed", "sink", id)
	h.notify(SystemObject, func(addr PropertyAddress) bool {
		return addr.Selector == SelectorDefaultOutputDevice
	})
}

// a sink change event doesn't say what changed, so compare against the last seen state
func (h *paHAL) onSinkChanged(index uint32) {
	request := proto.GetSinkInfo{SinkIndex: index}
	sink := proto.GetSinkInfoReply{}

	if err := h.client.Request(&request, &sink); err != nil {
		h.logger.Debugw("Failed to get changed sink", "sinkIndex", index, "error", err)
		return
	}

	id := DeviceID(sink.SinkName)
	current := paSinkState{volumes: slices.Clone([]uint32(sink.ChannelVolumes)), muted: sink.Mute}

	h.lock.Lock()
	previous, tracked := h.sinks[id]
	if tracked {
		h.sinks[id] = current
	}
	h.lock.Unlock()

	if !tracked {
		return
	}

	volumeChanged := !slices.Equal(previous.volumes, current.volumes)
	muteChanged := previous.muted != current.muted

	h.notify(id, func(addr PropertyAddress) bool {
		return (addr.Selector == SelectorVolumeScalar && volumeChanged) ||
			(addr.Selector == SelectorMute && muteChanged)
	})
}

func (h *paHAL) notify(id DeviceID, matches func(PropertyAddress) bool) {
	h.lock.Lock()
	var targets []paListener
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
