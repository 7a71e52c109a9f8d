package volhud

import (
	"sync"

	"github.com/MixyLabs/volhud/pkg/volhud/util"
)

// HUDEvent is one user-visible change, delivered on the main queue
type HUDEvent struct {
	VolumeScalar  float32 `json:"volume"`
	DeviceName    *string `json:"device"`
	IsUnsupported bool    `json:"unsupported"`
}

// Percent is the scalar as an integer percentage 0-100
func (e HUDEvent) Percent() int {
	return util.ScalarToPercent(e.VolumeScalar)
}

// Name returns the device name or "" when unknown
func (e HUDEvent) Name() string {
	if e.DeviceName == nil {
		return ""
	}

	return *e.DeviceName
}

func hudEventFromState(state VolumeState) HUDEvent {
	event := HUDEvent{
		VolumeScalar:  state.DisplayScalar(),
		IsUnsupported: !state.VolumeSupported,
	}

	if state.DeviceName != "" {
		name := state.DeviceName
		event.DeviceName = &name
	}

	return event
}

// size of each subscriber channel; a subscriber that falls this far behind misses events
const hudSubscriberBuffer = 16

type hudFanout struct {
	lock      sync.Locker
	callbacks []func(HUDEvent)
	consumers []chan HUDEvent
}

func newHUDFanout() *hudFanout {
	return &hudFanout{
		lock: &sync.Mutex{},
	}
}

func (f *hudFanout) addCallback(fn func(HUDEvent)) {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.callbacks = append(f.callbacks, fn)
}

func (f *hudFanout) subscribe() chan HUDEvent {
	f.lock.Lock()
	defer f.lock.Unlock()

	c := make(chan HUDEvent, hudSubscriberBuffer)
	f.consumers = append(f.consumers, c)

	return c
}

// emit never blocks on a slow channel consumer
func (f *hudFanout) emit(event HUDEvent) (dropped int) {
	f.lock.Lock()
	callbacks := append([]func(HUDEvent){}, f.callbacks...)
	consumers := append([]chan HUDEvent{}, f.consumers...)
	f.lock.Unlock()

	for _, callback := range callbacks {
		callback(event)
	}

	for _, consumer := range consumers {
		select {
		case consumer <- event:
		default:
			dropped++
		}
	}

	return dropped
}
