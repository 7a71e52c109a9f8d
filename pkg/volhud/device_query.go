package volhud

import (
	"go.uber.org/zap"

	"github.com/MixyLabs/volhud/pkg/volhud/util"
)

// AudioDevice is one entry of a device enumeration. Identity is the ID;
// each enumeration produces fresh values
type AudioDevice struct {
	ID   DeviceID
	Name string
}

// DeviceQuery performs stateless, synchronous queries and mutations against
// the HAL. It never returns errors: failures become Unavailable readings or
// false success flags
type DeviceQuery struct {
	hal    HAL
	logger *zap.SugaredLogger
}

// channels tried when a device has no main element
var perChannelElements = []Element{ElementChannel1, ElementChannel2}

func NewDeviceQuery(hal HAL, logger *zap.SugaredLogger) *DeviceQuery {
	return &DeviceQuery{
		hal:    hal,
		logger: logger.Named("device_query"),
	}
}

// DefaultOutputDevice returns the current default output device, if any
func (q *DeviceQuery) DefaultOutputDevice() (DeviceID, bool) {
	id, err := q.hal.DefaultOutputDevice()
	if err != nil {
		q.logger.Debugw("Failed to get default output device", "error", err)
		return "", false
	}

	if id == "" {
		return "", false
	}

	return id, true
}

// AllDevices enumerates devices, skipping those whose name can't be resolved
func (q *DeviceQuery) AllDevices() []AudioDevice {
	ids, err := q.hal.Devices()
	if err != nil {
		q.logger.Warnw("Failed to enumerate devices", "error", err)
		return nil
	}

	devices := make([]AudioDevice, 0, len(ids))
	for _, id := range ids {
		name, ok := q.DeviceName(id).Get()
		if !ok {
			q.logger.Debugw("Skipping device without a readable name", "deviceID", id)
			continue
		}

		devices = append(devices, AudioDevice{ID: id, Name: name})
	}

	return devices
}

// DetectVolumeElements returns [main] if the device has a main volume element,
// otherwise whichever of the first two channels exist. Empty means unsupported
func (q *DeviceQuery) DetectVolumeElements(id DeviceID) []Element {
	if q.hal.HasProperty(id, volumeAddress(ElementMain)) {
		return []Element{ElementMain}
	}

	var elements []Element
	for _, element := range perChannelElements {
		if q.hal.HasProperty(id, volumeAddress(element)) {
			elements = append(elements, element)
		}
	}

	return elements
}

// DetectMuteElements searches like DetectVolumeElements, but every candidate
// must also survive a real read
func (q *DeviceQuery) DetectMuteElements(id DeviceID) []Element {
	if q.muteReadable(id, ElementMain) {
		return []Element{ElementMain}
	}

	var elements []Element
	for _, element := range perChannelElements {
		if q.muteReadable(id, element) {
			elements = append(elements, element)
		}
	}

	return elements
}

func (q *DeviceQuery) muteReadable(id DeviceID, element Element) bool {
	if !q.hal.HasProperty(id, muteAddress(element)) {
		return false
	}

	if _, err := q.hal.Mute(id, element); err != nil {
		q.logger.Debugw("Mute property advertised but not readable",
			"deviceID", id,
			"element", element,
			"error", err)

		return false
	}

	return true
}

// CurrentVolume averages the successful per-element reads
func (q *DeviceQuery) CurrentVolume(id DeviceID, elements []Element) Reading[float32] {
	var (
		sum   float32
		reads int
	)

	for _, element := range elements {
		scalar, err := q.hal.VolumeScalar(id, element)
		if err != nil {
			q.logger.Debugw("Failed to read volume", "deviceID", id, "element", element, "error", err)
			continue
		}

		sum += scalar
		reads++
	}

	if reads == 0 {
		return Unavailable[float32]()
	}

	return Known(util.ClampScalar(sum / float32(reads)))
}

// SetVolume clamps scalar to [0,1] and writes it to every element.
// Succeeds if at least one element accepted the write
func (q *DeviceQuery) SetVolume(scalar float32, id DeviceID, elements []Element) bool {
	scalar = util.ClampScalar(scalar)

	written := 0
	for _, element := range elements {
		if err := q.hal.SetVolumeScalar(id, element, scalar); err != nil {
			q.logger.Debugw("Failed to write volume", "deviceID", id, "element", element, "error", err)
			continue
		}

		written++
	}

	if written > 0 && written < len(elements) {
		q.logger.Debugw("Partial volume write", "deviceID", id, "written", written, "elements", len(elements))
	}

	return written > 0
}

// SetMute writes the mute flag to every element, succeeding if any accepted it
func (q *DeviceQuery) SetMute(muted bool, id DeviceID, elements []Element) bool {
	written := 0
	for _, element := range elements {
		if err := q.hal.SetMute(id, element, muted); err != nil {
			q.logger.Debugw("Failed to write mute", "deviceID", id, "element", element, "error", err)
			continue
		}

		written++
	}

	return written > 0
}

// MuteState is Known(true) only if every readable element reports muted
func (q *DeviceQuery) MuteState(id DeviceID, elements []Element) Reading[bool] {
	reads := 0
	muted := true

	for _, element := range elements {
		m, err := q.hal.Mute(id, element)
		if err != nil {
			q.logger.Debugw("Failed to read mute", "deviceID", id, "element", element, "error", err)
			continue
		}

		reads++
		muted = muted && m
	}

	if reads == 0 {
		return Unavailable[bool]()
	}

	return Known(muted)
}

// DeviceName resolves a device's human-readable name
func (q *DeviceQuery) DeviceName(id DeviceID) Reading[string] {
	name, err := q.hal.DeviceName(id)
	if err != nil || name == "" {
		return Unavailable[string]()
	}

	return Known(name)
}
