package volhud

import (
	"errors"
	"fmt"
)

// DeviceID is an opaque hardware identifier for an audio device
type DeviceID string

// SystemObject is the pseudo device that owns system-wide properties,
// such as which output device is the default one
const SystemObject DeviceID = "system"

// Element addresses one channel of a device property
type Element uint32

const (
	// ElementMain is the aggregate element; controlling it controls every channel at once
	ElementMain Element = 0

	// first and second per-channel elements, tried when there is no main element
	ElementChannel1 Element = 1
	ElementChannel2 Element = 2
)

// Selector names the property being addressed
type Selector int

const (
	SelectorVolumeScalar Selector = iota
	SelectorMute
	SelectorDefaultOutputDevice
)

func (s Selector) String() string {
	switch s {
	case SelectorVolumeScalar:
		return "volume"
	case SelectorMute:
		return "mute"
	case SelectorDefaultOutputDevice:
		return "default-output-device"
	default:
		return fmt.Sprintf("selector(%d)", int(s))
	}
}

// Scope distinguishes the output and global sides of a property
type Scope int

const (
	ScopeGlobal Scope = iota
	ScopeOutput
)

// PropertyAddress identifies a single property of a device
type PropertyAddress struct {
	Selector Selector
	Scope    Scope
	Element  Element
}

func volumeAddress(element Element) PropertyAddress {
	return PropertyAddress{Selector: SelectorVolumeScalar, Scope: ScopeOutput, Element: element}
}

func muteAddress(element Element) PropertyAddress {
	return PropertyAddress{Selector: SelectorMute, Scope: ScopeOutput, Element: element}
}

var defaultDeviceAddress = PropertyAddress{
	Selector: SelectorDefaultOutputDevice,
	Scope:    ScopeGlobal,
	Element:  ElementMain,
}

// ListenerID is returned on listener registration and required for its removal
type ListenerID uint64

// Dispatcher runs functions asynchronously, in order. Listener callbacks are
// delivered through the dispatcher given at registration time
type Dispatcher interface {
	Async(fn func()) bool
}

var (
	ErrUnsupportedProperty = errors.New("property not supported by device")
	ErrNoSuchDevice        = errors.New("no such device")
	ErrUnsupportedPlatform = errors.New("no audio backend for this platform")
)

// HAL represents the operating system's audio hardware layer.
// Every method is a bounded native call and may fail
type HAL interface {
	DefaultOutputDevice() (DeviceID, error)
	Devices() ([]DeviceID, error)
	DeviceName(id DeviceID) (string, error)

	// HasProperty reports whether the property descriptor exists. Some devices
	// advertise properties they cannot actually serve
	HasProperty(id DeviceID, addr PropertyAddress) bool

	VolumeScalar(id DeviceID, element Element) (float32, error)
	SetVolumeScalar(id DeviceID, element Element, scalar float32) error
	Mute(id DeviceID, element Element) (bool, error)
	SetMute(id DeviceID, element Element, muted bool) error

	// AddPropertyListener subscribes fn to changes of addr on id; fn runs on queue
	AddPropertyListener(id DeviceID, addr PropertyAddress, queue Dispatcher, fn func()) (ListenerID, error)

	// RemovePropertyListener must be called with the same id and queue used at
	// registration; anything else is silently ignored
	RemovePropertyListener(id DeviceID, addr PropertyAddress, queue Dispatcher, listener ListenerID) error

	Release() error
}
