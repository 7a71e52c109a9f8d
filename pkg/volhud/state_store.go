package volhud

import (
	"slices"
	"sync"

	"github.com/MixyLabs/volhud/pkg/volhud/util"
)

// VolumeState is the single authoritative snapshot of what the monitor knows
// about the current output device
type VolumeState struct {
	DefaultDeviceID   DeviceID
	ListeningDeviceID DeviceID // set iff IsListening
	DeviceName        string

	VolumeElements           []Element
	MuteElements             []Element
	RegisteredVolumeElements []Element
	RegisteredMuteElements   []Element

	LastVolumeScalar Reading[float32]
	IsMuted          bool
	IsListening      bool
	VolumeSupported  bool
}

// DisplayScalar is what a HUD should show: 0 while muted, otherwise the last
// known scalar (or 0 when there is none)
func (s VolumeState) DisplayScalar() float32 {
	if s.IsMuted {
		return 0
	}

	return s.LastVolumeScalar.Or(0)
}

// Registration describes a freshly subscribed device
type Registration struct {
	DeviceID                 DeviceID
	DeviceName               string
	VolumeElements           []Element
	MuteElements             []Element
	RegisteredVolumeElements []Element
	RegisteredMuteElements   []Element
	VolumeSupported          bool
}

// VolumeChange is the outcome of applying a fresh volume reading
type VolumeChange struct {
	Previous    Reading[float32]
	Current     float32
	Significant bool
	Unmuted     bool
	// Stale is set when the reading came from a device that is no longer listened to
	Stale bool
}

// StateStore guards every VolumeState field with one lock.
// Critical sections only copy values; no hardware call happens under the lock
type StateStore struct {
	lock  sync.Locker
	state VolumeState
}

func NewStateStore() *StateStore {
	return &StateStore{
		lock: &sync.Mutex{},
	}
}

// Snapshot returns a deep copy of the current state
func (s *StateStore) Snapshot() VolumeState {
	s.lock.Lock()
	defer s.lock.Unlock()

	snapshot := s.state
	snapshot.VolumeElements = slices.Clone(s.state.VolumeElements)
	snapshot.MuteElements = slices.Clone(s.state.MuteElements)
	snapshot.RegisteredVolumeElements = slices.Clone(s.state.RegisteredVolumeElements)
	snapshot.RegisteredMuteElements = slices.Clone(s.state.RegisteredMuteElements)

	return snapshot
}

func (s *StateStore) DefaultDeviceID() DeviceID {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.state.DefaultDeviceID
}

func (s *StateStore) SetDefaultDeviceID(id DeviceID) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.state.DefaultDeviceID = id
}

// ListeningDeviceID returns the subscribed device, if listening
func (s *StateStore) ListeningDeviceID() (DeviceID, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.state.ListeningDeviceID, s.state.IsListening
}

func (s *StateStore) IsListening() bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.state.IsListening
}

func (s *StateStore) VolumeElements() []Element {
	s.lock.Lock()
	defer s.lock.Unlock()

	return slices.Clone(s.state.VolumeElements)
}

func (s *StateStore) MuteElements() []Element {
	s.lock.Lock()
	defer s.lock.Unlock()

	return slices.Clone(s.state.MuteElements)
}

func (s *StateStore) LastVolumeScalar() Reading[float32] {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.state.LastVolumeScalar
}

// SetLastVolumeScalar records a reading taken from id. Reports false and
// keeps the state when id is no longer the listening device
func (s *StateStore) SetLastVolumeScalar(id DeviceID, scalar float32) bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	if !s.listeningTo(id) {
		return false
	}

	s.state.LastVolumeScalar = Known(util.ClampScalar(scalar))

	return true
}

func (s *StateStore) IsMuted() bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.state.IsMuted
}

func (s *StateStore) SetMuted(id DeviceID, muted bool) bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	if !s.listeningTo(id) {
		return false
	}

	s.state.IsMuted = muted

	return true
}

func (s *StateStore) VolumeSupported() bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.state.VolumeSupported
}

// Register records a completed subscription in one step. Switching to a
// different device forgets the previous device's last known volume
func (s *StateStore) Register(reg Registration) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.state.DefaultDeviceID != reg.DeviceID {
		s.state.LastVolumeScalar = Unavailable[float32]()
		s.state.IsMuted = false
	}

	s.state.DefaultDeviceID = reg.DeviceID
	s.state.ListeningDeviceID = reg.DeviceID
	s.state.DeviceName = reg.DeviceName
	s.state.VolumeElements = slices.Clone(reg.VolumeElements)
	s.state.MuteElements = slices.Clone(reg.MuteElements)
	s.state.RegisteredVolumeElements = slices.Clone(reg.RegisteredVolumeElements)
	s.state.RegisteredMuteElements = slices.Clone(reg.RegisteredMuteElements)
	s.state.VolumeSupported = reg.VolumeSupported
	s.state.IsListening = true
}

// ClearRegistration drops all registered elements and marks not-listening in one step
func (s *StateStore) ClearRegistration() {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.state.RegisteredVolumeElements = nil
	s.state.RegisteredMuteElements = nil
	s.state.ListeningDeviceID = ""
	s.state.IsListening = false
}

// Forget drops everything known about the previous device, for when there is
// no default output device at all
func (s *StateStore) Forget() {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.state = VolumeState{}
}

// ApplyVolume stores a fresh scalar and decides whether the change is worth
// showing. Repeats inside the range are insignificant; repeats pinned at
// either extreme are not, so a held key at 0 or 1 keeps producing feedback.
// Moving to a non-zero scalar while muted clears the mute flag. A reading
// from a device that is no longer listened to is marked stale and dropped
func (s *StateStore) ApplyVolume(id DeviceID, scalar float32, eps float32) VolumeChange {
	scalar = util.ClampScalar(scalar)

	s.lock.Lock()
	defer s.lock.Unlock()

	change := VolumeChange{
		Previous: s.state.LastVolumeScalar,
		Current:  scalar,
	}

	if !s.listeningTo(id) {
		change.Stale = true
		return change
	}

	last, known := s.state.LastVolumeScalar.Get()
	moved := !known || !util.AlmostEqual(scalar, last, eps)
	change.Significant = moved || atSameExtreme(last, scalar, eps)

	// a repeat of the same scalar (e.g. a notification caused by the mute
	// toggle itself) must not undo the mute
	if moved && scalar > eps && s.state.IsMuted {
		s.state.IsMuted = false
		change.Unmuted = true
	}

	s.state.LastVolumeScalar = Known(scalar)

	return change
}

// ApplyMute stores a fresh mute flag read from id and reports whether it
// actually flipped. Stale readings never count as a change
func (s *StateStore) ApplyMute(id DeviceID, muted bool) bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	if !s.listeningTo(id) {
		return false
	}

	changed := s.state.IsMuted != muted
	s.state.IsMuted = muted

	return changed
}

// listeningTo must be called with the lock held
func (s *StateStore) listeningTo(id DeviceID) bool {
	return s.state.IsListening && s.state.ListeningDeviceID == id
}

func atSameExtreme(a, b, eps float32) bool {
	if a <= eps && b <= eps {
		return true
	}

	return a >= 1-eps && b >= 1-eps
}
