package volhud

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/thoas/go-funk"
	"go.uber.org/zap"
)

// KeyCode is a Linux input event key code
type KeyCode uint16

const (
	KeyMute       KeyCode = 113
	KeyVolumeDown KeyCode = 114
	KeyVolumeUp   KeyCode = 115
)

var volumeKeys = []KeyCode{KeyMute, KeyVolumeDown, KeyVolumeUp}

func (k KeyCode) String() string {
	switch k {
	case KeyMute:
		return "mute"
	case KeyVolumeDown:
		return "down"
	case KeyVolumeUp:
		return "up"
	default:
		return fmt.Sprintf("key(%d)", uint16(k))
	}
}

// ParseKeyCode accepts "up", "down" or "mute"
func ParseKeyCode(name string) (KeyCode, error) {
	for _, key := range volumeKeys {
		if strings.EqualFold(key.String(), name) {
			return key, nil
		}
	}

	return 0, fmt.Errorf("unknown volume key %q", name)
}

// KeyState is the input event value of a key event
type KeyState int32

const (
	KeyReleased KeyState = 0
	KeyPressed  KeyState = 1
	KeyRepeated KeyState = 2
)

// down is true for the initial press and for auto-repeat while the key is held
func (s KeyState) down() bool {
	return s == KeyPressed || s == KeyRepeated
}

const evKey = 0x01

// KeyEvent is one raw key event as delivered by a key source
type KeyEvent struct {
	Code      KeyCode  `json:"code"`
	State     KeyState `json:"state"`
	Timestamp int64    `json:"timestamp"` // unix nanoseconds, stamped by the source
	Raw       uint64   `json:"raw"`
}

// NewKeyEvent stamps a key event the way the kernel would report it
func NewKeyEvent(code KeyCode, state KeyState) KeyEvent {
	return KeyEvent{
		Code:      code,
		State:     state,
		Timestamp: time.Now().UnixNano(),
		Raw:       packKeyPayload(evKey, code, state),
	}
}

func packKeyPayload(eventType uint16, code KeyCode, state KeyState) uint64 {
	return uint64(eventType)<<48 | uint64(code)<<32 | uint64(uint32(state))
}

type keySignature struct {
	timestamp int64
	raw       uint64
}

// KeySource delivers raw key events until ctx is done
type KeySource interface {
	Name() string
	Run(ctx context.Context, events chan<- KeyEvent) error
}

// KeyEventWatcher merges key sources and calls onKey for every volume key-down.
// The same physical press may arrive through more than one source; repeats of
// the last handled (timestamp, payload) pair are dropped
type KeyEventWatcher struct {
	logger  *zap.SugaredLogger
	onKey   func(KeyEvent)
	sources []KeySource

	lock    sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	last keySignature
}

func NewKeyEventWatcher(logger *zap.SugaredLogger, onKey func(KeyEvent), sources ...KeySource) *KeyEventWatcher {
	return &KeyEventWatcher{
		logger:  logger.Named("keys"),
		onKey:   onKey,
		sources: sources,
	}
}

// Start is a no-op if already running
func (w *KeyEventWatcher) Start() {
	w.lock.Lock()
	defer w.lock.Unlock()

	if w.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.running = true

	events := make(chan KeyEvent, 16)

	for _, source := range w.sources {
		w.wg.Add(1)
		go func(source KeySource) {
			defer w.wg.Done()

			if err := source.Run(ctx, events); err != nil && ctx.Err() == nil {
				w.logger.Warnw("Key source stopped", "source", source.Name(), "error", err)
			}
		}(source)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		for {
			select {
			case <-ctx.Done():
				return
			case event := <-events:
				w.handle(event)
			}
		}
	}()

	w.logger.Debugw("Key watcher started", "sources", len(w.sources))
}

// Stop cancels every source and waits for them to exit. No-op if not running
func (w *KeyEventWatcher) Stop() {
	w.lock.Lock()
	defer w.lock.Unlock()

	w.stopLocked()
}

// SetSources swaps the sources, restarting the watcher if it was running
func (w *KeyEventWatcher) SetSources(sources ...KeySource) {
	w.lock.Lock()
	wasRunning := w.running
	w.stopLocked()
	w.sources = sources
	w.lock.Unlock()

	if wasRunning {
		w.Start()
	}
}

func (w *KeyEventWatcher) Running() bool {
	w.lock.Lock()
	defer w.lock.Unlock()

	return w.running
}

func (w *KeyEventWatcher) stopLocked() {
	if !w.running {
		return
	}

	w.running = false
	w.cancel()
	w.wg.Wait()

	w.logger.Debug("Key watcher stopped")
}

// handle runs on the watcher goroutine only
func (w *KeyEventWatcher) handle(event KeyEvent) bool {
	if !funk.Contains(volumeKeys, event.Code) || !event.State.down() {
		return false
	}

	signature := keySignature{timestamp: event.Timestamp, raw: event.Raw}
	if signature == w.last {
		w.logger.Debugw("Dropping duplicate key event", "key", event.Code, "timestamp", event.Timestamp)
		return false
	}
	w.last = signature

	w.onKey(event)

	return true
}
