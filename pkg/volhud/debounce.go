package volhud

import (
	"sync"
	"time"
)

// debounce classes
const (
	debounceHUD    = "hud"
	debounceDevice = "device"
)

// Debouncer coalesces bursts per class: scheduling replaces whatever timer is
// pending for that class, so only the last scheduled function of a burst runs.
// Fires are delivered through the given dispatcher
type Debouncer struct {
	queue Dispatcher

	lock        sync.Mutex
	timers      map[string]*time.Timer
	generations map[string]uint64
}

func NewDebouncer(queue Dispatcher) *Debouncer {
	return &Debouncer{
		queue:       queue,
		timers:      make(map[string]*time.Timer),
		generations: make(map[string]uint64),
	}
}

// Schedule cancels the pending fire of class (if any) and arms a new one
func (d *Debouncer) Schedule(class string, delay time.Duration, fn func()) {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.invalidate(class)
	generation := d.generations[class]

	d.timers[class] = time.AfterFunc(delay, func() {
		d.queue.Async(func() {
			if d.claim(class, generation) {
				fn()
			}
		})
	})
}

// Cancel drops the pending fire of class, including one already handed to the queue
func (d *Debouncer) Cancel(class string) {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.invalidate(class)
}

func (d *Debouncer) CancelAll() {
	d.lock.Lock()
	defer d.lock.Unlock()

	for class := range d.timers {
		d.invalidate(class)
	}
}

// Pending reports whether class has a fire that has not run yet
func (d *Debouncer) Pending(class string) bool {
	d.lock.Lock()
	defer d.lock.Unlock()

	_, ok := d.timers[class]

	return ok
}

// claim reports whether generation is still the latest for class and, if so,
// retires its timer. A fire that lost the race against a newer Schedule is discarded
func (d *Debouncer) claim(class string, generation uint64) bool {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.generations[class] != generation {
		return false
	}

	delete(d.timers, class)

	return true
}

// must hold lock
func (d *Debouncer) invalidate(class string) {
	if timer, ok := d.timers[class]; ok {
		timer.Stop()
		delete(d.timers, class)
	}

	d.generations[class]++
}
