package volhud

import "fmt"

// Reading is the result of a hardware read: either a known value or
// unavailable. An unavailable reading is never the same as a zero value
type Reading[T any] struct {
	value T
	known bool
}

// Known wraps a successfully read value
func Known[T any](v T) Reading[T] {
	return Reading[T]{value: v, known: true}
}

// Unavailable is a read that could not complete
func Unavailable[T any]() Reading[T] {
	return Reading[T]{}
}

// Get returns the value and whether it is known
func (r Reading[T]) Get() (T, bool) {
	return r.value, r.known
}

// IsKnown reports whether the read succeeded
func (r Reading[T]) IsKnown() bool {
	return r.known
}

// Or returns the value if known, fallback otherwise
func (r Reading[T]) Or(fallback T) T {
	if !r.known {
		return fallback
	}

	return r.value
}

func (r Reading[T]) String() string {
	if !r.known {
		return "unavailable"
	}

	return fmt.Sprintf("%v", r.value)
}
