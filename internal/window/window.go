// Package window provides the fixed-capacity sample history used by the
// samplers.
package window

// DefaultSize is the number of samples kept by each sampler.
const DefaultSize = 25

type Number interface {
	~int | ~float64
}

// Window keeps the most recent samples in arrival order, evicting the oldest
// once full. It is not safe for concurrent use.
type Window[T Number] struct {
	values []T
	size   int
}

func New[T Number](size int) *Window[T] {
	if size <= 0 {
		size = DefaultSize
	}

	return &Window[T]{
		values: make([]T, 0, size),
		size:   size,
	}
}

func (w *Window[T]) Push(v T) {
	if len(w.values) == w.size {
		copy(w.values, w.values[1:])
		w.values = w.values[:w.size-1]
	}
	w.values = append(w.values, v)
}

func (w *Window[T]) Len() int {
	return len(w.values)
}

func (w *Window[T]) Cap() int {
	return w.size
}

// Values returns a copy of the samples, oldest first.
func (w *Window[T]) Values() []T {
	out := make([]T, len(w.values))
	copy(out, w.values)

	return out
}

// Tail returns a copy of the last n samples, or all of them if fewer.
func (w *Window[T]) Tail(n int) []T {
	if n > len(w.values) {
		n = len(w.values)
	}
	if n <= 0 {
		return nil
	}
	out := make([]T, n)
	copy(out, w.values[len(w.values)-n:])

	return out
}

// Mean returns the arithmetic mean, or 0 for an empty window.
func (w *Window[T]) Mean() float64 {
	if len(w.values) == 0 {
		return 0
	}

	var sum float64
	for _, v := range w.values {
		sum += float64(v)
	}

	return sum / float64(len(w.values))
}

// Min returns the smallest of the last n samples. ok is false when the
// window is empty.
func (w *Window[T]) Min(n int) (minValue T, ok bool) {
	tail := w.Tail(n)
	if len(tail) == 0 {
		return minValue, false
	}

	minValue = tail[0]
	for _, v := range tail[1:] {
		minValue = min(minValue, v)
	}

	return minValue, true
}
