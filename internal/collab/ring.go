package collab

// Ring is a fixed-capacity buffer that evicts its oldest element on overflow.
type Ring[T any] struct {
	items []T
	start int
	size  int
}

// NewRing allocates a ring holding at most capacity elements.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{items: make([]T, capacity)}
}

// Push appends item and reports whether the oldest element was evicted.
func (r *Ring[T]) Push(item T) bool {
	capacity := len(r.items)
	if r.size < capacity {
		r.items[(r.start+r.size)%capacity] = item
		r.size++
		return false
	}
	r.items[r.start] = item
	r.start = (r.start + 1) % capacity
	return true
}

// Len returns the number of retained elements.
func (r *Ring[T]) Len() int {
	return r.size
}

// Cap returns the fixed capacity.
func (r *Ring[T]) Cap() int {
	return len(r.items)
}

// Items copies the retained elements, oldest first.
func (r *Ring[T]) Items() []T {
	return r.Last(r.size)
}

// Last copies the newest n elements, oldest first.
func (r *Ring[T]) Last(n int) []T {
	if n > r.size {
		n = r.size
	}
	if n <= 0 {
		return []T{}
	}
	out := make([]T, 0, n)
	capacity := len(r.items)
	for offset := r.size - n; offset < r.size; offset++ {
		out = append(out, r.items[(r.start+offset)%capacity])
	}
	return out
}

// Update applies mutate to the newest element matching match and reports whether one was found.
func (r *Ring[T]) Update(match func(T) bool, mutate func(*T)) bool {
	capacity := len(r.items)
	for offset := r.size - 1; offset >= 0; offset-- {
		index := (r.start + offset) % capacity
		if match(r.items[index]) {
			mutate(&r.items[index])
			return true
		}
	}
	return false
}
