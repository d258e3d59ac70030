package history

// ring is a bounded deque of past states. Pushing onto a full ring drops
// the oldest entry. The backing array grows on demand up to limit.
type ring[T any] struct {
	buf   []T
	head  int // index of the oldest entry
	n     int
	limit int
}

func newRing[T any](limit int) *ring[T] {
	return &ring[T]{limit: limit}
}

// push appends v at the newest end. It reports whether the oldest entry
// was evicted to make room.
func (r *ring[T]) push(v T) bool {
	if r.n == r.limit {
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
		return true
	}
	if r.n == len(r.buf) {
		r.grow()
	}
	r.buf[(r.head+r.n)%len(r.buf)] = v
	r.n++
	return false
}

// pop removes and returns the newest entry.
func (r *ring[T]) pop() (T, bool) {
	var zero T
	if r.n == 0 {
		return zero, false
	}
	idx := (r.head + r.n - 1) % len(r.buf)
	v := r.buf[idx]
	r.buf[idx] = zero
	r.n--
	return v, true
}

func (r *ring[T]) len() int { return r.n }

func (r *ring[T]) reset() {
	clear(r.buf)
	r.head = 0
	r.n = 0
}

// slice returns the entries oldest first.
func (r *ring[T]) slice() []T {
	out := make([]T, r.n)
	for i := range out {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}

func (r *ring[T]) grow() {
	size := 2 * len(r.buf)
	if size < 8 {
		size = 8
	}
	if size > r.limit {
		size = r.limit
	}
	buf := make([]T, size)
	for i := 0; i < r.n; i++ {
		buf[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	r.buf = buf
	r.head = 0
}
