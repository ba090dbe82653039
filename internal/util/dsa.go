package util

func mod(a int, b int) int {
	return ((a % b) + b) % b
}

// fixed-size ring-buffer queue
type Queue[T any] struct {
	data []T
	head int // next slot to write to
	cnt  int
}

func CreateQueue[T any](size int) Queue[T] {
	return Queue[T]{
		head: 0,
		cnt:  0,
		data: make([]T, size),
	}
}

func (q *Queue[T]) Cnt() int {
	return q.cnt
}

func (q *Queue[T]) Cap() int {
	return len(q.data)
}

func (q *Queue[T]) Full() bool {
	return q.cnt == len(q.data)
}

// will panic if out of space.
func (q *Queue[T]) Push(val T) {
	if !q.TryPush(val) {
		panic("queue overflow")
	}
}

func (q *Queue[T]) TryPush(val T) bool {
	if q.Full() {
		return false
	}
	q.data[q.head] = val
	q.head = mod((q.head + 1), len(q.data))
	q.cnt++
	return true
}

func (q *Queue[T]) Pop() T {
	if q.cnt == 0 {
		panic("queue underflow")
	}
	i := mod((q.head - q.cnt), len(q.data))
	q.cnt--
	val := q.data[i]
	var zero T
	q.data[i] = zero
	return val
}

// Last points at the most recently pushed element, nil when empty. Valid until
// the next Push or Pop.
func (q *Queue[T]) Last() *T {
	if q.cnt == 0 {
		return nil
	}
	return &q.data[mod(q.head-1, len(q.data))]
}

// Drain pops everything, oldest first.
func (q *Queue[T]) Drain() []T {
	out := make([]T, 0, q.cnt)
	for q.cnt > 0 {
		out = append(out, q.Pop())
	}
	return out
}
