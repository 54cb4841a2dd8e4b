package oob

import (
	"errors"
	"sync"
)

var (
	ErrRingBufferFull = errors.New("ring buffer is full")
)

// RingBuffer is a FIFO that grows by doubling up to max entries
// (max <= 0 = unbounded). It backs per-peer send queues and the
// notification queue.
type RingBuffer[T any] struct {
	len     int
	buf     []T
	readIdx int
	max     int
	mu      sync.Mutex
}

func NewRingBuffer[T any](initial, max int) *RingBuffer[T] {
	if initial < 1 {
		initial = 1
	}
	return &RingBuffer[T]{
		buf: make([]T, initial),
		max: max,
	}
}

func (r *RingBuffer[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.len
}

func (r *RingBuffer[T]) Write(val T) error {

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.growLocked(); err != nil {
		return err
	}

	r.buf[(r.readIdx+r.len)%len(r.buf)] = val
	r.len++

	return nil
}

// Unread puts val back at the head, ahead of everything queued.
func (r *RingBuffer[T]) Unread(val T) error {

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.growLocked(); err != nil {
		return err
	}

	r.readIdx = (r.readIdx - 1 + len(r.buf)) % len(r.buf)
	r.buf[r.readIdx] = val
	r.len++

	return nil
}

func (r *RingBuffer[T]) Read() (T, bool) {

	var v, zero T

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.len == 0 {
		return v, false
	}

	v = r.buf[r.readIdx]
	r.buf[r.readIdx] = zero
	r.readIdx = (r.readIdx + 1) % len(r.buf)

	r.len--

	return v, true
}

// ReadN removes up to n entries. Passing n <= 0 drains the buffer.
func (r *RingBuffer[T]) ReadN(n int) ([]T, bool) {

	var zero T

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.len == 0 {
		return nil, false
	}

	if n <= 0 || n > r.len {
		n = r.len
	}

	vals := make([]T, 0, n)

	for i := 0; i < n; i++ {
		idx := (r.readIdx + i) % len(r.buf)
		vals = append(vals, r.buf[idx])
		r.buf[idx] = zero
	}

	r.readIdx = (r.readIdx + n) % len(r.buf)

	r.len -= n

	return vals, true
}

func (r *RingBuffer[T]) growLocked() error {
	if r.len < len(r.buf) {
		return nil
	}
	if r.max > 0 && r.len >= r.max {
		return ErrRingBufferFull
	}
	size := len(r.buf) * 2
	if r.max > 0 && size > r.max {
		size = r.max
	}
	buf := make([]T, size)
	for i := 0; i < r.len; i++ {
		buf[i] = r.buf[(r.readIdx+i)%len(r.buf)]
	}
	r.buf = buf
	r.readIdx = 0
	return nil
}
