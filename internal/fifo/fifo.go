// Package fifo implements the chunked linked-list queue used for the loop's
// bottom-half list and the thread pool's pending work.
package fifo

import (
	"sync"
)

// chunkSize is the number of values per node.
const chunkSize = 128

// Queue is a chunked linked-list FIFO.
//
// Thread Safety: Queue is NOT thread-safe. The caller must provide external
// synchronization.
//
// The zero value is ready to use. Exhausted chunks are recycled through a
// per-queue sync.Pool.
type Queue[T any] struct { // betteralign:ignore
	head   *chunk[T]
	tail   *chunk[T]
	pool   sync.Pool
	length int
}

// chunk is a fixed-size node, with read/write cursors for O(1) push/pop.
type chunk[T any] struct {
	values  [chunkSize]T
	next    *chunk[T]
	readPos int
	pos     int
}

func (q *Queue[T]) newChunk() *chunk[T] {
	if c, ok := q.pool.Get().(*chunk[T]); ok {
		return c
	}
	return new(chunk[T])
}

// returnChunk clears any remaining slots, so the pool doesn't retain
// references, then recycles c.
func (q *Queue[T]) returnChunk(c *chunk[T]) {
	var zero T
	for i := c.readPos; i < c.pos; i++ {
		c.values[i] = zero
	}
	c.pos = 0
	c.readPos = 0
	c.next = nil
	q.pool.Put(c)
}

// Push appends v to the tail of the queue.
func (q *Queue[T]) Push(v T) {
	if q.tail == nil {
		q.tail = q.newChunk()
		q.head = q.tail
	}

	if q.tail.pos == len(q.tail.values) {
		next := q.newChunk()
		q.tail.next = next
		q.tail = next
	}

	q.tail.values[q.tail.pos] = v
	q.tail.pos++
	q.length++
}

// Pop removes and returns the head of the queue, or false if it is empty.
func (q *Queue[T]) Pop() (v T, ok bool) {
	if q.head == nil || q.head.readPos >= q.head.pos {
		return v, false
	}

	var zero T
	v = q.head.values[q.head.readPos]
	q.head.values[q.head.readPos] = zero
	q.head.readPos++
	q.length--

	if q.head.readPos >= q.head.pos {
		if q.head == q.tail {
			q.head.pos = 0
			q.head.readPos = 0
		} else {
			old := q.head
			q.head = q.head.next
			q.returnChunk(old)
		}
	}

	return v, true
}

// Peek returns the head of the queue without removing it.
func (q *Queue[T]) Peek() (v T, ok bool) {
	if q.head == nil || q.head.readPos >= q.head.pos {
		return v, false
	}
	return q.head.values[q.head.readPos], true
}

// Each calls fn for every queued value, head first, stopping early if fn
// returns false.
func (q *Queue[T]) Each(fn func(v T) bool) {
	for c := q.head; c != nil; c = c.next {
		for i := c.readPos; i < c.pos; i++ {
			if !fn(c.values[i]) {
				return
			}
		}
	}
}

// Len returns the number of queued values.
func (q *Queue[T]) Len() int {
	return q.length
}
