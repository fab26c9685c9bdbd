// uartdrv/ring.go

// SPSC byte ring used for the RX and TX software buffers. The cursor
// discipline matches TinyGo's machine.RingBuffer: the producer owns the head
// cursor, the consumer owns the tail cursor, and a cursor is published only
// after the bytes it covers have been copied. On host builds the volatile
// registers become sync/atomic words.

package uartdrv

import "sync/atomic"

// ringSize is the storage size. One slot is kept free to tell full from
// empty, so the usable capacity is ringSize-1. It must divide 2^32 so that
// the wrap-around cursor arithmetic below stays exact.
const ringSize = 512

// RingCapacity is the number of bytes a Ring can hold.
const RingCapacity = ringSize - 1

// Ring is a fixed-capacity single-producer/single-consumer byte ring.
// Write may run in one context while Read runs in another with no further
// synchronisation; neither operation ever blocks.
type Ring struct {
	buf  [ringSize]byte
	head atomic.Uint32 // next write position, owned by the producer
	tail atomic.Uint32 // next read position, owned by the consumer
}

// NewRing returns an empty ring.
func NewRing() *Ring {
	return &Ring{}
}

// Size returns the usable capacity in bytes.
func (r *Ring) Size() int {
	return RingCapacity
}

// Used returns how many bytes are buffered.
func (r *Ring) Used() int {
	return int((r.head.Load() - r.tail.Load()) % ringSize)
}

// Free returns the remaining capacity in bytes.
func (r *Ring) Free() int {
	return RingCapacity - r.Used()
}

// Empty reports whether no bytes are buffered.
func (r *Ring) Empty() bool {
	return r.head.Load() == r.tail.Load()
}

// Full reports whether the next Write would accept zero bytes.
func (r *Ring) Full() bool {
	return r.Used() == RingCapacity
}

// Write copies as many bytes of p as fit and returns the number copied.
// A short count means the ring filled up; the caller decides whether to
// retry or drop.
func (r *Ring) Write(p []byte) int {
	h := r.head.Load()
	t := r.tail.Load()
	free := int((t - h - 1) % ringSize)
	n := len(p)
	if n > free {
		n = free
	}
	pos := h % ringSize
	first := copy(r.buf[pos:], p[:n])
	copy(r.buf[:n-first], p[first:n])
	r.head.Store(h + uint32(n)) // publish after the data
	return n
}

// Put stores a single byte, reporting whether it was accepted.
func (r *Ring) Put(b byte) bool {
	h := r.head.Load()
	if (h-r.tail.Load())%ringSize == RingCapacity { // full
		return false
	}
	r.buf[h%ringSize] = b
	r.head.Store(h + 1)
	return true
}

// Read copies up to len(p) buffered bytes into p and returns the number
// copied. 0 means the ring is empty.
func (r *Ring) Read(p []byte) int {
	t := r.tail.Load()
	h := r.head.Load()
	used := int((h - t) % ringSize)
	n := len(p)
	if n > used {
		n = used
	}
	pos := t % ringSize
	first := copy(p[:n], r.buf[pos:])
	copy(p[first:n], r.buf[:n-first])
	r.tail.Store(t + uint32(n)) // publish consumption
	return n
}

// Clear resets both cursors. Not safe while a producer or consumer is
// active; the driver only calls it during teardown.
func (r *Ring) Clear() {
	r.head.Store(0)
	r.tail.Store(0)
}
