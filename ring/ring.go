// SPDX-License-Identifier: GPL-2.0-only

// Package ring implements the circular byte queue used for streamed endpoint
// I/O. A Ring has independent read and write cursors, a stored-byte counter
// and blocked-waiter wakeup.
//
// The cursor-level primitives (ConsumeSlice, ProduceByte, ...) are used by
// the packet engine while it owns the controller FIFO; they are not
// internally synchronized because the engine already serializes FIFO
// operations through the controller interrupt gate. Each cursor has exactly
// one mover: the engine and the application sit on opposite ends of a Ring,
// so only the shared counter needs the lock.
package ring

import "sync"

// Ring is a wrapping byte queue.
type Ring struct {
	buf []byte
	rd  int // read cursor, moved by the consumer only
	wr  int // write cursor, moved by the producer only

	mu    sync.Mutex
	avail sync.Cond // broadcast on every completed bulk move
	count int       // bytes stored
}

// New returns a Ring with the given capacity in bytes.
func New(capacity int) *Ring {
	r := &Ring{buf: make([]byte, capacity)}
	r.avail.L = &r.mu
	return r
}

// Cap returns the ring capacity.
func (r *Ring) Cap() int {
	return len(r.buf)
}

// Len returns the number of bytes currently stored.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// ReadIndex returns the current read cursor position.
func (r *Ring) ReadIndex() int { return r.rd }

// WriteIndex returns the current write cursor position.
func (r *Ring) WriteIndex() int { return r.wr }

// ReadRun returns the number of contiguous bytes between the read cursor and
// the physical end of the buffer.
func (r *Ring) ReadRun() int {
	return len(r.buf) - r.rd
}

// WriteRun returns the number of contiguous bytes between the write cursor
// and the physical end of the buffer.
func (r *Ring) WriteRun() int {
	return len(r.buf) - r.wr
}

// ConsumeSlice returns the n bytes at the read cursor as a contiguous slice
// and advances the cursor, wrapping it when it reaches the physical end.
// n must not exceed ReadRun().
func (r *Ring) ConsumeSlice(n int) []byte {
	s := r.buf[r.rd : r.rd+n]
	r.rd += n
	if r.rd >= len(r.buf) {
		r.rd = 0
	}
	return s
}

// ConsumeByte returns the byte at the read cursor and advances it by one,
// wrapping at the physical end.
func (r *Ring) ConsumeByte() byte {
	b := r.buf[r.rd]
	r.rd++
	if r.rd >= len(r.buf) {
		r.rd = 0
	}
	return b
}

// ProduceSlice returns a writable slice of n bytes at the write cursor and
// advances the cursor, wrapping it when it reaches the physical end.
// n must not exceed WriteRun().
func (r *Ring) ProduceSlice(n int) []byte {
	s := r.buf[r.wr : r.wr+n]
	r.wr += n
	if r.wr >= len(r.buf) {
		r.wr = 0
	}
	return s
}

// ProduceByte stores b at the write cursor and advances it by one, wrapping
// at the physical end.
func (r *Ring) ProduceByte(b byte) {
	r.buf[r.wr] = b
	r.wr++
	if r.wr >= len(r.buf) {
		r.wr = 0
	}
}

// DidConsume commits the removal of n bytes and wakes every waiter blocked
// on the counter.
func (r *Ring) DidConsume(n int) {
	r.mu.Lock()
	r.count -= n
	r.avail.Broadcast()
	r.mu.Unlock()
}

// DidProduce commits the addition of n bytes and wakes every waiter blocked
// on the counter.
func (r *Ring) DidProduce(n int) {
	r.mu.Lock()
	r.count += n
	r.avail.Broadcast()
	r.mu.Unlock()
}

// Read copies up to len(p) stored bytes into p, blocking until at least one
// byte is available. It is the application-side consumer of an OUT stream.
func (r *Ring) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	r.mu.Lock()
	for r.count == 0 {
		r.avail.Wait()
	}
	n := min(len(p), r.count)
	r.mu.Unlock()

	for i := 0; i < n; i++ {
		p[i] = r.ConsumeByte()
	}

	r.mu.Lock()
	r.count -= n
	r.avail.Broadcast()
	r.mu.Unlock()
	return n, nil
}

// Write copies all of p into the ring, blocking while the ring is full.
// It is the application-side producer of an IN stream.
func (r *Ring) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		r.mu.Lock()
		for r.count == len(r.buf) {
			r.avail.Wait()
		}
		n := min(len(p)-written, len(r.buf)-r.count)
		r.mu.Unlock()

		for i := 0; i < n; i++ {
			r.ProduceByte(p[written+i])
		}

		r.mu.Lock()
		r.count += n
		r.avail.Broadcast()
		r.mu.Unlock()
		written += n
	}
	return written, nil
}
