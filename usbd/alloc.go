// SPDX-License-Identifier: GPL-2.0-only

package usbd

import "fmt"

// fifoAlloc is the bump allocator over the controller's shared FIFO RAM.
// Offsets only grow within one activation cycle; reset happens on bus reset
// or endpoint re-initialization, never mid-cycle.
type fifoAlloc struct {
	next     uint32 // next free word offset
	capacity uint32 // total FIFO RAM in words
}

func (a *fifoAlloc) reset(base uint32) {
	a.next = base
}

// alloc reserves a block of words and returns its offset. Running out of
// FIFO RAM is a configuration fault: it can only happen with an invalid
// endpoint size table, so it aborts device bring-up.
func (a *fifoAlloc) alloc(words uint32) uint32 {
	next := a.next
	a.next += words
	if a.next > a.capacity {
		panic(fmt.Errorf("usbd: FIFO memory overflow: %d words requested at offset %d, capacity %d", words, next, a.capacity))
	}
	return next
}
