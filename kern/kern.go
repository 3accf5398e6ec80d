// SPDX-License-Identifier: GPL-2.0-only

// Package kern exposes the small set of kernel primitives the USB engine
// consumes: a short non-blocking critical section usable from interrupt and
// task context alike, one-shot task suspend/resume, and a polled delay for
// PHY timing.
package kern

import (
	"sync"
	"time"
)

// Critical is a short mutual-exclusion section shared between the interrupt
// service path and the pump task. It must never be held across a blocking
// operation.
type Critical struct {
	mu sync.Mutex
}

func (c *Critical) Lock() {
	c.mu.Lock()
}

func (c *Critical) Unlock() {
	c.mu.Unlock()
}

// Task models a schedulable execution unit with one-shot suspend/resume
// semantics: a single wake token is consumed by at most one Suspend, and
// extra Resume calls while a token is already deposited are discarded.
type Task struct {
	wake chan struct{}
}

func NewTask() *Task {
	return &Task{wake: make(chan struct{}, 1)}
}

// Suspend parks the calling goroutine until a wake token arrives.
// Must be called outside any Critical section.
func (t *Task) Suspend() {
	<-t.wake
}

// Resume deposits a wake token. Safe from any context, never blocks.
func (t *Task) Resume() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// PolledDelay busy-waits for roughly the given number of PHY clock cycles.
// Used only around core and FIFO flush operations where the reference manual
// demands a few cycles of settling time.
func PolledDelay(cycles int) {
	time.Sleep(time.Duration(cycles) * 20 * time.Nanosecond)
}
