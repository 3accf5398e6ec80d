// SPDX-License-Identifier: GPL-2.0-only

package kern

import (
	"testing"
	"time"
)

func TestResumeBeforeSuspend(t *testing.T) {
	task := NewTask()

	// A wake token deposited early must satisfy the next Suspend instead
	// of being lost.
	task.Resume()
	done := make(chan struct{})
	go func() {
		task.Suspend()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Suspend did not consume the stored wake token")
	}
}

func TestExtraResumesAreDiscarded(t *testing.T) {
	task := NewTask()
	task.Resume()
	task.Resume()
	task.Resume()
	task.Suspend()

	// Only one token was stored; a second Suspend must block until the
	// next Resume.
	woke := make(chan struct{})
	go func() {
		task.Suspend()
		close(woke)
	}()
	select {
	case <-woke:
		t.Fatal("second Suspend returned without a fresh Resume")
	case <-time.After(10 * time.Millisecond):
	}
	task.Resume()
	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("Suspend did not observe the Resume")
	}
}
