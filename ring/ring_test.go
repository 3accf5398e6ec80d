// SPDX-License-Identifier: GPL-2.0-only

package ring

import (
	"bytes"
	"testing"
)

func TestReadWriteRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name     string
		capacity int
		payload  int
	}{
		{name: "small", capacity: 16, payload: 5},
		{name: "exact fit", capacity: 16, payload: 16},
		{name: "word aligned", capacity: 64, payload: 32},
		{name: "odd sizes", capacity: 17, payload: 13},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := New(tc.capacity)
			in := make([]byte, tc.payload)
			for i := range in {
				in[i] = byte(i * 7)
			}

			if n, _ := r.Write(in); n != tc.payload {
				t.Fatalf("wrote %d bytes; want %d", n, tc.payload)
			}
			if got := r.Len(); got != tc.payload {
				t.Errorf("Len() = %d; want %d", got, tc.payload)
			}

			out := make([]byte, tc.payload)
			if n, _ := r.Read(out); n != tc.payload {
				t.Fatalf("read %d bytes; want %d", n, tc.payload)
			}
			if !bytes.Equal(out, in) {
				t.Errorf("got %v; want %v", out, in)
			}
			if got := r.Len(); got != 0 {
				t.Errorf("Len() after drain = %d; want 0", got)
			}
		})
	}
}

func TestCursorWrapsAtPhysicalEnd(t *testing.T) {
	const capacity = 16
	r := New(capacity)

	// Park both cursors three bytes short of the end.
	pad := make([]byte, capacity-3)
	r.Write(pad)
	r.Read(pad)
	if got := r.WriteIndex(); got != capacity-3 {
		t.Fatalf("write cursor at %d; want %d", got, capacity-3)
	}

	in := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	r.Write(in)
	if got := r.WriteIndex(); got != (capacity-3+len(in))%capacity {
		t.Errorf("write cursor at %d; want %d", got, (capacity-3+len(in))%capacity)
	}

	out := make([]byte, len(in))
	r.Read(out)
	if !bytes.Equal(out, in) {
		t.Errorf("got %v; want %v", out, in)
	}
	if got := r.ReadIndex(); got != (capacity-3+len(in))%capacity {
		t.Errorf("read cursor at %d; want %d", got, (capacity-3+len(in))%capacity)
	}
}

func TestRunsFollowCursors(t *testing.T) {
	r := New(12)
	if got := r.WriteRun(); got != 12 {
		t.Errorf("WriteRun() = %d; want 12", got)
	}

	s := r.ProduceSlice(8)
	if len(s) != 8 {
		t.Fatalf("ProduceSlice returned %d bytes; want 8", len(s))
	}
	if got := r.WriteRun(); got != 4 {
		t.Errorf("WriteRun() = %d; want 4", got)
	}

	// Producing exactly up to the physical end wraps the cursor.
	r.ProduceSlice(4)
	if got := r.WriteIndex(); got != 0 {
		t.Errorf("write cursor at %d; want 0", got)
	}
	if got := r.WriteRun(); got != 12 {
		t.Errorf("WriteRun() after wrap = %d; want 12", got)
	}

	if got := r.ReadRun(); got != 12 {
		t.Errorf("ReadRun() = %d; want 12", got)
	}
	r.ConsumeSlice(12)
	if got := r.ReadIndex(); got != 0 {
		t.Errorf("read cursor at %d; want 0", got)
	}
}

func TestDidProduceWakesReader(t *testing.T) {
	r := New(8)
	got := make(chan []byte)
	go func() {
		buf := make([]byte, 4)
		n, _ := r.Read(buf)
		got <- buf[:n]
	}()

	copy(r.ProduceSlice(3), []byte{9, 8, 7})
	r.DidProduce(3)

	if out := <-got; !bytes.Equal(out, []byte{9, 8, 7}) {
		t.Errorf("got %v; want [9 8 7]", out)
	}
}

func TestDidConsumeWakesWriter(t *testing.T) {
	r := New(4)
	r.Write([]byte{1, 2, 3, 4})

	done := make(chan struct{})
	go func() {
		// Blocks until a byte of space opens up.
		r.Write([]byte{5})
		close(done)
	}()

	r.ConsumeSlice(1)
	r.DidConsume(1)
	<-done

	out := make([]byte, 4)
	n, _ := r.Read(out)
	if want := []byte{2, 3, 4, 5}; !bytes.Equal(out[:n], want) {
		t.Errorf("got %v; want %v", out[:n], want)
	}
}
