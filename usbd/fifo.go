// SPDX-License-Identifier: GPL-2.0-only

package usbd

import (
	"encoding/binary"

	"github.com/otgkit/otg-device-core/ring"
)

// Word-granular packet movement between endpoint buffers and the controller
// FIFOs. None of these routines take locks: the caller owns the FIFO for the
// duration (the controller forbids interleaving FIFO operations and the
// engine serializes them through the global interrupt gate).

// fifoWriteFromBuffer pushes n bytes from a linear buffer into an IN
// endpoint's TX FIFO as ceil(n/4) words. A short trailing word is
// zero-padded.
func (d *Driver) fifoWriteFromBuffer(ep int, buf []byte, n int) {
	for n >= 4 {
		d.core.PushFIFO(ep, binary.LittleEndian.Uint32(buf))
		buf = buf[4:]
		n -= 4
	}
	if n > 0 {
		var w uint32
		for i := 0; i < n; i++ {
			w |= uint32(buf[i]) << (8 * uint(i))
		}
		d.core.PushFIFO(ep, w)
	}
}

// fifoWriteFromQueue pushes n bytes sourced from a circular queue. Whole
// words are pushed in contiguous streaks up to the queue's wrap boundary;
// a word lying across the boundary, or a final partial word, is assembled
// one byte at a time. The queue's counter update and waiter wakeup happen
// once, after the whole move.
func (d *Driver) fifoWriteFromQueue(ep int, q *ring.Ring, n int) {
	ntogo := n
	for ntogo > 0 {
		if nw := ntogo / 4; nw > 0 {
			if run := q.ReadRun() / 4; run > 0 {
				streak := min(nw, run)
				buf := q.ConsumeSlice(streak * 4)
				for i := 0; i < streak; i++ {
					d.core.PushFIFO(ep, binary.LittleEndian.Uint32(buf[i*4:]))
				}
				ntogo -= streak * 4
				continue
			}
		}

		// A word lies across the wrap boundary or fewer than four
		// bytes remain.
		var w uint32
		i := 0
		for ntogo > 0 && i < 4 {
			w |= uint32(q.ConsumeByte()) << (8 * uint(i))
			ntogo--
			i++
		}
		d.core.PushFIFO(ep, w)
	}

	q.DidConsume(n)
}

// fifoReadToBuffer pops ceil(n/4) words from the RX FIFO, storing only the
// first max bytes into buf. The FIFO must be drained fully even when the
// destination is smaller than the packet.
func (d *Driver) fifoReadToBuffer(buf []byte, n, max int) {
	if max < 0 {
		max = 0
	}
	for words := (n + 3) / 4; words > 0; words-- {
		w := d.core.PopFIFO()
		for i := 0; i < 4 && max > 0; i++ {
			buf[0] = byte(w >> (8 * uint(i)))
			buf = buf[1:]
			max--
		}
	}
}

// fifoReadToQueue pops n bytes from the RX FIFO into a circular queue,
// mirroring fifoWriteFromQueue: contiguous word streaks up to the write
// cursor's wrap boundary, byte-at-a-time across it.
func (d *Driver) fifoReadToQueue(q *ring.Ring, n int) {
	ntogo := n
	for ntogo > 0 {
		if nw := ntogo / 4; nw > 0 {
			if run := q.WriteRun() / 4; run > 0 {
				streak := min(nw, run)
				buf := q.ProduceSlice(streak * 4)
				for i := 0; i < streak; i++ {
					binary.LittleEndian.PutUint32(buf[i*4:], d.core.PopFIFO())
				}
				ntogo -= streak * 4
				continue
			}
		}

		w := d.core.PopFIFO()
		i := 0
		for ntogo > 0 && i < 4 {
			q.ProduceByte(byte(w >> (8 * uint(i))))
			ntogo--
			i++
		}
	}

	q.DidProduce(n)
}
