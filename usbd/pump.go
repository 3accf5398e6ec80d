// SPDX-License-Identifier: GPL-2.0-only

package usbd

import (
	"github.com/otgkit/otg-device-core/otg"
)

// pump is the dedicated task that performs the bulk, potentially lengthy,
// FIFO work outside interrupt context: draining the receive FIFO and filling
// the TX FIFOs of endpoints marked pending. It suspends only at the top of
// the loop, never mid-fill or mid-drain.
func (d *Driver) pump() {
	defer d.wg.Done()

	d.sc.Lock()
	for {
		if d.shutdown {
			d.sc.Unlock()
			return
		}

		// Nothing to do, going to sleep.
		if d.state == Stopped ||
			(d.txPending == 0 && d.core.GINTSTS.Get()&otg.GINTSTS_RXFLVL == 0) {
			d.core.GINTMSK.SetBits(otg.GINTMSK_RXFLVLM)
			d.thdWait = d.task
			d.sc.Unlock()
			d.task.Suspend()
			d.pumpWakeups.Inc()
			d.sc.Lock()
			continue
		}
		d.sc.Unlock()

		for ep := 0; ep < otg.NumEndpoints; ep++ {
			// Empty the RX FIFO first; receive reports must never
			// wait behind a long fill.
			for d.core.GINTSTS.Get()&otg.GINTSTS_RXFLVL != 0 {
				d.rxfifoHandler()
			}

			epmask := uint32(1) << uint(ep)
			d.sc.Lock()
			pending := d.txPending&epmask != 0
			if pending {
				// The controller forbids interleaving writes to
				// different endpoint FIFOs, so every interrupt
				// source is gated for the fill's duration.
				d.core.DisableGlobalInterrupts()
				d.txPending &^= epmask
			}
			d.sc.Unlock()
			if !pending {
				continue
			}

			done := d.txfifoHandler(ep)

			d.sc.Lock()
			d.core.EnableGlobalInterrupts()
			if !done {
				// Out of FIFO space; ask for another FIFO-empty
				// notification and move on.
				d.core.ArmTxFifoEmpty(ep)
				d.fillRetries.Inc()
			}
			d.sc.Unlock()
		}

		d.sc.Lock()
	}
}
