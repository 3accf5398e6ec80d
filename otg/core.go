// SPDX-License-Identifier: GPL-2.0-only

package otg

import (
	"encoding/binary"
	"sync"
)

// InEndpointRegs is the register block of one IN endpoint.
type InEndpointRegs struct {
	DIEPCTL  Reg
	DIEPTSIZ Reg
	DIEPINT  Reg
}

// OutEndpointRegs is the register block of one OUT endpoint.
type OutEndpointRegs struct {
	DOEPCTL  Reg
	DOEPTSIZ Reg
	DOEPINT  Reg
}

// Core is the device-mode OTG controller. The register fields behave like
// their hardware counterparts; behind them the core keeps a shared receive
// word stream and per-endpoint transmit FIFO occupancy so that FIFO reads
// and writes, free-space reports and the interrupt line all behave the way
// the real peripheral does.
//
// The Inject*/CollectIn methods are the host side of the link: they are what
// a bus would do to the controller.
type Core struct {
	GAHBCFG Reg
	GUSBCFG Reg
	GRSTCTL Reg
	GINTSTS Reg
	GINTMSK Reg
	GRXFSIZ Reg
	GCCFG   Reg
	PCGCCTL Reg

	DCFG Reg
	DCTL Reg
	DSTS Reg

	DIEPMSK    Reg
	DOEPMSK    Reg
	DAINT      Reg
	DAINTMSK   Reg
	DIEPEMPMSK Reg

	// DIEPTXF0 holds the endpoint 0 TX FIFO region; DIEPTXF[ep-1] the
	// regions of endpoints 1 and up, as in the hardware register map.
	DIEPTXF0 Reg
	DIEPTXF  [NumEndpoints - 1]Reg

	IE [NumEndpoints]InEndpointRegs
	OE [NumEndpoints]OutEndpointRegs

	mu         sync.Mutex
	rx         []rxWord             // shared receive stream: status + payload words
	txUsed     [NumEndpoints]int    // occupied words per IN FIFO
	txData     [NumEndpoints][]byte // bytes pushed since the last host drain
	txOverruns int
	irq        chan struct{}
}

// rxWord is one word of the receive stream. Completion status reports carry
// the endpoint interrupt bits that fire when the report is popped; the
// hardware raises XFRC and STUP only once the application has consumed the
// corresponding GRXSTSP entry, never before.
type rxWord struct {
	val uint32
	ep  int
	irq uint32 // DOEPINT bits
}

// NewCore returns a controller in its post-power-up state.
func NewCore() *Core {
	c := &Core{irq: make(chan struct{}, 1)}
	c.GRSTCTL.Set(GRSTCTL_AHBIDL)
	c.DIEPTXF0.Set(DIEPTXF_RESET_VALUE)
	for i := range c.DIEPTXF {
		c.DIEPTXF[i].Set(DIEPTXF_RESET_VALUE)
	}
	return c
}

// IRQ is the interrupt line. A token is deposited whenever an unmasked
// GINTSTS bit becomes pending while global interrupts are enabled.
func (c *Core) IRQ() <-chan struct{} {
	return c.irq
}

func (c *Core) assertIRQ() {
	if c.GAHBCFG.Get()&GAHBCFG_GINTMSK == 0 {
		return
	}
	if c.GINTSTS.Get()&c.GINTMSK.Get() == 0 {
		return
	}
	select {
	case c.irq <- struct{}{}:
	default:
	}
}

// EnableGlobalInterrupts sets GAHBCFG.GINTMSK and re-evaluates the interrupt
// line, since pending causes accumulated while gated must fire now.
func (c *Core) EnableGlobalInterrupts() {
	c.GAHBCFG.SetBits(GAHBCFG_GINTMSK)
	c.assertIRQ()
}

// DisableGlobalInterrupts clears GAHBCFG.GINTMSK. While it is clear the
// interrupt line stays silent regardless of pending status bits.
func (c *Core) DisableGlobalInterrupts() {
	c.GAHBCFG.ClearBits(GAHBCFG_GINTMSK)
}

// SoftReset performs the core soft reset: all FIFO state is discarded.
func (c *Core) SoftReset() {
	c.mu.Lock()
	c.rx = nil
	for i := range c.txUsed {
		c.txUsed[i] = 0
		c.txData[i] = nil
	}
	c.mu.Unlock()
	c.GINTSTS.ClearBits(GINTSTS_RXFLVL)
}

func (c *Core) txfDepth(ep int) int {
	var txf uint32
	if ep == 0 {
		txf = c.DIEPTXF0.Get()
	} else {
		txf = c.DIEPTXF[ep-1].Get()
	}
	return int(txf >> 16)
}

// DTXFSTS reports the free space of an IN endpoint's TX FIFO in words.
func (c *Core) DTXFSTS(ep int) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	free := c.txfDepth(ep) - c.txUsed[ep]
	if free < 0 {
		free = 0
	}
	return uint32(free) & DTXFSTS_INEPTFSAV_MASK
}

// PushFIFO writes one word into an IN endpoint's TX FIFO.
func (c *Core) PushFIFO(ep int, w uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.txUsed[ep] >= c.txfDepth(ep) {
		// The hardware treats this as a protocol error; remember it so
		// tests can assert the engine never overfills.
		c.txOverruns++
		return
	}
	c.txUsed[ep]++
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], w)
	c.txData[ep] = append(c.txData[ep], b[:]...)
}

// PopFIFO reads one word from the shared receive FIFO.
func (c *Core) PopFIFO() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.popRxWord()
}

// ReadGRXSTSP pops the next receive status report.
func (c *Core) ReadGRXSTSP() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.popRxWord()
}

func (c *Core) popRxWord() uint32 {
	if len(c.rx) == 0 {
		return 0
	}
	w := c.rx[0]
	c.rx = c.rx[1:]
	if len(c.rx) == 0 {
		// RXFLVL is level-sensitive and follows the FIFO fill state.
		c.GINTSTS.ClearBits(GINTSTS_RXFLVL)
	}
	if w.irq != 0 {
		c.OE[w.ep].DOEPINT.SetBits(w.irq)
		c.DAINT.SetBits(DAINT_OEPINT(w.ep))
		c.GINTSTS.SetBits(GINTSTS_OEPINT)
		c.assertIRQ()
	}
	return w.val
}

// FlushTxFIFO empties one IN endpoint's TX FIFO.
func (c *Core) FlushTxFIFO(ep int) {
	c.mu.Lock()
	c.txUsed[ep] = 0
	c.txData[ep] = nil
	c.mu.Unlock()
}

// FlushRxFIFO empties the shared receive FIFO.
func (c *Core) FlushRxFIFO() {
	c.mu.Lock()
	c.rx = nil
	c.mu.Unlock()
	c.GINTSTS.ClearBits(GINTSTS_RXFLVL)
}

// ArmTxFifoEmpty enables the FIFO-empty interrupt source of an IN endpoint.
// If the FIFO is already empty the interrupt fires immediately, which is how
// the hardware kicks off a freshly started transmission.
func (c *Core) ArmTxFifoEmpty(ep int) {
	c.DIEPEMPMSK.SetBits(1 << uint(ep))
	c.mu.Lock()
	empty := c.txUsed[ep] == 0
	c.mu.Unlock()
	if empty {
		c.raiseTxEmpty(ep)
	}
}

func (c *Core) raiseTxEmpty(ep int) {
	c.IE[ep].DIEPINT.SetBits(DIEPINT_TXFE)
	c.DAINT.SetBits(DAINT_IEPINT(ep))
	c.GINTSTS.SetBits(GINTSTS_IEPINT)
	c.assertIRQ()
}

func (c *Core) pushRx(status uint32, payload []byte, ep int, irq uint32) {
	c.mu.Lock()
	c.rx = append(c.rx, rxWord{val: status, ep: ep, irq: irq})
	for off := 0; off < len(payload); off += 4 {
		var w uint32
		for i := 0; i < 4 && off+i < len(payload); i++ {
			w |= uint32(payload[off+i]) << (8 * uint(i))
		}
		c.rx = append(c.rx, rxWord{val: w})
	}
	c.mu.Unlock()
	c.GINTSTS.SetBits(GINTSTS_RXFLVL)
	c.assertIRQ()
}

func grxstsp(pktsts uint32, bcnt, ep int) uint32 {
	return pktsts |
		(uint32(bcnt) << GRXSTSP_BCNT_OFF) |
		(uint32(ep) << GRXSTSP_EPNUM_OFF)
}

// InjectSetup delivers a SETUP packet from the host: the data report with
// its payload, then the completion report. The setup-done interrupt fires
// when the completion report is popped, after the payload has been drained.
func (c *Core) InjectSetup(ep int, data [8]byte) {
	c.pushRx(grxstsp(GRXSTSP_SETUP_DATA, len(data), ep), data[:], ep, 0)
	c.pushRx(grxstsp(GRXSTSP_SETUP_COMP, 0, ep), nil, ep, DOEPINT_STUP)
}

// InjectOutData delivers one OUT data packet from the host.
func (c *Core) InjectOutData(ep int, data []byte) {
	c.pushRx(grxstsp(GRXSTSP_OUT_DATA, len(data), ep), data, ep, 0)
}

// InjectOutComplete signals completion of an OUT transfer. The transfer
// complete interrupt fires when the completion report is popped.
func (c *Core) InjectOutComplete(ep int) {
	c.pushRx(grxstsp(GRXSTSP_OUT_COMP, 0, ep), nil, ep, DOEPINT_XFRC)
}

// CompleteIn signals that the host consumed an IN transfer.
func (c *Core) CompleteIn(ep int) {
	c.IE[ep].DIEPINT.SetBits(DIEPINT_XFRC)
	c.DAINT.SetBits(DAINT_IEPINT(ep))
	c.GINTSTS.SetBits(GINTSTS_IEPINT)
	c.assertIRQ()
}

// CollectIn drains the bytes accumulated in an IN endpoint's TX FIFO, the
// way the host reading the endpoint would. If the FIFO-empty interrupt for
// the endpoint is armed it fires, continuing a paused fill.
func (c *Core) CollectIn(ep int) []byte {
	c.mu.Lock()
	data := c.txData[ep]
	c.txData[ep] = nil
	c.txUsed[ep] = 0
	c.mu.Unlock()
	if c.DIEPEMPMSK.Get()&(1<<uint(ep)) != 0 {
		c.raiseTxEmpty(ep)
	}
	return data
}

// InjectBusReset raises the USB reset interrupt.
func (c *Core) InjectBusReset() {
	c.GINTSTS.SetBits(GINTSTS_USBRST)
	c.assertIRQ()
}

// InjectEnumerationDone latches the negotiated speed and raises ENUMDNE.
func (c *Core) InjectEnumerationDone(enumspd uint32) {
	c.DSTS.Set((c.DSTS.Get() &^ uint32(DSTS_ENUMSPD_MASK)) | enumspd)
	c.GINTSTS.SetBits(GINTSTS_ENUMDNE)
	c.assertIRQ()
}

// InjectSOF raises the start-of-frame interrupt.
func (c *Core) InjectSOF() {
	c.GINTSTS.SetBits(GINTSTS_SOF)
	c.assertIRQ()
}

// TxOverruns reports how many words were pushed into a full TX FIFO.
func (c *Core) TxOverruns() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txOverruns
}

// RxPending reports whether receive status reports are still queued.
func (c *Core) RxPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rx) > 0
}
