// SPDX-License-Identifier: GPL-2.0-only

// Package usbd implements the device-mode packet engine of the OTG
// controller: FIFO RAM allocation, endpoint activation, the receive
// dispatcher, the transmit fill engine, the interrupt handler and the pump
// task that performs bulk FIFO work outside interrupt context.
package usbd

import (
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/otgkit/otg-device-core/kern"
	"github.com/otgkit/otg-device-core/otg"
	"github.com/otgkit/otg-device-core/ring"
)

const (
	// rxFIFOSize is the fixed receive FIFO region in bytes; it always
	// occupies the start of the FIFO RAM.
	rxFIFOSize = 512

	// ep0MaxSize is the fixed packet size of the control endpoint.
	ep0MaxSize = 0x40

	// usbTurnaroundTime is the bus turnaround time programmed into
	// GUSBCFG.TRDT.
	usbTurnaroundTime = 5
)

// State is the driver activation state.
type State int

const (
	Stopped State = iota
	Ready
)

// Event is a bus-level condition reported upward.
type Event int

const (
	EventReset Event = iota
)

// EndpointMode selects the transfer type of an endpoint.
type EndpointMode int

const (
	EndpointControl EndpointMode = iota
	EndpointIsochronous
	EndpointBulk
	EndpointInterrupt
)

// EndpointStatus is the activation state of one endpoint direction.
type EndpointStatus int

const (
	EndpointDisabled EndpointStatus = iota
	EndpointStalled
	EndpointActive
)

// Callback is an upward notification bound to one endpoint. Bodies run in
// interrupt or pump context and must not block.
type Callback func(d *Driver, ep int)

// EventCallback reports bus-level events upward.
type EventCallback func(d *Driver, e Event)

// InEndpointState tracks one in-progress transmit transfer. The source is a
// closed two-variant choice: a linear buffer or a circular queue.
type InEndpointState struct {
	TxSize int // total transfer size in bytes
	TxCnt  int // bytes pushed to the FIFO so far
	Queued bool
	Buf    []byte
	Queue  *ring.Ring
}

// SetLinear arms the state for a linear-buffer transmit of the whole buffer.
func (s *InEndpointState) SetLinear(buf []byte) {
	s.Queued = false
	s.Buf = buf
	s.Queue = nil
	s.TxSize = len(buf)
	s.TxCnt = 0
}

// SetQueue arms the state for a queue-backed transmit of n bytes.
func (s *InEndpointState) SetQueue(q *ring.Ring, n int) {
	s.Queued = true
	s.Buf = nil
	s.Queue = q
	s.TxSize = n
	s.TxCnt = 0
}

// OutEndpointState tracks one in-progress receive transfer.
type OutEndpointState struct {
	RxSize int // total transfer size in bytes
	RxCnt  int // bytes received so far
	Queued bool
	Buf    []byte
	Queue  *ring.Ring
}

// SetLinear arms the state for a linear-buffer receive of up to len(buf)
// bytes.
func (s *OutEndpointState) SetLinear(buf []byte) {
	s.Queued = false
	s.Buf = buf
	s.Queue = nil
	s.RxSize = len(buf)
	s.RxCnt = 0
}

// SetQueue arms the state for a queue-backed receive of n bytes.
func (s *OutEndpointState) SetQueue(q *ring.Ring, n int) {
	s.Queued = true
	s.Buf = nil
	s.Queue = q
	s.RxSize = n
	s.RxCnt = 0
}

// EndpointConfig describes one endpoint. It is immutable after
// InitEndpoint; direction activation follows callback presence.
type EndpointConfig struct {
	Mode         EndpointMode
	SetupCb      Callback
	InCb         Callback
	OutCb        Callback
	InMaxSize    int
	OutMaxSize   int
	InMultiplier int // TX FIFO sizing multiplier, minimum 1

	InState  *InEndpointState
	OutState *OutEndpointState

	// SetupBuf receives SETUP packets on control endpoints; 8 bytes.
	SetupBuf []byte
}

// Config carries the upward callbacks and the ambient collaborators.
type Config struct {
	EventCb EventCallback
	SOFCb   func(d *Driver)

	// Endpoint 0 callbacks, installed during bus reset.
	Ep0SetupCb Callback
	Ep0InCb    Callback
	Ep0OutCb   Callback

	Logger     log.Logger
	Registerer prometheus.Registerer
}

// Driver is the packet engine instance. Shared state (pending flags,
// transfer counters, the waiting-task handle, the allocator offset) is
// guarded by the kernel critical section, never a blocking lock, because
// the interrupt path touches the same state.
type Driver struct {
	core   *otg.Core
	cfg    Config
	logger log.Logger

	sc        kern.Critical
	state     State
	pm        fifoAlloc
	txPending uint32     // bitmask of endpoints with unflushed TX data
	thdWait   *kern.Task // pump task handle while it is waiting, else nil
	shutdown  bool

	task    *kern.Task
	started bool
	wg      sync.WaitGroup

	epc [otg.NumEndpoints]*EndpointConfig

	ep0cfg   EndpointConfig
	ep0in    InEndpointState
	ep0out   OutEndpointState
	ep0setup [8]byte

	address uint8

	// metrics
	irqTotal    prometheus.Counter
	rxPackets   prometheus.Counter
	txPackets   prometheus.Counter
	pumpWakeups prometheus.Counter
	fillRetries prometheus.Counter
}

// New creates a driver bound to a controller core. The driver is in the
// Stopped state; call Start to activate the peripheral.
func New(core *otg.Core, cfg Config) *Driver {
	if cfg.Logger == nil {
		cfg.Logger = log.NewNopLogger()
	}
	d := &Driver{
		core:   core,
		cfg:    cfg,
		logger: cfg.Logger,
		pm:     fifoAlloc{capacity: otg.FIFOMemWords},
		irqTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usb_device_interrupts_total",
			Help: "The total number of controller interrupts serviced.",
		}),
		rxPackets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usb_device_rx_packets_total",
			Help: "The total number of OUT data packets dispatched.",
		}),
		txPackets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usb_device_tx_packets_total",
			Help: "The total number of IN packets pushed to TX FIFOs.",
		}),
		pumpWakeups: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usb_device_pump_wakeups_total",
			Help: "The total number of pump task wakeups.",
		}),
		fillRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usb_device_fill_retries_total",
			Help: "The total number of fills paused on TX FIFO exhaustion.",
		}),
	}
	d.ep0cfg = EndpointConfig{
		Mode:         EndpointControl,
		SetupCb:      cfg.Ep0SetupCb,
		InCb:         cfg.Ep0InCb,
		OutCb:        cfg.Ep0OutCb,
		InMaxSize:    ep0MaxSize,
		OutMaxSize:   ep0MaxSize,
		InMultiplier: 1,
		InState:      &d.ep0in,
		OutState:     &d.ep0out,
		SetupBuf:     d.ep0setup[:],
	}
	if cfg.Registerer != nil {
		cfg.Registerer.MustRegister(
			d.irqTotal, d.rxPackets, d.txPackets, d.pumpWakeups, d.fillRetries,
		)
	}
	return d
}

// Core returns the underlying controller.
func (d *Driver) Core() *otg.Core {
	return d.core
}

// State returns the driver activation state.
func (d *Driver) State() State {
	d.sc.Lock()
	defer d.sc.Unlock()
	return d.state
}

// Start configures and activates the peripheral: core soft reset, PHY and
// device-mode programming, endpoint teardown, initial interrupt masks and
// the pump task. Idempotent while the driver is Ready.
func (d *Driver) Start() {
	d.sc.Lock()
	if d.state != Stopped {
		d.sc.Unlock()
		return
	}
	d.txPending = 0
	if !d.started {
		d.started = true
		d.task = kern.NewTask()
		d.wg.Add(1)
		go d.pump()
	}
	d.sc.Unlock()

	d.core.SoftReset()
	kern.PolledDelay(12)

	// Forced device mode, full-speed internal PHY.
	d.core.GUSBCFG.Set(otg.GUSBCFG_FDMOD | otg.GUSBCFG_TRDT(usbTurnaroundTime) | otg.GUSBCFG_PHYSEL)
	d.core.GAHBCFG.Set(0)
	d.core.DCFG.Set(0x02200000 | otg.DCFG_PFIVL(0) | otg.DCFG_DSPD_FS11)
	d.core.PCGCCTL.Set(0)

	d.disableAllEndpoints()

	// Only reset and enumeration interrupts are needed until the bus
	// comes up; SOF only when someone listens.
	d.core.DIEPMSK.Set(0)
	d.core.DOEPMSK.Set(0)
	d.core.DAINTMSK.Set(0)
	gintmsk := uint32(otg.GINTMSK_ENUMDNEM | otg.GINTMSK_USBRSTM)
	if d.cfg.SOFCb != nil {
		gintmsk |= otg.GINTMSK_SOFM
	}
	d.core.GINTMSK.Set(gintmsk)
	d.core.GINTSTS.Set(0) // clear anything pending

	d.core.EnableGlobalInterrupts()

	d.sc.Lock()
	d.state = Ready
	d.sc.Unlock()

	_ = level.Debug(d.logger).Log("msg", "peripheral started")
}

// Stop deactivates the peripheral. The pump task stays parked until the
// next Start or until Close.
func (d *Driver) Stop() {
	d.sc.Lock()
	if d.state == Stopped {
		d.sc.Unlock()
		return
	}
	d.state = Stopped
	d.txPending = 0
	d.sc.Unlock()

	d.core.DAINTMSK.Set(0)
	d.core.GAHBCFG.Set(0)
	d.core.GCCFG.Set(0)

	_ = level.Debug(d.logger).Log("msg", "peripheral stopped")
}

// Close stops the peripheral and drains the pump task. The driver cannot be
// restarted afterwards.
func (d *Driver) Close() {
	d.Stop()
	d.sc.Lock()
	d.shutdown = true
	task := d.task
	d.sc.Unlock()
	if task != nil {
		task.Resume()
	}
	d.wg.Wait()
}

// Reset performs the bus-reset sequence: every endpoint back to NAK, FIFO
// allocator reset, receive FIFO sized and flushed, device address zero and
// endpoint 0 brought up with its fixed configuration. Its FIFO region is
// allocated first so it always has the lowest address.
func (d *Driver) Reset() {
	d.core.DCTL.ClearBits(otg.DCTL_RWUSIG)

	d.txFIFOFlush(0)

	for ep := 0; ep < otg.NumEndpoints; ep++ {
		d.core.IE[ep].DIEPCTL.Set(otg.DIEPCTL_SNAK)
		d.core.OE[ep].DOEPCTL.Set(otg.DOEPCTL_SNAK)
		d.core.IE[ep].DIEPINT.Set(0)
		d.core.OE[ep].DOEPINT.Set(0)
	}
	d.core.DAINT.Set(0)
	d.core.DAINTMSK.Set(otg.DAINT_IEPINT(0) | otg.DAINT_OEPINT(0))

	d.sc.Lock()
	d.pm.reset(rxFIFOSize / 4)
	d.sc.Unlock()

	d.core.GRXFSIZ.Set(rxFIFOSize / 4)
	d.rxFIFOFlush()

	d.core.DCFG.Set((d.core.DCFG.Get() &^ uint32(otg.DCFG_DAD_MASK)) | otg.DCFG_DAD(0))
	d.sc.Lock()
	d.address = 0
	d.sc.Unlock()

	d.core.GINTMSK.SetBits(otg.GINTMSK_RXFLVLM | otg.GINTMSK_OEPM | otg.GINTMSK_IEPM)
	d.core.DIEPMSK.Set(otg.DIEPMSK_TOCM | otg.DIEPMSK_XFRCM)
	d.core.DOEPMSK.Set(otg.DOEPMSK_STUPM | otg.DOEPMSK_XFRCM)

	// Endpoint 0 bring-up, a special case.
	d.epc[0] = &d.ep0cfg
	d.core.OE[0].DOEPTSIZ.Set(0)
	d.core.OE[0].DOEPCTL.Set(otg.DIEPCTL_SD0PID | otg.DIEPCTL_USBAEP | otg.DIEPCTL_EPTYP_CTRL |
		otg.DOEPCTL_MPSIZ(ep0MaxSize))
	d.core.IE[0].DIEPTSIZ.Set(0)
	d.core.IE[0].DIEPCTL.Set(otg.DIEPCTL_SD0PID | otg.DIEPCTL_USBAEP | otg.DIEPCTL_EPTYP_CTRL |
		otg.DIEPCTL_TXFNUM(0) | otg.DIEPCTL_MPSIZ(ep0MaxSize))

	d.sc.Lock()
	txf0 := otg.DIEPTXF_INEPTXFD(ep0MaxSize/4) | otg.DIEPTXF_INEPTXSA(d.pm.alloc(ep0MaxSize/4))
	d.sc.Unlock()
	d.core.DIEPTXF0.Set(txf0)

	_ = level.Debug(d.logger).Log("msg", "bus reset serviced")
}

// SetAddress programs the device address assigned by the host. The address
// is also cleared on bus reset in interrupt context, so it lives under the
// critical section.
func (d *Driver) SetAddress(addr uint8) {
	d.sc.Lock()
	d.address = addr
	d.sc.Unlock()
	d.core.DCFG.Set((d.core.DCFG.Get() &^ uint32(otg.DCFG_DAD_MASK)) | otg.DCFG_DAD(uint32(addr)))
}

// Address returns the current device address.
func (d *Driver) Address() uint8 {
	d.sc.Lock()
	defer d.sc.Unlock()
	return d.address
}

// InitEndpoint activates or deactivates both directions of an endpoint
// according to its descriptor. A direction is active exactly when its
// callback is present. Must be called with the device stopped or between
// activation sections; it is not safe against concurrent packet traffic on
// the same endpoint. Endpoint 0 has a fixed configuration installed during
// bus reset and must never be passed here.
func (d *Driver) InitEndpoint(ep int, cfg *EndpointConfig) {
	if ep == 0 {
		panic("usbd: endpoint 0 is configured during bus reset, not via InitEndpoint")
	}

	var ctl uint32
	switch cfg.Mode {
	case EndpointControl:
		ctl = otg.DIEPCTL_SD0PID | otg.DIEPCTL_USBAEP | otg.DIEPCTL_EPTYP_CTRL
	case EndpointIsochronous:
		ctl = otg.DIEPCTL_SD0PID | otg.DIEPCTL_USBAEP | otg.DIEPCTL_EPTYP_ISO
	case EndpointBulk:
		ctl = otg.DIEPCTL_SD0PID | otg.DIEPCTL_USBAEP | otg.DIEPCTL_EPTYP_BULK
	case EndpointInterrupt:
		ctl = otg.DIEPCTL_SD0PID | otg.DIEPCTL_USBAEP | otg.DIEPCTL_EPTYP_INTR
	default:
		return
	}

	d.epc[ep] = cfg

	// OUT direction.
	d.core.OE[ep].DOEPTSIZ.Set(0)
	if cfg.OutCb != nil {
		d.core.OE[ep].DOEPCTL.Set(ctl | otg.DOEPCTL_MPSIZ(uint32(cfg.OutMaxSize)))
		d.core.DAINTMSK.SetBits(otg.DAINT_OEPINT(ep))
	} else {
		d.core.OE[ep].DOEPCTL.ClearBits(otg.DOEPCTL_USBAEP)
		d.core.DAINTMSK.ClearBits(otg.DAINT_OEPINT(ep))
	}

	// IN direction.
	d.core.IE[ep].DIEPTSIZ.Set(0)
	if cfg.InCb != nil {
		fsize := uint32(cfg.InMaxSize) / 4
		if cfg.InMultiplier > 1 {
			fsize *= uint32(cfg.InMultiplier)
		}
		d.sc.Lock()
		txf := otg.DIEPTXF_INEPTXFD(fsize) | otg.DIEPTXF_INEPTXSA(d.pm.alloc(fsize))
		d.sc.Unlock()
		d.core.DIEPTXF[ep-1].Set(txf)
		d.txFIFOFlush(ep)

		d.core.IE[ep].DIEPCTL.Set(ctl |
			otg.DIEPCTL_TXFNUM(uint32(ep)) |
			otg.DIEPCTL_MPSIZ(uint32(cfg.InMaxSize)))
		d.core.DAINTMSK.SetBits(otg.DAINT_IEPINT(ep))
	} else {
		d.core.DIEPTXF[ep-1].Set(otg.DIEPTXF_RESET_VALUE)
		d.txFIFOFlush(ep)
		d.core.IE[ep].DIEPCTL.ClearBits(otg.DIEPCTL_USBAEP)
		d.core.DAINTMSK.ClearBits(otg.DAINT_IEPINT(ep))
	}

	_ = level.Debug(d.logger).Log("msg", "endpoint configured", "ep", ep,
		"in", cfg.InCb != nil, "out", cfg.OutCb != nil)
}

// DisableEndpoints resets the FIFO allocator and deactivates every endpoint
// except endpoint 0. Used on bus reset and configuration teardown.
func (d *Driver) DisableEndpoints() {
	d.sc.Lock()
	d.pm.reset(rxFIFOSize / 4)
	d.sc.Unlock()
	d.disableAllEndpoints()
}

func (d *Driver) disableAllEndpoints() {
	for ep := 0; ep < otg.NumEndpoints; ep++ {
		d.core.IE[ep].DIEPCTL.Set(0)
		d.core.IE[ep].DIEPTSIZ.Set(0)
		d.core.IE[ep].DIEPINT.Set(0)
		d.core.OE[ep].DOEPCTL.Set(0)
		d.core.OE[ep].DOEPTSIZ.Set(0)
		d.core.OE[ep].DOEPINT.Set(0)
	}
	d.core.DAINTMSK.Set(otg.DAINT_IEPINT(0) | otg.DAINT_OEPINT(0))
}

func (d *Driver) txFIFOFlush(ep int) {
	d.core.GRSTCTL.Set(otg.GRSTCTL_TXFNUM(uint32(ep)) | otg.GRSTCTL_TXFFLSH | otg.GRSTCTL_AHBIDL)
	d.core.FlushTxFIFO(ep)
	d.core.GRSTCTL.ClearBits(otg.GRSTCTL_TXFFLSH)
	kern.PolledDelay(12)
}

func (d *Driver) rxFIFOFlush() {
	d.core.GRSTCTL.Set(otg.GRSTCTL_RXFFLSH | otg.GRSTCTL_AHBIDL)
	d.core.FlushRxFIFO()
	d.core.GRSTCTL.ClearBits(otg.GRSTCTL_RXFFLSH)
	kern.PolledDelay(12)
}

// StatusOut returns the activation state of an OUT endpoint.
func (d *Driver) StatusOut(ep int) EndpointStatus {
	ctl := d.core.OE[ep].DOEPCTL.Get()
	if ctl&otg.DOEPCTL_USBAEP == 0 {
		return EndpointDisabled
	}
	if ctl&otg.DOEPCTL_STALL != 0 {
		return EndpointStalled
	}
	return EndpointActive
}

// StatusIn returns the activation state of an IN endpoint.
func (d *Driver) StatusIn(ep int) EndpointStatus {
	ctl := d.core.IE[ep].DIEPCTL.Get()
	if ctl&otg.DIEPCTL_USBAEP == 0 {
		return EndpointDisabled
	}
	if ctl&otg.DIEPCTL_STALL != 0 {
		return EndpointStalled
	}
	return EndpointActive
}

// ReadSetup returns a copy of the last SETUP packet received on a control
// endpoint. Valid only inside the setup callback.
func (d *Driver) ReadSetup(ep int) [8]byte {
	var buf [8]byte
	copy(buf[:], d.epc[ep].SetupBuf)
	return buf
}

// PrepareReceive programs the transfer-size register for the receive armed
// in the endpoint's OUT state.
func (d *Driver) PrepareReceive(ep int) {
	cfg := d.epc[ep]
	pcnt := (cfg.OutState.RxSize + cfg.OutMaxSize - 1) / cfg.OutMaxSize
	d.core.OE[ep].DOEPTSIZ.Set(otg.DOEPTSIZ_STUPCNT(3) |
		otg.DOEPTSIZ_PKTCNT(uint32(pcnt)) |
		otg.DOEPTSIZ_XFRSIZ(uint32(cfg.OutMaxSize)))
}

// PrepareTransmit programs the transfer-size register for the transmit
// armed in the endpoint's IN state. A zero-size transfer still counts as
// one packet.
func (d *Driver) PrepareTransmit(ep int) {
	cfg := d.epc[ep]
	if cfg.InState.TxSize == 0 {
		d.core.IE[ep].DIEPTSIZ.Set(otg.DIEPTSIZ_PKTCNT(1) | otg.DIEPTSIZ_XFRSIZ(0))
		return
	}
	pcnt := (cfg.InState.TxSize + cfg.InMaxSize - 1) / cfg.InMaxSize
	d.core.IE[ep].DIEPTSIZ.Set(otg.DIEPTSIZ_PKTCNT(uint32(pcnt)) |
		otg.DIEPTSIZ_XFRSIZ(uint32(cfg.InState.TxSize)))
}

// StartOut starts the prepared receive operation.
func (d *Driver) StartOut(ep int) {
	d.core.OE[ep].DOEPCTL.SetBits(otg.DOEPCTL_CNAK)
}

// StartIn starts the prepared transmit operation and arms the FIFO-empty
// interrupt that hands the fill work to the pump task.
func (d *Driver) StartIn(ep int) {
	d.core.IE[ep].DIEPCTL.SetBits(otg.DIEPCTL_EPENA | otg.DIEPCTL_CNAK)
	d.core.ArmTxFifoEmpty(ep)
}

// StallOut stalls an OUT endpoint.
func (d *Driver) StallOut(ep int) {
	d.core.OE[ep].DOEPCTL.SetBits(otg.DOEPCTL_STALL)
}

// StallIn stalls an IN endpoint.
func (d *Driver) StallIn(ep int) {
	d.core.IE[ep].DIEPCTL.SetBits(otg.DIEPCTL_STALL)
}

// ClearOut returns a stalled OUT endpoint to the active state.
func (d *Driver) ClearOut(ep int) {
	d.core.OE[ep].DOEPCTL.ClearBits(otg.DOEPCTL_STALL)
}

// ClearIn returns a stalled IN endpoint to the active state.
func (d *Driver) ClearIn(ep int) {
	d.core.IE[ep].DIEPCTL.ClearBits(otg.DIEPCTL_STALL)
}
