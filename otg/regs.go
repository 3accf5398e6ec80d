// SPDX-License-Identifier: GPL-2.0-only

// Package otg models the device-mode register surface of a Synopsys DWC
// OTG full-speed controller, together with an in-memory core that backs the
// registers with real FIFO behavior. Bit layouts follow the STM32 OTG-FS
// reference manual.
package otg

import "sync/atomic"

// Reg is a 32-bit peripheral register. Accesses are atomic so interrupt
// context and task context can touch the same register without tearing.
type Reg struct {
	v uint32
}

func (r *Reg) Get() uint32 {
	return atomic.LoadUint32(&r.v)
}

func (r *Reg) Set(v uint32) {
	atomic.StoreUint32(&r.v, v)
}

func (r *Reg) SetBits(mask uint32) {
	for {
		old := atomic.LoadUint32(&r.v)
		if atomic.CompareAndSwapUint32(&r.v, old, old|mask) {
			return
		}
	}
}

func (r *Reg) ClearBits(mask uint32) {
	for {
		old := atomic.LoadUint32(&r.v)
		if atomic.CompareAndSwapUint32(&r.v, old, old&^mask) {
			return
		}
	}
}

// Controller geometry.
const (
	// NumEndpoints is the number of bidirectional endpoints (0..3).
	NumEndpoints = 4
	// FIFOMemWords is the total shared FIFO RAM in 32-bit words (1.25 KiB).
	FIFOMemWords = 320
)

// GAHBCFG bits.
const (
	GAHBCFG_GINTMSK = 1 << 0 // global interrupt enable
)

// GUSBCFG bits.
const (
	GUSBCFG_PHYSEL = 1 << 6
	GUSBCFG_FDMOD  = 1 << 30
)

func GUSBCFG_TRDT(n uint32) uint32 { return (n & 15) << 10 }

// GRSTCTL bits.
const (
	GRSTCTL_CSRST   = 1 << 0
	GRSTCTL_RXFFLSH = 1 << 4
	GRSTCTL_TXFFLSH = 1 << 5
	GRSTCTL_AHBIDL  = 1 << 31
)

func GRSTCTL_TXFNUM(n uint32) uint32 { return (n & 31) << 6 }

// GINTSTS / GINTMSK bits.
const (
	GINTSTS_SOF     = 1 << 3
	GINTSTS_RXFLVL  = 1 << 4
	GINTSTS_USBRST  = 1 << 12
	GINTSTS_ENUMDNE = 1 << 13
	GINTSTS_IEPINT  = 1 << 18
	GINTSTS_OEPINT  = 1 << 19

	GINTMSK_SOFM     = GINTSTS_SOF
	GINTMSK_RXFLVLM  = GINTSTS_RXFLVL
	GINTMSK_USBRSTM  = GINTSTS_USBRST
	GINTMSK_ENUMDNEM = GINTSTS_ENUMDNE
	GINTMSK_IEPM     = GINTSTS_IEPINT
	GINTMSK_OEPM     = GINTSTS_OEPINT
)

// GRXSTSP fields. The packet status codes classify each receive report.
const (
	GRXSTSP_EPNUM_MASK  = 0xF << 0
	GRXSTSP_EPNUM_OFF   = 0
	GRXSTSP_BCNT_MASK   = 0x7FF << 4
	GRXSTSP_BCNT_OFF    = 4
	GRXSTSP_PKTSTS_MASK = 0xF << 17
	GRXSTSP_PKTSTS_OFF  = 17

	GRXSTSP_OUT_GLOBAL_NAK = 1 << GRXSTSP_PKTSTS_OFF
	GRXSTSP_OUT_DATA       = 2 << GRXSTSP_PKTSTS_OFF
	GRXSTSP_OUT_COMP       = 3 << GRXSTSP_PKTSTS_OFF
	GRXSTSP_SETUP_COMP     = 4 << GRXSTSP_PKTSTS_OFF
	GRXSTSP_SETUP_DATA     = 6 << GRXSTSP_PKTSTS_OFF
)

// DIEPTXF fields. The reset value restores a deallocated region.
const DIEPTXF_RESET_VALUE = 0x0200_0400

func DIEPTXF_INEPTXSA(n uint32) uint32 { return n & 0xFFFF }
func DIEPTXF_INEPTXFD(n uint32) uint32 { return (n & 0xFFFF) << 16 }

// DCFG fields.
const (
	DCFG_DSPD_FS11 = 3 << 0
	DCFG_DAD_MASK  = 0x7F << 4
)

func DCFG_DAD(n uint32) uint32   { return (n & 0x7F) << 4 }
func DCFG_PFIVL(n uint32) uint32 { return (n & 3) << 11 }

// DCTL bits.
const (
	DCTL_RWUSIG = 1 << 0
)

// DSTS fields.
const (
	DSTS_ENUMSPD_MASK = 3 << 1
	DSTS_ENUMSPD_FS   = 3 << 1
	DSTS_ENUMSPD_LS   = 2 << 1
	DSTS_ENUMSPD_HS   = 0 << 1
)

// DIEPMSK / DOEPMSK bits.
const (
	DIEPMSK_XFRCM = 1 << 0
	DIEPMSK_TOCM  = 1 << 3

	DOEPMSK_XFRCM = 1 << 0
	DOEPMSK_STUPM = 1 << 3
)

// DAINT / DAINTMSK per-endpoint bits: IN endpoints in [15:0], OUT endpoints
// in [31:16].
func DAINT_IEPINT(ep int) uint32 { return 1 << uint(ep) }
func DAINT_OEPINT(ep int) uint32 { return 1 << uint(16+ep) }

// DIEPCTL / DOEPCTL bits.
const (
	DIEPCTL_USBAEP     = 1 << 15
	DIEPCTL_EPTYP_CTRL = 0 << 18
	DIEPCTL_EPTYP_ISO  = 1 << 18
	DIEPCTL_EPTYP_BULK = 2 << 18
	DIEPCTL_EPTYP_INTR = 3 << 18
	DIEPCTL_STALL      = 1 << 21
	DIEPCTL_CNAK       = 1 << 26
	DIEPCTL_SNAK       = 1 << 27
	DIEPCTL_SD0PID     = 1 << 28
	DIEPCTL_EPDIS      = 1 << 30
	DIEPCTL_EPENA      = 1 << 31

	DOEPCTL_USBAEP = DIEPCTL_USBAEP
	DOEPCTL_STALL  = DIEPCTL_STALL
	DOEPCTL_CNAK   = DIEPCTL_CNAK
	DOEPCTL_SNAK   = DIEPCTL_SNAK
	DOEPCTL_EPENA  = DIEPCTL_EPENA
)

func DIEPCTL_MPSIZ(n uint32) uint32  { return n & 0x7FF }
func DIEPCTL_TXFNUM(n uint32) uint32 { return (n & 15) << 22 }
func DOEPCTL_MPSIZ(n uint32) uint32  { return n & 0x7FF }

// DIEPTSIZ / DOEPTSIZ fields.
func DIEPTSIZ_XFRSIZ(n uint32) uint32  { return n & 0x7FFFF }
func DIEPTSIZ_PKTCNT(n uint32) uint32  { return (n & 0x3FF) << 19 }
func DOEPTSIZ_XFRSIZ(n uint32) uint32  { return n & 0x7FFFF }
func DOEPTSIZ_PKTCNT(n uint32) uint32  { return (n & 0x3FF) << 19 }
func DOEPTSIZ_STUPCNT(n uint32) uint32 { return (n & 3) << 29 }

// DIEPINT / DOEPINT bits.
const (
	DIEPINT_XFRC = 1 << 0
	DIEPINT_TOC  = 1 << 3
	DIEPINT_TXFE = 1 << 7

	DOEPINT_XFRC = 1 << 0
	DOEPINT_STUP = 1 << 3
)

// DTXFSTS fields.
const DTXFSTS_INEPTFSAV_MASK = 0xFFFF
