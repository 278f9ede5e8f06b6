// EHCI host controller driver
// https://github.com/usbarmory/ehci-hcd
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ehci

import (
	"runtime"
	"time"
)

// Capability register offsets (fixed, relative to the MMIO BAR base),
// p25 2.2 Host Controller Capability Registers, EHCI 1.0.
const (
	CAPLENGTH  = 0x00
	HCIVERSION = 0x02
	HCSPARAMS  = 0x04
	HCCPARAMS  = 0x08
)

const (
	hcspNPorts = 0xf

	hccp64Bit  = 1 << 0
	hccpEECP   = 0xff << 8
	hccpEECPOf = 8
)

// Operational register offsets, relative to CapLen, p27 2.3 Host
// Controller Operational Registers, EHCI 1.0.
const (
	USBCMD           = 0x00
	USBSTS           = 0x04
	USBINTR          = 0x08
	FRINDEX          = 0x0c
	CTRLDSSEGMENT    = 0x10
	PERIODICLISTBASE = 0x14
	ASYNCLISTADDR    = 0x18
	CONFIGFLAG       = 0x40
	portBase         = 0x44
)

// USBCMD bits.
const (
	cmdRun      = 1 << 0
	cmdHCReset  = 1 << 1
	cmdPSE      = 1 << 4
	cmdASE      = 1 << 5
	cmdIAAD     = 1 << 6
	cmdITCShift = 16
	cmdITCMask  = 0xff
)

// USBSTS bits.
const (
	stsUSBInt   = 1 << 0
	stsUSBErr   = 1 << 1
	stsPortChg  = 1 << 2
	stsFLR      = 1 << 3
	stsHSE      = 1 << 4
	stsIAA      = 1 << 5
	stsHalted   = 1 << 12
	stsAsyncEna = 1 << 15
)

// PORTSC bits, p28 2.3.8, EHCI 1.0.
const (
	portConnect       = 1 << 0
	portConnectChange = 1 << 1
	portEnable        = 1 << 2
	portEnableChange  = 1 << 3
	portOverCurrent   = 1 << 4
	portOverCurChange = 1 << 5
	portSuspend       = 1 << 7
	portReset         = 1 << 8
	portLineStatus    = 0b11 << 10
	portPower         = 1 << 12
	portOwner         = 1 << 13

	portChangeMask = portConnectChange | portEnableChange | portOverCurChange

	lineStatusKState = 0b01 << 10
)

// window wraps a Bus to provide typed, offset-relative register access
// with the write-clear-preserving PORTSC semantics spec.md §4.A requires,
// grounded on internal/reg's Get/Set/Clear/SetN/Wait family of helpers,
// adapted to route through the injected Bus instead of unsafe.Pointer.
type window struct {
	bus    Bus
	capLen uint32
}

func newWindow(bus Bus) *window {
	return &window{bus: bus, capLen: uint32(bus.MemRead32(CAPLENGTH) & 0xff)}
}

func (w *window) opOffset(off uint32) uint32 {
	return w.capLen + off
}

func (w *window) readCap(off uint32) uint32 {
	return w.bus.MemRead32(off)
}

func (w *window) readOp(off uint32) uint32 {
	return w.bus.MemRead32(w.opOffset(off))
}

func (w *window) writeOp(off uint32, val uint32) {
	w.bus.MemWrite32(w.opOffset(off), val)
}

func (w *window) setBit(off uint32, mask uint32) {
	w.writeOp(off, w.readOp(off)|mask)
}

func (w *window) clearBit(off uint32, mask uint32) {
	w.writeOp(off, w.readOp(off)&^mask)
}

// pollBit busy-waits for (reg & mask) == expected, bounded by timeout.
// Grounded on internal/reg.WaitFor: no sleep, just a bounded re-read loop
// that yields the processor with runtime.Gosched() between reads.
func (w *window) pollBit(off uint32, mask uint32, expected uint32, timeout time.Duration) bool {
	start := time.Now()

	for w.readOp(off)&mask != expected {
		runtime.Gosched()

		if time.Since(start) >= timeout {
			return w.readOp(off)&mask == expected
		}
	}

	return true
}

// portOffset returns the PORTSC register offset for a 0-indexed port.
func (w *window) portOffset(port int) uint32 {
	return uint32(portBase + 4*port)
}

// readPortSC reads PORTSC[port] verbatim.
func (w *window) readPortSC(port int) uint32 {
	return w.readOp(w.portOffset(port))
}

// writePortSC writes PORTSC[port] observing write-1-to-clear semantics
// for the change bits, per spec.md §4.A/§4.G: every change bit is masked
// off (written 0) regardless of its current value, except for the bits
// named in clearChange, which are written 1 to acknowledge them. This is
// the only way to avoid the RWC hardware hazard of writing a pending,
// unrelated change bit back as 1 and clearing it as a side effect of an
// unrelated state-bit update.
func (w *window) writePortSC(port int, val uint32, clearChange uint32) {
	next := (val &^ portChangeMask) | clearChange
	w.writeOp(w.portOffset(port), next)
}
