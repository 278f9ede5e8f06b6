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
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// monotonicNow returns a direct CLOCK_MONOTONIC read, in nanoseconds, via
// golang.org/x/sys/unix. No fakeBus method calls it: the register
// window's pollBit measures its deadlines with time.Now.
func monotonicNow() int64 {
	var ts unix.Timespec

	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		panic(err)
	}

	return ts.Sec*1e9 + int64(ts.Nsec)
}

// fakeBus is an in-memory Bus double standing in for the PCI
// configuration-space/MMIO/DMA service spec.md treats as an external
// collaborator. It backs every unit test in this package: config space
// and the MMIO BAR are plain byte slices, coherent memory is a slab
// arena, and client-buffer mappings are identity (no bounce buffer
// needed on a single address space).
type fakeBus struct {
	mu sync.Mutex

	config [256]byte
	mmio   []byte // capability + operational registers, including PORTSC[n]

	portCount int

	coherent    []byte
	coherentTop int

	nextHandle uintptr
	mappings   map[uintptr][]byte

	attrs uint64

	flushes int
}

// newFakeBus builds a fake controller with the given port count,
// CAPLENGTH=0x20, HCIVERSION=0x0100, HCSPARAMS.N_PORTS=portCount and
// HCCPARAMS bit0 (64-bit capable) set, matching scenario S1's literal
// register values when portCount==4.
func newFakeBus(portCount int) *fakeBus {
	b := &fakeBus{
		mmio:      make([]byte, 0x20+portBase+4*portCount),
		portCount: portCount,
		coherent:  make([]byte, 64*pageSize),
		mappings:  make(map[uintptr][]byte),
	}

	putLE32(b.mmio[CAPLENGTH:], 0x01000020) // CAPLENGTH=0x20, HCIVERSION=0x0100
	putLE32(b.mmio[HCSPARAMS:], uint32(portCount)&hcspNPorts)
	putLE32(b.mmio[HCCPARAMS:], hccp64Bit)

	// PORTSC registers: powered, disconnected, at base offset.
	for p := 0; p < portCount; p++ {
		putLE32(b.mmio[0x20+portBase+4*p:], portPower)
	}

	return b
}

func (b *fakeBus) ReadConfig(offset uint32) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return getLE32(b.config[offset : offset+4])
}

func (b *fakeBus) WriteConfig(offset uint32, val uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	putLE32(b.config[offset:offset+4], val)
}

func (b *fakeBus) Attributes(op AttributeOp, mask uint64) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch op {
	case AttrGet:
		return b.attrs, nil
	case AttrSet:
		b.attrs = mask
	case AttrEnable:
		b.attrs |= mask
	case AttrDisable:
		b.attrs &^= mask
	case AttrSupported:
		return attrBusMaster | attrMemory, nil
	}

	return b.attrs, nil
}

func (b *fakeBus) MemRead32(offset uint32) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return getLE32(b.mmio[offset : offset+4])
}

func (b *fakeBus) MemWrite32(offset uint32, val uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if offset >= 0x20+portBase && offset < 0x20+portBase+4*uint32(b.portCount) {
		// PORTSC is write-1-to-clear on its change bits: a bit written 1
		// clears to 0, a bit written 0 leaves the stored bit alone. A
		// dumb byte-slice store can't express that on its own, so emulate
		// it here rather than in writePortSC, which only ever needs to
		// know what to put on the wire.
		existing := getLE32(b.mmio[offset : offset+4])
		kept := existing & portChangeMask &^ val
		val = (val &^ portChangeMask) | kept
	}

	putLE32(b.mmio[offset:offset+4], val)

	// Emulate hardware accepting commands instantly: Run/Stop toggles
	// Halted, HCReset self-clears, IAAD asserts its status bit.
	if offset == 0x20+USBCMD {
		status := getLE32(b.mmio[0x20+USBSTS:])

		if val&cmdRun != 0 {
			status &^= stsHalted
			status |= stsAsyncEna
		} else {
			status |= stsHalted
			status &^= stsAsyncEna
		}

		if val&cmdIAAD != 0 {
			status |= stsIAA
			val &^= cmdIAAD
			putLE32(b.mmio[offset:offset+4], val)
		}

		putLE32(b.mmio[0x20+USBSTS:], status)

		if val&cmdHCReset != 0 {
			val &^= cmdHCReset
			putLE32(b.mmio[offset:offset+4], val)
		}
	}
}

// pokePortSC sets PORTSC[port] to raw verbatim, bypassing the
// write-1-to-clear emulation in MemWrite32. Real change bits are set by
// the hardware asynchronously, never by a software write-1-to-clear; this
// is how tests simulate that (a connect/enable event happening), as
// opposed to driving the register the way the driver itself would.
func (b *fakeBus) pokePortSC(port int, raw uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	offset := 0x20 + portBase + 4*uint32(port)
	putLE32(b.mmio[offset:offset+4], raw)
}

func (b *fakeBus) AllocateCoherent(pages int) ([]byte, uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	need := pages * pageSize

	if b.coherentTop+need > len(b.coherent) {
		return nil, 0, fmt.Errorf("fakeBus: coherent arena exhausted")
	}

	busAddr := uint32(0x1000_0000 + b.coherentTop)
	host := b.coherent[b.coherentTop : b.coherentTop+need]
	b.coherentTop += need

	return host, busAddr, nil
}

func (b *fakeBus) FreeCoherent(host []byte) {}

func (b *fakeBus) MapDMA(dir Direction, host []byte) (Mapping, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextHandle++
	handle := b.nextHandle
	b.mappings[handle] = host

	busAddr := uint32(0x2000_0000 + handle*uint64AlignedStride)

	return Mapping{Handle: handle, BusAddr: busAddr, Length: len(host), Direction: dir}, nil
}

func (b *fakeBus) Unmap(m Mapping) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.mappings, m.Handle)

	return nil
}

func (b *fakeBus) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.flushes++
}

// uint64AlignedStride keeps synthetic client-buffer bus addresses well
// clear of the coherent arena's address range and page-aligned.
const uint64AlignedStride = 0x1_0000
