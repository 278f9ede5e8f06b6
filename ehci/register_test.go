// EHCI host controller driver
// https://github.com/usbarmory/ehci-hcd
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ehci

import "testing"

func TestWindowCapabilities(t *testing.T) {
	bus := newFakeBus(4)
	win := newWindow(bus)

	if win.capLen != 0x20 {
		t.Fatalf("capLen = %#x, want 0x20", win.capLen)
	}

	if n := win.readCap(HCSPARAMS) & hcspNPorts; n != 4 {
		t.Fatalf("port count = %d, want 4", n)
	}

	if win.readCap(HCCPARAMS)&hccp64Bit == 0 {
		t.Fatal("expected 64-bit capability bit set")
	}
}

func TestWindowSetClearBit(t *testing.T) {
	bus := newFakeBus(1)
	win := newWindow(bus)

	win.setBit(USBINTR, 0x3f)

	if win.readOp(USBINTR) != 0x3f {
		t.Fatalf("USBINTR = %#x, want 0x3f", win.readOp(USBINTR))
	}

	win.clearBit(USBINTR, 0x01)

	if win.readOp(USBINTR) != 0x3e {
		t.Fatalf("USBINTR = %#x, want 0x3e", win.readOp(USBINTR))
	}
}

func TestWindowPortSCPreservesStateOnChangeClear(t *testing.T) {
	bus := newFakeBus(1)
	win := newWindow(bus)

	bus.pokePortSC(0, portPower|portEnable|portConnectChange)

	// Clearing ConnectChange must not disturb Power/Enable.
	win.writePortSC(0, win.readPortSC(0), portConnectChange)

	raw := win.readPortSC(0)

	if raw&portConnectChange != 0 {
		t.Fatal("ConnectChange still set after clear")
	}

	if raw&portPower == 0 || raw&portEnable == 0 {
		t.Fatalf("state bits disturbed: %#x", raw)
	}
}

func TestWindowPortSCIdempotentChangeClear(t *testing.T) {
	bus := newFakeBus(1)
	win := newWindow(bus)

	bus.pokePortSC(0, portConnectChange)
	win.writePortSC(0, win.readPortSC(0), portConnectChange)
	before := win.readPortSC(0)

	win.writePortSC(0, win.readPortSC(0), portConnectChange)
	after := win.readPortSC(0)

	if before != after {
		t.Fatalf("second clear changed PORTSC: %#x -> %#x", before, after)
	}
}

func TestPollBitTimeout(t *testing.T) {
	bus := newFakeBus(1)
	win := newWindow(bus)

	if win.pollBit(USBINTR, 0x1, 0x1, genericTimeout) {
		t.Fatal("expected timeout waiting for a bit nothing sets")
	}
}
