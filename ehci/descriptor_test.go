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

func TestMakeQHControlSetsDataToggleControl(t *testing.T) {
	q := makeQH(endpointCharacteristics{deviceAddress: 1, endpoint: 0, speed: SpeedHigh, maxPacket: 64}, endpointCapabilities{})

	if !q.dataToggleCtl {
		t.Fatal("control endpoint (ep 0) must set DTC=1")
	}

	if q.horizontal != qhTerminated() {
		t.Fatal("fresh QH must start with a terminated horizontal link")
	}
}

func TestMakeAsyncHeadIsHeadOfList(t *testing.T) {
	h := makeAsyncHead()

	if !h.headOfList {
		t.Fatal("async head must have H-bit set")
	}

	if !h.overlay.halted {
		t.Fatal("async head overlay starts halted/inactive")
	}
}

func TestAsyncHeadLinkToSelf(t *testing.T) {
	h := makeAsyncHead()
	h.busAddr = 0x1000

	h.linkToSelf()

	if h.horizontal.terminate || h.horizontal.addr != 0x1000 {
		t.Fatalf("expected self-link, got %+v", h.horizontal)
	}
}

func TestAppendQTDChain(t *testing.T) {
	a, _ := makeQTD(PIDOut, 0, 0x2000, 64, false)
	b, _ := makeQTD(PIDOut, 1, 0x3000, 64, true)

	a.busAddr = 0x2000
	b.busAddr = 0x3000

	appendQTD(a, b)

	if a.next.terminate || a.next.addr != 0x3000 {
		t.Fatalf("expected a.next to target b, got %+v", a.next)
	}
}

func TestQTDCompletedBytes(t *testing.T) {
	q, err := makeQTD(PIDIn, 0, 0x4000, 512, true)

	if err != nil {
		t.Fatal(err)
	}

	q.totalBytes = 128 // 384 bytes were moved, 128 remain

	if got := q.completed(); got != 384 {
		t.Fatalf("completed() = %d, want 384", got)
	}
}

func TestQTDResultPriority(t *testing.T) {
	q, _ := makeQTD(PIDIn, 0, 0x4000, 8, true)
	q.status = qtdStatusHalted | qtdStatusTransErr

	if got := q.result(); got != ResultTransactionError {
		t.Fatalf("result() = %v, want TransactionError to take priority over Stall", got)
	}
}

func TestQHEncodeDecodeRoundTrip(t *testing.T) {
	q := makeQH(endpointCharacteristics{deviceAddress: 5, endpoint: 2, speed: SpeedFull, maxPacket: 64}, endpointCapabilities{sMask: 0x01})
	q.overlay.bytes = 37
	q.overlay.dataToggle = 1
	q.overlay.active = true

	buf := make([]byte, qhSize)
	q.encode(buf)

	var decoded qh
	decoded.decode(buf)

	if decoded.overlay.bytes != 37 || decoded.overlay.dataToggle != 1 || !decoded.overlay.active {
		t.Fatalf("decoded overlay mismatch: %+v", decoded.overlay)
	}
}
