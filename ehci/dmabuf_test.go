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

func TestCoherentPoolNeverCrossesPage(t *testing.T) {
	bus := newFakeBus(1)
	pool := newCoherentPool(bus)

	var blocks []*coherentBlock

	for i := 0; i < 200; i++ {
		b, err := pool.alloc(qhSize, qhAlign)

		if err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}

		if b.busAddr/pageSize != (b.busAddr+uint32(qhSize)-1)/pageSize {
			t.Fatalf("block %d crosses a page boundary: busAddr=%#x size=%d", i, b.busAddr, qhSize)
		}

		if b.busAddr%qhAlign != 0 {
			t.Fatalf("block %d misaligned: %#x", i, b.busAddr)
		}

		blocks = append(blocks, b)
	}

	for _, b := range blocks {
		pool.free(b.busAddr)
	}
}

func TestCoherentPoolFreeReuse(t *testing.T) {
	bus := newFakeBus(1)
	pool := newCoherentPool(bus)

	b1, err := pool.alloc(qtdSize, qtdAlign)

	if err != nil {
		t.Fatal(err)
	}

	pool.free(b1.busAddr)

	b2, err := pool.alloc(qtdSize, qtdAlign)

	if err != nil {
		t.Fatal(err)
	}

	if len(pool.pages) != 1 {
		t.Fatalf("expected a freed block to be reused within one page, got %d pages", len(pool.pages))
	}

	_ = b2
}

func TestPagePointersSpan(t *testing.T) {
	ptrs, err := pagePointers(0x1000_0ff0, 0x20)

	if err != nil {
		t.Fatal(err)
	}

	if ptrs[0] != 0x1000_0ff0 {
		t.Fatalf("ptrs[0] = %#x, want first byte verbatim", ptrs[0])
	}

	if ptrs[1] != 0x1000_1000 {
		t.Fatalf("ptrs[1] = %#x, want next page boundary", ptrs[1])
	}
}

func TestPagePointersRejectsOversizeSpan(t *testing.T) {
	if _, err := pagePointers(0x1000_0fff, 5*pageSize); err == nil {
		t.Fatal("expected an error for a transfer exceeding the 5-page QTD span")
	}
}
