// EHCI host controller driver
// https://github.com/usbarmory/ehci-hcd
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ehci

import "time"

// completeQTD simulates the controller finishing execution of t: it
// writes the post-execution token directly into t's DMA-visible memory
// (the same bytes a real controller would update) so that refresh()
// observes it exactly as it would on real hardware.
func completeQTD(t *qtd, remaining int, status uint8) {
	t.totalBytes = remaining
	t.status = status
	t.active = status&qtdStatusActive != 0
	t.sync()
}

// completeChain marks every QTD in a chain as successfully finished with
// zero bytes remaining, the common case for tests that only care about
// schedule/URB bookkeeping rather than partial-transfer accounting.
func completeChain(chain []*qtd) {
	for _, t := range chain {
		completeQTD(t, 0, 0)
	}
}

// runCompleter simulates the controller processing an URB's chain
// asynchronously: it marks the chain complete after a short delay on its
// own goroutine, so callers can exercise poll()'s busy-wait path instead
// of observing an already-finished chain.
func runCompleter(chain []*qtd, after time.Duration) {
	go func() {
		time.Sleep(after)
		completeChain(chain)
	}()
}
