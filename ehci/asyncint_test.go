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
	"testing"
	"time"
)

// TestAsyncInterruptCallbackAndCancel covers scenario S4: an async
// interrupt IN transfer on addr 1 ep 0x81, interval 8 ms, 8 bytes,
// starting toggle 0. The poller's tick is driven directly rather than
// waiting on its real 50 ms timer, keeping the test deterministic.
func TestAsyncInterruptCallbackAndCancel(t *testing.T) {
	c, _ := startTestController(t, 4)

	// Stop the background poller goroutine so the test can drive ticks
	// by hand without a race against it.
	c.poll.stopPoller()

	called := make(chan Result, 1)

	p := endpointParams{device: 1, endpoint: 1, speed: SpeedHigh, maxPacket: 8}

	handle, err := c.AsyncInterruptTransfer(p, In, true, 0, 8, 8, func(data []byte, completed int, result Result) {
		called <- result
	}, nil)

	if err != nil {
		t.Fatalf("AsyncInterruptTransfer(new): %v", err)
	}

	if len(c.pool.used) == 0 {
		t.Fatal("expected descriptors allocated for the new async-interrupt URB")
	}

	completeChain(handle.u.chain)
	c.poll.tick()

	select {
	case result := <-called:
		if result != ResultNoError {
			t.Fatalf("callback result = %v, want NoError", result)
		}
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}

	if !handle.u.linked {
		t.Fatal("URB should have been reactivated and remain linked after a clean completion")
	}

	cancelled, err := c.AsyncInterruptTransfer(p, In, false, 0, 0, 0, nil, handle)

	if err != nil {
		t.Fatalf("AsyncInterruptTransfer(cancel): %v", err)
	}

	if cancelled.Toggle() != 0 && cancelled.Toggle() != 1 {
		t.Fatalf("cancel toggle = %d, want 0 or 1", cancelled.Toggle())
	}

	if handle.u.linked {
		t.Fatal("URB should be unlinked after cancel")
	}
}

// TestAsyncInterruptTwoConsecutiveErrorsDeactivates covers the §4.E
// retry policy: after two consecutive errors the URB is removed from the
// poller's list rather than retried indefinitely.
func TestAsyncInterruptTwoConsecutiveErrorsDeactivates(t *testing.T) {
	c, _ := startTestController(t, 4)
	c.poll.stopPoller()

	p := endpointParams{device: 1, endpoint: 1, speed: SpeedHigh, maxPacket: 8}

	handle, err := c.AsyncInterruptTransfer(p, In, true, 0, 8, 8, func([]byte, int, Result) {}, nil)

	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < maxConsecutiveErrors; i++ {
		for _, qt := range handle.u.chain {
			completeQTD(qt, 0, qtdStatusHalted)
		}

		c.poll.tick()
	}

	c.poll.mu.Lock()
	_, stillTracked := c.poll.urbs[handle.u]
	c.poll.mu.Unlock()

	if stillTracked {
		t.Fatal("expected the URB to be dropped from the poller after repeated errors")
	}
}

// TestAsyncInterruptRejectsNonIn covers spec.md §4.H: async interrupt
// transfers are IN-only.
func TestAsyncInterruptRejectsNonIn(t *testing.T) {
	c, _ := startTestController(t, 4)
	c.poll.stopPoller()

	p := endpointParams{device: 1, endpoint: 1, speed: SpeedHigh, maxPacket: 8}

	_, err := c.AsyncInterruptTransfer(p, Out, true, 0, 8, 8, func([]byte, int, Result) {}, nil)

	if err != ErrInvalidParameter {
		t.Fatalf("AsyncInterruptTransfer(Out) err = %v, want ErrInvalidParameter", err)
	}
}
