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

// Timeouts mirror the named constants in the original EhciDxe driver
// (EHC_GENERIC_TIMEOUT, EHC_RESET_TIMEOUT, EHC_POLL_DELAY): bounded waits
// for register bits that hardware is expected to flip within a short,
// well-known interval.
const (
	genericTimeout = 10 * time.Millisecond
	resetTimeout   = 1 * time.Second
	iaadTimeout    = 100 * time.Millisecond
	unlinkFrame    = 2 * time.Millisecond // "one full frame" with margin

	// defaultInternalTimeout bounds an internal wait when a caller asks
	// for timeout == 0, per spec.md §9 Open Questions: "a sensible
	// internal bound", not infinite.
	defaultInternalTimeout = 5 * time.Second
)
