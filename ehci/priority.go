// EHCI host controller driver
// https://github.com/usbarmory/ehci-hcd
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ehci

import "sync"

// priorityLevel models the firmware task-priority-level discipline of
// spec.md §5: every public operation raises to the controller's
// designated priority before touching the schedule, and the
// async-interrupt poller runs at a strictly lower "callback" priority,
// so the two are mutually exclusive. There is no real priority-level
// primitive available outside firmware, so this is grounded on the
// teacher's hw.Lock()/defer hw.Unlock() idiom (soc/nxp/usb/bus.go),
// generalized from an unconditional mutex into a raise/restore pair that
// mirrors the original's RaiseTPL/RestoreTPL call shape.
type priorityLevel struct {
	mu sync.Mutex
}

// priorityToken is returned by raise and consumed by restore, mirroring
// EFI_TPL's "opaque token" shape even though there is only one level to
// restore to here.
type priorityToken struct{}

func newPriorityLevel() *priorityLevel {
	return &priorityLevel{}
}

// raise elevates to EHC priority, serializing against both concurrent
// public operations and the async-interrupt poller.
func (p *priorityLevel) raise() priorityToken {
	p.mu.Lock()
	return priorityToken{}
}

// restore drops back to the caller's original priority.
func (p *priorityLevel) restore(priorityToken) {
	p.mu.Unlock()
}
