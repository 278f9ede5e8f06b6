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

// GetCapability implements spec.md §6 GetCapability.
func (c *Controller) GetCapability() Capability {
	return c.cap
}

// Reset implements spec.md §6 Reset: reset the hardware, then bring the
// schedule and poller back up so the controller is immediately usable
// again, matching the "Reset" operation's role as a full recovery path
// for the upstream USB bus driver (as opposed to the original's bare
// EhcResetHC, which is only ever followed by a separate EhcInitHC call
// at Start time).
func (c *Controller) Reset(kind ResetKind) error {
	token := c.pri.raise()
	defer c.pri.restore(token)

	if err := c.reset(kind); err != nil {
		return err
	}

	if err := c.init(); err != nil {
		return err
	}

	c.poll.start()

	return nil
}

// GetState implements spec.md §6 GetState.
func (c *Controller) GetState() ControllerState {
	return c.state
}

// SetState implements spec.md §6 SetState.
func (c *Controller) SetState(state ControllerState) error {
	token := c.pri.raise()
	defer c.pri.restore(token)

	switch state {
	case StateHalt:
		return c.halt()
	case StateOperational:
		return c.run()
	case StateSuspend:
		return ErrUnsupported
	default:
		return ErrInvalidParameter
	}
}

// preflight implements spec.md §4.H steps 1/3: the controller must not
// be halted or system-errored before a data-moving operation proceeds.
func (c *Controller) preflight() error {
	if c.systemError() {
		c.ackInterrupts()
		return ErrDeviceError
	}

	if c.halted() {
		return ErrDeviceError
	}

	return nil
}

// ControlTransfer implements spec.md §6 ControlTransfer / §4.H.
func (c *Controller) ControlTransfer(p endpointParams, setup []byte, dir TransferDirection, data []byte, timeout time.Duration) (int, Result, error) {
	if len(setup) != 8 {
		return 0, ResultNoError, ErrInvalidParameter
	}

	switch p.maxPacket {
	case 8, 16, 32, 64:
	default:
		return 0, ResultNoError, ErrInvalidParameter
	}

	if p.speed == SpeedLow && p.maxPacket != 8 {
		return 0, ResultNoError, ErrInvalidParameter
	}

	token := c.pri.raise()
	defer c.pri.restore(token)

	if err := c.preflight(); err != nil {
		return 0, ResultNoError, err
	}

	var mapping *transferMapping

	if len(data) > 0 {
		var err error

		mapping, err = mapTransferBuffer(c.bus, dmaDirFor(dir), data)

		if err != nil {
			return 0, ResultNoError, err
		}
	}

	u, err := buildControl(c.sch, p, setup, mapping, len(data), dir)

	if err != nil {
		mapping.unmap()
		return 0, ResultNoError, err
	}

	submit(c.sch, u)
	result, completed := poll(u, timeout)
	teardown(c.sch, u)

	c.bus.Flush()

	return completed, result, nil
}

// BulkTransfer implements spec.md §6 BulkTransfer / §4.H.
func (c *Controller) BulkTransfer(p endpointParams, dir TransferDirection, data []byte, toggle int, timeout time.Duration) (int, int, Result, error) {
	if p.speed == SpeedLow {
		return 0, toggle, ResultNoError, ErrInvalidParameter
	}

	if p.speed == SpeedFull && p.maxPacket > 64 {
		return 0, toggle, ResultNoError, ErrInvalidParameter
	}

	if p.speed == SpeedHigh && p.maxPacket > 512 {
		return 0, toggle, ResultNoError, ErrInvalidParameter
	}

	if toggle != 0 && toggle != 1 {
		return 0, toggle, ResultNoError, ErrInvalidParameter
	}

	token := c.pri.raise()
	defer c.pri.restore(token)

	if err := c.preflight(); err != nil {
		return 0, toggle, ResultNoError, err
	}

	mapping, err := mapTransferBuffer(c.bus, dmaDirFor(dir), data)

	if err != nil {
		return 0, toggle, ResultNoError, err
	}

	u, err := buildBulk(c.sch, p, mapping, len(data), dir, toggle)

	if err != nil {
		mapping.unmap()
		return 0, toggle, ResultNoError, err
	}

	submit(c.sch, u)
	result, completed := poll(u, timeout)
	teardown(c.sch, u)

	c.bus.Flush()

	return completed, u.toggle, result, nil
}

// SyncInterruptTransfer implements spec.md §6 SyncInterruptTransfer / §4.H.
func (c *Controller) SyncInterruptTransfer(p endpointParams, dir TransferDirection, data []byte, toggle int, timeout time.Duration) (int, int, Result, error) {
	if err := validateInterruptMaxPacket(p); err != nil {
		return 0, toggle, ResultNoError, err
	}

	if toggle != 0 && toggle != 1 {
		return 0, toggle, ResultNoError, ErrInvalidParameter
	}

	token := c.pri.raise()
	defer c.pri.restore(token)

	if err := c.preflight(); err != nil {
		return 0, toggle, ResultNoError, err
	}

	mapping, err := mapTransferBuffer(c.bus, dmaDirFor(dir), data)

	if err != nil {
		return 0, toggle, ResultNoError, err
	}

	u, err := buildInterrupt(c.sch, p, mapping, len(data), dir, toggle, 1, false)

	if err != nil {
		mapping.unmap()
		return 0, toggle, ResultNoError, err
	}

	submit(c.sch, u)
	result, completed := poll(u, timeout)
	teardown(c.sch, u)

	c.bus.Flush()

	return completed, u.toggle, result, nil
}

// AsyncInterruptTransfer implements spec.md §6 AsyncInterruptTransfer /
// §4.E's async-interrupt poller and §5's cancellation semantics. Per
// §4.H, async interrupt transfers are IN-only; dir is rejected otherwise.
func (c *Controller) AsyncInterruptTransfer(p endpointParams, dir TransferDirection, isNew bool, toggle int, intervalMS int, length int, callback func([]byte, int, Result), existing *AsyncHandle) (*AsyncHandle, error) {
	if isNew {
		if dir != In {
			return nil, ErrInvalidParameter
		}

		if intervalMS < 1 || intervalMS > 255 {
			return nil, ErrInvalidParameter
		}

		token := c.pri.raise()
		defer c.pri.restore(token)

		if err := c.preflight(); err != nil {
			return nil, err
		}

		buf := make([]byte, length)
		mapping, err := mapTransferBuffer(c.bus, DirIn, buf)

		if err != nil {
			return nil, err
		}

		u, err := buildInterrupt(c.sch, p, mapping, length, dir, toggle, intervalMS, true)

		if err != nil {
			mapping.unmap()
			return nil, err
		}

		u.callback = callback
		u.buf = buf

		submit(c.sch, u)
		c.poll.add(u)

		c.bus.Flush()

		return &AsyncHandle{u: u}, nil
	}

	if existing == nil {
		return nil, ErrInvalidParameter
	}

	token := c.pri.raise()
	defer c.pri.restore(token)

	c.poll.remove(existing.u)
	existing.u.qh.refresh()
	finalToggle := existing.u.qh.overlay.dataToggle

	teardown(c.sch, existing.u)
	c.bus.Flush()

	return &AsyncHandle{toggle: finalToggle}, nil
}

// AsyncHandle identifies a live async-interrupt URB to the caller,
// returned by AsyncInterruptTransfer and passed back in to cancel it.
type AsyncHandle struct {
	u      *urb
	toggle int
}

// Toggle reports the data toggle a cancelled async-interrupt transfer
// would have used next, per spec.md §8 invariant 8.
func (h *AsyncHandle) Toggle() int {
	return h.toggle
}

// IsochronousTransfer and AsyncIsochronousTransfer are unimplemented, per
// spec.md Non-goals and §6.
func (c *Controller) IsochronousTransfer() error      { return ErrUnsupported }
func (c *Controller) AsyncIsochronousTransfer() error { return ErrUnsupported }

func validateInterruptMaxPacket(p endpointParams) error {
	switch p.speed {
	case SpeedHigh:
		if p.maxPacket > 3072 {
			return ErrInvalidParameter
		}
	case SpeedFull:
		if p.maxPacket > 64 {
			return ErrInvalidParameter
		}
	case SpeedLow:
		if p.maxPacket != 8 {
			return ErrInvalidParameter
		}
	}

	return nil
}

func dmaDirFor(dir TransferDirection) Direction {
	if dir == In {
		return DirIn
	}

	return DirOut
}
