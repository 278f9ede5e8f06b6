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

// Capability is the fixed information discovered from the capability
// registers at Start, per spec.md §6 GetCapability.
type Capability struct {
	MaxSpeed   Speed
	PortCount  int
	Is64Bit    bool
	HCIVersion uint16
}

// Controller is the long-lived EHCI host-controller instance (spec.md
// §3 "Host-controller instance"): it owns the bus handle, the register
// window, the coherent-memory pool, the schedule and the async-interrupt
// poller. Created by Start, destroyed by Stop.
//
// Grounded on soc/nxp/usb's single-controller-struct-per-device shape
// (device.go's Device type), generalized to EHCI's richer capability
// discovery, priority discipline and two independent schedules.
type Controller struct {
	bus  Bus
	win  *window
	pool *coherentPool
	sch  *scheduler
	pri  *priorityLevel
	poll *asyncPoller

	cap   Capability
	state ControllerState

	savedAttrs uint64
}

// Start implements the lifecycle binding of spec.md §6: save attributes,
// enable the device, allocate the instance, reset, init, arm the
// async-interrupt poller. It does not check the PCI class code; bus is
// taken to be an EHCI function as given.
func Start(bus Bus) (*Controller, error) {
	attrs, err := bus.Attributes(AttrGet, 0)

	if err != nil {
		return nil, ErrDeviceError
	}

	if _, err := bus.Attributes(AttrEnable, attrBusMaster|attrMemory); err != nil {
		return nil, ErrDeviceError
	}

	win := newWindow(bus)

	c := &Controller{
		bus:        bus,
		win:        win,
		pool:       newCoherentPool(bus),
		pri:        newPriorityLevel(),
		savedAttrs: attrs,
		state:      StateHalt,
	}

	c.sch = newScheduler(win, c.pool)
	c.poll = newAsyncPoller(c.sch, c.pri)

	c.cap = Capability{
		MaxSpeed:   SpeedHigh,
		PortCount:  int(win.readCap(HCSPARAMS) & hcspNPorts),
		Is64Bit:    win.readCap(HCCPARAMS)&hccp64Bit != 0,
		HCIVersion: uint16(win.readCap(HCIVERSION)),
	}

	if c.cap.PortCount == 0 {
		return nil, ErrDeviceError
	}

	c.handoffLegacy()

	if err := c.reset(ResetHostController); err != nil {
		return nil, err
	}

	if err := c.init(); err != nil {
		return nil, err
	}

	c.poll.start()

	return c, nil
}

// Stop implements spec.md §6's Stop binding: cancel the poller, halt,
// free the schedule, restore the saved bus attributes.
func (c *Controller) Stop() error {
	c.poll.stopPoller()

	if err := c.halt(); err != nil {
		return err
	}

	c.pool.release()

	if _, err := c.bus.Attributes(AttrSet, c.savedAttrs); err != nil {
		return ErrDeviceError
	}

	return nil
}

// ExitBootService implements spec.md §6's exit-boot-service binding: it
// halts the controller so the OS handoff sees a quiesced device,
// independent of Stop (no resources are freed).
func (c *Controller) ExitBootService() {
	c.halt()
}

// attrBusMaster/attrMemory mirror EFI_PCI_IO_ATTRIBUTE_BUS_MASTER /
// EFI_PCI_IO_ATTRIBUTE_MEMORY, the two attributes EhcDriverBindingStart
// enables before touching the device.
const (
	attrBusMaster uint64 = 1 << 2
	attrMemory    uint64 = 1 << 4
)

// handoffLegacy walks the HCCPARAMS extended-capabilities chain looking
// for the USB Legacy Support capability (id 1) and, if present, claims OS
// ownership from any resident BIOS/SMM driver, per SPEC_FULL.md's
// supplemented legacy-handoff feature.
func (c *Controller) handoffLegacy() {
	eecp := (c.win.readCap(HCCPARAMS) & hccpEECP) >> hccpEECPOf

	if eecp < 0x40 {
		return
	}

	const (
		legSupID        = 1
		legSupBIOSOwned = 1 << 16
		legSupOSOwned   = 1 << 24
	)

	for off := eecp; off != 0 && off >= 0x40; {
		cap := c.bus.ReadConfig(off)
		id := cap & 0xff

		if id == legSupID {
			c.bus.WriteConfig(off, cap|legSupOSOwned)

			deadline := time.Now().Add(resetTimeout)

			for c.bus.ReadConfig(off)&legSupBIOSOwned != 0 {
				if time.Now().After(deadline) {
					// Force the handoff: clear the BIOS-owned bit
					// directly, matching the original's timeout
					// fallback.
					c.bus.WriteConfig(off, c.bus.ReadConfig(off)&^legSupBIOSOwned)
					break
				}
			}

			return
		}

		off = (cap >> 8) & 0xff
	}
}

// reset implements spec.md §4.F reset(kind).
func (c *Controller) reset(kind ResetKind) error {
	switch kind {
	case ResetGlobalDebug, ResetHostControllerDebug:
		return ErrUnsupported
	case ResetGlobal, ResetHostController:
	default:
		return ErrInvalidParameter
	}

	if c.state != StateHalt {
		if err := c.halt(); err != nil {
			return err
		}
	}

	c.poll.stopPoller()
	c.win.writeOp(USBSTS, c.win.readOp(USBSTS))

	c.win.setBit(USBCMD, cmdHCReset)

	if !c.win.pollBit(USBCMD, cmdHCReset, 0, resetTimeout) {
		return ErrTimeout
	}

	c.pool.release()
	c.sch = newScheduler(c.win, c.pool)
	c.poll = newAsyncPoller(c.sch, c.pri)
	c.state = StateHalt

	return nil
}

// init implements spec.md §4.F init: allocate the schedule, program the
// base registers, enable both schedules and run.
func (c *Controller) init() error {
	if err := c.sch.init(); err != nil {
		return err
	}

	c.win.writeOp(CTRLDSSEGMENT, 0)
	c.win.writeOp(PERIODICLISTBASE, c.sch.frameListAddr)
	c.win.writeOp(ASYNCLISTADDR, c.sch.asyncHead.busAddr)
	c.win.writeOp(FRINDEX, 0)
	c.win.writeOp(USBINTR, 0)

	const itcDefault = 8 // micro-frames, fixed per SPEC_FULL.md

	cmd := uint32(cmdPSE | cmdASE | cmdRun)
	cmd |= itcDefault << cmdITCShift
	c.win.writeOp(USBCMD, cmd)

	c.win.writeOp(CONFIGFLAG, 1)

	if !c.win.pollBit(USBSTS, stsHalted, 0, genericTimeout) {
		return ErrTimeout
	}

	c.state = StateOperational

	return nil
}

// halt implements spec.md §4.F halt.
func (c *Controller) halt() error {
	c.win.clearBit(USBCMD, cmdRun)

	if !c.win.pollBit(USBSTS, stsHalted, stsHalted, genericTimeout) {
		return ErrTimeout
	}

	c.state = StateHalt

	return nil
}

// run implements spec.md §4.F run.
func (c *Controller) run() error {
	c.win.setBit(USBCMD, cmdRun)

	if !c.win.pollBit(USBSTS, stsHalted, 0, genericTimeout) {
		return ErrTimeout
	}

	c.state = StateOperational

	return nil
}

// ackInterrupts clears every pending status bit, per spec.md §7
// "Controller errors ack the interrupt bits".
func (c *Controller) ackInterrupts() {
	c.win.writeOp(USBSTS, c.win.readOp(USBSTS))
}

// systemError reports whether the controller has latched a fatal host
// system error, per spec.md §4.H step 3.
func (c *Controller) systemError() bool {
	return c.win.readOp(USBSTS)&stsHSE != 0
}

func (c *Controller) halted() bool {
	return c.state == StateHalt
}
