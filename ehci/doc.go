// EHCI host controller driver
// https://github.com/usbarmory/ehci-hcd
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package ehci implements a host-controller driver for USB 2.0 Enhanced
// Host Controller Interface (EHCI) controllers, adopting the following
// reference specification:
//   - EHCI - Enhanced Host Controller Interface Specification for
//     Universal Serial Bus, revision 1.0, Intel Corporation
//
// The package exposes a uniform host-controller service (GetCapability,
// Reset, GetState/SetState, root-hub port operations, control/bulk/
// interrupt transfers) to an upstream USB bus driver, in the same spirit
// as the device-mode controllers found under soc/nxp/usb and
// soc/imx6/usb: a single long-lived instance bound to a register window
// at construction time, with every operation validating its inputs before
// touching hardware.
//
// Bus enumeration, PCI configuration-space access, MMIO mapping and
// bus-master DMA mapping are provided by an injected Bus implementation
// (see bus.go) rather than performed directly: this driver only ever
// speaks to the PCI/MMIO world through that interface, the same way
// kvm/virtio's PCI transport speaks to soc/intel/pci.Device rather than
// poking config space registers of its own accord.
//
// Isochronous transfers, split-transaction scheduling beyond a
// translator's address/port fields, 64-bit data structures and
// controller suspend/resume are not supported.
package ehci
