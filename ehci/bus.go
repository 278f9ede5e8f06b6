// EHCI host controller driver
// https://github.com/usbarmory/ehci-hcd
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ehci

// Direction describes the transfer direction of a bus-master DMA mapping.
type Direction int

const (
	// DirOut is a host-to-device mapping (driver writes, device reads).
	DirOut Direction = iota
	// DirIn is a device-to-host mapping (device writes, driver reads).
	DirIn
	// DirBidirectional is a mapping the device may both read and write.
	// The transfer builders do not use it: setup packets are mapped
	// DirOut.
	DirBidirectional
)

// AttributeOp selects the operation performed by Bus.Attributes, mirroring
// the EFI_PCI_IO_PROTOCOL_ATTRIBUTE_OPERATION semantics the original
// EhciDxe driver relies on to enable the device and query/restore its
// saved attributes.
type AttributeOp int

const (
	AttrGet AttributeOp = iota
	AttrSet
	AttrEnable
	AttrDisable
	AttrSupported
)

// Mapping identifies a live bus-master DMA mapping created by
// Bus.MapDMA. It carries enough information for the descriptor builders
// to split a transfer across page-pointer slots without reaching back
// into the Bus implementation.
type Mapping struct {
	// Handle is an opaque token passed back to Bus.Unmap.
	Handle uintptr
	// BusAddr is the device-visible address of the mapped region.
	BusAddr uint32
	// Length is the mapped length in bytes.
	Length int
	// Direction is the mapping direction requested at MapDMA time.
	Direction Direction
}

// Bus is the external collaborator that owns PCI configuration-space and
// MMIO access, bus-master DMA mapping and coherent memory allocation for
// this driver. It stands in for the firmware's PCI I/O protocol and is
// never implemented by this package: production code wires it to the
// platform's PCI services, test code wires it to an in-memory fake (see
// bus_fake_test.go).
//
// The interface intentionally mirrors soc/intel/pci.Device's Read/Write
// config-space methods plus the coherent/bus-master allocation calls
// spec.md assigns to the "BUS interface" external collaborator, rather
// than exposing raw register pointers the way soc/nxp/usb's reg package
// does for on-SoC, non-PCI peripherals.
type Bus interface {
	// ReadConfig reads a 32-bit PCI configuration-space register.
	ReadConfig(offset uint32) uint32
	// WriteConfig writes a 32-bit PCI configuration-space register.
	WriteConfig(offset uint32, val uint32)

	// Attributes gets, sets, enables, disables or queries supported
	// device attributes (bus-master DMA, MMIO decode, I/O decode).
	Attributes(op AttributeOp, mask uint64) (uint64, error)

	// MemRead32 reads a 32-bit operational/capability register from the
	// MMIO BAR at the given byte offset.
	MemRead32(offset uint32) uint32
	// MemWrite32 writes a 32-bit operational/capability register at the
	// given byte offset.
	MemWrite32(offset uint32, val uint32)

	// AllocateCoherent allocates controller-visible coherent memory
	// sized in 4 KiB pages, returning both a host-addressable view and
	// its bus address. Used for QHs, QTDs and the periodic frame list.
	AllocateCoherent(pages int) (host []byte, busAddr uint32, err error)
	// FreeCoherent releases memory previously returned by
	// AllocateCoherent.
	FreeCoherent(host []byte)

	// MapDMA maps a client buffer for bus-master DMA in the given
	// direction, bouncing through an internal buffer when the host
	// buffer cannot be addressed directly by the device.
	MapDMA(dir Direction, host []byte) (Mapping, error)
	// Unmap releases a mapping created by MapDMA, copying back any
	// bounce buffer contents for DirIn/DirBidirectional mappings.
	Unmap(m Mapping) error

	// Flush orders all outstanding bus-master writes ahead of the
	// register writes that follow it, the bus-facing equivalent of a
	// write barrier.
	Flush()
}
