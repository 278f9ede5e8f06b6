// EHCI host controller driver
// https://github.com/usbarmory/ehci-hcd
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ehci

// qhSize/qhAlign match p29 3.6 Queue Head, EHCI 1.0: 48 bytes of defined
// fields rounded up to a 64-byte aligned allocation so that an overlay
// update never straddles a cache line shared with another QH.
const (
	qhSize  = 64
	qhAlign = 64
)

// qhLink is a horizontal link pointer: either the ring/frame-list
// terminator or a reference to another QH. Only QH targets are modeled
// (isochronous transfers, and therefore iTD/siTD/FSTN link types, are out
// of scope per spec.md Non-goals).
type qhLink struct {
	terminate bool
	addr      uint32
}

func qhTerminated() qhLink { return qhLink{terminate: true} }

func (l qhLink) raw() uint32 {
	if l.terminate {
		return 1
	}

	// Typ = 01 (QH) in bits 2:1.
	return (l.addr &^ 0x1f) | (1 << 1)
}

// endpointCharacteristics groups the fields spec.md §3 calls "endpoint
// characteristics" (static per-endpoint routing information written once
// at QH construction and never touched by hardware).
type endpointCharacteristics struct {
	deviceAddress uint8
	endpoint      uint8
	speed         Speed
	maxPacket     uint16
	dataToggleCtl bool
	headOfList    bool
}

// endpointCapabilities groups the fields spec.md §3 calls "endpoint
// capabilities": periodic scheduling hints and the transaction
// translator routing for a full/low-speed device behind a high-speed
// hub.
type endpointCapabilities struct {
	sMask      uint8
	cMask      uint8
	multiplier uint8
	translator Translator
}

// overlay is the controller-owned per-transaction state embedded in a
// QH, p31 3.6 "the hardware maintains this overlay area as if it were
// the result of a qTD fetch". Software must not touch it while the QH is
// live in the schedule (spec.md §3 invariant).
type overlay struct {
	next       qtdLink
	alt        qtdLink
	active     bool
	halted     bool
	status     uint8
	pid        PID
	errCounter uint8
	dataToggle int
	bytes      int
}

// qh is the in-memory representation of a Queue Head (component C,
// spec.md §3/§4.C), grounded on soc/nxp/usb/endpoint.go's dQH but
// generalized from a flat per-endpoint queue head to EHCI's
// horizontally-linked ring element with an embedded transfer overlay.
type qh struct {
	busAddr uint32

	endpointCharacteristics
	endpointCapabilities

	horizontal qhLink
	overlay    overlay

	// chain is the ordered list of QTDs currently attached to this QH,
	// used for teardown and for summing completed bytes.
	chain []*qtd

	// linked is set while the QH is linked into either schedule.
	linked bool

	// periodic-only bookkeeping: the frame-list bucket this QH is
	// anchored in.
	bucket int

	// mem is the live view of this QH's hardware layout inside a
	// coherentPool page, set once at allocation time.
	mem []byte
}

// sync marshals the QH's current fields into DMA-visible memory.
func (h *qh) sync() {
	if h.mem != nil {
		h.encode(h.mem)
	}
}

// refresh reloads the QH's overlay fields from DMA-visible memory.
func (h *qh) refresh() {
	if h.mem != nil {
		h.decode(h.mem)
	}
}

// makeQH initializes a QH for the given endpoint, per spec.md §4.C's
// make_qh(endpoint_ctx). Control endpoints set DTC=1 so that the
// data-toggle is taken from each QTD rather than the QH's own cached
// toggle, matching the original EhciDxe's EhcCreateQh.
func makeQH(ec endpointCharacteristics, cap endpointCapabilities) *qh {
	ec.dataToggleCtl = ec.speed != SpeedHigh || ec.endpoint == 0 || ec.dataToggleCtl

	return &qh{
		endpointCharacteristics: ec,
		endpointCapabilities:    cap,
		horizontal:              qhTerminated(),
		overlay: overlay{
			next: terminated(),
			alt:  terminated(),
		},
	}
}

// makeAsyncHead builds the sentinel QH anchoring the asynchronous
// schedule with the H-bit set, per spec.md §3/§4.D. Its horizontal link
// starts terminated; the caller links it to itself with linkToSelf once
// its bus address is known.
func makeAsyncHead() *qh {
	h := makeQH(endpointCharacteristics{headOfList: true}, endpointCapabilities{})
	h.overlay.halted = true
	return h
}

// linkToSelf sets the head QH's horizontal pointer to its own bus
// address, establishing the non-empty-ring invariant spec.md §3
// requires before any client QH is linked.
func (h *qh) linkToSelf() {
	h.horizontal = qhLink{addr: h.busAddr}
}

// encode marshals the QH into its 48-byte-defined, 64-byte-allocated
// hardware layout (p29 3.6, EHCI 1.0), writing the endpoint
// characteristics/capabilities words and the transfer overlay into
// DMA-visible memory.
func (h *qh) encode(buf []byte) {
	putLE32(buf[0:4], h.horizontal.raw())

	w1 := uint32(h.deviceAddress) & 0x7f
	w1 |= uint32(h.endpoint&0xf) << 8
	w1 |= uint32(h.maxPacket&0x7ff) << 16

	if h.dataToggleCtl {
		w1 |= 1 << 14
	}

	if h.headOfList {
		w1 |= 1 << 15
	}

	if h.speed == SpeedHigh {
		w1 |= 0b10 << 12
	} else if h.speed == SpeedFull {
		w1 |= 0b00 << 12
	} else {
		w1 |= 0b01 << 12
	}

	putLE32(buf[4:8], w1)

	w2 := uint32(h.sMask)
	w2 |= uint32(h.cMask) << 8
	w2 |= uint32(h.translator.HubAddress&0x7f) << 16
	w2 |= uint32(h.translator.HubPort&0x7f) << 23
	w2 |= uint32(h.multiplier&0x3) << 30

	putLE32(buf[8:12], w2)

	putLE32(buf[12:16], h.overlay.next.raw())
	putLE32(buf[16:20], h.overlay.alt.raw())

	token := uint32(h.overlay.bytes&0x7fff) << 16
	token |= uint32(h.overlay.dataToggle&1) << 31
	token |= uint32(h.overlay.pid) << 8
	token |= uint32(h.overlay.status)

	if h.overlay.active {
		token |= qtdStatusActive
	}

	if h.overlay.halted {
		token |= qtdStatusHalted
	}

	putLE32(buf[20:24], token)
}

// decode refreshes the QH's software-side overlay fields from its
// hardware layout, used when polling a URB for completion.
func (h *qh) decode(buf []byte) {
	token := getLE32(buf[20:24])

	h.overlay.status = uint8(token)
	h.overlay.active = token&qtdStatusActive != 0
	h.overlay.halted = token&qtdStatusHalted != 0
	h.overlay.errCounter = uint8((token >> 10) & 0x3)
	h.overlay.bytes = int((token >> 16) & 0x7fff)
	h.overlay.dataToggle = int((token >> 31) & 1)
}
