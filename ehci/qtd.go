// EHCI host controller driver
// https://github.com/usbarmory/ehci-hcd
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ehci

// qtdSize/qtdAlign match the EHCI hardware layout, p32 3.5 Queue Element
// Transfer Descriptor (qTD), EHCI 1.0: 32 bytes, 32-byte aligned.
const (
	qtdSize  = 32
	qtdAlign = 32

	// maxQTDSpan is the span of a single QTD's five 4 KiB page pointers.
	// The usable length is this less the start address's offset within
	// its first page, which splitBuffer and pagePointers subtract.
	maxQTDSpan = 5 * pageSize
)

// qtdStatus bits, p33 Table 3-14, EHCI 1.0.
const (
	qtdStatusActive    = 1 << 7
	qtdStatusHalted    = 1 << 6
	qtdStatusBuffErr   = 1 << 5
	qtdStatusBabble    = 1 << 4
	qtdStatusTransErr  = 1 << 3
	qtdStatusMissedMF  = 1 << 2
	qtdStatusErrorMask = qtdStatusHalted | qtdStatusBuffErr | qtdStatusBabble | qtdStatusTransErr
)

// qtdLink is a next/alternate-next pointer for a QTD, terminate=true
// meaning the T-bit is set and addr must be ignored.
type qtdLink struct {
	terminate bool
	addr      uint32
}

func terminated() qtdLink { return qtdLink{terminate: true} }

func (l qtdLink) raw() uint32 {
	if l.terminate {
		return 1
	}

	return l.addr &^ 0x1f
}

// qtd is the in-memory, hardware-shaped representation of a Queue
// Element Transfer Descriptor (component C, spec.md §3/§4.C), generalized
// from soc/nxp/usb/endpoint.go's dTD: same "up to five buffer pages,
// token carries status/PID/error-counter/bytes-remaining" shape, widened
// from the i.MX dQH/dTD layout to EHCI's QH+QTD overlay split.
type qtd struct {
	busAddr uint32

	next qtdLink
	alt  qtdLink

	pid          PID
	dataToggle   int
	totalBytes   int
	initialBytes int
	ioc          bool
	active       bool
	status       uint8
	errorCounter uint8

	pages [5]uint32

	mapping *transferMapping

	// mem is the live view of this QTD's hardware layout inside a
	// coherentPool page, set once at allocation time.
	mem []byte
}

// sync marshals the QTD's current fields into DMA-visible memory.
func (q *qtd) sync() {
	if q.mem != nil {
		q.encode(q.mem)
	}
}

// refresh reloads the QTD's status/byte-count fields from DMA-visible
// memory.
func (q *qtd) refresh() {
	if q.mem != nil {
		q.decode(q.mem)
	}
}

// makeQTD fills a qtd's token and page pointers, per spec.md §4.C's
// make_qtd(pid, data_toggle, bus_addr, len, ioc). next/alt pointers start
// terminated; append_qtd patches them.
func makeQTD(pid PID, dataToggle int, busAddr uint32, length int, ioc bool) (*qtd, error) {
	pages, err := pagePointers(busAddr, length)

	if err != nil {
		return nil, err
	}

	return &qtd{
		next:         terminated(),
		alt:          terminated(),
		pid:          pid,
		dataToggle:   dataToggle,
		totalBytes:   length,
		initialBytes: length,
		ioc:          ioc,
		active:       true,
		pages:        pages,
	}, nil
}

// appendQTD links tail's next pointer to new, clearing tail's terminator
// bit, per spec.md §4.C's append_qtd(chain_tail, new).
func appendQTD(tail *qtd, next *qtd) {
	tail.next = qtdLink{addr: next.busAddr}
}

// remaining returns the bytes left undelivered, i.e. totalBytes as
// reported by the (simulated) hardware overlay after execution.
func (q *qtd) remaining() int {
	return q.totalBytes
}

// completed returns bytes actually moved for this QTD, per spec.md §8
// invariant 3.
func (q *qtd) completed() int {
	return q.initialBytes - q.totalBytes
}

// encode marshals the QTD into its 32-byte hardware layout, p32 Table
// 3-12, EHCI 1.0, writing it into DMA-visible memory so the controller
// (real or simulated) can fetch it.
func (q *qtd) encode(buf []byte) {
	putLE32(buf[0:4], q.next.raw())
	putLE32(buf[4:8], q.alt.raw())

	token := uint32(q.totalBytes&0x7fff) << 16
	token |= uint32(q.dataToggle&1) << 31
	token |= uint32(q.pid) << 8

	status := q.status &^ qtdStatusActive

	if q.active {
		status |= qtdStatusActive
	}

	token |= uint32(status)

	if q.ioc {
		token |= 1 << 15
	}

	putLE32(buf[8:12], token)

	for i, p := range q.pages {
		off := 12 + i*4
		v := p &^ 0xfff

		if i == 0 {
			v = p
		}

		putLE32(buf[off:off+4], v)
	}
}

// decode refreshes the QTD's software-side status/byte-count fields from
// its hardware layout after the controller has processed it.
func (q *qtd) decode(buf []byte) {
	token := getLE32(buf[8:12])

	q.status = uint8(token)
	q.active = token&qtdStatusActive != 0
	q.errorCounter = uint8((token >> 10) & 0x3)
	q.totalBytes = int((token >> 16) & 0x7fff)
	q.dataToggle = int((token >> 31) & 1)
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getLE32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// result translates the QTD status byte into the public Result taxonomy,
// per spec.md §4.E / §7. Order matches priority: a babble or transaction
// error is more specific than a bare halt (stall).
func (q *qtd) result() Result {
	switch {
	case q.status&qtdStatusBabble != 0:
		return ResultBabble
	case q.status&qtdStatusTransErr != 0:
		return ResultTransactionError
	case q.status&qtdStatusBuffErr != 0:
		return ResultBufferError
	case q.status&qtdStatusHalted != 0:
		return ResultStall
	default:
		return ResultNoError
	}
}
