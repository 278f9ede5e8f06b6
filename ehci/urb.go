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

// urb is the driver's ephemeral bookkeeping for one in-flight transfer
// (component E, spec.md §3/§4.E). Built by the builder functions below,
// submitted into a schedule, polled, then torn down.
type urb struct {
	endpoint EndpointDescriptor
	kind     TransferType

	qh    *qh
	chain []*qtd

	setup *transferMapping
	data  *transferMapping

	requested int
	completed int
	toggle    int

	interval int // ms, periodic-only

	periodic bool
	linked   bool

	// async-interrupt bookkeeping.
	callback func(data []byte, completed int, result Result)
	buf      []byte
	errs     int
}

// endpointParams is the per-endpoint routing information every builder
// needs, factored out of EndpointDescriptor/Translator so callers don't
// repeat themselves across the four transfer kinds.
type endpointParams struct {
	device     uint8
	endpoint   uint8
	speed      Speed
	maxPacket  uint16
	translator Translator
}

func (p endpointParams) characteristics(headOfList bool) endpointCharacteristics {
	return endpointCharacteristics{
		deviceAddress: p.device,
		endpoint:      p.endpoint,
		speed:         p.speed,
		maxPacket:     p.maxPacket,
		headOfList:    headOfList,
	}
}

func (p endpointParams) capabilities(intervalMS int) endpointCapabilities {
	cap := endpointCapabilities{translator: p.translator}

	if p.speed == SpeedHigh {
		cap.sMask = 0x01
	} else if intervalMS > 0 {
		// Full/low-speed periodic endpoints behind a TT: a single
		// start-split microframe (0) followed by three complete-split
		// microframes (2, 3 and 4), per EHCI 1.0 p32 split-transaction
		// scheduling.
		cap.sMask = 0x01
		cap.cMask = 0x1c
	}

	return cap
}

// dmaChunk is one QTD-sized slice of a larger transfer buffer.
type dmaChunk struct {
	addr uint32
	len  int
}

// splitBuffer divides a transfer buffer into chunks no larger than
// maxQTDSpan, honoring each chunk's own bus address so the page-pointer
// builder in dmabuf.go can still split across 4 KiB pages within a
// chunk, per spec.md §4.E "split by max ~20 KiB per QTD".
func splitBuffer(busAddr uint32, length int) []dmaChunk {
	var chunks []dmaChunk

	remaining := length
	addr := busAddr

	for remaining > 0 {
		span := maxQTDSpan - int(addr%pageSize)

		if span > remaining {
			span = remaining
		}

		chunks = append(chunks, dmaChunk{addr, span})

		addr += uint32(span)
		remaining -= span
	}

	if len(chunks) == 0 {
		chunks = append(chunks, dmaChunk{busAddr, 0})
	}

	return chunks
}

func dataPID(dir TransferDirection) PID {
	if dir == In {
		return PIDIn
	}

	return PIDOut
}

// allocChain allocates and sequences a list of freshly-built QTDs,
// setting next pointers via appendQTD, per spec.md §4.C's append_qtd.
// IOC is not touched here: the builders set it when they make the final
// QTD.
func allocChain(sched *scheduler, qtds []*qtd) error {
	for _, t := range qtds {
		if err := sched.allocQTD(t); err != nil {
			return err
		}
	}

	for i := 0; i < len(qtds)-1; i++ {
		appendQTD(qtds[i], qtds[i+1])
	}

	for _, t := range qtds {
		t.sync()
	}

	return nil
}

// buildControl assembles a three-stage control transfer: SETUP, zero or
// more DATA QTDs, STATUS, per spec.md §4.E.
func buildControl(sched *scheduler, p endpointParams, setup []byte, data *transferMapping, dataLen int, dir TransferDirection) (*urb, error) {
	setupMapping, err := mapTransferBuffer(sched.win.bus, DirOut, setup)

	if err != nil {
		return nil, err
	}

	setupQTD, err := makeQTD(PIDSetup, 0, setupMapping.m.BusAddr, len(setup), false)

	if err != nil {
		return nil, err
	}

	qtds := []*qtd{setupQTD}
	toggle := 1

	if dataLen > 0 {
		for _, c := range splitBuffer(data.m.BusAddr, dataLen) {
			t, err := makeQTD(dataPID(dir), toggle, c.addr, c.len, false)

			if err != nil {
				return nil, err
			}

			qtds = append(qtds, t)
			toggle ^= 1
		}
	}

	statusDir := Out

	if dataLen == 0 || dir == Out {
		statusDir = In
	}

	statusQTD, err := makeQTD(dataPID(statusDir), 1, 0, 0, true)

	if err != nil {
		return nil, err
	}

	qtds = append(qtds, statusQTD)

	if err := allocChain(sched, qtds); err != nil {
		return nil, err
	}

	ec := p.characteristics(false)
	ec.dataToggleCtl = true
	q := makeQH(ec, p.capabilities(0))

	if err := sched.allocQH(q); err != nil {
		return nil, err
	}

	q.chain = qtds
	q.overlay.next = qtdLink{addr: setupQTD.busAddr}
	q.overlay.alt = terminated()
	q.sync()

	return &urb{
		endpoint:  EndpointDescriptor{Address: p.device, Number: 0, Direction: dir, MaxPacket: p.maxPacket, Speed: p.speed, Translator: p.translator},
		kind:      TransferControl,
		qh:        q,
		chain:     qtds,
		setup:     setupMapping,
		data:      data,
		requested: dataLen,
	}, nil
}

// buildBulk assembles a bulk DATA-stage-only chain continuing from the
// caller-supplied data toggle, per spec.md §4.E.
func buildBulk(sched *scheduler, p endpointParams, data *transferMapping, length int, dir TransferDirection, toggle int) (*urb, error) {
	var qtds []*qtd

	chunks := splitBuffer(data.m.BusAddr, length)

	for i, c := range chunks {
		ioc := i == len(chunks)-1

		t, err := makeQTD(dataPID(dir), toggle, c.addr, c.len, ioc)

		if err != nil {
			return nil, err
		}

		qtds = append(qtds, t)

		// The toggle flips once per packet, so it advances by the
		// parity of this QTD's packet count (a zero-length QTD still
		// sends one packet).
		packets := 1

		if p.maxPacket > 0 && c.len > 0 {
			packets = (c.len + int(p.maxPacket) - 1) / int(p.maxPacket)
		}

		toggle ^= packets & 1
	}

	if err := allocChain(sched, qtds); err != nil {
		return nil, err
	}

	q := makeQH(p.characteristics(false), p.capabilities(0))

	if err := sched.allocQH(q); err != nil {
		return nil, err
	}

	q.chain = qtds
	q.overlay.next = qtdLink{addr: qtds[0].busAddr}
	q.overlay.alt = terminated()
	q.overlay.dataToggle = qtds[0].dataToggle
	q.sync()

	return &urb{
		endpoint:  EndpointDescriptor{Address: p.device, Number: p.endpoint, Direction: dir, MaxPacket: p.maxPacket, Speed: p.speed, Translator: p.translator},
		kind:      TransferBulk,
		qh:        q,
		chain:     qtds,
		data:      data,
		requested: length,
		toggle:    toggle,
	}, nil
}

// buildInterrupt assembles an interrupt chain, single QTD when the
// transfer fits, chained otherwise, used for both sync and async
// interrupt transfers, per spec.md §4.E.
func buildInterrupt(sched *scheduler, p endpointParams, data *transferMapping, length int, dir TransferDirection, toggle int, intervalMS int, async bool) (*urb, error) {
	var qtds []*qtd

	chunks := splitBuffer(data.m.BusAddr, length)

	for i, c := range chunks {
		ioc := i == len(chunks)-1

		t, err := makeQTD(dataPID(dir), toggle, c.addr, c.len, ioc)

		if err != nil {
			return nil, err
		}

		qtds = append(qtds, t)
		toggle ^= 1
	}

	if err := allocChain(sched, qtds); err != nil {
		return nil, err
	}

	q := makeQH(p.characteristics(false), p.capabilities(intervalMS))

	if err := sched.allocQH(q); err != nil {
		return nil, err
	}

	q.chain = qtds
	q.overlay.next = qtdLink{addr: qtds[0].busAddr}
	q.overlay.alt = terminated()
	q.overlay.dataToggle = qtds[0].dataToggle
	q.sync()

	kind := TransferInterruptSync

	if async {
		kind = TransferInterruptAsync
	}

	return &urb{
		endpoint:  EndpointDescriptor{Address: p.device, Number: p.endpoint, Direction: dir, MaxPacket: p.maxPacket, Speed: p.speed, Translator: p.translator},
		kind:      kind,
		qh:        q,
		chain:     qtds,
		data:      data,
		requested: length,
		toggle:    toggle,
		interval:  intervalMS,
		periodic:  true,
	}, nil
}

// submit links u's QH into the appropriate schedule, per spec.md §4.E.
func submit(sched *scheduler, u *urb) {
	if u.periodic {
		sched.linkPeriodic(u.qh, u.interval)
	} else {
		sched.linkAsync(u.qh)
	}

	u.linked = true
}

// complete reports whether every QTD in the chain has gone inactive,
// refreshing each from DMA memory as it does so. Reading completion
// from each QTD's own status (rather than only the QH's transient
// overlay) keeps byte accounting exact across multi-QTD chains, per
// spec.md §8 invariant 3.
func complete(u *urb) bool {
	for _, t := range u.chain {
		t.refresh()

		if t.active {
			return false
		}
	}

	return true
}

// outcome scans the chain in order and reports the first error
// encountered, along with the completed data bytes, per spec.md §4.E /
// §7. The SETUP stage's 8 bytes are not counted.
func outcome(u *urb) (Result, int) {
	completed := 0

	for _, t := range u.chain {
		if t.pid != PIDSetup {
			completed += t.completed()
		}

		if r := t.result(); r != ResultNoError {
			return r, completed
		}
	}

	return ResultNoError, completed
}

// poll busy-waits for u's chain to finish, per spec.md §4.E "Submit &
// poll". A timeout of 0 is bounded internally per spec.md §9 Open
// Questions.
func poll(u *urb, timeout time.Duration) (Result, int) {
	if timeout <= 0 {
		timeout = defaultInternalTimeout
	}

	deadline := time.Now().Add(timeout)

	for {
		if complete(u) {
			result, completed := outcome(u)
			u.completed = completed
			return result, completed
		}

		if time.Now().After(deadline) {
			_, completed := outcome(u)
			u.completed = completed
			return ResultTimeout, completed
		}
	}
}

// teardown unlinks u's QH, releases DMA mappings and frees descriptors,
// per spec.md §4.E "Teardown".
func teardown(sched *scheduler, u *urb) {
	if u.linked {
		if u.periodic {
			sched.unlinkPeriodic(u.qh)
		} else {
			sched.unlinkAsync(u.qh)
		}

		u.linked = false
	}

	u.setup.unmap()
	u.data.unmap()

	for _, t := range u.chain {
		sched.freeQTD(t)
	}

	sched.freeQH(u.qh)
}
