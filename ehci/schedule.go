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
	"fmt"
	"math/bits"
	"time"
)

const (
	frameListEntries = 1024
	maxInterval      = 256 // ms, spec.md §3 invariant cap
	numBuckets       = 9   // intervals 1,2,4,...,256 ms
)

// scheduler owns the asynchronous ring and the periodic frame list
// (component D, spec.md §4.D), grounded in spirit on virtio/queue's
// arena-indexed descriptor-chain bookkeeping (indices, not raw pointers)
// but shaped around EHCI's two independent schedules instead of a single
// virtqueue ring.
//
// The periodic schedule uses the classic "interval ladder": one static
// sentinel QH per power-of-two bucket, chained once at init in
// descending interval order (256ms -> 128ms -> ... -> 1ms -> terminate),
// and a frame list that, once built, never needs rewriting — every slot
// points at the sentinel for the largest bucket whose stride divides the
// frame number, and that sentinel's chain transitively reaches every
// smaller bucket (since 2^k | i implies 2^(k-1) | i). Linking or
// unlinking a client QH therefore only ever touches its own bucket's
// sentinel and sibling client QHs, never the frame list itself.
type scheduler struct {
	win  *window
	pool *coherentPool

	asyncHead *qh
	asyncQHs  map[uint32]*qh // keyed by busAddr, ring membership excluding head

	frameList     []byte // raw, hardware-visible frame list (1024 * 4 bytes)
	frameListAddr uint32

	sentinels   [numBuckets]*qh
	buckets     [numBuckets]*qh // head client QH per bucket, nil if empty
	periodicQHs map[uint32]*qh  // keyed by busAddr, every linked client QH
}

func newScheduler(win *window, pool *coherentPool) *scheduler {
	return &scheduler{
		win:         win,
		pool:        pool,
		asyncQHs:    make(map[uint32]*qh),
		periodicQHs: make(map[uint32]*qh),
	}
}

// init allocates the async head, the periodic sentinels and the frame
// list, per spec.md §4.D.
func (s *scheduler) init() error {
	head := makeAsyncHead()

	if err := s.allocQH(head); err != nil {
		return err
	}

	head.linkToSelf()
	head.sync()
	s.asyncHead = head

	for b := 0; b < numBuckets; b++ {
		sentinel := makeQH(endpointCharacteristics{}, endpointCapabilities{})

		if err := s.allocQH(sentinel); err != nil {
			return err
		}

		s.sentinels[b] = sentinel
	}

	for b := numBuckets - 1; b > 0; b-- {
		s.sentinels[b].horizontal = qhLink{addr: s.sentinels[b-1].busAddr}
		s.sentinels[b].sync()
	}

	s.sentinels[0].horizontal = qhTerminated()
	s.sentinels[0].sync()

	block, err := s.pool.alloc(frameListEntries*4, 4096)

	if err != nil {
		return ErrOutOfResources
	}

	s.frameList = block.bytes()
	s.frameListAddr = block.busAddr

	for i := 0; i < frameListEntries; i++ {
		s.writeFrameSlot(i, qhLink{addr: s.sentinels[frameBucket(i)].busAddr}.raw())
	}

	return nil
}

// frameBucket returns the largest bucket index whose stride (2^b)
// divides the frame number, capped at numBuckets-1. Frame 0 is divisible
// by every stride and maps to the top bucket.
func frameBucket(frame int) int {
	if frame == 0 {
		return numBuckets - 1
	}

	if tz := bits.TrailingZeros(uint(frame)); tz < numBuckets {
		return tz
	}

	return numBuckets - 1
}

func (s *scheduler) allocQH(q *qh) error {
	block, err := s.pool.alloc(qhSize, qhAlign)

	if err != nil {
		return ErrOutOfResources
	}

	q.busAddr = block.busAddr
	q.mem = block.bytes()
	q.sync()

	return nil
}

func (s *scheduler) freeQH(q *qh) {
	s.pool.free(q.busAddr)
}

func (s *scheduler) allocQTD(t *qtd) error {
	block, err := s.pool.alloc(qtdSize, qtdAlign)

	if err != nil {
		return ErrOutOfResources
	}

	t.busAddr = block.busAddr
	t.mem = block.bytes()
	t.sync()

	return nil
}

func (s *scheduler) freeQTD(t *qtd) {
	s.pool.free(t.busAddr)
}

// linkAsync inserts q immediately after the head, publishing it to the
// ring with two ordered writes as spec.md §4.D prescribes: q's own
// horizontal link is established first, then the head's link is
// republished to include it.
func (s *scheduler) linkAsync(q *qh) {
	q.horizontal = s.asyncHead.horizontal
	q.sync()
	s.win.bus.Flush()
	s.asyncHead.horizontal = qhLink{addr: q.busAddr}
	s.asyncHead.sync()
	q.linked = true
	s.asyncQHs[q.busAddr] = q
}

// unlinkAsync removes q from the async ring following the IAAD handshake
// protocol of spec.md §4.D: splice, doorbell, wait, acknowledge. On IAAD
// timeout it falls back to halting the schedule around the unlink, per
// spec.md §7's "IAAD timeout during unlink is non-fatal".
func (s *scheduler) unlinkAsync(q *qh) error {
	if !q.linked {
		return nil
	}

	pred := s.predecessor(q)

	if pred == nil {
		return fmt.Errorf("ehci: %#x not found in async ring", q.busAddr)
	}

	pred.horizontal = q.horizontal
	pred.sync()
	delete(s.asyncQHs, q.busAddr)
	q.linked = false

	s.win.setBit(USBCMD, cmdIAAD)

	if s.win.pollBit(USBSTS, stsIAA, stsIAA, iaadTimeout) {
		s.win.setBit(USBSTS, stsIAA)
		return nil
	}

	// Fallback: halt the async schedule around the unlink so the
	// controller cannot still be executing q's overlay.
	recordIAADFallback()
	debugf("IAAD timeout unlinking %#x, falling back to async halt", q.busAddr)
	s.win.clearBit(USBCMD, cmdASE)
	s.win.pollBit(USBSTS, stsAsyncEna, 0, genericTimeout)
	s.win.setBit(USBCMD, cmdASE)
	s.win.pollBit(USBSTS, stsAsyncEna, stsAsyncEna, genericTimeout)

	return nil
}

// predecessor walks the ring (bounded by len(asyncQHs)+1, spec.md §8
// invariant 2) to find the element whose horizontal link targets q.
func (s *scheduler) predecessor(q *qh) *qh {
	cur := s.asyncHead

	for i := 0; i <= len(s.asyncQHs); i++ {
		if cur.horizontal.addr == q.busAddr && !cur.horizontal.terminate {
			return cur
		}

		next, ok := s.asyncQHs[cur.horizontal.addr]

		if !ok {
			return nil
		}

		cur = next
	}

	return nil
}

// bucketFor chooses the largest power-of-two interval bucket not
// exceeding the requested interval (capped at maxInterval), per spec.md
// §4.D.
func bucketFor(intervalMS int) int {
	if intervalMS > maxInterval {
		intervalMS = maxInterval
	}

	b := 0

	for (1 << uint(b+1)) <= intervalMS {
		b++
	}

	return b
}

// linkPeriodic inserts a periodic QH at the head of bucket B's client
// list, per spec.md §4.D. The bucket's sentinel is republished last so
// the insert is observable atomically from the controller's perspective.
func (s *scheduler) linkPeriodic(q *qh, intervalMS int) {
	b := bucketFor(intervalMS)
	q.bucket = b

	if head := s.buckets[b]; head != nil {
		q.horizontal = qhLink{addr: head.busAddr}
	} else {
		q.horizontal = s.sentinels[b].horizontal
	}

	q.sync()
	s.win.bus.Flush()

	s.buckets[b] = q
	s.sentinels[b].horizontal = qhLink{addr: q.busAddr}
	s.sentinels[b].sync()
	q.linked = true
	s.periodicQHs[q.busAddr] = q
}

// unlinkPeriodic splices q out of its bucket's client list, then waits
// one full frame before returning so the controller is guaranteed to
// have advanced past it, per spec.md §4.D.
func (s *scheduler) unlinkPeriodic(q *qh) {
	if !q.linked {
		return
	}

	b := q.bucket

	if s.buckets[b] == q {
		s.buckets[b] = s.resolveNext(q)
		s.sentinels[b].horizontal = q.horizontal
		s.sentinels[b].sync()
	} else if prev, ok := s.bucketMember(b, q); ok && prev != nil {
		prev.horizontal = q.horizontal
		prev.sync()
	}

	delete(s.periodicQHs, q.busAddr)
	q.linked = false

	// spec.md §4.D: wait at least one full (1 ms) frame before the
	// caller is allowed to free q.
	time.Sleep(unlinkFrame)
}

// bucketMember walks bucket b's client list looking for q, bounded by
// the number of QHs ever linked into the bucket, returning the element
// preceding it (nil if q is the bucket head).
func (s *scheduler) bucketMember(b int, q *qh) (prev *qh, found bool) {
	for cur := s.buckets[b]; cur != nil; cur = s.resolveNext(cur) {
		if cur == q {
			return prev, true
		}

		prev = cur
	}

	return nil, false
}

// resolveNext resolves a client QH's horizontal link to the next client
// QH in the same bucket, or nil once the chain reaches the sentinel.
func (s *scheduler) resolveNext(q *qh) *qh {
	if q.horizontal.terminate {
		return nil
	}

	return s.periodicQHs[q.horizontal.addr]
}

func (s *scheduler) writeFrameSlot(frame int, raw uint32) {
	off := frame * 4
	s.frameList[off] = byte(raw)
	s.frameList[off+1] = byte(raw >> 8)
	s.frameList[off+2] = byte(raw >> 16)
	s.frameList[off+3] = byte(raw >> 24)
}
