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
	"container/list"
	"fmt"
)

const pageSize = 4096

// coherentBlock is a single outstanding allocation carved out of a
// coherent page, grounded on dma.block (dma/block.go): a first-fit
// allocator entry tracking its offset and size within the owning page.
type coherentBlock struct {
	page   *coherentPage
	offset int
	size   int
	busAddr uint32
}

// bytes returns the live view of this block's storage.
func (b *coherentBlock) bytes() []byte {
	return b.page.host[b.offset : b.offset+b.size]
}

type coherentPage struct {
	host    []byte
	busAddr uint32
	free    *list.List // of *coherentBlock
}

// coherentPool allocates controller-visible, page-resident memory for
// QHs, QTDs and the periodic frame list (component B, spec.md §4.B). It
// is a first-fit allocator over a set of whole pages obtained from the
// Bus, generalizing dma.Region (dma/region.go) from a single flat address
// range to a pool of independently-backed pages so that no allocation is
// ever permitted to straddle a 4 KiB boundary, as the QH/QTD hardware
// layout requires.
type coherentPool struct {
	bus   Bus
	pages []*coherentPage
	used  map[uint32]*coherentBlock
}

func newCoherentPool(bus Bus) *coherentPool {
	return &coherentPool{
		bus:  bus,
		used: make(map[uint32]*coherentBlock),
	}
}

func (p *coherentPool) addPage() (*coherentPage, error) {
	host, busAddr, err := p.bus.AllocateCoherent(1)

	if err != nil {
		return nil, err
	}

	page := &coherentPage{host: host, busAddr: busAddr, free: list.New()}
	page.free.PushFront(&coherentBlock{page: page, offset: 0, size: pageSize, busAddr: busAddr})
	p.pages = append(p.pages, page)

	return page, nil
}

// alloc reserves size bytes aligned to align (a power of 2), guaranteed
// never to cross a page boundary. It returns the block, whose busAddr is
// the value stored in hardware link fields.
func (p *coherentPool) alloc(size int, align int) (*coherentBlock, error) {
	if align == 0 {
		align = 4
	}

	if size > pageSize {
		return nil, fmt.Errorf("ehci: descriptor size %d exceeds page size", size)
	}

	for _, page := range p.pages {
		if b := page.fit(size, align); b != nil {
			p.used[b.busAddr] = b
			return b, nil
		}
	}

	page, err := p.addPage()

	if err != nil {
		return nil, ErrOutOfResources
	}

	b := page.fit(size, align)

	if b == nil {
		return nil, ErrOutOfResources
	}

	p.used[b.busAddr] = b

	return b, nil
}

// fit finds the first free span in the page able to hold size bytes at
// the requested alignment without crossing the page boundary.
func (page *coherentPage) fit(size int, align int) *coherentBlock {
	for e := page.free.Front(); e != nil; e = e.Next() {
		b := e.Value.(*coherentBlock)

		pad := (-b.offset) & (align - 1)

		if b.size < size+pad {
			continue
		}

		page.free.Remove(e)

		if pad != 0 {
			page.free.PushBack(&coherentBlock{page: page, offset: b.offset, size: pad, busAddr: b.busAddr})
			b.offset += pad
			b.busAddr += uint32(pad)
			b.size -= pad
		}

		if rem := b.size - size; rem != 0 {
			page.free.PushBack(&coherentBlock{page: page, offset: b.offset + size, size: rem, busAddr: b.busAddr + uint32(size)})
			b.size = size
		}

		return b
	}

	return nil
}

// free returns a block to its page's free list. Adjacent defragmentation
// is skipped deliberately: QH/QTD churn allocates and frees fixed-size
// blocks, so fragmentation never accumulates the way it would for
// variably-sized client buffers.
func (p *coherentPool) free(busAddr uint32) {
	b, ok := p.used[busAddr]

	if !ok {
		return
	}

	delete(p.used, busAddr)
	b.page.free.PushBack(&coherentBlock{page: b.page, offset: b.offset, size: b.size, busAddr: b.busAddr})
}

// release returns every allocated page to the Bus, called from
// Controller.Stop per spec.md §3's invariant that every allocated
// coherent descriptor is released on controller Stop.
func (p *coherentPool) release() {
	for _, page := range p.pages {
		p.bus.FreeCoherent(page.host)
	}

	p.pages = nil
	p.used = make(map[uint32]*coherentBlock)
}

// transferMapping owns the lifetime of a client-buffer DMA mapping used
// by a single QTD chain. Unlike coherentPool, these mappings are
// transient: spec.md §3 requires every mapping released before its URB
// is freed.
type transferMapping struct {
	bus Bus
	m   Mapping
}

func mapTransferBuffer(bus Bus, dir Direction, buf []byte) (*transferMapping, error) {
	if len(buf) == 0 {
		return nil, nil
	}

	m, err := bus.MapDMA(dir, buf)

	if err != nil {
		return nil, ErrOutOfResources
	}

	return &transferMapping{bus: bus, m: m}, nil
}

func (t *transferMapping) unmap() {
	if t == nil {
		return
	}

	t.bus.Unmap(t.m)
}

// pagePointers splits a mapped, contiguous bus-address span into up to
// five QTD buffer-page pointers, each page-aligned beyond the first, per
// spec.md §4.B / §3's "five buffer-page pointers supporting up to ~20
// KiB per QTD with page-crossing".
func pagePointers(busAddr uint32, length int) (ptrs [5]uint32, err error) {
	maxLen := 5*pageSize - int(busAddr%pageSize)

	if length > maxLen {
		return ptrs, fmt.Errorf("ehci: transfer length %d exceeds QTD span %d", length, maxLen)
	}

	firstPage := busAddr &^ (pageSize - 1)

	for i := range ptrs {
		ptrs[i] = firstPage + uint32(i*pageSize)
	}

	ptrs[0] = busAddr

	return ptrs, nil
}
