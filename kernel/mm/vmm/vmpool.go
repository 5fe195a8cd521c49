package vmm

import (
	"sync"

	"minos/kernel"
	"minos/kernel/mm"
	"minos/kernel/mm/pmm"
)

// maxRegions is the number of region descriptors that fit in the metadata
// page reserved at the base of every VM pool.
const maxRegions = mm.PageSize / (2 * mm.EntrySize)

var (
	// ErrOutOfVirtualSpace is returned by Allocate when the request
	// exceeds the pool's remaining window capacity.
	ErrOutOfVirtualSpace = &kernel.Error{Module: "vmm", Message: "request exceeds available virtual memory in pool"}

	// ErrUnknownRegion is returned by Release when the start address does
	// not match any allocated region.
	ErrUnknownRegion = &kernel.Error{Module: "vmm", Message: "start address does not match any allocated region"}

	errEmptyRegion     = &kernel.Error{Module: "vmm", Message: "cannot allocate an empty region"}
	errRegionTableFull = &kernel.Error{Module: "vmm", Message: "region descriptor page is full"}
	errBadPoolGeometry = &kernel.Error{Module: "vmm", Message: "VM pool base and size must be page-aligned and the size at least two pages"}
)

// VMPool manages a reserved window of virtual address space. Allocations
// only reserve address ranges; physical frames are committed one page at a
// time by the fault handler when a range is first touched. The pool's region
// descriptors live in the pool's own first page, which is itself
// demand-paged: the pool's very first metadata write faults that page in.
type VMPool struct {
	mu sync.Mutex

	baseAddress mm.VirtAddr
	size        uint32

	framePool *pmm.FramePool
	pageTable *PageTable

	nRegions  uint32
	available uint32
}

// NewVMPool reserves the virtual address window [baseAddress,
// baseAddress+size) on top of the given page table and frame pool. The pool
// registers itself with the paging context before seeding its region
// descriptor page, so the seeding write is a legitimate fault. Region 0
// always describes the metadata page itself and is not released through the
// public API.
func NewVMPool(baseAddress mm.VirtAddr, size uint32, framePool *pmm.FramePool, pageTable *PageTable) (*VMPool, *kernel.Error) {
	if uint32(baseAddress)%mm.PageSize != 0 || size%mm.PageSize != 0 || size < 2*mm.PageSize {
		return nil, errBadPoolGeometry
	}

	pool := &VMPool{
		baseAddress: baseAddress,
		size:        size,
		framePool:   framePool,
		pageTable:   pageTable,
	}
	pageTable.ctx.RegisterPool(pool)

	if err := pool.writeRegion(0, baseAddress, mm.PageSize); err != nil {
		pageTable.ctx.unregisterPool(pool)
		return nil, err
	}
	pool.nRegions = 1
	pool.available = size - mm.PageSize

	pageTable.ctx.log.WithField("base", baseAddress).Info("constructed VM pool")
	return pool, nil
}

// BaseAddress returns the first address of the pool's reserved window.
func (pool *VMPool) BaseAddress() mm.VirtAddr {
	return pool.baseAddress
}

// AvailableMemory returns the number of bytes that can still be allocated
// from this pool.
func (pool *VMPool) AvailableMemory() uint32 {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	return pool.available
}

// IsLegitimate returns true if the given address falls inside the pool's
// reserved window. The fault handler accepts any address inside the window,
// allocated or not, relying on allocate-then-touch discipline by callers.
// This check is lock-free because the fault handler may run in the middle of
// a pool operation that holds the pool's mutex.
func (pool *VMPool) IsLegitimate(virtAddr mm.VirtAddr) bool {
	return virtAddr >= pool.baseAddress &&
		uint64(virtAddr) < uint64(pool.baseAddress)+uint64(pool.size)
}

// regionAddr returns the guest address of the region descriptor at the given
// index.
func (pool *VMPool) regionAddr(index uint32) mm.VirtAddr {
	return pool.baseAddress + mm.VirtAddr(index*2*mm.EntrySize)
}

// readRegion loads the region descriptor at the given index from the
// metadata page.
func (pool *VMPool) readRegion(index uint32) (base mm.VirtAddr, length uint32, err *kernel.Error) {
	m := pool.pageTable.ctx.machine

	rawBase, err := m.ReadU32(pool.regionAddr(index))
	if err != nil {
		return 0, 0, err
	}
	length, err = m.ReadU32(pool.regionAddr(index) + mm.VirtAddr(mm.EntrySize))
	if err != nil {
		return 0, 0, err
	}
	return mm.VirtAddr(rawBase), length, nil
}

// writeRegion stores a region descriptor at the given index in the metadata
// page.
func (pool *VMPool) writeRegion(index uint32, base mm.VirtAddr, length uint32) *kernel.Error {
	m := pool.pageTable.ctx.machine

	if err := m.WriteU32(pool.regionAddr(index), uint32(base)); err != nil {
		return err
	}
	return m.WriteU32(pool.regionAddr(index)+mm.VirtAddr(mm.EntrySize), length)
}

// Allocate reserves a region of the given size, rounded up to whole pages,
// immediately after the previously allocated region. No physical frames are
// committed; the backing is deferred to the first touch of each page. It
// returns the base address of the new region.
func (pool *VMPool) Allocate(size uint32) (mm.VirtAddr, *kernel.Error) {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	if size == 0 {
		return 0, errEmptyRegion
	}

	rounded := mm.RoundUpToPage(size)
	if rounded > pool.available || rounded < size {
		return 0, ErrOutOfVirtualSpace
	}
	if pool.nRegions == maxRegions {
		return 0, errRegionTableFull
	}

	prevBase, prevLength, err := pool.readRegion(pool.nRegions - 1)
	if err != nil {
		return 0, err
	}

	regionBase := prevBase + mm.VirtAddr(prevLength)
	if err = pool.writeRegion(pool.nRegions, regionBase, rounded); err != nil {
		return 0, err
	}
	pool.nRegions++
	pool.available -= rounded

	return regionBase, nil
}

// Release frees the region whose base address exactly matches startAddress.
// Every page of the region is unmapped and its backing frame, if the page
// was ever touched, returned to the frame pool; the region descriptor list
// is then compacted. Region 0 (the metadata page) cannot be released.
func (pool *VMPool) Release(startAddress mm.VirtAddr) *kernel.Error {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	return pool.releaseLocked(startAddress)
}

func (pool *VMPool) releaseLocked(startAddress mm.VirtAddr) *kernel.Error {
	var (
		regionIndex  uint32
		regionLength uint32
		found        bool
	)

	for index := uint32(1); index < pool.nRegions; index++ {
		base, length, err := pool.readRegion(index)
		if err != nil {
			return err
		}
		if base == startAddress {
			regionIndex, regionLength, found = index, length, true
			break
		}
	}
	if !found {
		return ErrUnknownRegion
	}

	for page, left := mm.PageFromAddress(startAddress), regionLength/mm.PageSize; left > 0; page, left = page+1, left-1 {
		if err := pool.pageTable.FreePage(page); err != nil {
			return err
		}
	}

	// Compact the descriptor list by shifting subsequent entries down.
	for index := regionIndex; index < pool.nRegions-1; index++ {
		base, length, err := pool.readRegion(index + 1)
		if err != nil {
			return err
		}
		if err = pool.writeRegion(index, base, length); err != nil {
			return err
		}
	}
	pool.nRegions--
	pool.available += regionLength

	return nil
}

// Destroy tears the pool down: every allocated region is released, the
// metadata page is unmapped and its frame freed, and the pool is removed
// from the paging context so the fault handler no longer honours its window.
func (pool *VMPool) Destroy() *kernel.Error {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	for pool.nRegions > 1 {
		base, _, err := pool.readRegion(pool.nRegions - 1)
		if err != nil {
			return err
		}
		if err = pool.releaseLocked(base); err != nil {
			return err
		}
	}

	if err := pool.pageTable.FreePage(mm.PageFromAddress(pool.baseAddress)); err != nil {
		return err
	}

	pool.pageTable.ctx.unregisterPool(pool)
	pool.available = 0
	pool.size = 0

	return nil
}
