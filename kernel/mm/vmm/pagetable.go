package vmm

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"minos/kernel"
	"minos/kernel/hal/machine"
	"minos/kernel/mm"
	"minos/kernel/mm/pmm"
)

const (
	// recursiveSlot is the directory slot reserved for the recursive
	// self-mapping: it always points back at the owning directory.
	recursiveSlot = uint32(mm.EntriesPerTable - 1)

	// pdtWindowAddr is the virtual address through which the active page
	// directory's entries are accessible. Both the directory and table
	// index bits of this address select the recursive slot, so the MMU
	// walk lands on the directory frame itself.
	pdtWindowAddr = mm.VirtAddr(0xfffff000)

	// tableWindowBase is the base of the 4 MiB virtual window through
	// which the active address space's page tables are accessible: the
	// table for directory index d lives at tableWindowBase | d<<12.
	tableWindowBase = mm.VirtAddr(0xffc00000)

	// maxSharedSize bounds the identity-mapped shared region so that it
	// fits the single initial page table allocated at construction time.
	maxSharedSize = uint32(4 << 20)
)

var (
	// ErrIllegitimateFault is returned by the fault handler when the
	// faulting address is not claimed by any registered VM pool.
	ErrIllegitimateFault = &kernel.Error{Module: "vmm", Message: "faulting address does not belong to any registered VM pool"}

	// ErrUnrecoverableFault is returned by the fault handler for any
	// fault class other than page-not-present.
	ErrUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "unrecoverable page fault"}

	// ErrInvalidMapping is returned when looking up a virtual address
	// that is not mapped to a physical page.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	errBadSharedSize  = &kernel.Error{Module: "vmm", Message: "shared region size must be page-aligned, non-zero and at most 4 MiB"}
	errTableActive    = &kernel.Error{Module: "vmm", Message: "page table is active"}
	errTableNotActive = &kernel.Error{Module: "vmm", Message: "page table is not the active translation root"}
)

// splitAddr extracts the directory and table indices from a virtual address.
func splitAddr(virtAddr mm.VirtAddr) (dirIndex, tblIndex uint32) {
	return uint32(virtAddr) >> 22, uint32(virtAddr) >> 12 & 0x3ff
}

// dirEntryWindow returns the virtual address of the active directory's entry
// for the given directory index, reached through the recursive mapping.
func dirEntryWindow(dirIndex uint32) mm.VirtAddr {
	return pdtWindowAddr + mm.VirtAddr(dirIndex*mm.EntrySize)
}

// tableEntryWindow returns the virtual address of the page table entry for
// the given directory and table indices in the active address space, reached
// through the recursive mapping.
func tableEntryWindow(dirIndex, tblIndex uint32) mm.VirtAddr {
	return tableWindowBase | mm.VirtAddr(dirIndex<<mm.PageShift) | mm.VirtAddr(tblIndex*mm.EntrySize)
}

// PagingContext carries the process-wide paging state: the machine being
// driven, the kernel and process frame pools, the identity-mapped shared
// region size, the active page table and the list of VM pools consulted by
// the fault handler. It replaces the implicit static state of a hardware
// kernel with one explicitly threaded value.
type PagingContext struct {
	mu sync.Mutex

	machine     *machine.Machine
	registry    *pmm.Registry
	kernelPool  *pmm.FramePool
	processPool *pmm.FramePool
	sharedSize  uint32

	active  *PageTable
	vmPools []*VMPool

	log *logrus.Logger
}

// InitPaging performs the one-time configuration of the paging subsystem.
// Page directories and initial tables come from kernelPool; demand-paged
// tables and pages come from processPool. The first sharedSize bytes of every
// address space are identity-mapped so early kernel code never faults;
// sharedSize must be page-aligned, non-zero and at most 4 MiB. The returned
// context installs itself as the machine's page fault handler. A nil logger
// discards all output.
func InitPaging(m *machine.Machine, registry *pmm.Registry, kernelPool, processPool *pmm.FramePool, sharedSize uint32, logger *logrus.Logger) (*PagingContext, *kernel.Error) {
	if sharedSize == 0 || sharedSize > maxSharedSize || sharedSize%mm.PageSize != 0 {
		return nil, errBadSharedSize
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	ctx := &PagingContext{
		machine:     m,
		registry:    registry,
		kernelPool:  kernelPool,
		processPool: processPool,
		sharedSize:  sharedSize,
		log:         logger,
	}
	m.SetFaultHandler(ctx.HandleFault)

	logger.WithField("sharedSize", sharedSize).Info("initialized paging system")
	return ctx, nil
}

// EnablePaging globally enables address translation. Calling it more than
// once is a no-op.
func (ctx *PagingContext) EnablePaging() {
	ctx.machine.EnablePaging()
}

// RegisterPool appends a VM pool to the list consulted by the fault handler
// when deciding whether a faulting address is legitimate.
func (ctx *PagingContext) RegisterPool(pool *VMPool) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	ctx.vmPools = append(ctx.vmPools, pool)
	ctx.log.WithField("base", pool.BaseAddress()).Info("registered VM pool")
}

// unregisterPool removes a VM pool from the fault handler's list.
func (ctx *PagingContext) unregisterPool(pool *VMPool) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	for i, registered := range ctx.vmPools {
		if registered == pool {
			ctx.vmPools = append(ctx.vmPools[:i], ctx.vmPools[i+1:]...)
			return
		}
	}
}

// legitimate returns true if some registered VM pool claims the address.
func (ctx *PagingContext) legitimate(virtAddr mm.VirtAddr) bool {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	for _, pool := range ctx.vmPools {
		if pool.IsLegitimate(virtAddr) {
			return true
		}
	}
	return false
}

// PageTable describes a two-level translation structure for one address
// space: a page directory whose last slot recursively maps the directory
// itself, and the page tables it points to.
type PageTable struct {
	ctx            *PagingContext
	directoryFrame mm.Frame
	initTableFrame mm.Frame
}

// NewPageTable constructs a page table for a new address space: one frame
// for the directory and one for the initial page table, both from the kernel
// pool. The initial table identity-maps the shared region present and
// writable at supervisor level; all other directory slots are writable but
// not present; the last slot recursively maps the directory onto itself. The
// new table is not active, so its frames are written through physical
// access.
func (ctx *PagingContext) NewPageTable() (*PageTable, *kernel.Error) {
	dirFrame, err := ctx.kernelPool.GetFrames(1)
	if err != nil {
		return nil, err
	}
	tblFrame, err := ctx.kernelPool.GetFrames(1)
	if err != nil {
		return nil, err
	}

	m := ctx.machine
	dirAddr := dirFrame.Address()

	var entry pageTableEntry
	entry.SetFrame(tblFrame)
	entry.SetFlags(FlagPresent | FlagRW)
	if err = m.WritePhys32(dirAddr, uint32(entry)); err != nil {
		return nil, err
	}
	for dirIndex := uint32(1); dirIndex < recursiveSlot; dirIndex++ {
		if err = m.WritePhys32(dirAddr+mm.PhysAddr(dirIndex*mm.EntrySize), uint32(FlagRW)); err != nil {
			return nil, err
		}
	}
	entry = 0
	entry.SetFrame(dirFrame)
	entry.SetFlags(FlagPresent | FlagRW)
	if err = m.WritePhys32(dirAddr+mm.PhysAddr(recursiveSlot*mm.EntrySize), uint32(entry)); err != nil {
		return nil, err
	}

	// Identity-map the shared region in the initial table; the remaining
	// entries are writable but not present.
	tblAddr := tblFrame.Address()
	sharedFrames := ctx.sharedSize / mm.PageSize
	for tblIndex := uint32(0); tblIndex < mm.EntriesPerTable; tblIndex++ {
		val := uint32(FlagRW)
		if tblIndex < sharedFrames {
			entry = 0
			entry.SetFrame(mm.Frame(tblIndex))
			entry.SetFlags(FlagPresent | FlagRW)
			val = uint32(entry)
		}
		if err = m.WritePhys32(tblAddr+mm.PhysAddr(tblIndex*mm.EntrySize), val); err != nil {
			return nil, err
		}
	}

	ctx.log.WithField("directory", dirAddr).Info("constructed page table")
	return &PageTable{ctx: ctx, directoryFrame: dirFrame, initTableFrame: tblFrame}, nil
}

// DirectoryAddress returns the physical address of this table's page
// directory.
func (pt *PageTable) DirectoryAddress() mm.PhysAddr {
	return pt.directoryFrame.Address()
}

// Load installs this page table as the active translation root.
func (pt *PageTable) Load() {
	ctx := pt.ctx
	ctx.mu.Lock()
	ctx.active = pt
	ctx.mu.Unlock()

	ctx.machine.SwitchPDT(pt.directoryFrame.Address())
	ctx.log.WithField("directory", pt.directoryFrame.Address()).Info("loaded page table")
}

// isActive returns true while this table is the machine's translation root.
func (pt *PageTable) isActive() bool {
	return pt.ctx.machine.ActivePDT() == pt.directoryFrame.Address()
}

// Translate returns the physical address that corresponds to the supplied
// virtual address, or ErrInvalidMapping if the address is not mapped. The
// lookup goes through the recursive window, so this table must be the active
// translation root.
func (pt *PageTable) Translate(virtAddr mm.VirtAddr) (mm.PhysAddr, *kernel.Error) {
	if !pt.isActive() {
		return 0, errTableNotActive
	}

	m := pt.ctx.machine
	dirIndex, tblIndex := splitAddr(virtAddr)

	pde, err := m.ReadU32(dirEntryWindow(dirIndex))
	if err != nil {
		return 0, err
	}
	if !pageTableEntry(pde).HasFlags(FlagPresent) {
		return 0, ErrInvalidMapping
	}

	pte, err := m.ReadU32(tableEntryWindow(dirIndex, tblIndex))
	if err != nil {
		return 0, err
	}
	if !pageTableEntry(pte).HasFlags(FlagPresent) {
		return 0, ErrInvalidMapping
	}

	return pageTableEntry(pte).Frame().Address() + mm.PhysAddr(mm.PageOffset(virtAddr)), nil
}

// FreePage unmaps the given virtual page and returns its backing frame to
// the owning frame pool. The page table entry is located through the
// recursive window, so this table must be the active translation root. Pages
// that were never faulted in are a no-op: a reserved-but-untouched page has
// nothing to free.
func (pt *PageTable) FreePage(page mm.Page) *kernel.Error {
	if !pt.isActive() {
		return errTableNotActive
	}

	m := pt.ctx.machine
	dirIndex, tblIndex := splitAddr(page.Address())

	pde, err := m.ReadU32(dirEntryWindow(dirIndex))
	if err != nil {
		return err
	}
	if !pageTableEntry(pde).HasFlags(FlagPresent) {
		return nil
	}

	entryAddr := tableEntryWindow(dirIndex, tblIndex)
	pte, err := m.ReadU32(entryAddr)
	if err != nil {
		return err
	}
	entry := pageTableEntry(pte)
	if !entry.HasFlags(FlagPresent) {
		return nil
	}

	if err = pt.ctx.registry.ReleaseFrames(entry.Frame()); err != nil {
		return err
	}

	// Clear the present bit and invalidate the stale translation so it is
	// never observed.
	entry.ClearFlags(FlagPresent)
	if err = m.WriteU32(entryAddr, uint32(entry)); err != nil {
		return err
	}
	m.FlushTLBEntry(page.Address())

	return nil
}

// Destroy releases every frame owned by this address space: any demand-paged
// frames and page tables above the shared window, then the initial table and
// the directory itself. The table must not be the active translation root;
// its frames are read through physical access.
func (pt *PageTable) Destroy() *kernel.Error {
	ctx := pt.ctx

	ctx.mu.Lock()
	if ctx.active == pt {
		ctx.mu.Unlock()
		return errTableActive
	}
	ctx.mu.Unlock()
	if pt.isActive() {
		return errTableActive
	}

	m := ctx.machine
	dirAddr := pt.directoryFrame.Address()

	// Slot 0 holds the shared-region identity table and the last slot the
	// recursive mapping; neither points at demand-paged frames.
	for dirIndex := uint32(1); dirIndex < recursiveSlot; dirIndex++ {
		pde, err := m.ReadPhys32(dirAddr + mm.PhysAddr(dirIndex*mm.EntrySize))
		if err != nil {
			return err
		}
		dirEntry := pageTableEntry(pde)
		if !dirEntry.HasFlags(FlagPresent) {
			continue
		}

		tblAddr := dirEntry.Frame().Address()
		for tblIndex := uint32(0); tblIndex < mm.EntriesPerTable; tblIndex++ {
			pte, err := m.ReadPhys32(tblAddr + mm.PhysAddr(tblIndex*mm.EntrySize))
			if err != nil {
				return err
			}
			if entry := pageTableEntry(pte); entry.HasFlags(FlagPresent) {
				if err := ctx.registry.ReleaseFrames(entry.Frame()); err != nil {
					return err
				}
			}
		}

		if err := ctx.registry.ReleaseFrames(dirEntry.Frame()); err != nil {
			return err
		}
	}

	if err := ctx.registry.ReleaseFrames(pt.initTableFrame); err != nil {
		return err
	}
	return ctx.registry.ReleaseFrames(pt.directoryFrame)
}
