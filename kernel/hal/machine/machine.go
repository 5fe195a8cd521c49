// Package machine emulates the memory system of a small 32-bit machine: a
// flat physical memory, the CR2/CR3 control registers, a software TLB and a
// two-level MMU page walk that dispatches page faults synchronously to a
// registered handler.
//
// The machine assumes a single execution context: exactly one goroutine may
// drive memory accesses at any time. This mirrors the uniprocessor,
// non-preemptible discipline of the kernel it hosts and is required because
// the page-fault handler re-enters the machine's memory accessors while it
// repairs the faulting translation.
package machine

import (
	"io"

	"github.com/sirupsen/logrus"

	"minos/kernel"
	"minos/kernel/mm"
)

// FaultCode encodes the hardware error code pushed for a page fault.
type FaultCode uint32

const (
	// FaultPresent is set when the fault was caused by a protection
	// violation on a present page. When clear, the fault was caused by a
	// non-present directory or table entry.
	FaultPresent FaultCode = 1 << iota

	// FaultWrite is set when the faulting access was a write.
	FaultWrite

	// FaultUser is set when the faulting access originated from
	// user-mode.
	FaultUser
)

// Fault describes a page fault raised by the MMU walk.
type Fault struct {
	// Addr is the virtual address whose translation failed.
	Addr mm.VirtAddr

	// Code describes the failed access.
	Code FaultCode
}

// FaultHandlerFn is invoked synchronously when a memory access faults. If the
// handler returns a nil error the access that triggered the fault is retried
// exactly once.
type FaultHandlerFn func(*Fault) *kernel.Error

var (
	errPhysOutOfRange  = &kernel.Error{Module: "machine", Message: "physical address outside installed memory"}
	errUnalignedAccess = &kernel.Error{Module: "machine", Message: "unaligned 32-bit memory access"}
	errUnhandledFault  = &kernel.Error{Module: "machine", Message: "page fault raised with no fault handler installed"}
	errFaultNotCleared = &kernel.Error{Module: "machine", Message: "translation still failing after fault handler completed"}
)

type tlbEntry struct {
	frame    mm.Frame
	writable bool
	user     bool
}

// Machine models the physical memory and address translation hardware that
// the memory-management core runs against.
type Machine struct {
	mem []byte

	cr2           mm.VirtAddr
	cr3           mm.PhysAddr
	pagingEnabled bool

	tlb          map[mm.Page]tlbEntry
	faultHandler FaultHandlerFn
	faultCount   uint64

	log *logrus.Logger
}

// New creates a machine with the given amount of physical memory. The size is
// rounded up to the nearest frame boundary. A nil logger discards all output.
func New(memSize uint32, logger *logrus.Logger) *Machine {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	return &Machine{
		mem: make([]byte, mm.RoundUpToPage(memSize)),
		tlb: make(map[mm.Page]tlbEntry),
		log: logger,
	}
}

// MemSize returns the amount of installed physical memory in bytes.
func (m *Machine) MemSize() uint32 {
	return uint32(len(m.mem))
}

// FrameCount returns the number of physical frames backed by installed
// memory.
func (m *Machine) FrameCount() uint32 {
	return uint32(len(m.mem)) >> mm.PageShift
}

// SetFaultHandler installs the handler that services page faults raised by
// the MMU walk.
func (m *Machine) SetFaultHandler(fn FaultHandlerFn) {
	m.faultHandler = fn
}

// FaultCount returns the number of page faults dispatched to the fault
// handler since the machine was created.
func (m *Machine) FaultCount() uint64 {
	return m.faultCount
}

// FaultAddress returns the contents of CR2: the virtual address of the most
// recent page fault.
func (m *Machine) FaultAddress() mm.VirtAddr {
	return m.cr2
}

// ActivePDT returns the contents of CR3: the physical address of the active
// page directory.
func (m *Machine) ActivePDT() mm.PhysAddr {
	return m.cr3
}

// SwitchPDT loads the physical address of a page directory into CR3 and
// flushes the TLB.
func (m *Machine) SwitchPDT(pdtAddr mm.PhysAddr) {
	m.cr3 = pdtAddr
	m.tlb = make(map[mm.Page]tlbEntry)
	m.log.WithField("pdt", pdtAddr).Debug("switched page directory")
}

// EnablePaging turns on address translation. Calling it when paging is
// already enabled is a no-op.
func (m *Machine) EnablePaging() {
	if m.pagingEnabled {
		return
	}
	m.pagingEnabled = true
	m.tlb = make(map[mm.Page]tlbEntry)
	m.log.Debug("paging enabled")
}

// PagingEnabled returns true once EnablePaging has been called.
func (m *Machine) PagingEnabled() bool {
	return m.pagingEnabled
}

// FlushTLBEntry evicts the cached translation for the page that contains the
// given virtual address.
func (m *Machine) FlushTLBEntry(virtAddr mm.VirtAddr) {
	delete(m.tlb, mm.PageFromAddress(virtAddr))
}

// PhysBytes overlays a byte slice on top of the physical memory region that
// starts at addr. This is the only mechanism for reaching physical memory
// directly; it is intended for pre-paging bootstrap code and for allocator
// metadata that is deliberately kept outside the virtual address space.
func (m *Machine) PhysBytes(addr mm.PhysAddr, size uint32) ([]byte, *kernel.Error) {
	start := uint32(addr)
	if start > uint32(len(m.mem)) || uint32(len(m.mem))-start < size {
		return nil, errPhysOutOfRange
	}
	return m.mem[start : start+size : start+size], nil
}

// ReadPhys32 reads a 32-bit little-endian word from physical memory.
func (m *Machine) ReadPhys32(addr mm.PhysAddr) (uint32, *kernel.Error) {
	b, err := m.PhysBytes(addr, 4)
	if err != nil {
		return 0, err
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}

// WritePhys32 writes a 32-bit little-endian word to physical memory.
func (m *Machine) WritePhys32(addr mm.PhysAddr, val uint32) *kernel.Error {
	b, err := m.PhysBytes(addr, 4)
	if err != nil {
		return err
	}
	b[0], b[1], b[2], b[3] = byte(val), byte(val>>8), byte(val>>16), byte(val>>24)
	return nil
}

// ReadU32 performs a supervisor-mode 32-bit read from a virtual address.
func (m *Machine) ReadU32(virtAddr mm.VirtAddr) (uint32, *kernel.Error) {
	return m.read32(virtAddr, false)
}

// WriteU32 performs a supervisor-mode 32-bit write to a virtual address.
func (m *Machine) WriteU32(virtAddr mm.VirtAddr, val uint32) *kernel.Error {
	return m.write32(virtAddr, val, false)
}

// UserReadU32 performs a user-mode 32-bit read from a virtual address.
func (m *Machine) UserReadU32(virtAddr mm.VirtAddr) (uint32, *kernel.Error) {
	return m.read32(virtAddr, true)
}

// UserWriteU32 performs a user-mode 32-bit write to a virtual address.
func (m *Machine) UserWriteU32(virtAddr mm.VirtAddr, val uint32) *kernel.Error {
	return m.write32(virtAddr, val, true)
}

func (m *Machine) read32(virtAddr mm.VirtAddr, user bool) (uint32, *kernel.Error) {
	physAddr, err := m.Translate(virtAddr, false, user)
	if err != nil {
		return 0, err
	}
	return m.ReadPhys32(physAddr)
}

func (m *Machine) write32(virtAddr mm.VirtAddr, val uint32, user bool) *kernel.Error {
	physAddr, err := m.Translate(virtAddr, true, user)
	if err != nil {
		return err
	}
	return m.WritePhys32(physAddr, val)
}

// Translate resolves a virtual address to a physical address for an access
// with the given write/user attributes, dispatching a page fault to the
// installed handler when the translation is missing. While paging is disabled
// virtual addresses map 1:1 onto physical memory.
func (m *Machine) Translate(virtAddr mm.VirtAddr, write, user bool) (mm.PhysAddr, *kernel.Error) {
	if uint32(virtAddr)&3 != 0 {
		return 0, errUnalignedAccess
	}

	if !m.pagingEnabled {
		physAddr := mm.PhysAddr(virtAddr)
		if uint32(physAddr)+4 > uint32(len(m.mem)) {
			return 0, errPhysOutOfRange
		}
		return physAddr, nil
	}

	for attempt := 0; ; attempt++ {
		physAddr, fault, err := m.walk(virtAddr, write, user)
		if err != nil {
			return 0, err
		}
		if fault == nil {
			return physAddr, nil
		}
		if attempt > 0 {
			return 0, errFaultNotCleared
		}
		if err = m.raiseFault(fault); err != nil {
			return 0, err
		}
	}
}

// walk performs the two-level page walk for a virtual address. It returns the
// translated physical address, or a fault description when the translation is
// missing or the access violates the leaf entry's permissions.
func (m *Machine) walk(virtAddr mm.VirtAddr, write, user bool) (mm.PhysAddr, *Fault, *kernel.Error) {
	page := mm.PageFromAddress(virtAddr)

	entry, cached := m.tlb[page]
	if !cached {
		dirIndex := uint32(virtAddr) >> 22
		tblIndex := (uint32(virtAddr) >> 12) & 0x3ff

		pde, err := m.ReadPhys32(m.cr3 + mm.PhysAddr(dirIndex*mm.EntrySize))
		if err != nil {
			return 0, nil, err
		}
		if pde&uint32(FaultPresent) == 0 {
			return 0, m.faultFor(virtAddr, write, user, false), nil
		}

		tableAddr := mm.PhysAddr(pde &^ (mm.PageSize - 1))
		pte, err := m.ReadPhys32(tableAddr + mm.PhysAddr(tblIndex*mm.EntrySize))
		if err != nil {
			return 0, nil, err
		}
		if pte&uint32(FaultPresent) == 0 {
			return 0, m.faultFor(virtAddr, write, user, false), nil
		}

		entry = tlbEntry{
			frame:    mm.FrameFromAddress(mm.PhysAddr(pte)),
			writable: pte&2 != 0,
			user:     pte&4 != 0,
		}
		m.tlb[page] = entry
	}

	// Write/user permissions are checked on the leaf entry only.
	if (write && !entry.writable) || (user && !entry.user) {
		return 0, m.faultFor(virtAddr, write, user, true), nil
	}

	return entry.frame.Address() + mm.PhysAddr(mm.PageOffset(virtAddr)), nil, nil
}

func (m *Machine) faultFor(virtAddr mm.VirtAddr, write, user, present bool) *Fault {
	var code FaultCode
	if present {
		code |= FaultPresent
	}
	if write {
		code |= FaultWrite
	}
	if user {
		code |= FaultUser
	}
	return &Fault{Addr: virtAddr, Code: code}
}

func (m *Machine) raiseFault(fault *Fault) *kernel.Error {
	m.cr2 = fault.Addr
	m.faultCount++
	m.log.WithFields(logrus.Fields{
		"addr": fault.Addr,
		"code": fault.Code,
	}).Debug("page fault")

	if m.faultHandler == nil {
		return errUnhandledFault
	}
	return m.faultHandler(fault)
}
