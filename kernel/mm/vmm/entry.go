// Package vmm implements the virtual memory manager: page directories and
// page tables edited through a recursive self-mapping, a demand-paging fault
// handler, and virtual address space pools that defer physical commitment to
// the first touch of a page.
package vmm

import (
	"minos/kernel/mm"
)

// PageTableEntryFlag describes a flag that can be applied to a page
// directory or page table entry.
type PageTableEntryFlag uint32

const (
	// FlagPresent is set when the entry maps a table or frame that is
	// available in memory.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the mapped page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode code can access the mapped
	// page. If not set only kernel code can access it.
	FlagUserAccessible
)

// ptePhysPageMask extracts the physical frame address from an entry; bits
// 12-31 contain the frame-aligned address.
const ptePhysPageMask = uint32(0xfffff000)

// pageTableEntry describes a page directory or page table entry. Entries
// encode a physical frame address and a set of flags.
type pageTableEntry uint32

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return uint32(pte)&uint32(flags) == uint32(flags)
}

// SetFlags sets the input list of flags on the page table entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = pageTableEntry(uint32(*pte) | uint32(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = pageTableEntry(uint32(*pte) &^ uint32(flags))
}

// Frame returns the physical frame that this entry points to.
func (pte pageTableEntry) Frame() mm.Frame {
	return mm.FrameFromAddress(mm.PhysAddr(uint32(pte) & ptePhysPageMask))
}

// SetFrame updates the entry to point to the given physical frame.
func (pte *pageTableEntry) SetFrame(frame mm.Frame) {
	*pte = pageTableEntry(uint32(*pte)&^ptePhysPageMask | uint32(frame.Address()))
}
