package mm

// PhysAddr describes a physical memory address. Physical addresses can only
// be dereferenced through the machine's physical access methods; once paging
// is active all other memory accesses go through virtual addresses.
type PhysAddr uint32

// VirtAddr describes a virtual memory address.
type VirtAddr uint32

// Frame describes a physical memory frame index.
type Frame uint32

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() PhysAddr {
	return PhysAddr(uint32(f) << PageShift)
}

// FrameFromAddress returns the Frame that contains the given physical
// address. Addresses that are not frame-aligned are rounded down to the frame
// that contains them.
func FrameFromAddress(physAddr PhysAddr) Frame {
	return Frame(uint32(physAddr) >> PageShift)
}

// Page describes a virtual memory page index.
type Page uint32

// Address returns the virtual memory address pointed to by this Page.
func (p Page) Address() VirtAddr {
	return VirtAddr(uint32(p) << PageShift)
}

// PageFromAddress returns the Page that contains the given virtual address.
// Addresses that are not page-aligned are rounded down to the page that
// contains them.
func PageFromAddress(virtAddr VirtAddr) Page {
	return Page(uint32(virtAddr) >> PageShift)
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr VirtAddr) uint32 {
	return uint32(virtAddr) & (PageSize - 1)
}

// RoundUpToPage rounds size up to the nearest page boundary.
func RoundUpToPage(size uint32) uint32 {
	return (size + PageSize - 1) &^ (PageSize - 1)
}
