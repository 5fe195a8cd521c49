package mm

const (
	// PageShift is equal to log2(PageSize). This constant is used when we
	// need to convert an address to a page or frame number (shift right by
	// PageShift) and vice-versa.
	PageShift = 12

	// PageSize defines the machine's page and frame size in bytes.
	PageSize = uint32(1 << PageShift)

	// EntriesPerTable is the number of entries in the page directory and
	// in each page table of the two-level translation scheme. Directory
	// and table indices use 10 bits each.
	EntriesPerTable = 1024

	// EntrySize is the size of a page directory or page table entry in
	// bytes.
	EntrySize = uint32(4)
)
