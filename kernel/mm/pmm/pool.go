// Package pmm implements the physical memory manager: contiguous-frame pools
// that track per-frame state in a packed 2-bit bitmap, and a process-wide
// registry that resolves which pool owns a frame when it is released.
package pmm

import (
	"sync"

	"minos/kernel"
	"minos/kernel/mm"
)

// FrameState describes the 2-bit allocation state of a single frame.
type FrameState uint8

const (
	// FrameFree marks a frame that can be handed out by the allocator.
	FrameFree FrameState = 0x0

	// FrameUsed marks an allocated frame that belongs to a sequence but
	// is not its first frame.
	FrameUsed FrameState = 0x1

	// FrameHeadOfSequence marks the first frame of an allocated
	// contiguous sequence. The encoding 0x2 is invalid and never written.
	FrameHeadOfSequence FrameState = 0x3
)

var (
	// ErrOutOfFrames is returned by GetFrames when no contiguous run of
	// free frames is large enough to satisfy the request.
	ErrOutOfFrames = &kernel.Error{Module: "pmm", Message: "no contiguous run of free frames large enough for request"}

	// ErrOutOfRange is returned by MarkInaccessible when the requested
	// range does not lie entirely inside the pool.
	ErrOutOfRange = &kernel.Error{Module: "pmm", Message: "frame range does not lie inside the pool"}

	// ErrFrameNotFree is returned by MarkInaccessible when a frame in the
	// requested range has already been allocated.
	ErrFrameNotFree = &kernel.Error{Module: "pmm", Message: "frame in requested range is not free"}

	// ErrInvalidRelease is returned when the frame passed to a release
	// request is not the head of an allocated sequence.
	ErrInvalidRelease = &kernel.Error{Module: "pmm", Message: "released frame is not the head of an allocated sequence"}

	errPoolSizeAlign = &kernel.Error{Module: "pmm", Message: "pool frame count must be a multiple of 8"}
)

// PhysMemory provides raw access to physical memory regions. The frame pool
// uses it to place its bitmap inside the frames it manages (or inside an
// externally supplied info frame) exactly like the hardware implementation
// would.
type PhysMemory interface {
	PhysBytes(addr mm.PhysAddr, size uint32) ([]byte, *kernel.Error)
}

// FramePool manages a contiguous range of physical frames. Frame state is
// packed at 2 bits per frame, 4 frames per byte, in a bitmap that lives in
// physical memory: either in the pool's own first frame or in an info frame
// supplied by the caller when the pool's memory cannot yet host its own
// metadata.
type FramePool struct {
	mu sync.Mutex

	baseFrame mm.Frame
	nFrames   uint32
	freeCount uint32
	bitmap    []byte
}

// NewFramePool creates a pool that manages nFrames frames starting at
// baseFrame and registers it with the supplied registry. nFrames must be a
// multiple of 8. If infoFrame is zero the bitmap is stored in the pool's own
// first frame, which is then marked used; otherwise the bitmap is stored at
// infoFrame and all pool frames start out free.
func NewFramePool(registry *Registry, phys PhysMemory, baseFrame mm.Frame, nFrames uint32, infoFrame mm.Frame) (*FramePool, *kernel.Error) {
	if nFrames == 0 || nFrames%8 != 0 {
		return nil, errPoolSizeAlign
	}

	bitmapFrame := infoFrame
	if infoFrame == 0 {
		bitmapFrame = baseFrame
	}

	bitmap, err := phys.PhysBytes(bitmapFrame.Address(), nFrames/4)
	if err != nil {
		return nil, err
	}

	pool := &FramePool{
		baseFrame: baseFrame,
		nFrames:   nFrames,
		freeCount: nFrames,
		bitmap:    bitmap,
	}

	// The backing memory may contain junk; all frames start out free.
	for i := range pool.bitmap {
		pool.bitmap[i] = 0
	}

	// When the bitmap lives in-pool its host frame must never be handed
	// out.
	if infoFrame == 0 {
		pool.setState(0, FrameUsed)
		pool.freeCount--
	}

	registry.register(pool)
	return pool, nil
}

// BaseFrame returns the first frame managed by this pool.
func (pool *FramePool) BaseFrame() mm.Frame {
	return pool.baseFrame
}

// FrameCount returns the total number of frames managed by this pool.
func (pool *FramePool) FrameCount() uint32 {
	return pool.nFrames
}

// FreeFrameCount returns the number of frames currently in the free state.
func (pool *FramePool) FreeFrameCount() uint32 {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	return pool.freeCount
}

// getState returns the state of the frame at the given pool-relative index.
func (pool *FramePool) getState(index uint32) FrameState {
	shift := (index % 4) * 2
	return FrameState((pool.bitmap[index/4] >> shift) & 0x3)
}

// setState updates the state of the frame at the given pool-relative index.
func (pool *FramePool) setState(index uint32, state FrameState) {
	shift := (index % 4) * 2
	pool.bitmap[index/4] = pool.bitmap[index/4]&^(0x3<<shift) | byte(state)<<shift
}

// GetFrames reserves the first contiguous run of n free frames using a
// first-fit scan. The first frame of the run is marked head-of-sequence and
// the rest used. It returns the absolute frame number of the run's head, or
// ErrOutOfFrames without mutating any state when no run is long enough.
func (pool *FramePool) GetFrames(n uint32) (mm.Frame, *kernel.Error) {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	if n == 0 || n > pool.freeCount {
		return 0, ErrOutOfFrames
	}

	var runStart, runLen uint32
	for index := uint32(0); index < pool.nFrames; index++ {
		if pool.getState(index) != FrameFree {
			runLen = 0
			continue
		}

		if runLen == 0 {
			runStart = index
		}
		if runLen++; runLen == n {
			break
		}
	}

	if runLen != n {
		return 0, ErrOutOfFrames
	}

	pool.setState(runStart, FrameHeadOfSequence)
	for index := runStart + 1; index < runStart+n; index++ {
		pool.setState(index, FrameUsed)
	}
	pool.freeCount -= n

	return pool.baseFrame + mm.Frame(runStart), nil
}

// MarkInaccessible reserves a caller-specified frame range, typically for
// boot-time carve-outs such as the frames hosting the bitmap itself or a
// memory hole. The range must lie entirely inside the pool and every frame in
// it must be free; on failure no state is mutated.
func (pool *FramePool) MarkInaccessible(baseFrame mm.Frame, nFrames uint32) *kernel.Error {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	if baseFrame < pool.baseFrame ||
		uint64(baseFrame)+uint64(nFrames) > uint64(pool.baseFrame)+uint64(pool.nFrames) {
		return ErrOutOfRange
	}
	if nFrames == 0 {
		return nil
	}

	start := uint32(baseFrame - pool.baseFrame)
	for index := start; index < start+nFrames; index++ {
		if pool.getState(index) != FrameFree {
			return ErrFrameNotFree
		}
	}

	pool.setState(start, FrameHeadOfSequence)
	for index := start + 1; index < start+nFrames; index++ {
		pool.setState(index, FrameUsed)
	}
	pool.freeCount -= nFrames

	return nil
}

// containsFrame returns true if the given absolute frame number is managed by
// this pool.
func (pool *FramePool) containsFrame(frame mm.Frame) bool {
	return frame >= pool.baseFrame && uint32(frame-pool.baseFrame) < pool.nFrames
}

// releaseSequence frees the allocated sequence that starts at the given
// absolute frame number: the head frame and every used frame that follows it
// up to the next free frame, sequence head or the pool boundary. The frame
// must be a sequence head.
func (pool *FramePool) releaseSequence(frame mm.Frame) *kernel.Error {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	index := uint32(frame - pool.baseFrame)
	if pool.getState(index) != FrameHeadOfSequence {
		return ErrInvalidRelease
	}

	pool.setState(index, FrameFree)
	pool.freeCount++
	for index++; index < pool.nFrames && pool.getState(index) == FrameUsed; index++ {
		pool.setState(index, FrameFree)
		pool.freeCount++
	}

	return nil
}

// NeededInfoFrames returns the number of whole frames required to host the
// 2-bit-per-frame bitmap for a pool of nFrames frames.
func NeededInfoFrames(nFrames uint32) uint32 {
	bitsPerInfoFrame := mm.PageSize * 8
	return (nFrames*2 + bitsPerInfoFrame - 1) / bitsPerInfoFrame
}
