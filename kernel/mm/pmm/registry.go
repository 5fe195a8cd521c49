package pmm

import (
	"sync"

	"minos/kernel"
	"minos/kernel/mm"
)

// ErrUnknownFrame is returned by Registry.ReleaseFrames when the frame does
// not belong to any registered pool.
var ErrUnknownFrame = &kernel.Error{Module: "pmm", Message: "frame does not belong to any registered pool"}

// Registry tracks every frame pool in the system so that frames can be
// released without knowing which pool they came from. Pools register
// themselves at construction time and are never removed; pool address ranges
// must be pairwise disjoint.
type Registry struct {
	mu    sync.Mutex
	pools []*FramePool
}

// NewRegistry creates an empty frame pool registry.
func NewRegistry() *Registry {
	return &Registry{}
}

func (reg *Registry) register(pool *FramePool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.pools = append(reg.pools, pool)
}

// lookup returns the pool that owns the given absolute frame number.
func (reg *Registry) lookup(frame mm.Frame) *FramePool {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	for _, pool := range reg.pools {
		if pool.containsFrame(frame) {
			return pool
		}
	}
	return nil
}

// ReleaseFrames frees the allocated frame sequence that starts at the given
// absolute frame number, delegating to whichever registered pool owns it. The
// frame must be the head of an allocated sequence in its owning pool.
func (reg *Registry) ReleaseFrames(frame mm.Frame) *kernel.Error {
	pool := reg.lookup(frame)
	if pool == nil {
		return ErrUnknownFrame
	}
	return pool.releaseSequence(frame)
}
