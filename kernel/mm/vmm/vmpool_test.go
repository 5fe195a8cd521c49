package vmm

import (
	"testing"

	"minos/kernel/mm"
)

func TestVMPoolGeometryValidation(t *testing.T) {
	specs := []struct {
		base mm.VirtAddr
		size uint32
	}{
		{0x20000800, testPoolSize},
		{testPoolBase, testPoolSize + 123},
		{testPoolBase, mm.PageSize},
	}

	_, _, processPool, _, pt := bootWorld(t)

	for specIndex, spec := range specs {
		if _, err := NewVMPool(spec.base, spec.size, processPool, pt); err != errBadPoolGeometry {
			t.Errorf("[spec %d] expected to get errBadPoolGeometry; got %v", specIndex, err)
		}
	}
}

func TestVMPoolAllocate(t *testing.T) {
	_, _, processPool, _, pt := bootWorld(t)

	pool, err := NewVMPool(testPoolBase, testPoolSize, processPool, pt)
	if err != nil {
		t.Fatalf("constructing VM pool: %v", err)
	}

	// The metadata page claims the first page of the window.
	if exp, got := testPoolSize-mm.PageSize, pool.AvailableMemory(); got != exp {
		t.Fatalf("expected %d bytes available; got %d", exp, got)
	}

	// Requests are rounded up to whole pages and placed back to back.
	specs := []struct {
		reqSize uint32
		expBase mm.VirtAddr
	}{
		{1, testPoolBase + mm.VirtAddr(1*mm.PageSize)},
		{mm.PageSize + 1, testPoolBase + mm.VirtAddr(2*mm.PageSize)},
		{3 * mm.PageSize, testPoolBase + mm.VirtAddr(4*mm.PageSize)},
	}

	for specIndex, spec := range specs {
		got, err := pool.Allocate(spec.reqSize)
		if err != nil {
			t.Fatalf("[spec %d] allocating region: %v", specIndex, err)
		}
		if got != spec.expBase {
			t.Fatalf("[spec %d] expected region base %x; got %x", specIndex, spec.expBase, got)
		}
	}

	if exp, got := testPoolSize-7*mm.PageSize, pool.AvailableMemory(); got != exp {
		t.Fatalf("expected %d bytes available; got %d", exp, got)
	}
}

func TestVMPoolRelease(t *testing.T) {
	_, _, processPool, _, pt := bootWorld(t)

	pool, err := NewVMPool(testPoolBase, testPoolSize, processPool, pt)
	if err != nil {
		t.Fatalf("constructing VM pool: %v", err)
	}

	regionA, err := pool.Allocate(mm.PageSize)
	if err != nil {
		t.Fatalf("allocating region A: %v", err)
	}
	if exp := testPoolBase + mm.VirtAddr(mm.PageSize); regionA != exp {
		t.Fatalf("expected region A base %x; got %x", exp, regionA)
	}
	regionB, err := pool.Allocate(2 * mm.PageSize)
	if err != nil {
		t.Fatalf("allocating region B: %v", err)
	}
	regionC, err := pool.Allocate(mm.PageSize)
	if err != nil {
		t.Fatalf("allocating region C: %v", err)
	}

	// Neither an unallocated address nor the metadata page is releasable.
	if err = pool.Release(regionB + mm.VirtAddr(mm.PageSize)); err != ErrUnknownRegion {
		t.Fatalf("expected to get ErrUnknownRegion; got %v", err)
	}
	if err = pool.Release(pool.BaseAddress()); err != ErrUnknownRegion {
		t.Fatalf("expected to get ErrUnknownRegion; got %v", err)
	}

	// Releasing a middle region restores its bytes; the next allocation is
	// still placed after the last surviving region.
	availBefore := pool.AvailableMemory()
	if err = pool.Release(regionB); err != nil {
		t.Fatalf("releasing region B: %v", err)
	}
	if exp, got := availBefore+2*mm.PageSize, pool.AvailableMemory(); got != exp {
		t.Fatalf("expected %d bytes available; got %d", exp, got)
	}

	regionD, err := pool.Allocate(mm.PageSize)
	if err != nil {
		t.Fatalf("allocating region D: %v", err)
	}
	if exp := regionC + mm.VirtAddr(mm.PageSize); regionD != exp {
		t.Fatalf("expected region D base %x; got %x", exp, regionD)
	}

	// A released base cannot be released twice.
	if err = pool.Release(regionB); err != ErrUnknownRegion {
		t.Fatalf("expected to get ErrUnknownRegion; got %v", err)
	}
}

func TestVMPoolExhaustion(t *testing.T) {
	_, _, processPool, _, pt := bootWorld(t)

	pool, err := NewVMPool(testPoolBase, 4*mm.PageSize, processPool, pt)
	if err != nil {
		t.Fatalf("constructing VM pool: %v", err)
	}

	if _, err = pool.Allocate(0); err != errEmptyRegion {
		t.Fatalf("expected to get errEmptyRegion; got %v", err)
	}
	if _, err = pool.Allocate(3*mm.PageSize + 1); err != ErrOutOfVirtualSpace {
		t.Fatalf("expected to get ErrOutOfVirtualSpace; got %v", err)
	}

	// Rounding a near-max request up must not wrap around.
	if _, err = pool.Allocate(0xfffff001); err != ErrOutOfVirtualSpace {
		t.Fatalf("expected to get ErrOutOfVirtualSpace; got %v", err)
	}

	if _, err = pool.Allocate(3 * mm.PageSize); err != nil {
		t.Fatalf("allocating remaining space: %v", err)
	}
	if _, err = pool.Allocate(1); err != ErrOutOfVirtualSpace {
		t.Fatalf("expected to get ErrOutOfVirtualSpace; got %v", err)
	}
}

func TestVMPoolDestroy(t *testing.T) {
	m, _, processPool, _, pt := bootWorld(t)

	freeAtBoot := processPool.FreeFrameCount()

	pool, err := NewVMPool(testPoolBase, testPoolSize, processPool, pt)
	if err != nil {
		t.Fatalf("constructing VM pool: %v", err)
	}
	region, err := pool.Allocate(2 * mm.PageSize)
	if err != nil {
		t.Fatalf("allocating region: %v", err)
	}
	if err = m.WriteU32(region, 42); err != nil {
		t.Fatalf("touching region: %v", err)
	}

	if err = pool.Destroy(); err != nil {
		t.Fatalf("destroying pool: %v", err)
	}

	// Everything except the demand-paged page table goes back to the frame
	// pool.
	if exp, got := freeAtBoot-1, processPool.FreeFrameCount(); got != exp {
		t.Fatalf("expected %d free process frames after destroy; got %d", exp, got)
	}
	if got := pool.AvailableMemory(); got != 0 {
		t.Fatalf("expected destroyed pool to have no available memory; got %d", got)
	}

	// The window is no longer claimed, so touching it is an illegitimate
	// fault.
	if _, err = m.ReadU32(mm.VirtAddr(testPoolBase)); err != ErrIllegitimateFault {
		t.Fatalf("expected to get ErrIllegitimateFault; got %v", err)
	}
}
