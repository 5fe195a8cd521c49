package vmm

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"minos/kernel"
	"minos/kernel/hal/machine"
	"minos/kernel/mm"
	"minos/kernel/mm/pmm"
)

var _ = Describe("demand-paged address space", func() {
	var (
		m           *machine.Machine
		kernelPool  *pmm.FramePool
		processPool *pmm.FramePool
		ctx         *PagingContext
		pt          *PageTable
	)

	BeforeEach(func() {
		m = machine.New(testMemSize, nil)
		registry := pmm.NewRegistry()

		var err *kernel.Error
		kernelPool, err = pmm.NewFramePool(registry, m, testKernelBaseFrame, testKernelFrames, 0)
		Expect(err).To(BeNil())

		infoFrame, err := kernelPool.GetFrames(pmm.NeededInfoFrames(testProcessFrames))
		Expect(err).To(BeNil())
		processPool, err = pmm.NewFramePool(registry, m, testProcessBaseFrame, testProcessFrames, infoFrame)
		Expect(err).To(BeNil())

		ctx, err = InitPaging(m, registry, kernelPool, processPool, 4<<20, nil)
		Expect(err).To(BeNil())

		pt, err = ctx.NewPageTable()
		Expect(err).To(BeNil())
		pt.Load()
		ctx.EnablePaging()
	})

	It("pages a user region in one frame per touch and preserves its contents", func() {
		pool, err := NewVMPool(testPoolBase, testPoolSize, processPool, pt)
		Expect(err).To(BeNil())

		region, err := pool.Allocate(8 * mm.PageSize)
		Expect(err).To(BeNil())

		faultsBefore := m.FaultCount()
		for offset := uint32(0); offset < 8*mm.PageSize; offset += mm.PageSize {
			addr := region + mm.VirtAddr(offset)
			Expect(m.UserWriteU32(addr, uint32(addr))).To(BeNil())
		}
		Expect(m.FaultCount()).To(Equal(faultsBefore + 8))

		for offset := uint32(0); offset < 8*mm.PageSize; offset += mm.PageSize {
			addr := region + mm.VirtAddr(offset)
			val, err := m.UserReadU32(addr)
			Expect(err).To(BeNil())
			Expect(val).To(Equal(uint32(addr)))
		}
		Expect(m.FaultCount()).To(Equal(faultsBefore + 8))
	})

	It("keeps two pools in one address space fully isolated", func() {
		poolA, err := NewVMPool(testPoolBase, testPoolSize, processPool, pt)
		Expect(err).To(BeNil())
		poolB, err := NewVMPool(0x40000000, testPoolSize, processPool, pt)
		Expect(err).To(BeNil())

		regionA, err := poolA.Allocate(2 * mm.PageSize)
		Expect(err).To(BeNil())
		regionB, err := poolB.Allocate(2 * mm.PageSize)
		Expect(err).To(BeNil())

		Expect(m.WriteU32(regionA, 0xaaaa)).To(BeNil())
		Expect(m.WriteU32(regionB, 0xbbbb)).To(BeNil())

		physA, err := pt.Translate(regionA)
		Expect(err).To(BeNil())
		physB, err := pt.Translate(regionB)
		Expect(err).To(BeNil())
		Expect(physA).NotTo(Equal(physB))

		// Releasing one pool's region leaves the other untouched.
		Expect(poolA.Release(regionA)).To(BeNil())
		val, err := m.ReadU32(regionB)
		Expect(err).To(BeNil())
		Expect(val).To(Equal(uint32(0xbbbb)))
	})

	It("does not leak frames across allocate-touch-release cycles", func() {
		pool, err := NewVMPool(testPoolBase, testPoolSize, processPool, pt)
		Expect(err).To(BeNil())

		// The pool's page table and metadata page stay resident; every
		// cycle must return to this baseline.
		baseline := processPool.FreeFrameCount()

		for cycle := 0; cycle < 16; cycle++ {
			region, err := pool.Allocate(4 * mm.PageSize)
			Expect(err).To(BeNil())
			for offset := uint32(0); offset < 4*mm.PageSize; offset += mm.PageSize {
				Expect(m.WriteU32(region+mm.VirtAddr(offset), uint32(cycle))).To(BeNil())
			}
			Expect(pool.Release(region)).To(BeNil())
			Expect(processPool.FreeFrameCount()).To(Equal(baseline))
		}

		Expect(pool.AvailableMemory()).To(Equal(testPoolSize - mm.PageSize))
		Expect(kernelPool.FreeFrameCount()).To(Equal(testKernelFrames - 4))
	})
})
