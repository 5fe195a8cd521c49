package vmm

import (
	"github.com/sirupsen/logrus"

	"minos/kernel"
	"minos/kernel/hal/machine"
	"minos/kernel/mm"
)

// HandleFault services a page fault raised by the machine. Only
// page-not-present faults are serviced; protection violations are fatal at
// this layer. The faulting address must be claimed by a registered VM pool.
// A missing directory entry gets a fresh page table from the process pool and
// a missing leaf entry gets a fresh page frame, both installed writable with
// the privilege of the faulting access. The new mappings are edited through
// the recursive window of the active directory, so retouching the address
// raises no further fault.
func (ctx *PagingContext) HandleFault(fault *machine.Fault) *kernel.Error {
	if fault.Code&machine.FaultPresent != 0 {
		ctx.log.WithFields(logrus.Fields{
			"addr": fault.Addr,
			"code": fault.Code,
		}).Error("protection violation")
		return ErrUnrecoverableFault
	}

	if !ctx.legitimate(fault.Addr) {
		ctx.log.WithField("addr", fault.Addr).Error("fault at illegitimate address")
		return ErrIllegitimateFault
	}

	flags := FlagPresent | FlagRW
	if fault.Code&machine.FaultUser != 0 {
		flags |= FlagUserAccessible
	}

	m := ctx.machine
	dirIndex, tblIndex := splitAddr(fault.Addr)

	pde, err := m.ReadU32(dirEntryWindow(dirIndex))
	if err != nil {
		return err
	}
	if !pageTableEntry(pde).HasFlags(FlagPresent) {
		tblFrame, err := ctx.processPool.GetFrames(1)
		if err != nil {
			return err
		}

		var entry pageTableEntry
		entry.SetFrame(tblFrame)
		entry.SetFlags(flags)
		if err := m.WriteU32(dirEntryWindow(dirIndex), uint32(entry)); err != nil {
			return err
		}

		// The fresh table becomes addressable through the recursive
		// window the moment its directory entry is installed; clear
		// its 1024 entries before any of them can be walked.
		for tblEntry := uint32(0); tblEntry < mm.EntriesPerTable; tblEntry++ {
			if err := m.WriteU32(tableEntryWindow(dirIndex, tblEntry), 0); err != nil {
				return err
			}
		}
	}

	entryAddr := tableEntryWindow(dirIndex, tblIndex)
	pte, err := m.ReadU32(entryAddr)
	if err != nil {
		return err
	}
	if !pageTableEntry(pte).HasFlags(FlagPresent) {
		pageFrame, err := ctx.processPool.GetFrames(1)
		if err != nil {
			return err
		}

		var entry pageTableEntry
		entry.SetFrame(pageFrame)
		entry.SetFlags(flags)
		if err := m.WriteU32(entryAddr, uint32(entry)); err != nil {
			return err
		}
	}

	m.FlushTLBEntry(fault.Addr)
	ctx.log.WithField("addr", fault.Addr).Debug("handled page fault")

	return nil
}
