// Command minos boots the memory-management core on the simulated machine
// and runs a small demand-paging exercise against it: it constructs the
// kernel and process frame pools, sets up paging with an identity-mapped
// shared region, creates virtual memory pools and touches freshly allocated
// regions so their pages are faulted in one by one.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"minos/kernel/hal/machine"
	"minos/kernel/mm"
	"minos/kernel/mm/pmm"
	"minos/kernel/mm/vmm"
)

func main() {
	var (
		configPath string
		verbose    bool
	)

	rootCmd := &cobra.Command{
		Use:           "minos",
		Short:         "minos boots the memory-management core on a simulated machine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	bootCmd := &cobra.Command{
		Use:   "boot",
		Short: "Boot the memory core and run a demand-paging exercise",
		RunE: func(_ *cobra.Command, _ []string) error {
			logger := logrus.New()
			logger.SetLevel(logrus.InfoLevel)
			if verbose {
				logger.SetLevel(logrus.DebugLevel)
			}

			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return boot(cfg, logger)
		},
	}
	bootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a TOML boot configuration")
	bootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log every page fault and TLB operation")
	rootCmd.AddCommand(bootCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func boot(cfg bootConfig, logger *logrus.Logger) error {
	m := machine.New(cfg.MemoryMiB<<20, logger)
	registry := pmm.NewRegistry()

	kernelPool, err := pmm.NewFramePool(registry, m, mm.Frame(cfg.KernelPool.BaseFrame), cfg.KernelPool.Frames, 0)
	if err != nil {
		return err
	}

	// The process pool cannot host its own metadata before paging exists;
	// its bitmap lives in info frames taken from the kernel pool.
	infoFrame, err := kernelPool.GetFrames(pmm.NeededInfoFrames(cfg.ProcessPool.Frames))
	if err != nil {
		return err
	}
	processPool, err := pmm.NewFramePool(registry, m, mm.Frame(cfg.ProcessPool.BaseFrame), cfg.ProcessPool.Frames, infoFrame)
	if err != nil {
		return err
	}

	for _, hole := range cfg.Holes {
		if err := processPool.MarkInaccessible(mm.Frame(hole.BaseFrame), hole.Frames); err != nil {
			return err
		}
		logger.WithFields(logrus.Fields{
			"baseFrame": hole.BaseFrame,
			"frames":    hole.Frames,
		}).Info("carved out memory hole")
	}

	ctx, err := vmm.InitPaging(m, registry, kernelPool, processPool, cfg.sharedSize(), logger)
	if err != nil {
		return err
	}

	pageTable, err := ctx.NewPageTable()
	if err != nil {
		return err
	}
	pageTable.Load()
	ctx.EnablePaging()

	for _, vmCfg := range cfg.VMPools {
		pool, err := vmm.NewVMPool(vmCfg.baseAddress(), vmCfg.size(), processPool, pageTable)
		if err != nil {
			return err
		}
		if err := exercise(m, pool, logger); err != nil {
			return err
		}
	}

	logger.WithFields(logrus.Fields{
		"faults":            m.FaultCount(),
		"kernelFreeFrames":  kernelPool.FreeFrameCount(),
		"processFreeFrames": processPool.FreeFrameCount(),
	}).Info("exercise complete")

	return nil
}

// exercise allocates a region from the pool, touches every page of it from
// user mode so each touch demand-pages a frame in, verifies the written
// pattern and releases the region again.
func exercise(m *machine.Machine, pool *vmm.VMPool, logger *logrus.Logger) error {
	const regionSize = 8 * mm.PageSize

	region, err := pool.Allocate(regionSize)
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"base": region,
		"size": regionSize,
	}).Info("allocated region")

	for offset := uint32(0); offset < regionSize; offset += mm.PageSize {
		addr := region + mm.VirtAddr(offset)
		if err := m.UserWriteU32(addr, uint32(addr)); err != nil {
			return err
		}
	}
	for offset := uint32(0); offset < regionSize; offset += mm.PageSize {
		addr := region + mm.VirtAddr(offset)
		val, err := m.UserReadU32(addr)
		if err != nil {
			return err
		}
		if val != uint32(addr) {
			return fmt.Errorf("pattern mismatch at %#x: got %#x", uint32(addr), val)
		}
	}

	if err := pool.Release(region); err != nil {
		return err
	}
	logger.WithField("base", region).Info("released region")

	return nil
}
