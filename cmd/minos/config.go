package main

import (
	"github.com/BurntSushi/toml"

	"minos/kernel/mm"
)

// bootConfig describes the simulated machine layout: how much physical
// memory is installed, where the kernel and process frame pools live, which
// frame ranges are carved out as inaccessible, and which virtual memory
// pools to create on top of the process address space.
type bootConfig struct {
	MemoryMiB uint32 `toml:"memory-mib"`
	SharedMiB uint32 `toml:"shared-mib"`

	KernelPool  poolConfig   `toml:"kernel-pool"`
	ProcessPool poolConfig   `toml:"process-pool"`
	Holes       []holeConfig `toml:"holes"`
	VMPools     []vmConfig   `toml:"vm-pools"`
}

type poolConfig struct {
	BaseFrame uint32 `toml:"base-frame"`
	Frames    uint32 `toml:"frames"`
}

type holeConfig struct {
	BaseFrame uint32 `toml:"base-frame"`
	Frames    uint32 `toml:"frames"`
}

type vmConfig struct {
	Base    uint32 `toml:"base"`
	SizeKiB uint32 `toml:"size-kib"`
}

// defaultConfig mirrors the classic layout of the machine this kernel was
// written for: 32 MiB of RAM, a 2 MiB kernel pool at 2 MiB, a process pool
// from 4 MiB to 32 MiB with a memory hole at 15-16 MiB, and two VM pools at
// 512 MiB and 1 GiB.
func defaultConfig() bootConfig {
	return bootConfig{
		MemoryMiB:   32,
		SharedMiB:   4,
		KernelPool:  poolConfig{BaseFrame: 512, Frames: 512},
		ProcessPool: poolConfig{BaseFrame: 1024, Frames: 7168},
		Holes:       []holeConfig{{BaseFrame: 3840, Frames: 256}},
		VMPools: []vmConfig{
			{Base: 512 << 20, SizeKiB: 256},
			{Base: 1 << 30, SizeKiB: 256},
		},
	}
}

// loadConfig reads a boot configuration from a TOML file, falling back to
// the default layout when path is empty.
func loadConfig(path string) (bootConfig, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return bootConfig{}, err
	}
	return cfg, nil
}

func (cfg bootConfig) sharedSize() uint32 {
	return cfg.SharedMiB << 20
}

func (cfg vmConfig) baseAddress() mm.VirtAddr {
	return mm.VirtAddr(cfg.Base)
}

func (cfg vmConfig) size() uint32 {
	return cfg.SizeKiB << 10
}
