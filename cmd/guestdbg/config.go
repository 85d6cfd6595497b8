package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// GuestImage is the minimal "external collaborator" SPEC_FULL.md assigns to
// VM lifecycle/kernel loading: a flat binary blob loaded at a fixed
// guest-physical address with no ELF or Linux boot-protocol parsing, fitting
// a unikernel-style workload rather than a general-purpose kernel.
type GuestImage struct {
	Path       string `yaml:"path"`
	LoadAddr   uint64 `yaml:"load_addr"`
	Entry      uint64 `yaml:"entry"`
	StackTop   uint64 `yaml:"stack_top"`
	LongMode   bool   `yaml:"long_mode"`
	// PagingBase is the memory-base-relative offset the identity-mapped
	// long-mode page tables are built at (PML4, PDPT, then one PD page per
	// GiB of AddrSpaceGiB).
	PagingBase uint64 `yaml:"paging_base"`
	// AddrSpaceGiB is how many 1 GiB PDPT entries to identity-map.
	AddrSpaceGiB int `yaml:"addr_space_gib"`
}

// SessionConfig is the bootstrap configuration for one guestdbg run: where to
// listen for the debugger, how big the guest's address space is, and which
// image to boot it with.
type SessionConfig struct {
	ListenAddr string     `yaml:"listen_addr"`
	MemorySize uint64     `yaml:"memory_size_mb"`
	MemoryBase uint64     `yaml:"memory_base"`
	Image      GuestImage `yaml:"image"`
}

func defaultSessionConfig() SessionConfig {
	return SessionConfig{
		ListenAddr: "127.0.0.1:1234",
		MemorySize: 64,
		MemoryBase: 0x100000,
		Image: GuestImage{
			LoadAddr:     0x100000,
			Entry:        0x100000,
			StackTop:     0x1ff000,
			LongMode:     true,
			PagingBase:   0x10000,
			AddrSpaceGiB: 1,
		},
	}
}

func loadSessionConfig(path string) (SessionConfig, error) {
	cfg := defaultSessionConfig()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}
