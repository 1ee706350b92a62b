// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides basic infrastructure to set configuration settings
// for kmap. Settings come from a TOML file and from command line flags; flags
// that were set explicitly take precedence.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"

	"github.com/labkernel/kmap/pkg/abi/linux"
	"github.com/labkernel/kmap/pkg/hostarch"
	"github.com/labkernel/kmap/pkg/log"
	"github.com/labkernel/kmap/pkg/sentry/fs"
	"github.com/labkernel/kmap/pkg/sentry/kernel"
	"github.com/labkernel/kmap/pkg/sentry/mm"
)

// Config holds configuration that is not part of a scenario.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name and a toml tag with the key name.
//  3. Register a new flag in flags.go, with same name and add a description.
//  4. Add any necessary validation into validate().
//  5. If adding an enum, follow the same pattern as LogFormat.
type Config struct {
	// ConfigFile is the TOML file the configuration was loaded from.
	ConfigFile string `flag:"config" toml:"-"`

	// LogLevel is the minimum level of messages that are logged.
	LogLevel string `flag:"log-level" toml:"log_level"`

	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log" toml:"log"`

	// LogFormat is the log format.
	LogFormat LogFormat `flag:"log-format" toml:"log_format"`

	// FileTableSize is the size of the kernel-wide open file table.
	FileTableSize int `flag:"file-table-size" toml:"file_table_size"`

	// FDsPerProcess is the size of each process's descriptor table.
	FDsPerProcess int `flag:"fds-per-process" toml:"fds_per_process"`

	// VMAPoolSize is the number of mapping descriptors shared by all
	// processes.
	VMAPoolSize int `flag:"vma-pool-size" toml:"vma_pool_size"`

	// Frames is the number of physical page frames.
	Frames int `flag:"frames" toml:"frames"`

	// MmapTop is the address below which the first mapping is placed.
	MmapTop uint64 `flag:"mmap-top" toml:"mmap_top"`

	// MmapBottom is the lowest address a mapping may start at.
	MmapBottom uint64 `flag:"mmap-bottom" toml:"mmap_bottom"`

	// MaxOpBlocks is the maximum number of blocks one file system
	// transaction writes.
	MaxOpBlocks int `flag:"max-op-blocks" toml:"max_op_blocks"`

	// BlockSize is the file system block size in bytes.
	BlockSize int `flag:"block-size" toml:"block_size"`

	// MaxOutstanding is the number of file system transactions that may
	// be in progress at once.
	MaxOutstanding int `flag:"max-outstanding" toml:"max_outstanding"`

	// HostLockTimeout bounds how long opening a host file waits for its
	// lock.
	HostLockTimeout time.Duration `flag:"host-lock-timeout" toml:"host_lock_timeout"`

	// FaultWarnEvery limits how often faults on unmapped addresses are
	// logged.
	FaultWarnEvery time.Duration `flag:"fault-warn-every" toml:"fault_warn_every"`

	// Files are created in the kernel's file system at startup, keyed by
	// name. They can only be set from the configuration file.
	Files map[string]string `toml:"files"`
}

// Default returns the configuration of the teaching kernel.
func Default() *Config {
	kopts := kernel.DefaultOpts()
	return &Config{
		LogLevel:        "info",
		LogFormat:       LogFormatText,
		FileTableSize:   kopts.FileTableSize,
		FDsPerProcess:   kopts.FDsPerProcess,
		VMAPoolSize:     kopts.VMAPoolSize,
		Frames:          kopts.Frames,
		MmapTop:         uint64(kopts.Layout.Top),
		MmapBottom:      uint64(kopts.Layout.Bottom),
		MaxOpBlocks:     kopts.Journal.MaxOpBlocks,
		BlockSize:       kopts.Journal.BlockSize,
		MaxOutstanding:  kopts.Journal.MaxOutstanding,
		HostLockTimeout: kopts.HostLockTimeout,
		FaultWarnEvery:  kopts.FaultWarnEvery,
	}
}

// Load decodes the TOML file at path on top of c. Keys that don't correspond
// to a field are rejected.
func (c *Config) Load(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("loading config %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("loading config %q: unknown keys %v", path, undecoded)
	}
	c.ConfigFile = path
	return nil
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	return deepcopy.Copy(c).(*Config)
}

func (c *Config) validate() error {
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.FileTableSize <= 0 {
		return fmt.Errorf("file-table-size must be positive, got: %d", c.FileTableSize)
	}
	if c.FDsPerProcess <= 0 {
		return fmt.Errorf("fds-per-process must be positive, got: %d", c.FDsPerProcess)
	}
	if c.VMAPoolSize <= 0 {
		return fmt.Errorf("vma-pool-size must be positive, got: %d", c.VMAPoolSize)
	}
	if c.Frames <= 0 {
		return fmt.Errorf("frames must be positive, got: %d", c.Frames)
	}
	if !hostarch.Addr(c.MmapTop).IsPageAligned() || !hostarch.Addr(c.MmapBottom).IsPageAligned() {
		return fmt.Errorf("mmap-top %#x and mmap-bottom %#x must be page aligned", c.MmapTop, c.MmapBottom)
	}
	if c.MmapBottom >= c.MmapTop || c.MmapTop > linux.TRAPFRAME {
		return fmt.Errorf("invalid mapping window [%#x, %#x)", c.MmapBottom, c.MmapTop)
	}
	// A transaction must have room for at least one data block.
	if c.MaxOpBlocks < 6 || c.BlockSize <= 0 {
		return fmt.Errorf("max-op-blocks %d and block-size %d leave no room for data", c.MaxOpBlocks, c.BlockSize)
	}
	if c.MaxOutstanding <= 0 {
		return fmt.Errorf("max-outstanding must be positive, got: %d", c.MaxOutstanding)
	}
	if c.HostLockTimeout < 0 {
		return fmt.Errorf("host-lock-timeout must not be negative, got: %v", c.HostLockTimeout)
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	return c.validate()
}

// Level returns the parsed log level.
func (c *Config) Level() log.Level {
	l, _ := log.ParseLevel(c.LogLevel)
	return l
}

// KernelOpts returns the kernel options described by c.
func (c *Config) KernelOpts() kernel.Opts {
	opts := kernel.DefaultOpts()
	opts.FileTableSize = c.FileTableSize
	opts.FDsPerProcess = c.FDsPerProcess
	opts.VMAPoolSize = c.VMAPoolSize
	opts.Frames = c.Frames
	opts.Layout = mm.Layout{
		Top:    hostarch.Addr(c.MmapTop),
		Bottom: hostarch.Addr(c.MmapBottom),
	}
	opts.Journal = fs.JournalOpts{
		MaxOpBlocks:    c.MaxOpBlocks,
		BlockSize:      c.BlockSize,
		MaxOutstanding: c.MaxOutstanding,
	}
	opts.HostLockTimeout = c.HostLockTimeout
	opts.FaultWarnEvery = c.FaultWarnEvery
	return opts
}

// LogFormat is the format of log output.
type LogFormat string

const (
	// LogFormatText writes human readable lines through logrus.
	LogFormatText LogFormat = "text"

	// LogFormatJSON writes one JSON object per message.
	LogFormatJSON LogFormat = "json"
)

// Set implements flag.Value.
func (f *LogFormat) Set(v string) error {
	switch LogFormat(v) {
	case LogFormatText, LogFormatJSON:
		*f = LogFormat(v)
		return nil
	}
	return fmt.Errorf("invalid log format %q", v)
}

// Get implements flag.Getter.
func (f *LogFormat) Get() any {
	return *f
}

// String implements flag.Value.
func (f LogFormat) String() string {
	return string(f)
}

// UnmarshalText implements encoding.TextUnmarshaler, so the TOML decoder
// validates the format too.
func (f *LogFormat) UnmarshalText(b []byte) error {
	return f.Set(string(b))
}
