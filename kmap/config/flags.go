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

package config

import (
	"flag"
	"fmt"
	"reflect"
	"strconv"
)

// RegisterFlags registers flags used to populate Config. Defaults come from
// Default.
func RegisterFlags(flagSet *flag.FlagSet) {
	def := Default()

	// Debugging flags.
	flagSet.String("config", "", "TOML file to load settings from; flags that are set override it.")
	flagSet.String("log", "", "file path where internal debug information is written, default is stderr.")
	flagSet.String("log-level", def.LogLevel, "minimum log level: warning, info or debug.")
	logFormat := def.LogFormat
	flagSet.Var(&logFormat, "log-format", "log format: text (default) or json.")
	flagSet.Duration("fault-warn-every", def.FaultWarnEvery, "minimum interval between warnings about faults on unmapped addresses.")

	// Kernel capacities.
	flagSet.Int("file-table-size", def.FileTableSize, "number of open files the kernel can hold.")
	flagSet.Int("fds-per-process", def.FDsPerProcess, "size of each process's descriptor table.")
	flagSet.Int("vma-pool-size", def.VMAPoolSize, "number of mapping descriptors shared by all processes.")
	flagSet.Int("frames", def.Frames, "number of physical page frames.")

	// Address space layout.
	flagSet.Uint64("mmap-top", def.MmapTop, "address below which the first mapping is placed.")
	flagSet.Uint64("mmap-bottom", def.MmapBottom, "lowest address a mapping may start at.")

	// File system.
	flagSet.Int("max-op-blocks", def.MaxOpBlocks, "maximum number of blocks one file system transaction writes.")
	flagSet.Int("block-size", def.BlockSize, "file system block size in bytes.")
	flagSet.Int("max-outstanding", def.MaxOutstanding, "number of file system transactions that may be in progress at once.")
	flagSet.Duration("host-lock-timeout", def.HostLockTimeout, "how long opening a host file waits for its lock; 0 fails immediately.")
}

// NewFromFlags creates a new Config with values coming from command line
// flags. If --config names a file, it is loaded first and only flags that
// were set explicitly override it.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := Default()
	set := make(map[string]bool)
	flagSet.Visit(func(fl *flag.Flag) { set[fl.Name] = true })

	if fl := flagSet.Lookup("config"); fl != nil && fl.Value.String() != "" {
		if err := conf.Load(fl.Value.String()); err != nil {
			return nil, err
		}
	}

	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if conf.ConfigFile != "" && !set[name] {
			continue
		}
		x := reflect.ValueOf(fl.Value.(flag.Getter).Get())
		obj.Field(i).Set(x)
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// ToFlags returns a slice of flags that correspond to the given Config.
// Fields that hold their default value are omitted.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		val := getVal(obj.Field(i))

		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == fl.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", fl.Name, val))
	}
	return rv
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
