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

// Package linux contains the constants and types of the system call ABI
// exposed to user processes.
package linux

// Protections for mmap(2).
const (
	PROT_NONE  = 0
	PROT_READ  = 1 << 0
	PROT_WRITE = 1 << 1
	PROT_EXEC  = 1 << 2
)

// Flags for mmap(2).
const (
	MAP_SHARED  = 1 << 0
	MAP_PRIVATE = 1 << 1
)

// MAP_FAILED is the value returned by mmap(2) on failure.
const MAP_FAILED = ^uintptr(0)

// Address space layout of a user process (Sv39). The two highest pages hold
// the trampoline and the trap frame; file mappings are stacked downward from
// TRAPFRAME.
const (
	MAXVA      = 1 << (9 + 9 + 9 + 12 - 1)
	TRAMPOLINE = MAXVA - 4096
	TRAPFRAME  = TRAMPOLINE - 4096
)

// Page table entry bits (Sv39).
const (
	PTE_V = 1 << 0
	PTE_R = 1 << 1
	PTE_W = 1 << 2
	PTE_X = 1 << 3
	PTE_U = 1 << 4
)
