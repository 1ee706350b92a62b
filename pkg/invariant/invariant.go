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

// Package invariant reports violations of internal invariants.
//
// A violation means a caller bug: the operation that detected it returns an
// error to its caller. Kernels built with the "debug" tag panic instead, so
// that the bug is caught where it happens.
package invariant

import (
	"fmt"

	"github.com/labkernel/kmap/pkg/log"
)

// Violated records a broken invariant. It panics in debug builds and logs a
// warning otherwise.
func Violated(format string, v ...any) {
	msg := fmt.Sprintf(format, v...)
	if debug {
		panic(msg)
	}
	log.Warningf("invariant violated: %s", msg)
}

// Debug returns true in debug builds.
func Debug() bool {
	return debug
}
