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

// Package context defines the kernel's Context type.
package context

import (
	"context"
	"time"

	"github.com/labkernel/kmap/pkg/log"
)

type contextID int

// Globally accessible values from a context. These keys are defined in the
// context package to resolve dependency cycles by not requiring the caller to
// import packages usually required to get these information.
const (
	// CtxPID is the ID of the process a context acts for. The value is
	// represented as an int32.
	CtxPID contextID = iota
)

// PIDFromContext returns the process ID when ctx acts for a process.
func PIDFromContext(ctx Context) (pid int32, ok bool) {
	if pid := ctx.Value(CtxPID); pid != nil {
		return pid.(int32), true
	}
	return 0, false
}

// A Context represents a thread of execution. It carries state associated
// with the goroutine across API boundaries, plus a logger.
//
// It is *not safe* to use the same Context in multiple concurrent goroutines
// unless the embedded logger is safe for concurrent use.
type Context interface {
	context.Context
	log.Logger
}

// logContext implements Context over a standard context.Context.
type logContext struct {
	context.Context
	log.Logger
}

// Background returns an empty context using the default logger.
//
// Using a Background context for tests is fine, as long as no values are
// needed from the context in the tested code paths.
func Background() Context {
	return logContext{Context: context.Background(), Logger: log.Log()}
}

// WithLogger returns a Context carrying the values and deadline of ctx that
// logs to l.
func WithLogger(ctx context.Context, l log.Logger) Context {
	return logContext{Context: ctx, Logger: l}
}

// WithValue returns a copy of ctx in which key is associated with val.
func WithValue(ctx Context, key, val any) Context {
	return logContext{Context: context.WithValue(ctx, key, val), Logger: ctx}
}

// WithTimeout returns a copy of ctx that is cancelled after d.
func WithTimeout(ctx Context, d time.Duration) (Context, context.CancelFunc) {
	c, cancel := context.WithTimeout(ctx, d)
	return logContext{Context: c, Logger: ctx}, cancel
}
