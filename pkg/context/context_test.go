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

package context

import (
	"testing"
	"time"
)

func TestPIDFromContext(t *testing.T) {
	ctx := Background()
	if _, ok := PIDFromContext(ctx); ok {
		t.Fatalf("PIDFromContext(Background()): got ok, want !ok")
	}
	ctx = WithValue(ctx, CtxPID, int32(7))
	if pid, ok := PIDFromContext(ctx); !ok || pid != 7 {
		t.Errorf("PIDFromContext: got (%d, %t), want (7, true)", pid, ok)
	}
	// The logger survives the derivation.
	ctx.Debugf("pid %d", 7)
}

func TestWithTimeout(t *testing.T) {
	ctx, cancel := WithTimeout(Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()
	if ctx.Err() == nil {
		t.Errorf("Err() after timeout: got nil, want deadline exceeded")
	}
}
