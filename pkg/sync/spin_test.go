// Copyright 2024 The gVisor Authors.
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

package sync

import (
	"sync/atomic"
	"testing"
)

func TestRelaxMakesProgress(t *testing.T) {
	var flag atomic.Bool
	done := make(chan struct{})
	go func() {
		flag.Store(true)
		close(done)
	}()
	for i := 0; !flag.Load(); i++ {
		Relax(i)
	}
	<-done
}
