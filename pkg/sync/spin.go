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
	"runtime"
)

// activeSpinIters is the number of busy iterations performed by Relax before
// it starts yielding the processor.
const activeSpinIters = 4

// Relax is called between attempts of a spin loop. iter is the number of
// attempts made so far; the first few calls spin in place and later calls
// yield to the Go scheduler so that the goroutine being waited on can run.
func Relax(iter int) {
	if iter < activeSpinIters && runtime.GOMAXPROCS(0) > 1 {
		for i := 0; i < 30; i++ {
			procyield()
		}
		return
	}
	Goyield()
}

// Goyield yields the processor to other goroutines.
func Goyield() {
	runtime.Gosched()
}

//go:noinline
func procyield() {}
