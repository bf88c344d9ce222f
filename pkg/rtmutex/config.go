// Copyright 2023 The gVisor Authors.
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

package rtmutex

import (
	"fmt"
	"sync/atomic"

	"pilock.dev/pilock/pkg/errors/linuxerr"
)

// Config holds the tunables shared by all locks in the process.
type Config struct {
	// MaxLockDepth bounds the number of hops of a single priority chain walk.
	MaxLockDepth int

	// ReaderLimit is the maximum number of distinct tasks that may hold a read
	// lock at once. Zero means unlimited.
	ReaderLimit int

	// SpinLimit bounds the number of adaptive spin iterations before a spin
	// lock waiter sleeps even though the owner is still running. Zero means
	// spin for as long as the owner runs.
	SpinLimit int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MaxLockDepth: 1024,
		ReaderLimit:  0,
		SpinLimit:    1000,
	}
}

// Validate returns an error if c is not usable.
func (c *Config) Validate() error {
	if c.MaxLockDepth <= 0 {
		return fmt.Errorf("max lock depth must be positive, got %d: %w", c.MaxLockDepth, linuxerr.EINVAL)
	}
	if c.ReaderLimit < 0 {
		return fmt.Errorf("reader limit must not be negative, got %d: %w", c.ReaderLimit, linuxerr.EINVAL)
	}
	if c.SpinLimit < 0 {
		return fmt.Errorf("spin limit must not be negative, got %d: %w", c.SpinLimit, linuxerr.EINVAL)
	}
	return nil
}

var config atomic.Pointer[Config]

func init() {
	c := DefaultConfig()
	config.Store(&c)
}

// SetConfig replaces the current configuration. Locks that are in the middle
// of an operation may observe either value.
func SetConfig(c Config) error {
	if err := c.Validate(); err != nil {
		return err
	}
	config.Store(&c)
	return nil
}

// CurrentConfig returns the current configuration.
func CurrentConfig() Config {
	return *config.Load()
}
