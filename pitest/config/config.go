// Copyright 2020 The gVisor Authors.
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
// for pitest. Each setting that can be changed from the command line must
// have a field in Config tagged with the flag name.
package config

import (
	"fmt"

	"pilock.dev/pilock/pkg/log"
	"pilock.dev/pilock/pkg/rtmutex"
)

// Config holds configuration that is not part of the lock API itself.
type Config struct {
	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log"`

	// LogFormat is the log format.
	LogFormat string `flag:"log-format"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// DebugLog is the path to log debug information to, if not empty. It
	// accepts the %TIMESTAMP% and %COMMAND% variables.
	DebugLog string `flag:"debug-log"`

	// DebugLogFormat is the log format for debug.
	DebugLogFormat string `flag:"debug-log-format"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// ConfigFile is a TOML file whose entries override flags that were not
	// set on the command line.
	ConfigFile string `flag:"config"`

	// MetricsFile is where metrics are written in Prometheus text format once
	// the command completes. "-" means stdout.
	MetricsFile string `flag:"metrics-file"`

	// MetricsPrefix is prepended to every exported metric name.
	MetricsPrefix string `flag:"metrics-prefix"`

	// MaxLockDepth bounds priority chain walks.
	MaxLockDepth int `flag:"max-lock-depth"`

	// ReaderLimit caps the number of concurrent readers of a rw lock.
	ReaderLimit int `flag:"reader-limit"`

	// SpinLimit bounds adaptive spinning in spin locks.
	SpinLimit int `flag:"spin-limit"`
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	switch c.DebugLogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid debug log format %q, must be 'text' or 'json'", c.DebugLogFormat)
	}
	lc := c.LockConfig()
	return lc.Validate()
}

// LockConfig returns the lock tunables carried by c.
func (c *Config) LockConfig() rtmutex.Config {
	return rtmutex.Config{
		MaxLockDepth: c.MaxLockDepth,
		ReaderLimit:  c.ReaderLimit,
		SpinLimit:    c.SpinLimit,
	}
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	for _, f := range c.ToFlags() {
		log.Infof("\t%s", f)
	}
}
