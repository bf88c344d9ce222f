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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"pilock.dev/pilock/pitest/flag"
	"pilock.dev/pilock/pkg/rtmutex"
)

func newFlags(t *testing.T) *flag.FlagSet {
	t.Helper()
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	return testFlags
}

func TestDefault(t *testing.T) {
	c, err := NewFromFlags(newFlags(t))
	if err != nil {
		t.Fatal(err)
	}
	// All defaults doesn't require setting flags.
	if flags := c.ToFlags(); len(flags) > 0 {
		t.Errorf("default flags not set correctly for: %s", flags)
	}
	if diff := cmp.Diff(rtmutex.DefaultConfig(), c.LockConfig()); diff != "" {
		t.Errorf("LockConfig mismatch (-want +got):\n%s", diff)
	}
}

func TestFromFlags(t *testing.T) {
	testFlags := newFlags(t)
	if err := testFlags.Parse([]string{"--debug", "--max-lock-depth=16", "--reader-limit=3", "--log-format=json"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if !c.Debug {
		t.Errorf("Debug=false, want true")
	}
	if want := "json"; c.LogFormat != want {
		t.Errorf("LogFormat=%v, want: %v", c.LogFormat, want)
	}
	want := rtmutex.DefaultConfig()
	want.MaxLockDepth = 16
	want.ReaderLimit = 3
	if diff := cmp.Diff(want, c.LockConfig()); diff != "" {
		t.Errorf("LockConfig mismatch (-want +got):\n%s", diff)
	}
}

func TestToFlagsFromFlags(t *testing.T) {
	testFlags := newFlags(t)
	args := []string{"--alsologtostderr=true", "--metrics-file=-", "--spin-limit=7"}
	if err := testFlags.Parse(args); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(args, c.ToFlags()); diff != "" {
		t.Errorf("ToFlags mismatch (-want +got):\n%s", diff)
	}

	// The flags must round trip.
	again := newFlags(t)
	if err := again.Parse(c.ToFlags()); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	c2, err := NewFromFlags(again)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(c, c2); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestValidation(t *testing.T) {
	for _, tc := range []struct {
		name string
		args []string
		err  string
	}{
		{name: "log-format", args: []string{"--log-format=xml"}, err: "invalid log format"},
		{name: "debug-log-format", args: []string{"--debug-log-format=xml"}, err: "invalid debug log format"},
		{name: "depth", args: []string{"--max-lock-depth=0"}, err: "max lock depth"},
		{name: "readers", args: []string{"--reader-limit=-1"}, err: "reader limit"},
		{name: "spin", args: []string{"--spin-limit=-1"}, err: "spin limit"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			testFlags := newFlags(t)
			if err := testFlags.Parse(tc.args); err != nil {
				t.Fatalf("Parse: %v", err)
			}
			_, err := NewFromFlags(testFlags)
			if err == nil || !strings.Contains(err.Error(), tc.err) {
				t.Errorf("NewFromFlags() = %v, want error containing %q", err, tc.err)
			}
		})
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pitest.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestConfigFile(t *testing.T) {
	path := writeConfig(t, `
[flags]
max-lock-depth = "32"
spin-limit = "5"
debug = "true"
`)
	testFlags := newFlags(t)
	// Flags set on the command line win over the file.
	if err := testFlags.Parse([]string{"--config=" + path, "--spin-limit=9"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if !c.Debug {
		t.Errorf("Debug=false, want true")
	}
	want := rtmutex.DefaultConfig()
	want.MaxLockDepth = 32
	want.SpinLimit = 9
	if diff := cmp.Diff(want, c.LockConfig()); diff != "" {
		t.Errorf("LockConfig mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigFileErrors(t *testing.T) {
	for _, tc := range []struct {
		name    string
		content string
		err     string
	}{
		{name: "unknown", content: "[flags]\nno-such-flag = \"1\"\n", err: "not found"},
		{name: "bad-value", content: "[flags]\nmax-lock-depth = \"many\"\n", err: "error setting flag"},
		{name: "recursive", content: "[flags]\nconfig = \"other.toml\"\n", err: "cannot set"},
		{name: "syntax", content: "[flags\n", err: "loading config file"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.content)
			testFlags := newFlags(t)
			if err := testFlags.Parse([]string{"--config=" + path}); err != nil {
				t.Fatalf("Parse: %v", err)
			}
			_, err := NewFromFlags(testFlags)
			if err == nil || !strings.Contains(err.Error(), tc.err) {
				t.Errorf("NewFromFlags() = %v, want error containing %q", err, tc.err)
			}
		})
	}
}
