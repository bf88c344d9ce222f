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

package log

import (
	"encoding/json"
	"testing"
	"time"
)

func TestLevelJSON(t *testing.T) {
	for _, tc := range []struct {
		level Level
		name  string
	}{
		{Warning, `"warning"`},
		{Info, `"info"`},
		{Debug, `"debug"`},
	} {
		b, err := json.Marshal(tc.level)
		if err != nil {
			t.Fatalf("Marshal(%v): %v", tc.level, err)
		}
		if string(b) != tc.name {
			t.Errorf("Marshal(%v) = %s, want %s", tc.level, b, tc.name)
		}

		// Both the name, in any case, and the number decode.
		for _, in := range []string{tc.name, `"` + tc.level.String() + `"`, string('0' + byte(tc.level))} {
			var got Level
			if err := json.Unmarshal([]byte(in), &got); err != nil {
				t.Errorf("Unmarshal(%s): %v", in, err)
				continue
			}
			if got != tc.level {
				t.Errorf("Unmarshal(%s) = %v, want %v", in, got, tc.level)
			}
		}
	}

	for _, in := range []string{"3", "-1", `"fatal"`, "true"} {
		var l Level
		if err := json.Unmarshal([]byte(in), &l); err == nil {
			t.Errorf("Unmarshal(%s) = %v, want error", in, l)
		}
	}
	if b, err := json.Marshal(Level(7)); err == nil {
		t.Errorf("Marshal(Level(7)) = %s, want error", b)
	}
}

func TestJSONEmitterBadLevel(t *testing.T) {
	tw := &testWriter{}
	e := JSONEmitter{Writer: &Writer{Next: tw}}
	e.Emit(0, Level(7), time.Now(), "kept %d", 1)
	if len(tw.lines) == 0 || tw.lines[0] != "kept 1" {
		t.Errorf("emitted %q, want the plain message", tw.lines)
	}
}
