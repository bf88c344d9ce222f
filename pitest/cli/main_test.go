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

package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"pilock.dev/pilock/pkg/log"
)

func TestNewEmitter(t *testing.T) {
	ts := time.Date(2024, time.May, 3, 4, 5, 6, 0, time.UTC)

	var text bytes.Buffer
	newEmitter("text", &text).Emit(0, log.Info, ts, "task %d", 1)
	if got := text.String(); !strings.HasPrefix(got, "I0503 04:05:06.000000 ") || !strings.HasSuffix(got, "] task 1\n") {
		t.Errorf("text emitter wrote %q", got)
	}

	var js bytes.Buffer
	newEmitter("json", &js).Emit(0, log.Info, ts, "task %d", 2)
	var rec struct {
		Msg   string    `json:"msg"`
		Level log.Level `json:"level"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(js.Bytes()), &rec); err != nil {
		t.Fatalf("json.Unmarshal(%q): %v", js.String(), err)
	}
	if rec.Msg != "task 2" || rec.Level != log.Info {
		t.Errorf("json emitter wrote %+v", rec)
	}
}
