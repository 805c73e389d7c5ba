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
	"strings"
	"testing"
	"time"
)

func TestLevelMarshal(t *testing.T) {
	for _, tc := range []struct {
		level Level
		json  string
	}{
		{Warning, `"warning"`},
		{Info, `"info"`},
		{Debug, `"debug"`},
	} {
		b, err := json.Marshal(tc.level)
		if err != nil {
			t.Fatalf("marshaling %v: %v", tc.level, err)
		}
		if string(b) != tc.json {
			t.Errorf("marshal %v = %s, want %s", tc.level, b, tc.json)
		}
		var got Level
		if err := json.Unmarshal(b, &got); err != nil || got != tc.level {
			t.Errorf("unmarshal %s = %v, %v, want %v", b, got, err, tc.level)
		}
	}
	if _, err := json.Marshal(Level(7)); err == nil {
		t.Errorf("marshaling an invalid level succeeded")
	}
}

func TestLevelUnmarshal(t *testing.T) {
	for _, tc := range []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{in: "0", want: Warning},
		{in: "1", want: Info},
		{in: "2", want: Debug},
		{in: `"WARNING"`, want: Warning},
		{in: "3", wantErr: true},
		{in: `"trace"`, wantErr: true},
		{in: "true", wantErr: true},
	} {
		var got Level
		err := got.UnmarshalJSON([]byte(tc.in))
		if (err != nil) != tc.wantErr {
			t.Errorf("UnmarshalJSON(%s) = %v, want error %t", tc.in, err, tc.wantErr)
			continue
		}
		if !tc.wantErr && got != tc.want {
			t.Errorf("UnmarshalJSON(%s) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestJSONEmitter(t *testing.T) {
	tw := &testWriter{}
	l := &BasicLogger{Level: Info, Emitter: JSONEmitter{&Writer{Next: tw}}}
	l.Infof("domain %d created", 4)
	l.Debugf("dropped")
	if len(tw.lines) != 1 {
		t.Fatalf("got %d lines, want 1: %v", len(tw.lines), tw.lines)
	}
	line := tw.lines[0]
	if !strings.HasSuffix(line, "}\n") {
		t.Errorf("line %q is not newline terminated JSON", line)
	}
	var got jsonLog
	if err := json.Unmarshal([]byte(line), &got); err != nil {
		t.Fatalf("decoding %q: %v", line, err)
	}
	if got.Msg != "domain 4 created" || got.Level != Info {
		t.Errorf("decoded %+v, want info message %q", got, "domain 4 created")
	}
	if !strings.HasPrefix(got.Caller, "json_test.go:") {
		t.Errorf("caller = %q, want json_test.go:<line>", got.Caller)
	}
	if time.Since(got.Time) > time.Minute {
		t.Errorf("timestamp %v is stale", got.Time)
	}
}
