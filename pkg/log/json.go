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
	"fmt"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// jsonLog is one line of JSONEmitter output.
type jsonLog struct {
	Time   time.Time `json:"time"`
	Level  Level     `json:"level"`
	Caller string    `json:"caller,omitempty"`
	Msg    string    `json:"msg"`
}

// MarshalJSON implements json.Marshaler.MarshalJSON.
func (l Level) MarshalJSON() ([]byte, error) {
	switch l {
	case Warning, Info, Debug:
		return json.Marshal(strings.ToLower(l.String()))
	default:
		return nil, fmt.Errorf("unknown level %v", uint32(l))
	}
}

// UnmarshalJSON implements json.Unmarshaler.UnmarshalJSON. It accepts level
// names and their numeric values.
func (l *Level) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		n, nerr := strconv.ParseUint(string(b), 10, 32)
		if nerr != nil {
			return fmt.Errorf("unknown level %s", b)
		}
		name = Level(n).String()
	}
	for _, lv := range []Level{Warning, Info, Debug} {
		if strings.EqualFold(name, lv.String()) {
			*l = lv
			return nil
		}
	}
	return fmt.Errorf("unknown level %s", b)
}

// JSONEmitter logs messages as one JSON object per line.
type JSONEmitter struct {
	*Writer
}

// Emit implements Emitter.Emit.
func (e JSONEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	j := jsonLog{
		Time:  timestamp,
		Level: level,
		Msg:   fmt.Sprintf(format, v...),
	}
	if _, file, line, ok := runtime.Caller(depth + 1); ok {
		j.Caller = filepath.Base(file) + ":" + strconv.Itoa(line)
	}
	b, err := json.Marshal(j)
	if err != nil {
		panic(err)
	}
	e.Writer.Write(append(b, '\n'))
}
