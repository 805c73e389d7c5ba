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
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// rateLimitedLogger forwards at most one message per interval and reports
// how many were dropped since the last one it forwarded.
type rateLimitedLogger struct {
	logger     Logger
	limit      *rate.Limiter
	suppressed atomic.Uint64
}

// prefix returns the suppression note for the next forwarded message, or
// false if the message must be dropped.
func (rl *rateLimitedLogger) prefix() (string, bool) {
	if !rl.limit.Allow() {
		rl.suppressed.Add(1)
		return "", false
	}
	if n := rl.suppressed.Swap(0); n > 0 {
		return fmt.Sprintf("[%d similar messages suppressed] ", n), true
	}
	return "", true
}

func (rl *rateLimitedLogger) Debugf(format string, v ...any) {
	if p, ok := rl.prefix(); ok {
		rl.logger.Debugf("%s%s", p, fmt.Sprintf(format, v...))
	}
}

func (rl *rateLimitedLogger) Infof(format string, v ...any) {
	if p, ok := rl.prefix(); ok {
		rl.logger.Infof("%s%s", p, fmt.Sprintf(format, v...))
	}
}

func (rl *rateLimitedLogger) Warningf(format string, v ...any) {
	if p, ok := rl.prefix(); ok {
		rl.logger.Warningf("%s%s", p, fmt.Sprintf(format, v...))
	}
}

func (rl *rateLimitedLogger) IsLogging(level Level) bool {
	return rl.logger.IsLogging(level)
}

// BasicRateLimitedLogger returns a Logger that logs to the global logger no
// more than once per the provided duration.
func BasicRateLimitedLogger(every time.Duration) Logger {
	return RateLimitedLogger(Log(), every)
}

// RateLimitedLogger returns a Logger that logs to the provided logger no more
// than once per the provided duration. The first message forwarded after a
// quiet period carries the number of messages dropped during it.
func RateLimitedLogger(logger Logger, every time.Duration) Logger {
	return &rateLimitedLogger{
		logger: logger,
		limit:  rate.NewLimiter(rate.Every(every), 1),
	}
}
