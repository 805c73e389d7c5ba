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

// Package config provides basic infrastructure to set configuration settings
// for dmarsim. Each setting that can be changed from the command line is
// declared as a field with a `flag:"name"` tag and registered in
// RegisterFlags.
package config

import (
	"fmt"
	"reflect"
	"time"

	"vtd.dev/vtd/pkg/dmar"
	"vtd.dev/vtd/pkg/log"
)

// Config holds configuration that is not part of a topology file.
type Config struct {
	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log"`

	// LogFormat is the log format: "text" or "json".
	LogFormat string `flag:"log-format"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// BatchCoalesce is the number of queued IOTLB invalidations per wait
	// descriptor.
	BatchCoalesce int `flag:"batch-coalesce"`

	// FlushTimeout bounds register-based invalidations.
	FlushTimeout time.Duration `flag:"flush-timeout"`

	// EnableTimeout bounds translation enable and disable.
	EnableTimeout time.Duration `flag:"enable-timeout"`

	// MaxPhysAddr is the end of physical memory covered by identity
	// domains.
	MaxPhysAddr uint64 `flag:"max-phys-addr"`

	// AsyncQueue makes simulated invalidation queues complete descriptors
	// in the background instead of on submission.
	AsyncQueue bool `flag:"async-queue"`
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	if c.BatchCoalesce <= 0 {
		return fmt.Errorf("batch-coalesce must be positive, got %d", c.BatchCoalesce)
	}
	if c.FlushTimeout <= 0 || c.EnableTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive, got flush %v and enable %v", c.FlushTimeout, c.EnableTimeout)
	}
	if c.MaxPhysAddr < 1<<20 {
		return fmt.Errorf("max-phys-addr %#x is below 1M", c.MaxPhysAddr)
	}
	return nil
}

// UnitOptions returns the options for a unit called name.
func (c *Config) UnitOptions(name string) dmar.Options {
	return dmar.Options{
		Name:          name,
		BatchCoalesce: c.BatchCoalesce,
		FlushTimeout:  c.FlushTimeout,
		EnableTimeout: c.EnableTimeout,
		MaxPhysAddr:   c.MaxPhysAddr,
	}
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config.LogFormat: %v", c.LogFormat)
	log.Infof("Config.Debug: %v", c.Debug)
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok || name == "log-format" || name == "debug" {
			continue
		}
		log.Debugf("Config.%s (--%s): %v", f.Name, name, obj.Field(i).Interface())
	}
}
