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

package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
	"vtd.dev/vtd/pkg/dmar"
	"vtd.dev/vtd/pkg/vtd"
)

// Topology describes simulated remapping units and the devices behind them.
type Topology struct {
	Units []Unit `toml:"unit" yaml:"units"`
}

// Unit is one simulated remapping unit.
type Unit struct {
	Name    string           `toml:"name" yaml:"name"`
	Caps    vtd.Capabilities `toml:"caps" yaml:"caps"`
	RMRR    vtd.RMRRTable    `toml:"rmrr" yaml:"rmrr"`
	Devices []Device         `toml:"device" yaml:"devices"`
}

// Device is a requester attached to a unit.
type Device struct {
	Name string `toml:"name" yaml:"name"`

	// RID is the requester id in bus:slot.func form.
	RID string `toml:"rid" yaml:"rid"`

	// Path is the device scope path used to match RMRR regions. Empty
	// means the device sits directly on the bus of its requester id.
	Path []vtd.PathEntry `toml:"path" yaml:"path"`

	// Identity requests an identity-mapped domain.
	Identity bool `toml:"identity" yaml:"identity"`

	// BusWide installs the context for every function on the bus.
	BusWide bool `toml:"bus_wide" yaml:"bus_wide"`

	// Refs is the number of times the device is attached. Zero means one.
	Refs int `toml:"refs" yaml:"refs"`

	// ShareWith names another device of the same unit whose domain this
	// device is moved to after attach.
	ShareWith string `toml:"share_with" yaml:"share_with"`

	// Buffers are the sizes, in bytes, of the ranges mapped and unloaded
	// through the device's domain.
	Buffers []uint64 `toml:"buffers" yaml:"buffers"`

	rid vtd.RID
}

// ParsedRID returns the requester id. It is valid after the topology was
// loaded.
func (d *Device) ParsedRID() vtd.RID {
	return d.rid
}

// Attachments returns the number of references to take on the context.
func (d *Device) Attachments() int {
	if d.Refs <= 0 {
		return 1
	}
	return d.Refs
}

// DMARDevice returns the description passed to the unit on attach.
func (d *Device) DMARDevice() *dmar.Device {
	dev := &dmar.Device{Name: d.Name, BusWide: d.BusWide, Path: d.Path}
	if len(d.Path) > 0 {
		dev.Bus = d.rid.Bus()
	}
	return dev
}

// LoadTopology reads a topology from path. The format is chosen by
// extension: .toml, or .yaml and .yml.
func LoadTopology(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var format string
	switch ext := filepath.Ext(path); ext {
	case ".toml":
		format = "toml"
	case ".yaml", ".yml":
		format = "yaml"
	default:
		return nil, fmt.Errorf("topology %q: unknown extension %q, want .toml, .yaml or .yml", path, ext)
	}
	t, err := ParseTopology(data, format)
	if err != nil {
		return nil, fmt.Errorf("topology %q: %w", path, err)
	}
	return t, nil
}

// ParseTopology decodes a topology in the given format, "toml" or "yaml",
// and validates it.
func ParseTopology(data []byte, format string) (*Topology, error) {
	t := &Topology{}
	switch format {
	case "toml":
		md, err := toml.Decode(string(data), t)
		if err != nil {
			return nil, err
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown keys %v", undecoded)
		}
	case "yaml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(t); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown topology format %q", format)
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Topology) validate() error {
	if len(t.Units) == 0 {
		return fmt.Errorf("no units")
	}
	units := make(map[string]bool)
	for i := range t.Units {
		u := &t.Units[i]
		if u.Name == "" {
			u.Name = fmt.Sprintf("dmar%d", i)
		}
		if units[u.Name] {
			return fmt.Errorf("duplicate unit %q", u.Name)
		}
		units[u.Name] = true
		if u.Caps.NumDomains == 0 || u.Caps.SAGAW == 0 {
			return fmt.Errorf("unit %q: num_domains and sagaw are required", u.Name)
		}
		for _, r := range u.RMRR {
			if r.Start >= r.End {
				return fmt.Errorf("unit %q: empty RMRR %v", u.Name, r.Region)
			}
		}
		devs := make(map[string]bool)
		for j := range u.Devices {
			d := &u.Devices[j]
			rid, err := vtd.ParseRID(d.RID)
			if err != nil {
				return fmt.Errorf("unit %q device %d: %w", u.Name, j, err)
			}
			d.rid = rid
			if d.Name == "" {
				d.Name = rid.String()
			}
			if devs[d.Name] {
				return fmt.Errorf("unit %q: duplicate device %q", u.Name, d.Name)
			}
			devs[d.Name] = true
			if d.Identity && len(d.Buffers) > 0 {
				return fmt.Errorf("unit %q device %q: identity domains cannot map buffers", u.Name, d.Name)
			}
			for _, size := range d.Buffers {
				if size == 0 {
					return fmt.Errorf("unit %q device %q: empty buffer", u.Name, d.Name)
				}
			}
		}
		for _, d := range u.Devices {
			if d.ShareWith == "" {
				continue
			}
			if d.ShareWith == d.Name || !devs[d.ShareWith] {
				return fmt.Errorf("unit %q device %q: cannot share with %q", u.Name, d.Name, d.ShareWith)
			}
			if d.BusWide {
				return fmt.Errorf("unit %q device %q: bus-wide contexts cannot move", u.Name, d.Name)
			}
		}
	}
	return nil
}
