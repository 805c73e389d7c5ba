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

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"vtd.dev/vtd/dmarsim/config"
	"vtd.dev/vtd/dmarsim/flag"
	"vtd.dev/vtd/pkg/cleanup"
	"vtd.dev/vtd/pkg/dmar"
	"vtd.dev/vtd/pkg/dmar/pagetable"
	"vtd.dev/vtd/pkg/log"
	"vtd.dev/vtd/pkg/vtd"
	"vtd.dev/vtd/pkg/vtd/vtdsim"
)

// bufferBase is the first physical address handed to simulated buffers.
const bufferBase = 0x1_0000_0000

// Run implements subcommands.Command for the "run" command.
type Run struct {
	stats bool
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "simulate a topology of remapping units and devices"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] <topology> - simulate a topology.

Every unit in the topology file (TOML or YAML) gets simulated hardware. Its
devices are attached in parallel, moved to shared domains as requested, their
buffers are mapped and unloaded in the background, and everything is detached
again. A summary per unit is printed at the end.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&r.stats, "stats", false, "print unit statistics in Prometheus text format instead of a table.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	topo, err := config.LoadTopology(f.Arg(0))
	if err != nil {
		return Errorf("loading topology: %v", err)
	}
	results, err := simulate(ctx, conf, topo)
	if err != nil {
		return Errorf("%v", err)
	}
	if r.stats {
		err = writeStats(os.Stdout, results)
	} else {
		err = writeSummary(os.Stdout, results)
	}
	if err != nil {
		return Errorf("writing results: %v", err)
	}
	return subcommands.ExitSuccess
}

// unitResult is what a simulation reports for one unit.
type unitResult struct {
	name string

	// peak is sampled with every device attached and every buffer mapped.
	peak dmar.Stats

	// final is sampled after every device was detached.
	final dmar.Stats
}

// simulate runs every unit of topo concurrently.
func simulate(ctx context.Context, conf *config.Config, topo *config.Topology) ([]unitResult, error) {
	results := make([]unitResult, len(topo.Units))
	g, ctx := errgroup.WithContext(ctx)
	for i := range topo.Units {
		g.Go(func() error {
			res, err := simulateUnit(ctx, conf, &topo.Units[i])
			if err != nil {
				return fmt.Errorf("unit %q: %w", topo.Units[i].Name, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func simulateUnit(ctx context.Context, conf *config.Config, desc *config.Unit) (unitResult, error) {
	res := unitResult{name: desc.Name}
	hw := vtdsim.New(desc.Caps, conf.AsyncQueue)
	h := dmar.Hardware{Caps: desc.Caps, Pages: hw.Pages, Regs: hw.Regs}
	if hw.Queue != nil {
		h.Queue = hw.Queue
	}
	if len(desc.RMRR) > 0 {
		h.RMRR = desc.RMRR
	}
	u, err := dmar.NewUnit(h, conf.UnitOptions(desc.Name))
	if err != nil {
		return res, err
	}

	ctxs := make([][]*dmar.Context, len(desc.Devices))
	rmrr := make(map[*dmar.Domain]struct{})
	cu := cleanup.Make(func() {
		detach(u, ctxs, rmrr)
		if err := u.Close(); err != nil {
			log.Warningf("%s: %v", desc.Name, err)
		}
	})
	defer cu.Clean()

	err = attach(ctx, u, desc, ctxs)
	// Moves can leave a domain referenced only by its RMRR regions, so
	// collect them before anything moves.
	for _, refs := range ctxs {
		if len(refs) == 0 {
			continue
		}
		if d := refs[0].Domain(); d.Flags()&dmar.HasRMRR != 0 {
			rmrr[d] = struct{}{}
		}
	}
	if err != nil {
		return res, err
	}
	share(u, desc, ctxs)
	if err := mapBuffers(desc, ctxs); err != nil {
		return res, err
	}
	res.peak = u.Stats()

	cu.Release()
	detach(u, ctxs, rmrr)
	u.WaitUnloads()
	if err := u.Close(); err != nil {
		return res, err
	}
	res.final = u.Stats()
	log.Infof("%s: %d contexts and %d domains created, %d entries unloaded",
		desc.Name, res.final.ContextsCreated, res.final.DomainsCreated, res.final.EntriesUnloaded)
	return res, nil
}

// attach takes every reference the topology asks for, one goroutine per
// device. ctxs[i] receives the references of device i.
func attach(ctx context.Context, u *dmar.Unit, desc *config.Unit, ctxs [][]*dmar.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := range desc.Devices {
		dev := &desc.Devices[i]
		g.Go(func() error {
			for n := 0; n < dev.Attachments(); n++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				c, err := u.GetContextForDevice(dev.DMARDevice(), dev.ParsedRID(), dev.Identity, false)
				if err != nil {
					return fmt.Errorf("attaching %s: %w", dev.Name, err)
				}
				ctxs[i] = append(ctxs[i], c)
			}
			return nil
		})
	}
	return g.Wait()
}

// share moves devices to the domains of the devices they share with. A move
// whose flush failed still took effect and is only logged.
func share(u *dmar.Unit, desc *config.Unit, ctxs [][]*dmar.Context) {
	index := make(map[string]int)
	for i, dev := range desc.Devices {
		index[dev.Name] = i
	}
	for i, dev := range desc.Devices {
		if dev.ShareWith == "" {
			continue
		}
		target := ctxs[index[dev.ShareWith]][0].Domain()
		err := u.MoveContextToDomain(target, ctxs[i][0])
		var mfe *dmar.MoveFlushError
		switch {
		case errors.As(err, &mfe):
			log.Warningf("%s: %v", desc.Name, mfe)
		case err != nil:
			log.Warningf("%s: sharing %s with %s: %v", desc.Name, dev.Name, dev.ShareWith, err)
		}
	}
}

// mapBuffers maps each device's buffers into its current domain and hands
// them to the domain's unload task.
func mapBuffers(desc *config.Unit, ctxs [][]*dmar.Context) error {
	phys := uint64(bufferBase)
	for i, dev := range desc.Devices {
		if len(dev.Buffers) == 0 {
			continue
		}
		d := ctxs[i][0].Domain()
		var entries []*dmar.MapEntry
		for _, size := range dev.Buffers {
			e, err := d.Map(size, phys, pagetable.ReadWrite)
			if err != nil {
				d.ScheduleUnload(entries)
				return fmt.Errorf("mapping %d bytes for %s: %w", size, dev.Name, err)
			}
			log.Debugf("%s: %v", desc.Name, e)
			entries = append(entries, e)
			phys += vtd.PageRoundUp(size)
		}
		d.ScheduleUnload(entries)
	}
	return nil
}

// detach drops every reference taken by attach, then the RMRR references of
// the domains in rmrr.
func detach(u *dmar.Unit, ctxs [][]*dmar.Context, rmrr map[*dmar.Domain]struct{}) {
	var g errgroup.Group
	for i := range ctxs {
		refs := ctxs[i]
		ctxs[i] = nil
		g.Go(func() error {
			for _, c := range refs {
				u.FreeContext(c)
			}
			return nil
		})
	}
	g.Wait()
	for d := range rmrr {
		u.ReleaseRMRR(d)
		delete(rmrr, d)
	}
}

// writeSummary prints one row per unit.
func writeSummary(out io.Writer, results []unitResult) error {
	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	fmt.Fprint(w, "UNIT\tDOMAINS\tCONTEXTS\tCREATED\tCOLLISIONS\tMOVES\tUNLOADED\tCTX FLUSHES\tIOTLB FLUSHES\tQI WAITS\tLEFT\n")
	for _, r := range results {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
			r.name,
			r.peak.Domains,
			r.peak.Contexts,
			r.final.ContextsCreated,
			r.final.Collisions,
			r.final.Moves,
			r.final.EntriesUnloaded,
			r.final.ContextFlushes,
			r.final.IOTLBFlushes,
			r.final.QIWaits,
			r.final.Domains+r.final.Contexts)
	}
	return w.Flush()
}
