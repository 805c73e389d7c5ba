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
	"io"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

const metricPrefix = "dmar_"

// metric describes how one field of dmar.Stats is exported.
type metric struct {
	name  string
	help  string
	typ   dto.MetricType
	value func(r *unitResult) float64
}

var metrics = []metric{
	{"domains_peak", "Domains alive with every device attached.", dto.MetricType_GAUGE,
		func(r *unitResult) float64 { return float64(r.peak.Domains) }},
	{"contexts_peak", "Contexts alive with every device attached.", dto.MetricType_GAUGE,
		func(r *unitResult) float64 { return float64(r.peak.Contexts) }},
	{"domain_ids_peak", "Domain ids in use with every device attached.", dto.MetricType_GAUGE,
		func(r *unitResult) float64 { return float64(r.peak.DomainIDsInUse) }},
	{"contexts_created_total", "Contexts installed.", dto.MetricType_COUNTER,
		func(r *unitResult) float64 { return float64(r.final.ContextsCreated) }},
	{"contexts_freed_total", "Contexts torn down.", dto.MetricType_COUNTER,
		func(r *unitResult) float64 { return float64(r.final.ContextsFreed) }},
	{"domains_created_total", "Domains created.", dto.MetricType_COUNTER,
		func(r *unitResult) float64 { return float64(r.final.DomainsCreated) }},
	{"domains_destroyed_total", "Domains destroyed.", dto.MetricType_COUNTER,
		func(r *unitResult) float64 { return float64(r.final.DomainsDestroyed) }},
	{"attach_collisions_total", "Attaches that lost a race to another attach of the same requester.", dto.MetricType_COUNTER,
		func(r *unitResult) float64 { return float64(r.final.Collisions) }},
	{"free_races_total", "Frees that found the context re-referenced after dropping the lock.", dto.MetricType_COUNTER,
		func(r *unitResult) float64 { return float64(r.final.FreeRaces) }},
	{"context_flushes_total", "Global context-cache invalidations.", dto.MetricType_COUNTER,
		func(r *unitResult) float64 { return float64(r.final.ContextFlushes) }},
	{"iotlb_flushes_total", "IOTLB invalidations.", dto.MetricType_COUNTER,
		func(r *unitResult) float64 { return float64(r.final.IOTLBFlushes) }},
	{"qi_waits_total", "Wait descriptors submitted to the invalidation queue.", dto.MetricType_COUNTER,
		func(r *unitResult) float64 { return float64(r.final.QIWaits) }},
	{"entries_unloaded_total", "Map entries whose ranges were invalidated and released.", dto.MetricType_COUNTER,
		func(r *unitResult) float64 { return float64(r.final.EntriesUnloaded) }},
	{"moves_total", "Contexts moved between domains.", dto.MetricType_COUNTER,
		func(r *unitResult) float64 { return float64(r.final.Moves) }},
	{"move_flush_failures_total", "Moves whose invalidation failed.", dto.MetricType_COUNTER,
		func(r *unitResult) float64 { return float64(r.final.MoveFlushFailures) }},
	{"teardown_flush_errors_total", "Failed invalidations while tearing contexts down.", dto.MetricType_COUNTER,
		func(r *unitResult) float64 { return float64(r.final.TeardownFlushErrors) }},
}

// metricFamilies converts results into one family per exported statistic,
// with a sample per unit.
func metricFamilies(results []unitResult) []*dto.MetricFamily {
	families := make([]*dto.MetricFamily, 0, len(metrics))
	for _, m := range metrics {
		mf := &dto.MetricFamily{
			Name: proto.String(metricPrefix + m.name),
			Help: proto.String(m.help),
			Type: m.typ.Enum(),
		}
		for i := range results {
			r := &results[i]
			sample := &dto.Metric{
				Label: []*dto.LabelPair{{Name: proto.String("unit"), Value: proto.String(r.name)}},
			}
			v := m.value(r)
			if m.typ == dto.MetricType_COUNTER {
				sample.Counter = &dto.Counter{Value: proto.Float64(v)}
			} else {
				sample.Gauge = &dto.Gauge{Value: proto.Float64(v)}
			}
			mf.Metric = append(mf.Metric, sample)
		}
		families = append(families, mf)
	}
	return families
}

// writeStats writes results in the Prometheus text exposition format.
func writeStats(w io.Writer, results []unitResult) error {
	if len(results) == 0 {
		return nil
	}
	for _, mf := range metricFamilies(results) {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

