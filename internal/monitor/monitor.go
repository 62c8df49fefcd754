// Copyright 2024 Stackblaze Inc. All Rights Reserved.
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

// Package monitor exports Prometheus metrics for the filesystem core.
package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the instrument set owned by one FsCore instance.
type Metrics struct {
	ops *prometheus.CounterVec

	writebackBytes prometheus.Gauge
	tombstones     prometheus.Counter
}

// NewMetrics creates the instruments and registers them with reg. A nil
// registerer yields a usable no-registration instance, which tests rely on.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zerofs_fs_ops_total",
				Help: "Filesystem operations by op name and outcome.",
			},
			[]string{"op", "result"},
		),
		writebackBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "zerofs_writeback_bytes",
				Help: "Bytes currently buffered in the writeback cache.",
			},
		),
		tombstones: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "zerofs_tombstones_enqueued_total",
				Help: "Tombstones written for deferred chunk deletion.",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(m.ops, m.writebackBytes, m.tombstones)
	}

	return m
}

// RecordOp counts one completed operation. The result label is "ok" or the
// abstract error kind.
func (m *Metrics) RecordOp(op string, err error) {
	result := "ok"
	if err != nil {
		result = errKind(err)
	}

	m.ops.WithLabelValues(op, result).Inc()
}

// SetWritebackBytes publishes the cache's current footprint.
func (m *Metrics) SetWritebackBytes(n uint64) {
	m.writebackBytes.Set(float64(n))
}

// RecordTombstone counts one enqueued tombstone.
func (m *Metrics) RecordTombstone() {
	m.tombstones.Inc()
}
