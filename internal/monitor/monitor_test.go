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

package monitor_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/stackblaze/zerofs/internal/fserrors"
	"github.com/stackblaze/zerofs/internal/monitor"
)

type MonitorTest struct {
	suite.Suite

	reg     *prometheus.Registry
	metrics *monitor.Metrics
}

func TestMonitorSuite(t *testing.T) {
	suite.Run(t, new(MonitorTest))
}

func (t *MonitorTest) SetupTest() {
	t.reg = prometheus.NewRegistry()
	t.metrics = monitor.NewMetrics(t.reg)
}

func (t *MonitorTest) TestOpsCountByResult() {
	t.metrics.RecordOp("lookup", nil)
	t.metrics.RecordOp("lookup", nil)
	t.metrics.RecordOp("lookup", fmt.Errorf("wrapped: %w", fserrors.ErrNotFound))
	t.metrics.RecordOp("write", fserrors.ErrNoSpace)

	expected := `
# HELP zerofs_fs_ops_total Filesystem operations by op name and outcome.
# TYPE zerofs_fs_ops_total counter
zerofs_fs_ops_total{op="lookup",result="not-found"} 1
zerofs_fs_ops_total{op="lookup",result="ok"} 2
zerofs_fs_ops_total{op="write",result="no-space"} 1
`
	err := testutil.GatherAndCompare(t.reg, strings.NewReader(expected), "zerofs_fs_ops_total")
	require.NoError(t.T(), err)
}

func (t *MonitorTest) TestWritebackGauge() {
	t.metrics.SetWritebackBytes(12345)

	expected := `
# HELP zerofs_writeback_bytes Bytes currently buffered in the writeback cache.
# TYPE zerofs_writeback_bytes gauge
zerofs_writeback_bytes 12345
`
	err := testutil.GatherAndCompare(t.reg, strings.NewReader(expected), "zerofs_writeback_bytes")
	assert.NoError(t.T(), err)
}

func (t *MonitorTest) TestNilRegistererIsUsable() {
	m := monitor.NewMetrics(nil)
	m.RecordOp("lookup", nil)
	m.RecordTombstone()
	m.SetWritebackBytes(1)
}
