// Copyright 2025 Google LLC
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

package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/googlecloudplatform/virtiofsd/internal/fusewire"
)

func setupManualReader(t *testing.T) (OpsMetricHandle, *metric.ManualReader) {
	t.Helper()
	reader := metric.NewManualReader()
	provider := metric.NewMeterProvider(metric.WithReader(reader))
	otel.SetMeterProvider(provider)

	h, err := NewOTelMetrics()
	require.NoError(t, err)
	return h, reader
}

func collect(t *testing.T, rd *metric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, rd.Collect(context.Background(), &rm))
	return rm
}

func findSum(rm metricdata.ResourceMetrics, name string) (metricdata.Sum[int64], bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				return sum, true
			}
		}
	}
	return metricdata.Sum[int64]{}, false
}

func findHistogram(rm metricdata.ResourceMetrics, name string) (metricdata.Histogram[float64], bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if hist, ok := m.Data.(metricdata.Histogram[float64]); ok {
				return hist, true
			}
		}
	}
	return metricdata.Histogram[float64]{}, false
}

func TestOpsCountRecordsPerOpcode(t *testing.T) {
	h, reader := setupManualReader(t)
	ctx := context.Background()

	h.OpsCount(ctx, fusewire.OpGetattr, 1)
	h.OpsCount(ctx, fusewire.OpGetattr, 2)
	h.OpsCount(ctx, fusewire.OpWrite, 1)

	rm := collect(t, reader)
	sum, ok := findSum(rm, "fuse/ops_count")
	require.True(t, ok)

	var gotGetattr, gotWrite int64
	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if kv.Key == FSOpKey {
				switch kv.Value.AsString() {
				case fusewire.OpGetattr.String():
					gotGetattr = dp.Value
				case fusewire.OpWrite.String():
					gotWrite = dp.Value
				}
			}
		}
	}
	assert.EqualValues(t, 3, gotGetattr)
	assert.EqualValues(t, 1, gotWrite)
}

func TestOpsLatencyRecordsHistogram(t *testing.T) {
	h, reader := setupManualReader(t)
	ctx := context.Background()

	h.OpsLatency(ctx, fusewire.OpRead, 5*time.Millisecond)

	rm := collect(t, reader)
	hist, ok := findHistogram(rm, "fuse/ops_latency")
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.EqualValues(t, 1, hist.DataPoints[0].Count)
}

func TestOpsErrorCountTagsErrno(t *testing.T) {
	h, reader := setupManualReader(t)
	ctx := context.Background()

	h.OpsErrorCount(ctx, fusewire.OpUnlink, "ENOENT", 1)

	rm := collect(t, reader)
	sum, ok := findSum(rm, "fuse/ops_error_count")
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)

	dp := sum.DataPoints[0]
	assert.EqualValues(t, 1, dp.Value)
	var sawOp, sawErrno bool
	for _, kv := range dp.Attributes.ToSlice() {
		if kv.Key == FSOpKey && kv.Value.AsString() == fusewire.OpUnlink.String() {
			sawOp = true
		}
		if kv.Key == FSErrnoKey && kv.Value.AsString() == "ENOENT" {
			sawErrno = true
		}
	}
	assert.True(t, sawOp)
	assert.True(t, sawErrno)
}

func TestNoopMetricsDiscardsEverything(t *testing.T) {
	h := NewNoopMetrics()
	ctx := context.Background()
	// None of these should panic; there is nothing further to assert against
	// a handle that intentionally keeps no state.
	h.OpsCount(ctx, fusewire.OpGetattr, 1)
	h.OpsLatency(ctx, fusewire.OpGetattr, time.Millisecond)
	h.OpsErrorCount(ctx, fusewire.OpGetattr, "EIO", 1)
}
