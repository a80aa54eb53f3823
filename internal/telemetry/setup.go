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
	"time"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/googlecloudplatform/virtiofsd/internal/logger"
)

// logExporter is a metric.Exporter that writes a periodic summary to the
// process logger instead of a second network listener, per the Non-goal
// against additional transports. (SetupTracing's stdouttrace exporter
// writes to stdout, not to the logger.)
type logExporter struct{}

func (logExporter) Temporality(kind sdkmetric.InstrumentKind) metricdata.Temporality {
	return sdkmetric.DefaultTemporalitySelector(kind)
}

func (logExporter) Aggregation(kind sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(kind)
}

func (logExporter) Export(_ context.Context, rm *metricdata.ResourceMetrics) error {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			logger.Debugf("telemetry: metric %s: %v", m.Name, m.Data)
		}
	}
	return nil
}

func (logExporter) ForceFlush(context.Context) error { return nil }
func (logExporter) Shutdown(context.Context) error    { return nil }

// SetupMetrics installs a global MeterProvider that periodically (every
// interval) dumps every registered counter and histogram to the logger, and
// returns the OpsMetricHandle request dispatch records against. Disabled
// (a no-op handle, global default MeterProvider left untouched) when
// enabled is false.
func SetupMetrics(enabled bool, interval time.Duration) (OpsMetricHandle, ShutdownFn, error) {
	if !enabled {
		return NewNoopMetrics(), func(context.Context) error { return nil }, nil
	}

	reader := sdkmetric.NewPeriodicReader(logExporter{}, sdkmetric.WithInterval(interval))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	handle, err := NewOTelMetrics()
	if err != nil {
		_ = provider.Shutdown(context.Background())
		return nil, nil, err
	}
	return handle, provider.Shutdown, nil
}
