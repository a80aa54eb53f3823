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
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ShutdownFn flushes and releases whatever SetupTracing or SetupMetrics
// started. Call it once, when the server stops serving.
type ShutdownFn func(ctx context.Context) error

// JoinShutdownFunc combines shutdown functions into one that runs all of
// them and reports every error together.
func JoinShutdownFunc(fns ...ShutdownFn) ShutdownFn {
	return func(ctx context.Context) error {
		var err error
		for _, fn := range fns {
			if fn == nil {
				continue
			}
			err = errors.Join(err, fn(ctx))
		}
		return err
	}
}

const tracerName = "github.com/googlecloudplatform/virtiofsd/internal/telemetry"

// SetupTracing installs a global TracerProvider exporting spans to stdout
// via stdouttrace, batched rather than one write per span so a busy
// dispatch loop never blocks on exporter I/O, and a W3C trace-context
// propagator (unused on the wire today — FUSE carries no header for it —
// but kept consistent with how a future HTTP-facing sidecar would pick up
// the same spans). Disabled (a no-op TracerProvider) when enabled is false.
func SetupTracing(ctx context.Context, enabled bool) (ShutdownFn, error) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	if !enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	provider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}

// TraceHandle opens and closes request spans. A no-op implementation is
// used whenever tracing is disabled so call sites never branch on whether
// it's enabled.
type TraceHandle interface {
	// StartSpan opens a span for internal work nested under a request.
	StartSpan(ctx context.Context, name string) (context.Context, trace.Span)
	// StartServerSpan opens the top-level span for one dispatched request.
	StartServerSpan(ctx context.Context, name string) (context.Context, trace.Span)
	EndSpan(span trace.Span)
	// RecordError marks the span as failed; a nil err is a no-op.
	RecordError(span trace.Span, err error)
	// PropagateTraceContext carries the span recorded in from into to,
	// for handing a request's span across a goroutine boundary.
	PropagateTraceContext(from, to context.Context) context.Context
}

type otelTraceHandle struct {
	tracer trace.Tracer
}

// NewTracer returns a TraceHandle against whatever TracerProvider is
// currently registered with otel.SetTracerProvider.
func NewTracer() TraceHandle {
	return otelTraceHandle{tracer: Tracer()}
}

// NewNoopTracer returns a TraceHandle that never exports anything,
// independent of the globally registered TracerProvider.
func NewNoopTracer() TraceHandle {
	return otelTraceHandle{tracer: noop.NewTracerProvider().Tracer(tracerName)}
}

// Tracer returns the tracer every request span is opened against.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

func (h otelTraceHandle) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return h.tracer.Start(ctx, name)
}

func (h otelTraceHandle) StartServerSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return h.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindServer))
}

func (h otelTraceHandle) EndSpan(span trace.Span) { span.End() }

func (h otelTraceHandle) RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func (h otelTraceHandle) PropagateTraceContext(from, to context.Context) context.Context {
	return trace.ContextWithSpan(to, trace.SpanFromContext(from))
}
