// Copyright 2020 Fugue, Inc.
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

// Package observe traces key derivation with OpenTelemetry.
package observe

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Exporters supported by New
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
)

// Config selects where spans are exported
type Config struct {
	ServiceName string
	Version     string
	Exporter    string
	// Writer receives spans from the stdout exporter. Defaults to stderr
	// since stdout carries the cache key.
	Writer io.Writer
}

// Observer owns the tracer provider for one invocation
type Observer struct {
	provider *sdktrace.TracerProvider
	tracer   Tracer
}

// New creates an Observer for the configured exporter
func New(cfg Config) (*Observer, error) {
	switch cfg.Exporter {
	case "", ExporterNone:
		return &Observer{tracer: NoopTracer()}, nil
	case ExporterStdout:
	default:
		return nil, fmt.Errorf("unknown trace exporter: %q", cfg.Exporter)
	}

	w := cfg.Writer
	if w == nil {
		w = os.Stderr
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	attrs := []attribute.KeyValue{attribute.String("service.name", cfg.ServiceName)}
	if cfg.Version != "" {
		attrs = append(attrs, attribute.String("service.version", cfg.Version))
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(resource.NewSchemaless(attrs...)),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithBatcher(exporter),
	)
	return &Observer{
		provider: provider,
		tracer:   newTracer(provider.Tracer(cfg.ServiceName)),
	}, nil
}

// Tracer returns the tracer spans should be started with
func (o *Observer) Tracer() Tracer {
	return o.tracer
}

// Shutdown flushes pending spans
func (o *Observer) Shutdown(ctx context.Context) error {
	if o.provider == nil {
		return nil
	}
	return o.provider.Shutdown(ctx)
}
