// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package telemetry builds the OpenTelemetry meter provider used by the state
// service and exposes its instruments on a Prometheus scrape endpoint.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// Config describes the meter provider.
type Config struct {
	ServiceName           string
	ServiceVersion        string
	IncludeRuntimeMetrics bool
}

// Provider owns a meter provider and the handler that serves its metrics.
type Provider struct {
	*sdkmetric.MeterProvider
	handler http.Handler
}

// Handler returns the Prometheus scrape handler.
func (p *Provider) Handler() http.Handler { return p.handler }

// NewPrometheusReader returns a reader that exports to a private registry
// and a handler serving that registry.
func NewPrometheusReader(cfg Config) (sdkmetric.Reader, http.Handler, error) {
	registry := prometheus.NewRegistry()
	if cfg.IncludeRuntimeMetrics {
		if err := registry.Register(collectors.NewGoCollector()); err != nil {
			return nil, nil, fmt.Errorf("registering go collector: %w", err)
		}
		if err := registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
			return nil, nil, fmt.Errorf("registering process collector: %w", err)
		}
	}

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, nil, fmt.Errorf("creating prometheus exporter: %w", err)
	}
	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
	return exporter, handler, nil
}

// NewProvider builds a meter provider backed by a Prometheus reader.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.ServiceName == "" {
		return nil, errors.New("service name cannot be empty")
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	reader, handler, err := NewPrometheusReader(cfg)
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	return &Provider{MeterProvider: mp, handler: handler}, nil
}
