package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	tracetype "go.opentelemetry.io/otel/trace"
)

// Telemetry holds the router's trace, metric and log pipelines until shutdown
type Telemetry struct {
	traces  *trace.TracerProvider
	metrics *sdkmetric.MeterProvider
	logs    *sdklog.LoggerProvider
}

// Options turns on pretty-printed stdout copies of spans and log records. The Prometheus
// reader behind /metrics is always installed.
type Options struct {
	TraceToStdout bool
	LogToStdout   bool
}

func tracePipeline(res *resource.Resource, toStdout bool) (*trace.TracerProvider, error) {
	opts := []trace.TracerProviderOption{trace.WithResource(res)}
	if toStdout {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create span exporter: %w", err)
		}
		opts = append(opts, trace.WithBatcher(exp))
	}
	return trace.NewTracerProvider(opts...), nil
}

func logPipeline(res *resource.Resource, toStdout bool) (*sdklog.LoggerProvider, error) {
	opts := []sdklog.LoggerProviderOption{sdklog.WithResource(res)}
	if toStdout {
		exp, err := stdoutlog.New(stdoutlog.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create log record exporter: %w", err)
		}
		opts = append(opts, sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)))
	}
	return sdklog.NewLoggerProvider(opts...), nil
}

// Setup installs the global providers for the router process and registers the signal,
// order and ledger instruments on the Prometheus-backed meter. Call it before building
// the zap logger so the OTel log bridge sees the real provider.
func Setup(serviceName string, opts Options) (*Telemetry, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to describe service resource: %w", err)
	}

	traces, err := tracePipeline(res, opts.TraceToStdout)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(traces)

	promReader, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus reader: %w", err)
	}
	metrics := sdkmetric.NewMeterProvider(sdkmetric.WithReader(promReader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(metrics)
	if err := GetGlobalMetrics().InitMetrics(metrics.Meter(serviceName)); err != nil {
		return nil, fmt.Errorf("failed to register router instruments: %w", err)
	}

	logs, err := logPipeline(res, opts.LogToStdout)
	if err != nil {
		return nil, err
	}
	global.SetLoggerProvider(logs)

	return &Telemetry{traces: traces, metrics: metrics, logs: logs}, nil
}

// Shutdown flushes buffered spans and log records. Every pipeline is stopped even if an
// earlier one fails.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		wrapShutdown("traces", t.traces.Shutdown(ctx)),
		wrapShutdown("metrics", t.metrics.Shutdown(ctx)),
		wrapShutdown("logs", t.logs.Shutdown(ctx)),
	)
}

func wrapShutdown(pipeline string, err error) error {
	if err != nil {
		return fmt.Errorf("%s pipeline shutdown failed: %w", pipeline, err)
	}
	return nil
}

// GetMeter returns a meter from the installed provider, or a no-op one before Setup
func GetMeter(name string) metric.Meter {
	return otel.GetMeterProvider().Meter(name)
}

// GetTracer returns a tracer from the installed provider, or a no-op one before Setup
func GetTracer(name string) tracetype.Tracer {
	return otel.GetTracerProvider().Tracer(name)
}
