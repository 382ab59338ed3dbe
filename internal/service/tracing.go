package service

import (
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/Sentinel-Gate/relaygate/internal/service"

// NewStdoutTracerProvider builds a tracer provider that writes finished
// spans as JSON to w and installs it as the global provider. The caller
// must Shutdown it to flush spans.
func NewStdoutTracerProvider(w io.Writer) (*sdktrace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return tp, nil
}

// defaultTracer returns the relay tracer from the global provider, which is
// a no-op until NewStdoutTracerProvider installs one.
func defaultTracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// endSpan records err on span and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
