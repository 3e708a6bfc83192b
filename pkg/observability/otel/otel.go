// Copyright (c) Bas van Beek 2022.
// Copyright (c) Tetrate, Inc 2021.
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

// Package otel provides an OpenTelemetry backed observability instrumenter.
// Spans are exported to a Zipkin compatible collector unless an explicit
// TracerProvider is configured.
package otel

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"time"

	"github.com/tetratelabs/multierror"
	"github.com/tetratelabs/run"
	"github.com/tetratelabs/run/pkg/version"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	zipkinexp "go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/basvanbeek/datastore-tracer/pkg"
	"github.com/basvanbeek/datastore-tracer/pkg/observability"
)

// flags
const (
	ExporterEndpoint = "otel-zipkin-exporter-endpoint"
	LocalServicename = "otel-local-servicename"
	SampleRate       = "otel-sample-rate"
)

const (
	// default configuration values
	defaultExporterAddr = "http://zipkin:9411/api/v2/spans"
	defaultSampleRate   = 1.0

	tracerName = "github.com/basvanbeek/datastore-tracer"
)

// Service implements run.GroupService
type Service struct {
	Servicename string
	Address     string
	SampleRate  float64

	// TracerProvider, if set, is used instead of a provider exporting to
	// Address.
	TracerProvider trace.TracerProvider

	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	ownedTP    *sdktrace.TracerProvider
	closer     chan error
}

// static compile time run interfaces validation
var (
	_ run.Config                 = (*Service)(nil)
	_ run.PreRunner              = (*Service)(nil)
	_ run.Service                = (*Service)(nil)
	_ observability.Instrumenter = (*Service)(nil)
)

// Name implements run.Unit.
func (s Service) Name() string {
	return observability.OTelInstrumenter
}

// GroupName implements run.Namer so the service name defaults to the name of
// the run.Group if not set before calling Group's Run or RunConfig.
func (s *Service) GroupName(name string) {
	if s.Servicename == "" {
		s.Servicename = name
	}
}

// FlagSet implements run.Config
func (s *Service) FlagSet() *run.FlagSet {
	if s.Address == "" {
		s.Address = defaultExporterAddr
	}
	if s.Servicename == "" {
		s.Servicename = path.Base(os.Args[0])
	}
	if s.SampleRate < 0 {
		s.SampleRate = 0.0
	} else if s.SampleRate == 0.0 {
		s.SampleRate = defaultSampleRate
	}

	flags := run.NewFlagSet("OpenTelemetry Tracer Config")

	flags.StringVar(
		&s.Address,
		ExporterEndpoint,
		s.Address,
		`Full address, including URI, of the Zipkin collector spans are exported to`)
	flags.StringVar(
		&s.Servicename,
		LocalServicename,
		s.Servicename,
		`Local service.name resource attribute`)
	flags.Float64Var(
		&s.SampleRate,
		SampleRate,
		s.SampleRate,
		`Ratio of traces to sample, between never (0.0) and always (1.0)`)

	return flags
}

// Validate implements run.Config
func (s Service) Validate() error {
	var mErr error

	if s.TracerProvider == nil {
		if _, err := url.Parse(s.Address); err != nil {
			mErr = multierror.Append(mErr,
				fmt.Errorf(pkg.FlagErr, ExporterEndpoint, err))
		}
	}
	if s.Servicename == "" {
		mErr = multierror.Append(mErr,
			fmt.Errorf(pkg.FlagErr, LocalServicename, pkg.ErrRequired))
	}
	if s.SampleRate < 0 || s.SampleRate > 1 {
		mErr = multierror.Append(mErr,
			fmt.Errorf(pkg.FlagErr, SampleRate, errSampleRate))
	}

	return mErr
}

const errSampleRate pkg.Error = "sample rate must be between 0.0 and 1.0"

// PreRun implements run.PreRunner
func (s *Service) PreRun() error {
	tp := s.TracerProvider
	if tp == nil {
		exporter, err := zipkinexp.New(s.Address)
		if err != nil {
			return err
		}
		s.ownedTP = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(s.SampleRate))),
			sdktrace.WithResource(resource.NewSchemaless(
				attribute.String("service.name", s.Servicename),
				attribute.String(observability.VersionTag, version.Parse()),
			)),
		)
		tp = s.ownedTP
		s.TracerProvider = tp
	}

	s.tracer = tp.Tracer(tracerName)
	s.propagator = propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	)
	s.closer = make(chan error)

	return nil
}

// Serve implements run.GroupService
func (s *Service) Serve() error {
	return <-s.closer
}

// GracefulStop implements run.GroupService
func (s *Service) GracefulStop() {
	close(s.closer)
	if s.ownedTP != nil {
		// we handle the lifecycle of the provider internally
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.ownedTP.Shutdown(ctx) // nolint: errcheck
	}
}

// Tracer implements observability.Tracerer
func (s *Service) Tracer() observability.Tracer {
	return &traceAdapter{s.tracer}
}

// SpanFromContext implements observability.Contexter
func (s *Service) SpanFromContext(ctx context.Context) observability.Span {
	return &spanAdapter{trace.SpanFromContext(ctx), ctx}
}

// Transaction implements observability.Transactioner
func (s *Service) Transaction(ctx context.Context) (observability.Transaction, observability.Token) {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() || s.tracer == nil {
		return nil, nil
	}
	return &transaction{tracer: s.tracer}, &token{span: span}
}

// Middleware implements observability.Middlewareer
func (s *Service) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		baggageHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			span := trace.SpanFromContext(r.Context())
			if reqID := r.Header.Get(observability.BaggageRequestID); reqID != "" {
				span.SetAttributes(attribute.String(observability.BaggageRequestID, reqID))
			}
			if next != nil {
				next.ServeHTTP(w, r)
			}
		})
		return otelhttp.NewHandler(baggageHandler, s.Servicename,
			otelhttp.WithTracerProvider(s.TracerProvider),
			otelhttp.WithPropagators(s.propagator),
		)
	}
}

// Transport implements observability.Transporter
func (s *Service) Transport(transport http.RoundTripper) (http.RoundTripper, error) {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return otelhttp.NewTransport(transport,
		otelhttp.WithTracerProvider(s.TracerProvider),
		otelhttp.WithPropagators(s.propagator),
	), nil
}
