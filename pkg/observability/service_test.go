package observability_test

import (
	"context"
	"testing"

	"github.com/openzipkin/zipkin-go/reporter/recorder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basvanbeek/datastore-tracer/pkg/observability"
	pkgotel "github.com/basvanbeek/datastore-tracer/pkg/observability/otel"
	pkgzipkin "github.com/basvanbeek/datastore-tracer/pkg/observability/zipkin"
)

func TestServiceValidate(t *testing.T) {
	tests := []struct {
		name     string
		selected string
		provided []observability.InstrumenterService
		wantErr  bool
	}{
		{"zipkin", observability.ZipkinInstrumenter, []observability.InstrumenterService{&pkgzipkin.Service{}}, false},
		{"otel", observability.OTelInstrumenter, []observability.InstrumenterService{&pkgzipkin.Service{}, &pkgotel.Service{}}, false},
		{"unsupported", "jaeger", []observability.InstrumenterService{&pkgzipkin.Service{}}, true},
		{"not-provided", observability.SkywalkingInstrumenter, []observability.InstrumenterService{&pkgzipkin.Service{}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &observability.Service{ObservabilityInstrumenter: tt.selected, Instrumenters: tt.provided}
			err := s.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestServiceDelegates(t *testing.T) {
	s := &observability.Service{
		ObservabilityInstrumenter: observability.ZipkinInstrumenter,
		Instrumenters: []observability.InstrumenterService{&pkgzipkin.Service{
			Servicename: "delegate",
			Reporter:    recorder.NewReporter(),
			SampleRate:  1,
		}},
	}
	assert.Equal(t, observability.ObservabilityInstrumenter, s.Name())

	require.NoError(t, s.PreRun())
	assert.Equal(t, "observability-instrumenter[zipkin]", s.Name())

	span := s.Tracer().StartSpanFromContext(context.Background(), "request")
	txn, token := s.Transaction(span.Context())
	assert.NotNil(t, txn)
	assert.NotNil(t, token)
	span.Finish()
}

func TestServicePreRunUnknown(t *testing.T) {
	s := &observability.Service{ObservabilityInstrumenter: observability.ZipkinInstrumenter}
	assert.Error(t, s.PreRun())
}
