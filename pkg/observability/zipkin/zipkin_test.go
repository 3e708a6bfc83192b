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

package zipkin_test

import (
	"context"
	"errors"
	"testing"

	"github.com/openzipkin/zipkin-go/model"
	"github.com/openzipkin/zipkin-go/reporter/recorder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basvanbeek/datastore-tracer/pkg/observability"
	pkgzipkin "github.com/basvanbeek/datastore-tracer/pkg/observability/zipkin"
)

func newService(t *testing.T) (*pkgzipkin.Service, *recorder.ReporterRecorder) {
	t.Helper()
	rec := recorder.NewReporter()
	s := &pkgzipkin.Service{
		Servicename: "zipkin-test",
		Reporter:    rec,
		SampleRate:  1,
	}
	require.NoError(t, s.Validate())
	require.NoError(t, s.PreRun())
	return s, rec
}

func findSpan(spans []model.SpanModel, name string) *model.SpanModel {
	for i := range spans {
		if spans[i].Name == name {
			return &spans[i]
		}
	}
	return nil
}

func TestDatastoreSegment(t *testing.T) {
	s, rec := newService(t)

	root := s.Tracer().StartSpanFromContext(context.Background(), "request")
	ctx := observability.AttachTransaction(root.Context(), s)

	res, err := observability.WithDatastoreSegment(ctx, "select", "SQLite", "users",
		func(ctx context.Context) (int, error) {
			// nested segments parent on the enclosing one
			return observability.WithDatastoreSegment(ctx, "nested", "SQLite", "groups",
				func(context.Context) (int, error) { return 42, nil })
		})
	require.NoError(t, err)
	assert.Equal(t, 42, res)
	root.Finish()

	spans := rec.Flush()
	require.Len(t, spans, 3)

	var (
		request = findSpan(spans, "request")
		segment = findSpan(spans, "select")
		nested  = findSpan(spans, "nested")
	)
	require.NotNil(t, request)
	require.NotNil(t, segment)
	require.NotNil(t, nested)

	assert.Equal(t, model.Client, segment.Kind)
	require.NotNil(t, segment.ParentID)
	assert.Equal(t, request.ID, *segment.ParentID)
	require.NotNil(t, nested.ParentID)
	assert.Equal(t, segment.ID, *nested.ParentID)

	assert.Equal(t, "SQLite", segment.Tags[observability.TagDBSystem])
	assert.Equal(t, "users", segment.Tags[observability.TagDBCollection])
	assert.Equal(t, "select", segment.Tags[observability.TagDBOperation])
	assert.Equal(t, "users", segment.Tags[observability.TagDBName])
	assert.NotContains(t, segment.Tags, observability.TagDBInstance)
	require.NotNil(t, segment.RemoteEndpoint)
	assert.Equal(t, "sqlite", segment.RemoteEndpoint.ServiceName)

	assert.Equal(t, "true", request.Tags[observability.TagTokenLinked])
}

func TestDatastoreSegmentError(t *testing.T) {
	s, rec := newService(t)

	root := s.Tracer().StartSpanFromContext(context.Background(), "request")
	ctx := observability.AttachTransaction(root.Context(), s)

	errQuery := errors.New("no such table")
	_, err := observability.WithDatastoreSegment(ctx, "select", "SQLite", "users",
		func(context.Context) (string, error) { return "", errQuery })
	assert.Same(t, errQuery, err)

	spans := rec.Flush()
	require.Len(t, spans, 1)
	assert.Equal(t, "select", spans[0].Name)
	assert.Equal(t, "users", spans[0].Tags[observability.TagDBCollection])
	root.Finish()
}

func TestTransactionWithoutSpan(t *testing.T) {
	s, rec := newService(t)

	txn, token := s.Transaction(context.Background())
	assert.Nil(t, txn)
	assert.Nil(t, token)

	ctx := observability.AttachTransaction(context.Background(), s)
	_, err := observability.WithDatastoreSegment(ctx, "select", "SQLite", "users",
		func(context.Context) (bool, error) { return true, nil })
	assert.NoError(t, err)
	assert.Empty(t, rec.Flush())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		svc     pkgzipkin.Service
		wantErr bool
	}{
		{"ok", pkgzipkin.Service{Servicename: "svc", Address: "http://zipkin:9411/api/v2/spans", SampleRate: 1}, false},
		{"no-servicename", pkgzipkin.Service{Address: "http://zipkin:9411", SampleRate: 1}, true},
		{"bad-hostport", pkgzipkin.Service{Servicename: "svc", LocalHostport: "nope", SampleRate: 1}, true},
		{"bad-samplerate", pkgzipkin.Service{Servicename: "svc", SampleRate: 2}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.svc.Validate()
			assert.Equal(t, tt.wantErr, err != nil, "unexpected error state: %v", err)
		})
	}
}

func TestNoDatastoreEndpoint(t *testing.T) {
	rec := recorder.NewReporter()
	s := &pkgzipkin.Service{
		Servicename:         "zipkin-test",
		Reporter:            rec,
		SampleRate:          1,
		NoDatastoreEndpoint: true,
	}
	require.NoError(t, s.PreRun())

	root := s.Tracer().StartSpanFromContext(context.Background(), "request")
	ctx := observability.AttachTransaction(root.Context(), s)
	_, err := observability.WithDatastoreSegment(ctx, "select", "SQLite", "users",
		func(context.Context) (int, error) { return 1, nil })
	require.NoError(t, err)

	spans := rec.Flush()
	require.Len(t, spans, 1)
	assert.Nil(t, spans[0].RemoteEndpoint)
	assert.Equal(t, "SQLite", spans[0].Tags[observability.TagDBSystem])
	root.Finish()
}
