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


package skywalking_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/SkyAPM/go2sky"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	agentv3 "skywalking.apache.org/repo/goapi/collect/language/agent/v3"

	"github.com/basvanbeek/datastore-tracer/pkg/observability"
	pkgskywalking "github.com/basvanbeek/datastore-tracer/pkg/observability/skywalking"
)

// memReporter keeps every span sent by the tracer in memory.
type memReporter struct {
	mtx   sync.Mutex
	spans []go2sky.ReportedSpan
}

func (r *memReporter) Boot(string, string, []go2sky.AgentConfigChangeWatcher) {}

func (r *memReporter) Send(spans []go2sky.ReportedSpan) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.spans = append(r.spans, spans...)
}

func (r *memReporter) Close() {}

func (r *memReporter) Spans() []go2sky.ReportedSpan {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return append([]go2sky.ReportedSpan(nil), r.spans...)
}

// waitForSpans blocks until n spans were sent, go2sky sends a segment
// asynchronously once its root span ends.
func (r *memReporter) waitForSpans(t *testing.T, n int) []go2sky.ReportedSpan {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.Spans()) >= n },
		2*time.Second, 10*time.Millisecond)
	spans := r.Spans()
	require.Len(t, spans, n)
	return spans
}

func newService(t *testing.T) (*pkgskywalking.Service, *memReporter) {
	t.Helper()
	rep := &memReporter{}
	s := &pkgskywalking.Service{
		Servicename:         "skywalking-test",
		ServiceInstanceName: "skywalking-test-1",
		Reporter:            rep,
		SampleRate:          1,
	}
	require.NoError(t, s.Validate())
	require.NoError(t, s.PreRun())
	return s, rep
}

func findSpan(spans []go2sky.ReportedSpan, name string) go2sky.ReportedSpan {
	for _, span := range spans {
		if span.OperationName() == name {
			return span
		}
	}
	return nil
}

func tags(span go2sky.ReportedSpan) map[string]string {
	m := make(map[string]string)
	for _, kv := range span.Tags() {
		m[kv.GetKey()] = kv.GetValue()
	}
	return m
}

func TestDatastoreSegment(t *testing.T) {
	s, rep := newService(t)

	root := s.Tracer().StartSpanFromContext(context.Background(), "request")
	ctx := observability.AttachTransaction(root.Context(), s)

	res, err := observability.WithDatastoreSegment(ctx, "select", "SQLite", "users",
		func(ctx context.Context) (int, error) {
			return observability.WithDatastoreSegment(ctx, "nested", "SQLite", "groups",
				func(context.Context) (int, error) { return 42, nil })
		})
	require.NoError(t, err)
	assert.Equal(t, 42, res)
	root.Finish()

	spans := rep.waitForSpans(t, 3)

	var (
		request = findSpan(spans, "request")
		segment = findSpan(spans, "select")
		nested  = findSpan(spans, "nested")
	)
	require.NotNil(t, request)
	require.NotNil(t, segment)
	require.NotNil(t, nested)

	assert.Equal(t, agentv3.SpanLayer_Database, segment.SpanLayer())
	assert.Equal(t, "SQLite", segment.Peer())
	assert.Equal(t, request.Context().SpanID, segment.Context().ParentSpanID)
	assert.Equal(t, segment.Context().SpanID, nested.Context().ParentSpanID)

	segmentTags := tags(segment)
	assert.Equal(t, "SQLite", segmentTags[string(go2sky.TagDBType)])
	assert.Equal(t, "users", segmentTags[string(go2sky.TagDBInstance)])
	assert.Equal(t, "select", segmentTags[string(go2sky.TagDBStatement)])
	assert.Equal(t, "SQLite", segmentTags[observability.TagDBSystem])
	assert.Equal(t, "users", segmentTags[observability.TagDBCollection])
	assert.Equal(t, "select", segmentTags[observability.TagDBOperation])
	assert.Equal(t, "users", segmentTags[observability.TagDBName])
	assert.Equal(t, "groups", tags(nested)[observability.TagDBCollection])

	requestTags := tags(request)
	assert.Equal(t, "true", requestTags[observability.TagTokenLinked])
	var linked int
	for _, kv := range request.Tags() {
		if kv.GetKey() == observability.TagTokenLinked {
			linked++
		}
	}
	assert.Equal(t, 1, linked)
}

func TestDatastoreSegmentError(t *testing.T) {
	s, rep := newService(t)

	root := s.Tracer().StartSpanFromContext(context.Background(), "request")
	ctx := observability.AttachTransaction(root.Context(), s)

	errQuery := errors.New("no such table")
	_, err := observability.WithDatastoreSegment(ctx, "select", "SQLite", "users",
		func(context.Context) (string, error) { return "", errQuery })
	assert.Same(t, errQuery, err)
	root.Finish()

	spans := rep.waitForSpans(t, 2)
	segment := findSpan(spans, "select")
	require.NotNil(t, segment)
	assert.Equal(t, agentv3.SpanLayer_Database, segment.SpanLayer())
	assert.Equal(t, "SQLite", segment.Peer())
	assert.Equal(t, "users", tags(segment)[observability.TagDBCollection])
	assert.NotZero(t, segment.EndTime())
}

func TestTransactionWithoutSpan(t *testing.T) {
	s, rep := newService(t)

	txn, token := s.Transaction(context.Background())
	assert.Nil(t, txn)
	assert.Nil(t, token)

	ctx := observability.AttachTransaction(context.Background(), s)
	_, err := observability.WithDatastoreSegment(ctx, "select", "SQLite", "users",
		func(context.Context) (bool, error) { return true, nil })
	assert.NoError(t, err)
	assert.Empty(t, rep.Spans())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		svc     pkgskywalking.Service
		wantErr bool
	}{
		{"ok", pkgskywalking.Service{Servicename: "svc", ServiceInstanceName: "svc-1", Address: "oap:11800"}, false},
		{"reporter", pkgskywalking.Service{Servicename: "svc", ServiceInstanceName: "svc-1", Reporter: &memReporter{}}, false},
		{"no-servicename", pkgskywalking.Service{ServiceInstanceName: "svc-1"}, true},
		{"no-instance", pkgskywalking.Service{Servicename: "svc"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.svc.Validate()
			assert.Equal(t, tt.wantErr, err != nil, "unexpected error state: %v", err)
		})
	}
}
