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

package zipkin

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/openzipkin/zipkin-go"
	"github.com/openzipkin/zipkin-go/model"

	"github.com/basvanbeek/datastore-tracer/pkg/observability"
)

type traceAdapter struct {
	delegate *zipkin.Tracer
}

// StartSpanFromContext implements observability.Tracer
func (t *traceAdapter) StartSpanFromContext(ctx context.Context, name string) observability.Span {
	span, ctx := t.delegate.StartSpanFromContext(ctx, name)
	return &spanAdapter{span, ctx}
}

type spanAdapter struct {
	delegate zipkin.Span
	ctx      context.Context
}

// Context implements observability.Span
func (s *spanAdapter) Context() context.Context {
	return s.ctx
}

// TraceID implements observability.Span
func (s *spanAdapter) TraceID() string {
	return s.delegate.Context().TraceID.String()
}

// SetName implements observability.Span
func (s *spanAdapter) SetName(name string) {
	s.delegate.SetName(name)
}

// Tag implements observability.Span
func (s *spanAdapter) Tag(key string, value string) {
	s.delegate.Tag(key, value)
}

// Finish implements observability.Span
func (s *spanAdapter) Finish() {
	s.delegate.Finish()
}

// transaction binds the span of the inbound request as observability.Transaction.
type transaction struct {
	tracer          *zipkin.Tracer
	span            zipkin.Span
	remoteEndpoints bool
}

// StartSegment implements observability.Transaction
func (t *transaction) StartSegment(ctx context.Context, name string) observability.Segment {
	opts := []zipkin.SpanOption{zipkin.Kind(model.Client)}
	if zipkin.SpanFromContext(ctx) == nil {
		// ctx was detached from the request span, parent on the transaction
		opts = append(opts, zipkin.Parent(t.span.Context()))
	}
	span, ctx := t.tracer.StartSpanFromContext(ctx, name, opts...)
	return &segment{span: span, ctx: ctx, remoteEndpoint: t.remoteEndpoints}
}

type segment struct {
	span           zipkin.Span
	ctx            context.Context
	remoteEndpoint bool
}

// Context implements observability.Segment
func (s *segment) Context() context.Context {
	return s.ctx
}

// ReportAsExternal implements observability.Segment
func (s *segment) ReportAsExternal(p observability.DatastoreParameters) {
	for k, v := range p.Tags() {
		s.span.Tag(k, v)
	}
	if s.remoteEndpoint && p.Product != "" {
		s.span.SetRemoteEndpoint(&model.Endpoint{ServiceName: strings.ToLower(p.Product)})
	}
}

// End implements observability.Segment
func (s *segment) End() {
	s.span.Finish()
}

type token struct {
	span   zipkin.Span
	linked uint32
}

// Link implements observability.Token
func (t *token) Link() {
	if atomic.CompareAndSwapUint32(&t.linked, 0, 1) {
		t.span.Tag(observability.TagTokenLinked, "true")
	}
}
