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

package otel

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/basvanbeek/datastore-tracer/pkg/observability"
)

type traceAdapter struct {
	delegate trace.Tracer
}

// StartSpanFromContext implements observability.Tracer
func (t *traceAdapter) StartSpanFromContext(ctx context.Context, name string) observability.Span {
	ctx, span := t.delegate.Start(ctx, name)
	return &spanAdapter{span, ctx}
}

type spanAdapter struct {
	delegate trace.Span
	ctx      context.Context
}

// Context implements observability.Span
func (s *spanAdapter) Context() context.Context {
	return s.ctx
}

// TraceID implements observability.Span
func (s *spanAdapter) TraceID() string {
	if sc := s.delegate.SpanContext(); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// SetName implements observability.Span
func (s *spanAdapter) SetName(name string) {
	s.delegate.SetName(name)
}

// Tag implements observability.Span
func (s *spanAdapter) Tag(key string, value string) {
	s.delegate.SetAttributes(attribute.String(key, value))
}

// Finish implements observability.Span
func (s *spanAdapter) Finish() {
	s.delegate.End()
}

type transaction struct {
	tracer trace.Tracer
}

// StartSegment implements observability.Transaction
func (t *transaction) StartSegment(ctx context.Context, name string) observability.Segment {
	ctx, span := t.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient))
	return &segment{span: span, ctx: ctx}
}

type segment struct {
	span trace.Span
	ctx  context.Context
}

// Context implements observability.Segment
func (s *segment) Context() context.Context {
	return s.ctx
}

// ReportAsExternal implements observability.Segment
func (s *segment) ReportAsExternal(p observability.DatastoreParameters) {
	tags := p.Tags()
	attrs := make([]attribute.KeyValue, 0, len(tags))
	for k, v := range tags {
		attrs = append(attrs, attribute.String(k, v))
	}
	s.span.SetAttributes(attrs...)
}

// End implements observability.Segment
func (s *segment) End() {
	s.span.End()
}

type token struct {
	span   trace.Span
	linked uint32
}

// Link implements observability.Token
func (t *token) Link() {
	if atomic.CompareAndSwapUint32(&t.linked, 0, 1) {
		t.span.SetAttributes(attribute.Bool(observability.TagTokenLinked, true))
	}
}
