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

package skywalking

import (
	"context"
	"sync/atomic"

	"github.com/SkyAPM/go2sky"
	agentv3 "skywalking.apache.org/repo/goapi/collect/language/agent/v3"

	"github.com/basvanbeek/datastore-tracer/pkg/observability"
)

type traceAdapter struct {
	delegate *go2sky.Tracer
}

// StartSpanFromContext implements observability.Tracer
func (t *traceAdapter) StartSpanFromContext(ctx context.Context, name string) observability.Span {
	span, ctx, _ := t.delegate.CreateLocalSpan(ctx, go2sky.WithOperationName(name))
	return &spanAdapter{span, ctx}
}

type spanAdapter struct {
	delegate go2sky.Span
	ctx      context.Context
}

// Context implements observability.Span
func (s *spanAdapter) Context() context.Context {
	return s.ctx
}

// TraceID implements observability.Span
func (s *spanAdapter) TraceID() string {
	return go2sky.TraceID(s.ctx)
}

// SetName implements observability.Span
func (s *spanAdapter) SetName(name string) {
	if s.delegate != nil {
		s.delegate.SetOperationName(name)
	}
}

// Tag implements observability.Span
func (s *spanAdapter) Tag(key string, value string) {
	if s.delegate != nil {
		s.delegate.Tag(go2sky.Tag(key), value)
	}
}

// Finish implements observability.Span
func (s *spanAdapter) Finish() {
	if s.delegate != nil {
		s.delegate.End()
	}
}

// transaction starts segments below the span active in the context handed to
// StartSegment, which go2sky keeps in the context itself.
type transaction struct {
	tracer *go2sky.Tracer
}

// StartSegment implements observability.Transaction
func (t *transaction) StartSegment(ctx context.Context, name string) observability.Segment {
	span, spanCtx, err := t.tracer.CreateLocalSpan(ctx, go2sky.WithOperationName(name))
	if err != nil {
		// untraced segment, fn keeps running in the caller's context
		return &segment{ctx: ctx}
	}
	span.SetSpanLayer(agentv3.SpanLayer_Database)
	return &segment{span: span, ctx: spanCtx}
}

type segment struct {
	span go2sky.Span
	ctx  context.Context
}

// Context implements observability.Segment
func (s *segment) Context() context.Context {
	return s.ctx
}

// ReportAsExternal implements observability.Segment
func (s *segment) ReportAsExternal(p observability.DatastoreParameters) {
	if s.span == nil {
		return
	}
	peer := p.Instance
	if peer == "" {
		peer = p.Product
	}
	s.span.SetPeer(peer)
	s.span.Tag(go2sky.TagDBType, p.Product)
	s.span.Tag(go2sky.TagDBInstance, p.DatabaseName)
	s.span.Tag(go2sky.TagDBStatement, p.Operation)
	for k, v := range p.Tags() {
		s.span.Tag(go2sky.Tag(k), v)
	}
}

// End implements observability.Segment
func (s *segment) End() {
	if s.span != nil {
		s.span.End()
	}
}

type token struct {
	span   go2sky.Span
	linked uint32
}

// Link implements observability.Token
func (t *token) Link() {
	if atomic.CompareAndSwapUint32(&t.linked, 0, 1) {
		t.span.Tag(observability.TagTokenLinked, "true")
	}
}
