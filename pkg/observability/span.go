package observability

import "context"

// Tracer starts spans on the selected instrumenter.
type Tracer interface {
	// StartSpanFromContext creates and starts a span as a child of the span
	// found in ctx, if any.
	StartSpanFromContext(ctx context.Context, name string) Span
}

// Span interface as returned by Tracer.StartSpanFromContext
type Span interface {
	// Context returns the context holding the Span.
	Context() context.Context
	// TraceID returns the Span's trace identifier.
	TraceID() string
	// SetName updates the Span's name.
	SetName(string)
	// Tag sets Tag with given key and value to the Span. If key already exists in
	// the Span the value will be overridden.
	Tag(string, string)
	// Finish the Span and send to Reporter.
	Finish()
}
