package observability

import (
	"context"
	"net/http"

	xcontext "golang.org/x/net/context"
)

// Contexter is a extension interface to retrieve current span from Go's context.
type Contexter interface {
	// SpanFromContext retrieves a Span from Go's context propagation
	// mechanism if found. If not found, returns nil.
	SpanFromContext(ctx xcontext.Context) Span
}

type (
	transactionKey struct{}
	segmentKey     struct{}
	tokenKey       struct{}
)

// WithTransaction returns a copy of ctx carrying txn.
func WithTransaction(ctx context.Context, txn Transaction) context.Context {
	return context.WithValue(ctx, transactionKey{}, txn)
}

// TransactionFromContext returns the Transaction carried by ctx or nil.
func TransactionFromContext(ctx context.Context) Transaction {
	txn, _ := ctx.Value(transactionKey{}).(Transaction)
	return txn
}

// WithSegment returns a copy of ctx carrying segment.
func WithSegment(ctx context.Context, segment Segment) context.Context {
	return context.WithValue(ctx, segmentKey{}, segment)
}

// SegmentFromContext returns the Segment carried by ctx or nil.
func SegmentFromContext(ctx context.Context) Segment {
	segment, _ := ctx.Value(segmentKey{}).(Segment)
	return segment
}

// WithToken returns a copy of ctx carrying token.
func WithToken(ctx context.Context, token Token) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

// TokenFromContext returns the Token carried by ctx or nil.
func TokenFromContext(ctx context.Context) Token {
	token, _ := ctx.Value(tokenKey{}).(Token)
	return token
}

// AttachTransaction stores the Transaction and Token of the span active in
// ctx. If t has no active transaction for ctx, ctx is returned as is.
func AttachTransaction(ctx context.Context, t Transactioner) context.Context {
	txn, token := t.Transaction(ctx)
	if txn == nil || token == nil {
		return ctx
	}
	return WithToken(WithTransaction(ctx, txn), token)
}

// Detach returns a context holding the same values as ctx, including the
// tracing handles, which is not canceled when ctx is. Use it to hand the
// tracing state to a goroutine that outlives the caller.
func Detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// TransactionMiddleware attaches the Transaction and Token of the inbound
// request span to the request context. It must run inside the instrumenter's
// own server middleware.
func TransactionMiddleware(t Transactioner) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(AttachTransaction(r.Context(), t)))
		})
	}
}
