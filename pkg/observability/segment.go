package observability

import "context"

// WithDatastoreSegment runs fn inside a Segment reported as an external
// datastore call. The Segment is started on the Transaction found in ctx and
// fn receives a child context carrying it, so nested calls can see it.
//
// Tracing is best effort: if ctx holds no Transaction or no Token, fn is called
// with ctx and no agent call is made. Once started, the Segment is reported and
// ended exactly once on every exit path, including errors, context
// cancellation and panics. The result and error of fn are returned unchanged.
func WithDatastoreSegment[T any](
	ctx context.Context,
	name, product, collection string,
	fn func(ctx context.Context) (T, error),
) (T, error) {
	token := TokenFromContext(ctx)
	txn := TransactionFromContext(ctx)
	if token == nil || txn == nil {
		return fn(ctx)
	}

	token.Link()
	segment := txn.StartSegment(ctx, name)
	defer func() {
		segment.ReportAsExternal(DatastoreParameters{
			Product:      product,
			Collection:   collection,
			Operation:    name,
			DatabaseName: collection,
		})
		segment.End()
	}()

	res, err := fn(WithSegment(segment.Context(), segment))
	if err == nil {
		// fn may have moved work across goroutines
		token.Link()
	}
	return res, err
}
