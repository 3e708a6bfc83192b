package observability

import "context"

// Shared tag keys used by all instrumenters when reporting a datastore call.
const (
	TagDBSystem     = "db.system"
	TagDBCollection = "db.collection"
	TagDBOperation  = "db.operation"
	TagDBInstance   = "db.instance"
	TagDBName       = "db.name"

	// TagTokenLinked is set on a transaction once its Token has been linked.
	TagTokenLinked = "apm.token.linked"
)

// Transaction is the agent's handle of one end-to-end traced unit of work.
type Transaction interface {
	// StartSegment starts a named Segment as a child of the Transaction. The
	// returned Segment carries a derived context holding the new span.
	StartSegment(ctx context.Context, name string) Segment
}

// Segment is a named and timed sub-unit of work within a Transaction. A
// Segment must be ended exactly once.
type Segment interface {
	// Context returns the context holding the Segment's span.
	Context() context.Context
	// ReportAsExternal attaches the metadata of an outbound datastore call.
	ReportAsExternal(DatastoreParameters)
	// End finishes the Segment. It may be called from any goroutine.
	End()
}

// Token allows tracing continuity to be re-asserted after work crossed an
// asynchronous boundary.
type Token interface {
	// Link signals the agent that the current execution still belongs to the
	// Transaction the Token was created for. Link is idempotent.
	Link()
}

// Transactioner is an extension interface that observability Services can
// implement to expose the agent object model for the span active in a context.
type Transactioner interface {
	// Transaction returns the Transaction and Token bound to the span active
	// in ctx. If no span is active both are nil.
	Transaction(ctx context.Context) (Transaction, Token)
}

// DatastoreParameters describes an outbound datastore call.
type DatastoreParameters struct {
	Product      string
	Collection   string
	Operation    string
	Instance     string // empty when no instance is known
	DatabaseName string
}

// Tags flattens the parameters into span tags. Empty values are omitted.
func (p DatastoreParameters) Tags() map[string]string {
	tags := make(map[string]string, 5)
	for k, v := range map[string]string{
		TagDBSystem:     p.Product,
		TagDBCollection: p.Collection,
		TagDBOperation:  p.Operation,
		TagDBInstance:   p.Instance,
		TagDBName:       p.DatabaseName,
	} {
		if v != "" {
			tags[k] = v
		}
	}
	return tags
}
