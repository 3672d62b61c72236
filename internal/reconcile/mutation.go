package reconcile

import (
	"context"
	"sync"

	"github.com/smartmark/smartmark/internal/bookmark"
)

// Operation names carried by Mutation and GatewayError.
const (
	OpCreate = "create"
	OpDelete = "delete"
)

// Mutation tracks one optimistic change from the moment it is applied to the
// view until the gateway (or the change feed) settles it.
//
// For creates it is the link between the placeholder ID shown to the user
// and the ID the record store eventually assigns.
type Mutation struct {
	op string
	id string

	done chan struct{}
	once sync.Once

	// written once before done is closed
	result bookmark.Record
	err    error
}

func newMutation(op, id string) *Mutation {
	return &Mutation{op: op, id: id, done: make(chan struct{})}
}

// Op returns OpCreate or OpDelete.
func (m *Mutation) Op() string { return m.op }

// ID returns the placeholder ID for creates and the target ID for deletes.
func (m *Mutation) ID() string { return m.id }

// Done is closed once the mutation is settled.
func (m *Mutation) Done() <-chan struct{} { return m.done }

// Err returns the failure that rolled the change back, or nil if the
// mutation succeeded or is still in flight.
func (m *Mutation) Err() error {
	select {
	case <-m.done:
		return m.err
	default:
		return nil
	}
}

// Result returns the confirmed record of a successful create. It is the zero
// Record until then and for deletes.
func (m *Mutation) Result() bookmark.Record {
	select {
	case <-m.done:
		return m.result
	default:
		return bookmark.Record{}
	}
}

// Wait blocks until the mutation settles or ctx is done.
func (m *Mutation) Wait(ctx context.Context) error {
	select {
	case <-m.done:
		return m.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Mutation) resolve(result bookmark.Record, err error) {
	m.once.Do(func() {
		m.result = result
		m.err = err
		close(m.done)
	})
}
