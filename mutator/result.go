package mutator

import (
	"context"
	"sync"

	"boardsync/domain"
	"boardsync/pending"
)

// Result follows one optimistic operation until it settles.
type Result struct {
	mu   sync.Mutex
	id   string
	kind pending.Kind
	typ  domain.EntityType
	op   *pending.Operation
}

func newResult(op *pending.Operation) *Result {
	r := &Result{id: op.ID, kind: op.Kind, typ: op.Type, op: op}
	prev := op.OnRekey
	op.OnRekey = func(id string) {
		if prev != nil {
			prev(id)
		}
		r.setID(id)
	}
	return r
}

// ID is the entity id, updated if the server assigned a different one.
func (r *Result) ID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id
}

func (r *Result) setID(id string) {
	r.mu.Lock()
	r.id = id
	r.mu.Unlock()
}

func (r *Result) Kind() pending.Kind { return r.kind }

func (r *Result) EntityType() domain.EntityType { return r.typ }

// Done is closed once the operation is confirmed, rolled back or superseded.
func (r *Result) Done() <-chan struct{} { return r.op.Done() }

// Err is the outcome after Done is closed.
func (r *Result) Err() error {
	select {
	case <-r.op.Done():
		return r.op.Err()
	default:
		return nil
	}
}

// Wait blocks until the operation settles or ctx ends.
func (r *Result) Wait(ctx context.Context) error {
	select {
	case <-r.op.Done():
		return r.op.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
