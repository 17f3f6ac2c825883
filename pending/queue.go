package pending

import (
	"sort"

	"boardsync/domain"
)

type entityKey struct {
	t  domain.EntityType
	id string
}

// Queue holds the unresolved operations of one board, grouped per entity in
// issue order. It is not safe for concurrent use.
type Queue struct {
	seq uint64
	ops map[entityKey][]*Operation
}

func NewQueue() *Queue {
	return &Queue{ops: make(map[entityKey][]*Operation)}
}

// Push appends op and returns the operation queued before it on the same
// entity, or nil.
func (q *Queue) Push(op *Operation) *Operation {
	q.seq++
	op.Seq = q.seq
	k := entityKey{op.Type, op.ID}
	var prev *Operation
	if ops := q.ops[k]; len(ops) > 0 {
		prev = ops[len(ops)-1]
	}
	q.ops[k] = append(q.ops[k], op)
	return prev
}

// For returns the unresolved operations on an entity in issue order.
func (q *Queue) For(t domain.EntityType, id string) []*Operation {
	return q.ops[entityKey{t, id}]
}

// Head returns the oldest unresolved operation on an entity.
func (q *Queue) Head(t domain.EntityType, id string) *Operation {
	if ops := q.ops[entityKey{t, id}]; len(ops) > 0 {
		return ops[0]
	}
	return nil
}

// After returns the operations on the same entity issued after op.
func (q *Queue) After(op *Operation) []*Operation {
	ops := q.ops[entityKey{op.Type, op.ID}]
	for i, o := range ops {
		if o == op {
			return ops[i+1:]
		}
	}
	return nil
}

// Resolve removes op from the queue and records its outcome. It reports
// false if op was already resolved, so every operation settles exactly once.
func (q *Queue) Resolve(op *Operation, err error) bool {
	if op.resolved {
		return false
	}
	op.resolved = true
	op.err = err
	k := entityKey{op.Type, op.ID}
	ops := q.ops[k]
	for i, o := range ops {
		if o == op {
			ops = append(ops[:i:i], ops[i+1:]...)
			break
		}
	}
	if len(ops) == 0 {
		delete(q.ops, k)
	} else {
		q.ops[k] = ops
	}
	close(op.done)
	return true
}

// Rebase replays the operations on an entity in order on top of base,
// refreshing each one's Before, and returns the resulting state. A non-zero
// baseline replaces every operation's Baseline.
func (q *Queue) Rebase(t domain.EntityType, id string, base State, baseline int64) State {
	return Rebase(q.ops[entityKey{t, id}], base, baseline)
}

// Rebase replays ops in order on top of base.
func Rebase(ops []*Operation, base State, baseline int64) State {
	for _, op := range ops {
		if baseline > 0 {
			op.Baseline = baseline
		}
		op.Before = base
		base = op.Apply(base)
	}
	return base
}

// Rekey moves the operations of a created entity to the id the server
// assigned.
func (q *Queue) Rekey(t domain.EntityType, oldID, newID string) {
	if oldID == newID {
		return
	}
	k := entityKey{t, oldID}
	ops, ok := q.ops[k]
	if !ok {
		return
	}
	delete(q.ops, k)
	for _, op := range ops {
		op.ID = newID
		if op.OnRekey != nil {
			op.OnRekey(newID)
		}
	}
	nk := entityKey{t, newID}
	q.ops[nk] = append(q.ops[nk], ops...)
	sort.Slice(q.ops[nk], func(i, j int) bool { return q.ops[nk][i].Seq < q.ops[nk][j].Seq })
}

// All returns every unresolved operation in issue order.
func (q *Queue) All() []*Operation {
	var all []*Operation
	for _, ops := range q.ops {
		all = append(all, ops...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Seq < all[j].Seq })
	return all
}

func (q *Queue) Len() int {
	n := 0
	for _, ops := range q.ops {
		n += len(ops)
	}
	return n
}
