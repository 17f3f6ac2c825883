// Package mutator applies user intents to the local tree immediately and
// reconciles them with the remote store in the background.
package mutator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"boardsync/domain"
	"boardsync/metrics"
	"boardsync/pending"
	"boardsync/state"
)

const DefaultWriteTimeout = 10 * time.Second

type Config struct {
	// WriteTimeout bounds every remote write.
	WriteTimeout time.Duration
	// RetryGrace is how long an operation that failed with a transient error
	// waits for Retry before it is rolled back. Zero rolls back immediately.
	RetryGrace time.Duration
}

// writeFunc issues the remote write for an operation and returns the
// confirmed entity state.
type writeFunc func(ctx context.Context, id string, baseline int64) (pending.State, error)

type parkedOp struct {
	write writeFunc
	err   error
	timer *time.Timer
}

// Mutator is the single entry point for local edits of one loaded board.
// Store and queue are shared with the reconciler and are only touched on
// the timeline.
type Mutator struct {
	tl      Timeline
	gen     uint64
	store   *state.Store
	queue   *pending.Queue
	w       Writer
	cfg     Config
	logger  *log.Logger
	metrics *metrics.Metrics
	newID   func() string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	parked map[*pending.Operation]*parkedOp
}

type Option func(*Mutator)

func WithLogger(l *log.Logger) Option { return func(m *Mutator) { m.logger = l } }

func WithMetrics(mt *metrics.Metrics) Option { return func(m *Mutator) { m.metrics = mt } }

// WithIDGenerator replaces the tentative id source, uuid.NewString by default.
func WithIDGenerator(f func() string) Option { return func(m *Mutator) { m.newID = f } }

// New returns a mutator bound to board generation gen.
func New(tl Timeline, gen uint64, store *state.Store, queue *pending.Queue, w Writer, cfg Config, opts ...Option) *Mutator {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Mutator{
		tl:     tl,
		gen:    gen,
		store:  store,
		queue:  queue,
		w:      w,
		cfg:    cfg,
		logger: log.StandardLogger(),
		newID:  uuid.NewString,
		ctx:    ctx,
		cancel: cancel,
		parked: make(map[*pending.Operation]*parkedOp),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// do runs fn on the timeline.
func (m *Mutator) do(fn func() (*Result, error)) (*Result, error) {
	var (
		r   *Result
		err error
	)
	if !m.tl.Run(m.gen, func() { r, err = fn() }) {
		return nil, domain.ErrStaleBoard
	}
	return r, err
}

// submit applies op locally, queues it and starts its remote write. It must
// be called on the timeline.
func (m *Mutator) submit(op *pending.Operation, write writeFunc) (*Result, error) {
	after := op.Apply(op.Before)
	if err := pending.Write(m.store, op.Type, op.ID, after); err != nil {
		return nil, err
	}
	r := newResult(op)
	prev := m.queue.Push(op)
	m.metrics.PendingDelta(1)
	m.logger.WithFields(log.Fields{"op": op.String(), "baseline": op.Baseline}).Debug("optimistic operation applied")
	m.launch(op, prev, write)
	return r, nil
}

func (m *Mutator) launch(op *pending.Operation, prev *pending.Operation, write writeFunc) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(op, prev, write)
	}()
}

func (m *Mutator) run(op *pending.Operation, prev *pending.Operation, write writeFunc) {
	if prev != nil {
		select {
		case <-prev.Done():
		case <-m.ctx.Done():
			return
		}
	}
	var (
		id       string
		baseline int64
		ready    bool
	)
	m.tl.Run(m.gen, func() {
		if op.Resolved() {
			return
		}
		op.InFlight = true
		op.Parked = false
		id, baseline, ready = op.ID, op.Baseline, true
	})
	if !ready {
		return
	}

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.WriteTimeout)
	name := string(op.Type) + "." + string(op.Kind)
	ctx, span := metrics.StartSpan(ctx, "boardsync.write."+name,
		attribute.String("entity.type", string(op.Type)),
		attribute.String("entity.id", id),
		attribute.Int64("entity.baseline", baseline),
	)
	start := time.Now()
	confirmed, err := write(ctx, id, baseline)
	if err != nil && ctx.Err() != nil && m.ctx.Err() == nil && !errors.Is(err, domain.ErrTransientNetwork) {
		err = fmt.Errorf("%w: %v", domain.ErrTransientNetwork, err)
	}
	m.metrics.ObserveWrite(name, time.Since(start), err)
	metrics.EndSpan(span, err)
	cancel()
	if m.ctx.Err() != nil {
		return
	}

	m.tl.Run(m.gen, func() { m.complete(op, write, confirmed, err) })
}

func (m *Mutator) complete(op *pending.Operation, write writeFunc, confirmed pending.State, err error) {
	op.InFlight = false
	if err == nil {
		if op.Resolved() {
			m.adopt(op, confirmed)
			return
		}
		m.confirm(op, confirmed)
		return
	}
	if op.Resolved() {
		m.logger.WithError(err).WithField("op", op.String()).Debug("write failed after operation was superseded")
		return
	}
	if errors.Is(err, domain.ErrTransientNetwork) {
		m.park(op, write, err)
		return
	}
	m.rollback(op, err)
}

// confirm settles op with the server row and replays later operations on
// top of it. Cards held by a list that got a different id follow it; their
// own pending writes still name the tentative list and roll back if the
// server rejects them.
func (m *Mutator) confirm(op *pending.Operation, confirmed pending.State) {
	id := op.ID
	var children []domain.Card
	if newID := stateID(op.Type, confirmed); newID != "" && newID != id {
		m.logger.WithFields(log.Fields{"tentative": id, "id": newID}).Debug("server assigned a different id")
		if op.Type == domain.EntityList {
			children = m.store.Cards(id)
		}
		m.settle(op.Type, id, pending.State{})
		m.queue.Rekey(op.Type, id, newID)
		id = newID
	}
	m.queue.Resolve(op, nil)
	m.metrics.PendingDelta(-1)
	later := m.queue.For(op.Type, id)
	if cur, ok := m.store.Version(op.Type, id); !ok || len(later) > 0 || cur <= confirmed.Version() {
		m.settle(op.Type, id, pending.Rebase(later, confirmed, confirmed.Version()))
	}
	for _, c := range children {
		c.ListID = id
		if err := m.store.UpsertCard(c); err != nil {
			m.logger.WithError(err).WithFields(log.Fields{"card": c.ID, "list": id}).Warn("could not move card to renamed list")
		}
	}
}

// adopt applies the confirmation of an operation that was already superseded
// or dropped, if it is still the newest known state.
func (m *Mutator) adopt(op *pending.Operation, confirmed pending.State) {
	id := stateID(op.Type, confirmed)
	if id == "" {
		return
	}
	cur, ok := m.store.Version(op.Type, id)
	if !ok || cur >= confirmed.Version() {
		return
	}
	later := m.queue.For(op.Type, id)
	for _, o := range later {
		if o.InFlight {
			return
		}
	}
	m.settle(op.Type, id, pending.Rebase(later, confirmed, confirmed.Version()))
}

// rollback restores the state captured before op and replays the operations
// issued after it. Operations queued behind a failed create are cancelled.
func (m *Mutator) rollback(op *pending.Operation, err error) {
	reason := rollbackReason(err)
	m.metrics.Rollback(reason)
	m.logger.WithError(err).WithFields(log.Fields{"op": op.String(), "reason": reason}).Info("rolling back optimistic operation")
	if op.Kind == pending.KindCreate {
		for _, later := range append([]*pending.Operation(nil), m.queue.After(op)...) {
			if m.queue.Resolve(later, fmt.Errorf("%w: create of %s failed", domain.ErrCancelled, op.ID)) {
				m.metrics.PendingDelta(-1)
				m.unpark(later)
			}
		}
	}
	id := op.ID
	m.queue.Resolve(op, err)
	m.metrics.PendingDelta(-1)
	m.settle(op.Type, id, m.queue.Rebase(op.Type, id, op.Before, 0))
}

// settle writes st to the store. If that is impossible because a parent
// disappeared in the meantime the entity is dropped locally.
func (m *Mutator) settle(t domain.EntityType, id string, st pending.State) {
	err := pending.Write(m.store, t, id, st)
	if err == nil {
		return
	}
	m.logger.WithError(err).WithFields(log.Fields{"type": t, "id": id}).Warn("could not restore entity, removing it locally")
	if err := pending.Write(m.store, t, id, pending.State{}); err != nil {
		m.logger.WithError(err).WithFields(log.Fields{"type": t, "id": id}).Error("failed to remove entity")
	}
}

func (m *Mutator) park(op *pending.Operation, write writeFunc, err error) {
	if m.cfg.RetryGrace <= 0 {
		m.rollback(op, err)
		return
	}
	op.Parked = true
	p := &parkedOp{write: write, err: err}
	m.parked[op] = p
	m.metrics.ParkedDelta(1)
	m.logger.WithError(err).WithField("op", op.String()).Info("write failed, waiting for retry")
	p.timer = time.AfterFunc(m.cfg.RetryGrace, func() {
		m.tl.Run(m.gen, func() {
			if m.parked[op] != p {
				return
			}
			m.unpark(op)
			if !op.Resolved() {
				m.rollback(op, p.err)
			}
		})
	})
}

func (m *Mutator) unpark(op *pending.Operation) *parkedOp {
	p, ok := m.parked[op]
	if !ok {
		return nil
	}
	delete(m.parked, op)
	op.Parked = false
	if p.timer != nil {
		p.timer.Stop()
	}
	m.metrics.ParkedDelta(-1)
	return p
}

// Retry reissues the remote write of an operation parked after a transient
// failure on the given entity.
func (m *Mutator) Retry(t domain.EntityType, id string) (*Result, error) {
	return m.do(func() (*Result, error) {
		op := m.queue.Head(t, id)
		if op == nil || !op.Parked {
			return nil, fmt.Errorf("%w: no failed operation on %s %s", domain.ErrNotFound, t, id)
		}
		p := m.unpark(op)
		r := newResult(op)
		m.logger.WithField("op", op.String()).Info("retrying operation")
		m.launch(op, nil, p.write)
		return r, nil
	})
}

// Discard gives up on a parked operation and rolls it back.
func (m *Mutator) Discard(t domain.EntityType, id string) error {
	_, err := m.do(func() (*Result, error) {
		op := m.queue.Head(t, id)
		if op == nil || !op.Parked {
			return nil, fmt.Errorf("%w: no failed operation on %s %s", domain.ErrNotFound, t, id)
		}
		p := m.unpark(op)
		m.rollback(op, p.err)
		return nil, nil
	})
	return err
}

// Close abandons every unsettled operation. It must be called on the
// timeline when the board is unloaded. Writes already issued are not
// cancelled remotely, but their outcomes are ignored.
func (m *Mutator) Close() {
	m.cancel()
	for op := range m.parked {
		m.unpark(op)
	}
	for _, op := range m.queue.All() {
		if m.queue.Resolve(op, domain.ErrStaleBoard) {
			m.metrics.PendingDelta(-1)
		}
	}
}

// Wait blocks until every write goroutine has returned. Not to be called on
// the timeline.
func (m *Mutator) Wait() { m.wg.Wait() }

func stateID(t domain.EntityType, s pending.State) string {
	switch t {
	case domain.EntityBoard:
		if s.Board != nil {
			return s.Board.ID
		}
	case domain.EntityList:
		if s.List != nil {
			return s.List.ID
		}
	case domain.EntityCard:
		if s.Card != nil {
			return s.Card.ID
		}
	}
	return ""
}

func rollbackReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrStaleWrite):
		return "stale_write"
	case errors.Is(err, domain.ErrOrphanReference):
		return "orphan_reference"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrTransientNetwork):
		return "transient"
	}
	return "error"
}
