// Package reconcile merges change feed events and full reloads into the
// local tree while optimistic operations are outstanding.
package reconcile

import (
	"errors"
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"

	"boardsync/domain"
	"boardsync/metrics"
	"boardsync/pending"
	"boardsync/state"
)

const (
	// DefaultMaxParked bounds how many card events wait for an unknown list.
	DefaultMaxParked = 256
	// DefaultMaxBuffered bounds the events held back while a reload runs.
	DefaultMaxBuffered = 4096
)

type entityKey struct {
	t  domain.EntityType
	id string
}

// Reconciler applies remote changes to one board's store. Like the store and
// the pending queue it shares, it is only used on the board's timeline.
type Reconciler struct {
	store   *state.Store
	queue   *pending.Queue
	logger  *log.Logger
	metrics *metrics.Metrics

	cursors    map[domain.EntityType]int64
	tombstones map[entityKey]int64
	parked     []domain.Event
	maxParked  int

	reloading   bool
	buffer      []domain.Event
	maxBuffered int
	// overflowed is set when buffered events were discarded; the next
	// snapshot may predate them, so another one is needed.
	overflowed bool
}

type Option func(*Reconciler)

func WithLogger(l *log.Logger) Option { return func(r *Reconciler) { r.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(r *Reconciler) { r.metrics = m } }

func WithMaxParked(n int) Option { return func(r *Reconciler) { r.maxParked = n } }

func WithMaxBuffered(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.maxBuffered = n
		}
	}
}

func New(store *state.Store, queue *pending.Queue, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:       store,
		queue:       queue,
		logger:      log.StandardLogger(),
		cursors:     make(map[domain.EntityType]int64),
		tombstones:  make(map[entityKey]int64),
		maxParked:   DefaultMaxParked,
		maxBuffered: DefaultMaxBuffered,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Apply merges one normalized event. It returns an error wrapping
// domain.ErrFeedGap when the event reveals missed events; the reconciler
// then buffers everything until ApplySnapshot is called.
func (r *Reconciler) Apply(ev domain.Event) error {
	if err := ev.Validate(); err != nil {
		r.metrics.Event(string(ev.Type), "invalid")
		return err
	}
	if r.reloading {
		r.hold(ev)
		return nil
	}
	if err := r.advanceCursor(ev); err != nil {
		r.BeginReload()
		r.hold(ev)
		return err
	}
	r.apply(ev)
	return nil
}

func (r *Reconciler) hold(ev domain.Event) {
	if len(r.buffer) >= r.maxBuffered {
		r.logger.WithField("events", len(r.buffer)).Warn("reload buffer full, discarding buffered events")
		r.metrics.Event(string(ev.Type), "overflow")
		r.buffer = nil
		r.overflowed = true
		return
	}
	r.buffer = append(r.buffer, ev)
	r.metrics.Event(string(ev.Type), "buffered")
}

func (r *Reconciler) advanceCursor(ev domain.Event) error {
	if ev.Cursor <= 0 {
		return nil
	}
	cur, known := r.cursors[ev.Type]
	if known && ev.Cursor > cur+1 {
		r.metrics.Event(string(ev.Type), "gap")
		return fmt.Errorf("%w: %s cursor jumped from %d to %d", domain.ErrFeedGap, ev.Type, cur, ev.Cursor)
	}
	if ev.Cursor > cur {
		r.cursors[ev.Type] = ev.Cursor
	}
	return nil
}

// BeginReload starts buffering events until the next snapshot.
func (r *Reconciler) BeginReload() {
	if !r.reloading {
		r.logger.Debug("buffering feed events until reload completes")
	}
	r.reloading = true
}

func (r *Reconciler) Reloading() bool { return r.reloading }

// Cursor returns the last feed cursor seen for an entity type.
func (r *Reconciler) Cursor(t domain.EntityType) (int64, bool) {
	c, ok := r.cursors[t]
	return c, ok
}

func (r *Reconciler) apply(ev domain.Event) {
	key := entityKey{ev.Type, ev.ID}
	if ev.Type == domain.EntityBoard && ev.ID != r.store.Board().ID {
		r.metrics.Event(string(ev.Type), "foreign")
		return
	}
	if ev.Type == domain.EntityList && ev.List != nil && ev.List.BoardID != r.store.Board().ID {
		// a list moved to another board is gone from this one
		ev = domain.Event{Kind: domain.KindDelete, Type: ev.Type, ID: ev.ID, Version: ev.Version, Cursor: ev.Cursor}
	}

	if ops := r.queue.For(ev.Type, ev.ID); len(ops) > 0 {
		r.applyOverPending(ev, ops)
		return
	}

	if tomb, ok := r.tombstones[key]; ok && ev.Version <= tomb {
		r.metrics.Event(string(ev.Type), "tombstoned")
		return
	}
	if cur, ok := r.store.Version(ev.Type, ev.ID); ok && ev.Version <= cur {
		r.metrics.Event(string(ev.Type), "stale")
		return
	}
	if ev.Kind == domain.KindDelete {
		r.remove(ev)
		return
	}
	if err := r.upsert(ev); err != nil {
		r.metrics.Event(string(ev.Type), "rejected")
		r.logger.WithError(err).WithFields(log.Fields{"type": ev.Type, "id": ev.ID}).Warn("could not apply feed event")
		return
	}
	r.metrics.Event(string(ev.Type), "applied")
}

// applyOverPending handles an event for an entity with unsettled local
// operations. Events not newer than the oldest operation's baseline describe
// a state the local edits already supersede. Newer events win: operations
// whose write is under way are dropped without rollback and queued ones are
// replayed on top of the event.
func (r *Reconciler) applyOverPending(ev domain.Event, ops []*pending.Operation) {
	if ev.Version <= ops[0].Baseline {
		r.metrics.Event(string(ev.Type), "superseded_local")
		return
	}
	queued := r.supersede(ops, ev.Version)
	base := stateOf(ev)
	if ev.Kind == domain.KindDelete {
		r.tomb(entityKey{ev.Type, ev.ID}, ev.Version)
	}
	final := pending.Rebase(queued, base, ev.Version)
	if err := pending.Write(r.store, ev.Type, ev.ID, final); err != nil {
		if errors.Is(err, domain.ErrOrphanReference) && ev.Kind != domain.KindDelete && ev.Type == domain.EntityCard {
			_ = pending.Write(r.store, ev.Type, ev.ID, pending.State{})
			r.park(ev)
			return
		}
		r.logger.WithError(err).WithFields(log.Fields{"type": ev.Type, "id": ev.ID}).Warn("could not apply remote update over pending operations")
		return
	}
	if ev.Kind == domain.KindDelete && ev.Type == domain.EntityList {
		r.dropParked(ev.ID)
	}
	if ev.Kind != domain.KindDelete && ev.Type == domain.EntityList {
		r.releaseParked(ev.ID)
	}
	r.metrics.Event(string(ev.Type), "rebased")
}

// supersede settles the operations whose write was already issued when a
// newer remote version arrived and returns the ones still queued.
func (r *Reconciler) supersede(ops []*pending.Operation, version int64) []*pending.Operation {
	var queued []*pending.Operation
	for _, op := range append([]*pending.Operation(nil), ops...) {
		if op.InFlight || op.Parked {
			if r.queue.Resolve(op, nil) {
				r.metrics.PendingDelta(-1)
			}
			r.logger.WithFields(log.Fields{"op": op.String(), "version": version}).Debug("pending operation superseded by remote update")
			continue
		}
		queued = append(queued, op)
	}
	return queued
}

func (r *Reconciler) remove(ev domain.Event) {
	key := entityKey{ev.Type, ev.ID}
	r.tomb(key, ev.Version)
	switch ev.Type {
	case domain.EntityList:
		if _, removed, err := r.store.RemoveList(ev.ID); err == nil {
			r.logger.WithFields(log.Fields{"list": ev.ID, "cards": len(removed)}).Debug("list removed by feed")
		}
		r.dropParked(ev.ID)
	case domain.EntityCard:
		_, _ = r.store.RemoveCard(ev.ID)
		r.unpark(ev.ID)
	case domain.EntityBoard:
		r.logger.WithField("board", ev.ID).Warn("loaded board was deleted remotely")
	}
	r.metrics.Event(string(ev.Type), "deleted")
}

func (r *Reconciler) tomb(key entityKey, version int64) {
	if version > r.tombstones[key] {
		r.tombstones[key] = version
	}
}

func (r *Reconciler) upsert(ev domain.Event) error {
	switch ev.Type {
	case domain.EntityBoard:
		return r.store.UpsertBoard(*ev.Board)
	case domain.EntityList:
		if err := r.store.UpsertList(*ev.List); err != nil {
			return err
		}
		r.releaseParked(ev.ID)
		return nil
	case domain.EntityCard:
		err := r.store.UpsertCard(*ev.Card)
		if errors.Is(err, domain.ErrOrphanReference) {
			// the card moved to a list not known yet; drop the stale copy
			// and wait for the list
			_, _ = r.store.RemoveCard(ev.ID)
			r.park(ev)
			return nil
		}
		return err
	}
	return fmt.Errorf("%w: entity type %q", domain.ErrInvalidEntity, ev.Type)
}

func (r *Reconciler) park(ev domain.Event) {
	for _, p := range r.parked {
		if p.ID == ev.ID && p.Version >= ev.Version {
			return
		}
	}
	r.unpark(ev.ID)
	if len(r.parked) >= r.maxParked {
		dropped := r.parked[0]
		r.parked = r.parked[1:]
		r.logger.WithFields(log.Fields{"card": dropped.ID, "list": dropped.Card.ListID}).Warn("dropping parked card event")
	}
	r.parked = append(r.parked, ev)
	r.metrics.Event(string(ev.Type), "parked")
	r.logger.WithFields(log.Fields{"card": ev.ID, "list": ev.Card.ListID}).Debug("card event parked until its list arrives")
}

// unpark forgets any parked event for the card.
func (r *Reconciler) unpark(cardID string) {
	out := r.parked[:0]
	for _, p := range r.parked {
		if p.ID != cardID {
			out = append(out, p)
		}
	}
	r.parked = out
}

func (r *Reconciler) releaseParked(listID string) {
	var ready []domain.Event
	out := r.parked[:0]
	for _, p := range r.parked {
		if p.Card.ListID == listID {
			ready = append(ready, p)
			continue
		}
		out = append(out, p)
	}
	r.parked = out
	for _, ev := range ready {
		r.apply(ev)
	}
}

func (r *Reconciler) dropParked(listID string) {
	out := r.parked[:0]
	for _, p := range r.parked {
		if p.Card.ListID != listID {
			out = append(out, p)
		}
	}
	r.parked = out
}

// ApplySnapshot replaces the tree with a full reload, replays the unsettled
// local operations on top of it and then drains the events buffered while
// the reload was running. Rows the tree cannot hold are skipped and logged.
// It returns a domain.ErrFeedGap error if the buffered events already show a
// new gap or had to be discarded; buffering then goes on until the next
// snapshot. A snapshot of another board is rejected and also leaves the
// reconciler buffering.
func (r *Reconciler) ApplySnapshot(snap domain.Snapshot) error {
	if snap.Board.ID != r.store.Board().ID {
		return fmt.Errorf("%w: snapshot of board %s, loaded %s", domain.ErrInvalidEntity, snap.Board.ID, r.store.Board().ID)
	}
	for _, err := range r.store.Replace(snap) {
		r.metrics.Event("snapshot", "skipped")
		r.logger.WithError(err).Warn("skipping snapshot row")
	}
	r.tombstones = make(map[entityKey]int64)
	r.parked = nil
	r.cursors = make(map[domain.EntityType]int64, len(snap.Cursors))
	for t, c := range snap.Cursors {
		r.cursors[t] = c
	}

	seen := make(map[entityKey]bool)
	for _, op := range r.queue.All() {
		key := entityKey{op.Type, op.ID}
		if !seen[key] {
			seen[key] = true
			r.replay(op.Type, op.ID)
		}
	}

	if r.overflowed {
		r.overflowed = false
		r.buffer = nil
		return fmt.Errorf("%w: events discarded while reloading", domain.ErrFeedGap)
	}
	r.reloading = false
	buffered := r.buffer
	r.buffer = nil
	sort.SliceStable(buffered, func(i, j int) bool {
		if buffered[i].Type != buffered[j].Type {
			return buffered[i].Type < buffered[j].Type
		}
		return buffered[i].Cursor < buffered[j].Cursor
	})
	for i, ev := range buffered {
		if err := r.Apply(ev); err != nil {
			if errors.Is(err, domain.ErrFeedGap) {
				r.buffer = append(r.buffer, buffered[i+1:]...)
				return err
			}
		}
	}
	return nil
}

// replay puts the unsettled operations of one entity back on top of a fresh
// snapshot. As with feed events, a snapshot row newer than the operations'
// baseline settles the ones already written and rebases the rest on it.
func (r *Reconciler) replay(t domain.EntityType, id string) {
	ops := r.queue.For(t, id)
	var baseline int64
	if v, ok := r.store.Version(t, id); ok && v > ops[0].Baseline {
		ops = r.supersede(ops, v)
		baseline = v
	} else {
		ops = append([]*pending.Operation(nil), ops...)
	}
	for _, op := range ops {
		before := pending.Capture(r.store, op.Type, op.ID, op.Kind == pending.KindDelete && op.Type == domain.EntityList)
		op.Before = before
		if baseline > 0 {
			op.Baseline = baseline
		}
		if err := pending.Write(r.store, op.Type, op.ID, op.Apply(before)); err != nil {
			r.logger.WithError(err).WithField("op", op.String()).Info("pending operation no longer applies after reload")
			_ = pending.Write(r.store, op.Type, op.ID, before)
			if r.queue.Resolve(op, fmt.Errorf("%w: %v", domain.ErrOrphanReference, err)) {
				r.metrics.PendingDelta(-1)
				r.metrics.Rollback("reload")
			}
		}
	}
}

func stateOf(ev domain.Event) pending.State {
	if ev.Kind == domain.KindDelete {
		return pending.State{}
	}
	switch ev.Type {
	case domain.EntityBoard:
		b := *ev.Board
		return pending.State{Board: &b}
	case domain.EntityList:
		l := *ev.List
		return pending.State{List: &l}
	case domain.EntityCard:
		c := *ev.Card
		return pending.State{Card: &c}
	}
	return pending.State{}
}
