// Package pending tracks optimistic mutations that have been applied locally
// but not yet confirmed or rolled back.
package pending

import (
	"errors"
	"fmt"

	"boardsync/domain"
	"boardsync/state"
)

type Kind string

const (
	KindCreate Kind = "create"
	KindMove   Kind = "move"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// State is the value of one entity at a point in time. A nil pointer means
// the entity does not exist. Cards is only captured for list deletes so the
// cascade can be undone.
type State struct {
	Board *domain.Board
	List  *domain.List
	Card  *domain.Card
	Cards []domain.Card
}

// Version returns the version of whichever entity the state holds.
func (s State) Version() int64 {
	switch {
	case s.Card != nil:
		return s.Card.Version
	case s.List != nil:
		return s.List.Version
	case s.Board != nil:
		return s.Board.Version
	}
	return 0
}

// Capture reads the current state of an entity from the store.
func Capture(st *state.Store, t domain.EntityType, id string, withChildren bool) State {
	var s State
	switch t {
	case domain.EntityBoard:
		b := st.Board()
		if b.ID == id {
			s.Board = &b
		}
	case domain.EntityList:
		if l, ok := st.List(id); ok {
			s.List = &l
			if withChildren {
				s.Cards = st.Cards(id)
			}
		}
	case domain.EntityCard:
		if c, ok := st.Card(id); ok {
			s.Card = &c
		}
	}
	return s
}

// Write makes the store hold s for the entity.
func Write(st *state.Store, t domain.EntityType, id string, s State) error {
	switch t {
	case domain.EntityBoard:
		if s.Board == nil {
			return nil
		}
		return st.UpsertBoard(*s.Board)
	case domain.EntityList:
		if s.List == nil {
			if _, _, err := st.RemoveList(id); err != nil && !errors.Is(err, domain.ErrNotFound) {
				return err
			}
			return nil
		}
		if err := st.UpsertList(*s.List); err != nil {
			return err
		}
		for _, c := range s.Cards {
			if err := st.UpsertCard(c); err != nil {
				return err
			}
		}
		return nil
	case domain.EntityCard:
		if s.Card == nil {
			if _, err := st.RemoveCard(id); err != nil && !errors.Is(err, domain.ErrNotFound) {
				return err
			}
			return nil
		}
		return st.UpsertCard(*s.Card)
	}
	return fmt.Errorf("%w: entity type %q", domain.ErrInvalidEntity, t)
}

// Operation is one optimistic mutation.
type Operation struct {
	Seq  uint64
	Kind Kind
	Type domain.EntityType
	// ID is the entity id. It changes if the server assigns a different id
	// to a created entity.
	ID string
	// Baseline is the version of the entity the remote write is based on.
	Baseline int64
	// Before is the entity state immediately before this operation.
	Before State
	// Apply derives the state after this operation from a prior state. It is
	// called again whenever an earlier operation on the same entity settles.
	Apply func(State) State

	// InFlight is set once the remote write has been issued.
	InFlight bool
	// Parked is set while the operation waits for a retry after a transient
	// failure.
	Parked bool
	// OnRekey, if set, is told the new id when the entity is rekeyed.
	OnRekey func(id string)

	resolved bool
	err      error
	done     chan struct{}
}

// NewOperation returns an unqueued operation.
func NewOperation(kind Kind, t domain.EntityType, id string, baseline int64, before State, apply func(State) State) *Operation {
	return &Operation{
		Kind:     kind,
		Type:     t,
		ID:       id,
		Baseline: baseline,
		Before:   before,
		Apply:    apply,
		done:     make(chan struct{}),
	}
}

// Done is closed once the operation is confirmed, rolled back, superseded or
// cancelled.
func (o *Operation) Done() <-chan struct{} { return o.done }

// Err returns the outcome once Done is closed. It is nil on confirmation and
// when a newer remote update superseded the operation.
func (o *Operation) Err() error { return o.err }

func (o *Operation) Resolved() bool { return o.resolved }

func (o *Operation) String() string {
	return fmt.Sprintf("%s %s %s #%d", o.Kind, o.Type, o.ID, o.Seq)
}
