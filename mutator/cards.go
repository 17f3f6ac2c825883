package mutator

import (
	"context"
	"fmt"

	"boardsync/domain"
	"boardsync/pending"
	"boardsync/position"
)

// CreateCard adds a card at the tail of draft.ListID.
func (m *Mutator) CreateCard(draft domain.CardDraft) (*Result, error) {
	if draft.Title == "" {
		return nil, fmt.Errorf("%w: card title is required", domain.ErrInvalidEntity)
	}
	if draft.Priority == "" {
		draft.Priority = domain.PriorityMedium
	}
	if !draft.Priority.Valid() {
		return nil, fmt.Errorf("%w: priority %q", domain.ErrInvalidEntity, draft.Priority)
	}
	return m.do(func() (*Result, error) {
		list, ok := m.store.List(draft.ListID)
		if !ok {
			return nil, fmt.Errorf("%w: list %s", domain.ErrOrphanReference, draft.ListID)
		}
		pos, err := tailKey(cardKeys(m.store.Cards(list.ID)))
		if err != nil {
			return nil, err
		}
		card := domain.Card{
			ID:          m.newID(),
			ListID:      list.ID,
			Title:       draft.Title,
			Description: draft.Description,
			Status:      list.Status,
			Priority:    draft.Priority,
			Position:    pos,
			DueDate:     draft.DueDate,
			OwnerID:     draft.OwnerID,
		}
		op := pending.NewOperation(pending.KindCreate, domain.EntityCard, card.ID, 0, pending.State{}, func(pending.State) pending.State {
			c := card
			return pending.State{Card: &c}
		})
		return m.submit(op, func(ctx context.Context, id string, _ int64) (pending.State, error) {
			c := card
			c.ID = id
			got, err := m.w.CreateCard(ctx, c)
			if err != nil {
				return pending.State{}, err
			}
			return pending.State{Card: &got}, nil
		})
	})
}

// UpdateCard edits a card's own fields.
func (m *Mutator) UpdateCard(id string, patch domain.CardPatch) (*Result, error) {
	if patch.Empty() {
		return nil, fmt.Errorf("%w: empty card patch", domain.ErrInvalidEntity)
	}
	if patch.Priority != nil && !patch.Priority.Valid() {
		return nil, fmt.Errorf("%w: priority %q", domain.ErrInvalidEntity, *patch.Priority)
	}
	return m.do(func() (*Result, error) {
		card, ok := m.store.Card(id)
		if !ok {
			return nil, fmt.Errorf("%w: card %s", domain.ErrNotFound, id)
		}
		op := pending.NewOperation(pending.KindUpdate, domain.EntityCard, id, card.Version, pending.State{Card: &card}, func(s pending.State) pending.State {
			if s.Card == nil {
				return s
			}
			c := patch.Apply(*s.Card)
			return pending.State{Card: &c}
		})
		return m.submit(op, func(ctx context.Context, id string, baseline int64) (pending.State, error) {
			got, err := m.w.UpdateCard(ctx, id, patch, baseline)
			if err != nil {
				return pending.State{}, err
			}
			return pending.State{Card: &got}, nil
		})
	})
}

// MoveCard relocates a card to listID at key pos.
func (m *Mutator) MoveCard(id, listID string, pos float64) (*Result, error) {
	return m.do(func() (*Result, error) { return m.moveCard(id, listID, pos) })
}

func (m *Mutator) moveCard(id, listID string, pos float64) (*Result, error) {
	card, ok := m.store.Card(id)
	if !ok {
		return nil, fmt.Errorf("%w: card %s", domain.ErrNotFound, id)
	}
	if _, ok := m.store.List(listID); !ok {
		return nil, fmt.Errorf("%w: list %s", domain.ErrOrphanReference, listID)
	}
	op := pending.NewOperation(pending.KindMove, domain.EntityCard, id, card.Version, pending.State{Card: &card}, func(s pending.State) pending.State {
		if s.Card == nil {
			return s
		}
		c := *s.Card
		c.ListID = listID
		c.Position = pos
		return pending.State{Card: &c}
	})
	return m.submit(op, func(ctx context.Context, id string, baseline int64) (pending.State, error) {
		got, err := m.w.MoveCard(ctx, id, listID, pos, baseline)
		if err != nil {
			return pending.State{}, err
		}
		return pending.State{Card: &got}, nil
	})
}

// DeleteCard removes a card.
func (m *Mutator) DeleteCard(id string) (*Result, error) {
	return m.do(func() (*Result, error) {
		card, ok := m.store.Card(id)
		if !ok {
			return nil, fmt.Errorf("%w: card %s", domain.ErrNotFound, id)
		}
		op := pending.NewOperation(pending.KindDelete, domain.EntityCard, id, card.Version, pending.State{Card: &card}, func(pending.State) pending.State {
			return pending.State{}
		})
		return m.submit(op, func(ctx context.Context, id string, baseline int64) (pending.State, error) {
			return pending.State{}, m.w.DeleteCard(ctx, id, baseline)
		})
	})
}

func cardKeys(cards []domain.Card) []float64 {
	keys := make([]float64, len(cards))
	for i, c := range cards {
		keys[i] = c.Position
	}
	return keys
}

func tailKey(keys []float64) (float64, error) {
	if len(keys) == 0 {
		return position.Allocate(nil, nil)
	}
	return position.Allocate(&keys[len(keys)-1], nil)
}
