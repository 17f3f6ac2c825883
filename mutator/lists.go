package mutator

import (
	"context"
	"fmt"

	"boardsync/domain"
	"boardsync/pending"
)

// CreateList appends a list to the loaded board.
func (m *Mutator) CreateList(draft domain.ListDraft) (*Result, error) {
	if draft.Title == "" {
		return nil, fmt.Errorf("%w: list title is required", domain.ErrInvalidEntity)
	}
	if draft.Status == "" {
		draft.Status = domain.StatusTodo
	}
	if !draft.Status.Valid() {
		return nil, fmt.Errorf("%w: status %q", domain.ErrInvalidEntity, draft.Status)
	}
	return m.do(func() (*Result, error) {
		lists := m.store.Lists()
		keys := make([]float64, len(lists))
		for i, l := range lists {
			keys[i] = l.Position
		}
		pos, err := tailKey(keys)
		if err != nil {
			return nil, err
		}
		list := domain.List{
			ID:       m.newID(),
			BoardID:  m.store.Board().ID,
			Title:    draft.Title,
			Status:   draft.Status,
			Position: pos,
		}
		op := pending.NewOperation(pending.KindCreate, domain.EntityList, list.ID, 0, pending.State{}, func(pending.State) pending.State {
			l := list
			return pending.State{List: &l}
		})
		return m.submit(op, func(ctx context.Context, id string, _ int64) (pending.State, error) {
			l := list
			l.ID = id
			got, err := m.w.CreateList(ctx, l)
			if err != nil {
				return pending.State{}, err
			}
			return pending.State{List: &got}, nil
		})
	})
}

// UpdateList edits a list. A status change is carried over to its cards.
func (m *Mutator) UpdateList(id string, patch domain.ListPatch) (*Result, error) {
	if patch.Empty() {
		return nil, fmt.Errorf("%w: empty list patch", domain.ErrInvalidEntity)
	}
	if patch.Status != nil && !patch.Status.Valid() {
		return nil, fmt.Errorf("%w: status %q", domain.ErrInvalidEntity, *patch.Status)
	}
	return m.do(func() (*Result, error) {
		list, ok := m.store.List(id)
		if !ok {
			return nil, fmt.Errorf("%w: list %s", domain.ErrNotFound, id)
		}
		op := pending.NewOperation(pending.KindUpdate, domain.EntityList, id, list.Version, pending.State{List: &list}, func(s pending.State) pending.State {
			if s.List == nil {
				return s
			}
			l := patch.Apply(*s.List)
			return pending.State{List: &l}
		})
		return m.submit(op, func(ctx context.Context, id string, baseline int64) (pending.State, error) {
			got, err := m.w.UpdateList(ctx, id, patch, baseline)
			if err != nil {
				return pending.State{}, err
			}
			return pending.State{List: &got}, nil
		})
	})
}

// DeleteList removes a list and its cards.
func (m *Mutator) DeleteList(id string) (*Result, error) {
	return m.do(func() (*Result, error) {
		if _, ok := m.store.List(id); !ok {
			return nil, fmt.Errorf("%w: list %s", domain.ErrNotFound, id)
		}
		before := pending.Capture(m.store, domain.EntityList, id, true)
		op := pending.NewOperation(pending.KindDelete, domain.EntityList, id, before.Version(), before, func(pending.State) pending.State {
			return pending.State{}
		})
		return m.submit(op, func(ctx context.Context, id string, baseline int64) (pending.State, error) {
			return pending.State{}, m.w.DeleteList(ctx, id, baseline)
		})
	})
}

// UpdateBoard edits the loaded board's display fields.
func (m *Mutator) UpdateBoard(patch domain.BoardPatch) (*Result, error) {
	if patch.Empty() {
		return nil, fmt.Errorf("%w: empty board patch", domain.ErrInvalidEntity)
	}
	return m.do(func() (*Result, error) {
		board := m.store.Board()
		op := pending.NewOperation(pending.KindUpdate, domain.EntityBoard, board.ID, board.Version, pending.State{Board: &board}, func(s pending.State) pending.State {
			if s.Board == nil {
				return s
			}
			b := patch.Apply(*s.Board)
			return pending.State{Board: &b}
		})
		return m.submit(op, func(ctx context.Context, id string, baseline int64) (pending.State, error) {
			got, err := m.w.UpdateBoard(ctx, id, patch, baseline)
			if err != nil {
				return pending.State{}, err
			}
			return pending.State{Board: &got}, nil
		})
	})
}
