package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"boardsync/domain"
)

// Memory keeps boards in process. It backs local runs without cloud
// storage and follows the same version rules as Tables and Postgres.
type Memory struct {
	mu     sync.RWMutex
	boards map[string]domain.Board
	lists  map[string]domain.List
	cards  map[string]domain.Card
	newID  func() string
}

func NewMemory() *Memory {
	return &Memory{
		boards: make(map[string]domain.Board),
		lists:  make(map[string]domain.List),
		cards:  make(map[string]domain.Card),
		newID:  uuid.NewString,
	}
}

func stale(what, id string, stored, baseline int64) error {
	return fmt.Errorf("%w: %s %s at %d, write based on %d", domain.ErrStaleWrite, what, id, stored, baseline)
}

func (m *Memory) FetchBoard(ctx context.Context, id string) (domain.Board, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.boards[id]
	if !ok {
		return domain.Board{}, fmt.Errorf("%w: board %s", domain.ErrNotFound, id)
	}
	return b, nil
}

func (m *Memory) ListBoards(ctx context.Context, ownerID string) ([]domain.Board, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Board
	for _, b := range m.boards {
		if b.OwnerID == ownerID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) FetchList(ctx context.Context, id string) (domain.List, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.lists[id]
	if !ok {
		return domain.List{}, fmt.Errorf("%w: list %s", domain.ErrNotFound, id)
	}
	return l, nil
}

func (m *Memory) FetchLists(ctx context.Context, boardID string) ([]domain.List, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.List
	for _, l := range m.lists {
		if l.BoardID == boardID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (m *Memory) FetchCard(ctx context.Context, id string) (domain.Card, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cards[id]
	if !ok {
		return domain.Card{}, fmt.Errorf("%w: card %s", domain.ErrNotFound, id)
	}
	c.Status = m.lists[c.ListID].Status
	return c, nil
}

func (m *Memory) FetchCards(ctx context.Context, listID string) ([]domain.Card, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.lists[listID]
	if !ok {
		return nil, fmt.Errorf("%w: list %s", domain.ErrNotFound, listID)
	}
	var out []domain.Card
	for _, c := range m.cards {
		if c.ListID == listID {
			c.Status = l.Status
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (m *Memory) CreateBoard(ctx context.Context, b domain.Board) (domain.Board, []domain.List, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.ID == "" {
		b.ID = m.newID()
	}
	if _, ok := m.boards[b.ID]; ok {
		return domain.Board{}, nil, fmt.Errorf("%w: board %s already exists", domain.ErrInvalidEntity, b.ID)
	}
	b.Version = nextVersion(0)
	m.boards[b.ID] = b
	lists := defaultLists(b.ID, m.newID)
	for i := range lists {
		lists[i].Version = nextVersion(0)
		m.lists[lists[i].ID] = lists[i]
	}
	return b, lists, nil
}

func (m *Memory) UpdateBoard(ctx context.Context, id string, patch domain.BoardPatch, baseline int64) (domain.Board, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.boards[id]
	if !ok {
		return domain.Board{}, fmt.Errorf("%w: board %s", domain.ErrNotFound, id)
	}
	if b.Version > baseline {
		return domain.Board{}, stale("board", id, b.Version, baseline)
	}
	b = patch.Apply(b)
	b.Version = nextVersion(b.Version)
	m.boards[id] = b
	return b, nil
}

func (m *Memory) CreateList(ctx context.Context, l domain.List) (domain.List, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.boards[l.BoardID]; !ok {
		return domain.List{}, fmt.Errorf("%w: board %s", domain.ErrOrphanReference, l.BoardID)
	}
	if l.ID == "" {
		l.ID = m.newID()
	}
	if existing, ok := m.lists[l.ID]; ok {
		return existing, nil
	}
	l.Version = nextVersion(0)
	m.lists[l.ID] = l
	return l, nil
}

func (m *Memory) UpdateList(ctx context.Context, id string, patch domain.ListPatch, baseline int64) (domain.List, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lists[id]
	if !ok {
		return domain.List{}, fmt.Errorf("%w: list %s", domain.ErrNotFound, id)
	}
	if l.Version > baseline {
		return domain.List{}, stale("list", id, l.Version, baseline)
	}
	l = patch.Apply(l)
	l.Version = nextVersion(l.Version)
	m.lists[id] = l
	return l, nil
}

func (m *Memory) DeleteList(ctx context.Context, id string, baseline int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lists[id]
	if !ok {
		return nil
	}
	if l.Version > baseline {
		return stale("list", id, l.Version, baseline)
	}
	for cid, c := range m.cards {
		if c.ListID == id {
			delete(m.cards, cid)
		}
	}
	delete(m.lists, id)
	return nil
}

func (m *Memory) CreateCard(ctx context.Context, c domain.Card) (domain.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lists[c.ListID]
	if !ok {
		return domain.Card{}, fmt.Errorf("%w: list %s", domain.ErrOrphanReference, c.ListID)
	}
	if c.ID == "" {
		c.ID = m.newID()
	}
	if existing, ok := m.cards[c.ID]; ok {
		existing.Status = l.Status
		return existing, nil
	}
	if c.Priority == "" {
		c.Priority = domain.PriorityMedium
	}
	c.Status = l.Status
	c.Version = nextVersion(0)
	m.cards[c.ID] = c
	return c, nil
}

// editCard applies edit to a card under the write lock after checking the
// baseline.
func (m *Memory) editCard(id string, baseline int64, edit func(domain.Card) (domain.Card, error)) (domain.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cards[id]
	if !ok {
		return domain.Card{}, fmt.Errorf("%w: card %s", domain.ErrNotFound, id)
	}
	if c.Version > baseline {
		return domain.Card{}, stale("card", id, c.Version, baseline)
	}
	c, err := edit(c)
	if err != nil {
		return domain.Card{}, err
	}
	l, ok := m.lists[c.ListID]
	if !ok {
		return domain.Card{}, fmt.Errorf("%w: list %s", domain.ErrOrphanReference, c.ListID)
	}
	c.Status = l.Status
	c.Version = nextVersion(c.Version)
	m.cards[id] = c
	return c, nil
}

func (m *Memory) UpdateCard(ctx context.Context, id string, patch domain.CardPatch, baseline int64) (domain.Card, error) {
	return m.editCard(id, baseline, func(c domain.Card) (domain.Card, error) {
		return patch.Apply(c), nil
	})
}

func (m *Memory) MoveCard(ctx context.Context, id, listID string, pos float64, baseline int64) (domain.Card, error) {
	return m.editCard(id, baseline, func(c domain.Card) (domain.Card, error) {
		c.ListID, c.Position = listID, pos
		return c, nil
	})
}

func (m *Memory) DeleteCard(ctx context.Context, id string, baseline int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cards[id]
	if !ok {
		return nil
	}
	if c.Version > baseline {
		return stale("card", id, c.Version, baseline)
	}
	delete(m.cards, id)
	return nil
}
