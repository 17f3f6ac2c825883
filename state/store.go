// Package state holds the in-memory board tree every viewer renders from.
package state

import (
	"fmt"
	"math"
	"sort"

	"boardsync/domain"
	"boardsync/position"
)

// Store is the canonical tree for one loaded board: the board itself, its
// ordered lists and the ordered cards of every list. All mutation goes
// through the apply methods below, each of which leaves the tree valid or
// returns an error without changing anything.
//
// Store is not safe for concurrent use. The owning session serializes access.
type Store struct {
	board       domain.Board
	lists       map[string]*domain.List
	cards       map[string]*domain.Card
	listOrder   []string
	cardsByList map[string][]string
}

// New returns an empty tree for board.
func New(board domain.Board) *Store {
	return &Store{
		board:       board,
		lists:       make(map[string]*domain.List),
		cards:       make(map[string]*domain.Card),
		cardsByList: make(map[string][]string),
	}
}

func (s *Store) Board() domain.Board { return s.board }

// UpsertBoard replaces the board's display fields. The id cannot change.
func (s *Store) UpsertBoard(b domain.Board) error {
	if b.ID != s.board.ID {
		return fmt.Errorf("%w: board %s is not the loaded board %s", domain.ErrInvalidEntity, b.ID, s.board.ID)
	}
	s.board = b
	return nil
}

// UpsertList inserts or replaces a list. A status change is propagated to
// every card of the list.
func (s *Store) UpsertList(l domain.List) error {
	if l.ID == "" {
		return fmt.Errorf("%w: list without id", domain.ErrInvalidEntity)
	}
	if l.BoardID != s.board.ID {
		return fmt.Errorf("%w: list %s belongs to board %s", domain.ErrOrphanReference, l.ID, l.BoardID)
	}
	if !l.Status.Valid() {
		return fmt.Errorf("%w: list %s has status %q", domain.ErrInvalidEntity, l.ID, l.Status)
	}
	if !finite(l.Position) {
		return fmt.Errorf("%w: list %s has position %v", domain.ErrInvalidEntity, l.ID, l.Position)
	}
	nl := l
	prev, ok := s.lists[l.ID]
	s.lists[l.ID] = &nl
	if !ok {
		s.cardsByList[l.ID] = nil
	}
	s.listOrder = place(s.listOrder, l.ID, s.listKey, s.setListKey)
	if ok && prev.Status != nl.Status {
		for _, id := range s.cardsByList[l.ID] {
			s.cards[id].Status = nl.Status
		}
	}
	return nil
}

// UpsertCard inserts or replaces a card. If the card moves to another list it
// is relocated in one step. The card's status is taken from its list.
func (s *Store) UpsertCard(c domain.Card) error {
	if c.ID == "" {
		return fmt.Errorf("%w: card without id", domain.ErrInvalidEntity)
	}
	if !finite(c.Position) {
		return fmt.Errorf("%w: card %s has position %v", domain.ErrInvalidEntity, c.ID, c.Position)
	}
	list, ok := s.lists[c.ListID]
	if !ok {
		return fmt.Errorf("%w: card %s references list %s", domain.ErrOrphanReference, c.ID, c.ListID)
	}
	nc := c
	nc.Status = list.Status
	if nc.Priority == "" {
		nc.Priority = domain.PriorityMedium
	}
	if !nc.Priority.Valid() {
		return fmt.Errorf("%w: card %s has priority %q", domain.ErrInvalidEntity, c.ID, c.Priority)
	}
	if prev, ok := s.cards[c.ID]; ok && prev.ListID != c.ListID {
		s.cardsByList[prev.ListID] = without(s.cardsByList[prev.ListID], c.ID)
	}
	s.cards[c.ID] = &nc
	s.cardsByList[c.ListID] = place(s.cardsByList[c.ListID], c.ID, s.cardKey, s.setCardKey)
	return nil
}

// MoveCard relocates a card to targetListID at key pos.
func (s *Store) MoveCard(cardID, targetListID string, pos float64) error {
	c, ok := s.cards[cardID]
	if !ok {
		return fmt.Errorf("%w: card %s", domain.ErrNotFound, cardID)
	}
	if _, ok := s.lists[targetListID]; !ok {
		return fmt.Errorf("%w: card %s moved to list %s", domain.ErrOrphanReference, cardID, targetListID)
	}
	moved := *c
	moved.ListID = targetListID
	moved.Position = pos
	return s.UpsertCard(moved)
}

// RemoveCard deletes a card and returns what was removed.
func (s *Store) RemoveCard(id string) (domain.Card, error) {
	c, ok := s.cards[id]
	if !ok {
		return domain.Card{}, fmt.Errorf("%w: card %s", domain.ErrNotFound, id)
	}
	delete(s.cards, id)
	s.cardsByList[c.ListID] = without(s.cardsByList[c.ListID], id)
	return *c, nil
}

// RemoveList deletes a list together with its cards and returns the removed
// cards in order.
func (s *Store) RemoveList(id string) (domain.List, []domain.Card, error) {
	l, ok := s.lists[id]
	if !ok {
		return domain.List{}, nil, fmt.Errorf("%w: list %s", domain.ErrNotFound, id)
	}
	ids := s.cardsByList[id]
	removed := make([]domain.Card, 0, len(ids))
	for _, cid := range ids {
		removed = append(removed, *s.cards[cid])
		delete(s.cards, cid)
	}
	delete(s.cardsByList, id)
	delete(s.lists, id)
	s.listOrder = without(s.listOrder, id)
	return *l, removed, nil
}

// Replace swaps the whole tree for the snapshot contents. Rows the tree
// cannot hold, such as invalid lists and cards of lists that are not part of
// the snapshot, are skipped; the returned errors say why.
func (s *Store) Replace(snap domain.Snapshot) []error {
	fresh := New(snap.Board)
	var skipped []error
	for _, l := range snap.Lists {
		if err := fresh.UpsertList(l); err != nil {
			skipped = append(skipped, err)
		}
	}
	for _, c := range snap.Cards {
		if err := fresh.UpsertCard(c); err != nil {
			skipped = append(skipped, err)
		}
	}
	*s = *fresh
	return skipped
}

func (s *Store) List(id string) (domain.List, bool) {
	l, ok := s.lists[id]
	if !ok {
		return domain.List{}, false
	}
	return *l, true
}

func (s *Store) Card(id string) (domain.Card, bool) {
	c, ok := s.cards[id]
	if !ok {
		return domain.Card{}, false
	}
	return *c, true
}

// Lists returns the board's lists in order.
func (s *Store) Lists() []domain.List {
	out := make([]domain.List, 0, len(s.listOrder))
	for _, id := range s.listOrder {
		out = append(out, *s.lists[id])
	}
	return out
}

// Cards returns the cards of a list in order.
func (s *Store) Cards(listID string) []domain.Card {
	ids := s.cardsByList[listID]
	out := make([]domain.Card, 0, len(ids))
	for _, id := range ids {
		out = append(out, *s.cards[id])
	}
	return out
}

// Version returns the version stamp held for an entity.
func (s *Store) Version(t domain.EntityType, id string) (int64, bool) {
	switch t {
	case domain.EntityBoard:
		if id == s.board.ID {
			return s.board.Version, true
		}
	case domain.EntityList:
		if l, ok := s.lists[id]; ok {
			return l.Version, true
		}
	case domain.EntityCard:
		if c, ok := s.cards[id]; ok {
			return c.Version, true
		}
	}
	return 0, false
}

func (s *Store) listKey(id string) float64       { return s.lists[id].Position }
func (s *Store) setListKey(id string, k float64) { s.lists[id].Position = k }
func (s *Store) cardKey(id string) float64       { return s.cards[id].Position }
func (s *Store) setCardKey(id string, k float64) { s.cards[id].Position = k }

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

func without(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i:i], ids[i+1:]...)
		}
	}
	return ids
}

// place (re)inserts id into the ordered sibling slice. If its key collides
// with a neighbour the inserted item is moved between its neighbours, and
// if that is impossible the whole sibling slice is renormalized.
func place(ids []string, id string, key func(string) float64, set func(string, float64)) []string {
	ids = without(ids, id)
	k := key(id)
	i := sort.Search(len(ids), func(i int) bool {
		o := key(ids[i])
		return o > k || (o == k && ids[i] > id)
	})
	ids = append(ids, "")
	copy(ids[i+1:], ids[i:])
	ids[i] = id

	var prev, next *float64
	if i > 0 {
		p := key(ids[i-1])
		prev = &p
	}
	if i+1 < len(ids) {
		n := key(ids[i+1])
		next = &n
	}
	if (prev == nil || *prev < k) && (next == nil || k < *next) {
		return ids
	}
	if nk, err := position.Allocate(prev, next); err == nil {
		set(id, nk)
		return ids
	}
	keys := make([]float64, len(ids))
	for j, sid := range ids {
		keys[j] = key(sid)
	}
	for j, nk := range position.Renormalize(keys) {
		set(ids[j], nk)
	}
	return ids
}
