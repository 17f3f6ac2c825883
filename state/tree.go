package state

import (
	"fmt"

	"boardsync/domain"
)

// Tree is the render-ready copy of a Store.
type Tree struct {
	Board domain.Board `json:"board"`
	Lists []ListView   `json:"lists"`
	Stats Stats        `json:"stats"`
}

type ListView struct {
	domain.List
	Cards []domain.Card `json:"cards"`
}

// Stats summarizes a board the way the dashboard shows it.
type Stats struct {
	TotalCards     int                   `json:"totalCards"`
	CompletedCards int                   `json:"completedCards"`
	ByStatus       map[domain.Status]int `json:"byStatus"`
}

// Tree returns a deep copy of the current tree.
func (s *Store) Tree() Tree {
	t := Tree{
		Board: s.board,
		Lists: make([]ListView, 0, len(s.listOrder)),
		Stats: Stats{ByStatus: make(map[domain.Status]int)},
	}
	for _, id := range s.listOrder {
		cards := s.Cards(id)
		for i := range cards {
			if cards[i].DueDate != nil {
				due := *cards[i].DueDate
				cards[i].DueDate = &due
			}
			t.Stats.ByStatus[cards[i].Status]++
		}
		t.Stats.TotalCards += len(cards)
		t.Lists = append(t.Lists, ListView{List: *s.lists[id], Cards: cards})
	}
	t.Stats.CompletedCards = t.Stats.ByStatus[domain.StatusCompleted]
	return t
}

// Check verifies the tree invariants and reports the first violation.
func (s *Store) Check() error {
	if len(s.listOrder) != len(s.lists) {
		return fmt.Errorf("list order has %d entries for %d lists", len(s.listOrder), len(s.lists))
	}
	for i, id := range s.listOrder {
		l, ok := s.lists[id]
		if !ok {
			return fmt.Errorf("ordered list %s missing", id)
		}
		if l.BoardID != s.board.ID {
			return fmt.Errorf("list %s belongs to board %s", id, l.BoardID)
		}
		if i > 0 && s.lists[s.listOrder[i-1]].Position >= l.Position {
			return fmt.Errorf("list %s key %v not after %v", id, l.Position, s.lists[s.listOrder[i-1]].Position)
		}
	}
	seen := make(map[string]string, len(s.cards))
	for listID, ids := range s.cardsByList {
		l, ok := s.lists[listID]
		if !ok {
			return fmt.Errorf("cards kept for missing list %s", listID)
		}
		for i, id := range ids {
			c, ok := s.cards[id]
			if !ok {
				return fmt.Errorf("list %s holds missing card %s", listID, id)
			}
			if other, dup := seen[id]; dup {
				return fmt.Errorf("card %s appears in lists %s and %s", id, other, listID)
			}
			seen[id] = listID
			if c.ListID != listID {
				return fmt.Errorf("card %s in list %s claims list %s", id, listID, c.ListID)
			}
			if c.Status != l.Status {
				return fmt.Errorf("card %s status %s differs from list %s status %s", id, c.Status, listID, l.Status)
			}
			if i > 0 && s.cards[ids[i-1]].Position >= c.Position {
				return fmt.Errorf("card %s key %v not after %v", id, c.Position, s.cards[ids[i-1]].Position)
			}
		}
	}
	if len(seen) != len(s.cards) {
		return fmt.Errorf("%d cards are not in any list", len(s.cards)-len(seen))
	}
	return nil
}
