package mutator

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"boardsync/domain"
	"boardsync/position"
)

// Drag resolves a finished drag into a move of the dragged card. If the
// target list has run out of room between the neighbours its cards are
// renormalized first, each as its own move.
func (m *Mutator) Drag(ev domain.DragEnd) (*Result, error) {
	if ev.AfterCardID != nil && *ev.AfterCardID == ev.CardID {
		return nil, fmt.Errorf("%w: card %s cannot be placed after itself", domain.ErrInvalidEntity, ev.CardID)
	}
	return m.do(func() (*Result, error) {
		card, ok := m.store.Card(ev.CardID)
		if !ok {
			return nil, fmt.Errorf("%w: card %s", domain.ErrNotFound, ev.CardID)
		}
		if _, ok := m.store.List(ev.TargetListID); !ok {
			return nil, fmt.Errorf("%w: list %s", domain.ErrOrphanReference, ev.TargetListID)
		}
		if ev.SourceListID != "" && card.ListID != ev.SourceListID {
			m.logger.WithFields(log.Fields{"card": card.ID, "source": ev.SourceListID, "actual": card.ListID}).Debug("drag source differs from current list")
		}

		pos, err := m.dropKey(ev)
		if errors.Is(err, position.ErrGapExhausted) {
			if err := m.renormalize(ev.TargetListID, ev.CardID); err != nil {
				return nil, err
			}
			pos, err = m.dropKey(ev)
		}
		if err != nil {
			return nil, err
		}
		return m.moveCard(ev.CardID, ev.TargetListID, pos)
	})
}

// dropKey computes the key between the drop neighbours, ignoring the
// dragged card itself.
func (m *Mutator) dropKey(ev domain.DragEnd) (float64, error) {
	siblings := m.siblings(ev.TargetListID, ev.CardID)
	var prev, next *float64
	idx := -1
	if ev.AfterCardID != nil {
		for i, c := range siblings {
			if c.ID == *ev.AfterCardID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return 0, fmt.Errorf("%w: card %s is not in list %s", domain.ErrNotFound, *ev.AfterCardID, ev.TargetListID)
		}
		k := siblings[idx].Position
		prev = &k
	}
	if idx+1 < len(siblings) {
		k := siblings[idx+1].Position
		next = &k
	}
	return position.Allocate(prev, next)
}

func (m *Mutator) siblings(listID, exclude string) []domain.Card {
	cards := m.store.Cards(listID)
	out := cards[:0]
	for _, c := range cards {
		if c.ID != exclude {
			out = append(out, c)
		}
	}
	return out
}

func (m *Mutator) renormalize(listID, exclude string) error {
	var hi float64
	for _, c := range m.store.Cards(listID) {
		if c.Position > hi {
			hi = c.Position
		}
	}
	siblings := m.siblings(listID, exclude)
	keys := position.RenormalizeAbove(hi, len(siblings))
	m.logger.WithFields(log.Fields{"list": listID, "cards": len(siblings)}).Info("renormalizing card positions")
	for i, c := range siblings {
		if _, err := m.moveCard(c.ID, listID, keys[i]); err != nil {
			return err
		}
	}
	return nil
}
