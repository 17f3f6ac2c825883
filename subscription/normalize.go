package subscription

import (
	"fmt"
	"strings"

	"github.com/bytedance/sonic"

	"boardsync/domain"
)

// Normalize turns a loosely typed feed change into a validated event.
func Normalize(ch domain.Change) (domain.Event, error) {
	t, ok := domain.EntityTypeForTable(ch.Table)
	if !ok {
		return domain.Event{}, fmt.Errorf("%w: unknown table %q", domain.ErrInvalidEntity, ch.Table)
	}
	var kind domain.EventKind
	switch strings.ToUpper(ch.EventType) {
	case domain.ChangeInsert:
		kind = domain.KindInsert
	case domain.ChangeUpdate:
		kind = domain.KindUpdate
	case domain.ChangeDelete:
		kind = domain.KindDelete
	default:
		return domain.Event{}, fmt.Errorf("%w: unknown event type %q", domain.ErrInvalidEntity, ch.EventType)
	}
	raw := ch.New
	if kind == domain.KindDelete {
		raw = ch.Old
	}
	if len(raw) == 0 {
		return domain.Event{}, fmt.Errorf("%w: %s change on %s without row", domain.ErrInvalidEntity, ch.EventType, ch.Table)
	}

	ev := domain.Event{Kind: kind, Type: t, Cursor: ch.Cursor}
	switch t {
	case domain.EntityBoard:
		var row domain.BoardRow
		if err := sonic.Unmarshal(raw, &row); err != nil {
			return domain.Event{}, fmt.Errorf("%w: decode board row: %v", domain.ErrInvalidEntity, err)
		}
		b := row.Board()
		ev.ID, ev.Version, ev.Board = b.ID, b.Version, &b
	case domain.EntityList:
		var row domain.ListRow
		if err := sonic.Unmarshal(raw, &row); err != nil {
			return domain.Event{}, fmt.Errorf("%w: decode list row: %v", domain.ErrInvalidEntity, err)
		}
		l := row.List()
		ev.ID, ev.Version, ev.List = l.ID, l.Version, &l
	case domain.EntityCard:
		var row domain.CardRow
		if err := sonic.Unmarshal(raw, &row); err != nil {
			return domain.Event{}, fmt.Errorf("%w: decode card row: %v", domain.ErrInvalidEntity, err)
		}
		c := row.Card()
		ev.ID, ev.Version, ev.Card = c.ID, c.Version, &c
	}

	if kind == domain.KindDelete {
		ev.Board, ev.List, ev.Card = nil, nil, nil
		if ev.Version <= 0 {
			ev.Version = domain.DeleteVersion
		}
	} else if ev.Version <= 0 {
		return domain.Event{}, fmt.Errorf("%w: %s %s change without version", domain.ErrInvalidEntity, t, ev.ID)
	}
	if err := ev.Validate(); err != nil {
		return domain.Event{}, err
	}
	return ev, nil
}

// ChangeFor builds the wire change describing a confirmed write. old is only
// used for deletes.
func ChangeFor(kind domain.EventKind, t domain.EntityType, row any) (domain.Change, error) {
	payload, err := sonic.Marshal(row)
	if err != nil {
		return domain.Change{}, err
	}
	ch := domain.Change{Table: t.Table()}
	switch kind {
	case domain.KindInsert:
		ch.EventType, ch.New = domain.ChangeInsert, payload
	case domain.KindUpdate:
		ch.EventType, ch.New = domain.ChangeUpdate, payload
	case domain.KindDelete:
		ch.EventType, ch.Old = domain.ChangeDelete, payload
	default:
		return domain.Change{}, fmt.Errorf("%w: kind %q", domain.ErrInvalidEntity, kind)
	}
	return ch, nil
}
