package domain

import (
	"encoding/json"
	"fmt"
	"math"
)

// EntityType identifies which table an event or operation targets.
type EntityType string

const (
	EntityBoard EntityType = "board"
	EntityList  EntityType = "list"
	EntityCard  EntityType = "card"
)

// Table returns the remote table name backing the entity type.
func (t EntityType) Table() string {
	switch t {
	case EntityBoard:
		return TableBoards
	case EntityList:
		return TableLists
	case EntityCard:
		return TableCards
	}
	return ""
}

const (
	TableBoards = "boards"
	TableLists  = "lists"
	TableCards  = "cards"
)

// EntityTypeForTable maps a remote table name back to its entity type.
func EntityTypeForTable(table string) (EntityType, bool) {
	switch table {
	case TableBoards:
		return EntityBoard, true
	case TableLists:
		return EntityList, true
	case TableCards:
		return EntityCard, true
	}
	return "", false
}

// EventKind is the closed set of change kinds.
type EventKind string

const (
	KindInsert EventKind = "insert"
	KindUpdate EventKind = "update"
	KindDelete EventKind = "delete"
)

// Event is a normalized change notification. Exactly one of Board, List or
// Card is set for inserts and updates, matching Type. Deletes carry only
// ID, Version and whatever parent information the feed provided.
type Event struct {
	Kind    EventKind  `json:"kind"`
	Type    EntityType `json:"entityType"`
	ID      string     `json:"id"`
	Version int64      `json:"version"`
	// Cursor is the per board, per table feed sequence. Zero means the
	// transport does not provide one.
	Cursor int64 `json:"cursor,omitempty"`

	Board *Board `json:"board,omitempty"`
	List  *List  `json:"list,omitempty"`
	Card  *Card  `json:"card,omitempty"`
}

// Key identifies the event for de-duplication.
func (e Event) Key() EventKey {
	return EventKey{Type: e.Type, ID: e.ID, Version: e.Version}
}

// Validate checks that the event is internally consistent.
func (e Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: event without id", ErrInvalidEntity)
	}
	switch e.Kind {
	case KindInsert, KindUpdate, KindDelete:
	default:
		return fmt.Errorf("%w: unknown event kind %q", ErrInvalidEntity, e.Kind)
	}
	if e.Kind == KindDelete {
		return nil
	}
	switch e.Type {
	case EntityBoard:
		if e.Board == nil || e.Board.ID != e.ID {
			return fmt.Errorf("%w: board event %s without matching row", ErrInvalidEntity, e.ID)
		}
	case EntityList:
		if e.List == nil || e.List.ID != e.ID || e.List.BoardID == "" {
			return fmt.Errorf("%w: list event %s without matching row", ErrInvalidEntity, e.ID)
		}
		if !e.List.Status.Valid() {
			return fmt.Errorf("%w: list %s has status %q", ErrInvalidEntity, e.ID, e.List.Status)
		}
	case EntityCard:
		if e.Card == nil || e.Card.ID != e.ID || e.Card.ListID == "" {
			return fmt.Errorf("%w: card event %s without matching row", ErrInvalidEntity, e.ID)
		}
		// rows without a priority get the default one
		if e.Card.Priority != "" && !e.Card.Priority.Valid() {
			return fmt.Errorf("%w: card %s has priority %q", ErrInvalidEntity, e.ID, e.Card.Priority)
		}
	default:
		return fmt.Errorf("%w: unknown entity type %q", ErrInvalidEntity, e.Type)
	}
	return nil
}

// DeleteVersion is given to delete notifications that carry no version, so
// they win over every update seen before.
const DeleteVersion = math.MaxInt64

// EventKey is the (entityType, entityId, version) triple events are
// de-duplicated by.
type EventKey struct {
	Type    EntityType
	ID      string
	Version int64
}

// Change is the raw payload delivered by a change feed transport, before
// normalization. New and Old hold table rows in their wire shape.
type Change struct {
	EventType string          `json:"eventType"`
	Table     string          `json:"table"`
	New       json.RawMessage `json:"new,omitempty"`
	Old       json.RawMessage `json:"old,omitempty"`
	Cursor    int64           `json:"cursor,omitempty"`
}

const (
	ChangeInsert = "INSERT"
	ChangeUpdate = "UPDATE"
	ChangeDelete = "DELETE"
)

// Snapshot is a full reload of one board.
type Snapshot struct {
	Board Board
	Lists []List
	Cards []Card
	// Cursors holds the feed cursor per entity type observed before the rows
	// were read. Missing entries mean "unknown".
	Cursors map[EntityType]int64
}
