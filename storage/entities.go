package storage

import (
	"time"

	"boardsync/domain"
)

const (
	edmInt64    = "Edm.Int64"
	edmDouble   = "Edm.Double"
	edmDateTime = "Edm.DateTime"
)

// entity carries the table keys. Rows are keyed by their id in both.
type entity struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
}

func keyOf(id string) entity { return entity{PartitionKey: id, RowKey: id} }

type boardEntity struct {
	entity
	Title       string `json:"Title"`
	Description string `json:"Description"`
	OwnerID     string `json:"OwnerID"`
	Version     int64  `json:"Version,string"`
	VersionType string `json:"Version@odata.type"`
}

func newBoardEntity(b domain.Board) boardEntity {
	return boardEntity{
		entity:      keyOf(b.ID),
		Title:       b.Title,
		Description: b.Description,
		OwnerID:     b.OwnerID,
		Version:     b.Version,
		VersionType: edmInt64,
	}
}

func (e boardEntity) board() domain.Board {
	return domain.Board{ID: e.RowKey, Title: e.Title, Description: e.Description, OwnerID: e.OwnerID, Version: e.Version}
}

type listEntity struct {
	entity
	BoardID      string  `json:"BoardID"`
	Title        string  `json:"Title"`
	Status       string  `json:"Status"`
	Position     float64 `json:"Position"`
	PositionType string  `json:"Position@odata.type"`
	Version      int64   `json:"Version,string"`
	VersionType  string  `json:"Version@odata.type"`
}

func newListEntity(l domain.List) listEntity {
	return listEntity{
		entity:       keyOf(l.ID),
		BoardID:      l.BoardID,
		Title:        l.Title,
		Status:       string(l.Status),
		Position:     l.Position,
		PositionType: edmDouble,
		Version:      l.Version,
		VersionType:  edmInt64,
	}
}

func (e listEntity) list() domain.List {
	return domain.List{
		ID:       e.RowKey,
		BoardID:  e.BoardID,
		Title:    e.Title,
		Status:   domain.Status(e.Status),
		Position: e.Position,
		Version:  e.Version,
	}
}

// cardEntity has no status column; a card's status is the status of its list.
type cardEntity struct {
	entity
	ListID       string     `json:"ListID"`
	Title        string     `json:"Title"`
	Description  string     `json:"Description"`
	Priority     string     `json:"Priority"`
	Position     float64    `json:"Position"`
	PositionType string     `json:"Position@odata.type"`
	DueDate      *time.Time `json:"DueDate,omitempty"`
	DueDateType  string     `json:"DueDate@odata.type,omitempty"`
	OwnerID      string     `json:"OwnerID"`
	Version      int64      `json:"Version,string"`
	VersionType  string     `json:"Version@odata.type"`
}

func newCardEntity(c domain.Card) cardEntity {
	e := cardEntity{
		entity:       keyOf(c.ID),
		ListID:       c.ListID,
		Title:        c.Title,
		Description:  c.Description,
		Priority:     string(c.Priority),
		Position:     c.Position,
		PositionType: edmDouble,
		DueDate:      c.DueDate,
		OwnerID:      c.OwnerID,
		Version:      c.Version,
		VersionType:  edmInt64,
	}
	if c.DueDate != nil {
		e.DueDateType = edmDateTime
	}
	return e
}

func (e cardEntity) card(status domain.Status) domain.Card {
	c := domain.Card{
		ID:          e.RowKey,
		ListID:      e.ListID,
		Title:       e.Title,
		Description: e.Description,
		Status:      status,
		Priority:    domain.Priority(e.Priority),
		Position:    e.Position,
		DueDate:     e.DueDate,
		OwnerID:     e.OwnerID,
		Version:     e.Version,
	}
	if c.Priority == "" {
		c.Priority = domain.PriorityMedium
	}
	return c
}
