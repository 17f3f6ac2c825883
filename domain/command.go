package domain

import "time"

// CardPatch carries the optional card fields a user may edit directly.
// Status is deliberately absent: it follows the containing list.
type CardPatch struct {
	Title       *string    `json:"title,omitempty"`
	Description *string    `json:"description,omitempty"`
	Priority    *Priority  `json:"priority,omitempty"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	ClearDue    bool       `json:"clearDueDate,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p CardPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Priority == nil && p.DueDate == nil && !p.ClearDue
}

// Apply returns c with the patch applied.
func (p CardPatch) Apply(c Card) Card {
	if p.Title != nil {
		c.Title = *p.Title
	}
	if p.Description != nil {
		c.Description = *p.Description
	}
	if p.Priority != nil {
		c.Priority = *p.Priority
	}
	if p.ClearDue {
		c.DueDate = nil
	} else if p.DueDate != nil {
		due := *p.DueDate
		c.DueDate = &due
	}
	return c
}

// ListPatch carries optional list fields.
type ListPatch struct {
	Title    *string  `json:"title,omitempty"`
	Status   *Status  `json:"status,omitempty"`
	Position *float64 `json:"position,omitempty"`
}

func (p ListPatch) Empty() bool {
	return p.Title == nil && p.Status == nil && p.Position == nil
}

func (p ListPatch) Apply(l List) List {
	if p.Title != nil {
		l.Title = *p.Title
	}
	if p.Status != nil {
		l.Status = *p.Status
	}
	if p.Position != nil {
		l.Position = *p.Position
	}
	return l
}

// BoardPatch carries optional board display fields.
type BoardPatch struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
}

func (p BoardPatch) Empty() bool { return p.Title == nil && p.Description == nil }

func (p BoardPatch) Apply(b Board) Board {
	if p.Title != nil {
		b.Title = *p.Title
	}
	if p.Description != nil {
		b.Description = *p.Description
	}
	return b
}

// CardDraft describes a card the user wants to create.
type CardDraft struct {
	ListID      string     `json:"listId"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Priority    Priority   `json:"priority,omitempty"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	OwnerID     string     `json:"-"`
}

// ListDraft describes a list the user wants to create.
type ListDraft struct {
	Title  string `json:"title"`
	Status Status `json:"status"`
}

// DragEnd is what the UI reports when a card drag finishes.
// A nil AfterCardID places the card at the head of the target list.
type DragEnd struct {
	CardID       string  `json:"cardId"`
	SourceListID string  `json:"sourceListId"`
	TargetListID string  `json:"targetListId"`
	AfterCardID  *string `json:"afterCardId"`
}
