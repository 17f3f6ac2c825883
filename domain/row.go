package domain

import "time"

// BoardRow, ListRow and CardRow are the snake_case wire shapes used by change
// feeds and the SQL store.
type BoardRow struct {
	ID          string     `json:"id"`
	Title       string     `json:"title,omitempty"`
	Description string     `json:"description,omitempty"`
	UserID      string     `json:"user_id,omitempty"`
	Version     int64      `json:"version,omitempty"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

type ListRow struct {
	ID        string     `json:"id"`
	BoardID   string     `json:"board_id,omitempty"`
	Title     string     `json:"title,omitempty"`
	Status    Status     `json:"status,omitempty"`
	Position  float64    `json:"position"`
	Version   int64      `json:"version,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

type CardRow struct {
	ID          string     `json:"id"`
	ListID      string     `json:"list_id,omitempty"`
	Title       string     `json:"title,omitempty"`
	Description string     `json:"description,omitempty"`
	Status      Status     `json:"status,omitempty"`
	Priority    Priority   `json:"priority,omitempty"`
	Position    float64    `json:"position"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	UserID      string     `json:"user_id,omitempty"`
	Version     int64      `json:"version,omitempty"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

// rowVersion prefers the explicit version column and falls back to the
// update timestamp.
func rowVersion(v int64, updated *time.Time) int64 {
	if v > 0 {
		return v
	}
	if updated != nil {
		return updated.UnixNano()
	}
	return 0
}

func (r BoardRow) Board() Board {
	return Board{ID: r.ID, Title: r.Title, Description: r.Description, OwnerID: r.UserID, Version: rowVersion(r.Version, r.UpdatedAt)}
}

func (r ListRow) List() List {
	return List{ID: r.ID, BoardID: r.BoardID, Title: r.Title, Status: r.Status, Position: r.Position, Version: rowVersion(r.Version, r.UpdatedAt)}
}

func (r CardRow) Card() Card {
	c := Card{
		ID:          r.ID,
		ListID:      r.ListID,
		Title:       r.Title,
		Description: r.Description,
		Status:      r.Status,
		Priority:    r.Priority,
		Position:    r.Position,
		DueDate:     r.DueDate,
		OwnerID:     r.UserID,
		Version:     rowVersion(r.Version, r.UpdatedAt),
	}
	if c.Priority == "" {
		c.Priority = PriorityMedium
	}
	return c
}

func BoardToRow(b Board) BoardRow {
	return BoardRow{ID: b.ID, Title: b.Title, Description: b.Description, UserID: b.OwnerID, Version: b.Version}
}

func ListToRow(l List) ListRow {
	return ListRow{ID: l.ID, BoardID: l.BoardID, Title: l.Title, Status: l.Status, Position: l.Position, Version: l.Version}
}

func CardToRow(c Card) CardRow {
	return CardRow{
		ID:          c.ID,
		ListID:      c.ListID,
		Title:       c.Title,
		Description: c.Description,
		Status:      c.Status,
		Priority:    c.Priority,
		Position:    c.Position,
		DueDate:     c.DueDate,
		UserID:      c.OwnerID,
		Version:     c.Version,
	}
}
