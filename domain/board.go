package domain

import "time"

// Status is the workflow column a list represents. Cards inherit it from their list.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Priority of a card.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// Board is the root container. It is read-mostly from the engine's point of view.
type Board struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	OwnerID     string `json:"ownerId,omitempty"`
	Version     int64  `json:"version"`
}

// List is an ordered column of cards belonging to one board.
type List struct {
	ID       string  `json:"id"`
	BoardID  string  `json:"boardId"`
	Title    string  `json:"title"`
	Status   Status  `json:"status"`
	Position float64 `json:"position"`
	Version  int64   `json:"version"`
}

// Card is a single item inside a list. Status always mirrors the containing list.
type Card struct {
	ID          string     `json:"id"`
	ListID      string     `json:"listId"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      Status     `json:"status"`
	Priority    Priority   `json:"priority"`
	Position    float64    `json:"position"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	OwnerID     string     `json:"ownerId,omitempty"`
	Version     int64      `json:"version"`
}

// DefaultLists are created together with every new board.
var DefaultLists = []struct {
	Title  string
	Status Status
}{
	{"To Do", StatusTodo},
	{"In Progress", StatusInProgress},
	{"Completed", StatusCompleted},
	{"Failed", StatusFailed},
}
