package mutator

import (
	"context"

	"boardsync/domain"
)

// Writer is the remote write collaborator. Every call returns the row as
// confirmed by the server, including its authoritative id and version, or
// an error wrapping one of the domain sentinels.
type Writer interface {
	CreateCard(ctx context.Context, card domain.Card) (domain.Card, error)
	UpdateCard(ctx context.Context, id string, patch domain.CardPatch, baseline int64) (domain.Card, error)
	MoveCard(ctx context.Context, id, listID string, pos float64, baseline int64) (domain.Card, error)
	DeleteCard(ctx context.Context, id string, baseline int64) error

	CreateList(ctx context.Context, list domain.List) (domain.List, error)
	UpdateList(ctx context.Context, id string, patch domain.ListPatch, baseline int64) (domain.List, error)
	DeleteList(ctx context.Context, id string, baseline int64) error

	UpdateBoard(ctx context.Context, id string, patch domain.BoardPatch, baseline int64) (domain.Board, error)
}

// Timeline serializes every mutation of one board. Run executes fn unless the
// board generation gen is no longer current, and reports whether it ran.
type Timeline interface {
	Run(gen uint64, fn func()) bool
}
