// Package storage holds the remote board stores the engine reads snapshots
// from and writes confirmed mutations to.
package storage

import (
	"context"

	"boardsync/domain"
	"boardsync/mutator"
	"boardsync/position"
	"boardsync/reconcile"
)

// Backend is a remote board store.
type Backend interface {
	mutator.Writer
	reconcile.Fetcher

	FetchList(ctx context.Context, id string) (domain.List, error)
	FetchCard(ctx context.Context, id string) (domain.Card, error)
	ListBoards(ctx context.Context, ownerID string) ([]domain.Board, error)
	// CreateBoard stores the board together with its default lists.
	CreateBoard(ctx context.Context, b domain.Board) (domain.Board, []domain.List, error)
}

// defaultLists returns the lists every new board starts with.
func defaultLists(boardID string, newID func() string) []domain.List {
	lists := make([]domain.List, len(domain.DefaultLists))
	for i, d := range domain.DefaultLists {
		lists[i] = domain.List{
			ID:       newID(),
			BoardID:  boardID,
			Title:    d.Title,
			Status:   d.Status,
			Position: position.Step * float64(i+1),
		}
	}
	return lists
}

var (
	_ Backend = (*Tables)(nil)
	_ Backend = (*Postgres)(nil)
	_ Backend = (*Publishing)(nil)
	_ Backend = (*Memory)(nil)
)
