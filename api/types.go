package api

import (
	"context"

	"boardsync/domain"
	"boardsync/engine"
	"boardsync/mutator"
	"boardsync/pending"
)

const (
	maxBodySize          = 64 * 1024
	headerIdempotencyKey = "Idempotency-Key"
)

// Authenticator extracts the user id from an Authorization header.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper prevents a command from being applied twice.
type Deduper interface {
	// Add records the key and returns true if it was newly added.
	Add(ctx context.Context, userID, key string) (bool, error)
	// Remove deletes a previously added key, used when the command was rejected.
	Remove(ctx context.Context, userID, key string) error
}

// Boards are the board level reads and writes that bypass the optimistic
// engine.
type Boards interface {
	CreateBoard(ctx context.Context, b domain.Board) (domain.Board, []domain.List, error)
	ListBoards(ctx context.Context, ownerID string) ([]domain.Board, error)
	FetchBoard(ctx context.Context, id string) (domain.Board, error)
}

// Sessions hands out the engine session of a user.
type Sessions interface {
	Session(userID string) *engine.Session
	Lookup(userID string) (*engine.Session, bool)
}

var _ Sessions = (*engine.Registry)(nil)

type createBoardRequest struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

type boardResponse struct {
	Board domain.Board  `json:"board"`
	Lists []domain.List `json:"lists,omitempty"`
}

type openResponse struct {
	BoardID string `json:"boardId"`
	Loading bool   `json:"loading"`
}

// commandResponse answers an accepted command. Error is only set when the
// caller waited for the outcome.
type commandResponse struct {
	ID         string            `json:"id"`
	Kind       pending.Kind      `json:"kind"`
	EntityType domain.EntityType `json:"entityType"`
	Settled    bool              `json:"settled,omitempty"`
	Error      string            `json:"error,omitempty"`
}

func newCommandResponse(r *mutator.Result) commandResponse {
	return commandResponse{ID: r.ID(), Kind: r.Kind(), EntityType: r.EntityType()}
}

type errorResponse struct {
	Error string `json:"error"`
}
