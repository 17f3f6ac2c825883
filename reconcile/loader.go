package reconcile

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"boardsync/domain"
	"boardsync/metrics"
)

// Fetcher is the read collaborator used for the initial load and for gap
// recovery. Missing rows are reported with domain.ErrNotFound.
type Fetcher interface {
	FetchBoard(ctx context.Context, id string) (domain.Board, error)
	FetchLists(ctx context.Context, boardID string) ([]domain.List, error)
	FetchCards(ctx context.Context, listID string) ([]domain.Card, error)
}

// CursorSource reports the feed position of each table of a board.
type CursorSource interface {
	Cursors(ctx context.Context, boardID string) (map[domain.EntityType]int64, error)
}

const DefaultFetchConcurrency = 8

// Loader assembles a snapshot of a board from the fetch collaborator.
type Loader struct {
	f           Fetcher
	cursors     CursorSource
	concurrency int
}

// NewLoader returns a loader. cursors may be nil when the feed has no
// sequence numbers.
func NewLoader(f Fetcher, cursors CursorSource, concurrency int) *Loader {
	if concurrency <= 0 {
		concurrency = DefaultFetchConcurrency
	}
	return &Loader{f: f, cursors: cursors, concurrency: concurrency}
}

// Load reads the feed cursors first and the rows afterwards, so any change
// racing the reload is delivered again by the feed rather than lost.
func (l *Loader) Load(ctx context.Context, boardID string) (snap domain.Snapshot, err error) {
	ctx, span := metrics.StartSpan(ctx, "boardsync.snapshot.load", attribute.String("board.id", boardID))
	defer func() { metrics.EndSpan(span, err) }()

	if l.cursors != nil {
		snap.Cursors, err = l.cursors.Cursors(ctx, boardID)
		if err != nil {
			return domain.Snapshot{}, fmt.Errorf("read feed cursors: %w", err)
		}
	}
	snap.Board, err = l.f.FetchBoard(ctx, boardID)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("fetch board %s: %w", boardID, err)
	}
	snap.Lists, err = l.f.FetchLists(ctx, boardID)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("fetch lists of %s: %w", boardID, err)
	}

	perList := make([][]domain.Card, len(snap.Lists))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.concurrency)
	for i, list := range snap.Lists {
		i, list := i, list
		g.Go(func() error {
			cards, err := l.f.FetchCards(gctx, list.ID)
			if errors.Is(err, domain.ErrNotFound) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("fetch cards of %s: %w", list.ID, err)
			}
			perList[i] = cards
			return nil
		})
	}
	if err = g.Wait(); err != nil {
		return domain.Snapshot{}, err
	}
	for _, cards := range perList {
		snap.Cards = append(snap.Cards, cards...)
	}
	span.SetAttributes(attribute.Int("board.lists", len(snap.Lists)), attribute.Int("board.cards", len(snap.Cards)))
	return snap, nil
}
