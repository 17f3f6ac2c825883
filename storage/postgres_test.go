package storage

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"boardsync/domain"
	"boardsync/subscription"
)

// openTestPostgres connects to BOARDSYNC_TEST_POSTGRES_URL or skips.
func openTestPostgres(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("BOARDSYNC_TEST_POSTGRES_URL")
	if dsn == "" {
		t.Skip("BOARDSYNC_TEST_POSTGRES_URL not set")
	}
	ctx := context.Background()
	pool, err := OpenPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := ApplySchema(ctx, pool); err != nil {
		t.Fatalf("schema: %v", err)
	}
	return NewPostgres(pool)
}

func TestPostgresWrites(t *testing.T) {
	p := openTestPostgres(t)
	ctx := context.Background()
	b, lists, err := p.CreateBoard(ctx, domain.Board{ID: uuid.NewString(), Title: "pg", OwnerID: "u1"})
	if err != nil {
		t.Fatalf("create board: %v", err)
	}
	if len(lists) != 4 {
		t.Fatalf("expected default lists, got %d", len(lists))
	}
	c, err := p.CreateCard(ctx, domain.Card{ID: uuid.NewString(), ListID: lists[1].ID, Title: "t"})
	if err != nil {
		t.Fatalf("create card: %v", err)
	}
	if c.Status != domain.StatusInProgress {
		t.Fatalf("card status %s", c.Status)
	}
	if _, err := p.CreateCard(ctx, domain.Card{ID: uuid.NewString(), ListID: "missing"}); !errors.Is(err, domain.ErrOrphanReference) {
		t.Fatalf("expected orphan reference, got %v", err)
	}
	title := "renamed"
	if _, err := p.UpdateCard(ctx, c.ID, domain.CardPatch{Title: &title}, c.Version-1); !errors.Is(err, domain.ErrStaleWrite) {
		t.Fatalf("expected stale write, got %v", err)
	}
	moved, err := p.MoveCard(ctx, c.ID, lists[2].ID, 8192, c.Version)
	if err != nil || moved.Status != domain.StatusCompleted {
		t.Fatalf("move: %+v %v", moved, err)
	}
	if err := p.DeleteList(ctx, lists[2].ID, lists[2].Version); err != nil {
		t.Fatalf("delete list: %v", err)
	}
	if _, err := p.FetchCard(ctx, c.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("card should be deleted with its list, got %v", err)
	}
	fetched, err := p.FetchLists(ctx, b.ID)
	if err != nil || len(fetched) != 3 {
		t.Fatalf("fetch lists: %d %v", len(fetched), err)
	}
}

type notifyReceiver struct {
	changes chan domain.Change
	ready   chan struct{}
}

func (r *notifyReceiver) Receive(ch domain.Change) { r.changes <- ch }
func (r *notifyReceiver) Resync() {
	select {
	case r.ready <- struct{}{}:
	default:
	}
}

func TestPostgresTriggerNotifies(t *testing.T) {
	p := openTestPostgres(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b, lists, err := p.CreateBoard(ctx, domain.Board{ID: uuid.NewString(), OwnerID: "u1"})
	if err != nil {
		t.Fatalf("create board: %v", err)
	}

	pool, err := OpenPostgres(ctx, os.Getenv("BOARDSYNC_TEST_POSTGRES_URL"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer pool.Close()
	rcv := &notifyReceiver{changes: make(chan domain.Change, 8), ready: make(chan struct{}, 1)}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = subscription.NewPostgresFeed(pool).Listen(ctx, subscription.Topic{BoardID: b.ID, Table: domain.TableCards}, rcv)
	}()
	select {
	case <-rcv.ready:
	case <-time.After(5 * time.Second):
		t.Fatalf("listener not ready")
	}

	c, err := p.CreateCard(ctx, domain.Card{ID: uuid.NewString(), ListID: lists[0].ID, Title: "n"})
	if err != nil {
		t.Fatalf("create card: %v", err)
	}
	if err := p.DeleteCard(ctx, c.ID, c.Version); err != nil {
		t.Fatalf("delete card: %v", err)
	}
	for _, want := range []struct {
		kind    domain.EventKind
		version int64
	}{{domain.KindInsert, c.Version}, {domain.KindDelete, c.Version + 1}} {
		select {
		case ch := <-rcv.changes:
			ev, err := subscription.Normalize(ch)
			if err != nil {
				t.Fatalf("normalize: %v", err)
			}
			if ev.Kind != want.kind || ev.ID != c.ID || ev.Version != want.version {
				t.Fatalf("unexpected event %+v", ev)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("no notification for %s", want.kind)
		}
	}
	cancel()
	<-done
}
