package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"go.uber.org/goleak"

	"boardsync/domain"
	"boardsync/reconcile"
	"boardsync/state"
	"boardsync/subscription"
)

func testDeps(b *memBackend, feed *fakeFeed, cursors reconcile.CursorSource) Deps {
	logger, _ := test.NewNullLogger()
	var (
		mu  sync.Mutex
		ids int
	)
	return Deps{
		Backend: b,
		Feed:    feed,
		Cursors: cursors,
		Logger:  logger,
		NewID: func() string {
			mu.Lock()
			defer mu.Unlock()
			ids++
			return fmt.Sprintf("T%d", ids)
		},
	}
}

var testConfig = Config{ReloadBackoff: 5 * time.Millisecond, MaxReloadBackoff: 20 * time.Millisecond}

func newTestSession(t *testing.T, b *memBackend, feed *fakeFeed, cursors reconcile.CursorSource) *Session {
	t.Helper()
	s := NewSession(testConfig, testDeps(b, feed, cursors))
	t.Cleanup(s.Close)
	return s
}

func seededBackend() *memBackend {
	b := newMemBackend()
	b.seedBoard("b1",
		domain.List{ID: "todo", Title: "To Do", Status: domain.StatusTodo, Position: 1024},
		domain.List{ID: "done", Title: "Completed", Status: domain.StatusCompleted, Position: 2048},
	)
	b.putCard(domain.Card{ID: "A", ListID: "todo", Title: "a", Priority: domain.PriorityMedium, Position: 1024})
	return b
}

// openSettled opens boardID and waits until the resyncs announced by the
// feed listeners have been served.
func openSettled(t *testing.T, s *Session, feed *fakeFeed, boardID string) {
	t.Helper()
	if err := s.Open(context.Background(), boardID); err != nil {
		t.Fatalf("open %s: %v", boardID, err)
	}
	feed.waitStarted(t, len(subscription.Topics(boardID)))
	waitSettled(t, s)
}

func waitSettled(t *testing.T, s *Session) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		s.mu.Lock()
		busy := s.reloading || !s.ready
		s.mu.Unlock()
		if !busy {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("session did not settle")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitTree(t *testing.T, s *Session, cond func(state.Tree) bool) state.Tree {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		tree, err := s.Tree()
		if err == nil && cond(tree) {
			return tree
		}
		if time.Now().After(deadline) {
			t.Fatalf("tree did not converge: %+v (err %v)", tree, err)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func hasCard(tree state.Tree, id string) bool {
	for _, l := range tree.Lists {
		for _, c := range l.Cards {
			if c.ID == id {
				return true
			}
		}
	}
	return false
}

func cardChange(t *testing.T, c domain.Card, cursor int64) domain.Change {
	t.Helper()
	ch, err := subscription.ChangeFor(domain.KindInsert, domain.EntityCard, domain.CardToRow(c))
	if err != nil {
		t.Fatalf("change: %v", err)
	}
	ch.Cursor = cursor
	return ch
}

func TestOpenLoadsBoard(t *testing.T) {
	b, feed := seededBackend(), newFakeFeed()
	s := newTestSession(t, b, feed, nil)
	if _, err := s.Tree(); !errors.Is(err, ErrNoBoard) {
		t.Fatalf("expected no board before open, got %v", err)
	}
	if err := s.Open(context.Background(), "b1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	tree, err := s.Tree()
	if err != nil {
		t.Fatalf("tree: %v", err)
	}
	if len(tree.Lists) != 2 || tree.Lists[0].ID != "todo" || len(tree.Lists[0].Cards) != 1 {
		t.Fatalf("unexpected tree %+v", tree)
	}
	if tree.Stats.TotalCards != 1 {
		t.Fatalf("unexpected stats %+v", tree.Stats)
	}
	if s.BoardID() != "b1" {
		t.Fatalf("unexpected board %s", s.BoardID())
	}
}

func TestOpenUnknownBoard(t *testing.T) {
	s := newTestSession(t, seededBackend(), newFakeFeed(), nil)
	if err := s.Open(context.Background(), "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := s.Mutator(); !errors.Is(err, ErrNoBoard) {
		t.Fatalf("mutator available for a board that never loaded: %v", err)
	}
}

func TestFeedEventsReachTree(t *testing.T) {
	b, feed := seededBackend(), newFakeFeed()
	s := newTestSession(t, b, feed, nil)
	openSettled(t, s, feed, "b1")

	feed.push("b1", cardChange(t, domain.Card{ID: "B", ListID: "done", Title: "b", Position: 1024, Version: 500}, 0))
	tree := waitTree(t, s, func(tr state.Tree) bool { return hasCard(tr, "B") })
	if got := tree.Lists[1].Cards[0]; got.Status != domain.StatusCompleted {
		t.Fatalf("card did not inherit list status: %+v", got)
	}
}

func TestGapReloadsBoard(t *testing.T) {
	b, feed := seededBackend(), newFakeFeed()
	cursors := &cursorStore{cards: 1}
	s := newTestSession(t, b, feed, cursors)
	openSettled(t, s, feed, "b1")
	loads := b.loadCount()

	feed.push("b1", cardChange(t, domain.Card{ID: "B", ListID: "todo", Title: "b", Position: 2048, Version: 500}, 2))
	waitTree(t, s, func(tr state.Tree) bool { return hasCard(tr, "B") })

	// C was written while the feed lost cursors 3 and 4.
	b.putCard(domain.Card{ID: "C", ListID: "todo", Title: "c", Position: 3072})
	d := b.putCard(domain.Card{ID: "D", ListID: "todo", Title: "d", Position: 4096})
	cursors.set(5)
	feed.push("b1", cardChange(t, d, 5))

	tree := waitTree(t, s, func(tr state.Tree) bool { return hasCard(tr, "C") && hasCard(tr, "D") })
	if hasCard(tree, "B") {
		t.Fatalf("reload kept a card the store does not have")
	}
	if b.loadCount() <= loads {
		t.Fatalf("gap did not reload the board")
	}
}

func TestResyncRequestsCoalesce(t *testing.T) {
	b, feed := seededBackend(), newFakeFeed()
	s := newTestSession(t, b, feed, nil)
	openSettled(t, s, feed, "b1")

	hold := make(chan struct{})
	b.mu.Lock()
	b.hold = hold
	loads := b.loads
	b.mu.Unlock()

	for i := 0; i < 3; i++ {
		feed.resync("b1")
	}
	b.mu.Lock()
	b.hold = nil
	b.mu.Unlock()
	close(hold)
	waitSettled(t, s)

	if got := b.loadCount() - loads; got != 2 {
		t.Fatalf("expected the running reload and one repeat, got %d loads", got)
	}
}

func TestTransientLoadFailureRetriesInBackground(t *testing.T) {
	b, feed := seededBackend(), newFakeFeed()
	b.failLoad = 1
	s := newTestSession(t, b, feed, nil)
	if err := s.Open(context.Background(), "b1"); !errors.Is(err, domain.ErrTransientNetwork) {
		t.Fatalf("expected transient failure, got %v", err)
	}
	waitTree(t, s, func(tr state.Tree) bool { return hasCard(tr, "A") })
}

func TestMutationsRunOnSessionTimeline(t *testing.T) {
	b, feed := seededBackend(), newFakeFeed()
	s := newTestSession(t, b, feed, nil)
	openSettled(t, s, feed, "b1")
	changed, stop := s.Watch()
	defer stop()

	m, err := s.Mutator()
	if err != nil {
		t.Fatalf("mutator: %v", err)
	}
	r, err := m.CreateCard(domain.CardDraft{ListID: "todo", Title: "new"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatalf("watchers not notified")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Wait(ctx); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	tree, _ := s.Tree()
	if !hasCard(tree, "T1") {
		t.Fatalf("created card missing from tree")
	}
	if ops := s.Operations(); len(ops) != 0 {
		t.Fatalf("operations left behind: %+v", ops)
	}
}

func TestOpeningAnotherBoardAbandonsOperations(t *testing.T) {
	b, feed := seededBackend(), newFakeFeed()
	b.seedBoard("b2", domain.List{ID: "todo2", Title: "To Do", Status: domain.StatusTodo, Position: 1024})
	gate := make(chan struct{})
	defer close(gate)
	b.gate = gate
	s := newTestSession(t, b, feed, nil)
	openSettled(t, s, feed, "b1")

	m, err := s.Mutator()
	if err != nil {
		t.Fatalf("mutator: %v", err)
	}
	r, err := m.CreateCard(domain.CardDraft{ListID: "todo", Title: "held"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if ops := s.Operations(); len(ops) != 1 || ops[0].ID != r.ID() {
		t.Fatalf("expected the create to be pending, got %+v", ops)
	}

	openSettled(t, s, feed, "b2")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Wait(ctx); !errors.Is(err, domain.ErrStaleBoard) {
		t.Fatalf("expected stale board, got %v", err)
	}
	if _, err := m.DeleteCard("A"); !errors.Is(err, domain.ErrStaleBoard) {
		t.Fatalf("old mutator still accepts commands: %v", err)
	}
	tree, _ := s.Tree()
	if tree.Board.ID != "b2" || hasCard(tree, "A") {
		t.Fatalf("unexpected tree after switch %+v", tree)
	}
}

func TestCloseStopsSession(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	b, feed := seededBackend(), newFakeFeed()
	s := NewSession(testConfig, testDeps(b, feed, nil))
	openSettled(t, s, feed, "b1")
	changed, _ := s.Watch()
	s.Close()

	for open := true; open; {
		select {
		case _, open = <-changed:
		case <-time.After(time.Second):
			t.Fatalf("watch channel left open")
		}
	}
	if err := s.Open(context.Background(), "b1"); !errors.Is(err, domain.ErrStaleBoard) {
		t.Fatalf("closed session opened a board: %v", err)
	}
	s.Close()
}

func TestRegistryKeepsOneSessionPerUser(t *testing.T) {
	b, feed := seededBackend(), newFakeFeed()
	r := NewRegistry(testConfig, testDeps(b, feed, nil), 1)
	defer r.Close()

	s1 := r.Session("u1")
	if r.Session("u1") != s1 {
		t.Fatalf("second lookup created a new session")
	}
	r.Session("u2")
	if _, ok := r.Lookup("u1"); ok {
		t.Fatalf("least recently used session not evicted")
	}
	if r.Len() != 1 {
		t.Fatalf("unexpected size %d", r.Len())
	}
}

func TestRejectedSnapshotIsRetried(t *testing.T) {
	b, feed := seededBackend(), newFakeFeed()
	b.mu.Lock()
	b.boards["b1"] = domain.Board{ID: "elsewhere", Title: "b1", Version: 1}
	b.mu.Unlock()
	s := newTestSession(t, b, feed, nil)

	if err := s.Open(context.Background(), "b1"); !errors.Is(err, ErrSnapshotRejected) {
		t.Fatalf("expected rejected snapshot, got %v", err)
	}
	if _, err := s.Tree(); !errors.Is(err, ErrNoBoard) {
		t.Fatalf("board served from a rejected snapshot: %v", err)
	}

	b.mu.Lock()
	b.boards["b1"] = domain.Board{ID: "b1", Title: "b1", Version: 1}
	b.mu.Unlock()
	waitTree(t, s, func(tree state.Tree) bool { return hasCard(tree, "A") })
	waitSettled(t, s)
}
