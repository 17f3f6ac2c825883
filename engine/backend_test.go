package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"boardsync/domain"
	"boardsync/subscription"
)

// memBackend is an in-memory remote store with the same conflict rules as
// the real backends.
type memBackend struct {
	mu       sync.Mutex
	version  int64
	boards   map[string]domain.Board
	lists    map[string]domain.List
	cards    map[string]domain.Card
	loads    int
	failLoad int
	// gate, when set, holds card creates until it is closed.
	gate chan struct{}
	// hold, when set, holds board fetches until it is closed.
	hold chan struct{}
}

func newMemBackend() *memBackend {
	return &memBackend{
		version: 100,
		boards:  make(map[string]domain.Board),
		lists:   make(map[string]domain.List),
		cards:   make(map[string]domain.Card),
	}
}

func (b *memBackend) next() int64 {
	b.version++
	return b.version
}

func (b *memBackend) seedBoard(id string, lists ...domain.List) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.boards[id] = domain.Board{ID: id, Title: id, Version: 1}
	for _, l := range lists {
		l.BoardID = id
		if l.Version == 0 {
			l.Version = 1
		}
		b.lists[l.ID] = l
	}
}

func (b *memBackend) putCard(c domain.Card) domain.Card {
	b.mu.Lock()
	defer b.mu.Unlock()
	c.Version = b.next()
	c.Status = b.lists[c.ListID].Status
	b.cards[c.ID] = c
	return c
}

func (b *memBackend) loadCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loads
}

func (b *memBackend) FetchBoard(ctx context.Context, id string) (domain.Board, error) {
	b.mu.Lock()
	b.loads++
	hold := b.hold
	b.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return domain.Board{}, ctx.Err()
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failLoad > 0 {
		b.failLoad--
		return domain.Board{}, domain.ErrTransientNetwork
	}
	board, ok := b.boards[id]
	if !ok {
		return domain.Board{}, fmt.Errorf("%w: board %s", domain.ErrNotFound, id)
	}
	return board, nil
}

func (b *memBackend) FetchLists(ctx context.Context, boardID string) ([]domain.List, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.List
	for _, l := range b.lists {
		if l.BoardID == boardID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (b *memBackend) FetchCards(ctx context.Context, listID string) ([]domain.Card, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.Card
	for _, c := range b.cards {
		if c.ListID == listID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (b *memBackend) CreateCard(ctx context.Context, card domain.Card) (domain.Card, error) {
	b.mu.Lock()
	gate := b.gate
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return domain.Card{}, ctx.Err()
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.lists[card.ListID]
	if !ok {
		return domain.Card{}, domain.ErrOrphanReference
	}
	card.Status = l.Status
	card.Version = b.next()
	b.cards[card.ID] = card
	return card, nil
}

func (b *memBackend) cardFor(id string, baseline int64) (domain.Card, error) {
	c, ok := b.cards[id]
	if !ok {
		return domain.Card{}, domain.ErrNotFound
	}
	if c.Version > baseline {
		return domain.Card{}, domain.ErrStaleWrite
	}
	return c, nil
}

func (b *memBackend) UpdateCard(ctx context.Context, id string, patch domain.CardPatch, baseline int64) (domain.Card, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, err := b.cardFor(id, baseline)
	if err != nil {
		return domain.Card{}, err
	}
	c = patch.Apply(c)
	c.Version = b.next()
	b.cards[id] = c
	return c, nil
}

func (b *memBackend) MoveCard(ctx context.Context, id, listID string, pos float64, baseline int64) (domain.Card, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, err := b.cardFor(id, baseline)
	if err != nil {
		return domain.Card{}, err
	}
	l, ok := b.lists[listID]
	if !ok {
		return domain.Card{}, domain.ErrOrphanReference
	}
	c.ListID, c.Status, c.Position = listID, l.Status, pos
	c.Version = b.next()
	b.cards[id] = c
	return c, nil
}

func (b *memBackend) DeleteCard(ctx context.Context, id string, baseline int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.cardFor(id, baseline); err != nil && err != domain.ErrNotFound {
		return err
	}
	delete(b.cards, id)
	return nil
}

func (b *memBackend) CreateList(ctx context.Context, list domain.List) (domain.List, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.boards[list.BoardID]; !ok {
		return domain.List{}, domain.ErrOrphanReference
	}
	list.Version = b.next()
	b.lists[list.ID] = list
	return list, nil
}

func (b *memBackend) UpdateList(ctx context.Context, id string, patch domain.ListPatch, baseline int64) (domain.List, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.lists[id]
	if !ok {
		return domain.List{}, domain.ErrNotFound
	}
	if l.Version > baseline {
		return domain.List{}, domain.ErrStaleWrite
	}
	l = patch.Apply(l)
	l.Version = b.next()
	b.lists[id] = l
	return l, nil
}

func (b *memBackend) DeleteList(ctx context.Context, id string, baseline int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for cid, c := range b.cards {
		if c.ListID == id {
			delete(b.cards, cid)
		}
	}
	delete(b.lists, id)
	return nil
}

func (b *memBackend) UpdateBoard(ctx context.Context, id string, patch domain.BoardPatch, baseline int64) (domain.Board, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	board, ok := b.boards[id]
	if !ok {
		return domain.Board{}, domain.ErrNotFound
	}
	if board.Version > baseline {
		return domain.Board{}, domain.ErrStaleWrite
	}
	board = patch.Apply(board)
	board.Version = b.next()
	b.boards[id] = board
	return board, nil
}

// fakeFeed hands out the receivers of every topic and announces a resync
// when a listener starts, like the real transports do.
type fakeFeed struct {
	mu      sync.Mutex
	rcvs    map[subscription.Topic]subscription.Receiver
	started chan subscription.Topic
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		rcvs:    make(map[subscription.Topic]subscription.Receiver),
		started: make(chan subscription.Topic, 64),
	}
}

func (f *fakeFeed) Listen(ctx context.Context, topic subscription.Topic, rcv subscription.Receiver) error {
	f.mu.Lock()
	f.rcvs[topic] = rcv
	f.mu.Unlock()
	rcv.Resync()
	f.started <- topic
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeFeed) waitStarted(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-f.started:
		case <-time.After(2 * time.Second):
			t.Fatalf("feed listeners did not start")
		}
	}
}

func (f *fakeFeed) resync(boardID string) {
	f.mu.Lock()
	rcv := f.rcvs[subscription.Topic{BoardID: boardID, Table: domain.TableCards}]
	f.mu.Unlock()
	rcv.Resync()
}

func (f *fakeFeed) push(boardID string, ch domain.Change) bool {
	f.mu.Lock()
	rcv := f.rcvs[subscription.Topic{BoardID: boardID, Table: ch.Table}]
	f.mu.Unlock()
	if rcv == nil {
		return false
	}
	rcv.Receive(ch)
	return true
}

type cursorStore struct {
	mu    sync.Mutex
	cards int64
}

func (c *cursorStore) set(n int64) {
	c.mu.Lock()
	c.cards = n
	c.mu.Unlock()
}

func (c *cursorStore) Cursors(ctx context.Context, boardID string) (map[domain.EntityType]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[domain.EntityType]int64{domain.EntityCard: c.cards}, nil
}
