package mutator

import (
	"context"
	"fmt"
	"sync"

	"boardsync/domain"
)

// fakeWriter is an in-memory remote store. Calls can be held on a gate and
// made to fail with queued errors.
type fakeWriter struct {
	mu      sync.Mutex
	version int64
	board   domain.Board
	lists   map[string]domain.List
	cards   map[string]domain.Card
	calls   []string
	errs    map[string][]error
	gates   map[string]chan struct{}
	// renames maps requested list ids to the ids the store assigns instead.
	renames map[string]string
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{
		version: 100,
		lists:   make(map[string]domain.List),
		cards:   make(map[string]domain.Card),
		errs:    make(map[string][]error),
		gates:   make(map[string]chan struct{}),
		renames: make(map[string]string),
	}
}

func (f *fakeWriter) failNext(call string, err error) {
	f.mu.Lock()
	f.errs[call] = append(f.errs[call], err)
	f.mu.Unlock()
}

func (f *fakeWriter) hold(call string) chan struct{} {
	ch := make(chan struct{})
	f.mu.Lock()
	f.gates[call] = ch
	f.mu.Unlock()
	return ch
}

func (f *fakeWriter) callCount(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

// enter records the call, waits on its gate and returns a queued error.
func (f *fakeWriter) enter(ctx context.Context, call string) error {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	gate := f.gates[call]
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if q := f.errs[call]; len(q) > 0 {
		f.errs[call] = q[1:]
		return q[0]
	}
	return nil
}

func (f *fakeWriter) next() int64 {
	f.version++
	return f.version
}

func (f *fakeWriter) CreateCard(ctx context.Context, card domain.Card) (domain.Card, error) {
	if err := f.enter(ctx, "CreateCard"); err != nil {
		return domain.Card{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.lists[card.ListID]
	if !ok {
		return domain.Card{}, fmt.Errorf("%w: list %s", domain.ErrOrphanReference, card.ListID)
	}
	card.Status = l.Status
	card.Version = f.next()
	f.cards[card.ID] = card
	return card, nil
}

func (f *fakeWriter) UpdateCard(ctx context.Context, id string, patch domain.CardPatch, baseline int64) (domain.Card, error) {
	if err := f.enter(ctx, "UpdateCard"); err != nil {
		return domain.Card{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cards[id]
	if !ok {
		return domain.Card{}, fmt.Errorf("%w: card %s", domain.ErrNotFound, id)
	}
	if c.Version > baseline {
		return domain.Card{}, fmt.Errorf("%w: card %s", domain.ErrStaleWrite, id)
	}
	c = patch.Apply(c)
	c.Version = f.next()
	f.cards[id] = c
	return c, nil
}

func (f *fakeWriter) MoveCard(ctx context.Context, id, listID string, pos float64, baseline int64) (domain.Card, error) {
	if err := f.enter(ctx, "MoveCard"); err != nil {
		return domain.Card{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cards[id]
	if !ok {
		return domain.Card{}, fmt.Errorf("%w: card %s", domain.ErrNotFound, id)
	}
	l, ok := f.lists[listID]
	if !ok {
		return domain.Card{}, fmt.Errorf("%w: list %s", domain.ErrOrphanReference, listID)
	}
	if c.Version > baseline {
		return domain.Card{}, fmt.Errorf("%w: card %s", domain.ErrStaleWrite, id)
	}
	c.ListID, c.Position, c.Status = listID, pos, l.Status
	c.Version = f.next()
	f.cards[id] = c
	return c, nil
}

func (f *fakeWriter) DeleteCard(ctx context.Context, id string, baseline int64) error {
	if err := f.enter(ctx, "DeleteCard"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.cards, id)
	return nil
}

func (f *fakeWriter) CreateList(ctx context.Context, list domain.List) (domain.List, error) {
	if err := f.enter(ctx, "CreateList"); err != nil {
		return domain.List{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.renames[list.ID]; ok {
		list.ID = id
	}
	list.Version = f.next()
	f.lists[list.ID] = list
	return list, nil
}

func (f *fakeWriter) UpdateList(ctx context.Context, id string, patch domain.ListPatch, baseline int64) (domain.List, error) {
	if err := f.enter(ctx, "UpdateList"); err != nil {
		return domain.List{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.lists[id]
	if !ok {
		return domain.List{}, fmt.Errorf("%w: list %s", domain.ErrNotFound, id)
	}
	l = patch.Apply(l)
	l.Version = f.next()
	f.lists[id] = l
	return l, nil
}

func (f *fakeWriter) DeleteList(ctx context.Context, id string, baseline int64) error {
	if err := f.enter(ctx, "DeleteList"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.lists, id)
	for cid, c := range f.cards {
		if c.ListID == id {
			delete(f.cards, cid)
		}
	}
	return nil
}

func (f *fakeWriter) UpdateBoard(ctx context.Context, id string, patch domain.BoardPatch, baseline int64) (domain.Board, error) {
	if err := f.enter(ctx, "UpdateBoard"); err != nil {
		return domain.Board{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	b := patch.Apply(f.board)
	b.Version = f.next()
	f.board = b
	return b, nil
}
