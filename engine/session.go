// Package engine ties the local tree, the optimistic mutator, the reconciler
// and the change feed of one loaded board together.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"boardsync/domain"
	"boardsync/metrics"
	"boardsync/mutator"
	"boardsync/pending"
	"boardsync/reconcile"
	"boardsync/state"
	"boardsync/subscription"
)

const (
	DefaultLoadTimeout      = 30 * time.Second
	DefaultReloadBackoff    = 500 * time.Millisecond
	DefaultMaxReloadBackoff = 30 * time.Second
)

type Config struct {
	Mutator          mutator.Config
	LoadTimeout      time.Duration
	ReloadBackoff    time.Duration
	MaxReloadBackoff time.Duration
	MaxParkedEvents  int
	FetchConcurrency int
	DedupeWindow     int

	// MaxBufferedEvents bounds the feed events held back during a reload.
	MaxBufferedEvents int
}

func (c *Config) defaults() {
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = DefaultLoadTimeout
	}
	if c.ReloadBackoff <= 0 {
		c.ReloadBackoff = DefaultReloadBackoff
	}
	if c.MaxReloadBackoff < c.ReloadBackoff {
		c.MaxReloadBackoff = DefaultMaxReloadBackoff
	}
}

// Backend is the remote store a session reads from and writes to.
type Backend interface {
	mutator.Writer
	reconcile.Fetcher
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Backend Backend
	Feed    subscription.Feed
	// Cursors may be nil when the feed carries no sequence numbers.
	Cursors reconcile.CursorSource
	Logger  *log.Logger
	Metrics *metrics.Metrics
	// NewID overrides the tentative id source of the mutator.
	NewID   func() string
}

// Session holds at most one loaded board. Every mutation of the tree runs
// on its timeline, a single lock tagged with the generation of the loaded
// board; work bound to an older generation is dropped.
type Session struct {
	cfg     Config
	deps    Deps
	logger  *log.Logger
	subs    *subscription.Manager
	loader  *reconcile.Loader
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	watched watchers

	// openMu orders board switches with their subscriptions.
	openMu sync.Mutex

	mu          sync.Mutex
	gen         uint64
	boardID     string
	store       *state.Store
	queue       *pending.Queue
	rec         *reconcile.Reconciler
	mut         *mutator.Mutator
	ready       bool
	reloading   bool
	reloadAgain bool
	closed      bool
}

func NewSession(cfg Config, deps Deps) *Session {
	cfg.defaults()
	if deps.Logger == nil {
		deps.Logger = log.StandardLogger()
	}
	subs := subscription.NewManager(deps.Feed,
		subscription.WithLogger(deps.Logger),
		subscription.WithMetrics(deps.Metrics),
		subscription.WithDedupeWindow(cfg.DedupeWindow))
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:     cfg,
		deps:    deps,
		logger:  deps.Logger,
		subs:    subs,
		loader:  reconcile.NewLoader(deps.Backend, deps.Cursors, cfg.FetchConcurrency),
		ctx:     ctx,
		cancel:  cancel,
		watched: watchers{subs: make(map[int]chan struct{})},
	}
}

// Run executes fn on the timeline if gen is still the loaded generation.
func (s *Session) Run(gen uint64, fn func()) bool {
	s.mu.Lock()
	if gen != s.gen || s.closed {
		s.mu.Unlock()
		return false
	}
	fn()
	s.mu.Unlock()
	s.watched.notify()
	return true
}

// Open switches the session to boardID and loads it. Operations of the
// previously loaded board are abandoned with domain.ErrStaleBoard. When the
// load fails with a transient error, the snapshot is rejected or ctx ends
// first, the session keeps retrying in the background.
func (s *Session) Open(ctx context.Context, boardID string) error {
	s.openMu.Lock()
	gen, old, err := s.switchTo(boardID)
	if err != nil {
		s.openMu.Unlock()
		return err
	}
	s.subs.Subscribe(boardID, &sink{s: s, gen: gen})
	s.openMu.Unlock()
	if old != nil {
		go old.Wait()
	}
	s.deps.Metrics.Reload("open")

	err = s.reload(ctx, gen)
	if err != nil && !errors.Is(err, domain.ErrStaleBoard) && (domain.Recoverable(err) || ctx.Err() != nil || errors.Is(err, ErrSnapshotRejected)) {
		s.logger.WithError(err).WithField("board_id", boardID).Warn("initial load failed, retrying in the background")
		s.wg.Add(1)
		go s.reloadLoop(gen)
	}
	return err
}

func (s *Session) switchTo(boardID string) (uint64, *mutator.Mutator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, nil, fmt.Errorf("%w: session closed", domain.ErrStaleBoard)
	}
	old := s.mut
	if old != nil {
		old.Close()
	}
	s.gen++
	s.boardID = boardID
	s.store = state.New(domain.Board{ID: boardID})
	s.queue = pending.NewQueue()
	s.rec = reconcile.New(s.store, s.queue,
		reconcile.WithLogger(s.logger),
		reconcile.WithMetrics(s.deps.Metrics),
		reconcile.WithMaxParked(s.cfg.MaxParkedEvents),
		reconcile.WithMaxBuffered(s.cfg.MaxBufferedEvents))
	s.rec.BeginReload()
	opts := []mutator.Option{mutator.WithLogger(s.logger), mutator.WithMetrics(s.deps.Metrics)}
	if s.deps.NewID != nil {
		opts = append(opts, mutator.WithIDGenerator(s.deps.NewID))
	}
	s.mut = mutator.New(s, s.gen, s.store, s.queue, s.deps.Backend, s.cfg.Mutator, opts...)
	s.ready = false
	s.reloading = true
	s.reloadAgain = false
	return s.gen, old, nil
}

// requestReload starts buffering feed events and schedules a reload, or
// marks the running one to be repeated. It must run on the timeline.
func (s *Session) requestReload(reason string) {
	s.rec.BeginReload()
	if s.reloading {
		s.reloadAgain = true
		return
	}
	s.deps.Metrics.Reload(reason)
	s.logger.WithFields(log.Fields{"board_id": s.boardID, "reason": reason}).Info("reloading board")
	s.reloading = true
	s.wg.Add(1)
	go s.reloadLoop(s.gen)
}

// reloadLoop reloads until it succeeds, backing off between failures.
func (s *Session) reloadLoop(gen uint64) {
	defer s.wg.Done()
	backoff := s.cfg.ReloadBackoff
	for {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.LoadTimeout)
		err := s.reload(ctx, gen)
		cancel()
		if err == nil || errors.Is(err, domain.ErrStaleBoard) || s.ctx.Err() != nil {
			return
		}
		s.logger.WithError(err).WithField("retry_in", backoff).Warn("board reload failed")
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.cfg.MaxReloadBackoff {
			backoff = s.cfg.MaxReloadBackoff
		}
	}
}

// reload loads snapshots of the board until no further reload was requested
// while one was in flight.
func (s *Session) reload(ctx context.Context, gen uint64) error {
	for {
		boardID, ok := s.boardOf(gen)
		if !ok {
			return domain.ErrStaleBoard
		}
		snap, loadErr := s.loader.Load(ctx, boardID)
		var applyErr error
		again := false
		if !s.Run(gen, func() {
			if loadErr != nil {
				return
			}
			err := s.rec.ApplySnapshot(snap)
			if err != nil && !errors.Is(err, domain.ErrFeedGap) {
				// still reloading; the caller retries
				applyErr = err
				return
			}
			s.ready = true
			again = s.reloadAgain || err != nil
			s.reloadAgain = false
			s.reloading = again
		}) {
			return domain.ErrStaleBoard
		}
		if loadErr != nil {
			return loadErr
		}
		if applyErr != nil {
			s.logger.WithError(applyErr).WithField("board_id", boardID).Warn("snapshot rejected")
			return fmt.Errorf("%w: %w", ErrSnapshotRejected, applyErr)
		}
		if !again {
			return nil
		}
	}
}

func (s *Session) boardOf(gen uint64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boardID, gen == s.gen && !s.closed
}

var (
	// ErrNoBoard is returned by reads before a board has been loaded.
	ErrNoBoard = errors.New("no board loaded")
	// ErrSnapshotRejected is returned by Open when the loaded snapshot could
	// not be applied. The session keeps retrying in the background.
	ErrSnapshotRejected = errors.New("snapshot rejected")
)

// Tree returns a copy of the loaded tree.
func (s *Session) Tree() (state.Tree, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return state.Tree{}, ErrNoBoard
	}
	return s.store.Tree(), nil
}

// BoardID returns the board the session shows, loaded or not.
func (s *Session) BoardID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boardID
}

// Mutator returns the mutator of the loaded board. Its operations fail with
// domain.ErrStaleBoard once another board is opened.
func (s *Session) Mutator() (*mutator.Mutator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return nil, ErrNoBoard
	}
	return s.mut, nil
}

// OperationView describes an unsettled operation.
type OperationView struct {
	Seq      uint64            `json:"seq"`
	Kind     pending.Kind      `json:"kind"`
	Type     domain.EntityType `json:"entityType"`
	ID       string            `json:"id"`
	Baseline int64             `json:"baseline"`
	InFlight bool              `json:"inFlight"`
	Parked   bool              `json:"failed"`
}

// Operations lists the unsettled operations in submission order.
func (s *Session) Operations() []OperationView {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue == nil {
		return nil
	}
	ops := s.queue.All()
	out := make([]OperationView, len(ops))
	for i, op := range ops {
		out[i] = OperationView{Seq: op.Seq, Kind: op.Kind, Type: op.Type, ID: op.ID, Baseline: op.Baseline, InFlight: op.InFlight, Parked: op.Parked}
	}
	return out
}

// Watch returns a channel signalled after the tree may have changed, and a
// function that stops the signals.
func (s *Session) Watch() (<-chan struct{}, func()) { return s.watched.add() }

// Close abandons the loaded board and stops every background goroutine.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	mut := s.mut
	if mut != nil {
		mut.Close()
	}
	s.gen++
	s.mu.Unlock()

	s.subs.Close()
	s.cancel()
	s.wg.Wait()
	if mut != nil {
		mut.Wait()
	}
	s.watched.closeAll()
}

// sink feeds one generation's events into the reconciler.
type sink struct {
	s   *Session
	gen uint64
}

func (k *sink) HandleEvent(ev domain.Event) {
	k.s.Run(k.gen, func() {
		err := k.s.rec.Apply(ev)
		switch {
		case errors.Is(err, domain.ErrFeedGap):
			k.s.logger.WithError(err).Info("change feed gap")
			k.s.requestReload("gap")
		case err != nil:
			k.s.logger.WithError(err).WithField("event", ev.Key()).Debug("event rejected")
		}
	})
}

func (k *sink) Resync() {
	k.s.Run(k.gen, func() { k.s.requestReload("resync") })
}
