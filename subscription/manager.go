// Package subscription turns raw change feeds into de-duplicated, validated
// events for one board at a time.
package subscription

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"boardsync/domain"
	"boardsync/metrics"
)

// Sink receives normalized events and resync notices of a board.
type Sink interface {
	HandleEvent(domain.Event)
	Resync()
}

const defaultRelistenDelay = time.Second

type Option func(*Manager)

func WithLogger(l *log.Logger) Option { return func(m *Manager) { m.logger = l } }

func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

func WithDedupeWindow(n int) Option { return func(m *Manager) { m.window = n } }

// Manager owns at most one live subscription.
type Manager struct {
	feed    Feed
	logger  *log.Logger
	metrics *metrics.Metrics
	window  int
	delay   time.Duration

	mu      sync.Mutex
	current *Handle
}

func NewManager(feed Feed, opts ...Option) *Manager {
	m := &Manager{feed: feed, logger: log.StandardLogger(), delay: defaultRelistenDelay}
	for _, o := range opts {
		o(m)
	}
	if m.logger == nil {
		m.logger = log.StandardLogger()
	}
	return m
}

// Subscribe starts listening to every table of boardID and returns the live
// handle. A previous subscription is cancelled first, and nothing it
// delivers reaches its sink once Subscribe returns.
func (m *Manager) Subscribe(boardID string, sink Sink) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.current.Cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		boardID: boardID,
		sink:    sink,
		cancel:  cancel,
		dedupe:  NewDeduper(m.window),
		logger:  m.logger.WithField("board_id", boardID),
		metrics: m.metrics,
	}
	for _, topic := range Topics(boardID) {
		h.wg.Add(1)
		go m.listen(ctx, h, topic)
	}
	m.current = h
	return h
}

// Close cancels the live subscription, if any.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.current.Cancel()
		m.current = nil
	}
}

func (m *Manager) listen(ctx context.Context, h *Handle, topic Topic) {
	defer h.wg.Done()
	rcv := &topicReceiver{h: h, topic: topic}
	for {
		err := m.feed.Listen(ctx, topic, rcv)
		if ctx.Err() != nil {
			return
		}
		h.logger.WithError(err).WithField("table", topic.Table).Error("change feed stopped, listening again")
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.delay):
		}
	}
}

// Handle is one live subscription.
type Handle struct {
	boardID string
	sink    Sink
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *log.Entry
	metrics *metrics.Metrics

	// mu is held while delivering to the sink.
	mu     sync.Mutex
	closed bool
	dedupe *Deduper
}

func (h *Handle) BoardID() string { return h.boardID }

// Cancel stops delivery and waits for the listeners to exit. It must not be
// called from inside the sink.
func (h *Handle) Cancel() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.cancel()
	h.wg.Wait()
}

func (h *Handle) deliver(ev domain.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if h.dedupe.Seen(ev.Key()) {
		h.metrics.Event(string(ev.Type), "duplicate")
		return
	}
	h.sink.HandleEvent(ev)
}

func (h *Handle) resync() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.sink.Resync()
}

type topicReceiver struct {
	h     *Handle
	topic Topic
}

func (r *topicReceiver) Receive(ch domain.Change) {
	if ch.Table == "" {
		ch.Table = r.topic.Table
	}
	ev, err := Normalize(ch)
	if err != nil {
		r.h.logger.WithError(err).WithField("table", ch.Table).Warn("dropping malformed change")
		r.h.metrics.Event(ch.Table, "invalid")
		return
	}
	r.h.deliver(ev)
}

func (r *topicReceiver) Resync() { r.h.resync() }
