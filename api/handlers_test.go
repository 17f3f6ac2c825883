package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"

	"boardsync/domain"
	"boardsync/engine"
	"boardsync/position"
	"boardsync/state"
	"boardsync/storage"
	"boardsync/subscription"
)

const testSecret = "test-secret"

func signedToken(t *testing.T, sub string, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": exp.Unix(),
		"iat": time.Now().Add(-time.Minute).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

// quietFeed never delivers changes; the tests only observe local writes.
type quietFeed struct{}

func (quietFeed) Listen(ctx context.Context, _ subscription.Topic, _ subscription.Receiver) error {
	<-ctx.Done()
	return ctx.Err()
}

type testServer struct {
	e   *echo.Echo
	mem *storage.Memory
}

func newTestServer(t *testing.T, deduper Deduper) *testServer {
	t.Helper()
	logger, _ := test.NewNullLogger()
	mem := storage.NewMemory()
	reg := engine.NewRegistry(engine.Config{}, engine.Deps{Backend: mem, Feed: quietFeed{}, Logger: logger}, 0)
	t.Cleanup(reg.Close)
	e := echo.New()
	Register(e, Options{
		Sessions:  reg,
		Boards:    mem,
		Auth:      NewTestAuth([]byte(testSecret), "", ""),
		Deduper:   deduper,
		Logger:    logger,
		Registry:  prometheus.NewRegistry(),
		Heartbeat: 20 * time.Millisecond,
	})
	return &testServer{e: e, mem: mem}
}

func (s *testServer) request(t *testing.T, method, target, user string, body any, headers ...string) *http.Request {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, ok := body.(string)
		if !ok {
			data, err := sonic.Marshal(body)
			if err != nil {
				t.Fatalf("encode body: %v", err)
			}
			raw = string(data)
		}
		rd = strings.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, rd)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if user != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+signedToken(t, user, time.Now().Add(time.Hour)))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	return req
}

func (s *testServer) do(t *testing.T, method, target, user string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, s.request(t, method, target, user, body, headers...))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := sonic.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("invalid json %q: %v", rec.Body.String(), err)
	}
	return v
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected status %d got %d: %s", want, rec.Code, rec.Body.String())
	}
}

// openBoard creates a board for user and loads it into their session.
func (s *testServer) openBoard(t *testing.T, user string) boardResponse {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/boards", user, createBoardRequest{Title: "Launch"})
	expectStatus(t, rec, http.StatusCreated)
	b := decode[boardResponse](t, rec)
	rec = s.do(t, http.MethodPost, "/api/boards/"+b.Board.ID+"/open", user, nil)
	expectStatus(t, rec, http.StatusOK)
	return b
}

func TestBoardLifecycle(t *testing.T) {
	s := newTestServer(t, nil)
	expectStatus(t, s.do(t, http.MethodGet, "/api/board", "u1", nil), http.StatusConflict)

	b := s.openBoard(t, "u1")
	if len(b.Lists) != 4 || b.Lists[0].Status != domain.StatusTodo {
		t.Fatalf("unexpected default lists %+v", b.Lists)
	}
	todo, done := b.Lists[0].ID, b.Lists[2].ID

	rec := s.do(t, http.MethodPost, "/api/cards?wait=true", "u1", map[string]any{"listId": todo, "title": "write"})
	expectStatus(t, rec, http.StatusOK)
	first := decode[commandResponse](t, rec)
	if !first.Settled || first.ID == "" || first.Kind != "create" {
		t.Fatalf("unexpected create response %+v", first)
	}
	rec = s.do(t, http.MethodPost, "/api/cards", "u1", map[string]any{"listId": todo, "title": "review"})
	expectStatus(t, rec, http.StatusAccepted)

	rec = s.do(t, http.MethodPost, "/api/drag?wait=true", "u1", domain.DragEnd{CardID: first.ID, SourceListID: todo, TargetListID: done})
	expectStatus(t, rec, http.StatusOK)

	rec = s.do(t, http.MethodGet, "/api/board", "u1", nil)
	expectStatus(t, rec, http.StatusOK)
	tree := decode[state.Tree](t, rec)
	if tree.Board.ID != b.Board.ID || len(tree.Lists) != 4 {
		t.Fatalf("unexpected tree %+v", tree)
	}
	if cards := tree.Lists[2].Cards; len(cards) != 1 || cards[0].ID != first.ID || cards[0].Status != domain.StatusCompleted {
		t.Fatalf("dragged card not in completed list: %+v", cards)
	}
	if tree.Stats.CompletedCards != 1 {
		t.Fatalf("unexpected stats %+v", tree.Stats)
	}
	stored, err := s.mem.FetchCard(context.Background(), first.ID)
	if err != nil || stored.ListID != done {
		t.Fatalf("move not written: %+v %v", stored, err)
	}

	expectStatus(t, s.do(t, http.MethodDelete, "/api/cards/"+first.ID+"?wait=true", "u1", nil), http.StatusOK)
	expectStatus(t, s.do(t, http.MethodPatch, "/api/board?wait=true", "u1", map[string]any{"title": "Renamed"}), http.StatusOK)
	if got, _ := s.mem.FetchBoard(context.Background(), b.Board.ID); got.Title != "Renamed" {
		t.Fatalf("board title not written: %+v", got)
	}
}

func TestCommandErrors(t *testing.T) {
	s := newTestServer(t, nil)
	b := s.openBoard(t, "u1")

	cases := map[string]struct {
		method, target string
		body           any
		want           int
	}{
		"unknown field":    {http.MethodPost, "/api/cards", `{"listId":"x","title":"t","colour":"red"}`, http.StatusBadRequest},
		"missing title":    {http.MethodPost, "/api/cards", map[string]any{"listId": b.Lists[0].ID}, http.StatusBadRequest},
		"unknown list":     {http.MethodPost, "/api/cards", map[string]any{"listId": "nope", "title": "t"}, http.StatusConflict},
		"unknown card":     {http.MethodDelete, "/api/cards/nope", nil, http.StatusNotFound},
		"nothing to retry": {http.MethodPost, "/api/operations/card/nope/retry", nil, http.StatusNotFound},
		"bad entity type":  {http.MethodPost, "/api/operations/widget/nope/discard", nil, http.StatusBadRequest},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			expectStatus(t, s.do(t, tc.method, tc.target, "u1", tc.body), tc.want)
		})
	}
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t, nil)
	expectStatus(t, s.do(t, http.MethodGet, "/api/boards", "", nil), http.StatusUnauthorized)
	expectStatus(t, s.do(t, http.MethodGet, "/api/boards", "", nil, echo.HeaderAuthorization, "Bearer a.b.c"), http.StatusUnauthorized)

	expired := signedToken(t, "u1", time.Now().Add(-time.Hour))
	expectStatus(t, s.do(t, http.MethodGet, "/api/boards", "", nil, echo.HeaderAuthorization, "Bearer "+expired), http.StatusUnauthorized)
	expectStatus(t, s.do(t, http.MethodGet, "/healthz", "", nil), http.StatusOK)
}

func TestBoardsAreScopedToOwner(t *testing.T) {
	s := newTestServer(t, nil)
	b := s.openBoard(t, "u1")

	expectStatus(t, s.do(t, http.MethodPost, "/api/boards/"+b.Board.ID+"/open", "u2", nil), http.StatusNotFound)
	rec := s.do(t, http.MethodGet, "/api/boards", "u2", nil)
	expectStatus(t, rec, http.StatusOK)
	if boards := decode[[]domain.Board](t, rec); len(boards) != 0 {
		t.Fatalf("u2 sees boards of u1: %+v", boards)
	}
	rec = s.do(t, http.MethodGet, "/api/boards", "u1", nil)
	if boards := decode[[]domain.Board](t, rec); len(boards) != 1 {
		t.Fatalf("unexpected boards %+v", boards)
	}
}

func TestIdempotencyKey(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rc.Close()
	s := newTestServer(t, NewRedisDeduper(rc, time.Hour))
	b := s.openBoard(t, "u1")
	draft := map[string]any{"listId": b.Lists[0].ID, "title": "once"}

	expectStatus(t, s.do(t, http.MethodPost, "/api/cards", "u1", draft, headerIdempotencyKey, "k1"), http.StatusAccepted)
	expectStatus(t, s.do(t, http.MethodPost, "/api/cards", "u1", draft, headerIdempotencyKey, "k1"), http.StatusConflict)

	// a rejected command gives its key back
	expectStatus(t, s.do(t, http.MethodPost, "/api/cards", "u1", `{"bad":true}`, headerIdempotencyKey, "k2"), http.StatusBadRequest)
	expectStatus(t, s.do(t, http.MethodPost, "/api/cards", "u1", draft, headerIdempotencyKey, "k2"), http.StatusAccepted)

	if !mr.Exists("boardsync:idem:u1:k1") {
		t.Fatalf("idempotency key not stored")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	expectStatus(t, s.do(t, http.MethodGet, "/healthz", "", nil), http.StatusOK)
	rec := s.do(t, http.MethodGet, "/metrics", "", nil)
	expectStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), "boardsync_http_requests_total") {
		t.Fatalf("http metrics missing")
	}
}

// lockedRecorder lets the test read a streaming response while the handler
// is still writing it.
type lockedRecorder struct {
	mu     sync.Mutex
	header http.Header
	buf    bytes.Buffer
	code   int
}

func (r *lockedRecorder) Header() http.Header { return r.header }

func (r *lockedRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Write(p)
}

func (r *lockedRecorder) WriteHeader(code int) {
	r.mu.Lock()
	r.code = code
	r.mu.Unlock()
}

func (r *lockedRecorder) Flush() {}

func (r *lockedRecorder) body() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.String()
}

func (r *lockedRecorder) waitFor(t *testing.T, s string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(r.body(), s) {
		if time.Now().After(deadline) {
			t.Fatalf("stream never contained %q: %s", s, r.body())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStreamSendsTreeOnChange(t *testing.T) {
	s := newTestServer(t, nil)
	b := s.openBoard(t, "u1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := s.request(t, http.MethodGet, "/stream?token="+signedToken(t, "u1", time.Now().Add(time.Hour)), "", nil).WithContext(ctx)
	rec := &lockedRecorder{header: make(http.Header)}
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.e.ServeHTTP(rec, req)
	}()

	rec.waitFor(t, "event: tree")
	expectStatus(t, s.do(t, http.MethodPost, "/api/cards", "u1", map[string]any{"listId": b.Lists[0].ID, "title": "streamed"}), http.StatusAccepted)
	rec.waitFor(t, `"title":"streamed"`)
	rec.waitFor(t, ": ping")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("stream did not stop after the client left")
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		fmt.Errorf("wrap: %w", domain.ErrInvalidEntity):    http.StatusBadRequest,
		fmt.Errorf("wrap: %w", domain.ErrNotFound):         http.StatusNotFound,
		fmt.Errorf("wrap: %w", domain.ErrStaleWrite):       http.StatusConflict,
		fmt.Errorf("wrap: %w", position.ErrGapExhausted):   http.StatusConflict,
		fmt.Errorf("wrap: %w", domain.ErrTransientNetwork): http.StatusServiceUnavailable,
	}
	for err, want := range cases {
		if got := statusFor(err); got != want {
			t.Fatalf("%v: expected %d, got %d", err, want, got)
		}
	}
	if got := statusFor(io.EOF); got != http.StatusInternalServerError {
		t.Fatalf("unexpected error mapped to %d", got)
	}
}
