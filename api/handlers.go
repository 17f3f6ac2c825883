// Package api is the HTTP surface of the board engine: board selection,
// optimistic commands, the rendered tree and its live stream.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"boardsync/domain"
	"boardsync/engine"
	"boardsync/mutator"
	"boardsync/position"
)

const defaultWaitTimeout = 10 * time.Second

type Options struct {
	Sessions Sessions
	Boards   Boards
	Auth     Authenticator
	// Deduper is optional; without it Idempotency-Key headers are ignored.
	Deduper Deduper
	Logger  *log.Logger
	// Registry, when set, receives the HTTP metrics served on /metrics.
	Registry *prometheus.Registry
	// Heartbeat is the keep-alive interval of /stream.
	Heartbeat time.Duration
}

type handlers struct {
	sessions  Sessions
	boards    Boards
	deduper   Deduper
	logger    *log.Logger
	heartbeat time.Duration
}

// Register wires up all routes on the provided Echo instance.
func Register(e *echo.Echo, o Options) {
	if o.Logger == nil {
		o.Logger = log.StandardLogger()
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = defaultHeartbeat
	}
	h := &handlers{
		sessions:  o.Sessions,
		boards:    o.Boards,
		deduper:   o.Deduper,
		logger:    o.Logger,
		heartbeat: o.Heartbeat,
	}
	if o.Registry != nil {
		e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
			Namespace:  "boardsync",
			Subsystem:  "http",
			Registerer: o.Registry,
		}))
		e.GET("/metrics", echoprometheus.NewHandlerWithConfig(echoprometheus.HandlerConfig{Gatherer: o.Registry}))
	}
	e.GET("/healthz", healthz)
	e.GET("/stream", h.stream, requireUser(o.Auth))

	g := e.Group("/api", requireUser(o.Auth), requestLog(o.Logger))
	g.GET("/boards", h.listBoards)
	g.POST("/boards", h.createBoard)
	g.POST("/boards/:id/open", h.openBoard)
	g.GET("/board", h.tree)
	g.PATCH("/board", h.command(updateBoard))
	g.POST("/cards", h.command(createCard))
	g.PATCH("/cards/:id", h.command(updateCard))
	g.DELETE("/cards/:id", h.command(deleteCard))
	g.POST("/lists", h.command(createList))
	g.PATCH("/lists/:id", h.command(updateList))
	g.DELETE("/lists/:id", h.command(deleteList))
	g.POST("/drag", h.command(drag))
	g.GET("/operations", h.operations)
	g.POST("/operations/:type/:id/retry", h.command(retry))
	g.POST("/operations/:type/:id/discard", h.discard)
}

func healthz(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

// statusFor maps the error taxonomy onto HTTP.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidEntity):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrOrphanReference),
		errors.Is(err, domain.ErrStaleWrite),
		errors.Is(err, domain.ErrStaleBoard),
		errors.Is(err, domain.ErrCancelled),
		errors.Is(err, engine.ErrNoBoard),
		errors.Is(err, position.ErrGapExhausted):
		return http.StatusConflict
	case errors.Is(err, domain.ErrTransientNetwork):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *handlers) fail(c echo.Context, err error) error {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.WithError(err).WithField("route", c.Path()).Error("request failed")
	}
	return c.JSON(status, errorResponse{Error: err.Error()})
}

func decodeBody(c echo.Context, v any) error {
	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid body: %v", domain.ErrInvalidEntity, err)
	}
	return nil
}

func (h *handlers) listBoards(c echo.Context) error {
	boards, err := h.boards.ListBoards(c.Request().Context(), userID(c))
	if err != nil {
		return h.fail(c, err)
	}
	if boards == nil {
		boards = []domain.Board{}
	}
	return c.JSON(http.StatusOK, boards)
}

func (h *handlers) createBoard(c echo.Context) error {
	var req createBoardRequest
	if err := decodeBody(c, &req); err != nil {
		return h.fail(c, err)
	}
	if req.Title == "" {
		return h.fail(c, fmt.Errorf("%w: board title is required", domain.ErrInvalidEntity))
	}
	b, lists, err := h.boards.CreateBoard(c.Request().Context(), domain.Board{
		Title:       req.Title,
		Description: req.Description,
		OwnerID:     userID(c),
	})
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, boardResponse{Board: b, Lists: lists})
}

// openBoard switches the caller's session to a board they own. A load that
// failed transiently continues in the background and is answered with 202.
func (h *handlers) openBoard(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	b, err := h.boards.FetchBoard(ctx, id)
	if err != nil {
		return h.fail(c, err)
	}
	if b.OwnerID != "" && b.OwnerID != userID(c) {
		return h.fail(c, fmt.Errorf("%w: board %s", domain.ErrNotFound, id))
	}
	err = h.sessions.Session(userID(c)).Open(ctx, id)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, openResponse{BoardID: id})
	case domain.Recoverable(err) || ctx.Err() != nil || errors.Is(err, engine.ErrSnapshotRejected):
		return c.JSON(http.StatusAccepted, openResponse{BoardID: id, Loading: true})
	}
	return h.fail(c, err)
}

func (h *handlers) session(c echo.Context) (*engine.Session, error) {
	s, ok := h.sessions.Lookup(userID(c))
	if !ok {
		return nil, engine.ErrNoBoard
	}
	return s, nil
}

func (h *handlers) tree(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return h.fail(c, err)
	}
	tree, err := s.Tree()
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, tree)
}

func (h *handlers) operations(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return h.fail(c, err)
	}
	ops := s.Operations()
	if ops == nil {
		ops = []engine.OperationView{}
	}
	return c.JSON(http.StatusOK, ops)
}

// commandFunc issues one optimistic operation.
type commandFunc func(c echo.Context, m *mutator.Mutator) (*mutator.Result, error)

// command answers 202 with the tentative id as soon as the operation is
// applied locally. With ?wait=true it answers once the operation settled.
func (h *handlers) command(fn commandFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		s, err := h.session(c)
		if err != nil {
			return h.fail(c, err)
		}
		m, err := s.Mutator()
		if err != nil {
			return h.fail(c, err)
		}

		key := c.Request().Header.Get(headerIdempotencyKey)
		if key != "" && h.deduper != nil {
			added, err := h.deduper.Add(ctx, userID(c), key)
			if err != nil {
				return h.fail(c, fmt.Errorf("record idempotency key: %w", err))
			}
			if !added {
				return c.JSON(http.StatusConflict, errorResponse{Error: "duplicate command"})
			}
		}

		r, err := fn(c, m)
		if err != nil {
			if key != "" && h.deduper != nil {
				if rmErr := h.deduper.Remove(context.WithoutCancel(ctx), userID(c), key); rmErr != nil {
					h.logger.WithError(rmErr).Warn("failed to release idempotency key")
				}
			}
			return h.fail(c, err)
		}

		resp := newCommandResponse(r)
		if c.QueryParam("wait") != "true" {
			return c.JSON(http.StatusAccepted, resp)
		}
		waitCtx, cancel := context.WithTimeout(ctx, defaultWaitTimeout)
		defer cancel()
		err = r.Wait(waitCtx)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return c.JSON(http.StatusAccepted, resp)
		}
		resp.ID = r.ID()
		resp.Settled = true
		if err != nil {
			resp.Error = err.Error()
			return c.JSON(statusFor(err), resp)
		}
		return c.JSON(http.StatusOK, resp)
	}
}

func (h *handlers) discard(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return h.fail(c, err)
	}
	m, err := s.Mutator()
	if err != nil {
		return h.fail(c, err)
	}
	t, err := entityType(c.Param("type"))
	if err != nil {
		return h.fail(c, err)
	}
	if err := m.Discard(t, c.Param("id")); err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func entityType(s string) (domain.EntityType, error) {
	switch t := domain.EntityType(s); t {
	case domain.EntityBoard, domain.EntityList, domain.EntityCard:
		return t, nil
	}
	return "", fmt.Errorf("%w: entity type %q", domain.ErrInvalidEntity, s)
}
