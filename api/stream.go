package api

import (
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
)

const defaultHeartbeat = 15 * time.Second

// stream sends the caller's tree as server-sent events, once on connect and
// again after every change. Nothing is sent while no board is loaded.
func (h *handlers) stream(c echo.Context) error {
	s := h.sessions.Session(userID(c))
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	flusher, ok := res.Writer.(http.Flusher)
	if !ok {
		return c.String(http.StatusInternalServerError, "stream unsupported")
	}
	res.WriteHeader(http.StatusOK)
	flusher.Flush()

	changed, stop := s.Watch()
	defer stop()
	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()
	ctx := c.Request().Context()

	send := true
	for {
		if send {
			if tree, err := s.Tree(); err == nil {
				data, err := sonic.Marshal(tree)
				if err != nil {
					h.logger.WithError(err).Error("encode tree")
					return err
				}
				if _, err := res.Write([]byte("event: tree\ndata: ")); err != nil {
					return nil
				}
				if _, err := res.Write(data); err != nil {
					return nil
				}
				if _, err := res.Write([]byte("\n\n")); err != nil {
					return nil
				}
				flusher.Flush()
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-changed:
			if !ok {
				return nil
			}
			send = true
		case <-heartbeat.C:
			if _, err := res.Write([]byte(": ping\n\n")); err != nil {
				return nil
			}
			flusher.Flush()
			send = false
		}
	}
}
