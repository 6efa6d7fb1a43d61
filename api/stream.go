package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

const defaultHeartbeat = 30 * time.Second

// writeSSE writes one change event as a named Server-Sent Event.
func writeSSE(w http.ResponseWriter, ev domain.ChangeEvent) error {
	data, err := ev.EncodePayload()
	if err != nil {
		return err
	}
	buf := make([]byte, 0, len(data)+len(ev.Type)+16)
	buf = append(buf, "event: "...)
	buf = append(buf, string(ev.Type)...)
	buf = append(buf, "\ndata: "...)
	buf = append(buf, data...)
	buf = append(buf, "\n\n"...)
	_, err = w.Write(buf)
	return err
}

// streamEvents pushes every change event to the caller as Server-Sent
// Events. The initial ":ok" comment is written after the session is
// registered, so a client that sees it will not miss later events.
func streamEvents(h Broadcaster, auth Authenticator, logger *log.Logger, heartbeat time.Duration) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := auth.IdentityFromAuthHeader(authHeader(c, true))
		if err != nil {
			return unauthorized(c, err)
		}
		res := c.Response()
		flusher, ok := res.Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}
		session := h.Register("sse")
		defer h.Unregister(session)

		res.Header().Set(echo.HeaderContentType, "text/event-stream")
		res.Header().Set(echo.HeaderCacheControl, "no-cache")
		res.Header().Set(echo.HeaderConnection, "keep-alive")
		res.Header().Set("X-Accel-Buffering", "no")
		res.WriteHeader(http.StatusOK)
		if _, err := res.Write([]byte(":ok\n\n")); err != nil {
			return nil
		}
		flusher.Flush()

		entry := logger.WithFields(log.Fields{"session": session.ID.String(), "actor": id.ID, "transport": "sse"})
		entry.Debug("stream opened")
		ctx := c.Request().Context()
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		for {
			select {
			case ev, ok := <-session.Events():
				if !ok {
					if session.Lagged() {
						entry.Warn("stream closed, session fell behind")
					}
					return nil
				}
				if err := writeSSE(res, ev); err != nil {
					entry.WithError(err).Debug("stream write failed")
					return nil
				}
				flusher.Flush()
			case <-ticker.C:
				if _, err := res.Write([]byte(":keepalive\n\n")); err != nil {
					return nil
				}
				flusher.Flush()
			case <-ctx.Done():
				entry.Debug("stream closed by client")
				return nil
			}
		}
	}
}
