package api

import (
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

const (
	wsWriteWait = 10 * time.Second
	// HelloEvent is the first frame on a websocket, sent once the session is
	// registered with the hub.
	HelloEvent = "hello"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type helloFrame struct {
	Event string    `json:"event"`
	Data  helloData `json:"data"`
}

type helloData struct {
	Session string `json:"session"`
}

// websocketEvents pushes every change event as a {"event","data"} text frame.
// Clients only listen; any inbound data frame is ignored.
func websocketEvents(h Broadcaster, auth Authenticator, logger *log.Logger, heartbeat time.Duration) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := auth.IdentityFromAuthHeader(authHeader(c, true))
		if err != nil {
			return unauthorized(c, err)
		}
		conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			// Upgrade already wrote the error response.
			return nil
		}
		defer conn.Close()

		session := h.Register("ws")
		defer h.Unregister(session)
		entry := logger.WithFields(log.Fields{"session": session.ID.String(), "actor": id.ID, "transport": "ws"})

		hello, _ := sonic.Marshal(helloFrame{Event: HelloEvent, Data: helloData{Session: session.ID.String()}})
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
			return nil
		}

		closed := make(chan struct{})
		conn.SetReadLimit(maxBodySize)
		_ = conn.SetReadDeadline(time.Now().Add(2 * heartbeat))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(2 * heartbeat))
		})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		for {
			select {
			case ev, ok := <-session.Events():
				if !ok {
					msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
					if session.Lagged() {
						entry.Warn("websocket closed, session fell behind")
						msg = websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "lagged")
					}
					_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
					return nil
				}
				frame, err := ev.EncodeEnvelope()
				if err != nil {
					// The client would miss this event, so send it back to a snapshot.
					entry.WithError(err).WithField("task", ev.TaskID).Error("encode event, closing for resync")
					msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "resync")
					_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
					return nil
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
					entry.WithError(err).Debug("websocket write failed")
					return nil
				}
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					return nil
				}
			case <-closed:
				entry.Debug("websocket closed by client")
				return nil
			}
		}
	}
}
