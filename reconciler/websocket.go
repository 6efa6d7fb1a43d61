package reconciler

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"taskboard/domain"
)

const defaultHelloTimeout = 10 * time.Second

// WebSocketSource reads events from GET /ws and snapshots over HTTP.
type WebSocketSource struct {
	HTTPSource
	Dialer *websocket.Dialer
	// HelloTimeout bounds the wait for the hello frame. Zero means 10s.
	HelloTimeout time.Duration
}

func (s *WebSocketSource) wsURL() (string, error) {
	u, err := url.Parse(strings.TrimRight(s.BaseURL, "/") + "/ws")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String(), nil
}

// Subscribe dials the websocket and waits for the hello frame.
func (s *WebSocketSource) Subscribe(ctx context.Context) (Stream, error) {
	target, err := s.wsURL()
	if err != nil {
		return nil, err
	}
	dialer := s.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	if s.Token != "" {
		header.Set("Authorization", "Bearer "+s.Token)
	}
	conn, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket: dial status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket: %w", err)
	}
	ws := &wsStream{conn: conn, done: make(chan struct{})}
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-ws.done:
		}
	}()

	timeout := s.HelloTimeout
	if timeout <= 0 {
		timeout = defaultHelloTimeout
	}
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		ws.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("websocket: waiting for hello: %w", err)
	}
	var hello struct {
		Event string `json:"event"`
	}
	if err := sonic.Unmarshal(msg, &hello); err != nil || hello.Event != "hello" {
		ws.Close()
		return nil, fmt.Errorf("websocket: expected hello frame, got %q", msg)
	}
	_ = conn.SetReadDeadline(time.Time{})
	return ws, nil
}

type wsStream struct {
	conn *websocket.Conn
	done chan struct{}
}

func (s *wsStream) Next(ctx context.Context) (domain.ChangeEvent, error) {
	for {
		mt, msg, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return domain.ChangeEvent{}, ctx.Err()
			}
			return domain.ChangeEvent{}, err
		}
		if mt != websocket.TextMessage {
			continue
		}
		return domain.DecodeEnvelope(msg)
	}
}

func (s *wsStream) Close() error {
	select {
	case <-s.done:
		return nil
	default:
		close(s.done)
	}
	return s.conn.Close()
}
