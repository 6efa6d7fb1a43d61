package reconciler

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"taskboard/domain"
)

// HTTPSource reads snapshots from GET /tasks and events from the
// Server-Sent Events stream at GET /stream.
type HTTPSource struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func (s *HTTPSource) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return http.DefaultClient
}

func (s *HTTPSource) newRequest(ctx context.Context, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(s.BaseURL, "/")+path, nil)
	if err != nil {
		return nil, err
	}
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}
	return req, nil
}

// Snapshot fetches the full task collection.
func (s *HTTPSource) Snapshot(ctx context.Context) ([]domain.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	req, err := s.newRequest(ctx, "/tasks")
	if err != nil {
		return nil, err
	}
	resp, err := s.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var tasks []domain.Task
	if err := sonic.Unmarshal(body, &tasks); err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	return tasks, nil
}

// Subscribe opens the event stream and waits for the server's registration
// comment.
func (s *HTTPSource) Subscribe(ctx context.Context) (Stream, error) {
	req, err := s.newRequest(ctx, "/stream")
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := s.client().Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		return nil, fmt.Errorf("stream: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	st := &sseStream{body: resp.Body, r: bufio.NewReader(resp.Body)}
	line, err := st.r.ReadString('\n')
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("stream: %w", err)
	}
	if !strings.HasPrefix(line, ":") {
		st.Close()
		return nil, fmt.Errorf("stream: expected registration comment, got %q", strings.TrimSpace(line))
	}
	return st, nil
}

type sseStream struct {
	body io.ReadCloser
	r    *bufio.Reader
}

// Next parses frames until one carries a change event. Comments and frames
// without data are skipped.
func (s *sseStream) Next(ctx context.Context) (domain.ChangeEvent, error) {
	var (
		name string
		data strings.Builder
	)
	for {
		if err := ctx.Err(); err != nil {
			return domain.ChangeEvent{}, err
		}
		line, err := s.r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return domain.ChangeEvent{}, io.ErrUnexpectedEOF
			}
			return domain.ChangeEvent{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if data.Len() == 0 {
				name = ""
				continue
			}
			if name == "" {
				name = "message"
			}
			return domain.DecodeEvent(domain.EventType(name), []byte(data.String()))
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
}

func (s *sseStream) Close() error { return s.body.Close() }
