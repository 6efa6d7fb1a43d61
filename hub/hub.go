package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

// DefaultBuffer is the per-session event buffer used when none is configured.
const DefaultBuffer = 64

// Session is one connected observer. It is created by Register and owned by
// the hub until Unregister or eviction.
type Session struct {
	ID          uuid.UUID
	ConnectedAt time.Time
	Transport   string

	events  chan domain.ChangeEvent
	lagged  atomic.Bool
	closing sync.Once
}

// Events delivers the change events addressed to the session. The channel is
// closed when the session is unregistered or evicted.
func (s *Session) Events() <-chan domain.ChangeEvent { return s.events }

// Lagged reports whether the session was evicted for falling behind.
func (s *Session) Lagged() bool { return s.lagged.Load() }

func (s *Session) close() {
	s.closing.Do(func() { close(s.events) })
}

// Stats is a point-in-time view of hub counters.
type Stats struct {
	Sessions  int    `json:"sessions"`
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Evicted   uint64 `json:"evicted"`
}

// Hub fans change events out to every registered session.
type Hub struct {
	logger *log.Logger
	buffer int

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
	closed   bool

	published atomic.Uint64
	dropped   atomic.Uint64
	evicted   atomic.Uint64
}

// New creates a hub whose sessions buffer up to buffer events.
func New(logger *log.Logger, buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Hub{logger: logger, buffer: buffer, sessions: make(map[uuid.UUID]*Session)}
}

// Register adds a new session for the given transport. After a Close the
// returned session is already closed.
func (h *Hub) Register(transport string) *Session {
	s := &Session{
		ID:          uuid.New(),
		ConnectedAt: time.Now().UTC(),
		Transport:   transport,
		events:      make(chan domain.ChangeEvent, h.buffer),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		s.close()
		return s
	}
	h.sessions[s.ID] = s
	h.logger.WithFields(log.Fields{
		"session":   s.ID.String(),
		"transport": transport,
		"sessions":  len(h.sessions),
	}).Debug("session registered")
	return s
}

// Unregister removes s. Calling it more than once, or for an evicted
// session, is a no-op.
func (h *Hub) Unregister(s *Session) {
	if s == nil {
		return
	}
	h.mu.Lock()
	if cur, ok := h.sessions[s.ID]; ok && cur == s {
		delete(h.sessions, s.ID)
		h.logger.WithFields(log.Fields{
			"session":  s.ID.String(),
			"sessions": len(h.sessions),
		}).Debug("session unregistered")
	}
	h.mu.Unlock()
	s.close()
}

// Publish delivers ev to every session without blocking. Publish calls are
// serialized so all sessions observe the same order. A session whose buffer
// is full is marked lagged and evicted.
func (h *Hub) Publish(ev domain.ChangeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.published.Add(1)
	for id, s := range h.sessions {
		select {
		case s.events <- ev:
		default:
			h.dropped.Add(1)
			h.evicted.Add(1)
			s.lagged.Store(true)
			delete(h.sessions, id)
			s.close()
			h.logger.WithFields(log.Fields{
				"session":   id.String(),
				"transport": s.Transport,
				"event":     string(ev.Type),
				"task":      ev.TaskID,
			}).Warn("session buffer full, evicting")
		}
	}
}

// EvictAll marks every session lagged and closes it, so each client falls
// back to a full snapshot. It is used when events may have been lost before
// reaching the hub. It returns the number of evicted sessions.
func (h *Hub) EvictAll(reason string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for id, s := range h.sessions {
		s.lagged.Store(true)
		delete(h.sessions, id)
		s.close()
		n++
	}
	h.evicted.Add(uint64(n))
	if n > 0 {
		h.logger.WithFields(log.Fields{"sessions": n, "reason": reason}).Warn("evicting all sessions for resync")
	}
	return n
}

// Close evicts every session and rejects further registrations.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, s := range h.sessions {
		delete(h.sessions, id)
		s.close()
	}
}

// Stats returns the current counters.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	n := len(h.sessions)
	h.mu.Unlock()
	return Stats{Sessions: n, Published: h.published.Load(), Dropped: h.dropped.Load(), Evicted: h.evicted.Load()}
}
