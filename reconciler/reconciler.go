package reconciler

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

// State is the connection state of a Reconciler.
type State int32

const (
	Disconnected State = iota
	Connecting
	Synced
	Reconciling
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Synced:
		return "synced"
	case Reconciling:
		return "reconciling"
	default:
		return "disconnected"
	}
}

// Stream yields change events from one push connection.
type Stream interface {
	Next(ctx context.Context) (domain.ChangeEvent, error)
	Close() error
}

// Source connects a Reconciler to a server. Subscribe must not return before
// the server has registered the push session.
type Source interface {
	Subscribe(ctx context.Context) (Stream, error)
	Snapshot(ctx context.Context) ([]domain.Task, error)
}

const (
	DefaultMinBackoff = time.Second
	DefaultMaxBackoff = 5 * time.Second
)

// Options tunes a Reconciler.
type Options struct {
	Logger     *log.Logger
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// OnChange runs after every state transition, on the Run goroutine.
	OnChange func(State, *View)
}

// Reconciler keeps a View consistent with the server: it subscribes to the
// push stream, loads a full snapshot, then folds each event into the view.
// Any stream failure restarts the cycle from a fresh snapshot.
type Reconciler struct {
	src      Source
	view     *View
	logger   *log.Logger
	onChange func(State, *View)
	min, max time.Duration

	mu    sync.RWMutex
	state State
}

func New(src Source, opts Options) *Reconciler {
	r := &Reconciler{
		src:      src,
		view:     NewView(),
		logger:   opts.Logger,
		onChange: opts.OnChange,
		min:      opts.MinBackoff,
		max:      opts.MaxBackoff,
	}
	if r.logger == nil {
		r.logger = log.StandardLogger()
	}
	if r.min <= 0 {
		r.min = DefaultMinBackoff
	}
	if r.max < r.min {
		r.max = DefaultMaxBackoff
		if r.max < r.min {
			r.max = r.min
		}
	}
	return r
}

// View returns the live view.
func (r *Reconciler) View() *View { return r.view }

// State returns the current state.
func (r *Reconciler) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *Reconciler) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
	if r.onChange != nil {
		r.onChange(s, r.view)
	}
}

// Run reconciles until ctx ends. It always returns ctx.Err().
func (r *Reconciler) Run(ctx context.Context) error {
	backoff := r.min
	for {
		synced, err := r.connect(ctx)
		r.setState(Disconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if synced {
			backoff = r.min
		}
		r.logger.WithError(err).WithField("retry_in", backoff.String()).Warn("reconciler disconnected")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > r.max {
			backoff = r.max
		}
	}
}

type streamResult struct {
	ev  domain.ChangeEvent
	err error
}

// connect runs one connection cycle and reports whether it reached Synced.
func (r *Reconciler) connect(ctx context.Context) (bool, error) {
	r.setState(Connecting)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := r.src.Subscribe(ctx)
	if err != nil {
		return false, err
	}
	defer stream.Close()

	// Events arriving while the snapshot loads queue here and are applied
	// after it.
	results := make(chan streamResult, 256)
	go func() {
		defer close(results)
		for {
			ev, err := stream.Next(ctx)
			select {
			case results <- streamResult{ev: ev, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	tasks, err := r.src.Snapshot(ctx)
	if err != nil {
		return false, err
	}
	r.view.Replace(tasks)
	r.setState(Synced)
	r.logger.WithField("tasks", len(tasks)).Debug("reconciler synced")

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case res, ok := <-results:
			if !ok {
				return true, errors.New("stream ended")
			}
			if res.err != nil {
				return true, res.err
			}
			r.setState(Reconciling)
			r.view.Apply(res.ev)
			r.setState(Synced)
		}
	}
}
