package subscription

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

// DefaultChannel is the redis channel used when none is configured.
const DefaultChannel = "taskboard:events"

// ResyncEvent is the relay control message telling every instance that
// events were lost and all sessions must reload a snapshot.
const ResyncEvent domain.EventType = "relay:resync"

const (
	defaultBuffer         = 1024
	defaultHandoffTimeout = 50 * time.Millisecond
	publishTimeout        = 5 * time.Second
	resyncRetryInterval   = time.Second
	resubscribeDelay      = time.Second
)

// Sink receives relayed events, typically the local hub.
type Sink interface {
	Publish(ev domain.ChangeEvent)
	// EvictAll closes every session as lagged so its client resynchronizes.
	EvictAll(reason string) int
}

// Relay publishes change events to a redis channel so that every server
// instance observes the same global order. A single worker drains the
// hand-off queue to keep emission order.
//
// An event that never reaches redis evicts the local sessions at once and
// leaves a pending resync notice that the worker publishes to the other
// instances as soon as redis accepts it.
type Relay struct {
	client  *redis.Client
	channel string
	local   Sink
	logger  *log.Logger
	handoff time.Duration

	lost atomic.Bool

	mu     sync.RWMutex
	jobs   chan domain.ChangeEvent
	wg     sync.WaitGroup
	closed bool
}

// NewRelay starts the publishing worker. buffer bounds the hand-off queue.
// local, when set, is evicted whenever an event is lost.
func NewRelay(client *redis.Client, channel string, buffer int, local Sink, logger *log.Logger) *Relay {
	if channel == "" {
		channel = DefaultChannel
	}
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	r := &Relay{
		client:  client,
		channel: channel,
		local:   local,
		logger:  logger,
		handoff: defaultHandoffTimeout,
		jobs:    make(chan domain.ChangeEvent, buffer),
	}
	r.wg.Add(1)
	go r.worker()
	logger.Infof("event relay started, channel: %s, buffer: %d", channel, buffer)
	return r
}

func (r *Relay) worker() {
	defer r.wg.Done()
	ticker := time.NewTicker(resyncRetryInterval)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-r.jobs:
			if !ok {
				r.flushResync()
				return
			}
			r.flushResync()
			r.send(ev)
		case <-ticker.C:
			r.flushResync()
		}
	}
}

func (r *Relay) send(ev domain.ChangeEvent) {
	fields := log.Fields{"task": ev.TaskID, "event": string(ev.Type)}
	payload, err := ev.EncodeEnvelope()
	if err != nil {
		r.logger.WithError(err).WithFields(fields).Error("encode relayed event")
		r.markLost("relay encode failed")
		return
	}
	if err := r.publish(payload); err != nil {
		r.logger.WithError(err).WithFields(fields).Error("relay publish failed")
		r.markLost("relay publish failed")
	}
}

func (r *Relay) publish(payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return r.client.Publish(ctx, r.channel, payload).Err()
}

// markLost evicts the local sessions and schedules a resync notice for the
// other instances.
func (r *Relay) markLost(reason string) {
	r.lost.Store(true)
	if r.local != nil {
		r.local.EvictAll(reason)
	}
}

// flushResync publishes the pending resync notice, if any.
func (r *Relay) flushResync() {
	if !r.lost.CompareAndSwap(true, false) {
		return
	}
	payload, err := sonic.Marshal(domain.Envelope{Event: ResyncEvent, Data: []byte(`null`)})
	if err == nil {
		err = r.publish(payload)
	}
	if err != nil {
		r.lost.Store(true)
		r.logger.WithError(err).Debug("resync notice not published, will retry")
		return
	}
	r.logger.Warn("resync notice published")
}

// Publish hands ev to the worker. When the queue stays full past the
// hand-off timeout the event is dropped and every session is sent to resync.
func (r *Relay) Publish(ev domain.ChangeEvent) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.jobs <- ev:
		return
	default:
	}
	timer := time.NewTimer(r.handoff)
	defer timer.Stop()
	select {
	case r.jobs <- ev:
	case <-timer.C:
		r.logger.WithFields(log.Fields{"task": ev.TaskID, "event": string(ev.Type)}).Error("relay queue saturated, event dropped")
		r.markLost("relay queue saturated")
	}
}

// Stop drains queued events and stops the worker.
func (r *Relay) Stop() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.jobs)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// Subscribe feeds every event received on the relay channel into sink until
// ctx ends, reconnecting when the subscription drops. Events published while
// no subscription was active are unknown, so every resubscription after a gap
// evicts the sink's sessions.
func Subscribe(ctx context.Context, logger *log.Logger, rc *redis.Client, channel string, sink Sink) {
	if channel == "" {
		channel = DefaultChannel
	}
	gap := false
	for {
		sub := rc.Subscribe(ctx, channel)
		if _, err := sub.Receive(ctx); err != nil {
			_ = sub.Close()
			if ctx.Err() != nil {
				return
			}
			gap = true
			logger.WithError(err).Error("relay subscribe failed, retrying")
			if !sleepCtx(ctx, resubscribeDelay) {
				return
			}
			continue
		}
		if gap {
			sink.EvictAll("relay resubscribed")
			gap = false
		}
		// The client reconnects on its own; a fresh subscribe confirmation
		// means the connection dropped and events may have been missed.
		ch := sub.ChannelWithSubscriptions()
	loop:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop
				}
				switch m := msg.(type) {
				case *redis.Subscription:
					if m.Kind == "subscribe" {
						sink.EvictAll("relay resubscribed")
					}
				case *redis.Message:
					dispatch(logger, sink, m.Payload)
				}
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		gap = true
		logger.Error("pubsub channel closed, reconnecting")
		if !sleepCtx(ctx, resubscribeDelay) {
			return
		}
	}
}

func dispatch(logger *log.Logger, sink Sink, payload string) {
	var env domain.Envelope
	if err := sonic.Unmarshal([]byte(payload), &env); err != nil {
		logger.WithError(err).Error("unable to parse relayed event")
		return
	}
	if env.Event == ResyncEvent {
		sink.EvictAll("relay reported lost events")
		return
	}
	ev, err := domain.DecodeEvent(env.Event, env.Data)
	if err != nil {
		logger.WithError(err).Error("unable to parse relayed event")
		return
	}
	sink.Publish(ev)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
