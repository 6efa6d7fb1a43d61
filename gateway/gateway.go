package gateway

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"taskboard/domain"
)

// Store is the durable record of tasks.
type Store interface {
	Find(ctx context.Context, filter domain.TaskFilter) ([]domain.Task, error)
	FindByID(ctx context.Context, id string) (*domain.Task, error)
	CreateOne(ctx context.Context, t domain.Task) error
	// UpdateOneByID applies patch atomically and returns the resulting record,
	// or nil when id does not exist.
	UpdateOneByID(ctx context.Context, id string, patch domain.TaskPatch, now time.Time) (*domain.Task, error)
	DeleteOneByID(ctx context.Context, id string) (bool, error)
}

// Actors answers whether a user id is known.
type Actors interface {
	ActorExists(ctx context.Context, id string) (bool, error)
}

// EventSink receives one change event per successful mutation.
type EventSink interface {
	Publish(ev domain.ChangeEvent)
}

// Deduper remembers which task a creation request key produced.
type Deduper interface {
	// Reserve binds key to taskID unless it is already bound, in which case
	// the existing task id is returned with fresh=false.
	Reserve(ctx context.Context, actorID, key, taskID string) (existing string, fresh bool, err error)
}

// Options holds the optional collaborators of a Gateway.
type Options struct {
	Logger  *log.Logger
	Tracer  trace.Tracer
	Deduper Deduper
	Now     func() time.Time
}

const lockStripes = 64

type createState int

const (
	createInFlight createState = iota + 1
	// createUnsettled marks a keyed creation whose store call failed. The
	// write may still have committed, so Created is owed once it shows up.
	createUnsettled
)

// Gateway validates and applies task mutations and emits the resulting
// change events.
type Gateway struct {
	store   Store
	actors  Actors
	sink    EventSink
	deduper Deduper
	logger  *log.Logger
	tracer  trace.Tracer
	now     func() time.Time

	locks [lockStripes]sync.Mutex

	mu       sync.Mutex
	creating map[string]createState
}

// New builds a gateway writing to store and emitting into sink.
func New(store Store, actors Actors, sink EventSink, opts Options) *Gateway {
	g := &Gateway{
		store:   store,
		actors:  actors,
		sink:    sink,
		deduper: opts.Deduper,
		logger:  opts.Logger,
		tracer:  opts.Tracer,
		now:     opts.Now,

		creating: make(map[string]createState),
	}
	if g.logger == nil {
		g.logger = log.StandardLogger()
	}
	if g.tracer == nil {
		g.tracer = otel.Tracer("taskboard/gateway")
	}
	if g.now == nil {
		g.now = time.Now
	}
	return g
}

func (g *Gateway) lock(id string) func() {
	h := fnv.New32a()
	h.Write([]byte(id))
	mu := &g.locks[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

func (g *Gateway) stateOf(id string) createState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.creating[id]
}

func (g *Gateway) setCreateState(id string, st createState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st == 0 {
		delete(g.creating, id)
		return
	}
	g.creating[id] = st
}

func (g *Gateway) unavailable(op string, err error) error {
	var nf *domain.NotFoundError
	var ve *domain.ValidationError
	var su *domain.StoreUnavailableError
	if errors.As(err, &nf) || errors.As(err, &ve) || errors.As(err, &su) || errors.Is(err, domain.ErrConcurrencyConflict) {
		return err
	}
	return &domain.StoreUnavailableError{Op: op, Err: err}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("outcome", outcome(err)))
	} else {
		span.SetAttributes(attribute.String("outcome", "ok"))
	}
	span.End()
}

func outcome(err error) string {
	var nf *domain.NotFoundError
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		return "invalid"
	case errors.As(err, &nf):
		return "not_found"
	case errors.Is(err, domain.ErrConcurrencyConflict):
		return "conflict"
	default:
		return "store_unavailable"
	}
}

// List returns the tasks matching filter, newest first.
func (g *Gateway) List(ctx context.Context, filter domain.TaskFilter) ([]domain.Task, error) {
	tasks, err := g.store.Find(ctx, filter)
	if err != nil {
		return nil, g.unavailable("find", err)
	}
	return tasks, nil
}

// Create validates in on behalf of actorID, persists the new task and emits
// Created. When idemKey is set and a deduper is configured, a repeated key
// returns the originally created task with replayed=true. The key survives a
// failed store call, see replay.
func (g *Gateway) Create(ctx context.Context, actorID, idemKey string, in domain.CreateTaskInput) (task domain.Task, replayed bool, err error) {
	ctx, span := g.tracer.Start(ctx, "gateway.create")
	defer func() { endSpan(span, err) }()

	nt, verr := in.Validate()
	var vfields []domain.FieldError
	if verr != nil {
		var ve *domain.ValidationError
		if !errors.As(verr, &ve) {
			return domain.Task{}, false, verr
		}
		vfields = append(vfields, ve.Fields...)
	}
	ok, err := g.actors.ActorExists(ctx, actorID)
	if err != nil {
		return domain.Task{}, false, g.unavailable("actor lookup", err)
	}
	if !ok {
		vfields = append(vfields, domain.FieldError{Field: "creatorId", Message: "unknown actor"})
	}
	if verr == nil && nt.AssignedToID != "" {
		ok, err := g.actors.ActorExists(ctx, nt.AssignedToID)
		if err != nil {
			return domain.Task{}, false, g.unavailable("actor lookup", err)
		}
		if !ok {
			vfields = append(vfields, domain.FieldError{Field: "assignedToId", Message: "unknown actor"})
		}
	}
	if len(vfields) > 0 {
		return domain.Task{}, false, &domain.ValidationError{Fields: vfields}
	}

	now := domain.Timestamp(g.now())
	task = domain.Task{
		ID:           ulid.Make().String(),
		Title:        nt.Title,
		Description:  nt.Description,
		DueDate:      nt.DueDate,
		Priority:     nt.Priority,
		Status:       domain.StatusToDo,
		CreatorID:    actorID,
		AssignedToID: nt.AssignedToID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	keyed := idemKey != "" && g.deduper != nil
	if keyed {
		g.setCreateState(task.ID, createInFlight)
		existing, fresh, err := g.deduper.Reserve(ctx, actorID, idemKey, task.ID)
		if err != nil || !fresh {
			g.setCreateState(task.ID, 0)
		}
		if err != nil {
			return domain.Task{}, false, g.unavailable("idempotency", err)
		}
		if !fresh {
			span.SetAttributes(attribute.Bool("replayed", true), attribute.String("task.id", existing))
			return g.replay(ctx, actorID, existing, task)
		}
	}
	span.SetAttributes(attribute.String("task.id", task.ID))

	unlock := g.lock(task.ID)
	defer unlock()
	if err := g.store.CreateOne(ctx, task); err != nil {
		if keyed {
			g.setCreateState(task.ID, createUnsettled)
		}
		return domain.Task{}, false, g.unavailable("create", err)
	}
	if keyed {
		g.setCreateState(task.ID, 0)
	}
	g.sink.Publish(domain.Created(task))
	g.logger.WithFields(log.Fields{"task": task.ID, "actor": actorID}).Debug("task created")
	return task, false, nil
}

// replay answers a repeated idempotency key bound to id. The recorded task is
// returned as is. When it is missing and the first attempt is no longer
// running, the creation is retried under the reserved id with this request's
// input.
func (g *Gateway) replay(ctx context.Context, actorID, id string, retry domain.Task) (domain.Task, bool, error) {
	if g.stateOf(id) == createInFlight {
		return domain.Task{}, false, domain.ErrConcurrencyConflict
	}
	unlock := g.lock(id)
	defer unlock()
	prev, err := g.store.FindByID(ctx, id)
	if err != nil {
		return domain.Task{}, false, g.unavailable("find", err)
	}
	if prev != nil {
		if g.stateOf(id) == createUnsettled {
			g.setCreateState(id, 0)
			g.sink.Publish(domain.Created(*prev))
		}
		return *prev, true, nil
	}

	retry.ID = id
	if err := g.store.CreateOne(ctx, retry); err != nil {
		g.setCreateState(id, createUnsettled)
		return domain.Task{}, false, g.unavailable("create", err)
	}
	g.setCreateState(id, 0)
	g.sink.Publish(domain.Created(retry))
	g.logger.WithFields(log.Fields{"task": id, "actor": actorID}).Info("keyed creation retried")
	return retry, false, nil
}

// Update applies the validated patch to task id and emits Updated with the
// full resulting record.
func (g *Gateway) Update(ctx context.Context, id string, in domain.UpdateTaskInput) (task domain.Task, err error) {
	ctx, span := g.tracer.Start(ctx, "gateway.update", trace.WithAttributes(attribute.String("task.id", id)))
	defer func() { endSpan(span, err) }()

	patch, err := in.Validate()
	if err != nil {
		return domain.Task{}, err
	}
	unlock := g.lock(id)
	defer unlock()
	updated, err := g.store.UpdateOneByID(ctx, id, patch, domain.Timestamp(g.now()))
	if err != nil {
		return domain.Task{}, g.unavailable("update", err)
	}
	if updated == nil {
		return domain.Task{}, &domain.NotFoundError{ID: id}
	}
	g.sink.Publish(domain.Updated(*updated))
	g.logger.WithField("task", id).Debug("task updated")
	return *updated, nil
}

// Delete removes task id, emits Deleted and returns the removed record.
func (g *Gateway) Delete(ctx context.Context, id string) (task domain.Task, err error) {
	ctx, span := g.tracer.Start(ctx, "gateway.delete", trace.WithAttributes(attribute.String("task.id", id)))
	defer func() { endSpan(span, err) }()

	unlock := g.lock(id)
	defer unlock()
	cur, err := g.store.FindByID(ctx, id)
	if err != nil {
		return domain.Task{}, g.unavailable("find", err)
	}
	if cur == nil {
		return domain.Task{}, &domain.NotFoundError{ID: id}
	}
	removed, err := g.store.DeleteOneByID(ctx, id)
	if err != nil {
		return domain.Task{}, g.unavailable("delete", err)
	}
	if !removed {
		return domain.Task{}, &domain.NotFoundError{ID: id}
	}
	g.sink.Publish(domain.Deleted(id))
	g.logger.WithField("task", id).Debug("task deleted")
	return *cur, nil
}
