package api

import (
	"context"

	"taskboard/domain"
	"taskboard/hub"
)

// TaskGateway applies task mutations and serves listings.
type TaskGateway interface {
	List(ctx context.Context, filter domain.TaskFilter) ([]domain.Task, error)
	Create(ctx context.Context, actorID, idemKey string, in domain.CreateTaskInput) (domain.Task, bool, error)
	Update(ctx context.Context, id string, in domain.UpdateTaskInput) (domain.Task, error)
	Delete(ctx context.Context, id string) (domain.Task, error)
}

// ActorStore lists and registers actors.
type ActorStore interface {
	ListActors(ctx context.Context) ([]domain.Actor, error)
	UpsertActor(ctx context.Context, a domain.Actor) error
}

// Pinger reports whether the durable store answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Authenticator resolves the caller identity from an Authorization header.
type Authenticator interface {
	IdentityFromAuthHeader(string) (Identity, error)
}

// Broadcaster registers push sessions.
type Broadcaster interface {
	Register(transport string) *hub.Session
	Unregister(s *hub.Session)
	Stats() hub.Stats
}

// Identity is the authenticated caller.
type Identity struct {
	ID    string
	Name  string
	Email string
}

type deleteResponse struct {
	Message string      `json:"message"`
	Task    domain.Task `json:"task"`
}

type profileRequest struct {
	Name  *string `json:"name"`
	Email *string `json:"email"`
}

// expandedTask is a task listing entry with its actors resolved.
type expandedTask struct {
	domain.Task
	Creator  *domain.Actor `json:"creator,omitempty"`
	Assignee *domain.Actor `json:"assignee,omitempty"`
}

type healthResponse struct {
	Status string    `json:"status"`
	Hub    hub.Stats `json:"hub"`
}
