package api

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

const healthPingTimeout = 2 * time.Second

// Services bundles the collaborators of the HTTP surface.
type Services struct {
	Tasks     TaskGateway
	Actors    ActorStore
	Store     Pinger
	Hub       Broadcaster
	Auth      Authenticator
	Logger    *log.Logger
	Heartbeat time.Duration
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, s Services) {
	if s.Logger == nil {
		s.Logger = log.StandardLogger()
	}
	if s.Heartbeat <= 0 {
		s.Heartbeat = defaultHeartbeat
	}
	e.GET("/tasks", getTasks(s.Tasks, s.Actors, s.Auth, s.Logger))
	e.POST("/tasks", postTask(s.Tasks, s.Auth, s.Logger))
	e.PATCH("/tasks/:id", patchTask(s.Tasks, s.Auth, s.Logger))
	e.PUT("/tasks/:id", patchTask(s.Tasks, s.Auth, s.Logger))
	e.DELETE("/tasks/:id", deleteTask(s.Tasks, s.Auth, s.Logger))
	e.GET("/users", getUsers(s.Actors, s.Auth, s.Logger))
	e.PUT("/users/me", putProfile(s.Actors, s.Auth, s.Logger))
	e.GET("/stream", streamEvents(s.Hub, s.Auth, s.Logger, s.Heartbeat))
	e.GET("/ws", websocketEvents(s.Hub, s.Auth, s.Logger, s.Heartbeat))
	e.GET("/healthz", healthz(s.Hub, s.Store))
}

// healthz reports hub statistics. It answers 503 when store is set and does
// not respond to a ping.
func healthz(h Broadcaster, store Pinger) echo.HandlerFunc {
	return func(c echo.Context) error {
		if store != nil {
			ctx, cancel := context.WithTimeout(c.Request().Context(), healthPingTimeout)
			defer cancel()
			if err := store.Ping(ctx); err != nil {
				return c.JSON(http.StatusServiceUnavailable, healthResponse{Status: "store_unavailable", Hub: h.Stats()})
			}
		}
		return c.JSON(http.StatusOK, healthResponse{Status: "ok", Hub: h.Stats()})
	}
}

// decodeStrict decodes a bounded JSON body and rejects unknown fields.
func decodeStrict(c echo.Context, dst any) error {
	lr := io.LimitReader(c.Request().Body, maxBodySize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// getTasks lists tasks. With expand=actors every task also carries the name
// and email of its creator and assignee.
func getTasks(tasks TaskGateway, actors ActorStore, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics := newTaskRequestMetrics(logger)
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		_, authErr := auth.IdentityFromAuthHeader(authHeader(c, false))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			return unauthorized(c, authErr)
		}

		status, priority := strings.TrimSpace(c.QueryParam("status")), strings.TrimSpace(c.QueryParam("priority"))
		metrics.SetFiltered(status != "" || priority != "")
		filter, ferr := domain.ParseFilter(status, priority)
		if ferr != nil {
			metrics.SetErrorStage("invalid_filter")
			return writeError(c, logger, ferr)
		}

		fetchStart := time.Now()
		list, fetchErr := tasks.List(ctx, filter)
		metrics.ObserveFetch(time.Since(fetchStart))
		if fetchErr != nil {
			metrics.SetErrorStage("storage")
			return writeError(c, logger, fetchErr)
		}
		metrics.SetTasksReturned(len(list))

		var body any = list
		if c.QueryParam("expand") == "actors" {
			all, actorErr := actors.ListActors(ctx)
			if actorErr != nil {
				metrics.SetErrorStage("storage")
				return writeError(c, logger, &domain.StoreUnavailableError{Op: "list actors", Err: actorErr})
			}
			body = expandActors(list, all)
		}

		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, body)
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

func expandActors(list []domain.Task, actors []domain.Actor) []expandedTask {
	byID := make(map[string]*domain.Actor, len(actors))
	for i := range actors {
		byID[actors[i].ID] = &actors[i]
	}
	out := make([]expandedTask, len(list))
	for i, t := range list {
		out[i] = expandedTask{Task: t, Creator: byID[t.CreatorID]}
		if t.AssignedToID != "" {
			out[i].Assignee = byID[t.AssignedToID]
		}
	}
	return out
}

func postTask(tasks TaskGateway, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := auth.IdentityFromAuthHeader(authHeader(c, false))
		if err != nil {
			return unauthorized(c, err)
		}
		var in domain.CreateTaskInput
		if err := decodeStrict(c, &in); err != nil {
			return badBody(c, err)
		}
		key := strings.TrimSpace(c.Request().Header.Get(HeaderIdempotencyKey))
		task, replayed, err := tasks.Create(c.Request().Context(), id.ID, key, in)
		if err != nil {
			return writeError(c, logger, err)
		}
		if replayed {
			return c.JSON(http.StatusOK, task)
		}
		return c.JSON(http.StatusCreated, task)
	}
}

// Any authenticated actor may update or delete any task.
func patchTask(tasks TaskGateway, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := auth.IdentityFromAuthHeader(authHeader(c, false)); err != nil {
			return unauthorized(c, err)
		}
		var in domain.UpdateTaskInput
		if err := decodeStrict(c, &in); err != nil {
			return badBody(c, err)
		}
		task, err := tasks.Update(c.Request().Context(), c.Param("id"), in)
		if err != nil {
			return writeError(c, logger, err)
		}
		return c.JSON(http.StatusOK, task)
	}
}

func deleteTask(tasks TaskGateway, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := auth.IdentityFromAuthHeader(authHeader(c, false)); err != nil {
			return unauthorized(c, err)
		}
		task, err := tasks.Delete(c.Request().Context(), c.Param("id"))
		if err != nil {
			return writeError(c, logger, err)
		}
		return c.JSON(http.StatusOK, deleteResponse{Message: "Task deleted", Task: task})
	}
}

func getUsers(actors ActorStore, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := auth.IdentityFromAuthHeader(authHeader(c, false)); err != nil {
			return unauthorized(c, err)
		}
		list, err := actors.ListActors(c.Request().Context())
		if err != nil {
			return writeError(c, logger, &domain.StoreUnavailableError{Op: "list actors", Err: err})
		}
		return c.JSON(http.StatusOK, list)
	}
}

// putProfile registers the caller as an actor. Body fields override the
// name and email claims of the token.
func putProfile(actors ActorStore, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := auth.IdentityFromAuthHeader(authHeader(c, false))
		if err != nil {
			return unauthorized(c, err)
		}
		var req profileRequest
		if c.Request().ContentLength != 0 {
			if err := decodeStrict(c, &req); err != nil && err != io.EOF {
				return badBody(c, err)
			}
		}
		actor := domain.Actor{ID: id.ID, Name: id.Name, Email: id.Email}
		if req.Name != nil {
			actor.Name = strings.TrimSpace(*req.Name)
		}
		if req.Email != nil {
			actor.Email = strings.TrimSpace(*req.Email)
		}
		if err := actors.UpsertActor(c.Request().Context(), actor); err != nil {
			return writeError(c, logger, &domain.StoreUnavailableError{Op: "upsert actor", Err: err})
		}
		return c.JSON(http.StatusOK, actor)
	}
}
