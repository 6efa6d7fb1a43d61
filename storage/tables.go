package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"

	"taskboard/domain"
)

const (
	taskPartition  = "task"
	actorPartition = "actor"
	edmInt64       = "Edm.Int64"

	maxUpdateAttempts = 5
)

// Tables is the Change Store backed by Azure Table Storage.
type Tables struct {
	svc        *aztables.ServiceClient
	taskTable  *aztables.Client
	actorTable *aztables.Client
	tasksName  string
	actorsName string
}

// OpenTables connects to the storage account in connStr.
func OpenTables(connStr, tasksTable, actorsTable string) (*Tables, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &Tables{
		svc:        svc,
		taskTable:  svc.NewClient(tasksTable),
		actorTable: svc.NewClient(actorsTable),
		tasksName:  tasksTable,
		actorsName: actorsTable,
	}, nil
}

// EnsureTables creates the task and actor tables when they are missing.
func (s *Tables) EnsureTables(ctx context.Context) error {
	for _, name := range []string{s.tasksName, s.actorsName} {
		if _, err := s.svc.CreateTable(ctx, name, nil); err != nil && !hasStatus(err, http.StatusConflict) {
			return fmt.Errorf("create table %s: %w", name, err)
		}
	}
	return nil
}

// Close is a no-op; table clients hold no connections of their own.
func (s *Tables) Close() error { return nil }

// Ping reads at most one task entity.
func (s *Tables) Ping(ctx context.Context) error {
	top := int32(1)
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Top: &top})
	_, err := pager.NextPage(ctx)
	return err
}

type entityKeys struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
}

type taskEntity struct {
	entityKeys
	Title         string `json:"Title"`
	Description   string `json:"Description"`
	DueDate       int64  `json:"DueDate,string"`
	DueDateType   string `json:"DueDate@odata.type"`
	Priority      string `json:"Priority"`
	Status        string `json:"Status"`
	CreatorID     string `json:"CreatorId"`
	AssignedToID  string `json:"AssignedToId"`
	CreatedAt     int64  `json:"CreatedAt,string"`
	CreatedAtType string `json:"CreatedAt@odata.type"`
	UpdatedAt     int64  `json:"UpdatedAt,string"`
	UpdatedAtType string `json:"UpdatedAt@odata.type"`
}

type actorEntity struct {
	entityKeys
	Name  string `json:"Name"`
	Email string `json:"Email"`
}

func toTaskEntity(t domain.Task) taskEntity {
	return taskEntity{
		entityKeys:    entityKeys{PartitionKey: taskPartition, RowKey: t.ID},
		Title:         t.Title,
		Description:   t.Description,
		DueDate:       t.DueDate.UnixMilli(),
		DueDateType:   edmInt64,
		Priority:      t.Priority.String(),
		Status:        t.Status.String(),
		CreatorID:     t.CreatorID,
		AssignedToID:  t.AssignedToID,
		CreatedAt:     t.CreatedAt.UnixMilli(),
		CreatedAtType: edmInt64,
		UpdatedAt:     t.UpdatedAt.UnixMilli(),
		UpdatedAtType: edmInt64,
	}
}

func (e taskEntity) task() (domain.Task, error) {
	p, err := domain.ParsePriority(e.Priority)
	if err != nil {
		return domain.Task{}, fmt.Errorf("task %s: %w", e.RowKey, err)
	}
	st, err := domain.ParseStatus(e.Status)
	if err != nil {
		return domain.Task{}, fmt.Errorf("task %s: %w", e.RowKey, err)
	}
	return domain.Task{
		ID:           e.RowKey,
		Title:        e.Title,
		Description:  e.Description,
		DueDate:      time.UnixMilli(e.DueDate).UTC(),
		Priority:     p,
		Status:       st,
		CreatorID:    e.CreatorID,
		AssignedToID: e.AssignedToID,
		CreatedAt:    time.UnixMilli(e.CreatedAt).UTC(),
		UpdatedAt:    time.UnixMilli(e.UpdatedAt).UTC(),
	}, nil
}

func decodeTask(data []byte) (domain.Task, error) {
	var ent taskEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return domain.Task{}, err
	}
	return ent.task()
}

func hasStatus(err error, code int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == code
}

func odataQuote(s string) string { return "'" + strings.ReplaceAll(s, "'", "''") + "'" }

func taskFilterExpr(f domain.TaskFilter) string {
	parts := []string{"PartitionKey eq " + odataQuote(taskPartition)}
	if f.Status != 0 {
		parts = append(parts, "Status eq "+odataQuote(f.Status.String()))
	}
	if f.Priority != 0 {
		parts = append(parts, "Priority eq "+odataQuote(f.Priority.String()))
	}
	return strings.Join(parts, " and ")
}

// Find lists tasks matching filter, newest first.
func (s *Tables) Find(ctx context.Context, filter domain.TaskFilter) ([]domain.Task, error) {
	expr := taskFilterExpr(filter)
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &expr})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			t, err := decodeTask(e)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, t)
		}
	}
	sortNewestFirst(tasks)
	return tasks, nil
}

func sortNewestFirst(tasks []domain.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
		}
		return tasks[i].ID > tasks[j].ID
	})
}

func (s *Tables) getTask(ctx context.Context, id string) (*domain.Task, azcore.ETag, error) {
	resp, err := s.taskTable.GetEntity(ctx, taskPartition, id, nil)
	if err != nil {
		if hasStatus(err, http.StatusNotFound) {
			return nil, "", nil
		}
		return nil, "", err
	}
	t, err := decodeTask(resp.Value)
	if err != nil {
		return nil, "", err
	}
	return &t, resp.ETag, nil
}

// FindByID returns the task or nil when it does not exist.
func (s *Tables) FindByID(ctx context.Context, id string) (*domain.Task, error) {
	t, _, err := s.getTask(ctx, id)
	return t, err
}

// CreateOne inserts a new task entity.
func (s *Tables) CreateOne(ctx context.Context, t domain.Task) error {
	payload, err := sonic.Marshal(toTaskEntity(t))
	if err != nil {
		return err
	}
	_, err = s.taskTable.AddEntity(ctx, payload, nil)
	return err
}

// UpdateOneByID replaces the entity guarded by its ETag, re-reading and
// retrying when another writer got there first.
func (s *Tables) UpdateOneByID(ctx context.Context, id string, patch domain.TaskPatch, now time.Time) (*domain.Task, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		t, etag, err := s.getTask(ctx, id)
		if err != nil || t == nil {
			return nil, err
		}
		patch.Apply(t, now)
		payload, err := sonic.Marshal(toTaskEntity(*t))
		if err != nil {
			return nil, err
		}
		_, err = s.taskTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeReplace})
		switch {
		case err == nil:
			return t, nil
		case hasStatus(err, http.StatusPreconditionFailed):
			continue
		case hasStatus(err, http.StatusNotFound):
			return nil, nil
		default:
			return nil, err
		}
	}
	return nil, domain.ErrConcurrencyConflict
}

// DeleteOneByID removes a task entity and reports whether it existed.
func (s *Tables) DeleteOneByID(ctx context.Context, id string) (bool, error) {
	if _, err := s.taskTable.DeleteEntity(ctx, taskPartition, id, nil); err != nil {
		if hasStatus(err, http.StatusNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ActorExists reports whether id is a known actor.
func (s *Tables) ActorExists(ctx context.Context, id string) (bool, error) {
	if _, err := s.actorTable.GetEntity(ctx, actorPartition, id, nil); err != nil {
		if hasStatus(err, http.StatusNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ListActors returns every actor ordered by name.
func (s *Tables) ListActors(ctx context.Context) ([]domain.Actor, error) {
	expr := "PartitionKey eq " + odataQuote(actorPartition)
	pager := s.actorTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &expr})
	actors := []domain.Actor{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			var ent actorEntity
			if err := sonic.Unmarshal(e, &ent); err != nil {
				return nil, err
			}
			actors = append(actors, domain.Actor{ID: ent.RowKey, Name: ent.Name, Email: ent.Email})
		}
	}
	sort.SliceStable(actors, func(i, j int) bool {
		if actors[i].Name != actors[j].Name {
			return actors[i].Name < actors[j].Name
		}
		return actors[i].ID < actors[j].ID
	})
	return actors, nil
}

// UpsertActor creates or replaces an actor entity.
func (s *Tables) UpsertActor(ctx context.Context, a domain.Actor) error {
	payload, err := sonic.Marshal(actorEntity{
		entityKeys: entityKeys{PartitionKey: actorPartition, RowKey: a.ID},
		Name:       a.Name,
		Email:      a.Email,
	})
	if err != nil {
		return err
	}
	_, err = s.actorTable.UpsertEntity(ctx, payload, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace})
	return err
}
