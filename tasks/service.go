// Package tasks implements the owner-scoped task operations. Every write
// invalidates the owner's cached list and then publishes an event.
package tasks

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	app "github.com/etitcombe/taskflow"
	"github.com/google/uuid"
)

// DefaultCacheTTL is how long a cached task list lives.
const DefaultCacheTTL = 10 * time.Minute

// CacheKey returns the cache key holding userID's task list.
func CacheKey(userID string) string {
	return "tasks_user_" + userID
}

// Service owns create, read, update, delete, toggle and stats.
type Service struct {
	store  app.TaskStore
	cache  app.Cache
	events app.Broadcaster
	logger *log.Logger
	ttl    time.Duration
	now    func() time.Time
	newID  func() string

	// gens counts invalidations per owner. A list read that started
	// before an invalidation must not stay in the cache.
	mu   sync.Mutex
	gens map[string]uint64
}

// Option configures a Service.
type Option func(*Service)

// WithCacheTTL sets the lifetime of cached lists.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithLogger sets the logger used for cache failures.
func WithLogger(l *log.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService returns a Service. A nil cache disables caching and a nil
// broadcaster disables events.
func NewService(store app.TaskStore, cache app.Cache, events app.Broadcaster, opts ...Option) *Service {
	s := &Service{
		store:  store,
		cache:  cache,
		events: events,
		logger: log.Default(),
		ttl:    DefaultCacheTTL,
		now:    time.Now,
		newID:  uuid.NewString,
		gens:   make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates in and persists a new task owned by userID.
func (s *Service) Create(ctx context.Context, userID string, in app.TaskInput) (app.Task, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return app.Task{}, app.Errorf(app.EINVALID, "Title is required.")
	}
	status := app.StatusTodo
	if in.Status != nil {
		status = *in.Status
	}
	if err := validate(&status, in.Priority); err != nil {
		return app.Task{}, err
	}

	now := s.now().UTC()
	t := app.Task{
		ID:          s.newID(),
		Title:       title,
		Description: in.Description,
		Status:      status,
		Priority:    in.Priority,
		UserID:      userID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateTask(ctx, &t); err != nil {
		return app.Task{}, err
	}

	s.invalidate(ctx, userID)
	s.publish(app.Event{Type: app.EventTaskCreated, OwnerID: userID, Task: &t})
	return t, nil
}

// List returns userID's tasks newest first, from the cache when possible.
func (s *Service) List(ctx context.Context, userID string) ([]app.Task, error) {
	if tasks, ok := s.cached(ctx, userID); ok {
		return tasks, nil
	}

	gen := s.generation(userID)
	tasks, err := s.store.FindTasks(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, userID, gen, tasks)
	return tasks, nil
}

// Get returns one task. Missing and foreign ids are both not found.
func (s *Service) Get(ctx context.Context, userID, id string) (app.Task, error) {
	return s.store.FindTask(ctx, userID, id)
}

// Update applies the supplied fields of patch.
func (s *Service) Update(ctx context.Context, userID, id string, patch app.TaskPatch) (app.Task, error) {
	if patch.Title != nil {
		title := strings.TrimSpace(*patch.Title)
		if title == "" {
			return app.Task{}, app.Errorf(app.EINVALID, "Title must not be empty.")
		}
		patch.Title = &title
	}
	if err := validate(patch.Status, patch.Priority); err != nil {
		return app.Task{}, err
	}

	t, err := s.store.UpdateTask(ctx, userID, id, patch, s.now().UTC())
	if err != nil {
		return app.Task{}, err
	}

	s.invalidate(ctx, userID)
	s.publish(app.Event{Type: app.EventTaskUpdated, OwnerID: userID, Task: &t})
	return t, nil
}

// ToggleComplete flips the completed flag. Completing forces status DONE;
// un-completing keeps whatever status the task has.
func (s *Service) ToggleComplete(ctx context.Context, userID, id string) (app.Task, error) {
	t, err := s.store.ToggleTask(ctx, userID, id, s.now().UTC())
	if err != nil {
		return app.Task{}, err
	}

	s.invalidate(ctx, userID)
	s.publish(app.Event{Type: app.EventTaskUpdated, OwnerID: userID, Task: &t})
	return t, nil
}

// Delete removes a task.
func (s *Service) Delete(ctx context.Context, userID, id string) error {
	if err := s.store.DeleteTask(ctx, userID, id); err != nil {
		return err
	}

	s.invalidate(ctx, userID)
	s.publish(app.Event{Type: app.EventTaskDeleted, OwnerID: userID, TaskID: id})
	return nil
}

// Stats counts userID's tasks straight from the store.
func (s *Service) Stats(ctx context.Context, userID string) (app.Stats, error) {
	return s.store.TaskStats(ctx, userID)
}

func (s *Service) cached(ctx context.Context, userID string) ([]app.Task, bool) {
	if s.cache == nil {
		return nil, false
	}
	b, ok, err := s.cache.Get(ctx, CacheKey(userID))
	if err != nil {
		s.logger.Warn("cache get", "user", userID, "err", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var tasks []app.Task
	if err := json.Unmarshal(b, &tasks); err != nil {
		s.logger.Warn("decode cached task list", "user", userID, "err", err)
		return nil, false
	}
	return tasks, true
}

func (s *Service) generation(userID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gens[userID]
}

// fill caches tasks read at generation gen. A write that invalidated in the
// meantime wins: the read is not cached, or is removed again when the
// invalidation raced with the Set.
func (s *Service) fill(ctx context.Context, userID string, gen uint64, tasks []app.Task) {
	if s.cache == nil || s.generation(userID) != gen {
		return
	}
	b, err := json.Marshal(tasks)
	if err != nil {
		s.logger.Warn("encode task list", "user", userID, "err", err)
		return
	}
	if err := s.cache.Set(ctx, CacheKey(userID), b, s.ttl); err != nil {
		s.logger.Warn("cache set", "user", userID, "err", err)
		return
	}
	if s.generation(userID) != gen {
		s.invalidate(ctx, userID)
	}
}

func (s *Service) invalidate(ctx context.Context, userID string) {
	if s.cache == nil {
		return
	}
	s.mu.Lock()
	s.gens[userID]++
	s.mu.Unlock()
	if err := s.cache.Delete(ctx, CacheKey(userID)); err != nil {
		s.logger.Error("cache invalidate", "user", userID, "err", err)
	}
}

func (s *Service) publish(ev app.Event) {
	if s.events != nil {
		s.events.Publish(ev)
	}
}

func validate(status *app.Status, priority *app.Priority) error {
	if status != nil && !status.Valid() {
		return app.Errorf(app.EINVALID, "Status must be one of TODO, IN_PROGRESS, DONE.")
	}
	if priority != nil && !priority.Valid() {
		return app.Errorf(app.EINVALID, "Priority must be one of LOW, MEDIUM, HIGH.")
	}
	return nil
}
