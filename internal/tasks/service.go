// ABOUTME: Task service used by the create_task tool
// ABOUTME: Resolves the user's default list with an explicit upsert, then creates the task

package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robertvill8/orbit-backend/internal/store"
)

// ErrInvalidPriority is returned for a priority outside low, medium and high.
var ErrInvalidPriority = errors.New("invalid priority")

// ErrEmptyTitle is returned when a task has no title.
var ErrEmptyTitle = errors.New("title is required")

// CreateRequest describes a task to create.
type CreateRequest struct {
	// ListID is an already resolved list; empty means the user's default list
	ListID      string
	UserID      string
	SessionID   string
	Title       string
	Description string
	Priority    string
	DueDate     *time.Time
	// CreatedByAgent marks tasks created through a tool call
	CreatedByAgent bool
}

// Service creates tasks in a user's default list.
type Service struct {
	store  store.TaskStore
	logger *slog.Logger
}

// NewService creates a task service.
func NewService(s store.TaskStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  s,
		logger: logger.With("component", "tasks"),
	}
}

// EnsureDefaultList returns the user's default list, creating it if needed.
// Safe to call concurrently for the same user.
func (s *Service) EnsureDefaultList(ctx context.Context, userID string) (*store.TaskList, error) {
	list, err := s.store.UpsertDefaultTaskList(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ensure default list: %w", err)
	}
	return list, nil
}

// Create stores a new open task in req.ListID, or the user's default list
// when no list is given.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*store.Task, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, ErrEmptyTitle
	}

	priority := req.Priority
	switch priority {
	case "":
		priority = store.PriorityMedium
	case store.PriorityLow, store.PriorityMedium, store.PriorityHigh:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidPriority, priority)
	}

	listID := req.ListID
	if listID == "" {
		list, err := s.EnsureDefaultList(ctx, req.UserID)
		if err != nil {
			return nil, err
		}
		listID = list.ID
	}

	task := &store.Task{
		ListID:      listID,
		UserID:      req.UserID,
		SessionID:   req.SessionID,
		Title:       title,
		Description: req.Description,
		Priority:    priority,
		Status:      store.TaskStatusOpen,
		DueDate:     req.DueDate,
	}
	if req.CreatedByAgent {
		task.Metadata = map[string]any{"created_by_agent": true}
	}

	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	s.logger.Info("task created", "task_id", task.ID, "user_id", req.UserID, "list_id", listID)
	return task, nil
}
