// ABOUTME: Store interfaces and data types for orbit-backend persistence
// ABOUTME: Defines Session, Message, Activity, WorkflowCall, LLMRequest and Task records

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateSession is returned when trying to create a session that already exists
var ErrDuplicateSession = errors.New("session already exists")

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Session is a conversation owned by one user.
type Session struct {
	ID        string
	UserID    string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is one persisted turn half. Seq is assigned by the store on Append
// and is strictly increasing within a session.
type Message struct {
	ID        string
	SessionID string
	Seq       int64
	Role      Role
	Content   string
	Metadata  map[string]any
	CreatedAt time.Time
}

// Activity kinds written by the orchestrator.
const (
	ActivityMessageProcessed = "message_processed"
	ActivityTurnFailed       = "turn_failed"
)

// Activity is an append-only record of something that happened for a user.
type Activity struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	SessionID string         `json:"session_id,omitempty"`
	Kind      string         `json:"kind"`
	Summary   string         `json:"summary"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ActivityFilter specifies filtering options for listing activities.
type ActivityFilter struct {
	UserID    string     // required
	SessionID *string    // filter by session
	Kind      *string    // filter by kind
	Since     *time.Time // entries at or after this time
	Limit     int        // max results (default 100, max 1000)
}

// Workflow call statuses.
const (
	CallSuccess = "success"
	CallFailed  = "failed"
)

// WorkflowCall is the outcome of one HTTP attempt against an external workflow.
// Attempts of the same invocation share InvocationID.
type WorkflowCall struct {
	ID              string
	InvocationID    string
	SessionID       string
	WorkflowName    string
	Attempt         int
	RequestPayload  json.RawMessage
	ResponsePayload json.RawMessage
	StatusCode      int
	Status          string
	ErrorMessage    string
	LatencyMS       int64
	CreatedAt       time.Time
}

// LLMRequest records a single call to the language model provider.
type LLMRequest struct {
	ID               string
	SessionID        string
	Provider         string
	Model            string
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	LatencyMS        int64
	Status           string
	ErrorMessage     string
	CreatedAt        time.Time
}

// UsageFilter narrows usage aggregation. Nil fields are not filtered on.
type UsageFilter struct {
	// UserID limits usage to requests made in the user's sessions
	UserID    *string
	SessionID *string
	Since     *time.Time
}

// LLMUsageStats contains aggregated token usage.
type LLMUsageStats struct {
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	RequestCount     int64
}

// Default task list attributes.
const (
	DefaultTaskListName  = "Default"
	DefaultTaskListColor = "#3B82F6"
)

// Task priorities and statuses.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"

	TaskStatusOpen = "open"
)

// TaskList groups tasks. Each user has at most one default list.
type TaskList struct {
	ID        string
	UserID    string
	Name      string
	Color     string
	Position  int
	IsDefault bool
	CreatedAt time.Time
}

// Task is a todo item, usually created by the agent through create_task.
type Task struct {
	ID          string
	ListID      string
	UserID      string
	SessionID   string
	Title       string
	Description string
	Priority    string
	Status      string
	DueDate     *time.Time
	Metadata    map[string]any
	CreatedAt   time.Time
}

// ConversationStore is the ordered per-session message history.
type ConversationStore interface {
	// Append persists msg at the end of the session, assigning ID, Seq and
	// CreatedAt when they are unset.
	Append(ctx context.Context, sessionID string, msg *Message) error
	// GetRecent returns the newest limit messages in ascending Seq order.
	// A limit of 0 or less returns the whole session.
	GetRecent(ctx context.Context, sessionID string, limit int) ([]*Message, error)
}

// SessionStore manages conversation sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, userID string, limit int) ([]*Session, error)
	// ListMessages pages through a session oldest first and reports the total count.
	ListMessages(ctx context.Context, sessionID string, limit, offset int) ([]*Message, int, error)
}

// ActivityStore persists the activity feed.
type ActivityStore interface {
	AppendActivity(ctx context.Context, a *Activity) error
	ListActivities(ctx context.Context, f ActivityFilter) ([]Activity, error)
}

// WorkflowCallStore persists per-attempt workflow call records.
type WorkflowCallStore interface {
	SaveWorkflowCall(ctx context.Context, call *WorkflowCall) error
	ListWorkflowCalls(ctx context.Context, invocationID string) ([]*WorkflowCall, error)
	DeleteWorkflowCallsBefore(ctx context.Context, before time.Time) (int64, error)
}

// LLMRequestStore persists LLM request records.
type LLMRequestStore interface {
	SaveLLMRequest(ctx context.Context, req *LLMRequest) error
	ListLLMRequests(ctx context.Context, sessionID string) ([]*LLMRequest, error)
	GetLLMUsageStats(ctx context.Context, filter UsageFilter) (*LLMUsageStats, error)
	DeleteLLMRequestsBefore(ctx context.Context, before time.Time) (int64, error)
}

// TaskStore persists task lists and tasks.
type TaskStore interface {
	// UpsertDefaultTaskList returns the user's default list, creating it if absent.
	// Concurrent callers observe the same list.
	UpsertDefaultTaskList(ctx context.Context, userID string) (*TaskList, error)
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, listID string) ([]*Task, error)
}

// Store combines every persistence interface backed by one database.
type Store interface {
	ConversationStore
	SessionStore
	ActivityStore
	WorkflowCallStore
	LLMRequestStore
	TaskStore

	// Ping reports whether the database is reachable
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}
