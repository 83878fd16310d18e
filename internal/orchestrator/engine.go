// ABOUTME: Turn engine driving one user message through the model and its tools
// ABOUTME: Record first, then act: the user message is stored before the model is called

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/robertvill8/orbit-backend/internal/apperr"
	"github.com/robertvill8/orbit-backend/internal/delivery"
	"github.com/robertvill8/orbit-backend/internal/llm"
	"github.com/robertvill8/orbit-backend/internal/lock"
	"github.com/robertvill8/orbit-backend/internal/store"
)

var (
	// ErrSessionBusy means another turn held the session lock past the lock timeout.
	ErrSessionBusy = errors.New("session is busy")
	// ErrSessionNotOwned means the session belongs to a different user.
	ErrSessionNotOwned = errors.New("session belongs to another user")
	// ErrEmptyMessage means the user text is blank.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrMissingUser means the request carries no user id.
	ErrMissingUser = errors.New("user id is required")
)

// Defaults applied to a zero Config.
const (
	DefaultHistoryWindow = 20
	DefaultMaxRounds     = 5
	DefaultLockTimeout   = 30 * time.Second
)

const (
	processedSummary = "Agent responded to user message"
	failedSummary    = "Agent failed to process user message"
	emptyReply       = "I wasn't able to produce a response. Please try again."
	excerptRunes     = 100
	titleRunes       = 50
)

// PublicMessage describes err without internal detail. Caller mistakes keep
// their own text; upstream and storage failures collapse to a generic line.
func PublicMessage(err error) string {
	switch {
	case errors.Is(err, ErrEmptyMessage), errors.Is(err, ErrMissingUser):
		return err.Error()
	case errors.Is(err, ErrSessionNotOwned):
		return ErrSessionNotOwned.Error()
	case errors.Is(err, ErrSessionBusy):
		return ErrSessionBusy.Error()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "request cancelled"
	case errors.Is(err, apperr.ErrPermanent):
		return "upstream service rejected the request"
	case errors.Is(err, apperr.ErrTransient):
		return "upstream service unavailable"
	default:
		return "internal server error"
	}
}

// Store is the persistence the engine needs.
type Store interface {
	store.ConversationStore
	GetSession(ctx context.Context, id string) (*store.Session, error)
	CreateSession(ctx context.Context, session *store.Session) error
	SaveLLMRequest(ctx context.Context, req *store.LLMRequest) error
}

// ToolExecutor runs a tool requested by the model.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, params json.RawMessage, sessionID, userID string) (map[string]any, error)
}

// ActivityRecorder appends to the activity feed.
type ActivityRecorder interface {
	Record(ctx context.Context, userID, sessionID, kind, summary string, metadata map[string]any) (*store.Activity, error)
}

// Sender delivers events to a destination such as "session:{id}".
type Sender interface {
	Send(ctx context.Context, destination string, event any) error
}

// Config holds the turn limits.
type Config struct {
	HistoryWindow int
	MaxRounds     int
	LockTimeout   time.Duration
}

// Deps are the engine's collaborators. Locker and Sender are optional.
type Deps struct {
	Store    Store
	Gateway  llm.Gateway
	Tools    ToolExecutor
	ToolDefs []llm.ToolDefinition
	Activity ActivityRecorder
	Locker   lock.Locker
	Sender   Sender
	Logger   *slog.Logger

	// ErrorMessage turns a turn failure into client-facing text for error
	// events and the activity feed. Defaults to PublicMessage.
	ErrorMessage func(error) string
}

// Engine runs conversational turns.
type Engine struct {
	store    Store
	gateway  llm.Gateway
	tools    ToolExecutor
	toolDefs []llm.ToolDefinition
	activity ActivityRecorder
	locker   lock.Locker
	sender   Sender
	errorMsg func(error) string
	cfg      Config
	logger   *slog.Logger
}

// New creates an engine.
func New(cfg Config, deps Deps) *Engine {
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = DefaultHistoryWindow
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultMaxRounds
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	locker := deps.Locker
	if locker == nil {
		locker = lock.NewMemoryLocker()
	}
	errorMsg := deps.ErrorMessage
	if errorMsg == nil {
		errorMsg = PublicMessage
	}
	return &Engine{
		store:    deps.Store,
		gateway:  deps.Gateway,
		tools:    deps.Tools,
		toolDefs: deps.ToolDefs,
		activity: deps.Activity,
		locker:   locker,
		sender:   deps.Sender,
		errorMsg: errorMsg,
		cfg:      cfg,
		logger:   logger.With("component", "orchestrator"),
	}
}

// TurnRequest is one user message. An empty SessionID starts a new session.
type TurnRequest struct {
	SessionID string
	UserID    string
	Text      string
}

// ToolCall is the record of one tool invocation within a turn.
type ToolCall struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Parameters json.RawMessage `json:"parameters"`
	Result     map[string]any  `json:"result,omitempty"`
	Success    bool            `json:"success"`
	Error      string          `json:"error,omitempty"`
}

// TurnResult is the outcome of a completed turn.
type TurnResult struct {
	MessageID         string
	SessionID         string
	Reply             string
	ToolCalls         []ToolCall
	TokensUsed        int64
	RoundLimitReached bool
	CreatedAt         time.Time
}

// turn is a request that holds its session lock.
type turn struct {
	req      TurnRequest
	session  *store.Session
	unlock   func()
	streamed bool
}

// RunTurn processes one user message to completion and returns the persisted
// reply. The final message is also sent to the session's delivery destination.
func (e *Engine) RunTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	t, err := e.begin(ctx, req)
	if err != nil {
		return nil, err
	}
	defer t.unlock()

	res, err := e.run(ctx, t, nil)
	if err != nil {
		return nil, err
	}

	e.deliver(context.WithoutCancel(ctx), res.SessionID, Event{
		Type:       EventMessage,
		SessionID:  res.SessionID,
		MessageID:  res.MessageID,
		Content:    res.Reply,
		TokensUsed: &res.TokensUsed,
	})
	return res, nil
}

// begin validates the request, takes the session lock and resolves the session.
func (e *Engine) begin(ctx context.Context, req TurnRequest) (*turn, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrEmptyMessage
	}
	if req.UserID == "" {
		return nil, ErrMissingUser
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	lockCtx, cancel := context.WithTimeout(ctx, e.cfg.LockTimeout)
	unlock, err := e.locker.Lock(lockCtx, sessionID)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.logger.Warn("session lock not acquired", "session_id", sessionID, "error", err)
		return nil, fmt.Errorf("%w: %s", ErrSessionBusy, sessionID)
	}

	session, err := e.resolveSession(context.WithoutCancel(ctx), sessionID, req)
	if err != nil {
		unlock()
		return nil, err
	}

	return &turn{req: req, session: session, unlock: unlock}, nil
}

func (e *Engine) resolveSession(ctx context.Context, sessionID string, req TurnRequest) (*store.Session, error) {
	session, err := e.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		session = &store.Session{
			ID:     sessionID,
			UserID: req.UserID,
			Title:  truncateRunes(strings.TrimSpace(req.Text), titleRunes),
		}
		err = e.store.CreateSession(ctx, session)
		if errors.Is(err, store.ErrDuplicateSession) {
			session, err = e.store.GetSession(ctx, sessionID)
		}
		if err == nil {
			e.logger.Info("session created", "session_id", sessionID, "user_id", req.UserID)
		}
	}
	if err != nil {
		return nil, apperr.Persistence("resolve session", err)
	}
	if session.UserID != req.UserID {
		return nil, ErrSessionNotOwned
	}
	return session, nil
}

// run executes the turn and records a best-effort turn_failed activity when
// it aborts.
func (e *Engine) run(ctx context.Context, t *turn, emit func(Event)) (*TurnResult, error) {
	start := time.Now()
	res, err := e.execute(ctx, t, emit)
	if err != nil {
		e.logger.Error("turn failed",
			"session_id", t.session.ID,
			"user_id", t.req.UserID,
			"duration", time.Since(start),
			"error", err,
		)
		e.recordFailure(context.WithoutCancel(ctx), t, err)
		return nil, err
	}

	e.logger.Info("turn completed",
		"session_id", res.SessionID,
		"message_id", res.MessageID,
		"tool_calls", len(res.ToolCalls),
		"tokens_used", res.TokensUsed,
		"duration", time.Since(start),
	)
	return res, nil
}

func (e *Engine) execute(ctx context.Context, t *turn, emit func(Event)) (*TurnResult, error) {
	// Tools and writes must finish even when the caller goes away.
	work := context.WithoutCancel(ctx)
	sessionID := t.session.ID
	userID := t.req.UserID
	if emit == nil {
		emit = func(Event) {}
	}

	userMsg := &store.Message{Role: store.RoleUser, Content: t.req.Text}
	if err := e.store.Append(work, sessionID, userMsg); err != nil {
		return nil, apperr.Persistence("append user message", err)
	}

	history, err := e.store.GetRecent(work, sessionID, e.cfg.HistoryWindow)
	if err != nil {
		return nil, apperr.Persistence("load history", err)
	}
	messages := historyToMessages(history)

	var (
		calls      []ToolCall
		tokens     int64
		rounds     int
		roundLimit bool
		resp       *llm.Response
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("turn cancelled: %w", err)
		}
		resp, err = e.complete(ctx, work, sessionID, messages)
		if resp != nil {
			tokens += resp.Usage.Total()
		}
		if err != nil {
			return nil, fmt.Errorf("llm call: %w", err)
		}
		if resp == nil {
			return nil, errors.New("llm call: empty response")
		}

		if !resp.WantsTools() {
			break
		}
		if rounds >= e.cfg.MaxRounds {
			roundLimit = true
			e.logger.Warn("tool round limit reached", "session_id", sessionID, "rounds", rounds)
			break
		}
		rounds++

		assistant := llm.Message{Role: llm.RoleAssistant}
		for _, text := range resp.Text {
			if text != "" {
				assistant.Blocks = append(assistant.Blocks, llm.ContentBlock{Type: llm.BlockText, Text: text})
			}
		}
		results := llm.Message{Role: llm.RoleUser}

		for _, use := range resp.ToolUses {
			params := use.Input
			if len(params) == 0 {
				params = json.RawMessage(`{}`)
			}
			assistant.Blocks = append(assistant.Blocks, llm.ContentBlock{
				Type:      llm.BlockToolUse,
				ToolUseID: use.ID,
				ToolName:  use.Name,
				Input:     params,
			})
			emit(Event{Type: EventToolCall, Tool: use.Name, ToolUseID: use.ID, Parameters: params})

			call := e.runTool(work, use, params, sessionID, userID)
			calls = append(calls, call)

			success := call.Success
			emit(Event{
				Type:      EventToolResult,
				Tool:      call.Name,
				ToolUseID: call.ID,
				Success:   &success,
				Result:    call.Result,
				Error:     call.Error,
			})
			results.Blocks = append(results.Blocks, toolResultBlock(call))
		}

		messages = append(messages, assistant, results)
	}

	reply := resp.FullText()
	if roundLimit {
		reply = roundLimitReply(rounds)
	}
	if strings.TrimSpace(reply) == "" {
		reply = emptyReply
	}

	metadata := map[string]any{
		"tool_calls":  calls,
		"tokens_used": tokens,
	}
	if calls == nil {
		metadata["tool_calls"] = []ToolCall{}
	}
	if roundLimit {
		metadata["round_limit_reached"] = true
	}
	if t.streamed {
		metadata["streamed"] = true
	}

	assistantMsg := &store.Message{Role: store.RoleAssistant, Content: reply, Metadata: metadata}
	if err := e.store.Append(work, sessionID, assistantMsg); err != nil {
		return nil, apperr.Persistence("append assistant message", err)
	}

	if e.activity != nil {
		_, err := e.activity.Record(work, userID, sessionID, store.ActivityMessageProcessed, processedSummary, map[string]any{
			"user_message":     truncateRunes(t.req.Text, excerptRunes),
			"tool_calls_count": len(calls),
			"tokens_used":      tokens,
			"message_id":       assistantMsg.ID,
		})
		if err != nil {
			e.logger.Warn("activity not recorded", "session_id", sessionID, "message_id", assistantMsg.ID, "error", err)
		}
	}

	return &TurnResult{
		MessageID:         assistantMsg.ID,
		SessionID:         sessionID,
		Reply:             reply,
		ToolCalls:         calls,
		TokensUsed:        tokens,
		RoundLimitReached: roundLimit,
		CreatedAt:         assistantMsg.CreatedAt,
	}, nil
}

// complete calls the model and records the request, whatever its outcome.
func (e *Engine) complete(ctx, work context.Context, sessionID string, messages []llm.Message) (*llm.Response, error) {
	start := time.Now()
	resp, err := e.gateway.Complete(ctx, messages, e.toolDefs)

	rec := &store.LLMRequest{
		SessionID: sessionID,
		Provider:  e.gateway.Provider(),
		Model:     e.gateway.Model(),
		LatencyMS: time.Since(start).Milliseconds(),
		Status:    "success",
	}
	if resp != nil {
		rec.PromptTokens = resp.Usage.InputTokens
		rec.CompletionTokens = resp.Usage.OutputTokens
		rec.TotalTokens = resp.Usage.Total()
	}
	if err != nil {
		rec.Status = "failed"
		rec.ErrorMessage = err.Error()
	}
	if serr := e.store.SaveLLMRequest(work, rec); serr != nil {
		e.logger.Warn("llm request not recorded", "session_id", sessionID, "error", serr)
	}
	return resp, err
}

// runTool executes one tool. Failures, panics included, become unsuccessful
// calls rather than turn errors.
func (e *Engine) runTool(ctx context.Context, use llm.ToolUse, params json.RawMessage, sessionID, userID string) (call ToolCall) {
	call = ToolCall{ID: use.ID, Name: use.Name, Parameters: params}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("tool panicked", "tool_name", use.Name, "panic", r)
			call.Success = false
			call.Result = nil
			call.Error = fmt.Sprintf("tool %s panicked: %v", use.Name, r)
		}
	}()

	result, err := e.tools.Execute(ctx, use.Name, params, sessionID, userID)
	if err != nil {
		call.Error = err.Error()
		return call
	}
	call.Success = true
	call.Result = result
	return call
}

func (e *Engine) recordFailure(ctx context.Context, t *turn, cause error) {
	if e.activity == nil {
		return
	}
	_, err := e.activity.Record(ctx, t.req.UserID, t.session.ID, store.ActivityTurnFailed, failedSummary, map[string]any{
		"user_message": truncateRunes(t.req.Text, excerptRunes),
		"error":        e.errorMsg(cause),
	})
	if err != nil {
		e.logger.Warn("failure activity not recorded", "session_id", t.session.ID, "error", err)
	}
}

func (e *Engine) deliver(ctx context.Context, sessionID string, ev Event) {
	if e.sender == nil {
		return
	}
	if err := e.sender.Send(ctx, delivery.SessionDestination(sessionID), ev); err != nil {
		e.logger.Warn("delivery failed", "session_id", sessionID, "event", ev.Type, "error", err)
	}
}

// historyToMessages replays persisted messages, in seq order, as model input.
func historyToMessages(history []*store.Message) []llm.Message {
	out := make([]llm.Message, 0, len(history))
	for _, m := range history {
		role := llm.RoleUser
		if m.Role == store.RoleAssistant {
			role = llm.RoleAssistant
		}
		out = append(out, llm.TextMessage(role, m.Content))
	}
	return out
}

func toolResultBlock(call ToolCall) llm.ContentBlock {
	block := llm.ContentBlock{Type: llm.BlockToolResult, ToolUseID: call.ID}
	if !call.Success {
		block.IsError = true
		block.Content = "Error: " + call.Error
		return block
	}
	data, err := json.Marshal(call.Result)
	if err != nil {
		block.IsError = true
		block.Content = "Error: encode result: " + err.Error()
		return block
	}
	block.Content = string(data)
	return block
}

func roundLimitReply(rounds int) string {
	return fmt.Sprintf("I stopped after %d rounds of tool calls without reaching a final answer. "+
		"Please try rephrasing your request or breaking it into smaller steps.", rounds)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
