// ABOUTME: Dispatcher maps a tool name to its handler and normalizes the outcome
// ABOUTME: Validates parameters against the catalog schema and recovers handler panics

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"time"

	"github.com/tidwall/gjson"

	"github.com/robertvill8/orbit-backend/internal/tasks"
)

// Error codes carried by ToolError. Match with errors.Is.
var (
	ErrUnknownTool    = errors.New("unknown tool")
	ErrToolValidation = errors.New("invalid tool parameters")
	ErrToolExecution  = errors.New("tool execution failed")
)

// ToolError is a tool-level failure. It never aborts a turn; the caller
// feeds it back to the model as an error result.
type ToolError struct {
	Tool string
	Code error
	Err  error
}

func (e *ToolError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Tool, e.Code)
	}
	return fmt.Sprintf("%s: %v: %v", e.Tool, e.Code, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// Is matches the error code sentinels.
func (e *ToolError) Is(target error) bool {
	return target == e.Code
}

// WorkflowInvoker calls a named external workflow.
type WorkflowInvoker interface {
	Invoke(ctx context.Context, name string, payload any) (json.RawMessage, error)
}

// Invocation identifies who a tool runs for.
type Invocation struct {
	SessionID string
	UserID    string
}

// Handler executes one tool with already validated input.
type Handler func(ctx context.Context, inv Invocation, input json.RawMessage) (map[string]any, error)

// Dispatcher executes catalog tools.
type Dispatcher struct {
	handlers map[string]Handler
	logger   *slog.Logger
}

// NewDispatcher wires every catalog tool to its handler.
func NewDispatcher(taskSvc *tasks.Service, workflows WorkflowInvoker, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{tasks: taskSvc, workflows: workflows}
	return &Dispatcher{
		handlers: map[string]Handler{
			CreateTask:          h.createTask,
			SearchEmail:         h.searchEmail,
			CreateCalendarEvent: h.createCalendarEvent,
			ExtractDocumentText: h.extractDocumentText,
		},
		logger: logger.With("component", "tools"),
	}
}

// Execute validates params and runs the named tool. Any error returned is a
// *ToolError.
func (d *Dispatcher) Execute(ctx context.Context, name string, params json.RawMessage, sessionID, userID string) (result map[string]any, err error) {
	tool, ok := Lookup(name)
	handler := d.handlers[name]
	if !ok || handler == nil {
		d.logger.Warn("unknown tool requested", "tool_name", name, "session_id", sessionID)
		return nil, &ToolError{Tool: name, Code: ErrUnknownTool}
	}

	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	if verr := validateParams(tool.InputSchema, params); verr != nil {
		d.logger.Info("tool parameters rejected", "tool_name", name, "error", verr)
		return nil, &ToolError{Tool: name, Code: ErrToolValidation, Err: verr}
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("tool handler panicked",
				"tool_name", name,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			result = nil
			err = &ToolError{Tool: name, Code: ErrToolExecution, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	d.logger.Info("→ executing tool", "tool_name", name, "session_id", sessionID)
	result, err = handler(ctx, Invocation{SessionID: sessionID, UserID: userID}, params)
	if err != nil {
		d.logger.Warn("tool failed",
			"tool_name", name,
			"session_id", sessionID,
			"duration", time.Since(start),
			"error", err,
		)
		var te *ToolError
		if errors.As(err, &te) {
			return nil, te
		}
		return nil, &ToolError{Tool: name, Code: ErrToolExecution, Err: err}
	}

	d.logger.Info("← tool succeeded", "tool_name", name, "duration", time.Since(start))
	return result, nil
}

// validateParams checks params against the subset of JSON schema the catalog
// uses: required fields, primitive types, string arrays and enums.
func validateParams(schema string, params json.RawMessage) error {
	if !gjson.ValidBytes(params) {
		return errors.New("parameters are not valid JSON")
	}
	root := gjson.ParseBytes(params)
	if !root.IsObject() {
		return errors.New("parameters must be a JSON object")
	}

	for _, req := range gjson.Get(schema, "required").Array() {
		v := root.Get(req.String())
		if !v.Exists() || v.Type == gjson.Null {
			return fmt.Errorf("missing required field %q", req.String())
		}
	}

	var verr error
	gjson.Get(schema, "properties").ForEach(func(key, prop gjson.Result) bool {
		field := key.String()
		v := root.Get(field)
		if !v.Exists() || v.Type == gjson.Null {
			return true
		}
		if err := checkType(field, prop, v); err != nil {
			verr = err
			return false
		}
		if enum := prop.Get("enum"); enum.Exists() {
			allowed := make([]string, 0, len(enum.Array()))
			for _, e := range enum.Array() {
				allowed = append(allowed, e.String())
			}
			if !slices.Contains(allowed, v.String()) {
				verr = fmt.Errorf("field %q must be one of %v, got %q", field, allowed, v.String())
				return false
			}
		}
		return true
	})
	return verr
}

func checkType(field string, prop, v gjson.Result) error {
	switch prop.Get("type").String() {
	case "string":
		if v.Type != gjson.String {
			return fmt.Errorf("field %q must be a string", field)
		}
	case "integer":
		if v.Type != gjson.Number || v.Float() != float64(v.Int()) {
			return fmt.Errorf("field %q must be an integer", field)
		}
	case "number":
		if v.Type != gjson.Number {
			return fmt.Errorf("field %q must be a number", field)
		}
	case "boolean":
		if v.Type != gjson.True && v.Type != gjson.False {
			return fmt.Errorf("field %q must be a boolean", field)
		}
	case "array":
		if !v.IsArray() {
			return fmt.Errorf("field %q must be an array", field)
		}
		items := prop.Get("items")
		if !items.Exists() {
			return nil
		}
		for i, item := range v.Array() {
			if err := checkType(fmt.Sprintf("%s[%d]", field, i), items, item); err != nil {
				return err
			}
		}
	case "object":
		if !v.IsObject() {
			return fmt.Errorf("field %q must be an object", field)
		}
	}
	return nil
}
