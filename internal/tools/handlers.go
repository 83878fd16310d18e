// ABOUTME: Handlers for the four catalog tools
// ABOUTME: create_task uses the task service; the rest delegate to external workflows

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robertvill8/orbit-backend/internal/tasks"
	"github.com/robertvill8/orbit-backend/internal/workflow"
)

// Workflow names invoked by the handlers.
const (
	workflowEmailSearch    = "email_search"
	workflowCalendarCreate = "calendar_create"
	workflowDocumentOCR    = "document_ocr"
)

type handlers struct {
	tasks     *tasks.Service
	workflows WorkflowInvoker
}

type createTaskInput struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    string `json:"priority"`
	DueDate     string `json:"due_date"`
}

func (h *handlers) createTask(ctx context.Context, inv Invocation, input json.RawMessage) (map[string]any, error) {
	var in createTaskInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, validationError(CreateTask, fmt.Errorf("invalid input: %w", err))
	}

	var due *time.Time
	if in.DueDate != "" {
		t, err := parseDate(in.DueDate)
		if err != nil {
			return nil, validationError(CreateTask, fmt.Errorf("invalid due_date: %w", err))
		}
		due = &t
	}

	list, err := h.tasks.EnsureDefaultList(ctx, inv.UserID)
	if err != nil {
		return nil, err
	}

	task, err := h.tasks.Create(ctx, tasks.CreateRequest{
		ListID:         list.ID,
		UserID:         inv.UserID,
		SessionID:      inv.SessionID,
		Title:          in.Title,
		Description:    in.Description,
		Priority:       in.Priority,
		DueDate:        due,
		CreatedByAgent: true,
	})
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"success": true,
		"task_id": task.ID,
		"title":   task.Title,
		"message": fmt.Sprintf("Task '%s' created successfully", task.Title),
	}, nil
}

type searchEmailInput struct {
	Query    string `json:"query"`
	FromDate string `json:"from_date"`
	ToDate   string `json:"to_date"`
}

func (h *handlers) searchEmail(ctx context.Context, inv Invocation, input json.RawMessage) (map[string]any, error) {
	var in searchEmailInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, validationError(SearchEmail, fmt.Errorf("invalid input: %w", err))
	}

	payload := map[string]any{"query": in.Query}
	for field, value := range map[string]string{"from_date": in.FromDate, "to_date": in.ToDate} {
		if value == "" {
			payload[field] = nil
			continue
		}
		if _, err := parseDate(value); err != nil {
			return nil, validationError(SearchEmail, fmt.Errorf("invalid %s: %w", field, err))
		}
		payload[field] = value
	}

	raw, err := h.workflows.Invoke(workflow.WithSessionID(ctx, inv.SessionID), workflowEmailSearch, payload)
	if err != nil {
		return nil, err
	}
	return decodeResult(raw)
}

type calendarEventInput struct {
	Title     string   `json:"title"`
	StartTime string   `json:"start_time"`
	EndTime   string   `json:"end_time"`
	Attendees []string `json:"attendees"`
}

func (h *handlers) createCalendarEvent(ctx context.Context, inv Invocation, input json.RawMessage) (map[string]any, error) {
	var in calendarEventInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, validationError(CreateCalendarEvent, fmt.Errorf("invalid input: %w", err))
	}

	start, err := time.Parse(time.RFC3339, in.StartTime)
	if err != nil {
		return nil, validationError(CreateCalendarEvent, fmt.Errorf("invalid start_time: %w", err))
	}
	end, err := time.Parse(time.RFC3339, in.EndTime)
	if err != nil {
		return nil, validationError(CreateCalendarEvent, fmt.Errorf("invalid end_time: %w", err))
	}
	if end.Before(start) {
		return nil, validationError(CreateCalendarEvent, fmt.Errorf("end_time %s is before start_time %s", in.EndTime, in.StartTime))
	}

	attendees := in.Attendees
	if attendees == nil {
		attendees = []string{}
	}

	raw, err := h.workflows.Invoke(workflow.WithSessionID(ctx, inv.SessionID), workflowCalendarCreate, map[string]any{
		"title":      in.Title,
		"start_time": in.StartTime,
		"end_time":   in.EndTime,
		"attendees":  attendees,
	})
	if err != nil {
		return nil, err
	}
	return decodeResult(raw)
}

type documentInput struct {
	DocumentPath string `json:"document_path"`
}

func (h *handlers) extractDocumentText(ctx context.Context, inv Invocation, input json.RawMessage) (map[string]any, error) {
	var in documentInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, validationError(ExtractDocumentText, fmt.Errorf("invalid input: %w", err))
	}
	if in.DocumentPath == "" {
		return nil, validationError(ExtractDocumentText, fmt.Errorf("document_path is empty"))
	}

	raw, err := h.workflows.Invoke(workflow.WithSessionID(ctx, inv.SessionID), workflowDocumentOCR, map[string]any{
		"document_path": in.DocumentPath,
	})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Text string `json:"text"`
	}
	// Non-object responses carry no text field.
	_ = json.Unmarshal(raw, &resp)
	return map[string]any{"text": resp.Text}, nil
}

func validationError(tool string, err error) error {
	return &ToolError{Tool: tool, Code: ErrToolValidation, Err: err}
}

// parseDate accepts a calendar date (YYYY-MM-DD) or a full RFC 3339 timestamp.
func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

// decodeResult turns a workflow response into a result map. Responses that
// are not JSON objects are returned under "result".
func decodeResult(raw json.RawMessage) (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil && obj != nil {
		return obj, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode workflow response: %w", err)
	}
	return map[string]any{"result": v}, nil
}
