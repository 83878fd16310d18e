// ABOUTME: Static catalog of the tools the assistant may call
// ABOUTME: Each tool carries its JSON input schema as a string, parsed on demand

package tools

import (
	"encoding/json"
	"fmt"

	"github.com/robertvill8/orbit-backend/internal/llm"
)

// Tool names.
const (
	CreateTask          = "create_task"
	SearchEmail         = "search_email"
	CreateCalendarEvent = "create_calendar_event"
	ExtractDocumentText = "extract_document_text"
)

// Tool is a catalog entry: the definition exposed to the model.
type Tool struct {
	Name        string
	Description string
	InputSchema string
}

var catalog = []Tool{
	{
		Name: CreateTask,
		Description: "Create a new task with title, description, priority, and optional due date. " +
			"Use this when the user asks you to remember something, create a todo, or schedule a task.",
		InputSchema: `{"type":"object","properties":{` +
			`"title":{"type":"string","description":"Clear, concise task title"},` +
			`"description":{"type":"string","description":"Detailed task description (optional)"},` +
			`"priority":{"type":"string","enum":["low","medium","high"],"description":"Task priority level","default":"medium"},` +
			`"due_date":{"type":"string","description":"Due date in ISO 8601 format (YYYY-MM-DD) if mentioned by user"}` +
			`},"required":["title"]}`,
	},
	{
		Name: SearchEmail,
		Description: "Search through the user's emails by keywords or date range. " +
			"Use this when the user asks about emails, wants to find specific messages, or check their inbox.",
		InputSchema: `{"type":"object","properties":{` +
			`"query":{"type":"string","description":"Search query (keywords, sender name, subject)"},` +
			`"from_date":{"type":"string","description":"Start date for search range (ISO 8601 format: YYYY-MM-DD)"},` +
			`"to_date":{"type":"string","description":"End date for search range (ISO 8601 format: YYYY-MM-DD)"}` +
			`},"required":["query"]}`,
	},
	{
		Name: CreateCalendarEvent,
		Description: "Create a calendar event with title, date, time, and optional attendees. " +
			"Use this when the user wants to schedule a meeting, set an appointment, or add an event to their calendar.",
		InputSchema: `{"type":"object","properties":{` +
			`"title":{"type":"string","description":"Event title"},` +
			`"start_time":{"type":"string","description":"Event start time (ISO 8601 datetime format)"},` +
			`"end_time":{"type":"string","description":"Event end time (ISO 8601 datetime format)"},` +
			`"attendees":{"type":"array","items":{"type":"string"},"description":"List of attendee email addresses"}` +
			`},"required":["title","start_time","end_time"]}`,
	},
	{
		Name: ExtractDocumentText,
		Description: "Extract text from a document using OCR. " +
			"Use this when the user uploads a document and wants to extract its content.",
		InputSchema: `{"type":"object","properties":{` +
			`"document_path":{"type":"string","description":"Path to the document file"}` +
			`},"required":["document_path"]}`,
	},
}

// Catalog returns every registered tool in a stable order.
func Catalog() []Tool {
	out := make([]Tool, len(catalog))
	copy(out, catalog)
	return out
}

// Lookup finds a tool by name.
func Lookup(name string) (Tool, bool) {
	for _, t := range catalog {
		if t.Name == name {
			return t, true
		}
	}
	return Tool{}, false
}

// Definition converts the tool into the provider-neutral LLM definition.
func (t Tool) Definition() (llm.ToolDefinition, error) {
	var schema map[string]any
	if err := json.Unmarshal([]byte(t.InputSchema), &schema); err != nil {
		return llm.ToolDefinition{}, fmt.Errorf("parse schema for %s: %w", t.Name, err)
	}
	return llm.ToolDefinition{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: schema,
	}, nil
}

// Definitions returns the LLM definitions of the whole catalog.
func Definitions() []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(catalog))
	for _, t := range catalog {
		def, err := t.Definition()
		if err != nil {
			// catalog schemas are constants; a parse failure is a programming error
			panic(err)
		}
		defs = append(defs, def)
	}
	return defs
}
