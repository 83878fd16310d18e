// ABOUTME: Streaming form of a turn as a strictly ordered event channel
// ABOUTME: start, tool_call/tool_result pairs, token chunks, then exactly one end or error

package orchestrator

import (
	"context"
	"encoding/json"
	"unicode"
	"unicode/utf8"
)

// EventType discriminates stream events.
type EventType string

const (
	EventStart      EventType = "start"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventToken      EventType = "token"
	EventEnd        EventType = "end"
	EventError      EventType = "error"
	// EventMessage carries a completed non-streamed reply to delivery subscribers.
	EventMessage EventType = "message"
)

// streamBufferSize bounds how far the turn may run ahead of its consumer.
const streamBufferSize = 64

// Event is one frame of a streamed turn. Fields are set according to Type.
type Event struct {
	Type       EventType       `json:"type"`
	SessionID  string          `json:"session_id,omitempty"`
	Tool       string          `json:"tool,omitempty"`
	ToolUseID  string          `json:"tool_use_id,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Success    *bool           `json:"success,omitempty"`
	Result     map[string]any  `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Content    string          `json:"content,omitempty"`
	MessageID  string          `json:"message_id,omitempty"`
	TokensUsed *int64          `json:"tokens_used,omitempty"`
	Message    string          `json:"message,omitempty"`
}

// Terminal reports whether no event may follow e.
func (e Event) Terminal() bool {
	return e.Type == EventEnd || e.Type == EventError
}

// StreamTurn runs a turn and reports its progress on the returned channel,
// which is closed after the terminal event. Validation, lock and ownership
// failures are returned directly, before any event is produced.
//
// The reply is not streamed from the model: once the assistant message is
// persisted it is split into word chunks whose concatenation is exactly the
// stored content. A client therefore never sees text that was not stored.
//
// When ctx ends the channel stops receiving events, but the turn keeps
// running until its in-flight tools and writes finish.
func (e *Engine) StreamTurn(ctx context.Context, req TurnRequest) (<-chan Event, error) {
	t, err := e.begin(ctx, req)
	if err != nil {
		return nil, err
	}
	t.streamed = true

	out := make(chan Event, streamBufferSize)
	go func() {
		defer close(out)
		defer t.unlock()

		sessionID := t.session.ID
		deliverCtx := context.WithoutCancel(ctx)
		emit := func(ev Event) {
			e.deliver(deliverCtx, sessionID, ev)
			if ctx.Err() != nil {
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
			}
		}

		emit(Event{Type: EventStart, SessionID: sessionID})

		res, err := e.run(ctx, t, emit)
		if err != nil {
			emit(Event{Type: EventError, SessionID: sessionID, Message: e.errorMsg(err)})
			return
		}

		for _, chunk := range ChunkText(res.Reply) {
			emit(Event{Type: EventToken, Content: chunk})
		}
		tokens := res.TokensUsed
		emit(Event{
			Type:       EventEnd,
			SessionID:  sessionID,
			MessageID:  res.MessageID,
			TokensUsed: &tokens,
		})
	}()
	return out, nil
}

// ChunkText splits s into words, each carrying its trailing whitespace.
// Leading whitespace is kept on the first chunk. Joining the chunks yields s.
func ChunkText(s string) []string {
	var chunks []string
	start := 0
	inSpace := false
	for i, r := range s {
		space := unicode.IsSpace(r)
		if !space && inSpace && i > start {
			// a word begins after whitespace: close the previous chunk
			if hasWord(s[start:i]) {
				chunks = append(chunks, s[start:i])
				start = i
			}
		}
		inSpace = space
	}
	if start < len(s) {
		chunks = append(chunks, s[start:])
	}
	return chunks
}

func hasWord(s string) bool {
	for len(s) > 0 {
		r, size := utf8.DecodeRuneInString(s)
		if !unicode.IsSpace(r) {
			return true
		}
		s = s[size:]
	}
	return false
}
