package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// EventType is the "type" discriminator of one NDJSON agent event.
type EventType string

const (
	EventSystem     EventType = "system"
	EventAssistant  EventType = "assistant"
	EventUser       EventType = "user"
	EventToolUse    EventType = "tool_use"
	EventToolResult EventType = "tool_result"
	EventResult     EventType = "result"
	EventError      EventType = "error"
)

// Event is one line of an agent's stream-json output. Fields not used by
// a given type are left zero; unknown types decode with only Type set.
type Event struct {
	Type      EventType `json:"type"`
	Subtype   string    `json:"subtype,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Tools     []string  `json:"tools,omitempty"`
	Message   *Message  `json:"message,omitempty"`

	// tool_use / tool_result
	Tool      string          `json:"tool,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    string          `json:"output,omitempty"`

	// result
	Result     string  `json:"result,omitempty"`
	IsError    bool    `json:"is_error,omitempty"`
	DurationMS int64   `json:"duration_ms,omitempty"`
	CostUSD    float64 `json:"cost_usd,omitempty"`
	NumTurns   int     `json:"num_turns,omitempty"`

	// error
	Error *ErrorInfo `json:"error,omitempty"`
}

// Message is the payload of assistant and user events.
type Message struct {
	Role    string  `json:"role,omitempty"`
	Content Content `json:"content"`
}

// ErrorInfo is the payload of an error event.
type ErrorInfo struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Failed reports whether the event signals that the agent gave up.
func (e Event) Failed() bool {
	return e.Type == EventError || (e.Type == EventResult && e.IsError)
}

// FailureReason describes a failing event for logs and history.
func (e Event) FailureReason() string {
	switch {
	case e.Type == EventError && e.Error != nil:
		if e.Error.Code != "" {
			return fmt.Sprintf("agent error %s: %s", e.Error.Code, e.Error.Message)
		}
		return "agent error: " + e.Error.Message
	case e.Type == EventError:
		return "agent error"
	case e.Result != "":
		return "agent result error: " + e.Result
	default:
		return "agent result error"
	}
}

// BlockType is the "type" discriminator of a content block.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
	BlockThinking   BlockType = "thinking"
)

// Block is one structured element of message content.
type Block struct {
	Type      BlockType       `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Content is either a plain string or a list of blocks. Exactly one of
// Text and Blocks is meaningful, selected by IsText.
type Content struct {
	IsText bool
	Text   string
	Blocks []Block
}

// TextContent builds string content.
func TextContent(s string) Content { return Content{IsText: true, Text: s} }

// BlockContent builds block content.
func BlockContent(blocks ...Block) Content { return Content{Blocks: blocks} }

func (c *Content) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*c = Content{}
		return nil
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = TextContent(s)
		return nil
	case data[0] == '[':
		var blocks []Block
		if err := json.Unmarshal(data, &blocks); err != nil {
			return err
		}
		*c = BlockContent(blocks...)
		return nil
	}
	return fmt.Errorf("content must be a string or an array, got %q", data[:1])
}

func (c Content) MarshalJSON() ([]byte, error) {
	if c.IsText {
		return json.Marshal(c.Text)
	}
	if c.Blocks == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(c.Blocks)
}

// PlainText joins the text of the content, ignoring non-text blocks.
func (c Content) PlainText() string {
	if c.IsText {
		return c.Text
	}
	var parts []string
	for _, b := range c.Blocks {
		if b.Type == BlockText && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}
