package v1

import (
	"encoding/json"
	"time"
)

// Outbound event types published on the realtime evt channel
const (
	EventAgentMessage         = "agent_message"
	EventAgentStatus          = "agent_status"
	EventSessionUpdate        = "session_update"
	EventSessionStatusChanged = "session_status_changed"
	EventToolUse              = "tool_use"
	EventFileSend             = "file_send"
	EventFormRequest          = "form_request"
	EventModelsList           = "models_list"
	EventUIActionResult       = "ui_action_result"
	EventError                = "error"
)

// Event is the envelope published on the evt channel. All events carry the
// agent id and a timestamp; the remaining fields depend on Type.
type Event struct {
	Type          string          `json:"type"`
	AgentID       string          `json:"agentId"`
	SessionID     string          `json:"sessionId,omitempty"`
	SessionStatus SessionStatus   `json:"sessionStatus,omitempty"`
	Content       string          `json:"content,omitempty"`
	ContextSize   int             `json:"contextSize,omitempty"`
	ToolName      string          `json:"toolName,omitempty"`
	ToolCallID    string          `json:"toolCallId,omitempty"`
	FormID        string          `json:"formId,omitempty"`
	Form          json.RawMessage `json:"form,omitempty"`
	FileName      string          `json:"fileName,omitempty"`
	FileContents  string          `json:"fileContents,omitempty"`
	Models        []ModelInfo     `json:"models,omitempty"`
	Action        string          `json:"action,omitempty"`
	Success       *bool           `json:"success,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// ModelInfo describes one entry of the curated models list
type ModelInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Default     bool   `json:"default,omitempty"`
}
