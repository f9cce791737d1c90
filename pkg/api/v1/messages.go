package v1

import "encoding/json"

// Incoming message types on the realtime cmd channel
const (
	IncomingTypeUserMessage  = "user_message"
	IncomingTypeFormResponse = "form_response"
	IncomingTypeUIAction     = "ui_action"
)

// UI actions carried by ui_action control messages
const (
	UIActionDeleteSession = "DELETE_SESSION"
	UIActionUpdateAgent   = "UPDATE_MILO_AGENT"
	UIActionCheckUpdates  = "check_milo_agent_updates"
	UIActionRunUpdate     = "update_milo_agent"
	UIActionSkillInstall  = "skill_install"
	UIActionSkillUpdate   = "skill_update"
	UIActionSkillDelete   = "skill_delete"
)

// IncomingEnvelope is the outer shape of every payload received on the cmd
// channel; Type selects which of the embedded contracts applies.
type IncomingEnvelope struct {
	Type string `json:"type"`
}

// UserMessage is a user message routed to a session
type UserMessage struct {
	Type             string      `json:"type"`
	MessageID        string      `json:"messageId"`
	SessionID        string      `json:"sessionId"`
	SessionType      SessionType `json:"sessionType"`
	SessionName      string      `json:"sessionName,omitempty"`
	Content          string      `json:"content"`
	UIAction         string      `json:"uiAction,omitempty"`
	PersonaID        string      `json:"personaId,omitempty"`
	PersonaVersionID string      `json:"personaVersionId,omitempty"`
	Model            string      `json:"model,omitempty"`
	Timestamp        int64       `json:"timestamp"`
}

// FormResponseStatus is the user's disposition of a form request
type FormResponseStatus string

const (
	FormSubmitted FormResponseStatus = "submitted"
	FormCancelled FormResponseStatus = "cancelled"
)

// FormResponse answers a previously emitted form request
type FormResponse struct {
	Type      string             `json:"type"`
	FormID    string             `json:"formId"`
	SessionID string             `json:"sessionId,omitempty"`
	Status    FormResponseStatus `json:"status"`
	Values    json.RawMessage    `json:"values,omitempty"`
}

// UIActionMessage is a control command from the UI that is not bound to a
// session worker (session deletion, agent update, skill management).
type UIActionMessage struct {
	Type      string          `json:"type"`
	Action    string          `json:"action"`
	SessionID string          `json:"sessionId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}
