// Package ipc implements the line-delimited JSON protocol spoken between the
// daemon and its per-session worker subprocesses. Each message is one JSON
// object on one line; the "type" field is the discriminant. The worker's
// stderr is its log channel and is never parsed.
package ipc

import "encoding/json"

// Command types, daemon to worker. Init is always sent first.
const (
	CmdInit         = "WORKER_INIT"
	CmdTask         = "WORKER_TASK"
	CmdCancel       = "WORKER_CANCEL"
	CmdSteer        = "WORKER_STEER"
	CmdAnswer       = "WORKER_ANSWER"
	CmdFormResponse = "WORKER_FORM_RESPONSE"
	CmdClose        = "WORKER_CLOSE"
)

// Event types, worker to daemon.
const (
	EvtReady         = "WORKER_READY"
	EvtTaskStarted   = "WORKER_TASK_STARTED"
	EvtTaskDone      = "WORKER_TASK_DONE"
	EvtTaskCancelled = "WORKER_TASK_CANCELLED"
	EvtError         = "WORKER_ERROR"
	EvtProgress      = "WORKER_PROGRESS"
	EvtStreamText    = "WORKER_STREAM_TEXT"
	EvtToolStart     = "WORKER_TOOL_START"
	EvtToolEnd       = "WORKER_TOOL_END"
	EvtQuestion      = "WORKER_QUESTION"
	EvtFormRequest   = "WORKER_FORM_REQUEST"
	EvtFileSend      = "WORKER_FILE_SEND"
	EvtProjectSet    = "WORKER_PROJECT_SET"
)

// InitConfig is the configuration bundle delivered with WORKER_INIT.
type InitConfig struct {
	Model         string            `json:"model,omitempty"`
	PersonaPath   string            `json:"personaPath,omitempty"`
	SkillPaths    []string          `json:"skillPaths,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	HistoryJSON   json.RawMessage   `json:"history,omitempty"`
	OrphanTimeout int               `json:"orphanTimeoutSeconds,omitempty"`
}

// Command is a daemon-to-worker message. Fields beyond Type are populated
// per kind; unknown fields are ignored by the receiver.
type Command struct {
	Type string `json:"type"`

	// Init
	SessionID     string      `json:"sessionId,omitempty"`
	SessionType   string      `json:"sessionType,omitempty"`
	ProjectPath   string      `json:"projectPath,omitempty"`
	WorkspacePath string      `json:"workspacePath,omitempty"`
	Config        *InitConfig `json:"config,omitempty"`

	// Task / Steer / Answer
	TaskID  string `json:"taskId,omitempty"`
	Content string `json:"content,omitempty"`

	// Answer
	ToolCallID string `json:"toolCallId,omitempty"`

	// FormResponse
	FormID     string          `json:"formId,omitempty"`
	FormStatus string          `json:"formStatus,omitempty"`
	FormValues json.RawMessage `json:"formValues,omitempty"`
}

// WorkerEvent is a worker-to-daemon message.
type WorkerEvent struct {
	Type string `json:"type"`

	TaskID  string `json:"taskId,omitempty"`
	Content string `json:"content,omitempty"`

	// Error
	Message string `json:"message,omitempty"`
	Fatal   bool   `json:"fatal,omitempty"`

	// Progress
	ContextSize int `json:"contextSize,omitempty"`

	// Tool start/end
	ToolName   string `json:"toolName,omitempty"`
	ToolCallID string `json:"toolCallId,omitempty"`
	ToolOutput string `json:"toolOutput,omitempty"`

	// Form request
	FormID string          `json:"formId,omitempty"`
	Form   json.RawMessage `json:"form,omitempty"`

	// File send
	FileName     string `json:"fileName,omitempty"`
	FileContents string `json:"fileContents,omitempty"`

	// Project set
	ProjectPath string `json:"projectPath,omitempty"`
}

var commandTypes = map[string]bool{
	CmdInit: true, CmdTask: true, CmdCancel: true, CmdSteer: true,
	CmdAnswer: true, CmdFormResponse: true, CmdClose: true,
}

var eventTypes = map[string]bool{
	EvtReady: true, EvtTaskStarted: true, EvtTaskDone: true,
	EvtTaskCancelled: true, EvtError: true, EvtProgress: true,
	EvtStreamText: true, EvtToolStart: true, EvtToolEnd: true,
	EvtQuestion: true, EvtFormRequest: true, EvtFileSend: true,
	EvtProjectSet: true,
}

// IsCommandType reports whether t is a known daemon-to-worker type.
func IsCommandType(t string) bool { return commandTypes[t] }

// IsEventType reports whether t is a known worker-to-daemon type.
func IsEventType(t string) bool { return eventTypes[t] }
