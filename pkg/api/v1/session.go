package v1

import "time"

// SessionStatus represents the user-visible lifecycle state of a session
type SessionStatus string

const (
	SessionOpenIdle          SessionStatus = "OPEN_IDLE"
	SessionOpenRunning       SessionStatus = "OPEN_RUNNING"
	SessionOpenWaitingUser   SessionStatus = "OPEN_WAITING_USER"
	SessionOpenInputRequired SessionStatus = "OPEN_INPUT_REQUIRED"
	SessionOpenPaused        SessionStatus = "OPEN_PAUSED"
	SessionClosed            SessionStatus = "CLOSED"
	SessionErrored           SessionStatus = "ERRORED"
)

// SessionType distinguishes conversational sessions from bot sessions
type SessionType string

const (
	SessionTypeChat SessionType = "chat"
	SessionTypeBot  SessionType = "bot"
)

// WorkerState represents the lifecycle state of a session's worker process
type WorkerState string

const (
	WorkerStarting WorkerState = "starting"
	WorkerReady    WorkerState = "ready"
	WorkerBusy     WorkerState = "busy"
	WorkerDead     WorkerState = "dead"
)

// Session represents a user-scoped conversational unit with its own worker
type Session struct {
	ID               string        `json:"id"`
	Name             string        `json:"name"`
	Type             SessionType   `json:"type"`
	Status           SessionStatus `json:"status"`
	WorkerPID        *int          `json:"worker_pid,omitempty"`
	WorkerState      WorkerState   `json:"worker_state"`
	ConfirmedProject string        `json:"confirmed_project,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// MessageSender identifies the author of a session audit log entry
type MessageSender string

const (
	SenderUser   MessageSender = "user"
	SenderAgent  MessageSender = "agent"
	SenderSystem MessageSender = "system"
)
