package store

import (
	"time"

	v1 "github.com/milohq/milo-agent/pkg/api/v1"
)

// InboxEntry is a received message recorded for deduplication and redrive.
type InboxEntry struct {
	MessageID   string         `db:"message_id"`
	SessionID   string         `db:"session_id"`
	SessionType v1.SessionType `db:"session_type"`
	SessionName string         `db:"session_name"`
	Content     string         `db:"content"`
	UIAction    string         `db:"ui_action"`
	Processed   bool           `db:"processed"`
	ReceivedAt  time.Time      `db:"received_at"`
}

// OutboxEntry is an outbound event pending REST delivery.
type OutboxEntry struct {
	ID        int64     `db:"id"`
	Kind      string    `db:"kind"`
	Payload   string    `db:"payload"`
	SessionID *string   `db:"session_id"`
	Retries   int       `db:"retries"`
	LastError string    `db:"last_error"`
	Sent      bool      `db:"sent"`
	CreatedAt time.Time `db:"created_at"`
}

// Outbox event kinds
const (
	OutboxKindAckMessage  = "ack_message"
	OutboxKindSendMessage = "send_message"
)

// SessionRow is the persisted session record.
type SessionRow struct {
	ID               string           `db:"id"`
	Name             string           `db:"name"`
	Type             v1.SessionType   `db:"type"`
	Status           v1.SessionStatus `db:"status"`
	WorkerPID        *int             `db:"worker_pid"`
	WorkerState      v1.WorkerState   `db:"worker_state"`
	ConfirmedProject string           `db:"confirmed_project"`
	CreatedAt        time.Time        `db:"created_at"`
	UpdatedAt        time.Time        `db:"updated_at"`
}

// SessionMessage is one entry of the append-only session audit log.
type SessionMessage struct {
	ID        int64            `db:"id"`
	SessionID string           `db:"session_id"`
	Sender    v1.MessageSender `db:"sender"`
	Content   string           `db:"content"`
	MessageID string           `db:"message_id"`
	CreatedAt time.Time        `db:"created_at"`
}
