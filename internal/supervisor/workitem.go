// Package supervisor owns the per-session worker fleet: one actor per
// session serialising all work for that session, spawning and reaping the
// worker subprocess, and translating worker output into events for the
// outbound pipeline.
package supervisor

import (
	"time"

	"github.com/google/uuid"
)

// WorkItemKind classifies routed work
type WorkItemKind string

const (
	KindUserMessage  WorkItemKind = "USER_MESSAGE"
	KindCancel       WorkItemKind = "CANCEL"
	KindCloseSession WorkItemKind = "CLOSE_SESSION"
	KindStatus       WorkItemKind = "STATUS_REQUEST"
	KindListModels   WorkItemKind = "LIST_MODELS"
)

// Priorities. Control items outrank user messages.
const (
	PriorityNormal = 0
	PriorityHigh   = 1
)

// WorkItem is one unit of session work
type WorkItem struct {
	ID               string
	Kind             WorkItemKind
	MessageID        string
	Content          string
	PersonaID        string
	PersonaVersionID string
	Model            string
	Priority         int
	CreatedAt        time.Time
}

// NewWorkItem creates a work item for the given kind. Control kinds get
// high priority.
func NewWorkItem(kind WorkItemKind, messageID, content string) *WorkItem {
	priority := PriorityNormal
	switch kind {
	case KindCancel, KindCloseSession, KindStatus, KindListModels:
		priority = PriorityHigh
	}
	return &WorkItem{
		ID:        uuid.New().String(),
		Kind:      kind,
		MessageID: messageID,
		Content:   content,
		Priority:  priority,
		CreatedAt: time.Now().UTC(),
	}
}

// IsControl reports whether the item is a control command rather than a
// user turn.
func (w *WorkItem) IsControl() bool {
	return w.Priority == PriorityHigh
}
