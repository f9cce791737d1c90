// Package ingest is the durable receive path: it deduplicates incoming
// messages, acknowledges them, classifies the work and routes it to the
// session actors or handles it inline.
package ingest

import (
	"strings"

	"github.com/milohq/milo-agent/internal/supervisor"
)

// Content aliases matched when no structured uiAction tag is present. The
// match is a trimmed, lower-cased equality, never a substring match.
var contentAliases = map[string]supervisor.WorkItemKind{
	"cancel":        supervisor.KindCancel,
	"/cancel":       supervisor.KindCancel,
	"close":         supervisor.KindCloseSession,
	"/close":        supervisor.KindCloseSession,
	"close session": supervisor.KindCloseSession,
	"status":        supervisor.KindStatus,
	"/status":       supervisor.KindStatus,
	"models":        supervisor.KindListModels,
	"/models":       supervisor.KindListModels,
}

// Classify determines the work item kind for a user message. A structured
// uiAction tag wins; otherwise the content is matched against the alias
// table. Anything else is a user message.
func Classify(uiAction, content string) supervisor.WorkItemKind {
	if uiAction != "" {
		switch strings.ToUpper(strings.TrimSpace(uiAction)) {
		case "CANCEL":
			return supervisor.KindCancel
		case "CLOSE_SESSION":
			return supervisor.KindCloseSession
		case "STATUS_REQUEST":
			return supervisor.KindStatus
		case "LIST_MODELS":
			return supervisor.KindListModels
		}
	}
	if kind, ok := contentAliases[strings.ToLower(strings.TrimSpace(content))]; ok {
		return kind
	}
	return supervisor.KindUserMessage
}
