package v1

import (
	"encoding/json"
	"time"
)

// HeartbeatRequest is sent to POST /agent/heartbeat
type HeartbeatRequest struct {
	ActiveSessions []string `json:"activeSessions"`
}

// HeartbeatResponse is the reply to a heartbeat
type HeartbeatResponse struct {
	AgentID string `json:"agentId"`
}

// PendingMessagesResponse is the reply to GET /messages/pending
type PendingMessagesResponse struct {
	Messages []json.RawMessage `json:"messages"`
}

// AckMessagesRequest is sent to POST /messages/ack
type AckMessagesRequest struct {
	MessageIDs []string `json:"messageIds"`
}

// SendMessageRequest is sent to POST /messages/send
type SendMessageRequest struct {
	SessionID string          `json:"sessionId"`
	Content   string          `json:"content"`
	FormData  json.RawMessage `json:"formData,omitempty"`
	FileData  json.RawMessage `json:"fileData,omitempty"`
}

// PatchSessionRequest is sent to PATCH /sessions/:id
type PatchSessionRequest struct {
	Name   string        `json:"name,omitempty"`
	Status SessionStatus `json:"status,omitempty"`
}

// RealtimeTokenResponse is the reply to POST /pubnub/token/agent.
// It carries everything needed to join the realtime channels.
type RealtimeTokenResponse struct {
	Token        string `json:"token"`
	SubscribeKey string `json:"subscribeKey"`
	PublishKey   string `json:"publishKey"`
	CmdChannel   string `json:"cmdChannel"`
	EvtChannel   string `json:"evtChannel"`
	ExpiresIn    int    `json:"expiresIn"` // seconds
}

// HistoryMessage is one entry of GET /messages/history
type HistoryMessage struct {
	MessageID string    `json:"messageId"`
	SessionID string    `json:"sessionId"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// HistoryResponse is the reply to GET /messages/history
type HistoryResponse struct {
	Messages []HistoryMessage `json:"messages"`
}

// PersonaResponse is the reply to GET /personas/:id
type PersonaResponse struct {
	PersonaID string `json:"personaId"`
	VersionID string `json:"versionId"`
	Content   string `json:"content"`
}

// ModelsResponse is the reply to GET /models/curated
type ModelsResponse struct {
	Models []ModelInfo `json:"models"`
}

// ReleaseInfo describes the latest published daemon release, used by the
// self-update check.
type ReleaseInfo struct {
	Version     string `json:"version"`
	DownloadURL string `json:"downloadUrl"`
	Notes       string `json:"notes,omitempty"`
}
