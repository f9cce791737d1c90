// Package remote implements the REST client for the remote message service
// and the realtime pub/sub client layered on top of it.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/milohq/milo-agent/internal/common/config"
	"github.com/milohq/milo-agent/internal/common/logger"
	v1 "github.com/milohq/milo-agent/pkg/api/v1"
)

// StatusError is returned for non-2xx REST responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote returned %d: %s", e.Code, e.Body)
}

// IsPermanent reports whether err is a REST failure that will never succeed
// on retry (401, 403, 404).
func IsPermanent(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	}
	return false
}

// Client talks to the remote message service over REST.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewClient creates a REST client from configuration
func NewClient(cfg config.RemoteConfig, log *logger.Logger) *Client {
	timeout := time.Duration(cfg.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     log.WithFields(zap.String("component", "remote-client")),
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		return fmt.Errorf("failed to read response from %s: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response from %s: %w", path, err)
		}
	}
	return nil
}

// Heartbeat reports the currently active sessions and returns the agent id
// the remote assigned to this daemon.
func (c *Client) Heartbeat(ctx context.Context, activeSessions []string) (string, error) {
	if activeSessions == nil {
		activeSessions = []string{}
	}
	var resp v1.HeartbeatResponse
	err := c.do(ctx, http.MethodPost, "/agent/heartbeat", &v1.HeartbeatRequest{ActiveSessions: activeSessions}, &resp)
	if err != nil {
		return "", err
	}
	return resp.AgentID, nil
}

// PendingMessages fetches undelivered messages for this agent
func (c *Client) PendingMessages(ctx context.Context) ([]json.RawMessage, error) {
	var resp v1.PendingMessagesResponse
	if err := c.do(ctx, http.MethodGet, "/messages/pending", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// AckMessages acknowledges processed message ids
func (c *Client) AckMessages(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	return c.do(ctx, http.MethodPost, "/messages/ack", &v1.AckMessagesRequest{MessageIDs: messageIDs}, nil)
}

// SendMessage delivers an agent reply to the remote service
func (c *Client) SendMessage(ctx context.Context, req *v1.SendMessageRequest) error {
	return c.do(ctx, http.MethodPost, "/messages/send", req, nil)
}

// PatchSession updates session metadata on the remote service
func (c *Client) PatchSession(ctx context.Context, sessionID string, req *v1.PatchSessionRequest) error {
	return c.do(ctx, http.MethodPatch, "/sessions/"+url.PathEscape(sessionID), req, nil)
}

// RealtimeToken requests pub/sub credentials and channel names
func (c *Client) RealtimeToken(ctx context.Context) (*v1.RealtimeTokenResponse, error) {
	var resp v1.RealtimeTokenResponse
	if err := c.do(ctx, http.MethodPost, "/pubnub/token/agent", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// History fetches recent messages for a session
func (c *Client) History(ctx context.Context, sessionID string, limit int) ([]v1.HistoryMessage, error) {
	q := url.Values{}
	q.Set("sessionId", sessionID)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp v1.HistoryResponse
	if err := c.do(ctx, http.MethodGet, "/messages/history?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// Persona fetches a persona definition for the local cache
func (c *Client) Persona(ctx context.Context, personaID, versionID string) (*v1.PersonaResponse, error) {
	path := "/personas/" + url.PathEscape(personaID)
	if versionID != "" {
		q := url.Values{}
		q.Set("versionId", versionID)
		path += "?" + q.Encode()
	}
	var resp v1.PersonaResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CuratedModels fetches the curated model list
func (c *Client) CuratedModels(ctx context.Context) ([]v1.ModelInfo, error) {
	var resp v1.ModelsResponse
	if err := c.do(ctx, http.MethodGet, "/models/curated", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Models, nil
}

// LatestRelease fetches the latest published daemon release for the
// self-update check.
func (c *Client) LatestRelease(ctx context.Context) (*v1.ReleaseInfo, error) {
	var resp v1.ReleaseInfo
	if err := c.do(ctx, http.MethodGet, "/agent/releases/latest", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
