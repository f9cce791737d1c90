package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/milohq/milo-agent/internal/common/config"
	"github.com/milohq/milo-agent/internal/common/logger"
	v1 "github.com/milohq/milo-agent/pkg/api/v1"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 10 * 1024 * 1024
	reconnectDelay = 5 * time.Second
)

// Frame actions on the realtime gateway connection
const (
	actionSubscribe = "subscribe"
	actionPublish   = "publish"
	actionMessage   = "message"
)

// frame is the wire format exchanged with the realtime gateway.
type frame struct {
	Action  string          `json:"action"`
	Channel string          `json:"channel,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MessageHandler receives payloads from the cmd channel
type MessageHandler func(payload json.RawMessage)

// RealtimeClient maintains the pub/sub connection to the realtime gateway.
// It subscribes to the agent's cmd channel and publishes events on the evt
// channel. Tokens are refreshed at a fraction of their announced lifetime
// and the connection is re-established on failure.
type RealtimeClient struct {
	cfg     config.RealtimeConfig
	baseURL string
	rest    *Client
	handler MessageHandler
	logger  *logger.Logger

	mu        sync.RWMutex
	conn      *websocket.Conn
	token     *v1.RealtimeTokenResponse
	connected bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRealtimeClient creates a realtime client. handler is invoked for every
// payload received on the cmd channel.
func NewRealtimeClient(cfg config.RealtimeConfig, remoteCfg config.RemoteConfig, rest *Client, handler MessageHandler, log *logger.Logger) *RealtimeClient {
	return &RealtimeClient{
		cfg:     cfg,
		baseURL: remoteCfg.BaseURL,
		rest:    rest,
		handler: handler,
		logger:  log.WithFields(zap.String("component", "realtime")),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the connect/read/refresh loop
func (c *RealtimeClient) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.run(ctx)
}

// Stop closes the connection and waits for the loop to exit
func (c *RealtimeClient) Stop() {
	close(c.stopCh)
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// IsConnected reports whether the cmd channel subscription is live
func (c *RealtimeClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Publish sends an event to the evt channel. Failures are returned for
// logging only; the caller keeps the durable copy in the outbox.
func (c *RealtimeClient) Publish(_ context.Context, event *v1.Event) error {
	c.mu.RLock()
	conn := c.conn
	token := c.token
	connected := c.connected
	c.mu.RUnlock()

	if !connected || conn == nil || token == nil {
		return fmt.Errorf("realtime channel not connected")
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(&frame{Action: actionPublish, Channel: token.EvtChannel, Payload: payload}); err != nil {
		return fmt.Errorf("failed to publish to evt channel: %w", err)
	}
	return nil
}

func (c *RealtimeClient) run(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := c.connect(ctx); err != nil {
			c.logger.Warn("realtime connect failed, retrying", zap.Error(err))
			select {
			case <-time.After(reconnectDelay):
				continue
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}

		c.readUntilClosed(ctx)

		c.setConnected(false)
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (c *RealtimeClient) connect(ctx context.Context) error {
	token, err := c.rest.RealtimeToken(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch realtime token: %w", err)
	}

	gatewayURL := c.cfg.GatewayURL
	if gatewayURL == "" {
		gatewayURL = deriveGatewayURL(c.baseURL)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, gatewayURL+"?token="+token.Token+"&key="+token.SubscribeKey, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", gatewayURL, err)
	}
	conn.SetReadLimit(maxFrameSize)

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(&frame{Action: actionSubscribe, Channel: token.CmdChannel}); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to subscribe to cmd channel: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.token = token
	c.connected = true
	c.mu.Unlock()

	c.logger.Info("realtime channel connected",
		zap.String("cmd_channel", token.CmdChannel),
		zap.String("evt_channel", token.EvtChannel),
		zap.Int("expires_in", token.ExpiresIn))
	return nil
}

// readUntilClosed pumps frames until the connection drops, the token needs
// refreshing, or the client stops.
func (c *RealtimeClient) readUntilClosed(ctx context.Context) {
	c.mu.RLock()
	conn := c.conn
	token := c.token
	c.mu.RUnlock()

	refresh := time.NewTimer(c.refreshAfter(token.ExpiresIn))
	defer refresh.Stop()
	pinger := time.NewTicker(pingPeriod)
	defer pinger.Stop()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	frames := make(chan *frame)
	readErr := make(chan error, 1)
	go func() {
		defer close(frames)
		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				readErr <- err
				return
			}
			frames <- &f
		}
	}()

	// teardown closes the connection so the reader goroutine unblocks with
	// a read error, then drains frames until it exits. Without the drain a
	// reader parked on the unbuffered send would leak on every reconnect.
	teardown := func() {
		_ = conn.Close()
		for range frames {
		}
	}

	for {
		select {
		case <-c.stopCh:
			teardown()
			return
		case <-ctx.Done():
			teardown()
			return
		case <-refresh.C:
			c.logger.Debug("refreshing realtime token")
			teardown()
			return
		case <-pinger.C:
			c.mu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.mu.Unlock()
			if err != nil {
				c.logger.Warn("realtime ping failed", zap.Error(err))
				teardown()
				return
			}
		case err := <-readErr:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("realtime connection lost", zap.Error(err))
			}
			teardown()
			return
		case f, ok := <-frames:
			if !ok {
				teardown()
				return
			}
			if f.Action != actionMessage {
				continue
			}
			if c.handler != nil {
				c.handler(f.Payload)
			}
		}
	}
}

// refreshAfter computes the token refresh delay: a configured fraction of
// the announced lifetime with a floor.
func (c *RealtimeClient) refreshAfter(expiresIn int) time.Duration {
	fraction := c.cfg.TokenRefreshFraction
	if fraction <= 0 || fraction > 1 {
		fraction = 0.8
	}
	d := time.Duration(float64(expiresIn)*fraction) * time.Second
	min := time.Duration(c.cfg.MinTokenRefresh) * time.Second
	if min <= 0 {
		min = time.Minute
	}
	if d < min {
		d = min
	}
	return d
}

func (c *RealtimeClient) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func deriveGatewayURL(baseURL string) string {
	u := strings.TrimRight(baseURL, "/")
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/realtime"
}
