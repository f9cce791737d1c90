package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/milohq/milo-agent/internal/common/config"
	"github.com/milohq/milo-agent/internal/common/logger"
	v1 "github.com/milohq/milo-agent/pkg/api/v1"
)

// fastFrameServer upgrades the connection, consumes the subscribe frame and
// then streams message frames until the connection drops.
func fastFrameServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub frame
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		payload, _ := json.Marshal(map[string]string{"type": "user_message"})
		for {
			if err := conn.WriteJSON(&frame{Action: actionMessage, Payload: payload}); err != nil {
				return
			}
			time.Sleep(2 * time.Millisecond)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestReadUntilClosedReapsReader(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	require.NoError(t, err)

	srv := fastFrameServer(t)
	baseline := runtime.NumGoroutine()

	received := make(chan struct{}, 1)
	c := NewRealtimeClient(config.RealtimeConfig{}, config.RemoteConfig{BaseURL: srv.URL}, nil, func(json.RawMessage) {
		select {
		case received <- struct{}{}:
		default:
		}
	}, log)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial(wsURL, nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(&frame{Action: actionSubscribe, Channel: "cmd"}))

	c.mu.Lock()
	c.conn = conn
	c.token = &v1.RealtimeTokenResponse{ExpiresIn: 3600, CmdChannel: "cmd", EvtChannel: "evt"}
	c.connected = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.readUntilClosed(context.Background())
		close(done)
	}()

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("no frame reached the handler")
	}

	// Stop while the server keeps frames in flight, so the reader is parked
	// on its channel send when the loop exits.
	close(c.stopCh)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not stop")
	}

	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= baseline
	}, 2*time.Second, 10*time.Millisecond, "reader goroutine leaked past teardown")
}
