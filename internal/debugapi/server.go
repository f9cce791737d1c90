// Package debugapi serves a local-only HTTP surface for inspecting the
// daemon: health, status, sessions, recent session messages and a tail of
// the internal event bus. It binds to loopback and is disabled by default.
package debugapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/milohq/milo-agent/internal/common/config"
	apperrors "github.com/milohq/milo-agent/internal/common/errors"
	"github.com/milohq/milo-agent/internal/common/logger"
	"github.com/milohq/milo-agent/internal/events/bus"
	"github.com/milohq/milo-agent/internal/store"
	"github.com/milohq/milo-agent/internal/supervisor"
)

// eventTailSize bounds the in-memory tail of bus events
const eventTailSize = 256

// StatusProvider exposes the daemon state the debug surface reports.
type StatusProvider interface {
	AgentID() string
	Version() string
	RealtimeConnected() bool
	OutboxDepth(ctx context.Context) (int, error)
	Actors() map[string]supervisor.ActorInfo
}

// Server is the local debug HTTP server.
type Server struct {
	cfg      config.DebugConfig
	status   StatusProvider
	store    *store.Store
	events   *eventTail
	bus      bus.EventBus
	sub      bus.Subscription
	logger   *logger.Logger
	srv      *http.Server
	startErr chan error
}

// NewServer creates the debug server. eventBus may be nil, in which case the
// events tail stays empty.
func NewServer(cfg config.DebugConfig, status StatusProvider, st *store.Store, eventBus bus.EventBus, log *logger.Logger) *Server {
	return &Server{
		cfg:      cfg,
		status:   status,
		store:    st,
		events:   newEventTail(eventTailSize),
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "debug-api")),
		startErr: make(chan error, 1),
	}
}

// eventTail is a bounded ring of the most recent bus events.
type eventTail struct {
	mu    sync.Mutex
	ring  []*bus.Event
	next  int
	count int
}

func newEventTail(size int) *eventTail {
	return &eventTail{ring: make([]*bus.Event, size)}
}

func (t *eventTail) add(ev *bus.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ring[t.next] = ev
	t.next = (t.next + 1) % len(t.ring)
	if t.count < len(t.ring) {
		t.count++
	}
}

// snapshot returns the tail oldest first
func (t *eventTail) snapshot() []*bus.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*bus.Event, 0, t.count)
	start := t.next - t.count
	if start < 0 {
		start += len(t.ring)
	}
	for i := 0; i < t.count; i++ {
		out = append(out, t.ring[(start+i)%len(t.ring)])
	}
	return out
}

// Router builds the gin handler
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.handleHealth)
	r.GET("/status", s.handleStatus)
	r.GET("/sessions", s.handleSessions)
	r.GET("/sessions/:id/messages", s.handleSessionMessages)
	r.GET("/events", s.handleEvents)
	return r
}

// Start begins serving and tails the event bus. Returns immediately; bind
// errors surface in logs.
func (s *Server) Start() {
	if s.bus != nil {
		sub, err := s.bus.Subscribe(bus.SubjectSessionAll, func(_ context.Context, ev *bus.Event) error {
			s.events.add(ev)
			return nil
		})
		if err != nil {
			s.logger.Warn("failed to subscribe to session events", zap.Error(err))
		} else {
			s.sub = sub
		}
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.srv = &http.Server{Addr: addr, Handler: s.Router()}
	go func() {
		s.logger.Info("debug api listening", zap.String("addr", addr))
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("debug api failed", zap.Error(err))
			s.startErr <- err
		}
	}()
}

// Stop shuts the server down gracefully
func (s *Server) Stop(ctx context.Context) {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	if s.srv == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("debug api shutdown failed", zap.Error(err))
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	depth, err := s.status.OutboxDepth(c.Request.Context())
	if err != nil {
		s.logger.Warn("failed to read outbox depth", zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{
		"agent_id":           s.status.AgentID(),
		"version":            s.status.Version(),
		"realtime_connected": s.status.RealtimeConnected(),
		"outbox_depth":       depth,
		"actors":             s.status.Actors(),
	})
}

func (s *Server) handleSessions(c *gin.Context) {
	sessions, err := s.store.GetActiveSessions(c.Request.Context())
	if err != nil {
		c.JSON(apperrors.GetHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) handleSessionMessages(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	msgs, err := s.store.GetSessionMessages(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(apperrors.GetHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (s *Server) handleEvents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"events": s.events.snapshot()})
}
