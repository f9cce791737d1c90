package outbound

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/milohq/milo-agent/internal/common/config"
	"github.com/milohq/milo-agent/internal/common/logger"
	"github.com/milohq/milo-agent/internal/remote"
	"github.com/milohq/milo-agent/internal/store"
	v1 "github.com/milohq/milo-agent/pkg/api/v1"
)

// Sender is the REST delivery capability the flusher dispatches through.
type Sender interface {
	SendMessage(ctx context.Context, req *v1.SendMessageRequest) error
	AckMessages(ctx context.Context, messageIDs []string) error
}

// Flusher periodically drains unsent outbox entries in insertion order.
// Responses 401, 403 and 404 are treated as permanent: the entry is marked
// sent so a doomed request is not retried forever. Anything else increments
// the retry counter; entries past the cap are left behind and surface in
// the outbox depth gauge.
type Flusher struct {
	store  *store.Store
	sender Sender
	cfg    config.OutboxConfig
	logger *logger.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewFlusher creates an outbox flusher
func NewFlusher(st *store.Store, sender Sender, cfg config.OutboxConfig, log *logger.Logger) *Flusher {
	return &Flusher{
		store:  st,
		sender: sender,
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "outbox-flusher")),
		stopCh: make(chan struct{}),
	}
}

// Start begins the periodic flush loop
func (f *Flusher) Start(ctx context.Context) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		interval := time.Duration(f.cfg.FlushInterval) * time.Second
		if interval <= 0 {
			interval = 10 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-f.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				f.FlushOnce(ctx)
			}
		}
	}()
}

// Stop halts the flush loop
func (f *Flusher) Stop() {
	close(f.stopCh)
	f.wg.Wait()
}

// FlushOnce drains one batch of unsent entries. Called by the ticker and
// once more during shutdown.
func (f *Flusher) FlushOnce(ctx context.Context) {
	entries, err := f.store.GetUnsent(ctx, f.cfg.BatchSize, f.cfg.MaxRetries)
	if err != nil {
		f.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range entries {
		err := f.dispatch(ctx, entry)
		switch {
		case err == nil:
			if markErr := f.store.MarkSent(ctx, entry.ID); markErr != nil {
				f.logger.Error("failed to mark outbox entry sent", zap.Int64("id", entry.ID), zap.Error(markErr))
			}
		case remote.IsPermanent(err):
			f.logger.Debug("dropping outbox entry after permanent failure",
				zap.Int64("id", entry.ID),
				zap.String("kind", entry.Kind),
				zap.Error(err))
			if markErr := f.store.MarkSent(ctx, entry.ID); markErr != nil {
				f.logger.Error("failed to mark outbox entry sent", zap.Int64("id", entry.ID), zap.Error(markErr))
			}
		default:
			f.logger.Warn("outbox dispatch failed",
				zap.Int64("id", entry.ID),
				zap.String("kind", entry.Kind),
				zap.Int("retries", entry.Retries),
				zap.Error(err))
			if markErr := f.store.MarkFailed(ctx, entry.ID, err.Error()); markErr != nil {
				f.logger.Error("failed to mark outbox entry failed", zap.Int64("id", entry.ID), zap.Error(markErr))
			}
		}
	}
}

func (f *Flusher) dispatch(ctx context.Context, entry *store.OutboxEntry) error {
	switch entry.Kind {
	case store.OutboxKindAckMessage:
		var payload ackPayload
		if err := json.Unmarshal([]byte(entry.Payload), &payload); err != nil {
			return fmt.Errorf("failed to decode ack payload: %w", err)
		}
		return f.sender.AckMessages(ctx, payload.MessageIDs)
	case store.OutboxKindSendMessage:
		var req v1.SendMessageRequest
		if err := json.Unmarshal([]byte(entry.Payload), &req); err != nil {
			return fmt.Errorf("failed to decode send payload: %w", err)
		}
		return f.sender.SendMessage(ctx, &req)
	default:
		return fmt.Errorf("unknown outbox kind %q", entry.Kind)
	}
}
