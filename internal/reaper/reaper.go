// Package reaper runs the periodic sweep that turns stale idempotency
// claims into synthetic failure events, so an orchestrator task that was
// lost or wedged never leaves a key permanently InFlight.
package reaper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/inspectorbridge/mcp-bridge/internal/idempotency"
	"github.com/inspectorbridge/mcp-bridge/internal/outbox"
)

// DefaultCadence and DefaultTTL match the documented operational defaults.
const (
	DefaultCadence = 30 * time.Second
	DefaultTTL     = 60 * time.Second
)

// Reaper owns the background sweep loop.
type Reaper struct {
	store   *idempotency.Store
	outbox  *outbox.Outbox
	cadence time.Duration
	ttl     time.Duration
	log     *zap.Logger
	onReap  func(n int)
}

// New builds a reaper. onReap, if non-nil, is invoked with the count of
// keys reaped on each tick that reaped at least one (the metrics
// collaborator's counter increment).
func New(store *idempotency.Store, ob *outbox.Outbox, cadence, ttl time.Duration, log *zap.Logger, onReap func(n int)) *Reaper {
	if cadence <= 0 {
		cadence = DefaultCadence
	}
	if ttl < 0 {
		ttl = DefaultTTL
	}
	return &Reaper{store: store, outbox: ob, cadence: cadence, ttl: ttl, log: log, onReap: onReap}
}

// Run blocks, ticking at r.cadence until ctx is cancelled. Each tick sweeps
// the idempotency store and funnels any reaped events through the outbox;
// an outbox failure is logged and the loop continues — the next tick will
// not re-reap the same key, since reaping already replaced it with a
// Completed record.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cadence)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick()
		}
	}
}

func (r *Reaper) tick() {
	reaped := r.store.ReapExpired(r.ttl, time.Now())
	if len(reaped) == 0 {
		return
	}
	if r.onReap != nil {
		r.onReap(len(reaped))
	}
	for _, item := range reaped {
		if err := r.outbox.Append(item.Event); err != nil {
			r.log.Warn("failed to append reaper event to outbox",
				zap.String("idempotency_key", item.IdempotencyKey),
				zap.Error(err))
		}
	}
}
