package registry

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Run sweeps stale connections every SweepInterval until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	r.logger.Debug("sweeper started", zap.Duration("interval", r.cfg.SweepInterval))
	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("sweeper stopped")
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep removes connections that went idle past IdleTimeout or whose handle
// died, and returns the ids it removed.
func (r *Registry) Sweep() []string {
	now := r.now()
	return r.reclaim(r.scan(now), now)
}

type victim struct{ id, reason string }

func (r *Registry) scan(now time.Time) []victim {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var victims []victim
	for id, e := range r.entries {
		if reason, ok := r.reclaimable(e, now); ok {
			victims = append(victims, victim{id, reason})
		}
	}
	return victims
}

// reclaim checks each victim again under the write lock; activity that
// landed after the scan keeps the connection.
func (r *Registry) reclaim(victims []victim, now time.Time) []string {
	removed := make([]string, 0, len(victims))
	for _, v := range victims {
		keep := func(e *entry) bool {
			reason, ok := r.reclaimable(e, now)
			return !ok || reason != v.reason
		}
		if !r.remove(v.id, v.reason, keep) {
			r.logger.Debug("connection became active before reclaim", zap.String("connection_id", v.id))
			continue
		}
		r.logger.Warn("reclaimed connection",
			zap.String("connection_id", v.id),
			zap.String("reason", v.reason))
		removed = append(removed, v.id)
	}
	return removed
}

// reclaimable must be called with r.mu held.
func (r *Registry) reclaimable(e *entry, now time.Time) (string, bool) {
	switch {
	case !e.handle.Alive():
		return ReasonDead, true
	case r.cfg.IdleTimeout > 0 && len(e.inflight) == 0 && now.Sub(e.conn.LastActivity) > r.cfg.IdleTimeout:
		return ReasonStale, true
	}
	return "", false
}
