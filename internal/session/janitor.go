package session

import (
	"context"
	"time"
)

// RunJanitor periodically sweeps for sessions that have outlived maxAge
// without completing cleanup and force-cleans them. This is a safety net
// against leaked sessions (a missed event, a watcher that never fired) and
// is not part of ordinary call teardown; it is grounded in the original
// dialer's session-manager sweep, which exists for the same reason. Returns
// when ctx is cancelled.
func (m *Manager) RunJanitor(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepStale(ctx, maxAge)
		}
	}
}

func (m *Manager) sweepStale(ctx context.Context, maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)

	m.mu.RLock()
	var stale []string
	for id, sess := range m.sessions {
		if sess.CreatedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range stale {
		m.logger.Warn("janitor force-cleaning stale session", "session_id", id)
		m.Cleanup(ctx, id)
	}
}
