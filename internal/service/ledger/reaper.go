package ledger

import (
	"context"
	"time"

	"github.com/wsuo/argochainhub-platform-sub001/internal/logging"
	"github.com/wsuo/argochainhub-platform-sub001/internal/model/conversation"
)

// SetIdleEviction configures the reaper. Sessions untouched for idle are
// finished every interval once StartReaper runs. Non-positive values
// disable it.
func (l *Ledger) SetIdleEviction(idle, interval time.Duration) {
	l.mu.Lock()
	l.evictIdle = idle
	l.evictInterval = interval
	l.mu.Unlock()
}

// StartReaper launches the eviction loop until ctx is done. It is a no-op
// when eviction is disabled or a loop is already running.
func (l *Ledger) StartReaper(ctx context.Context) {
	if ctx == nil {
		panic("ledger: StartReaper requires non-nil ctx")
	}
	l.mu.Lock()
	idle, interval := l.evictIdle, l.evictInterval
	if l.evictRunning || idle <= 0 || interval <= 0 {
		l.mu.Unlock()
		return
	}
	l.evictRunning = true
	l.mu.Unlock()

	logging.Info().Dur("idle", idle).Dur("interval", interval).Msg("session reaper started")
	go l.runReaper(ctx, interval)
}

func (l *Ledger) runReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.evictRunning = false
			l.mu.Unlock()
			return
		case <-ticker.C:
			if n := l.ReapIdle(l.now()); n > 0 {
				logging.Info().Int("reaped", n).Msg("idle sessions finished")
			}
		}
	}
}

// ReapIdle finishes every session whose last activity is older than the
// idle threshold at now and returns how many it finished.
func (l *Ledger) ReapIdle(now time.Time) int {
	l.mu.RLock()
	idle := l.evictIdle
	if idle <= 0 {
		l.mu.RUnlock()
		return 0
	}
	candidates := make(map[string]*entry, len(l.sessions))
	for id, e := range l.sessions {
		candidates[id] = e
	}
	l.mu.RUnlock()

	cutoff := now.Add(-idle)
	reaped := 0
	for id, e := range candidates {
		e.mu.Lock()
		stale := !e.finishing && e.session.UpdatedAt.Before(cutoff)
		e.mu.Unlock()
		if !stale {
			continue
		}
		if l.lookup(id) != e {
			continue
		}
		l.finish(context.Background(), id, conversation.SessionReaped)
		reaped++
	}
	return reaped
}
