// Package ledger tracks live conversations and hands each finished one to a
// persistence gateway exactly once.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/wsuo/argochainhub-platform-sub001/internal/logging"
	"github.com/wsuo/argochainhub-platform-sub001/internal/model/conversation"
	"github.com/wsuo/argochainhub-platform-sub001/internal/model/workflow"
	"github.com/wsuo/argochainhub-platform-sub001/internal/service/persistence"
)

// ErrSessionNotFound reports an unknown or already removed conversation.
var ErrSessionNotFound = errors.New("session not found")

// Notifier receives lifecycle notifications. Failures are logged only.
type Notifier interface {
	Publish(ctx context.Context, n conversation.Notification) error
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithNotifier publishes lifecycle notifications to n.
func WithNotifier(n Notifier) Option {
	return func(l *Ledger) { l.notifier = n }
}

// WithMeter records session counters on m.
func WithMeter(m metric.Meter) Option {
	return func(l *Ledger) {
		if m != nil {
			l.meter = m
		}
	}
}

// WithPersistTimeout bounds each gateway call. Zero means no bound.
func WithPersistTimeout(d time.Duration) Option {
	return func(l *Ledger) { l.persistTimeout = d }
}

type entry struct {
	mu        sync.Mutex
	session   *conversation.Session
	finishing bool
}

// Ledger is the registry of live sessions keyed by local conversation id.
type Ledger struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	gateway        persistence.Gateway
	notifier       Notifier
	now            func() time.Time
	persistTimeout time.Duration
	meter          metric.Meter
	metrics        *ledgerMetrics

	// reaper settings, guarded by mu
	evictIdle     time.Duration
	evictInterval time.Duration
	evictRunning  bool
}

// New creates an empty ledger that persists through gateway.
func New(gateway persistence.Gateway, opts ...Option) *Ledger {
	l := &Ledger{
		sessions: make(map[string]*entry),
		gateway:  gateway,
		now:      time.Now,
		meter:    otel.Meter("github.com/wsuo/argochainhub-platform-sub001/ledger"),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.metrics = newLedgerMetrics(l.meter)
	return l
}

// Start registers a session, or returns the live one unchanged when the id
// is already known.
func (l *Ledger) Start(conversationID, query string, inputs map[string]any, guestID string) conversation.Session {
	session, _ := l.TryStart(conversationID, query, inputs, guestID)
	return session
}

// TryStart is Start that also reports whether a new session was created.
// A session that is being finished counts as gone: a new one replaces it
// and the pending Finish leaves the replacement alone.
func (l *Ledger) TryStart(conversationID, query string, inputs map[string]any, guestID string) (conversation.Session, bool) {
	l.mu.Lock()
	if e, ok := l.sessions[conversationID]; ok {
		e.mu.Lock()
		if !e.finishing {
			snapshot := e.session.Clone()
			e.mu.Unlock()
			l.mu.Unlock()
			return snapshot, false
		}
		e.mu.Unlock()
	}

	now := l.now()
	session := conversation.NewSession(conversationID, query, inputs, guestID, now)
	l.sessions[conversationID] = &entry{session: session}
	l.mu.Unlock()

	snapshot := session.Clone()
	l.metrics.started(context.Background())
	l.publish(conversation.NewNotification(conversation.SessionStarted, &snapshot, now))
	logging.Debug().
		Str("conversation_id", conversationID).
		Str("guest_id", guestID).
		Msg("session started")
	return snapshot, true
}

// Accumulate folds evt into the session. Unknown ids and nil events are
// ignored.
func (l *Ledger) Accumulate(conversationID string, evt workflow.Event) {
	if evt == nil {
		return
	}
	e := l.lookup(conversationID)
	if e == nil {
		logging.Debug().
			Str("conversation_id", conversationID).
			Str("kind", string(evt.Kind())).
			Msg("event for unknown session dropped")
		return
	}

	e.mu.Lock()
	e.session.Apply(evt, l.now())
	e.mu.Unlock()
}

// Get returns a snapshot of the session.
func (l *Ledger) Get(conversationID string) (conversation.Session, bool) {
	e := l.lookup(conversationID)
	if e == nil {
		return conversation.Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.Clone(), true
}

// List returns snapshots of every live session, oldest first.
func (l *Ledger) List() []conversation.Session {
	l.mu.RLock()
	entries := make([]*entry, 0, len(l.sessions))
	for _, e := range l.sessions {
		entries = append(entries, e)
	}
	l.mu.RUnlock()

	out := make([]conversation.Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.session.Clone())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ConversationID < out[j].ConversationID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Len reports the number of live sessions.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.sessions)
}

// Discard drops a session without persisting it. It reports whether a
// session was removed.
func (l *Ledger) Discard(conversationID string) bool {
	l.mu.Lock()
	e, ok := l.sessions[conversationID]
	if !ok {
		l.mu.Unlock()
		return false
	}
	e.mu.Lock()
	if e.finishing {
		// Finish owns the removal.
		e.mu.Unlock()
		l.mu.Unlock()
		return false
	}
	delete(l.sessions, conversationID)
	note := conversation.NewNotification(conversation.SessionDiscarded, e.session, l.now())
	e.mu.Unlock()
	l.mu.Unlock()

	l.metrics.discarded(context.Background())
	l.publish(note)
	logging.Debug().Str("conversation_id", conversationID).Msg("session discarded")
	return true
}

// Finish persists the session and removes it. The session is removed even
// when persistence fails or panics. It returns true only when the gateway
// reported success.
func (l *Ledger) Finish(ctx context.Context, conversationID string) bool {
	return l.finish(ctx, conversationID, conversation.SessionFinished)
}

func (l *Ledger) finish(ctx context.Context, conversationID string, typ conversation.NotificationType) (persisted bool) {
	e := l.lookup(conversationID)
	if e == nil {
		return false
	}

	e.mu.Lock()
	if e.finishing {
		e.mu.Unlock()
		return false
	}
	e.finishing = true
	now := l.now()
	record := e.session.Record(now)
	note := conversation.NewNotification(typ, e.session, now)
	e.mu.Unlock()

	defer func() {
		l.remove(conversationID, e)
		note.Persisted = persisted
		l.metrics.finished(context.Background(), persisted)
		l.publish(note)
	}()

	persisted = l.persist(ctx, record)
	logging.Info().
		Str("conversation_id", conversationID).
		Str("record_id", record.ConversationID).
		Str("guest_id", record.GuestID).
		Bool("persisted", persisted).
		Str("reason", string(typ)).
		Msg("session finished")
	return persisted
}

func (l *Ledger) persist(ctx context.Context, record conversation.Record) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error().
				Str("conversation_id", record.ConversationID).
				Err(fmt.Errorf("panic: %v", r)).
				Msg("persistence gateway panicked")
			ok = false
		}
	}()

	if l.gateway == nil {
		logging.Warn().Str("conversation_id", record.ConversationID).Msg("no persistence gateway configured")
		return false
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if l.persistTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.persistTimeout)
		defer cancel()
	}

	result, err := l.gateway.Persist(ctx, record)
	if err != nil {
		logging.Warn().Err(err).Str("conversation_id", record.ConversationID).Msg("persist conversation failed")
		return false
	}
	if !result.Success {
		logging.Warn().
			Str("conversation_id", record.ConversationID).
			Str("message", result.Message).
			Msg("storage rejected conversation")
		return false
	}
	return true
}

func (l *Ledger) lookup(conversationID string) *entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sessions[conversationID]
}

// remove deletes the entry only if it is still the one registered under id.
func (l *Ledger) remove(conversationID string, e *entry) {
	l.mu.Lock()
	if current, ok := l.sessions[conversationID]; ok && current == e {
		delete(l.sessions, conversationID)
	}
	l.mu.Unlock()
}

func (l *Ledger) publish(n conversation.Notification) {
	if l.notifier == nil {
		return
	}
	if err := l.notifier.Publish(context.Background(), n); err != nil {
		logging.Warn().Err(err).
			Str("conversation_id", n.ConversationID).
			Str("type", string(n.Type)).
			Msg("publish lifecycle notification failed")
	}
}

type ledgerMetrics struct {
	startedCount   metric.Int64Counter
	finishedCount  metric.Int64Counter
	discardedCount metric.Int64Counter
	live           metric.Int64UpDownCounter
}

// newLedgerMetrics never fails: instruments that cannot be created are left
// nil and skipped.
func newLedgerMetrics(m metric.Meter) *ledgerMetrics {
	lm := &ledgerMetrics{}
	var err error
	if lm.startedCount, err = m.Int64Counter("ledger.sessions.started"); err != nil {
		logging.Warn().Err(err).Msg("create ledger.sessions.started counter")
	}
	if lm.finishedCount, err = m.Int64Counter("ledger.sessions.finished"); err != nil {
		logging.Warn().Err(err).Msg("create ledger.sessions.finished counter")
	}
	if lm.discardedCount, err = m.Int64Counter("ledger.sessions.discarded"); err != nil {
		logging.Warn().Err(err).Msg("create ledger.sessions.discarded counter")
	}
	if lm.live, err = m.Int64UpDownCounter("ledger.sessions.live"); err != nil {
		logging.Warn().Err(err).Msg("create ledger.sessions.live counter")
	}
	return lm
}

func (lm *ledgerMetrics) started(ctx context.Context) {
	if lm.startedCount != nil {
		lm.startedCount.Add(ctx, 1)
	}
	if lm.live != nil {
		lm.live.Add(ctx, 1)
	}
}

func (lm *ledgerMetrics) finished(ctx context.Context, persisted bool) {
	if lm.finishedCount != nil {
		lm.finishedCount.Add(ctx, 1, metric.WithAttributes(attribute.Bool("persisted", persisted)))
	}
	if lm.live != nil {
		lm.live.Add(ctx, -1)
	}
}

func (lm *ledgerMetrics) discarded(ctx context.Context) {
	if lm.discardedCount != nil {
		lm.discardedCount.Add(ctx, 1)
	}
	if lm.live != nil {
		lm.live.Add(ctx, -1)
	}
}
