// Package adapter implements the per-session controllers that sit between
// the SFU, the speech provider, and subscriber WebSockets. Three flavors
// exist (TTS, STT, Video); they share deadline bookkeeping, the alarm
// reducer skeleton, and the client registry, and differ in codec direction
// and control vocabulary.
package adapter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/antoniostano/mediabridge/internal/clients"
	"github.com/antoniostano/mediabridge/internal/observability"
	"github.com/antoniostano/mediabridge/internal/reliability"
	"github.com/antoniostano/mediabridge/internal/sfu"
	"github.com/antoniostano/mediabridge/internal/store"
	"github.com/antoniostano/mediabridge/internal/upstream"
)

const (
	// MaxReconnectAttempts caps upstream backoff scheduling.
	MaxReconnectAttempts = 5
	reconnectBaseDelay   = time.Second
	reconnectMaxDelay    = 30 * time.Second

	// cleanupGrace defers occupancy checks past transient disconnects.
	cleanupGrace = 100 * time.Millisecond
	// keepAliveInterval paces the pre-forwarding heartbeat.
	keepAliveInterval = 5 * time.Second
	// debugNoClientGrace bounds how long a debug-restarted empty session
	// stays up.
	debugNoClientGrace = 30 * time.Second
	// inactivityChurnGuard stops sub-second rewrites of the inactivity
	// deadline while media is flowing.
	inactivityChurnGuard = time.Second

	// fanOutChunkBytes caps one encoded packet payload to clients.
	fanOutChunkBytes = 16 * 1024
)

// Deps carries everything a session adapter composes.
type Deps struct {
	Session           string
	State             *store.StateStore
	Clients           *clients.Registry
	SFU               *sfu.Client
	Provider          upstream.ProviderConfig
	Metrics           *observability.Metrics
	Log               *slog.Logger
	PublicBaseURL     string
	InactivityTimeout time.Duration
	DebugDumpDir      string
}

// base is the state shared by the three adapter flavors: the per-session
// handler lock, deadline scheduling, and reconnect bookkeeping.
type base struct {
	deps Deps
	log  *slog.Logger

	// mu serializes control handlers and the alarm reducer, the Go shape of
	// the single-threaded session model. Hot media callbacks stay off it and
	// touch only individually synchronized components.
	mu  sync.Mutex
	now func() time.Time
}

func (b *base) init(deps Deps) {
	logger := deps.Log
	if logger == nil {
		logger = slog.Default()
	}
	if deps.InactivityTimeout <= 0 {
		deps.InactivityTimeout = 10 * time.Minute
	}
	b.deps = deps
	b.log = logger.With(slog.String("session", deps.Session))
	b.now = time.Now
}

// scheduleInactivity arms (or extends) the inactivity deadline. Once set it
// is never shortened, and rewrites under a second apart are skipped.
func (b *base) scheduleInactivity(ctx context.Context) {
	b.scheduleInactivityIn(ctx, b.deps.InactivityTimeout)
}

func (b *base) scheduleInactivityIn(ctx context.Context, d time.Duration) {
	deadline := b.now().Add(d).UTC()
	err := b.deps.State.Update(ctx, func(s *store.AdapterState) {
		if s.InactivityDeadline != nil {
			if deadline.Before(*s.InactivityDeadline) {
				return
			}
			if deadline.Sub(*s.InactivityDeadline) < inactivityChurnGuard {
				return
			}
		}
		s.InactivityDeadline = &deadline
	}, false)
	if err != nil {
		b.log.Error("schedule inactivity failed", slog.String("error", err.Error()))
	}
}

// scheduleCleanup arms the short post-disconnect grace deadline unless an
// earlier one is already pending.
func (b *base) scheduleCleanup(ctx context.Context) {
	deadline := b.now().Add(cleanupGrace).UTC()
	err := b.deps.State.Update(ctx, func(s *store.AdapterState) {
		if s.CleanupDeadline != nil && s.CleanupDeadline.Before(deadline) {
			return
		}
		s.CleanupDeadline = &deadline
	}, false)
	if err != nil {
		b.log.Error("schedule cleanup failed", slog.String("error", err.Error()))
	}
}

// scheduleReconnect computes the capped exponential backoff and arms the
// reconnect deadline, unless an earlier one is already pending or the
// attempt budget is spent.
func (b *base) scheduleReconnect(ctx context.Context) {
	err := b.deps.State.Update(ctx, func(s *store.AdapterState) {
		if !s.AllowReconnect || s.ReconnectAttempts >= MaxReconnectAttempts {
			return
		}
		delay := reliability.ExponentialBackoff(s.ReconnectAttempts, reconnectBaseDelay, reconnectMaxDelay)
		deadline := b.now().Add(delay).UTC()
		if s.ReconnectDeadline != nil && s.ReconnectDeadline.Before(deadline) {
			return
		}
		s.ReconnectAttempts++
		s.ReconnectDeadline = &deadline
		b.log.Info("scheduled upstream reconnect",
			slog.Int("attempt", s.ReconnectAttempts), slog.Duration("delay", delay))
		if b.deps.Metrics != nil {
			b.deps.Metrics.UpstreamReconnects.Inc()
		}
	}, false)
	if err != nil {
		b.log.Error("schedule reconnect failed", slog.String("error", err.Error()))
	}
}

// clearReconnectState resets backoff bookkeeping after a successful connect.
func (b *base) clearReconnectState(ctx context.Context) {
	err := b.deps.State.Update(ctx, func(s *store.AdapterState) {
		s.ReconnectAttempts = 0
		s.ReconnectDeadline = nil
	}, false)
	if err != nil {
		b.log.Error("clear reconnect state failed", slog.String("error", err.Error()))
	}
}

// expired reports whether a deadline pointer has passed.
func expired(d *time.Time, now time.Time) bool {
	return d != nil && !d.After(now)
}

func (b *base) countAlarm(deadline string) {
	if b.deps.Metrics != nil {
		b.deps.Metrics.AlarmFirings.WithLabelValues(deadline).Inc()
	}
}
