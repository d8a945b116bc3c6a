// Package host keeps exactly one live instance per session name and wires
// each instance's adapters to their state stores and alarm timers.
package host

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/antoniostano/mediabridge/internal/adapter"
	"github.com/antoniostano/mediabridge/internal/clients"
	"github.com/antoniostano/mediabridge/internal/config"
	"github.com/antoniostano/mediabridge/internal/observability"
	"github.com/antoniostano/mediabridge/internal/sfu"
	"github.com/antoniostano/mediabridge/internal/store"
	"github.com/antoniostano/mediabridge/internal/upstream"
)

// Instance bundles the three variant adapters of one session name.
type Instance struct {
	Name  string
	TTS   *adapter.TTS
	STT   *adapter.STT
	Video *adapter.Video

	stores   []*store.StateStore
	timers   []*AlarmTimer
	registry []*clients.Registry
}

// TotalOpenClients counts OPEN sockets across all three variants.
func (i *Instance) TotalOpenClients() int {
	n := 0
	for _, r := range i.registry {
		n += r.TotalOpen()
	}
	return n
}

// idle reports whether the instance holds no live state at all: no clients
// and wiped (or never written) records.
func (i *Instance) idle() bool {
	if i.TotalOpenClients() > 0 {
		return false
	}
	for _, s := range i.stores {
		if s.Snapshot().SessionName != "" {
			return false
		}
	}
	return true
}

// entry carries the once-gated construction of one instance. The once is
// the initialization gate: no handler observes an instance whose state has
// not been restored.
type entry struct {
	once sync.Once
	inst *Instance
	err  error
}

// Host resolves session names to live instances.
type Host struct {
	cfg      config.Config
	durable  store.DurableStore
	sfu      *sfu.Client
	provider upstream.ProviderConfig
	metrics  *observability.Metrics
	log      *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

func New(cfg config.Config, durable store.DurableStore, sfuClient *sfu.Client, provider upstream.ProviderConfig, metrics *observability.Metrics, logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{
		cfg:      cfg,
		durable:  durable,
		sfu:      sfuClient,
		provider: provider,
		metrics:  metrics,
		log:      logger,
		entries:  make(map[string]*entry),
	}
}

// Get returns the live instance for the name, constructing and restoring it
// on first use. Concurrent callers share one construction.
func (h *Host) Get(ctx context.Context, name string) (*Instance, error) {
	h.mu.Lock()
	e, ok := h.entries[name]
	if !ok {
		e = &entry{}
		h.entries[name] = e
	}
	h.mu.Unlock()

	e.once.Do(func() {
		e.inst, e.err = h.build(ctx, name)
		if e.err == nil && h.metrics != nil {
			h.metrics.ActiveSessions.Inc()
		}
	})
	if e.err != nil {
		// Allow a later request to retry construction.
		h.mu.Lock()
		if h.entries[name] == e {
			delete(h.entries, name)
		}
		h.mu.Unlock()
	}
	return e.inst, e.err
}

func (h *Host) build(ctx context.Context, name string) (*Instance, error) {
	inst := &Instance{Name: name}

	newDeps := func(suffix string) (adapter.Deps, *store.StateStore, *AlarmTimer, *clients.Registry, error) {
		timer := NewAlarmTimer()
		ss := store.NewStateStore(h.durable, name+"/"+suffix, timer, h.log)
		if err := ss.Restore(ctx); err != nil {
			return adapter.Deps{}, nil, nil, nil, err
		}
		reg := clients.NewRegistry(h.log.With(slog.String("session", name), slog.String("variant", suffix)))
		deps := adapter.Deps{
			Session:           name,
			State:             ss,
			Clients:           reg,
			SFU:               h.sfu,
			Provider:          h.provider,
			Metrics:           h.metrics,
			Log:               h.log.With(slog.String("variant", suffix)),
			PublicBaseURL:     h.cfg.PublicBaseURL,
			InactivityTimeout: h.cfg.SessionInactivityTimeout,
			DebugDumpDir:      h.cfg.DebugDumpDir,
		}
		return deps, ss, timer, reg, nil
	}

	wire := func(suffix string) (adapter.Deps, error) {
		deps, ss, timer, reg, err := newDeps(suffix)
		if err != nil {
			return adapter.Deps{}, err
		}
		inst.stores = append(inst.stores, ss)
		inst.timers = append(inst.timers, timer)
		inst.registry = append(inst.registry, reg)
		return deps, nil
	}

	ttsDeps, err := wire("tts")
	if err != nil {
		return nil, err
	}
	inst.TTS = adapter.NewTTS(ttsDeps)

	sttDeps, err := wire("stt")
	if err != nil {
		return nil, err
	}
	inst.STT = adapter.NewSTT(sttDeps)

	videoDeps, err := wire("video")
	if err != nil {
		return nil, err
	}
	inst.Video = adapter.NewVideo(videoDeps)

	// Alarm wiring happens after the adapters exist; the timers mark the
	// fired slot consumed before running the reducer.
	alarmFns := []func(context.Context){inst.TTS.Alarm, inst.STT.Alarm, inst.Video.Alarm}
	for idx, timer := range inst.timers {
		ss := inst.stores[idx]
		fire := alarmFns[idx]
		timer.OnFire(func() {
			ss.AlarmFired()
			fire(context.Background())
		})
	}

	// Re-arm any alarm that was persisted before a restart.
	for _, ss := range inst.stores {
		if err := ss.RescheduleAlarm(ctx); err != nil {
			h.log.Warn("alarm re-arm failed", slog.String("session", name), slog.String("error", err.Error()))
		}
	}

	h.log.Info("session instance built", slog.String("session", name))
	return inst, nil
}

// Destroy tears down every variant of the named session and drops the live
// instance.
func (h *Host) Destroy(ctx context.Context, name string) error {
	h.mu.Lock()
	e, ok := h.entries[name]
	if ok {
		delete(h.entries, name)
	}
	h.mu.Unlock()
	if !ok || e.inst == nil {
		// Nothing live; clear any persisted leftovers directly.
		for _, suffix := range []string{"tts", "stt", "video"} {
			if err := h.durable.DeleteAlarm(ctx, name+"/"+suffix); err != nil {
				return err
			}
			if err := h.durable.DeleteAll(ctx, name+"/"+suffix); err != nil {
				return err
			}
		}
		return nil
	}

	inst := e.inst
	var firstErr error
	if err := inst.TTS.Destroy(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := inst.STT.Destroy(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := inst.Video.Destroy(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	for _, timer := range inst.timers {
		timer.Clear()
	}
	if h.metrics != nil {
		h.metrics.ActiveSessions.Dec()
	}
	h.log.Info("session destroyed", slog.String("session", name))
	return firstErr
}

// StartJanitor periodically reclaims instances that hold no clients and no
// persisted state.
func (h *Host) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.reapIdle()
			}
		}
	}()
}

func (h *Host) reapIdle() {
	h.mu.Lock()
	var idle []string
	for name, e := range h.entries {
		if e.inst != nil && e.inst.idle() {
			idle = append(idle, name)
		}
	}
	for _, name := range idle {
		delete(h.entries, name)
	}
	h.mu.Unlock()

	for _, name := range idle {
		if h.metrics != nil {
			h.metrics.ActiveSessions.Dec()
		}
		h.log.Info("reaped idle session instance", slog.String("session", name))
	}
}
