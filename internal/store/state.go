package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// AdapterState is the single persisted control record for one session.
// Optional instants are pointers: absence is meaningful and distinct from a
// zero value.
type AdapterState struct {
	SessionName       string `json:"sessionName,omitempty"`
	AllowReconnect    bool   `json:"allowReconnect,omitempty"`
	ReconnectAttempts int    `json:"reconnectAttempts,omitempty"`

	ReconnectDeadline  *time.Time `json:"reconnectDeadline,omitempty"`
	InactivityDeadline *time.Time `json:"inactivityDeadline,omitempty"`
	CleanupDeadline    *time.Time `json:"cleanupDeadline,omitempty"`
	KeepAliveDeadline  *time.Time `json:"keepAliveDeadline,omitempty"`

	UpstreamSessionID string `json:"upstreamSessionId,omitempty"`
	UpstreamAdapterID string `json:"upstreamAdapterId,omitempty"`

	PendingFinalize        bool `json:"pendingFinalize,omitempty"`
	PendingClose           bool `json:"pendingClose,omitempty"`
	ClosingDueToInactivity bool `json:"closingDueToInactivity,omitempty"`

	SelectedVoice  string `json:"selectedVoice,omitempty"`
	MicTrackName   string `json:"micTrackName,omitempty"`
	SFUCallbackURL string `json:"sfuCallbackUrl,omitempty"`
	VideoTrackName string `json:"videoTrackName,omitempty"`
}

// NextDeadline returns the earliest defined deadline, if any.
func (s *AdapterState) NextDeadline() (time.Time, bool) {
	var min time.Time
	var found bool
	for _, d := range []*time.Time{s.ReconnectDeadline, s.InactivityDeadline, s.CleanupDeadline, s.KeepAliveDeadline} {
		if d == nil {
			continue
		}
		if !found || d.Before(min) {
			min = *d
			found = true
		}
	}
	return min, found
}

func (s *AdapterState) clone() AdapterState {
	out := *s
	cp := func(t *time.Time) *time.Time {
		if t == nil {
			return nil
		}
		v := *t
		return &v
	}
	out.ReconnectDeadline = cp(s.ReconnectDeadline)
	out.InactivityDeadline = cp(s.InactivityDeadline)
	out.CleanupDeadline = cp(s.CleanupDeadline)
	out.KeepAliveDeadline = cp(s.KeepAliveDeadline)
	return out
}

// AlarmScheduler is the live timer the StateStore keeps in sync with the
// persisted alarm slot. The host wires it to the session's alarm handler.
type AlarmScheduler interface {
	Set(at time.Time)
	Clear()
}

// noopScheduler lets tests run a StateStore without a live timer.
type noopScheduler struct{}

func (noopScheduler) Set(time.Time) {}
func (noopScheduler) Clear()        {}

// alarmChurnGuard suppresses rewriting the alarm when the newly computed
// instant trails the scheduled one by less than this. An earlier instant is
// always written.
const alarmChurnGuard = 250 * time.Millisecond

// StateStore mirrors the persisted AdapterState in memory and recomputes the
// alarm after every mutation. Adapter code never touches alarms directly; it
// only writes deadline fields.
type StateStore struct {
	mu        sync.Mutex
	durable   DurableStore
	session   string
	scheduler AlarmScheduler
	log       *slog.Logger

	state    AdapterState
	restored bool

	// scheduled mirrors the instant most recently handed to SetAlarm so the
	// churn guard can compare without a read back.
	scheduled *time.Time
}

func NewStateStore(durable DurableStore, session string, scheduler AlarmScheduler, logger *slog.Logger) *StateStore {
	if scheduler == nil {
		scheduler = noopScheduler{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StateStore{
		durable:   durable,
		session:   session,
		scheduler: scheduler,
		log:       logger.With(slog.String("session", session)),
	}
}

// Restore loads the persisted record and re-arms the live timer from the
// persisted alarm slot. It must complete before any handler observes the
// store; the host guarantees that ordering.
func (s *StateStore) Restore(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.restored {
		return nil
	}
	raw, ok, err := s.durable.Get(ctx, s.session, StateKey)
	if err != nil {
		return fmt.Errorf("restore state: %w", err)
	}
	if ok {
		if err := json.Unmarshal(raw, &s.state); err != nil {
			return fmt.Errorf("decode state record: %w", err)
		}
	}
	if at, ok, err := s.durable.GetAlarm(ctx, s.session); err != nil {
		return fmt.Errorf("restore alarm: %w", err)
	} else if ok {
		v := at
		s.scheduled = &v
		s.scheduler.Set(at)
	}
	s.restored = true
	return nil
}

// Snapshot returns a copy of the current record.
func (s *StateStore) Snapshot() AdapterState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Update applies mutate to the mirror, persists the record, and unless
// skipAlarmReschedule recomputes the alarm from the surviving deadlines.
// Clearing an optional field inside mutate is the record-key deletion path.
func (s *StateStore) Update(ctx context.Context, mutate func(*AdapterState), skipAlarmReschedule bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mutate(&s.state)
	if err := s.persistLocked(ctx); err != nil {
		return err
	}
	if skipAlarmReschedule {
		return nil
	}
	return s.rescheduleLocked(ctx)
}

// AlarmFired marks the scheduled instant as consumed. The host timer calls
// this before running the alarm handler so the churn guard never compares a
// fresh deadline against an alarm that already went off.
func (s *StateStore) AlarmFired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduled = nil
}

// RescheduleAlarm recomputes the alarm from the currently defined deadlines.
func (s *StateStore) RescheduleAlarm(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rescheduleLocked(ctx)
}

// Wipe clears the mirror, deletes the persisted record, and removes the
// alarm. Used only by destroy.
func (s *StateStore) Wipe(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = AdapterState{}
	s.scheduled = nil
	s.scheduler.Clear()
	if err := s.durable.DeleteAlarm(ctx, s.session); err != nil {
		return fmt.Errorf("wipe alarm: %w", err)
	}
	if err := s.durable.DeleteAll(ctx, s.session); err != nil {
		return fmt.Errorf("wipe state: %w", err)
	}
	return nil
}

func (s *StateStore) persistLocked(ctx context.Context) error {
	raw, err := json.Marshal(&s.state)
	if err != nil {
		return fmt.Errorf("encode state record: %w", err)
	}
	if err := s.durable.Put(ctx, s.session, StateKey, raw); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}

func (s *StateStore) rescheduleLocked(ctx context.Context) error {
	next, ok := s.state.NextDeadline()
	if !ok {
		if s.scheduled == nil {
			return nil
		}
		s.scheduled = nil
		s.scheduler.Clear()
		if err := s.durable.DeleteAlarm(ctx, s.session); err != nil {
			return fmt.Errorf("delete alarm: %w", err)
		}
		return nil
	}
	if s.scheduled != nil {
		delta := next.Sub(*s.scheduled)
		if delta >= 0 && delta < alarmChurnGuard {
			return nil
		}
	}
	v := next
	s.scheduled = &v
	s.scheduler.Set(next)
	if err := s.durable.SetAlarm(ctx, s.session, next); err != nil {
		return fmt.Errorf("set alarm: %w", err)
	}
	return nil
}
