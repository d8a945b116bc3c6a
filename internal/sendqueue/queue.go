// Package sendqueue buffers outbound audio for the upstream speech socket.
// It preserves enqueue order, batches small chunks into larger frames, and
// holds Finalize/CloseStream control messages until every byte queued before
// them has shipped.
package sendqueue

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// MinBatchBytes is the low-water mark before a drain turn bothers the
	// socket (100 ms of 16 kHz mono PCM16).
	MinBatchBytes = 3200
	// MaxBatchBytes caps one concatenated binary frame (500 ms of audio).
	MaxBatchBytes = 16000
	// MaxQueueBytes bounds total buffered audio; overflow drops from the head.
	MaxQueueBytes = 2 << 20
	// MaxBatchesPerTurn and MaxTurnSlice bound one cooperative drain turn.
	MaxBatchesPerTurn = 8
	MaxTurnSlice      = 10 * time.Millisecond
)

// Control identifies the stream-control message the queue releases once it
// runs dry.
type Control int

const (
	ControlFinalize Control = iota + 1
	ControlClose
)

// Uplink is the queue's view of the upstream link. EnsureOpen must return a
// non-nil error whenever the socket is not usable right now; the drain turn
// then parks until the next nudge.
type Uplink interface {
	EnsureOpen() error
	SendBinary(data []byte) error
	SendControl(c Control) error
}

// Queue is a bounded ordered byte queue with a cooperative drain loop. All
// methods are safe for concurrent use.
type Queue struct {
	mu          sync.Mutex
	entries     [][]byte
	queuedBytes int
	draining    bool

	pendingFinalize bool
	pendingClose    bool

	uplink Uplink
	log    *slog.Logger

	// onControlSent lets the owner persist the cleared flag.
	onControlSent func(Control)
	// onDrop reports overflow-dropped bytes for metrics.
	onDrop func(int)

	now func() time.Time
}

func New(uplink Uplink, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		uplink: uplink,
		log:    logger,
		now:    time.Now,
	}
}

// OnControlSent registers a callback fired after Finalize or CloseStream has
// been written upstream.
func (q *Queue) OnControlSent(fn func(Control)) { q.onControlSent = fn }

// OnDrop registers a callback fired with the byte count of each
// overflow-dropped entry.
func (q *Queue) OnDrop(fn func(int)) { q.onDrop = fn }

// Enqueue appends buf and nudges the drain. Over MaxQueueBytes the oldest
// entries are dropped first.
func (q *Queue) Enqueue(buf []byte) {
	if len(buf) == 0 {
		return
	}
	q.mu.Lock()
	q.entries = append(q.entries, buf)
	q.queuedBytes += len(buf)
	for q.queuedBytes > MaxQueueBytes && len(q.entries) > 0 {
		head := q.entries[0]
		q.entries = q.entries[1:]
		q.queuedBytes -= len(head)
		q.log.Warn("send queue overflow, dropping oldest audio",
			slog.Int("dropped_bytes", len(head)), slog.Int("queued_bytes", q.queuedBytes))
		if q.onDrop != nil {
			q.onDrop(len(head))
		}
	}
	q.mu.Unlock()
	q.Nudge()
}

// RequestFinalize asks for a Finalize control message once the queue drains.
func (q *Queue) RequestFinalize() {
	q.mu.Lock()
	q.pendingFinalize = true
	q.mu.Unlock()
	q.Nudge()
}

// RequestClose asks for a CloseStream control message once the queue drains.
func (q *Queue) RequestClose() {
	q.mu.Lock()
	q.pendingClose = true
	q.mu.Unlock()
	q.Nudge()
}

// QueuedBytes reports the current byte accounting.
func (q *Queue) QueuedBytes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queuedBytes
}

// Reset drops all buffered audio and pending control flags.
func (q *Queue) Reset() {
	q.mu.Lock()
	q.entries = nil
	q.queuedBytes = 0
	q.pendingFinalize = false
	q.pendingClose = false
	q.mu.Unlock()
}

// Nudge starts a drain turn unless one is already running.
func (q *Queue) Nudge() {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	q.mu.Unlock()
	go q.turn()
}

func (q *Queue) hasAudioWork() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queuedBytes >= MinBatchBytes ||
		(q.queuedBytes > 0 && (q.pendingFinalize || q.pendingClose))
}

func (q *Queue) hasControlWork() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queuedBytes == 0 && (q.pendingFinalize || q.pendingClose)
}

// turn runs one bounded drain slice. On link failure it parks until the next
// nudge; on slice exhaustion it yields to a fresh turn so no single turn
// monopolizes the session.
func (q *Queue) turn() {
	start := q.now()
	batches := 0

	for q.hasAudioWork() {
		if err := q.uplink.EnsureOpen(); err != nil {
			q.park()
			return
		}
		batch := q.popBatch()
		if batch == nil {
			break
		}
		if err := q.uplink.SendBinary(batch); err != nil {
			q.log.Warn("upstream send failed mid-drain", slog.String("error", err.Error()))
			q.park()
			return
		}
		batches++
		if batches >= MaxBatchesPerTurn || q.now().Sub(start) >= MaxTurnSlice {
			q.park()
			q.Nudge()
			return
		}
	}

	sent := q.maybeSendControl()
	q.park()

	// A Finalize may leave a CloseStream behind it, and audio can race in
	// while the lock is released around the control send. Only renudge when
	// this turn made progress, so a dead link cannot spin the loop.
	if (sent && q.hasControlWork()) || q.hasAudioWork() {
		q.Nudge()
	}
}

// popBatch removes entries from the head until adding the next would exceed
// MaxBatchBytes, always taking at least one, and concatenates them.
func (q *Queue) popBatch() []byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return nil
	}
	size := 0
	n := 0
	for _, e := range q.entries {
		if n > 0 && size+len(e) > MaxBatchBytes {
			break
		}
		size += len(e)
		n++
	}
	batch := make([]byte, 0, size)
	for i := 0; i < n; i++ {
		batch = append(batch, q.entries[i]...)
	}
	q.entries = q.entries[n:]
	q.queuedBytes -= size
	return batch
}

// maybeSendControl releases one pending control message now that the queue
// is empty. Finalize wins when both are requested; the CloseStream follows
// on the next turn.
func (q *Queue) maybeSendControl() bool {
	q.mu.Lock()
	if q.queuedBytes != 0 {
		q.mu.Unlock()
		return false
	}
	wantFinalize := q.pendingFinalize
	wantClose := !wantFinalize && q.pendingClose
	q.mu.Unlock()

	if !wantFinalize && !wantClose {
		return false
	}
	if err := q.uplink.EnsureOpen(); err != nil {
		return false
	}

	c := ControlFinalize
	if wantClose {
		c = ControlClose
	}
	if err := q.uplink.SendControl(c); err != nil {
		q.log.Warn("upstream control send failed", slog.String("error", err.Error()))
		return false
	}
	q.mu.Lock()
	if c == ControlFinalize {
		q.pendingFinalize = false
	} else {
		q.pendingClose = false
	}
	q.mu.Unlock()
	if q.onControlSent != nil {
		q.onControlSent(c)
	}
	return true
}

func (q *Queue) park() {
	q.mu.Lock()
	q.draining = false
	q.mu.Unlock()
}
