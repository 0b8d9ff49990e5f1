package service

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-live/internal/model"
)

// SessionRegistry holds the process-local state of live sessions: the
// per-session serialization point, the preemption flag, the student's
// outbound channel and the countdown emitter. It is created by main, shared by
// the coordinator and the student transport, and torn down with Close.
//
// Student channels are bounded; when one is full the oldest queued event is
// discarded to admit the new one. No event follows exam_ended, so the final
// event of a session is never the one dropped.
type SessionRegistry struct {
	mu       sync.Mutex
	slots    map[uuid.UUID]*sessionSlot
	chanSize int
	closed   bool

	wg      sync.WaitGroup
	dropped atomic.Int64
}

type sessionSlot struct {
	lock    chan struct{}
	preempt atomic.Int32

	// Guarded by SessionRegistry.mu.
	refs          int
	stream        *studentStream
	stopCountdown context.CancelFunc
}

type studentStream struct {
	connectionID string

	mu     sync.Mutex
	ch     chan model.StudentEvent
	closed bool
}

// RegistryStats is a point-in-time view of the registry.
type RegistryStats struct {
	Sessions      int   `json:"sessions"`
	Streams       int   `json:"streams"`
	DroppedEvents int64 `json:"droppedEvents"`
}

// NewSessionRegistry creates a registry whose student channels hold chanSize events.
func NewSessionRegistry(chanSize int) *SessionRegistry {
	if chanSize < 1 {
		chanSize = 1
	}
	return &SessionRegistry{
		slots:    make(map[uuid.UUID]*sessionSlot),
		chanSize: chanSize,
	}
}

// acquire waits for the session's serialization point. The returned func
// releases it.
func (r *SessionRegistry) acquire(ctx context.Context, id uuid.UUID) (func(), error) {
	slot, err := r.ref(id)
	if err != nil {
		return nil, err
	}

	select {
	case slot.lock <- struct{}{}:
	case <-ctx.Done():
		r.unref(id, slot)
		return nil, ctx.Err()
	}

	return func() {
		<-slot.lock
		r.unref(id, slot)
	}, nil
}

// preempt raises the session's preemption flag until the returned func runs.
func (r *SessionRegistry) preempt(id uuid.UUID) (func(), error) {
	slot, err := r.ref(id)
	if err != nil {
		return nil, err
	}
	slot.preempt.Add(1)
	return func() {
		slot.preempt.Add(-1)
		r.unref(id, slot)
	}, nil
}

// preempted reports whether a terminating operation is waiting on the session.
func (r *SessionRegistry) preempted(id uuid.UUID) bool {
	r.mu.Lock()
	slot := r.slots[id]
	r.mu.Unlock()
	return slot != nil && slot.preempt.Load() > 0
}

func (r *SessionRegistry) ref(id uuid.UUID) (*sessionSlot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}
	slot := r.slotLocked(id)
	slot.refs++
	return slot, nil
}

func (r *SessionRegistry) unref(id uuid.UUID, slot *sessionSlot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot.refs--
	r.reapLocked(id, slot)
}

func (r *SessionRegistry) slotLocked(id uuid.UUID) *sessionSlot {
	slot := r.slots[id]
	if slot == nil {
		slot = &sessionSlot{lock: make(chan struct{}, 1)}
		r.slots[id] = slot
	}
	return slot
}

func (r *SessionRegistry) reapLocked(id uuid.UUID, slot *sessionSlot) {
	if slot.refs == 0 && slot.stream == nil && slot.stopCountdown == nil && r.slots[id] == slot {
		delete(r.slots, id)
	}
}

// Attach opens the student channel of a session for one connection. A
// previously attached connection is told it was superseded and its channel is
// closed. The returned func detaches and closes the channel.
func (r *SessionRegistry) Attach(id uuid.UUID, connectionID string) (<-chan model.StudentEvent, func(), error) {
	st := &studentStream{
		connectionID: connectionID,
		ch:           make(chan model.StudentEvent, r.chanSize),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, nil, ErrRegistryClosed
	}
	slot := r.slotLocked(id)
	prev := slot.stream
	slot.stream = st
	r.mu.Unlock()

	if prev != nil && prev.connectionID != connectionID {
		prev.offer(model.StudentEvent{
			Type:      model.StudentExamError,
			SessionID: id,
			Data: model.ErrorNotice{
				Code:    "duplicate_connection",
				Message: ErrSessionSuperseded.Error(),
			},
		})
	}
	if prev != nil {
		prev.close()
	}

	return st.ch, func() { r.detach(id, st) }, nil
}

func (r *SessionRegistry) detach(id uuid.UUID, st *studentStream) {
	r.mu.Lock()
	if slot := r.slots[id]; slot != nil && slot.stream == st {
		slot.stream = nil
		if slot.stopCountdown != nil {
			slot.stopCountdown()
			slot.stopCountdown = nil
		}
		r.reapLocked(id, slot)
	}
	r.mu.Unlock()
	st.close()
}

// Connected reports whether a student stream is attached to the session.
func (r *SessionRegistry) Connected(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot := r.slots[id]
	return slot != nil && slot.stream != nil
}

// Send queues ev on the session's student channel. Events for sessions
// without an attached stream are discarded.
func (r *SessionRegistry) Send(ev model.StudentEvent) {
	r.mu.Lock()
	var st *studentStream
	if slot := r.slots[ev.SessionID]; slot != nil {
		st = slot.stream
	}
	r.mu.Unlock()

	if st != nil && st.offer(ev) {
		r.dropped.Add(1)
	}
}

// startCountdown runs fn in a tracked goroutine whose context ends when the
// countdown is stopped, the stream detaches or the registry closes. A running
// countdown is replaced. It reports false when no stream is attached.
func (r *SessionRegistry) startCountdown(id uuid.UUID, fn func(ctx context.Context)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot := r.slots[id]
	if r.closed || slot == nil || slot.stream == nil {
		return false
	}
	if slot.stopCountdown != nil {
		slot.stopCountdown()
	}
	ctx, cancel := context.WithCancel(context.Background())
	slot.stopCountdown = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn(ctx)
	}()
	return true
}

func (r *SessionRegistry) stopCountdown(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot := r.slots[id]
	if slot == nil || slot.stopCountdown == nil {
		return
	}
	slot.stopCountdown()
	slot.stopCountdown = nil
	r.reapLocked(id, slot)
}

// Stats returns a snapshot of registry occupancy.
func (r *SessionRegistry) Stats() RegistryStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := RegistryStats{Sessions: len(r.slots), DroppedEvents: r.dropped.Load()}
	for _, slot := range r.slots {
		if slot.stream != nil {
			stats.Streams++
		}
	}
	return stats
}

// Close stops every countdown, closes every student channel and waits for
// countdown goroutines to exit. Later operations fail with ErrRegistryClosed.
func (r *SessionRegistry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true

	var streams []*studentStream
	for _, slot := range r.slots {
		if slot.stopCountdown != nil {
			slot.stopCountdown()
			slot.stopCountdown = nil
		}
		if slot.stream != nil {
			streams = append(streams, slot.stream)
			slot.stream = nil
		}
	}
	r.mu.Unlock()

	for _, st := range streams {
		st.close()
	}
	r.wg.Wait()
}

// offer enqueues ev, discarding the oldest queued events until it fits. It
// reports whether anything was discarded.
func (st *studentStream) offer(ev model.StudentEvent) (dropped bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.closed {
		return false
	}
	for {
		select {
		case st.ch <- ev:
			return dropped
		default:
		}
		select {
		case <-st.ch:
			dropped = true
		default:
		}
	}
}

func (st *studentStream) close() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.closed {
		st.closed = true
		close(st.ch)
	}
}
