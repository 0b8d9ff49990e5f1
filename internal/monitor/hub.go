// Package monitor fans accepted session events out to live observers.
package monitor

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/model"
)

// Close reasons reported by Observer.Reason.
const (
	ReasonUnsubscribed = "unsubscribed"
	ReasonSlowConsumer = "slow_consumer"
	ReasonShutdown     = "shutdown"
)

// ErrHubClosed is returned by Subscribe after Close.
var ErrHubClosed = errors.New("monitor hub closed")

type examKey struct {
	org  string
	exam string
}

// Hub is the registry of monitor observers, keyed by organization and exam.
// An observer subscribed with an empty exam receives every exam of its
// organization.
//
// Each observer has a bounded channel. Publish blocks on a full channel for
// at most the send timeout; an observer still full after that is evicted and
// its channel closed with ReasonSlowConsumer. Every observer that stays
// subscribed therefore sees every event of a session, in publish order.
type Hub struct {
	mu        sync.RWMutex
	observers map[examKey]map[string]*Observer
	closed    bool

	size        int
	sendTimeout time.Duration
	log         zerolog.Logger

	published atomic.Int64
	evicted   atomic.Int64
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	Exams     int   `json:"exams"`
	Observers int   `json:"observers"`
	Published int64 `json:"published"`
	Evicted   int64 `json:"evicted"`
}

// NewHub creates a hub whose observer channels hold size events.
func NewHub(size int, sendTimeout time.Duration, log zerolog.Logger) *Hub {
	if size < 1 {
		size = 1
	}
	if sendTimeout <= 0 {
		sendTimeout = 2 * time.Second
	}
	return &Hub{
		observers:   make(map[examKey]map[string]*Observer),
		size:        size,
		sendTimeout: sendTimeout,
		log:         log.With().Str("component", "monitor_hub").Logger(),
	}
}

// Subscribe registers an observer. Subscribing an ID that is already
// registered for the same exam replaces the previous observer.
func (h *Hub) Subscribe(orgID, examID, observerID string) (*Observer, error) {
	o := newObserver(orgID, examID, observerID, h.size)
	key := examKey{org: orgID, exam: examID}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	set := h.observers[key]
	if set == nil {
		set = make(map[string]*Observer)
		h.observers[key] = set
	}
	prev := set[observerID]
	set[observerID] = o
	h.mu.Unlock()

	if prev != nil {
		prev.close(ReasonUnsubscribed)
	}
	h.log.Debug().
		Str("organization_id", orgID).
		Str("exam_id", examID).
		Str("observer_id", observerID).
		Msg("Observer subscribed")
	return o, nil
}

// Unsubscribe removes o and closes its channel.
func (h *Hub) Unsubscribe(o *Observer) {
	h.remove(o)
	o.close(ReasonUnsubscribed)
}

// Publish delivers ev to the observers of its exam and of its organization.
func (h *Hub) Publish(ev model.MonitorEvent) {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Observer, 0, len(h.observers[examKey{ev.OrganizationID, ev.ExamID}]))
	for _, o := range h.observers[examKey{ev.OrganizationID, ev.ExamID}] {
		targets = append(targets, o)
	}
	if ev.ExamID != "" {
		for _, o := range h.observers[examKey{ev.OrganizationID, ""}] {
			targets = append(targets, o)
		}
	}
	h.mu.RUnlock()

	h.published.Add(1)
	for _, o := range targets {
		if o.send(ev, h.sendTimeout) {
			continue
		}
		h.evicted.Add(1)
		h.remove(o)
		o.close(ReasonSlowConsumer)
		h.log.Warn().
			Str("observer_id", o.ID).
			Str("exam_id", o.ExamID).
			Dur("timeout", h.sendTimeout).
			Msg("Evicted slow monitor observer")
	}
}

// Stats returns a snapshot of hub occupancy.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s := Stats{Published: h.published.Load(), Evicted: h.evicted.Load()}
	for _, set := range h.observers {
		s.Exams++
		s.Observers += len(set)
	}
	return s
}

// Close closes every observer with ReasonShutdown. Publish becomes a no-op.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var all []*Observer
	for _, set := range h.observers {
		for _, o := range set {
			all = append(all, o)
		}
	}
	h.observers = make(map[examKey]map[string]*Observer)
	h.mu.Unlock()

	for _, o := range all {
		o.close(ReasonShutdown)
	}
}

func (h *Hub) remove(o *Observer) {
	key := examKey{org: o.OrganizationID, exam: o.ExamID}
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.observers[key]
	if set[o.ID] != o {
		return
	}
	delete(set, o.ID)
	if len(set) == 0 {
		delete(h.observers, key)
	}
}

// ─── Observer ───────────────────────────────────────────────────────

// Observer is one subscribed monitor.
type Observer struct {
	ID             string
	OrganizationID string
	ExamID         string

	events chan model.MonitorEvent
	quit   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	closed bool
	reason string
}

func newObserver(orgID, examID, id string, size int) *Observer {
	return &Observer{
		ID:             id,
		OrganizationID: orgID,
		ExamID:         examID,
		events:         make(chan model.MonitorEvent, size),
		quit:           make(chan struct{}),
	}
}

// Events is closed when the observer leaves the hub.
func (o *Observer) Events() <-chan model.MonitorEvent { return o.events }

// Reason reports why the observer was closed, or "" while it is open.
func (o *Observer) Reason() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reason
}

func (o *Observer) send(ev model.MonitorEvent, timeout time.Duration) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return true
	}

	select {
	case o.events <- ev:
		return true
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case o.events <- ev:
		return true
	case <-o.quit:
		return true
	case <-timer.C:
		return false
	}
}

func (o *Observer) close(reason string) {
	o.once.Do(func() {
		close(o.quit)
		o.mu.Lock()
		o.closed = true
		o.reason = reason
		close(o.events)
		o.mu.Unlock()
	})
}
