// Package eventbus mirrors accepted session events to external brokers.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/model"
)

// Sink delivers one encoded event to an external system.
type Sink interface {
	Name() string
	Send(ctx context.Context, ev model.MonitorEvent, payload []byte) error
	Close() error
}

// ErrRelayClosed is returned by Add after Close.
var ErrRelayClosed = errors.New("event relay closed")

// Relay queues published events and hands them to every sink from a single
// dispatch goroutine, so each sink sees events in publish order.
//
// The queue is bounded. When it is full the oldest queued event is discarded
// and counted in Stats.Dropped; Publish never blocks the caller.
type Relay struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []model.MonitorEvent
	size   int
	closed bool

	sinks       []Sink
	sendTimeout time.Duration
	log         zerolog.Logger
	done        chan struct{}

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
}

// Stats counts relay traffic since start.
type Stats struct {
	Queued    int   `json:"queued"`
	Published int64 `json:"published"`
	Delivered int64 `json:"delivered"`
	Dropped   int64 `json:"dropped"`
	Failed    int64 `json:"failed"`
}

// NewRelay starts a relay with room for size queued events.
func NewRelay(size int, sendTimeout time.Duration, log zerolog.Logger, sinks ...Sink) *Relay {
	if size < 1 {
		size = 1
	}
	if sendTimeout <= 0 {
		sendTimeout = 5 * time.Second
	}
	r := &Relay{
		queue:       make([]model.MonitorEvent, 0, size),
		size:        size,
		sinks:       sinks,
		sendTimeout: sendTimeout,
		log:         log.With().Str("component", "event_relay").Logger(),
		done:        make(chan struct{}),
	}
	r.cond = sync.NewCond(&r.mu)
	go r.run()
	return r
}

// Publish enqueues ev. It drops the oldest queued event when the queue is full.
func (r *Relay) Publish(ev model.MonitorEvent) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if len(r.queue) == r.size {
		r.queue = r.queue[1:]
		if n := r.dropped.Add(1); n == 1 || n%100 == 0 {
			r.log.Warn().Int64("dropped", n).Msg("Event relay queue full, dropping oldest")
		}
	}
	r.queue = append(r.queue, ev)
	r.published.Add(1)
	r.cond.Signal()
	r.mu.Unlock()
}

// Stats returns a snapshot of relay counters.
func (r *Relay) Stats() Stats {
	r.mu.Lock()
	queued := len(r.queue)
	r.mu.Unlock()
	return Stats{
		Queued:    queued,
		Published: r.published.Load(),
		Delivered: r.delivered.Load(),
		Dropped:   r.dropped.Load(),
		Failed:    r.failed.Load(),
	}
}

// Close stops accepting events, flushes what is queued until ctx ends, and
// closes every sink.
func (r *Relay) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return nil
	}
	r.closed = true
	r.cond.Broadcast()
	r.mu.Unlock()

	var errs []error
	select {
	case <-r.done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	for _, s := range r.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Relay) run() {
	defer close(r.done)
	for {
		r.mu.Lock()
		for len(r.queue) == 0 && !r.closed {
			r.cond.Wait()
		}
		if len(r.queue) == 0 {
			r.mu.Unlock()
			return
		}
		ev := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()

		r.dispatch(ev)
	}
}

func (r *Relay) dispatch(ev model.MonitorEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		r.failed.Add(1)
		r.log.Error().Err(err).Str("session_id", ev.SessionID.String()).Msg("Failed to encode relay event")
		return
	}
	for _, s := range r.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), r.sendTimeout)
		err := s.Send(ctx, ev, payload)
		cancel()
		if err != nil {
			r.failed.Add(1)
			r.log.Error().Err(err).
				Str("sink", s.Name()).
				Str("session_id", ev.SessionID.String()).
				Str("type", string(ev.Type)).
				Msg("Failed to relay event")
			continue
		}
		r.delivered.Add(1)
	}
}
