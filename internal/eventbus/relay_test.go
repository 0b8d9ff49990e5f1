package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/model"
)

type fakeSink struct {
	name    string
	mu      sync.Mutex
	got     []int64
	entered chan int64
	release chan struct{}
	err     error
	closed  bool
}

func newFakeSink(name string) *fakeSink {
	return &fakeSink{name: name, entered: make(chan int64, 64)}
}

func (s *fakeSink) Name() string { return s.name }

func (s *fakeSink) Send(ctx context.Context, ev model.MonitorEvent, payload []byte) error {
	s.entered <- ev.Sequence
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if len(payload) == 0 {
		return errors.New("empty payload")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.got = append(s.got, ev.Sequence)
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSink) sequences() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.got...)
}

func relayEvent(seq int64) model.MonitorEvent {
	return model.MonitorEvent{
		Type:           model.MonitorProgressUpdate,
		OrganizationID: "org-1",
		ExamID:         "exam-1",
		SessionID:      uuid.New(),
		Sequence:       seq,
	}
}

func TestRelayDeliversInOrderToEverySink(t *testing.T) {
	a, b := newFakeSink("a"), newFakeSink("b")
	r := NewRelay(16, time.Second, zerolog.Nop(), a, b)
	for i := int64(1); i <= 10; i++ {
		r.Publish(relayEvent(i))
	}
	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	for _, s := range []*fakeSink{a, b} {
		got := s.sequences()
		if len(got) != 10 {
			t.Fatalf("sink %s got %d events, want 10", s.name, len(got))
		}
		for i, seq := range got {
			if seq != int64(i+1) {
				t.Fatalf("sink %s position %d = %d", s.name, i, seq)
			}
		}
		if !s.closed {
			t.Fatalf("sink %s not closed", s.name)
		}
	}
	if st := r.Stats(); st.Delivered != 20 || st.Dropped != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestRelayDropsOldestWhenFull(t *testing.T) {
	s := newFakeSink("slow")
	s.release = make(chan struct{})
	r := NewRelay(2, time.Minute, zerolog.Nop(), s)

	r.Publish(relayEvent(1))
	select {
	case <-s.entered:
	case <-time.After(time.Second):
		t.Fatal("dispatcher never picked up first event")
	}
	for i := int64(2); i <= 6; i++ {
		r.Publish(relayEvent(i))
	}
	if st := r.Stats(); st.Dropped != 3 || st.Queued != 2 {
		t.Fatalf("stats = %+v", st)
	}

	close(s.release)
	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	got := s.sequences()
	want := []int64{1, 5, 6}
	if len(got) != len(want) {
		t.Fatalf("delivered %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivered %v, want %v", got, want)
		}
	}
}

func TestRelayCountsSinkFailures(t *testing.T) {
	bad := newFakeSink("bad")
	bad.err = errors.New("broker down")
	good := newFakeSink("good")
	r := NewRelay(4, time.Second, zerolog.Nop(), bad, good)
	r.Publish(relayEvent(1))
	r.Publish(relayEvent(2))
	r.Close(context.Background())

	if st := r.Stats(); st.Failed != 2 || st.Delivered != 2 {
		t.Fatalf("stats = %+v", st)
	}
	if got := good.sequences(); len(got) != 2 {
		t.Fatalf("good sink got %v", got)
	}
}

func TestRelayIgnoresPublishAfterClose(t *testing.T) {
	s := newFakeSink("a")
	r := NewRelay(4, time.Second, zerolog.Nop(), s)
	r.Close(context.Background())
	r.Publish(relayEvent(1))
	if st := r.Stats(); st.Published != 0 {
		t.Fatalf("published after close: %+v", st)
	}
	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestMQTTTopic(t *testing.T) {
	s := &MQTTSink{prefix: "exstem/monitor"}
	if got := s.Topic(relayEvent(1)); got != "exstem/monitor/org-1/exam-1" {
		t.Fatalf("topic = %q", got)
	}
}
