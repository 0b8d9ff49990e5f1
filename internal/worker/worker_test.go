package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/model"
)

type fakeWriter struct {
	bulkErr  error
	badEvent model.ActivityType
	inserted []model.ActivityLog
	bulk     int
}

func (f *fakeWriter) BulkInsert(_ context.Context, batch []model.ActivityLog) error {
	if f.bulkErr != nil {
		return f.bulkErr
	}
	f.bulk++
	f.inserted = append(f.inserted, batch...)
	return nil
}

func (f *fakeWriter) Insert(_ context.Context, entry model.ActivityLog) error {
	if entry.EventType == f.badEvent {
		return errors.New("constraint violation")
	}
	f.inserted = append(f.inserted, entry)
	return nil
}

func entries(types ...model.ActivityType) []model.ActivityLog {
	out := make([]model.ActivityLog, 0, len(types))
	for _, typ := range types {
		out = append(out, model.ActivityLog{SessionID: uuid.New(), EventType: typ, OccurredAt: time.Now()})
	}
	return out
}

func TestFlushUsesBulkInsert(t *testing.T) {
	w := &fakeWriter{}
	aw := NewActivityWorker(w, nil, zerolog.Nop())
	if n := aw.flushSafe(context.Background(), entries(model.ActivityStudentJoined, model.ActivityAnswerSubmitted)); n != 0 {
		t.Fatalf("requeued %d", n)
	}
	if w.bulk != 1 || len(w.inserted) != 2 {
		t.Fatalf("bulk=%d inserted=%d", w.bulk, len(w.inserted))
	}
}

func TestFlushFallsBackRowByRow(t *testing.T) {
	w := &fakeWriter{bulkErr: errors.New("copy failed"), badEvent: model.ActivitySecurityFlag}
	aw := NewActivityWorker(w, nil, zerolog.Nop())
	batch := entries(model.ActivityStudentJoined, model.ActivitySecurityFlag, model.ActivityAnswerSubmitted)
	if n := aw.flushSafe(context.Background(), batch); n != 1 {
		t.Fatalf("requeued %d, want 1", n)
	}
	if len(w.inserted) != 2 {
		t.Fatalf("inserted %d rows, want 2", len(w.inserted))
	}
}

func TestDecodeDiscardsMalformedEntries(t *testing.T) {
	aw := NewActivityWorker(&fakeWriter{}, nil, zerolog.Nop())
	if _, ok := aw.decode("{not json"); ok {
		t.Fatal("malformed entry accepted")
	}
	entry, ok := aw.decode(`{"session_id":"6f1c1b4e-3c3b-4a57-9a57-1f1f7c0c9b10","event_type":"heartbeat"}`)
	if !ok || entry.EventType != "heartbeat" {
		t.Fatalf("decode = %+v, %v", entry, ok)
	}
}

type fakeSweeper struct {
	calls  atomic.Int32
	maxAge atomic.Int32
	scoped atomic.Bool
}

func (f *fakeSweeper) CleanupInactiveSessions(_ context.Context, orgID string, maxAgeMinutes int) (int, error) {
	f.calls.Add(1)
	if orgID != "" {
		f.scoped.Store(true)
	}
	f.maxAge.Store(int32(maxAgeMinutes))
	return 2, nil
}

func TestSweepWorkerRunsOnInterval(t *testing.T) {
	s := &fakeSweeper{}
	w := NewSweepWorker(s, 5*time.Millisecond, 45*time.Minute, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	deadline := time.After(time.Second)
	for s.calls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("sweeper not called twice")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	<-done
	if s.maxAge.Load() != 45 {
		t.Fatalf("max age = %d minutes", s.maxAge.Load())
	}
	if s.scoped.Load() {
		t.Fatal("worker sweep should span every organization")
	}
	if n := w.RunOnce(context.Background()); n != 2 {
		t.Fatalf("RunOnce = %d", n)
	}
}
