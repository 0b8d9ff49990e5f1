package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-live/internal/model"
)

func TestRegistryAttachSupersedesPreviousConnection(t *testing.T) {
	r := NewSessionRegistry(4)
	defer r.Close()
	id := uuid.New()

	first, _, err := r.Attach(id, "c1")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	second, detach, err := r.Attach(id, "c2")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer detach()

	ev, ok := <-first
	if !ok || ev.Type != model.StudentExamError {
		t.Fatalf("superseded stream got %+v, %v", ev, ok)
	}
	if _, ok := <-first; ok {
		t.Fatal("superseded stream should be closed")
	}

	r.Send(model.StudentEvent{Type: model.StudentProgressUpdate, SessionID: id})
	if ev := <-second; ev.Type != model.StudentProgressUpdate {
		t.Fatalf("current stream got %s", ev.Type)
	}
}

func TestRegistrySendDropsOldest(t *testing.T) {
	r := NewSessionRegistry(2)
	defer r.Close()
	id := uuid.New()
	ch, detach, _ := r.Attach(id, "c1")
	defer detach()

	for i := int64(0); i < 5; i++ {
		r.Send(model.StudentEvent{Type: model.StudentTimeUpdate, SessionID: id, Data: i})
	}
	r.Send(model.StudentEvent{Type: model.StudentExamEnded, SessionID: id})

	if got := (<-ch).Data; got != int64(4) {
		t.Fatalf("oldest kept = %v, want 4", got)
	}
	if got := (<-ch).Type; got != model.StudentExamEnded {
		t.Fatalf("last event = %s, want exam_ended", got)
	}
	if d := r.Stats().DroppedEvents; d != 4 {
		t.Fatalf("dropped = %d, want 4", d)
	}
}

func TestRegistryAcquireSerializesAndHonorsContext(t *testing.T) {
	r := NewSessionRegistry(1)
	defer r.Close()
	id := uuid.New()

	release, err := r.acquire(context.Background(), id)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := r.acquire(ctx, id); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second acquire = %v, want deadline exceeded", err)
	}

	release()
	release2, err := r.acquire(context.Background(), id)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	release2()

	if s := r.Stats().Sessions; s != 0 {
		t.Fatalf("idle slots kept = %d, want 0", s)
	}
}

func TestRegistryCloseStopsEverything(t *testing.T) {
	r := NewSessionRegistry(1)
	id := uuid.New()
	ch, _, _ := r.Attach(id, "c1")

	stopped := make(chan struct{})
	if !r.startCountdown(id, func(ctx context.Context) {
		<-ctx.Done()
		close(stopped)
	}) {
		t.Fatal("countdown not started with an attached stream")
	}

	r.Close()
	select {
	case <-stopped:
	default:
		t.Fatal("Close returned before the countdown exited")
	}
	if _, ok := <-ch; ok {
		t.Fatal("stream still open after Close")
	}
	if _, err := r.acquire(context.Background(), id); !errors.Is(err, ErrRegistryClosed) {
		t.Fatalf("acquire after close = %v", err)
	}
}

func TestRegistryCountdownNeedsStream(t *testing.T) {
	r := NewSessionRegistry(1)
	defer r.Close()
	if r.startCountdown(uuid.New(), func(context.Context) {}) {
		t.Fatal("countdown started without a stream")
	}
}
