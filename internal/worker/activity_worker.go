package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/config"
	"github.com/stemsi/exstem-live/internal/model"
)

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
	PollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis
)

// ActivityWriter persists audit entries.
type ActivityWriter interface {
	BulkInsert(ctx context.Context, batch []model.ActivityLog) error
	Insert(ctx context.Context, entry model.ActivityLog) error
}

// ActivityWorker drains the activity queue into the activity log table in
// batches.
type ActivityWorker struct {
	writer ActivityWriter
	rdb    *redis.Client
	queue  string
	log    zerolog.Logger
}

func NewActivityWorker(writer ActivityWriter, rdb *redis.Client, log zerolog.Logger) *ActivityWorker {
	return &ActivityWorker{
		writer: writer,
		rdb:    rdb,
		queue:  config.WorkerKey.PersistActivityQueue,
		log:    log.With().Str("component", "activity_worker").Logger(),
	}
}

func (w *ActivityWorker) Start(ctx context.Context) {
	w.log.Info().Msg("ActivityWorker started")

	buffer := make([]model.ActivityLog, 0, BatchSize)
	lastFlush := time.Now()

	for {
		if len(buffer) > 0 && (len(buffer) >= BatchSize || time.Since(lastFlush) >= BatchTimeout) {
			w.flushSafe(ctx, buffer)
			buffer = buffer[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			w.shutdown(buffer)
			return
		default:
		}

		result, err := w.rdb.BLPop(ctx, PollTimeout, w.queue).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			w.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			time.Sleep(3 * time.Second)
			continue
		}
		if len(result) < 2 {
			continue
		}

		entry, ok := w.decode(result[1])
		if !ok {
			continue
		}
		buffer = append(buffer, entry)
	}
}

func (w *ActivityWorker) decode(raw string) (model.ActivityLog, bool) {
	var entry model.ActivityLog
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		// Malformed entries can never succeed.
		w.log.Error().Err(err).Str("data", raw).Msg("Discarding malformed activity entry")
		return entry, false
	}
	return entry, true
}

// flushSafe tries COPY first, then row-by-row, and requeues rows that still fail.
func (w *ActivityWorker) flushSafe(ctx context.Context, batch []model.ActivityLog) (requeued int) {
	err := w.writer.BulkInsert(ctx, batch)
	if err == nil {
		return 0
	}
	w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk insert failed, attempting row-by-row recovery")

	var failed []model.ActivityLog
	for _, entry := range batch {
		if err := w.writer.Insert(ctx, entry); err != nil {
			w.log.Error().Err(err).
				Str("session_id", entry.SessionID.String()).
				Str("event_type", string(entry.EventType)).
				Msg("Insert failed, requeueing")
			failed = append(failed, entry)
		}
	}
	if len(failed) > 0 {
		w.requeue(ctx, failed)
	}
	return len(failed)
}

func (w *ActivityWorker) requeue(ctx context.Context, items []model.ActivityLog) {
	if w.rdb == nil {
		w.log.Error().Int("count", len(items)).Msg("No queue to requeue into, activity entries lost")
		return
	}
	pipe := w.rdb.Pipeline()
	for _, entry := range items {
		data, _ := json.Marshal(entry)
		pipe.RPush(ctx, w.queue, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Error().Err(err).Msg("CRITICAL: Failed to requeue activity entries. Data loss occurred.")
		return
	}
	w.log.Info().Int("count", len(items)).Msg("Requeued failed activity entries")
	// Back off while the database recovers.
	time.Sleep(2 * time.Second)
}

// shutdown flushes the in-memory buffer and then drains what is still queued.
func (w *ActivityWorker) shutdown(buffer []model.ActivityLog) {
	w.log.Info().Msg("Worker stopping, flushing remaining buffer...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if len(buffer) > 0 {
		w.flushSafe(ctx, buffer)
	}
	w.drain(ctx)
	w.log.Info().Msg("Worker stopped")
}

func (w *ActivityWorker) drain(ctx context.Context) {
	batch := make([]model.ActivityLog, 0, BatchSize)
	drained := 0
	for ctx.Err() == nil {
		raw, err := w.rdb.LPop(ctx, w.queue).Result()
		if err != nil {
			break
		}
		if entry, ok := w.decode(raw); ok {
			batch = append(batch, entry)
		}
		if len(batch) == BatchSize {
			if w.flushSafe(ctx, batch) > 0 {
				return
			}
			drained += len(batch)
			batch = batch[:0]
		}
	}
	if len(batch) > 0 && w.flushSafe(ctx, batch) == 0 {
		drained += len(batch)
	}
	if drained > 0 {
		w.log.Info().Int("count", drained).Msg("Drained remaining activity entries")
	}
}
