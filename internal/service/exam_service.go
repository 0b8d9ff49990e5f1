package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/clock"
	"github.com/stemsi/exstem-live/internal/config"
	"github.com/stemsi/exstem-live/internal/model"
	"github.com/stemsi/exstem-live/internal/repository"
)

// ExamService answers exam-level time queries. Computed windows are cached
// in Redis when a client is configured.
type ExamService struct {
	exams      repository.ExamReader
	rdb        *redis.Client
	clock      clock.Clock
	defaultLoc *time.Location
	log        zerolog.Logger
}

// NewExamService creates a new ExamService. rdb may be nil.
func NewExamService(exams repository.ExamReader, rdb *redis.Client, clk clock.Clock, defaultLoc *time.Location, log zerolog.Logger) *ExamService {
	if clk == nil {
		clk = clock.System{}
	}
	if defaultLoc == nil {
		defaultLoc = time.UTC
	}
	return &ExamService{
		exams:      exams,
		rdb:        rdb,
		clock:      clk,
		defaultLoc: defaultLoc,
		log:        log.With().Str("component", "exam_service").Logger(),
	}
}

// ServerTime returns the authoritative clock reading.
func (s *ExamService) ServerTime() model.ServerTime {
	now := s.clock.Now()
	return model.ServerTime{
		ServerTime: now.Format(time.RFC3339Nano),
		Unix:       now.Unix(),
		UnixMillis: now.UnixMilli(),
		TimeZone:   "UTC",
	}
}

// Countdown reports where now falls relative to the exam's window. Exams
// without a schedule report waiting with their full duration.
func (s *ExamService) Countdown(ctx context.Context, examID, orgID string) (*model.ExamCountdown, error) {
	const op = "exam_countdown"
	exam, err := s.exams.GetExam(ctx, examID)
	if errors.Is(err, repository.ErrExamNotFound) {
		return nil, notFound(op, uuid.Nil, fmt.Errorf("%w: %s", ErrExamNotFound, examID))
	}
	if err != nil {
		return nil, internal(op, uuid.Nil, err)
	}
	if exam.OrganizationID != orgID {
		return nil, forbidden(op, uuid.Nil, errors.New("exam belongs to another organization"))
	}

	now := s.clock.Now()
	out := &model.ExamCountdown{
		ExamID:     exam.ID,
		ServerTime: now.Format(time.RFC3339),
		Duration:   exam.DurationMinutes,
	}
	if !exam.IsScheduled() {
		out.ExamStatus = model.CountdownWaiting
		out.TimeRemaining = int64(exam.DurationMinutes) * 60
		return out, nil
	}

	w, err := s.window(ctx, exam)
	if err != nil {
		return nil, internal(op, uuid.Nil, err)
	}
	start, end := w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339)
	out.ExamStartTime, out.ExamEndTime = &start, &end

	switch clock.Classify(now, w.Start, w.End) {
	case clock.PhaseScheduled:
		out.ExamStatus = model.CountdownScheduled
		out.TimeRemaining = clock.RemainingSeconds(now, w.Start)
	case clock.PhaseActive:
		out.ExamStatus = model.CountdownActive
		out.TimeRemaining = clock.RemainingSeconds(now, w.End)
	case clock.PhaseEnded:
		out.ExamStatus = model.CountdownEnded
	}
	return out, nil
}

type cachedWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (s *ExamService) window(ctx context.Context, exam *model.Exam) (clock.Window, error) {
	key := config.CacheKey.ExamWindowKey(exam.ID)
	if s.rdb != nil {
		if raw, err := s.rdb.Get(ctx, key).Bytes(); err == nil {
			var cw cachedWindow
			if json.Unmarshal(raw, &cw) == nil {
				return clock.Window{Start: cw.Start, End: cw.End}, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			s.log.Warn().Err(err).Str("exam_id", exam.ID).Msg("Failed to read cached exam window")
		}
	}

	loc := s.defaultLoc
	if exam.TimeZone != "" {
		l, err := clock.LoadLocation(exam.TimeZone)
		if err != nil {
			return clock.Window{}, err
		}
		loc = l
	}
	w, err := clock.ComputeWindow(exam.ScheduledDate, exam.StartTime, exam.DurationMinutes, loc)
	if err != nil {
		return clock.Window{}, fmt.Errorf("compute exam window: %w", err)
	}

	if s.rdb != nil {
		ttl := time.Until(w.End) + time.Hour
		if ttl > 24*time.Hour {
			ttl = 24 * time.Hour
		}
		if ttl > 0 {
			data, _ := json.Marshal(cachedWindow{Start: w.Start, End: w.End})
			if err := s.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
				s.log.Warn().Err(err).Str("exam_id", exam.ID).Msg("Failed to cache exam window")
			}
		}
	}
	return w, nil
}
