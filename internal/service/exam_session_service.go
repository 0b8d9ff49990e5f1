package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/clock"
	"github.com/stemsi/exstem-live/internal/model"
	"github.com/stemsi/exstem-live/internal/repository"
	"github.com/stemsi/exstem-live/internal/selector"
)

// Reasons specific to joining an exam.
var (
	ErrExamNotStarted = errors.New("exam has not started yet")
	ErrExamEnded      = errors.New("exam has already ended")
)

// EventPublisher receives every accepted session event, in acceptance order
// per session.
type EventPublisher interface {
	Publish(ev model.MonitorEvent)
}

// SessionOptions tunes the coordinator.
type SessionOptions struct {
	DisconnectGrace      time.Duration
	AutoSubmitOnComplete bool
	TimeUpdateInterval   time.Duration
	DefaultLocation      *time.Location
	SweepBatch           int
}

// ExamSessionService is the single writer of exam sessions. Every mutating
// operation runs under the session's serialization point from the registry,
// re-reads the session, applies one transition, commits it and emits the
// resulting events before the next operation on that session may start.
type ExamSessionService struct {
	store      repository.SessionStore
	catalog    repository.Catalog
	registry   *SessionRegistry
	activity   repository.ActivityRecorder
	publishers []EventPublisher
	risk       RiskPolicy
	clock      clock.Clock
	opts       SessionOptions
	log        zerolog.Logger
}

// NewExamSessionService creates a new ExamSessionService. activity may be nil.
func NewExamSessionService(
	store repository.SessionStore,
	catalog repository.Catalog,
	registry *SessionRegistry,
	activity repository.ActivityRecorder,
	risk RiskPolicy,
	clk clock.Clock,
	opts SessionOptions,
	log zerolog.Logger,
) *ExamSessionService {
	if clk == nil {
		clk = clock.System{}
	}
	if opts.DefaultLocation == nil {
		opts.DefaultLocation = time.UTC
	}
	if opts.TimeUpdateInterval <= 0 {
		opts.TimeUpdateInterval = clock.MaxTickInterval
	}
	if opts.SweepBatch <= 0 {
		opts.SweepBatch = 500
	}
	return &ExamSessionService{
		store:    store,
		catalog:  catalog,
		registry: registry,
		activity: activity,
		risk:     risk,
		clock:    clk,
		opts:     opts,
		log:      log.With().Str("component", "session_coordinator").Logger(),
	}
}

// AddPublisher registers a sink for monitor events. It must be called before
// the service handles traffic.
func (s *ExamSessionService) AddPublisher(p EventPublisher) {
	s.publishers = append(s.publishers, p)
}

// Risk returns the policy used to score security flags.
func (s *ExamSessionService) Risk() RiskPolicy { return s.risk }

// ─── Requests and results ───────────────────────────────────────────

// JoinRequest identifies a student joining an exam.
type JoinRequest struct {
	ExamID         string
	StudentID      string
	OrganizationID string
	ConnectionID   string
	DeviceInfo     json.RawMessage
	NetworkInfo    json.RawMessage
}

// JoinResult is what a student receives on joining.
type JoinResult struct {
	Session       *model.ExamSession         `json:"session"`
	ExamTitle     string                     `json:"examTitle"`
	Questions     []model.QuestionForStudent `json:"questions"`
	Resumed       bool                       `json:"resumed"`
	TimeRemaining int64                      `json:"timeRemaining"`
	ServerTime    time.Time                  `json:"serverTime"`
}

// AnswerRequest records one answer.
type AnswerRequest struct {
	SessionID       uuid.UUID `json:"-"`
	OrganizationID  string    `json:"-"`
	QuestionID      string    `json:"questionId" validate:"required"`
	Answer          string    `json:"answer"`
	TimeSpent       int       `json:"timeSpent" validate:"gte=0"`
	CurrentQuestion int       `json:"currentQuestion" validate:"gte=0"`
}

// ImportResult reports how much of an offline batch was applied.
type ImportResult struct {
	Imported  int            `json:"imported"`
	Preempted bool           `json:"preempted"`
	Progress  model.Progress `json:"progress"`
}

// FlagRequest appends one security flag.
type FlagRequest struct {
	SessionID      uuid.UUID       `json:"-"`
	OrganizationID string          `json:"-"`
	Type           string          `json:"type" validate:"required,max=64"`
	Severity       model.Severity  `json:"severity" validate:"required,severity"`
	Details        json.RawMessage `json:"details"`
}

// FlagResult is the session's risk after a flag was recorded.
type FlagResult struct {
	SessionID uuid.UUID            `json:"sessionId"`
	Status    model.SessionStatus  `json:"status"`
	Risk      model.RiskAssessment `json:"risk"`
}

// HeartbeatResult is the authoritative time view returned to a heartbeat.
type HeartbeatResult struct {
	SessionID     uuid.UUID           `json:"sessionId"`
	Status        model.SessionStatus `json:"status"`
	TimeRemaining int64               `json:"timeRemaining"`
	ExpiresAt     *time.Time          `json:"expiresAt,omitempty"`
	ServerTime    time.Time           `json:"serverTime"`
}

// ─── Join ───────────────────────────────────────────────────────────

// StartOrResumeSession returns the student's open session for the exam,
// creating it if none exists. Concurrent joins of the same student converge
// on one session.
func (s *ExamSessionService) StartOrResumeSession(ctx context.Context, req JoinRequest) (*JoinResult, error) {
	const op = "start_session"
	if req.ExamID == "" || req.StudentID == "" || req.OrganizationID == "" {
		return nil, badRequest(op, uuid.Nil, errors.New("exam, student and organization are required"))
	}

	exam, err := s.loadExam(ctx, op, req.ExamID, req.OrganizationID)
	if err != nil {
		return nil, err
	}
	bank, err := s.catalog.ListBankQuestions(ctx, exam.QuestionBankID)
	if errors.Is(err, repository.ErrBankNotFound) {
		return nil, notFound(op, uuid.Nil, fmt.Errorf("question bank %s: %w", exam.QuestionBankID, err))
	}
	if err != nil {
		return nil, internal(op, uuid.Nil, fmt.Errorf("load question bank: %w", err))
	}

	existing, err := s.store.GetOpenByExamAndStudent(ctx, exam.ID, req.StudentID)
	if err == nil {
		res, err := s.resume(ctx, existing.ID, req, exam, bank)
		if err != nil || res != nil {
			return res, err
		}
		// The attempt ended between lookup and resume; start a new one.
	} else if !errors.Is(err, repository.ErrSessionNotFound) {
		return nil, internal(op, uuid.Nil, fmt.Errorf("lookup open session: %w", err))
	}

	now := s.clock.Now()
	if exam.IsScheduled() {
		w, err := s.window(exam)
		if err != nil {
			return nil, internal(op, uuid.Nil, err)
		}
		switch clock.Classify(now, w.Start, w.End) {
		case clock.PhaseScheduled:
			return nil, conflict(op, uuid.Nil, ErrExamNotStarted)
		case clock.PhaseEnded:
			return nil, conflict(op, uuid.Nil, ErrExamEnded)
		}
	}

	questions, err := selector.SelectAndShuffle(bank, exam.QuestionBankID, exam.ID, req.StudentID, exam.Composition)
	if err != nil {
		var short *selector.ShortfallError
		if errors.As(err, &short) {
			return nil, conflict(op, uuid.Nil, err)
		}
		return nil, badRequest(op, uuid.Nil, err)
	}

	candidate := &model.ExamSession{
		ID:                  uuid.New(),
		ExamID:              exam.ID,
		StudentID:           req.StudentID,
		OrganizationID:      req.OrganizationID,
		Status:              model.SessionStatusWaiting,
		ConnectionID:        req.ConnectionID,
		ScheduledDuration:   exam.DurationMinutes,
		LastActivity:        now,
		TotalQuestions:      len(questions),
		SecurityFlags:       []model.SecurityFlag{},
		IsMonitoringActive:  true,
		MonitoringStartedAt: &now,
		ActivityCount:       1,
		DeviceInfo:          req.DeviceInfo,
		NetworkInfo:         req.NetworkInfo,
		QuestionOrder:       model.Slots(questions),
		Answers:             map[string]model.Answer{},
	}

	// Hold the new ID's serialization point across the insert so student_joined
	// is emitted before any operation on the session that a concurrent join
	// could start.
	release, err := s.registry.acquire(ctx, candidate.ID)
	if err != nil {
		return nil, internal(op, uuid.Nil, err)
	}
	sess, created, err := s.store.CreateOrGetOpen(ctx, candidate)
	if err != nil {
		release()
		return nil, internal(op, uuid.Nil, fmt.Errorf("create session: %w", err))
	}
	if !created {
		release()
		s.log.Debug().
			Str("exam_id", exam.ID).
			Str("student_id", req.StudentID).
			Str("session_id", sess.ID.String()).
			Msg("Concurrent join detected, resuming existing session")
		return s.resume(ctx, sess.ID, req, exam, bank)
	}

	s.emit(ctx, sess, now, &effect{
		notes: []note{{monitor: model.MonitorStudentJoined, activity: model.ActivityStudentJoined, progress: true}},
	}, 1)
	release()

	s.log.Info().
		Str("session_id", sess.ID.String()).
		Str("exam_id", exam.ID).
		Str("student_id", req.StudentID).
		Int("questions", len(questions)).
		Msg("Exam session created")

	out := make([]model.QuestionForStudent, len(questions))
	for i, q := range questions {
		out[i] = q.ForStudent()
	}
	return &JoinResult{
		Session:       sess,
		ExamTitle:     exam.Title,
		Questions:     out,
		TimeRemaining: TimeRemaining(sess, now),
		ServerTime:    now,
	}, nil
}

func (s *ExamSessionService) resume(ctx context.Context, id uuid.UUID, req JoinRequest, exam *model.Exam, bank []model.Question) (*JoinResult, error) {
	const op = "resume_session"
	sess, _, err := s.apply(ctx, op, id, req.OrganizationID, func(sess *model.ExamSession, now time.Time) (*effect, error) {
		eff := &effect{}
		if req.ConnectionID != "" {
			prev := sess.ConnectionID
			if prev != "" && prev != req.ConnectionID && sess.Status != model.SessionStatusDisconnected {
				eff.notes = append(eff.notes, note{
					monitor:  model.MonitorDuplicateConnection,
					activity: model.ActivityDuplicateConnection,
					data:     map[string]string{"previousConnectionId": prev, "connectionId": req.ConnectionID},
				})
			}
			sess.ConnectionID = req.ConnectionID
		}
		if len(req.DeviceInfo) > 0 {
			sess.DeviceInfo = req.DeviceInfo
		}
		if len(req.NetworkInfo) > 0 {
			sess.NetworkInfo = req.NetworkInfo
		}
		sess.IsMonitoringActive = true

		if sess.Status == model.SessionStatusDisconnected {
			to, _ := transition(sess.Status, eventReconnect)
			sess.Status = to
			sess.DisconnectedAt = nil
			eff.notes = append(eff.notes, note{
				monitor:  model.MonitorStudentReconnected,
				activity: model.ActivityStudentReconnected,
				progress: true,
			})
			eff.countdown = true
		} else {
			eff.notes = append(eff.notes, note{activity: model.ActivityStudentResumed, progress: true})
		}
		return eff, nil
	})
	if err != nil {
		return nil, err
	}
	if sess.Status.IsTerminal() {
		return nil, nil
	}

	now := s.clock.Now()
	arranged := selector.Arrange(bank, sess.QuestionOrder)
	out := make([]model.QuestionForStudent, len(arranged))
	for i, q := range arranged {
		out[i] = q.ForStudent()
	}
	return &JoinResult{
		Session:       sess,
		ExamTitle:     exam.Title,
		Questions:     out,
		Resumed:       true,
		TimeRemaining: TimeRemaining(sess, now),
		ServerTime:    now,
	}, nil
}

// ─── Lifecycle ──────────────────────────────────────────────────────

// BeginSession starts the clock of a waiting session. The deadline is the
// exam duration from now, capped at the end of a scheduled window.
func (s *ExamSessionService) BeginSession(ctx context.Context, id uuid.UUID, orgID string) (*model.ExamSession, error) {
	const op = "begin_session"
	current, err := s.load(ctx, op, id, orgID)
	if err != nil {
		return nil, err
	}
	exam, err := s.loadExam(ctx, op, current.ExamID, current.OrganizationID)
	if err != nil {
		return nil, err
	}
	var window *clock.Window
	if exam.IsScheduled() {
		w, err := s.window(exam)
		if err != nil {
			return nil, internal(op, id, err)
		}
		window = &w
	}

	sess, _, err := s.apply(ctx, op, id, orgID, func(sess *model.ExamSession, now time.Time) (*effect, error) {
		if sess.Status == model.SessionStatusActive {
			return nil, nil
		}
		to, ok := transition(sess.Status, eventBegin)
		if !ok {
			return nil, conflict(op, id, fmt.Errorf("%w: cannot begin a %s session", ErrTransition, sess.Status))
		}
		expires := now.Add(time.Duration(sess.ScheduledDuration) * time.Minute)
		if window != nil {
			switch clock.Classify(now, window.Start, window.End) {
			case clock.PhaseScheduled:
				return nil, conflict(op, id, ErrExamNotStarted)
			case clock.PhaseEnded:
				return nil, conflict(op, id, ErrExamEnded)
			}
			if window.End.Before(expires) {
				expires = window.End
			}
		}

		sess.Status = to
		sess.StartTime = &now
		sess.ExpiresAt = &expires
		update := model.TimeUpdate{
			TimeRemaining: clock.RemainingSeconds(now, expires),
			ExpiresAt:     expires,
			ServerTime:    now,
		}
		return &effect{
			notes:     []note{{monitor: model.MonitorExamStarted, activity: model.ActivityExamStarted, data: update}},
			student:   []studentNote{{typ: model.StudentExamStarted, data: update}},
			countdown: true,
		}, nil
	})
	return sess, err
}

// PauseSession moves an active session to paused. The deadline keeps running.
func (s *ExamSessionService) PauseSession(ctx context.Context, id uuid.UUID, orgID string) (*model.ExamSession, error) {
	return s.toggle(ctx, "pause_session", id, orgID, eventPause, model.SessionStatusPaused,
		model.MonitorExamPaused, model.ActivityExamPaused, model.StudentExamPaused)
}

// ResumeSession moves a paused session back to active.
func (s *ExamSessionService) ResumeSession(ctx context.Context, id uuid.UUID, orgID string) (*model.ExamSession, error) {
	return s.toggle(ctx, "resume_session", id, orgID, eventResume, model.SessionStatusActive,
		model.MonitorExamResumed, model.ActivityExamResumed, model.StudentExamResumed)
}

func (s *ExamSessionService) toggle(
	ctx context.Context,
	op string,
	id uuid.UUID,
	orgID string,
	ev sessionEvent,
	target model.SessionStatus,
	monitor model.MonitorEventType,
	activity model.ActivityType,
	student model.StudentEventType,
) (*model.ExamSession, error) {
	sess, _, err := s.apply(ctx, op, id, orgID, func(sess *model.ExamSession, now time.Time) (*effect, error) {
		if sess.Status == target {
			return nil, nil
		}
		to, ok := transition(sess.Status, ev)
		if !ok {
			return nil, conflict(op, id, fmt.Errorf("%w: %s from %s", ErrTransition, op, sess.Status))
		}
		sess.Status = to
		return &effect{
			notes:   []note{{monitor: monitor, activity: activity, progress: true}},
			student: []studentNote{{typ: student, progress: true}},
		}, nil
	})
	return sess, err
}

// MarkDisconnected records that the student's connection dropped. It is a
// no-op when the session has since been bound to another connection.
func (s *ExamSessionService) MarkDisconnected(ctx context.Context, id uuid.UUID, orgID, connectionID string) error {
	const op = "mark_disconnected"
	_, _, err := s.apply(ctx, op, id, orgID, func(sess *model.ExamSession, now time.Time) (*effect, error) {
		if connectionID != "" && sess.ConnectionID != connectionID {
			return nil, nil
		}
		to, ok := transition(sess.Status, eventDisconnect)
		if !ok {
			return nil, nil
		}
		sess.Status = to
		sess.DisconnectedAt = &now
		return &effect{
			notes: []note{{monitor: model.MonitorStudentDisconnected, activity: model.ActivityStudentDisconnected, progress: true}},
		}, nil
	})
	return err
}

// ─── Answers, heartbeats and flags ──────────────────────────────────

// RecordAnswer stores the latest answer to one question of an active session.
func (s *ExamSessionService) RecordAnswer(ctx context.Context, req AnswerRequest) (*model.Progress, error) {
	const op = "record_answer"
	if err := validateAnswer(req); err != nil {
		return nil, badRequest(op, req.SessionID, err)
	}
	sess, _, err := s.apply(ctx, op, req.SessionID, req.OrganizationID, func(sess *model.ExamSession, now time.Time) (*effect, error) {
		return s.answerEffect(op, sess, now, req)
	})
	if err != nil {
		return nil, err
	}
	p := model.ProgressOf(sess)
	return &p, nil
}

// ImportAnswers applies a batch of answers recorded offline, one at a time.
// A termination waiting on the session stops the import between answers.
func (s *ExamSessionService) ImportAnswers(ctx context.Context, id uuid.UUID, orgID string, answers []AnswerRequest) (*ImportResult, error) {
	const op = "import_answers"
	for _, a := range answers {
		if err := validateAnswer(a); err != nil {
			return nil, badRequest(op, id, err)
		}
	}

	res := &ImportResult{}
	var last *model.ExamSession
	for _, a := range answers {
		if s.registry.preempted(id) {
			res.Preempted = true
			break
		}
		a.SessionID = id
		a.OrganizationID = orgID

		applied := false
		sess, _, err := s.apply(ctx, op, id, orgID, func(sess *model.ExamSession, now time.Time) (*effect, error) {
			if s.registry.preempted(id) {
				return nil, ErrPreempted
			}
			eff, err := s.answerEffect(op, sess, now, a)
			applied = err == nil
			return eff, err
		})
		if errors.Is(err, ErrPreempted) {
			res.Preempted = true
			break
		}
		if err != nil {
			return res, err
		}
		last = sess
		if applied {
			res.Imported++
		}
		if sess.Status.IsTerminal() {
			break
		}
	}

	if last == nil {
		current, err := s.load(ctx, op, id, orgID)
		if err != nil {
			return res, err
		}
		last = current
	}
	res.Progress = model.ProgressOf(last)
	return res, nil
}

func validateAnswer(a AnswerRequest) error {
	switch {
	case a.QuestionID == "":
		return errors.New("questionId is required")
	case a.TimeSpent < 0:
		return errors.New("timeSpent must not be negative")
	case a.CurrentQuestion < 0:
		return errors.New("currentQuestion must not be negative")
	}
	return nil
}

func (s *ExamSessionService) answerEffect(op string, sess *model.ExamSession, now time.Time, req AnswerRequest) (*effect, error) {
	if sess.Status != model.SessionStatusActive {
		return nil, conflict(op, sess.ID, fmt.Errorf("%w: answers need an active session, status is %s", ErrTransition, sess.Status))
	}
	position := 0
	for i, slot := range sess.QuestionOrder {
		if slot.QuestionID == req.QuestionID {
			position = i + 1
			break
		}
	}
	if position == 0 {
		return nil, badRequest(op, sess.ID, fmt.Errorf("%w: %s", ErrUnknownQuestion, req.QuestionID))
	}

	if sess.Answers == nil {
		sess.Answers = make(map[string]model.Answer)
	}
	if _, seen := sess.Answers[req.QuestionID]; !seen && sess.AnsweredQuestions < sess.TotalQuestions {
		sess.AnsweredQuestions++
	}
	answer := model.Answer{
		QuestionID: req.QuestionID,
		Answer:     req.Answer,
		TimeSpent:  req.TimeSpent,
		AnsweredAt: now,
	}
	sess.Answers[req.QuestionID] = answer
	sess.LastAnswerTime = &now
	sess.CurrentQuestion = position
	if req.CurrentQuestion > 0 && req.CurrentQuestion <= sess.TotalQuestions {
		sess.CurrentQuestion = req.CurrentQuestion
	}

	eff := &effect{
		answer:  &answer,
		notes:   []note{{monitor: model.MonitorProgressUpdate, activity: model.ActivityAnswerSubmitted, progress: true}},
		student: []studentNote{{typ: model.StudentProgressUpdate, progress: true}},
	}
	if s.opts.AutoSubmitOnComplete && sess.AnsweredQuestions == sess.TotalQuestions {
		end, err := s.terminate(op, sess, now, model.SubmissionNormal, "all questions answered", "", nil)
		if err != nil {
			return nil, err
		}
		eff.merge(end)
	}
	return eff, nil
}

// RecordHeartbeat refreshes the session's last activity and returns the
// authoritative remaining time. A heartbeat counts as one accepted event but
// publishes nothing.
func (s *ExamSessionService) RecordHeartbeat(ctx context.Context, id uuid.UUID, orgID string) (*HeartbeatResult, error) {
	sess, _, err := s.apply(ctx, "heartbeat", id, orgID, func(*model.ExamSession, time.Time) (*effect, error) {
		return &effect{}, nil
	})
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	return &HeartbeatResult{
		SessionID:     sess.ID,
		Status:        sess.Status,
		TimeRemaining: TimeRemaining(sess, now),
		ExpiresAt:     sess.ExpiresAt,
		ServerTime:    now,
	}, nil
}

// AppendSecurityFlag attaches a flag to an open session and returns the
// resulting risk.
func (s *ExamSessionService) AppendSecurityFlag(ctx context.Context, req FlagRequest) (*FlagResult, error) {
	const op = "security_flag"
	if req.Type == "" {
		return nil, badRequest(op, req.SessionID, errors.New("flag type is required"))
	}
	if !req.Severity.Valid() {
		return nil, badRequest(op, req.SessionID, fmt.Errorf("%w: %q", ErrInvalidSeverity, req.Severity))
	}

	sess, _, err := s.apply(ctx, op, req.SessionID, req.OrganizationID, func(sess *model.ExamSession, now time.Time) (*effect, error) {
		flag := model.SecurityFlag{
			Type:      req.Type,
			Severity:  req.Severity,
			Timestamp: now,
			Details:   req.Details,
		}
		sess.SecurityFlags = append(sess.SecurityFlags, flag)
		risk := s.risk.Assess(sess.SecurityFlags)
		alert := model.SecurityAlert{Flag: flag, Risk: risk}
		return &effect{
			notes:   []note{{monitor: model.MonitorSecurityAlert, activity: model.ActivitySecurityFlag, data: alert}},
			student: []studentNote{{typ: model.StudentFlagRecorded, data: alert}},
		}, nil
	})
	if err != nil {
		return nil, err
	}

	risk := s.risk.Assess(sess.SecurityFlags)
	if risk.Score >= s.risk.Levels.High {
		s.log.Warn().
			Str("session_id", sess.ID.String()).
			Str("student_id", sess.StudentID).
			Int("risk_score", risk.Score).
			Str("flag_type", req.Type).
			Msg("High risk session")
	}
	return &FlagResult{SessionID: sess.ID, Status: sess.Status, Risk: risk}, nil
}

// ─── Termination ────────────────────────────────────────────────────

// EndSession ends an open session with the given submission type.
func (s *ExamSessionService) EndSession(ctx context.Context, id uuid.UUID, orgID string, sub model.SubmissionType, finalScore *float64) (*model.ExamSession, error) {
	const op = "end_session"
	if !sub.Valid() {
		return nil, badRequest(op, id, fmt.Errorf("invalid submission type %q", sub))
	}
	sess, _, err := s.apply(ctx, op, id, orgID, func(sess *model.ExamSession, now time.Time) (*effect, error) {
		return s.terminate(op, sess, now, sub, "", "", finalScore)
	})
	return sess, err
}

// ForceTerminate ends a session on behalf of a monitor. It raises the
// session's preemption flag first so a running offline import yields at its
// next answer boundary.
func (s *ExamSessionService) ForceTerminate(ctx context.Context, id uuid.UUID, orgID, actorID, reason string) (*model.ExamSession, error) {
	const op = "force_terminate"
	if reason == "" {
		return nil, badRequest(op, id, errors.New("reason is required"))
	}
	lower, err := s.registry.preempt(id)
	if err != nil {
		return nil, internal(op, id, err)
	}
	defer lower()

	sess, changed, err := s.apply(ctx, op, id, orgID, func(sess *model.ExamSession, now time.Time) (*effect, error) {
		return s.terminate(op, sess, now, model.SubmissionForced, reason, actorID, nil)
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.log.Info().
			Str("session_id", id.String()).
			Str("actor_id", actorID).
			Str("reason", reason).
			Msg("Session force-terminated")
	}
	return sess, nil
}

// SweepInactive terminates open sessions of orgID that went quiet for
// maxInactive with a timeout, and disconnected sessions past the reconnect
// grace with a disconnect. An empty orgID sweeps every organization. It
// returns how many sessions it ended.
func (s *ExamSessionService) SweepInactive(ctx context.Context, orgID string, maxInactive time.Duration) (int, error) {
	const op = "sweep_inactive"
	if maxInactive <= 0 {
		return 0, badRequest(op, uuid.Nil, errors.New("maxInactive must be positive"))
	}
	now := s.clock.Now()
	cutoff := now.Add(-maxInactive)
	grace := now.Add(-s.opts.DisconnectGrace)

	ids, err := s.store.ListStale(ctx, orgID, cutoff, grace, s.opts.SweepBatch)
	if err != nil {
		return 0, internal(op, uuid.Nil, fmt.Errorf("list stale sessions: %w", err))
	}

	ended := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return ended, ctx.Err()
		}
		sess, changed, err := s.apply(ctx, op, id, orgID, func(sess *model.ExamSession, now time.Time) (*effect, error) {
			if !repository.IsStale(sess, cutoff, grace) {
				return nil, nil
			}
			sub, reason := model.SubmissionTimeout, fmt.Sprintf("inactive for more than %s", maxInactive)
			if sess.Status == model.SessionStatusDisconnected {
				sub, reason = model.SubmissionDisconnect, "reconnect grace period expired"
			}
			return s.terminate(op, sess, now, sub, reason, "", nil)
		})
		if err != nil {
			s.log.Error().Err(err).Str("session_id", id.String()).Msg("Failed to sweep session")
			continue
		}
		if changed && sess.Status.IsTerminal() {
			ended++
		}
	}
	if ended > 0 {
		s.log.Info().Str("organization_id", orgID).Int("count", ended).Msg("Swept inactive sessions")
	}
	return ended, nil
}

// ExpireIfDue ends the session with a timeout when its deadline has passed.
func (s *ExamSessionService) ExpireIfDue(ctx context.Context, id uuid.UUID) (*model.ExamSession, error) {
	sess, _, err := s.apply(ctx, "expire_session", id, "", func(*model.ExamSession, time.Time) (*effect, error) {
		return nil, nil
	})
	return sess, err
}

func (s *ExamSessionService) terminate(op string, sess *model.ExamSession, now time.Time, sub model.SubmissionType, reason, actor string, score *float64) (*effect, error) {
	to, ok := transition(sess.Status, terminalEvent(sub))
	if !ok {
		return nil, conflict(op, sess.ID, fmt.Errorf("%w: cannot end a %s session with %s submission", ErrTransition, sess.Status, sub))
	}

	sess.Status = to
	sess.EndTime = &now
	sess.SubmittedAt = &now
	sess.SubmissionType = &sub
	sess.TotalTimeSpent = timeSpent(sess, now)
	if score != nil {
		sess.FinalScore = score
	}
	sess.TerminationReason = reason
	sess.IsMonitoringActive = false

	ended := model.ExamEnded{
		Status:         to,
		SubmissionType: sub,
		TotalTimeSpent: sess.TotalTimeSpent,
		FinalScore:     sess.FinalScore,
		Reason:         reason,
		TerminatedBy:   actor,
		EndedAt:        now,
	}
	activity := model.ActivityExamEnded
	switch {
	case sub == model.SubmissionTimeout:
		activity = model.ActivitySessionTimeout
	case to == model.SessionStatusTerminated:
		activity = model.ActivityExamTerminated
	}
	return &effect{
		notes:   []note{{monitor: model.MonitorExamEnded, activity: activity, data: ended}},
		student: []studentNote{{typ: model.StudentExamEnded, data: ended}},
	}, nil
}

func timeSpent(sess *model.ExamSession, now time.Time) int {
	if sess.StartTime == nil {
		return 0
	}
	end := now
	if sess.ExpiresAt != nil && sess.ExpiresAt.Before(end) {
		end = *sess.ExpiresAt
	}
	if d := end.Sub(*sess.StartTime); d > 0 {
		return int(d / time.Second)
	}
	return 0
}

// ─── Reads and streams ──────────────────────────────────────────────

// GetSession returns a snapshot of the session.
func (s *ExamSessionService) GetSession(ctx context.Context, id uuid.UUID, orgID string) (*model.ExamSession, error) {
	return s.load(ctx, "get_session", id, orgID)
}

// GetSessionByConnection returns the session bound to a connection.
func (s *ExamSessionService) GetSessionByConnection(ctx context.Context, connectionID, orgID string) (*model.ExamSession, error) {
	const op = "get_session_by_connection"
	sess, err := s.store.GetByConnection(ctx, connectionID)
	if errors.Is(err, repository.ErrSessionNotFound) {
		return nil, notFound(op, uuid.Nil, ErrSessionNotFound)
	}
	if err != nil {
		return nil, internal(op, uuid.Nil, err)
	}
	if orgID != "" && sess.OrganizationID != orgID {
		return nil, forbidden(op, sess.ID, ErrWrongTenant)
	}
	return sess, nil
}

// OpenStream attaches a student connection to the session's event channel
// and starts its countdown when the session has a deadline. The returned func
// detaches the connection.
func (s *ExamSessionService) OpenStream(ctx context.Context, id uuid.UUID, orgID, connectionID string) (<-chan model.StudentEvent, func(), error) {
	const op = "open_stream"
	sess, err := s.load(ctx, op, id, orgID)
	if err != nil {
		return nil, nil, err
	}
	ch, detach, err := s.registry.Attach(id, connectionID)
	if err != nil {
		return nil, nil, internal(op, id, err)
	}
	if sess.Status.IsOpen() {
		s.startCountdown(sess)
	}
	return ch, detach, nil
}

// Connected reports whether a student stream is attached to the session.
func (s *ExamSessionService) Connected(id uuid.UUID) bool {
	return s.registry.Connected(id)
}

// TimeRemaining returns the seconds a session has left. A session that has
// not begun reports its full duration.
func TimeRemaining(sess *model.ExamSession, now time.Time) int64 {
	switch {
	case sess.Status.IsTerminal():
		return 0
	case sess.ExpiresAt != nil:
		return clock.RemainingSeconds(now, *sess.ExpiresAt)
	default:
		return int64(sess.ScheduledDuration) * 60
	}
}

func (s *ExamSessionService) startCountdown(sess *model.ExamSession) {
	if sess.ExpiresAt == nil || sess.Status.IsTerminal() {
		return
	}
	id, end := sess.ID, *sess.ExpiresAt
	s.registry.startCountdown(id, func(ctx context.Context) {
		for tick := range clock.Countdown(ctx, s.clock, end, s.opts.TimeUpdateInterval) {
			s.registry.Send(model.StudentEvent{
				Type:      model.StudentTimeUpdate,
				SessionID: id,
				Data: model.TimeUpdate{
					TimeRemaining: tick.Seconds(),
					ExpiresAt:     end,
					ServerTime:    tick.Now,
				},
			})
			if tick.Expired() {
				s.expire(id)
				return
			}
		}
	})
}

func (s *ExamSessionService) expire(id uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := s.ExpireIfDue(ctx, id); err != nil && !errors.Is(err, ErrRegistryClosed) {
		s.log.Error().Err(err).Str("session_id", id.String()).Msg("Failed to expire session")
	}
}

// ─── Transition table ───────────────────────────────────────────────

type sessionEvent int

const (
	eventBegin sessionEvent = iota
	eventPause
	eventResume
	eventDisconnect
	eventReconnect
	eventSubmit
	eventTimeout
	eventForce
	eventAbandon
)

// transition returns the status reached from "from" on ev. Terminal statuses
// accept nothing.
func transition(from model.SessionStatus, ev sessionEvent) (model.SessionStatus, bool) {
	switch from {
	case model.SessionStatusWaiting:
		switch ev {
		case eventBegin:
			return model.SessionStatusActive, true
		case eventTimeout, eventForce, eventAbandon:
			return model.SessionStatusTerminated, true
		}
	case model.SessionStatusActive:
		switch ev {
		case eventPause:
			return model.SessionStatusPaused, true
		case eventDisconnect:
			return model.SessionStatusDisconnected, true
		case eventSubmit:
			return model.SessionStatusCompleted, true
		case eventTimeout, eventForce, eventAbandon:
			return model.SessionStatusTerminated, true
		}
	case model.SessionStatusPaused:
		switch ev {
		case eventResume:
			return model.SessionStatusActive, true
		case eventDisconnect:
			return model.SessionStatusDisconnected, true
		case eventSubmit:
			return model.SessionStatusCompleted, true
		case eventTimeout, eventForce, eventAbandon:
			return model.SessionStatusTerminated, true
		}
	case model.SessionStatusDisconnected:
		switch ev {
		case eventReconnect:
			return model.SessionStatusActive, true
		case eventTimeout, eventForce, eventAbandon:
			return model.SessionStatusTerminated, true
		}
	case model.SessionStatusCompleted, model.SessionStatusTerminated:
	}
	return from, false
}

func terminalEvent(sub model.SubmissionType) sessionEvent {
	switch sub {
	case model.SubmissionTimeout:
		return eventTimeout
	case model.SubmissionForced:
		return eventForce
	case model.SubmissionDisconnect:
		return eventAbandon
	case model.SubmissionNormal:
	}
	return eventSubmit
}

// ─── Apply, commit, emit ────────────────────────────────────────────

// note is one accepted event. monitor and activity may each be empty.
type note struct {
	monitor  model.MonitorEventType
	activity model.ActivityType
	data     any
	progress bool // data is the committed progress
}

type studentNote struct {
	typ      model.StudentEventType
	data     any
	progress bool
}

// effect is the outcome of one transition.
type effect struct {
	answer    *model.Answer
	notes     []note
	student   []studentNote
	countdown bool
}

func (e *effect) merge(o *effect) {
	e.notes = append(e.notes, o.notes...)
	e.student = append(e.student, o.student...)
	e.countdown = e.countdown || o.countdown
}

// mutation edits sess in place. A nil effect with a nil error leaves the
// session untouched.
type mutation func(sess *model.ExamSession, now time.Time) (*effect, error)

// apply runs fn against a fresh copy of the session under its serialization
// point. Terminal sessions are returned unchanged; an open session past its
// deadline times out instead of running fn. An empty orgID skips the tenant
// check. The bool result reports whether anything was committed.
func (s *ExamSessionService) apply(ctx context.Context, op string, id uuid.UUID, orgID string, fn mutation) (*model.ExamSession, bool, error) {
	release, err := s.registry.acquire(ctx, id)
	if err != nil {
		return nil, false, internal(op, id, err)
	}
	defer release()

	sess, err := s.load(ctx, op, id, orgID)
	if err != nil {
		return nil, false, err
	}
	if sess.Status.IsTerminal() {
		return sess, false, nil
	}

	now := s.clock.Now()
	var eff *effect
	if sess.ExpiresAt != nil && clock.Remaining(now, *sess.ExpiresAt) == 0 {
		eff, err = s.terminate(op, sess, now, model.SubmissionTimeout, "time expired", "", nil)
	} else {
		eff, err = fn(sess, now)
	}
	if err != nil {
		return nil, false, err
	}
	if eff == nil {
		return sess, false, nil
	}

	first := sess.ActivityCount + 1
	n := int64(len(eff.notes))
	if n == 0 {
		n = 1
	}
	sess.ActivityCount += n
	sess.LastActivity = now
	sess.UpdatedAt = now

	if eff.answer != nil {
		err = s.store.SaveAnswer(ctx, sess, *eff.answer)
	} else {
		err = s.store.Update(ctx, sess)
	}
	if err != nil {
		return nil, false, internal(op, id, fmt.Errorf("commit session: %w", err))
	}

	s.emit(ctx, sess, now, eff, first)
	return sess.Clone(), true, nil
}

// emit fans a committed effect out to the student channel, the monitor
// publishers and the activity log, then settles the countdown.
func (s *ExamSessionService) emit(ctx context.Context, sess *model.ExamSession, now time.Time, eff *effect, first int64) {
	progress := model.ProgressOf(sess)

	for _, n := range eff.student {
		data := n.data
		if n.progress {
			data = progress
		}
		s.registry.Send(model.StudentEvent{Type: n.typ, SessionID: sess.ID, Data: data})
	}

	for i, n := range eff.notes {
		data := n.data
		if n.progress {
			data = progress
		}
		if n.monitor != "" {
			ev := model.MonitorEvent{
				Type:           n.monitor,
				OrganizationID: sess.OrganizationID,
				ExamID:         sess.ExamID,
				SessionID:      sess.ID,
				StudentID:      sess.StudentID,
				Sequence:       first + int64(i),
				Status:         sess.Status,
				Data:           data,
				OccurredAt:     now,
			}
			for _, p := range s.publishers {
				p.Publish(ev)
			}
		}
		if n.activity != "" {
			s.record(ctx, sess, n.activity, data, now)
		}
	}

	switch {
	case sess.Status.IsTerminal():
		s.registry.stopCountdown(sess.ID)
		s.log.Info().
			Str("session_id", sess.ID.String()).
			Str("status", string(sess.Status)).
			Int("time_spent", sess.TotalTimeSpent).
			Msg("Exam session ended")
	case eff.countdown:
		s.startCountdown(sess)
	}
}

func (s *ExamSessionService) record(ctx context.Context, sess *model.ExamSession, typ model.ActivityType, data any, now time.Time) {
	if s.activity == nil {
		return
	}
	entry := model.ActivityLog{
		SessionID:      sess.ID,
		ExamID:         sess.ExamID,
		StudentID:      sess.StudentID,
		OrganizationID: sess.OrganizationID,
		EventType:      typ,
		OccurredAt:     now,
	}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			entry.Payload = raw
		}
	}
	if err := s.activity.Record(context.WithoutCancel(ctx), entry); err != nil {
		s.log.Warn().Err(err).
			Str("session_id", sess.ID.String()).
			Str("event", string(typ)).
			Msg("Failed to record activity")
	}
}

func (s *ExamSessionService) load(ctx context.Context, op string, id uuid.UUID, orgID string) (*model.ExamSession, error) {
	sess, err := s.store.Get(ctx, id)
	if errors.Is(err, repository.ErrSessionNotFound) {
		return nil, notFound(op, id, ErrSessionNotFound)
	}
	if err != nil {
		return nil, internal(op, id, fmt.Errorf("load session: %w", err))
	}
	if orgID != "" && sess.OrganizationID != orgID {
		return nil, forbidden(op, id, ErrWrongTenant)
	}
	return sess, nil
}

func (s *ExamSessionService) loadExam(ctx context.Context, op, examID, orgID string) (*model.Exam, error) {
	exam, err := s.catalog.GetExam(ctx, examID)
	if errors.Is(err, repository.ErrExamNotFound) {
		return nil, notFound(op, uuid.Nil, fmt.Errorf("%w: %s", ErrExamNotFound, examID))
	}
	if err != nil {
		return nil, internal(op, uuid.Nil, fmt.Errorf("load exam: %w", err))
	}
	if exam.OrganizationID != orgID {
		return nil, forbidden(op, uuid.Nil, errors.New("exam belongs to another organization"))
	}
	return exam, nil
}

func (s *ExamSessionService) window(exam *model.Exam) (clock.Window, error) {
	loc := s.opts.DefaultLocation
	if exam.TimeZone != "" {
		l, err := clock.LoadLocation(exam.TimeZone)
		if err != nil {
			return clock.Window{}, err
		}
		loc = l
	}
	return clock.ComputeWindow(exam.ScheduledDate, exam.StartTime, exam.DurationMinutes, loc)
}
