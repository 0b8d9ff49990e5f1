package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/clock"
	"github.com/stemsi/exstem-live/internal/model"
	"github.com/stemsi/exstem-live/internal/repository"
)

// DefaultCleanupAge is the inactivity age used when a cleanup request names none.
const DefaultCleanupAge = 30 * time.Minute

const reportActivityLimit = 500

// MonitorOptions tunes the analytics service.
type MonitorOptions struct {
	HighRiskThreshold int
	MaxInactive       time.Duration
}

// MonitorService serves read-only monitoring views. Every read is a
// lock-free snapshot from the session store scoped to one organization.
type MonitorService struct {
	store    repository.SessionStore
	sessions *ExamSessionService
	activity repository.ActivityReader
	risk     RiskPolicy
	clock    clock.Clock
	opts     MonitorOptions
	log      zerolog.Logger
}

// NewMonitorService creates a new MonitorService. activity may be nil.
func NewMonitorService(
	store repository.SessionStore,
	sessions *ExamSessionService,
	activity repository.ActivityReader,
	clk clock.Clock,
	opts MonitorOptions,
	log zerolog.Logger,
) *MonitorService {
	if clk == nil {
		clk = clock.System{}
	}
	if opts.HighRiskThreshold <= 0 {
		opts.HighRiskThreshold = 3
	}
	if opts.MaxInactive <= 0 {
		opts.MaxInactive = DefaultCleanupAge
	}
	return &MonitorService{
		store:    store,
		sessions: sessions,
		activity: activity,
		risk:     sessions.Risk(),
		clock:    clk,
		opts:     opts,
		log:      log.With().Str("component", "monitor_service").Logger(),
	}
}

// AnalyticsFilter scopes an aggregate query.
type AnalyticsFilter struct {
	OrganizationID string
	ExamID         string
	From           *time.Time
	To             *time.Time
}

func (f AnalyticsFilter) storeFilter() repository.SessionFilter {
	return repository.SessionFilter{
		OrganizationID: f.OrganizationID,
		ExamID:         f.ExamID,
		From:           f.From,
		To:             f.To,
	}
}

func (f AnalyticsFilter) validate(op string) error {
	if f.OrganizationID == "" {
		return badRequest(op, uuid.Nil, errors.New("organization is required"))
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return badRequest(op, uuid.Nil, errors.New("date range end precedes its start"))
	}
	return nil
}

// ─── Session listings ───────────────────────────────────────────────

// ListSessions returns the sessions matching f, newest first.
func (s *MonitorService) ListSessions(ctx context.Context, f repository.SessionFilter) ([]model.ExamSession, error) {
	const op = "list_sessions"
	if f.OrganizationID == "" {
		return nil, badRequest(op, uuid.Nil, errors.New("organization is required"))
	}
	for _, st := range f.Statuses {
		if !st.Valid() {
			return nil, badRequest(op, uuid.Nil, fmt.Errorf("%w: %q", ErrInvalidStatus, st))
		}
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return nil, badRequest(op, uuid.Nil, errors.New("date range end precedes its start"))
	}
	sessions, err := s.store.List(ctx, f)
	if err != nil {
		return nil, internal(op, uuid.Nil, fmt.Errorf("list sessions: %w", err))
	}
	return sessions, nil
}

// SessionsByStatus lists an organization's sessions in one status.
func (s *MonitorService) SessionsByStatus(ctx context.Context, orgID, status string) ([]model.ExamSession, error) {
	st, ok := model.ParseSessionStatus(status)
	if !ok {
		return nil, badRequest("sessions_by_status", uuid.Nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status))
	}
	return s.ListSessions(ctx, repository.SessionFilter{OrganizationID: orgID, Statuses: []model.SessionStatus{st}})
}

// SessionsByDateRange lists sessions created in [from, to].
func (s *MonitorService) SessionsByDateRange(ctx context.Context, orgID string, from, to time.Time) ([]model.ExamSession, error) {
	return s.ListSessions(ctx, repository.SessionFilter{OrganizationID: orgID, From: &from, To: &to})
}

// ListActiveSessions returns the live view of every open session.
func (s *MonitorService) ListActiveSessions(ctx context.Context, orgID, examID string) ([]model.MonitoringData, error) {
	sessions, err := s.ListSessions(ctx, repository.SessionFilter{
		OrganizationID: orgID,
		ExamID:         examID,
		Statuses:       model.OpenSessionStatuses,
	})
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	out := make([]model.MonitoringData, len(sessions))
	for i := range sessions {
		out[i] = s.monitoringData(&sessions[i], now)
	}
	return out, nil
}

// ─── Aggregates ─────────────────────────────────────────────────────

// SessionAnalytics aggregates session outcomes. Status counts and terminal
// session details are fetched concurrently.
func (s *MonitorService) SessionAnalytics(ctx context.Context, f AnalyticsFilter) (*model.SessionAnalytics, error) {
	const op = "session_analytics"
	if err := f.validate(op); err != nil {
		return nil, err
	}

	var (
		counts    map[model.SessionStatus]int64
		finished  []model.ExamSession
		countErr  error
		finishErr error
		wg        sync.WaitGroup
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		counts, countErr = s.store.CountByStatus(ctx, f.storeFilter())
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		sf := f.storeFilter()
		sf.Statuses = []model.SessionStatus{model.SessionStatusCompleted, model.SessionStatusTerminated}
		finished, finishErr = s.store.List(ctx, sf)
	}()

	wg.Wait()

	if err := errors.Join(countErr, finishErr); err != nil {
		return nil, internal(op, uuid.Nil, err)
	}

	out := &model.SessionAnalytics{
		ActiveSessions:     counts[model.SessionStatusActive],
		CompletedSessions:  counts[model.SessionStatusCompleted],
		TerminatedSessions: counts[model.SessionStatusTerminated],
	}
	for _, n := range counts {
		out.TotalSessions += n
	}

	var spent, scored int
	var timeSum, scoreSum float64
	for _, sess := range finished {
		if sess.TotalTimeSpent > 0 {
			timeSum += float64(sess.TotalTimeSpent)
			spent++
		}
		if sess.FinalScore != nil {
			scoreSum += *sess.FinalScore
			scored++
		}
	}
	if spent > 0 {
		out.AverageTimeSpent = timeSum / float64(spent)
	}
	if scored > 0 {
		out.AverageScore = scoreSum / float64(scored)
	}
	return out, nil
}

// SecurityFlagsSummary returns the severity and type histogram of flags.
func (s *MonitorService) SecurityFlagsSummary(ctx context.Context, f AnalyticsFilter) (*model.FlagSummary, error) {
	const op = "security_flags_summary"
	if err := f.validate(op); err != nil {
		return nil, err
	}
	sf := f.storeFilter()
	sf.MinFlags = 1
	sessions, err := s.store.List(ctx, sf)
	if err != nil {
		return nil, internal(op, uuid.Nil, err)
	}

	out := &model.FlagSummary{
		BySeverity: make(map[model.Severity]int64, len(model.AllSeverities)),
		ByType:     make(map[string]int64),
		Sessions:   int64(len(sessions)),
	}
	for _, sev := range model.AllSeverities {
		out.BySeverity[sev] = 0
	}
	for _, sess := range sessions {
		for _, flag := range sess.SecurityFlags {
			out.TotalFlags++
			out.BySeverity[flag.Severity]++
			out.ByType[flag.Type]++
		}
	}
	return out, nil
}

// HighRiskSessions lists sessions with at least threshold flags, riskiest
// first. A non-positive threshold uses the configured default.
func (s *MonitorService) HighRiskSessions(ctx context.Context, orgID, examID string, threshold int) ([]model.RiskySession, error) {
	const op = "high_risk_sessions"
	if orgID == "" {
		return nil, badRequest(op, uuid.Nil, errors.New("organization is required"))
	}
	if threshold <= 0 {
		threshold = s.opts.HighRiskThreshold
	}
	sessions, err := s.store.List(ctx, repository.SessionFilter{
		OrganizationID: orgID,
		ExamID:         examID,
		MinFlags:       threshold,
	})
	if err != nil {
		return nil, internal(op, uuid.Nil, err)
	}

	out := make([]model.RiskySession, 0, len(sessions))
	for _, sess := range sessions {
		rs := model.RiskySession{
			SessionID:     sess.ID,
			ExamID:        sess.ExamID,
			StudentID:     sess.StudentID,
			Status:        sess.Status,
			Risk:          s.risk.Assess(sess.SecurityFlags),
			LastActivity:  sess.LastActivity,
			SecurityFlags: sess.SecurityFlags,
		}
		if n := len(sess.SecurityFlags); n > 0 {
			latest := sess.SecurityFlags[n-1].Timestamp
			rs.LatestFlagAt = &latest
		}
		out = append(out, rs)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Risk, out[j].Risk
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.FlagCount != b.FlagCount {
			return a.FlagCount > b.FlagCount
		}
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out, nil
}

// ProgressStatistics summarizes progress across one exam.
func (s *MonitorService) ProgressStatistics(ctx context.Context, orgID, examID string) (*model.ProgressStatistics, error) {
	const op = "progress_statistics"
	if orgID == "" || examID == "" {
		return nil, badRequest(op, uuid.Nil, errors.New("organization and exam are required"))
	}
	sessions, err := s.store.List(ctx, repository.SessionFilter{OrganizationID: orgID, ExamID: examID})
	if err != nil {
		return nil, internal(op, uuid.Nil, err)
	}

	out := &model.ProgressStatistics{
		ExamID:          examID,
		StatusBreakdown: make(map[model.SessionStatus]int64),
	}
	if len(sessions) == 0 {
		return out, nil
	}

	students := make(map[string]struct{}, len(sessions))
	var completion, timeSum float64
	var timed, completed int
	for i := range sessions {
		sess := &sessions[i]
		students[sess.StudentID] = struct{}{}
		out.StatusBreakdown[sess.Status]++
		completion += model.ProgressOf(sess).Percentage
		if sess.Status.IsTerminal() {
			timeSum += float64(sess.TotalTimeSpent)
			timed++
		}
		if sess.Status == model.SessionStatusCompleted {
			completed++
		}
	}
	out.TotalStudents = int64(len(students))
	out.AverageCompletion = completion / float64(len(sessions))
	out.CompletionRate = float64(completed) / float64(len(sessions)) * 100
	if timed > 0 {
		out.AverageTimeSpent = timeSum / float64(timed)
	}
	return out, nil
}

// ─── Single session views ───────────────────────────────────────────

// SessionReport returns the audit view of one session.
func (s *MonitorService) SessionReport(ctx context.Context, orgID string, id uuid.UUID) (*model.SessionReport, error) {
	const op = "session_report"
	sess, err := s.sessions.GetSession(ctx, id, orgID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()

	report := &model.SessionReport{
		Session:     sess,
		TimeSpent:   model.BreakdownOf(elapsed(sess, now)),
		Scheduled:   model.BreakdownOf(time.Duration(sess.ScheduledDuration) * time.Minute),
		Progress:    model.ProgressOf(sess),
		Risk:        s.risk.Assess(sess.SecurityFlags),
		FlagsByType: make(map[string]int),
		Activity:    []model.ActivityLog{},
		GeneratedAt: now,
	}
	for _, f := range sess.SecurityFlags {
		report.FlagsByType[f.Type]++
	}

	if s.activity != nil {
		logs, err := s.activity.ListBySession(ctx, id, reportActivityLimit)
		if err != nil {
			return nil, internal(op, id, fmt.Errorf("load activity: %w", err))
		}
		report.Activity = logs
	}
	return report, nil
}

// SessionMonitoringData returns the live view of one session.
func (s *MonitorService) SessionMonitoringData(ctx context.Context, orgID string, id uuid.UUID) (*model.MonitoringData, error) {
	sess, err := s.sessions.GetSession(ctx, id, orgID)
	if err != nil {
		return nil, err
	}
	data := s.monitoringData(sess, s.clock.Now())
	return &data, nil
}

// CleanupInactiveSessions ends sessions of orgID idle for maxAgeMinutes, or
// for DefaultCleanupAge when zero. An empty orgID covers every organization.
func (s *MonitorService) CleanupInactiveSessions(ctx context.Context, orgID string, maxAgeMinutes int) (int, error) {
	if maxAgeMinutes < 0 {
		return 0, badRequest("cleanup_inactive_sessions", uuid.Nil, errors.New("maxAgeMinutes must not be negative"))
	}
	age := DefaultCleanupAge
	if maxAgeMinutes > 0 {
		age = time.Duration(maxAgeMinutes) * time.Minute
	}
	return s.sessions.SweepInactive(ctx, orgID, age)
}

func (s *MonitorService) monitoringData(sess *model.ExamSession, now time.Time) model.MonitoringData {
	return model.MonitoringData{
		SessionID:     sess.ID,
		StudentID:     sess.StudentID,
		Status:        sess.Status,
		TimeRemaining: TimeRemaining(sess, now),
		Progress:      model.ProgressOf(sess),
		Risk:          s.risk.Assess(sess.SecurityFlags),
		LastActivity:  sess.LastActivity,
		IsStale:       sess.Status.IsOpen() && now.Sub(sess.LastActivity) > s.opts.MaxInactive,
		Connected:     s.sessions.Connected(sess.ID),
		DeviceInfo:    sess.DeviceInfo,
		NetworkInfo:   sess.NetworkInfo,
	}
}

// elapsed is the time a session has been running, bounded by its deadline.
func elapsed(sess *model.ExamSession, now time.Time) time.Duration {
	if sess.Status.IsTerminal() {
		return time.Duration(sess.TotalTimeSpent) * time.Second
	}
	return time.Duration(timeSpent(sess, now)) * time.Second
}
