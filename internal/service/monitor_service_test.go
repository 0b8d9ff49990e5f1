package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-live/internal/model"
	"github.com/stemsi/exstem-live/internal/repository"
)

func newMonitor(h *harness) *MonitorService {
	return NewMonitorService(h.store, h.svc, h.activity, h.clock, MonitorOptions{HighRiskThreshold: 2}, h.svc.log)
}

func TestSessionAnalyticsAndProgress(t *testing.T) {
	h := newHarness(t, SessionOptions{})
	m := newMonitor(h)
	ctx := context.Background()

	a := h.join(t, "student-a", "ca")
	b := h.join(t, "student-b", "cb")
	h.join(t, "student-c", "cc")

	h.begin(t, a.Session.ID)
	h.begin(t, b.Session.ID)
	if _, err := h.svc.RecordAnswer(ctx, AnswerRequest{SessionID: a.Session.ID, OrganizationID: "org-1", QuestionID: a.Questions[0].ID}); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(10 * time.Minute)
	score := 80.0
	if _, err := h.svc.EndSession(ctx, a.Session.ID, "org-1", model.SubmissionNormal, &score); err != nil {
		t.Fatal(err)
	}
	if _, err := h.svc.ForceTerminate(ctx, b.Session.ID, "org-1", "teacher-1", "left the room"); err != nil {
		t.Fatal(err)
	}

	stats, err := m.SessionAnalytics(ctx, AnalyticsFilter{OrganizationID: "org-1"})
	if err != nil {
		t.Fatalf("analytics: %v", err)
	}
	if stats.TotalSessions != 3 || stats.CompletedSessions != 1 || stats.TerminatedSessions != 1 {
		t.Fatalf("analytics = %+v", stats)
	}
	if stats.AverageTimeSpent != 600 || stats.AverageScore != 80 {
		t.Fatalf("averages = %v / %v", stats.AverageTimeSpent, stats.AverageScore)
	}

	progress, err := m.ProgressStatistics(ctx, "org-1", "exam-1")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if progress.TotalStudents != 3 || progress.StatusBreakdown[model.SessionStatusWaiting] != 1 {
		t.Fatalf("progress = %+v", progress)
	}
	if got := progress.CompletionRate; got < 33.3 || got > 33.4 {
		t.Fatalf("completion rate = %v", got)
	}

	active, err := m.ListActiveSessions(ctx, "org-1", "exam-1")
	if err != nil || len(active) != 1 {
		t.Fatalf("active = %d, %v", len(active), err)
	}

	other, _ := m.SessionAnalytics(ctx, AnalyticsFilter{OrganizationID: "org-2"})
	if other.TotalSessions != 0 {
		t.Fatalf("other tenant sees %d sessions", other.TotalSessions)
	}
}

func TestFlagSummaryAndHighRisk(t *testing.T) {
	h := newHarness(t, SessionOptions{})
	m := newMonitor(h)
	ctx := context.Background()

	calm := h.join(t, "student-a", "ca").Session.ID
	risky := h.join(t, "student-b", "cb").Session.ID
	riskier := h.join(t, "student-c", "cc").Session.ID

	flag := func(id uuid.UUID, sev model.Severity, typ string) {
		t.Helper()
		if _, err := h.svc.AppendSecurityFlag(ctx, FlagRequest{SessionID: id, OrganizationID: "org-1", Type: typ, Severity: sev}); err != nil {
			t.Fatal(err)
		}
	}
	flag(calm, model.SeverityLow, model.FlagTabSwitch)
	flag(risky, model.SeverityMedium, model.FlagTabSwitch)
	flag(risky, model.SeverityMedium, model.FlagCopyPaste)
	flag(riskier, model.SeverityHigh, model.FlagMultipleFaces)
	flag(riskier, model.SeverityCritical, model.FlagFullscreenExit)

	summary, err := m.SecurityFlagsSummary(ctx, AnalyticsFilter{OrganizationID: "org-1"})
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.TotalFlags != 5 || summary.Sessions != 3 {
		t.Fatalf("summary = %+v", summary)
	}
	if summary.BySeverity[model.SeverityMedium] != 2 || summary.ByType[model.FlagTabSwitch] != 2 {
		t.Fatalf("histogram = %v / %v", summary.BySeverity, summary.ByType)
	}

	high, err := m.HighRiskSessions(ctx, "org-1", "", 0)
	if err != nil {
		t.Fatalf("high risk: %v", err)
	}
	if len(high) != 2 {
		t.Fatalf("high risk sessions = %d, want 2", len(high))
	}
	if high[0].SessionID != riskier || high[0].Risk.Score != 75 {
		t.Fatalf("riskiest = %s score %d", high[0].SessionID, high[0].Risk.Score)
	}
}

func TestSessionsByStatusRejectsUnknownStatus(t *testing.T) {
	h := newHarness(t, SessionOptions{})
	m := newMonitor(h)
	_, err := m.SessionsByStatus(context.Background(), "org-1", "sleeping")
	wantKind(t, err, KindBadRequest)

	from := testStart
	_, err = m.SessionsByDateRange(context.Background(), "org-1", from, from.Add(-time.Hour))
	wantKind(t, err, KindBadRequest)

	_, err = m.ListSessions(context.Background(), repository.SessionFilter{})
	wantKind(t, err, KindBadRequest)
}

func TestSessionReportAndLiveView(t *testing.T) {
	h := newHarness(t, SessionOptions{})
	m := newMonitor(h)
	ctx := context.Background()
	id := h.join(t, "student-a", "ca").Session.ID
	h.begin(t, id)
	h.clock.Advance(90 * time.Second)

	report, err := m.SessionReport(ctx, "org-1", id)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if report.TimeSpent.Seconds != 90 || report.Scheduled.Minutes != 30 {
		t.Fatalf("timing = %+v / %+v", report.TimeSpent, report.Scheduled)
	}
	if len(report.Activity) != 2 {
		t.Fatalf("activity = %d entries, want 2", len(report.Activity))
	}

	live, err := m.SessionMonitoringData(ctx, "org-1", id)
	if err != nil {
		t.Fatalf("live: %v", err)
	}
	if live.TimeRemaining != 30*60-90 || live.IsStale || live.Connected {
		t.Fatalf("live = %+v", live)
	}

	_, err = m.SessionReport(ctx, "org-2", id)
	wantKind(t, err, KindForbidden)
}

func TestCleanupInactiveSessionsDefaultsAge(t *testing.T) {
	h := newHarness(t, SessionOptions{})
	m := newMonitor(h)
	ctx := context.Background()
	h.join(t, "student-a", "ca")

	h.clock.Advance(29 * time.Minute)
	if n, err := m.CleanupInactiveSessions(ctx, "org-1", 0); err != nil || n != 0 {
		t.Fatalf("cleanup at 29m = %d, %v", n, err)
	}
	h.clock.Advance(2 * time.Minute)
	if n, err := m.CleanupInactiveSessions(ctx, "org-1", 0); err != nil || n != 1 {
		t.Fatalf("cleanup at 31m = %d, %v", n, err)
	}
	if _, err := m.CleanupInactiveSessions(ctx, "org-1", -1); KindOf(err) != KindBadRequest {
		t.Fatalf("negative age = %v", err)
	}
}
