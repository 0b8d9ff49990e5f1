package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SessionAnalytics aggregates session outcomes for an organization.
type SessionAnalytics struct {
	TotalSessions      int64   `json:"totalSessions"`
	ActiveSessions     int64   `json:"activeSessions"`
	CompletedSessions  int64   `json:"completedSessions"`
	TerminatedSessions int64   `json:"terminatedSessions"`
	AverageTimeSpent   float64 `json:"averageTimeSpent"`
	AverageScore       float64 `json:"averageScore"`
}

// FlagSummary is the severity histogram of security flags.
type FlagSummary struct {
	TotalFlags int64              `json:"totalFlags"`
	BySeverity map[Severity]int64 `json:"bySeverity"`
	ByType     map[string]int64   `json:"byType"`
	Sessions   int64              `json:"sessionsWithFlags"`
}

// RiskLevel buckets a risk score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskAssessment is the computed risk of one session.
type RiskAssessment struct {
	Score     int       `json:"score"`
	Level     RiskLevel `json:"level"`
	FlagCount int       `json:"flagCount"`
}

// RiskySession pairs a session summary with its risk.
type RiskySession struct {
	SessionID     uuid.UUID      `json:"sessionId"`
	ExamID        string         `json:"examId"`
	StudentID     string         `json:"studentId"`
	Status        SessionStatus  `json:"status"`
	Risk          RiskAssessment `json:"risk"`
	LastActivity  time.Time      `json:"lastActivity"`
	LatestFlagAt  *time.Time     `json:"latestFlagAt,omitempty"`
	SecurityFlags []SecurityFlag `json:"securityFlags"`
}

// ProgressStatistics summarizes progress across one exam's sessions.
type ProgressStatistics struct {
	ExamID            string                  `json:"examId"`
	TotalStudents     int64                   `json:"totalStudents"`
	AverageCompletion float64                 `json:"averageCompletion"`
	AverageTimeSpent  float64                 `json:"averageTimeSpent"`
	CompletionRate    float64                 `json:"completionRate"`
	StatusBreakdown   map[SessionStatus]int64 `json:"statusBreakdown"`
}

// TimeBreakdown expresses one duration in several units.
type TimeBreakdown struct {
	Milliseconds int64   `json:"milliseconds"`
	Seconds      int64   `json:"seconds"`
	Minutes      float64 `json:"minutes"`
	Hours        float64 `json:"hours"`
}

// BreakdownOf converts d into a TimeBreakdown.
func BreakdownOf(d time.Duration) TimeBreakdown {
	if d < 0 {
		d = 0
	}
	return TimeBreakdown{
		Milliseconds: d.Milliseconds(),
		Seconds:      int64(d.Seconds()),
		Minutes:      d.Minutes(),
		Hours:        d.Hours(),
	}
}

// SessionReport is the audit view of a single session.
type SessionReport struct {
	Session     *ExamSession   `json:"session"`
	TimeSpent   TimeBreakdown  `json:"timeSpent"`
	Scheduled   TimeBreakdown  `json:"scheduled"`
	Progress    Progress       `json:"progress"`
	Risk        RiskAssessment `json:"risk"`
	FlagsByType map[string]int `json:"flagsByType"`
	Activity    []ActivityLog  `json:"activity"`
	GeneratedAt time.Time      `json:"generatedAt"`
}

// MonitoringData is the live view of a session shown to a monitor.
type MonitoringData struct {
	SessionID     uuid.UUID       `json:"sessionId"`
	StudentID     string          `json:"studentId"`
	Status        SessionStatus   `json:"status"`
	TimeRemaining int64           `json:"timeRemaining"`
	Progress      Progress        `json:"progress"`
	Risk          RiskAssessment  `json:"risk"`
	LastActivity  time.Time       `json:"lastActivity"`
	IsStale       bool            `json:"isStale"`
	Connected     bool            `json:"connected"`
	DeviceInfo    json.RawMessage `json:"deviceInfo,omitempty"`
	NetworkInfo   json.RawMessage `json:"networkInfo,omitempty"`
}
