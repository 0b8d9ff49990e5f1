package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SessionStatus enumerates exam session states.
type SessionStatus string

const (
	SessionStatusWaiting      SessionStatus = "waiting"
	SessionStatusActive       SessionStatus = "active"
	SessionStatusPaused       SessionStatus = "paused"
	SessionStatusDisconnected SessionStatus = "disconnected"
	SessionStatusCompleted    SessionStatus = "completed"
	SessionStatusTerminated   SessionStatus = "terminated"
)

// AllSessionStatuses lists every status in lifecycle order.
var AllSessionStatuses = []SessionStatus{
	SessionStatusWaiting,
	SessionStatusActive,
	SessionStatusPaused,
	SessionStatusDisconnected,
	SessionStatusCompleted,
	SessionStatusTerminated,
}

// OpenSessionStatuses are the statuses covered by the one-open-attempt rule.
var OpenSessionStatuses = []SessionStatus{
	SessionStatusWaiting,
	SessionStatusActive,
	SessionStatusPaused,
	SessionStatusDisconnected,
}

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusWaiting, SessionStatusActive, SessionStatusPaused,
		SessionStatusDisconnected, SessionStatusCompleted, SessionStatusTerminated:
		return true
	}
	return false
}

// IsTerminal reports whether s absorbs every further event.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionStatusCompleted, SessionStatusTerminated:
		return true
	case SessionStatusWaiting, SessionStatusActive, SessionStatusPaused, SessionStatusDisconnected:
		return false
	}
	return false
}

// IsOpen reports whether s counts against the one-open-attempt rule.
func (s SessionStatus) IsOpen() bool {
	return s.Valid() && !s.IsTerminal()
}

// ParseSessionStatus converts a raw string into a SessionStatus.
func ParseSessionStatus(raw string) (SessionStatus, bool) {
	s := SessionStatus(raw)
	return s, s.Valid()
}

// Severity is the tier of a security flag.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AllSeverities lists severities from least to most severe.
var AllSeverities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// SubmissionType records how a session reached its terminal state.
type SubmissionType string

const (
	SubmissionNormal     SubmissionType = "normal"
	SubmissionTimeout    SubmissionType = "timeout"
	SubmissionForced     SubmissionType = "forced"
	SubmissionDisconnect SubmissionType = "disconnect"
)

// Valid reports whether t is a known submission type.
func (t SubmissionType) Valid() bool {
	switch t {
	case SubmissionNormal, SubmissionTimeout, SubmissionForced, SubmissionDisconnect:
		return true
	}
	return false
}

// TerminalStatus maps a submission type onto the terminal status it produces.
func (t SubmissionType) TerminalStatus() SessionStatus {
	if t == SubmissionNormal {
		return SessionStatusCompleted
	}
	return SessionStatusTerminated
}

// Well-known security flag types reported by exam clients.
const (
	FlagTabSwitch          = "tab_switch"
	FlagWindowFocus        = "window_focus"
	FlagCopyPaste          = "copy_paste"
	FlagRightClick         = "right_click"
	FlagKeyboardShortcut   = "keyboard_shortcut"
	FlagFullscreenExit     = "fullscreen_exit"
	FlagMultipleFaces      = "multiple_faces"
	FlagSuspiciousActivity = "suspicious_activity"
)

// SecurityFlag is one anti-cheating signal attached to a session.
type SecurityFlag struct {
	Type      string          `json:"type"`
	Severity  Severity        `json:"severity"`
	Timestamp time.Time       `json:"timestamp"`
	Details   json.RawMessage `json:"details,omitempty"`
}

// Answer is the latest response a student gave to one question.
type Answer struct {
	QuestionID string    `json:"question_id"`
	Answer     string    `json:"answer"`
	TimeSpent  int       `json:"time_spent"`
	AnsweredAt time.Time `json:"answered_at"`
}

// QuestionSlot fixes the position and option order of one question in a session.
type QuestionSlot struct {
	QuestionID  string   `json:"question_id"`
	OptionOrder []string `json:"option_order,omitempty"`
}

// ExamSession represents one student's attempt at one exam.
type ExamSession struct {
	ID             uuid.UUID     `json:"id"`
	ExamID         string        `json:"exam_id"`
	StudentID      string        `json:"student_id"`
	OrganizationID string        `json:"organization_id"`
	Status         SessionStatus `json:"status"`
	ConnectionID   string        `json:"connection_id,omitempty"`

	ScheduledDuration int        `json:"scheduled_duration"`
	StartTime         *time.Time `json:"start_time,omitempty"`
	EndTime           *time.Time `json:"end_time,omitempty"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	DisconnectedAt    *time.Time `json:"disconnected_at,omitempty"`
	LastActivity      time.Time  `json:"last_activity"`

	TotalQuestions    int        `json:"total_questions"`
	AnsweredQuestions int        `json:"answered_questions"`
	CurrentQuestion   int        `json:"current_question"`
	LastAnswerTime    *time.Time `json:"last_answer_time,omitempty"`

	SecurityFlags []SecurityFlag `json:"security_flags"`

	IsMonitoringActive  bool       `json:"is_monitoring_active"`
	MonitoringStartedAt *time.Time `json:"monitoring_started_at,omitempty"`
	ActivityCount       int64      `json:"activity_count"`

	SubmissionType    *SubmissionType `json:"submission_type,omitempty"`
	TotalTimeSpent    int             `json:"total_time_spent"`
	FinalScore        *float64        `json:"final_score,omitempty"`
	SubmittedAt       *time.Time      `json:"submitted_at,omitempty"`
	TerminationReason string          `json:"termination_reason,omitempty"`

	DeviceInfo  json.RawMessage `json:"device_info,omitempty"`
	NetworkInfo json.RawMessage `json:"network_info,omitempty"`

	QuestionOrder []QuestionSlot     `json:"question_order,omitempty"`
	Answers       map[string]Answer `json:"answers,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy so callers never share slices or maps with a store.
func (s *ExamSession) Clone() *ExamSession {
	if s == nil {
		return nil
	}
	c := *s
	c.StartTime = cloneTime(s.StartTime)
	c.EndTime = cloneTime(s.EndTime)
	c.ExpiresAt = cloneTime(s.ExpiresAt)
	c.DisconnectedAt = cloneTime(s.DisconnectedAt)
	c.LastAnswerTime = cloneTime(s.LastAnswerTime)
	c.MonitoringStartedAt = cloneTime(s.MonitoringStartedAt)
	c.SubmittedAt = cloneTime(s.SubmittedAt)
	if s.SubmissionType != nil {
		t := *s.SubmissionType
		c.SubmissionType = &t
	}
	if s.FinalScore != nil {
		f := *s.FinalScore
		c.FinalScore = &f
	}
	c.SecurityFlags = append([]SecurityFlag(nil), s.SecurityFlags...)
	c.DeviceInfo = append(json.RawMessage(nil), s.DeviceInfo...)
	c.NetworkInfo = append(json.RawMessage(nil), s.NetworkInfo...)
	if s.QuestionOrder != nil {
		c.QuestionOrder = make([]QuestionSlot, len(s.QuestionOrder))
		for i, q := range s.QuestionOrder {
			c.QuestionOrder[i] = QuestionSlot{
				QuestionID:  q.QuestionID,
				OptionOrder: append([]string(nil), q.OptionOrder...),
			}
		}
	}
	if s.Answers != nil {
		c.Answers = make(map[string]Answer, len(s.Answers))
		for k, v := range s.Answers {
			c.Answers[k] = v
		}
	}
	return &c
}

// HasQuestion reports whether questionID is part of this session's question set.
func (s *ExamSession) HasQuestion(questionID string) bool {
	for _, q := range s.QuestionOrder {
		if q.QuestionID == questionID {
			return true
		}
	}
	return false
}

// Progress is the answer progress of a session.
type Progress struct {
	SessionID         uuid.UUID     `json:"session_id"`
	Status            SessionStatus `json:"status"`
	AnsweredQuestions int           `json:"answered_questions"`
	TotalQuestions    int           `json:"total_questions"`
	CurrentQuestion   int           `json:"current_question"`
	Percentage        float64       `json:"percentage"`
	ActivityCount     int64         `json:"activity_count"`
}

// ProgressOf derives a Progress snapshot from a session.
func ProgressOf(s *ExamSession) Progress {
	p := Progress{
		SessionID:         s.ID,
		Status:            s.Status,
		AnsweredQuestions: s.AnsweredQuestions,
		TotalQuestions:    s.TotalQuestions,
		CurrentQuestion:   s.CurrentQuestion,
		ActivityCount:     s.ActivityCount,
	}
	if s.TotalQuestions > 0 {
		p.Percentage = float64(s.AnsweredQuestions) / float64(s.TotalQuestions) * 100
	}
	return p
}

// StartSessionRequest is the REST payload for starting or resuming a session.
type StartSessionRequest struct {
	DeviceInfo  json.RawMessage `json:"device_info"`
	NetworkInfo json.RawMessage `json:"network_info"`
}

// TerminateSessionRequest is the payload a monitor sends to force-terminate a session.
type TerminateSessionRequest struct {
	Reason string `json:"reason" binding:"required,min=3,max=500"`
}

// CleanupRequest triggers the inactive session sweep.
type CleanupRequest struct {
	MaxAgeMinutes int `json:"maxAgeMinutes" binding:"omitempty,min=1,max=10080"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
