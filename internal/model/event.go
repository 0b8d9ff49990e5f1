package model

import (
	"time"

	"github.com/google/uuid"
)

// StudentEventType names an event pushed to a student's own stream.
type StudentEventType string

const (
	StudentSessionJoined  StudentEventType = "exam_session_joined"
	StudentTimeUpdate     StudentEventType = "time_update"
	StudentProgressUpdate StudentEventType = "progress_update"
	StudentFlagRecorded   StudentEventType = "flag_recorded"
	StudentExamStarted    StudentEventType = "exam_started"
	StudentExamPaused     StudentEventType = "exam_paused"
	StudentExamResumed    StudentEventType = "exam_resumed"
	StudentExamEnded      StudentEventType = "exam_ended"
	StudentExamError      StudentEventType = "exam_error"
)

// StudentEvent is one message on a student's session channel.
type StudentEvent struct {
	Type      StudentEventType `json:"event"`
	SessionID uuid.UUID        `json:"sessionId"`
	Data      any              `json:"data,omitempty"`
}

// MonitorEventType names an event broadcast to the observers of an exam.
type MonitorEventType string

const (
	MonitorStudentJoined       MonitorEventType = "student_joined"
	MonitorStudentReconnected  MonitorEventType = "student_reconnected"
	MonitorStudentDisconnected MonitorEventType = "student_disconnected"
	MonitorDuplicateConnection MonitorEventType = "duplicate_connection"
	MonitorExamStarted         MonitorEventType = "exam_started"
	MonitorExamPaused          MonitorEventType = "exam_paused"
	MonitorExamResumed         MonitorEventType = "exam_resumed"
	MonitorProgressUpdate      MonitorEventType = "progress_update"
	MonitorSecurityAlert       MonitorEventType = "security_alert"
	MonitorExamEnded           MonitorEventType = "exam_ended"
	MonitorSnapshot            MonitorEventType = "monitoring_snapshot"
)

// MonitorEvent is one accepted session event as seen by monitors. Sequence is
// the session's activity count after the event, so it increases strictly per
// session.
type MonitorEvent struct {
	Type           MonitorEventType `json:"type"`
	OrganizationID string           `json:"organizationId"`
	ExamID         string           `json:"examId"`
	SessionID      uuid.UUID        `json:"sessionId"`
	StudentID      string           `json:"studentId"`
	Sequence       int64            `json:"sequence"`
	Status         SessionStatus    `json:"status"`
	Data           any              `json:"data,omitempty"`
	OccurredAt     time.Time        `json:"occurredAt"`
}

// TimeUpdate is the payload of a time_update event.
type TimeUpdate struct {
	TimeRemaining int64     `json:"timeRemaining"`
	ExpiresAt     time.Time `json:"expiresAt"`
	ServerTime    time.Time `json:"serverTime"`
}

// ExamEnded is the payload of an exam_ended event.
type ExamEnded struct {
	Status         SessionStatus  `json:"status"`
	SubmissionType SubmissionType `json:"submissionType"`
	TotalTimeSpent int            `json:"totalTimeSpent"`
	FinalScore     *float64       `json:"finalScore,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	TerminatedBy   string         `json:"terminatedBy,omitempty"`
	EndedAt        time.Time      `json:"endedAt"`
}

// SecurityAlert is the payload of a security_alert event.
type SecurityAlert struct {
	Flag SecurityFlag   `json:"flag"`
	Risk RiskAssessment `json:"risk"`
}

// ErrorNotice is the payload of an exam_error event.
type ErrorNotice struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
