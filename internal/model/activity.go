package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ActivityType names an audited session event.
type ActivityType string

const (
	ActivityStudentJoined       ActivityType = "student_joined"
	ActivityStudentResumed      ActivityType = "student_resumed"
	ActivityExamStarted         ActivityType = "exam_started"
	ActivityExamPaused          ActivityType = "exam_paused"
	ActivityExamResumed         ActivityType = "exam_resumed"
	ActivityStudentDisconnected ActivityType = "student_disconnected"
	ActivityStudentReconnected  ActivityType = "student_reconnected"
	ActivityAnswerSubmitted     ActivityType = "answer_submitted"
	ActivitySecurityFlag        ActivityType = "security_flag"
	ActivityExamEnded           ActivityType = "exam_ended"
	ActivityExamTerminated      ActivityType = "exam_terminated"
	ActivitySessionTimeout      ActivityType = "session_timeout"
	ActivityMonitoringJoined    ActivityType = "monitoring_joined"
	ActivityMonitoringLeft      ActivityType = "monitoring_left"
	ActivityDuplicateConnection ActivityType = "duplicate_connection"
)

// ActivityLog is one audit record of a session event.
type ActivityLog struct {
	ID             int64           `json:"id,omitempty"`
	SessionID      uuid.UUID       `json:"session_id"`
	ExamID         string          `json:"exam_id"`
	StudentID      string          `json:"student_id"`
	OrganizationID string          `json:"organization_id"`
	EventType      ActivityType    `json:"event_type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	OccurredAt     time.Time       `json:"occurred_at"`
}
