package websocket

import "encoding/json"

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	// Student stream.
	ActionJoinExamSession Action = "join_exam_session"
	ActionBeginExam       Action = "begin_exam"
	ActionSubmitAnswer    Action = "submit_answer"
	ActionImportAnswers   Action = "import_answers"
	ActionHeartbeat       Action = "heartbeat"
	ActionSecurityFlag    Action = "security_flag"
	ActionPauseExam       Action = "pause_exam"
	ActionResumeExam      Action = "resume_exam"
	ActionEndExam         Action = "end_exam"

	// Monitor stream.
	ActionJoinMonitoring  Action = "join_monitoring"
	ActionLeaveMonitoring Action = "leave_monitoring"

	ActionPing Action = "ping"
)

// RequestEnvelope carries an action and its still-encoded payload.
type RequestEnvelope struct {
	Action Action          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// JoinSessionRequest opens or resumes the student's session.
type JoinSessionRequest struct {
	DeviceInfo  json.RawMessage `json:"deviceInfo,omitempty"`
	NetworkInfo json.RawMessage `json:"networkInfo,omitempty"`
}

// EndExamRequest submits the exam.
type EndExamRequest struct {
	SubmissionType string   `json:"submissionType" validate:"omitempty,submission_type"`
	FinalScore     *float64 `json:"finalScore" validate:"omitempty,gte=0"`
}

// JoinMonitoringRequest subscribes a monitor to one exam, or to every exam
// of its organization when ExamID is empty.
type JoinMonitoringRequest struct {
	ExamID string `json:"examId" validate:"max=128"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventSessionJoined   Event = "exam_session_joined"
	EventAnswersImported Event = "answers_imported"
	EventHeartbeatAck    Event = "heartbeat_ack"
	EventExamError       Event = "exam_error"
	EventPong            Event = "pong"

	EventMonitoringJoined Event = "monitoring_joined"
	EventMonitoringLeft   Event = "monitoring_left"
	EventSnapshot         Event = "monitoring_snapshot"
	EventEvicted          Event = "monitoring_evicted"
)

// Message is a server frame carrying an arbitrary payload.
type Message struct {
	Event Event `json:"event"`
	Data  any   `json:"data,omitempty"`
}

// ErrorResponse is sent when an action fails. Detail is only populated on
// monitor connections.
type ErrorResponse struct {
	Event  Event        `json:"event"`
	Code   string       `json:"code"`
	Error  string       `json:"error"`
	Detail *ErrorDetail `json:"detail,omitempty"`
}

// ErrorDetail identifies the failed session operation.
type ErrorDetail struct {
	Op        string `json:"op"`
	SessionID string `json:"sessionId,omitempty"`
	Reason    string `json:"reason"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
