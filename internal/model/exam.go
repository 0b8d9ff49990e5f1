package model

// Exam is the read model of an exam definition owned by the exam catalog.
// The engine consumes it by ID and never mutates it.
type Exam struct {
	ID              string          `json:"id" yaml:"id"`
	OrganizationID  string          `json:"organization_id" yaml:"organization_id"`
	Title           string          `json:"title" yaml:"title"`
	QuestionBankID  string          `json:"question_bank_id" yaml:"question_bank_id"`
	DurationMinutes int             `json:"duration_minutes" yaml:"duration_minutes"`
	ScheduledDate   string          `json:"scheduled_date,omitempty" yaml:"scheduled_date"`
	StartTime       string          `json:"start_time,omitempty" yaml:"start_time"`
	TimeZone        string          `json:"time_zone,omitempty" yaml:"time_zone"`
	Composition     CompositionSpec `json:"composition" yaml:"composition"`
	RiskThreshold   int             `json:"risk_threshold,omitempty" yaml:"risk_threshold"`
}

// IsScheduled reports whether the exam has a fixed start instant.
func (e *Exam) IsScheduled() bool {
	return e.ScheduledDate != ""
}

// CompositionBucket is the required count of questions for one (type, difficulty) pair.
// An empty Difficulty matches questions of any difficulty.
type CompositionBucket struct {
	Type       QuestionType `json:"type" yaml:"type"`
	Difficulty Difficulty   `json:"difficulty,omitempty" yaml:"difficulty"`
	Count      int          `json:"count" yaml:"count"`
}

// Key identifies the bucket in reports.
func (b CompositionBucket) Key() string {
	if b.Difficulty == "" {
		return string(b.Type) + "/any"
	}
	return string(b.Type) + "/" + string(b.Difficulty)
}

// CompositionSpec lists every bucket an exam draws questions from.
type CompositionSpec []CompositionBucket

// Total returns the number of questions the composition selects.
func (s CompositionSpec) Total() int {
	n := 0
	for _, b := range s {
		n += b.Count
	}
	return n
}

// ServerTime is the authoritative clock reading returned to clients.
type ServerTime struct {
	ServerTime string `json:"serverTime"`
	Unix       int64  `json:"unix"`
	UnixMillis int64  `json:"unixMillis"`
	TimeZone   string `json:"timezone"`
}

// ExamCountdownStatus is the exam-level phase reported by the countdown endpoint.
type ExamCountdownStatus string

const (
	CountdownWaiting   ExamCountdownStatus = "waiting"
	CountdownScheduled ExamCountdownStatus = "scheduled"
	CountdownActive    ExamCountdownStatus = "active"
	CountdownEnded     ExamCountdownStatus = "ended"
)

// ExamCountdown is the countdown view of an exam.
type ExamCountdown struct {
	ExamID        string              `json:"examId"`
	TimeRemaining int64               `json:"timeRemaining"`
	ExamStatus    ExamCountdownStatus `json:"examStatus"`
	ExamStartTime *string             `json:"examStartTime"`
	ExamEndTime   *string             `json:"examEndTime"`
	ServerTime    string              `json:"serverTime"`
	Duration      int                 `json:"duration"`
}
