package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-live/internal/model"
)

// Storage sentinel errors.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrExamNotFound    = errors.New("exam not found")
	ErrBankNotFound    = errors.New("question bank not found")
)

// SessionStore persists exam sessions. Implementations must make
// CreateOrGetOpen atomic: of any number of concurrent calls for the same
// (exam, student) pair while no open session exists, exactly one creates.
type SessionStore interface {
	// CreateOrGetOpen inserts s unless an open session already exists for its
	// (exam, student) pair, in which case the existing session is returned and
	// created is false.
	CreateOrGetOpen(ctx context.Context, s *model.ExamSession) (sess *model.ExamSession, created bool, err error)
	Get(ctx context.Context, id uuid.UUID) (*model.ExamSession, error)
	GetByConnection(ctx context.Context, connectionID string) (*model.ExamSession, error)
	GetOpenByExamAndStudent(ctx context.Context, examID, studentID string) (*model.ExamSession, error)
	// Update commits every mutable column of s in one write.
	Update(ctx context.Context, s *model.ExamSession) error
	// SaveAnswer commits s together with one answer in a single transaction.
	SaveAnswer(ctx context.Context, s *model.ExamSession, a model.Answer) error
	List(ctx context.Context, f SessionFilter) ([]model.ExamSession, error)
	CountByStatus(ctx context.Context, f SessionFilter) (map[model.SessionStatus]int64, error)
	// ListStale returns open sessions whose last activity predates cutoff, and
	// disconnected sessions whose disconnect predates graceCutoff. An empty
	// orgID spans every organization.
	ListStale(ctx context.Context, orgID string, cutoff, graceCutoff time.Time, limit int) ([]uuid.UUID, error)
}

// SessionFilter narrows session listings. Zero values mean "any".
type SessionFilter struct {
	OrganizationID string
	ExamID         string
	StudentID      string
	Statuses       []model.SessionStatus
	From           *time.Time
	To             *time.Time
	MinFlags       int
	Limit          int
}

// Matches reports whether s passes the filter.
func (f SessionFilter) Matches(s *model.ExamSession) bool {
	if f.OrganizationID != "" && s.OrganizationID != f.OrganizationID {
		return false
	}
	if f.ExamID != "" && s.ExamID != f.ExamID {
		return false
	}
	if f.StudentID != "" && s.StudentID != f.StudentID {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, s.Status) {
		return false
	}
	if f.From != nil && s.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && s.CreatedAt.After(*f.To) {
		return false
	}
	if f.MinFlags > 0 && len(s.SecurityFlags) < f.MinFlags {
		return false
	}
	return true
}

// IsStale reports whether s is eligible for a timeout sweep.
func IsStale(s *model.ExamSession, cutoff, graceCutoff time.Time) bool {
	if !s.Status.IsOpen() {
		return false
	}
	if s.LastActivity.Before(cutoff) {
		return true
	}
	return s.Status == model.SessionStatusDisconnected &&
		s.DisconnectedAt != nil && s.DisconnectedAt.Before(graceCutoff)
}

func containsStatus(list []model.SessionStatus, s model.SessionStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func statusStrings(list []model.SessionStatus) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = string(s)
	}
	return out
}
