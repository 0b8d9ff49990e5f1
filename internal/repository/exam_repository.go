package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-live/internal/model"
)

// ExamReader looks up exam definitions owned by the exam catalog.
type ExamReader interface {
	GetExam(ctx context.Context, id string) (*model.Exam, error)
}

// Catalog is the combined read model of exams and their question banks.
type Catalog interface {
	ExamReader
	QuestionReader
}

// ExamRepository reads the exams table.
type ExamRepository struct {
	pool *pgxpool.Pool
}

// NewExamRepository creates a new ExamRepository.
func NewExamRepository(pool *pgxpool.Pool) *ExamRepository {
	return &ExamRepository{pool: pool}
}

// GetExam retrieves an exam definition by ID.
func (r *ExamRepository) GetExam(ctx context.Context, id string) (*model.Exam, error) {
	var (
		e           model.Exam
		date        *string
		start       *string
		composition []byte
	)
	err := r.pool.QueryRow(ctx,
		`SELECT id, organization_id, title, question_bank_id, duration_minutes,
		        scheduled_date, start_time, time_zone, composition, risk_threshold
		 FROM exams WHERE id = $1`, id,
	).Scan(&e.ID, &e.OrganizationID, &e.Title, &e.QuestionBankID, &e.DurationMinutes,
		&date, &start, &e.TimeZone, &composition, &e.RiskThreshold)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrExamNotFound
	}
	if err != nil {
		return nil, err
	}

	if date != nil {
		e.ScheduledDate = *date
	}
	if start != nil {
		e.StartTime = *start
	}
	if err := unmarshalJSON(composition, &e.Composition); err != nil {
		return nil, fmt.Errorf("decode composition of exam %s: %w", id, err)
	}
	return &e, nil
}
