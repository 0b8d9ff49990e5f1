package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-live/internal/model"
)

// QuestionReader loads the contents of a question bank.
type QuestionReader interface {
	ListBankQuestions(ctx context.Context, bankID string) ([]model.Question, error)
}

// QuestionRepository reads the questions table.
type QuestionRepository struct {
	pool *pgxpool.Pool
}

// NewQuestionRepository creates a new QuestionRepository.
func NewQuestionRepository(pool *pgxpool.Pool) *QuestionRepository {
	return &QuestionRepository{pool: pool}
}

// ListBankQuestions retrieves every question of a bank ordered by ID.
// An unknown or empty bank yields ErrBankNotFound.
func (r *QuestionRepository) ListBankQuestions(ctx context.Context, bankID string) ([]model.Question, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, bank_id, type, difficulty, text, options, correct_option_id, points
		 FROM questions WHERE bank_id = $1
		 ORDER BY id`, bankID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var questions []model.Question
	for rows.Next() {
		var (
			q       model.Question
			options []byte
			correct *string
		)
		if err := rows.Scan(&q.ID, &q.BankID, &q.Type, &q.Difficulty, &q.Text,
			&options, &correct, &q.Points); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(options, &q.Options); err != nil {
			return nil, fmt.Errorf("decode options of question %s: %w", q.ID, err)
		}
		if correct != nil {
			q.CorrectOptionID = *correct
		}
		questions = append(questions, q)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(questions) == 0 {
		return nil, ErrBankNotFound
	}
	return questions, nil
}
