package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-live/internal/model"
)

const sessionColumns = `id, exam_id, student_id, organization_id, status, connection_id,
	scheduled_duration, start_time, end_time, expires_at, disconnected_at, last_activity,
	total_questions, answered_questions, current_question, last_answer_time,
	security_flags, is_monitoring_active, monitoring_started_at, activity_count,
	submission_type, total_time_spent, final_score, submitted_at, termination_reason,
	device_info, network_info, question_order, created_at, updated_at`

// insertColumnCount is sessionColumns without created_at and updated_at.
const insertColumnCount = 28

const openStatusSQL = `('waiting', 'active', 'paused', 'disconnected')`

// ExamSessionRepository is the PostgreSQL SessionStore.
type ExamSessionRepository struct {
	pool *pgxpool.Pool
}

// NewExamSessionRepository creates a new ExamSessionRepository.
func NewExamSessionRepository(pool *pgxpool.Pool) *ExamSessionRepository {
	return &ExamSessionRepository{pool: pool}
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// CreateOrGetOpen inserts the session, relying on the partial unique index
// over open statuses. A conflict yields no row; the open session that won is
// fetched and returned instead.
func (r *ExamSessionRepository) CreateOrGetOpen(ctx context.Context, s *model.ExamSession) (*model.ExamSession, bool, error) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	args, err := sessionArgs(s)
	if err != nil {
		return nil, false, err
	}

	// The conflicting row may close between the insert and the fetch; retry.
	for attempt := 0; attempt < 3; attempt++ {
		created := s.Clone()
		err := r.pool.QueryRow(ctx,
			`INSERT INTO exam_sessions (`+insertColumns()+`)
			 VALUES (`+placeholders(1, insertColumnCount)+`)
			 ON CONFLICT (exam_id, student_id) WHERE status IN `+openStatusSQL+` DO NOTHING
			 RETURNING created_at, updated_at`,
			args...,
		).Scan(&created.CreatedAt, &created.UpdatedAt)
		if err == nil {
			return created, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, false, fmt.Errorf("insert session: %w", err)
		}

		existing, err := r.GetOpenByExamAndStudent(ctx, s.ExamID, s.StudentID)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, ErrSessionNotFound) {
			return nil, false, fmt.Errorf("concurrent join detected, but fetch failed: %w", err)
		}
	}
	return nil, false, errors.New("insert session: open session kept changing")
}

// Get retrieves a session and its answers by ID.
func (r *ExamSessionRepository) Get(ctx context.Context, id uuid.UUID) (*model.ExamSession, error) {
	s, err := scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM exam_sessions WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	if err := r.loadAnswers(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// GetByConnection retrieves the most recently updated session bound to a connection.
func (r *ExamSessionRepository) GetByConnection(ctx context.Context, connectionID string) (*model.ExamSession, error) {
	s, err := scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM exam_sessions
		 WHERE connection_id = $1
		 ORDER BY updated_at DESC LIMIT 1`, connectionID))
	if err != nil {
		return nil, err
	}
	if err := r.loadAnswers(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// GetOpenByExamAndStudent retrieves the open session for an exam-student combination.
func (r *ExamSessionRepository) GetOpenByExamAndStudent(ctx context.Context, examID, studentID string) (*model.ExamSession, error) {
	s, err := scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM exam_sessions
		 WHERE exam_id = $1 AND student_id = $2 AND status IN `+openStatusSQL,
		examID, studentID))
	if err != nil {
		return nil, err
	}
	if err := r.loadAnswers(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Update writes every mutable column. organization_id is part of the
// predicate, so a session can never be moved across tenants.
func (r *ExamSessionRepository) Update(ctx context.Context, s *model.ExamSession) error {
	return r.update(ctx, r.pool, s)
}

// SaveAnswer upserts one answer and updates the session row atomically.
func (r *ExamSessionRepository) SaveAnswer(ctx context.Context, s *model.ExamSession, a model.Answer) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO session_answers (session_id, question_id, answer, time_spent, answered_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (session_id, question_id)
			 DO UPDATE SET answer = EXCLUDED.answer, time_spent = EXCLUDED.time_spent, answered_at = EXCLUDED.answered_at`,
			s.ID, a.QuestionID, a.Answer, a.TimeSpent, a.AnsweredAt)
		if err != nil {
			return fmt.Errorf("upsert answer: %w", err)
		}
		return r.update(ctx, tx, s)
	})
}

func (r *ExamSessionRepository) update(ctx context.Context, db execer, s *model.ExamSession) error {
	flags, err := marshalJSON(s.SecurityFlags, "[]")
	if err != nil {
		return err
	}
	order, err := marshalJSON(s.QuestionOrder, "[]")
	if err != nil {
		return err
	}

	tag, err := db.Exec(ctx,
		`UPDATE exam_sessions SET
			status = $3, connection_id = $4, start_time = $5, end_time = $6, expires_at = $7,
			disconnected_at = $8, last_activity = $9, total_questions = $10, answered_questions = $11,
			current_question = $12, last_answer_time = $13, security_flags = $14,
			is_monitoring_active = $15, monitoring_started_at = $16, activity_count = $17,
			submission_type = $18, total_time_spent = $19, final_score = $20, submitted_at = $21,
			termination_reason = $22, question_order = $23, device_info = $24, network_info = $25,
			updated_at = NOW()
		 WHERE id = $1 AND organization_id = $2`,
		s.ID, s.OrganizationID, s.Status, nullString(s.ConnectionID), s.StartTime, s.EndTime, s.ExpiresAt,
		s.DisconnectedAt, s.LastActivity, s.TotalQuestions, s.AnsweredQuestions,
		s.CurrentQuestion, s.LastAnswerTime, flags,
		s.IsMonitoringActive, s.MonitoringStartedAt, s.ActivityCount,
		nullSubmission(s.SubmissionType), s.TotalTimeSpent, s.FinalScore, s.SubmittedAt,
		nullString(s.TerminationReason), order, nullJSON(s.DeviceInfo), nullJSON(s.NetworkInfo),
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// List retrieves sessions matching the filter, newest first. Answers are not loaded.
func (r *ExamSessionRepository) List(ctx context.Context, f SessionFilter) ([]model.ExamSession, error) {
	where, args := filterSQL(f)
	query := `SELECT ` + sessionColumns + ` FROM exam_sessions` + where + ` ORDER BY created_at DESC, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := make([]model.ExamSession, 0)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

// CountByStatus returns the number of matching sessions per status.
func (r *ExamSessionRepository) CountByStatus(ctx context.Context, f SessionFilter) (map[model.SessionStatus]int64, error) {
	where, args := filterSQL(f)
	rows, err := r.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM exam_sessions`+where+` GROUP BY status`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[model.SessionStatus]int64)
	for rows.Next() {
		var status model.SessionStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// ListStale returns IDs of open sessions eligible for a timeout sweep.
func (r *ExamSessionRepository) ListStale(ctx context.Context, orgID string, cutoff, graceCutoff time.Time, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM exam_sessions
		 WHERE status IN `+openStatusSQL+`
		   AND (last_activity < $1 OR (status = 'disconnected' AND disconnected_at < $2))
		   AND ($3::text = '' OR organization_id = $3)
		 ORDER BY last_activity
		 LIMIT $4`,
		cutoff, graceCutoff, orgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *ExamSessionRepository) loadAnswers(ctx context.Context, s *model.ExamSession) error {
	rows, err := r.pool.Query(ctx,
		`SELECT question_id, answer, time_spent, answered_at
		 FROM session_answers WHERE session_id = $1`, s.ID)
	if err != nil {
		return fmt.Errorf("load answers: %w", err)
	}
	defer rows.Close()

	s.Answers = make(map[string]model.Answer)
	for rows.Next() {
		var a model.Answer
		if err := rows.Scan(&a.QuestionID, &a.Answer, &a.TimeSpent, &a.AnsweredAt); err != nil {
			return fmt.Errorf("scan answer: %w", err)
		}
		s.Answers[a.QuestionID] = a
	}
	return rows.Err()
}

// filterSQL builds the WHERE clause of a SessionFilter with numbered args.
func filterSQL(f SessionFilter) (string, []any) {
	var conds []string
	var args []any

	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.OrganizationID != "" {
		add("organization_id = $%d", f.OrganizationID)
	}
	if f.ExamID != "" {
		add("exam_id = $%d", f.ExamID)
	}
	if f.StudentID != "" {
		add("student_id = $%d", f.StudentID)
	}
	if len(f.Statuses) > 0 {
		add("status = ANY($%d)", statusStrings(f.Statuses))
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at <= $%d", *f.To)
	}
	if f.MinFlags > 0 {
		add("jsonb_array_length(security_flags) >= $%d", f.MinFlags)
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanSession(row pgx.Row) (*model.ExamSession, error) {
	var (
		s       model.ExamSession
		connID  *string
		flags   []byte
		subType *string
		reason  *string
		device  []byte
		network []byte
		order   []byte
	)
	err := row.Scan(
		&s.ID, &s.ExamID, &s.StudentID, &s.OrganizationID, &s.Status, &connID,
		&s.ScheduledDuration, &s.StartTime, &s.EndTime, &s.ExpiresAt, &s.DisconnectedAt, &s.LastActivity,
		&s.TotalQuestions, &s.AnsweredQuestions, &s.CurrentQuestion, &s.LastAnswerTime,
		&flags, &s.IsMonitoringActive, &s.MonitoringStartedAt, &s.ActivityCount,
		&subType, &s.TotalTimeSpent, &s.FinalScore, &s.SubmittedAt, &reason,
		&device, &network, &order, &s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}

	if connID != nil {
		s.ConnectionID = *connID
	}
	if reason != nil {
		s.TerminationReason = *reason
	}
	if subType != nil {
		t := model.SubmissionType(*subType)
		s.SubmissionType = &t
	}
	if len(device) > 0 {
		s.DeviceInfo = json.RawMessage(device)
	}
	if len(network) > 0 {
		s.NetworkInfo = json.RawMessage(network)
	}
	if err := unmarshalJSON(flags, &s.SecurityFlags); err != nil {
		return nil, fmt.Errorf("decode security flags: %w", err)
	}
	if err := unmarshalJSON(order, &s.QuestionOrder); err != nil {
		return nil, fmt.Errorf("decode question order: %w", err)
	}
	if s.SecurityFlags == nil {
		s.SecurityFlags = []model.SecurityFlag{}
	}
	return &s, nil
}

func sessionArgs(s *model.ExamSession) ([]any, error) {
	flags, err := marshalJSON(s.SecurityFlags, "[]")
	if err != nil {
		return nil, err
	}
	order, err := marshalJSON(s.QuestionOrder, "[]")
	if err != nil {
		return nil, err
	}
	return []any{
		s.ID, s.ExamID, s.StudentID, s.OrganizationID, s.Status, nullString(s.ConnectionID),
		s.ScheduledDuration, s.StartTime, s.EndTime, s.ExpiresAt, s.DisconnectedAt, s.LastActivity,
		s.TotalQuestions, s.AnsweredQuestions, s.CurrentQuestion, s.LastAnswerTime,
		flags, s.IsMonitoringActive, s.MonitoringStartedAt, s.ActivityCount,
		nullSubmission(s.SubmissionType), s.TotalTimeSpent, s.FinalScore, s.SubmittedAt, nullString(s.TerminationReason),
		nullJSON(s.DeviceInfo), nullJSON(s.NetworkInfo), order,
	}, nil
}

func insertColumns() string {
	cols := strings.Split(sessionColumns, ",")
	return strings.Join(cols[:insertColumnCount], ",")
}

func placeholders(from, n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = fmt.Sprintf("$%d", from+i)
	}
	return strings.Join(ph, ", ")
}

func marshalJSON(v any, empty string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode json: %w", err)
	}
	if string(b) == "null" {
		return empty, nil
	}
	return string(b), nil
}

func unmarshalJSON(data []byte, dst any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullSubmission(t *model.SubmissionType) any {
	if t == nil {
		return nil
	}
	return string(*t)
}
