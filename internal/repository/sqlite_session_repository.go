package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-live/internal/model"
)

// SQLiteSessionRepository implements SessionStore and the activity log on a
// single-node SQLite database. Timestamps are stored as unix milliseconds.
type SQLiteSessionRepository struct {
	db *sql.DB
	// writeMu serializes writers to avoid SQLITE_BUSY under WAL.
	writeMu sync.Mutex
}

// NewSQLiteSessionRepository creates the schema if needed and returns the store.
func NewSQLiteSessionRepository(ctx context.Context, db *sql.DB) (*SQLiteSessionRepository, error) {
	r := &SQLiteSessionRepository{db: db}
	if err := r.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return r, nil
}

func (r *SQLiteSessionRepository) initSchema(ctx context.Context) error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS exam_sessions (
		id TEXT PRIMARY KEY,
		exam_id TEXT NOT NULL,
		student_id TEXT NOT NULL,
		organization_id TEXT NOT NULL,
		status TEXT NOT NULL,
		connection_id TEXT,
		scheduled_duration INTEGER NOT NULL,
		start_time INTEGER,
		end_time INTEGER,
		expires_at INTEGER,
		disconnected_at INTEGER,
		last_activity INTEGER NOT NULL,
		total_questions INTEGER NOT NULL DEFAULT 0,
		answered_questions INTEGER NOT NULL DEFAULT 0,
		current_question INTEGER NOT NULL DEFAULT 0,
		last_answer_time INTEGER,
		security_flags TEXT NOT NULL DEFAULT '[]',
		flag_count INTEGER NOT NULL DEFAULT 0,
		is_monitoring_active INTEGER NOT NULL DEFAULT 0,
		monitoring_started_at INTEGER,
		activity_count INTEGER NOT NULL DEFAULT 0,
		submission_type TEXT,
		total_time_spent INTEGER NOT NULL DEFAULT 0,
		final_score REAL,
		submitted_at INTEGER,
		termination_reason TEXT,
		device_info TEXT,
		network_info TEXT,
		question_order TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS uq_exam_sessions_open ON exam_sessions(exam_id, student_id)
		WHERE status IN ('waiting', 'active', 'paused', 'disconnected');
	CREATE INDEX IF NOT EXISTS idx_exam_sessions_org_exam ON exam_sessions(organization_id, exam_id);
	CREATE INDEX IF NOT EXISTS idx_exam_sessions_connection ON exam_sessions(connection_id);
	CREATE INDEX IF NOT EXISTS idx_exam_sessions_activity ON exam_sessions(last_activity);

	CREATE TABLE IF NOT EXISTS session_answers (
		session_id TEXT NOT NULL REFERENCES exam_sessions(id) ON DELETE CASCADE,
		question_id TEXT NOT NULL,
		answer TEXT NOT NULL,
		time_spent INTEGER NOT NULL DEFAULT 0,
		answered_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, question_id)
	);

	CREATE TABLE IF NOT EXISTS session_activity_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		exam_id TEXT NOT NULL,
		student_id TEXT NOT NULL,
		organization_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT,
		occurred_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_activity_session ON session_activity_logs(session_id, occurred_at);
	`
	if _, err := r.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

const sqliteSessionColumns = `id, exam_id, student_id, organization_id, status, connection_id,
	scheduled_duration, start_time, end_time, expires_at, disconnected_at, last_activity,
	total_questions, answered_questions, current_question, last_answer_time,
	security_flags, flag_count, is_monitoring_active, monitoring_started_at, activity_count,
	submission_type, total_time_spent, final_score, submitted_at, termination_reason,
	device_info, network_info, question_order, created_at, updated_at`

// CreateOrGetOpen implements SessionStore. The partial unique index makes the
// insert a no-op when an open session exists.
func (r *SQLiteSessionRepository) CreateOrGetOpen(ctx context.Context, s *model.ExamSession) (*model.ExamSession, bool, error) {
	created := s.Clone()
	if created.ID == uuid.Nil {
		created.ID = uuid.New()
	}
	now := time.Now().UTC()
	created.CreatedAt = now
	created.UpdatedAt = now

	args, err := sqliteSessionArgs(created)
	if err != nil {
		return nil, false, err
	}

	r.writeMu.Lock()
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO exam_sessions (`+sqliteSessionColumns+`)
		 VALUES (`+strings.TrimSuffix(strings.Repeat("?, ", len(args)), ", ")+`)
		 ON CONFLICT DO NOTHING`, args...)
	r.writeMu.Unlock()
	if err != nil {
		return nil, false, fmt.Errorf("insert session: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("insert session: %w", err)
	}
	if n == 1 {
		return created, true, nil
	}

	existing, err := r.GetOpenByExamAndStudent(ctx, s.ExamID, s.StudentID)
	if err != nil {
		return nil, false, fmt.Errorf("concurrent join detected, but fetch failed: %w", err)
	}
	return existing, false, nil
}

// Get implements SessionStore.
func (r *SQLiteSessionRepository) Get(ctx context.Context, id uuid.UUID) (*model.ExamSession, error) {
	return r.getOne(ctx, `WHERE id = ?`, id.String())
}

// GetByConnection implements SessionStore.
func (r *SQLiteSessionRepository) GetByConnection(ctx context.Context, connectionID string) (*model.ExamSession, error) {
	return r.getOne(ctx, `WHERE connection_id = ? ORDER BY updated_at DESC LIMIT 1`, connectionID)
}

// GetOpenByExamAndStudent implements SessionStore.
func (r *SQLiteSessionRepository) GetOpenByExamAndStudent(ctx context.Context, examID, studentID string) (*model.ExamSession, error) {
	return r.getOne(ctx,
		`WHERE exam_id = ? AND student_id = ? AND status IN `+openStatusSQL, examID, studentID)
}

func (r *SQLiteSessionRepository) getOne(ctx context.Context, clause string, args ...any) (*model.ExamSession, error) {
	s, err := scanSQLiteSession(r.db.QueryRowContext(ctx,
		`SELECT `+sqliteSessionColumns+` FROM exam_sessions `+clause, args...))
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT question_id, answer, time_spent, answered_at FROM session_answers WHERE session_id = ?`,
		s.ID.String())
	if err != nil {
		return nil, fmt.Errorf("load answers: %w", err)
	}
	defer rows.Close()

	s.Answers = make(map[string]model.Answer)
	for rows.Next() {
		var a model.Answer
		var answeredAt int64
		if err := rows.Scan(&a.QuestionID, &a.Answer, &a.TimeSpent, &answeredAt); err != nil {
			return nil, fmt.Errorf("scan answer: %w", err)
		}
		a.AnsweredAt = time.UnixMilli(answeredAt).UTC()
		s.Answers[a.QuestionID] = a
	}
	return s, rows.Err()
}

// Update implements SessionStore.
func (r *SQLiteSessionRepository) Update(ctx context.Context, s *model.ExamSession) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.update(ctx, r.db, s)
}

// SaveAnswer implements SessionStore.
func (r *SQLiteSessionRepository) SaveAnswer(ctx context.Context, s *model.ExamSession, a model.Answer) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO session_answers (session_id, question_id, answer, time_spent, answered_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(session_id, question_id)
		 DO UPDATE SET answer = excluded.answer, time_spent = excluded.time_spent, answered_at = excluded.answered_at`,
		s.ID.String(), a.QuestionID, a.Answer, a.TimeSpent, a.AnsweredAt.UnixMilli()); err != nil {
		return fmt.Errorf("upsert answer: %w", err)
	}
	if err := r.update(ctx, tx, s); err != nil {
		return err
	}
	return tx.Commit()
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *SQLiteSessionRepository) update(ctx context.Context, db sqlExecer, s *model.ExamSession) error {
	flags, err := marshalJSON(s.SecurityFlags, "[]")
	if err != nil {
		return err
	}
	order, err := marshalJSON(s.QuestionOrder, "[]")
	if err != nil {
		return err
	}

	res, err := db.ExecContext(ctx,
		`UPDATE exam_sessions SET
			status = ?, connection_id = ?, start_time = ?, end_time = ?, expires_at = ?,
			disconnected_at = ?, last_activity = ?, total_questions = ?, answered_questions = ?,
			current_question = ?, last_answer_time = ?, security_flags = ?, flag_count = ?,
			is_monitoring_active = ?, monitoring_started_at = ?, activity_count = ?,
			submission_type = ?, total_time_spent = ?, final_score = ?, submitted_at = ?,
			termination_reason = ?, question_order = ?, device_info = ?, network_info = ?, updated_at = ?
		 WHERE id = ? AND organization_id = ?`,
		string(s.Status), nullString(s.ConnectionID), millis(s.StartTime), millis(s.EndTime), millis(s.ExpiresAt),
		millis(s.DisconnectedAt), s.LastActivity.UnixMilli(), s.TotalQuestions, s.AnsweredQuestions,
		s.CurrentQuestion, millis(s.LastAnswerTime), flags, len(s.SecurityFlags),
		s.IsMonitoringActive, millis(s.MonitoringStartedAt), s.ActivityCount,
		nullSubmission(s.SubmissionType), s.TotalTimeSpent, s.FinalScore, millis(s.SubmittedAt),
		nullString(s.TerminationReason), order, nullJSON(s.DeviceInfo), nullJSON(s.NetworkInfo), time.Now().UTC().UnixMilli(),
		s.ID.String(), s.OrganizationID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// List implements SessionStore.
func (r *SQLiteSessionRepository) List(ctx context.Context, f SessionFilter) ([]model.ExamSession, error) {
	where, args := sqliteFilter(f)
	query := `SELECT ` + sqliteSessionColumns + ` FROM exam_sessions` + where + ` ORDER BY created_at DESC, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := make([]model.ExamSession, 0)
	for rows.Next() {
		s, err := scanSQLiteSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

// CountByStatus implements SessionStore.
func (r *SQLiteSessionRepository) CountByStatus(ctx context.Context, f SessionFilter) (map[model.SessionStatus]int64, error) {
	where, args := sqliteFilter(f)
	rows, err := r.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM exam_sessions`+where+` GROUP BY status`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[model.SessionStatus]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[model.SessionStatus(status)] = count
	}
	return counts, rows.Err()
}

// ListStale implements SessionStore.
func (r *SQLiteSessionRepository) ListStale(ctx context.Context, orgID string, cutoff, graceCutoff time.Time, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM exam_sessions
		 WHERE status IN `+openStatusSQL+`
		   AND (last_activity < ? OR (status = 'disconnected' AND disconnected_at < ?))
		   AND (? = '' OR organization_id = ?)
		 ORDER BY last_activity
		 LIMIT ?`,
		cutoff.UnixMilli(), graceCutoff.UnixMilli(), orgID, orgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse session id %q: %w", raw, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Record implements ActivityRecorder by writing the entry synchronously.
func (r *SQLiteSessionRepository) Record(ctx context.Context, entry model.ActivityLog) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO session_activity_logs
			(session_id, exam_id, student_id, organization_id, event_type, payload, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.SessionID.String(), entry.ExamID, entry.StudentID, entry.OrganizationID,
		string(entry.EventType), nullJSON(entry.Payload), entry.OccurredAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert activity log: %w", err)
	}
	return nil
}

// ListBySession implements ActivityReader.
func (r *SQLiteSessionRepository) ListBySession(ctx context.Context, sessionID uuid.UUID, limit int) ([]model.ActivityLog, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, session_id, exam_id, student_id, organization_id, event_type, payload, occurred_at
		 FROM session_activity_logs
		 WHERE session_id = ?
		 ORDER BY occurred_at, id
		 LIMIT ?`, sessionID.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]model.ActivityLog, 0)
	for rows.Next() {
		var (
			l          model.ActivityLog
			sid        string
			eventType  string
			payload    sql.NullString
			occurredAt int64
		)
		if err := rows.Scan(&l.ID, &sid, &l.ExamID, &l.StudentID, &l.OrganizationID,
			&eventType, &payload, &occurredAt); err != nil {
			return nil, err
		}
		l.SessionID, _ = uuid.Parse(sid)
		l.EventType = model.ActivityType(eventType)
		if payload.Valid {
			l.Payload = json.RawMessage(payload.String)
		}
		l.OccurredAt = time.UnixMilli(occurredAt).UTC()
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func sqliteFilter(f SessionFilter) (string, []any) {
	var conds []string
	var args []any

	if f.OrganizationID != "" {
		conds = append(conds, "organization_id = ?")
		args = append(args, f.OrganizationID)
	}
	if f.ExamID != "" {
		conds = append(conds, "exam_id = ?")
		args = append(args, f.ExamID)
	}
	if f.StudentID != "" {
		conds = append(conds, "student_id = ?")
		args = append(args, f.StudentID)
	}
	if len(f.Statuses) > 0 {
		conds = append(conds, "status IN ("+strings.TrimSuffix(strings.Repeat("?, ", len(f.Statuses)), ", ")+")")
		for _, s := range statusStrings(f.Statuses) {
			args = append(args, s)
		}
	}
	if f.From != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.From.UnixMilli())
	}
	if f.To != nil {
		conds = append(conds, "created_at <= ?")
		args = append(args, f.To.UnixMilli())
	}
	if f.MinFlags > 0 {
		conds = append(conds, "flag_count >= ?")
		args = append(args, f.MinFlags)
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteSession(row rowScanner) (*model.ExamSession, error) {
	var (
		s                                             model.ExamSession
		id, status                                    string
		connID, subType, reason, device, network      sql.NullString
		startTime, endTime, expiresAt, disconnectedAt sql.NullInt64
		lastAnswer, monitoringStarted, submittedAt    sql.NullInt64
		lastActivity, createdAt, updatedAt, flagCount int64
		flags, order                                  string
		finalScore                                    sql.NullFloat64
	)
	err := row.Scan(
		&id, &s.ExamID, &s.StudentID, &s.OrganizationID, &status, &connID,
		&s.ScheduledDuration, &startTime, &endTime, &expiresAt, &disconnectedAt, &lastActivity,
		&s.TotalQuestions, &s.AnsweredQuestions, &s.CurrentQuestion, &lastAnswer,
		&flags, &flagCount, &s.IsMonitoringActive, &monitoringStarted, &s.ActivityCount,
		&subType, &s.TotalTimeSpent, &finalScore, &submittedAt, &reason,
		&device, &network, &order, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	if s.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse session id %q: %w", id, err)
	}
	s.Status = model.SessionStatus(status)
	s.ConnectionID = connID.String
	s.TerminationReason = reason.String
	if subType.Valid {
		t := model.SubmissionType(subType.String)
		s.SubmissionType = &t
	}
	if device.Valid {
		s.DeviceInfo = json.RawMessage(device.String)
	}
	if network.Valid {
		s.NetworkInfo = json.RawMessage(network.String)
	}
	if finalScore.Valid {
		v := finalScore.Float64
		s.FinalScore = &v
	}
	s.StartTime = fromMillis(startTime)
	s.EndTime = fromMillis(endTime)
	s.ExpiresAt = fromMillis(expiresAt)
	s.DisconnectedAt = fromMillis(disconnectedAt)
	s.LastAnswerTime = fromMillis(lastAnswer)
	s.MonitoringStartedAt = fromMillis(monitoringStarted)
	s.SubmittedAt = fromMillis(submittedAt)
	s.LastActivity = time.UnixMilli(lastActivity).UTC()
	s.CreatedAt = time.UnixMilli(createdAt).UTC()
	s.UpdatedAt = time.UnixMilli(updatedAt).UTC()

	if err := json.Unmarshal([]byte(flags), &s.SecurityFlags); err != nil {
		return nil, fmt.Errorf("decode security flags: %w", err)
	}
	if err := json.Unmarshal([]byte(order), &s.QuestionOrder); err != nil {
		return nil, fmt.Errorf("decode question order: %w", err)
	}
	if s.SecurityFlags == nil {
		s.SecurityFlags = []model.SecurityFlag{}
	}
	return &s, nil
}

func sqliteSessionArgs(s *model.ExamSession) ([]any, error) {
	flags, err := marshalJSON(s.SecurityFlags, "[]")
	if err != nil {
		return nil, err
	}
	order, err := marshalJSON(s.QuestionOrder, "[]")
	if err != nil {
		return nil, err
	}
	return []any{
		s.ID.String(), s.ExamID, s.StudentID, s.OrganizationID, string(s.Status), nullString(s.ConnectionID),
		s.ScheduledDuration, millis(s.StartTime), millis(s.EndTime), millis(s.ExpiresAt), millis(s.DisconnectedAt), s.LastActivity.UnixMilli(),
		s.TotalQuestions, s.AnsweredQuestions, s.CurrentQuestion, millis(s.LastAnswerTime),
		flags, len(s.SecurityFlags), s.IsMonitoringActive, millis(s.MonitoringStartedAt), s.ActivityCount,
		nullSubmission(s.SubmissionType), s.TotalTimeSpent, s.FinalScore, millis(s.SubmittedAt), nullString(s.TerminationReason),
		nullJSON(s.DeviceInfo), nullJSON(s.NetworkInfo), order, s.CreatedAt.UnixMilli(), s.UpdatedAt.UnixMilli(),
	}, nil
}

func millis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
