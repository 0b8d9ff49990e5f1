package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-live/internal/model"
)

// ActivityRecorder accepts audit entries. Implementations may persist
// asynchronously.
type ActivityRecorder interface {
	Record(ctx context.Context, entry model.ActivityLog) error
}

// ActivityReader returns the audit trail of one session in occurrence order.
type ActivityReader interface {
	ListBySession(ctx context.Context, sessionID uuid.UUID, limit int) ([]model.ActivityLog, error)
}

// ActivityLogRepository reads and bulk-writes session_activity_logs.
type ActivityLogRepository struct {
	pool *pgxpool.Pool
}

// NewActivityLogRepository creates a new ActivityLogRepository.
func NewActivityLogRepository(pool *pgxpool.Pool) *ActivityLogRepository {
	return &ActivityLogRepository{pool: pool}
}

var activityColumns = []string{
	"session_id", "exam_id", "student_id", "organization_id", "event_type", "payload", "occurred_at",
}

// BulkInsert writes a batch with COPY.
func (r *ActivityLogRepository) BulkInsert(ctx context.Context, batch []model.ActivityLog) error {
	rows := make([][]any, 0, len(batch))
	for _, l := range batch {
		rows = append(rows, []any{
			l.SessionID, l.ExamID, l.StudentID, l.OrganizationID, string(l.EventType), nullJSON(l.Payload), l.OccurredAt,
		})
	}

	_, err := r.pool.CopyFrom(
		ctx,
		pgx.Identifier{"session_activity_logs"},
		activityColumns,
		pgx.CopyFromRows(rows),
	)
	return err
}

// Insert writes a single entry.
func (r *ActivityLogRepository) Insert(ctx context.Context, l model.ActivityLog) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO session_activity_logs
			(session_id, exam_id, student_id, organization_id, event_type, payload, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)`,
		l.SessionID, l.ExamID, l.StudentID, l.OrganizationID, string(l.EventType), nullJSON(l.Payload), l.OccurredAt,
	)
	return err
}

// ListBySession implements ActivityReader.
func (r *ActivityLogRepository) ListBySession(ctx context.Context, sessionID uuid.UUID, limit int) ([]model.ActivityLog, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, session_id, exam_id, student_id, organization_id, event_type, payload, occurred_at
		 FROM session_activity_logs
		 WHERE session_id = $1
		 ORDER BY occurred_at, id
		 LIMIT $2`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]model.ActivityLog, 0)
	for rows.Next() {
		var l model.ActivityLog
		var payload []byte
		if err := rows.Scan(&l.ID, &l.SessionID, &l.ExamID, &l.StudentID, &l.OrganizationID,
			&l.EventType, &payload, &l.OccurredAt); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			l.Payload = payload
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// MemoryActivityLog keeps audit entries in process memory.
type MemoryActivityLog struct {
	mu      sync.Mutex
	nextID  int64
	entries map[uuid.UUID][]model.ActivityLog
}

// NewMemoryActivityLog creates an empty MemoryActivityLog.
func NewMemoryActivityLog() *MemoryActivityLog {
	return &MemoryActivityLog{entries: make(map[uuid.UUID][]model.ActivityLog)}
}

// Record implements ActivityRecorder.
func (m *MemoryActivityLog) Record(_ context.Context, entry model.ActivityLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	entry.ID = m.nextID
	m.entries[entry.SessionID] = append(m.entries[entry.SessionID], entry)
	return nil
}

// ListBySession implements ActivityReader.
func (m *MemoryActivityLog) ListBySession(_ context.Context, sessionID uuid.UUID, limit int) ([]model.ActivityLog, error) {
	m.mu.Lock()
	out := append([]model.ActivityLog(nil), m.entries[sessionID]...)
	m.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
