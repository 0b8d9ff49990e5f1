package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-live/internal/model"
)

// MemorySessionStore is a process-local SessionStore. Every read returns a
// deep copy, so callers can never mutate stored state without Update.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*model.ExamSession
	open     map[string]uuid.UUID // exam|student -> open session
	now      func() time.Time
}

// NewMemorySessionStore creates an empty in-memory store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[uuid.UUID]*model.ExamSession),
		open:     make(map[string]uuid.UUID),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func openKey(examID, studentID string) string {
	return examID + "|" + studentID
}

// CreateOrGetOpen implements SessionStore.
func (m *MemorySessionStore) CreateOrGetOpen(_ context.Context, s *model.ExamSession) (*model.ExamSession, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := openKey(s.ExamID, s.StudentID)
	if id, ok := m.open[key]; ok {
		return m.sessions[id].Clone(), false, nil
	}

	stored := s.Clone()
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	now := m.now()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	m.sessions[stored.ID] = stored
	if stored.Status.IsOpen() {
		m.open[key] = stored.ID
	}
	return stored.Clone(), true, nil
}

// Get implements SessionStore.
func (m *MemorySessionStore) Get(_ context.Context, id uuid.UUID) (*model.ExamSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.Clone(), nil
}

// GetByConnection implements SessionStore.
func (m *MemorySessionStore) GetByConnection(_ context.Context, connectionID string) (*model.ExamSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found *model.ExamSession
	for _, s := range m.sessions {
		if s.ConnectionID != connectionID {
			continue
		}
		if found == nil || s.UpdatedAt.After(found.UpdatedAt) {
			found = s
		}
	}
	if found == nil {
		return nil, ErrSessionNotFound
	}
	return found.Clone(), nil
}

// GetOpenByExamAndStudent implements SessionStore.
func (m *MemorySessionStore) GetOpenByExamAndStudent(_ context.Context, examID, studentID string) (*model.ExamSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.open[openKey(examID, studentID)]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return m.sessions[id].Clone(), nil
}

// Update implements SessionStore.
func (m *MemorySessionStore) Update(_ context.Context, s *model.ExamSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.put(s)
}

// SaveAnswer implements SessionStore.
func (m *MemorySessionStore) SaveAnswer(_ context.Context, s *model.ExamSession, a model.Answer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := s.Clone()
	if next.Answers == nil {
		next.Answers = make(map[string]model.Answer)
	}
	next.Answers[a.QuestionID] = a
	return m.put(next)
}

func (m *MemorySessionStore) put(s *model.ExamSession) error {
	prev, ok := m.sessions[s.ID]
	if !ok || prev.OrganizationID != s.OrganizationID {
		return ErrSessionNotFound
	}

	stored := s.Clone()
	stored.CreatedAt = prev.CreatedAt
	stored.UpdatedAt = m.now()
	m.sessions[s.ID] = stored

	key := openKey(stored.ExamID, stored.StudentID)
	if stored.Status.IsOpen() {
		m.open[key] = stored.ID
	} else if m.open[key] == stored.ID {
		delete(m.open, key)
	}
	return nil
}

// List implements SessionStore. Results are ordered newest first.
func (m *MemorySessionStore) List(_ context.Context, f SessionFilter) ([]model.ExamSession, error) {
	m.mu.RLock()
	out := make([]model.ExamSession, 0)
	for _, s := range m.sessions {
		if f.Matches(s) {
			c := s.Clone()
			c.Answers = nil
			out = append(out, *c)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// CountByStatus implements SessionStore.
func (m *MemorySessionStore) CountByStatus(_ context.Context, f SessionFilter) (map[model.SessionStatus]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[model.SessionStatus]int64)
	for _, s := range m.sessions {
		if f.Matches(s) {
			counts[s.Status]++
		}
	}
	return counts, nil
}

// ListStale implements SessionStore.
func (m *MemorySessionStore) ListStale(_ context.Context, orgID string, cutoff, graceCutoff time.Time, limit int) ([]uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []uuid.UUID
	for _, id := range m.open {
		s := m.sessions[id]
		if orgID != "" && s.OrganizationID != orgID {
			continue
		}
		if IsStale(s, cutoff, graceCutoff) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}
