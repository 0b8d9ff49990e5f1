package repository

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/stemsi/exstem-live/internal/model"
	"gopkg.in/yaml.v3"
)

// CatalogFile is the on-disk layout of an exam catalog.
type CatalogFile struct {
	Exams     []model.Exam     `yaml:"exams"`
	Questions []model.Question `yaml:"questions"`
}

// CatalogRepository serves exams and question banks from a YAML file. It is
// the read model for the sqlite and memory store drivers, where no catalog
// tables exist.
type CatalogRepository struct {
	exams map[string]model.Exam
	banks map[string][]model.Question
}

// LoadCatalog reads and indexes a catalog file.
func LoadCatalog(path string) (*CatalogRepository, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseCatalog(data)
}

// ParseCatalog indexes a YAML catalog document.
func ParseCatalog(data []byte) (*CatalogRepository, error) {
	var f CatalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return NewCatalogRepository(f)
}

// NewCatalogRepository indexes an in-memory catalog.
func NewCatalogRepository(f CatalogFile) (*CatalogRepository, error) {
	r := &CatalogRepository{
		exams: make(map[string]model.Exam, len(f.Exams)),
		banks: make(map[string][]model.Question),
	}
	for _, e := range f.Exams {
		if e.ID == "" {
			return nil, fmt.Errorf("catalog exam without id")
		}
		if _, dup := r.exams[e.ID]; dup {
			return nil, fmt.Errorf("duplicate exam %s in catalog", e.ID)
		}
		if e.TimeZone == "" {
			e.TimeZone = "UTC"
		}
		r.exams[e.ID] = e
	}

	seen := make(map[string]bool, len(f.Questions))
	for _, q := range f.Questions {
		if q.ID == "" || q.BankID == "" {
			return nil, fmt.Errorf("catalog question needs id and bank_id")
		}
		if seen[q.ID] {
			return nil, fmt.Errorf("duplicate question %s in catalog", q.ID)
		}
		seen[q.ID] = true
		if q.Difficulty == "" {
			q.Difficulty = model.DifficultyMedium
		}
		if q.Points == 0 {
			q.Points = 1
		}
		r.banks[q.BankID] = append(r.banks[q.BankID], q)
	}
	for id := range r.banks {
		qs := r.banks[id]
		sort.Slice(qs, func(i, j int) bool { return qs[i].ID < qs[j].ID })
	}
	return r, nil
}

// GetExam implements ExamReader.
func (r *CatalogRepository) GetExam(_ context.Context, id string) (*model.Exam, error) {
	e, ok := r.exams[id]
	if !ok {
		return nil, ErrExamNotFound
	}
	e.Composition = append(model.CompositionSpec(nil), e.Composition...)
	return &e, nil
}

// ListBankQuestions implements QuestionReader.
func (r *CatalogRepository) ListBankQuestions(_ context.Context, bankID string) ([]model.Question, error) {
	qs, ok := r.banks[bankID]
	if !ok {
		return nil, ErrBankNotFound
	}
	out := make([]model.Question, len(qs))
	copy(out, qs)
	return out, nil
}
