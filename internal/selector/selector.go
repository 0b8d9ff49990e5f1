// Package selector derives the per-student question set of an exam.
//
// Selection is a pure function of the bank contents and the (exam, student)
// pair: the same inputs always yield the same questions in the same order with
// the same option order, and different students get different permutations of
// an identical composition.
package selector

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"

	"github.com/stemsi/exstem-live/internal/model"
)

// ErrInvalidRequest marks malformed selection input.
var ErrInvalidRequest = errors.New("invalid selection request")

// BucketShortfall reports one bucket the bank cannot satisfy.
type BucketShortfall struct {
	Bucket    string `json:"bucket"`
	Available int    `json:"available"`
	Required  int    `json:"required"`
}

// ShortfallError lists every bucket of a composition spec the bank is too
// small for.
type ShortfallError struct {
	BankID  string            `json:"bank_id"`
	Buckets []BucketShortfall `json:"buckets"`
}

func (e *ShortfallError) Error() string {
	parts := make([]string, len(e.Buckets))
	for i, b := range e.Buckets {
		parts[i] = fmt.Sprintf("%s: available %d, required %d", b.Bucket, b.Available, b.Required)
	}
	return fmt.Sprintf("question bank %s cannot satisfy composition (%s)", e.BankID, strings.Join(parts, "; "))
}

// Seed derives the permutation key of an (exam, student) pair.
func Seed(parts ...string) int64 {
	h := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return int64(binary.BigEndian.Uint64(h[:8]))
}

// SelectAndShuffle picks the questions a student sees and fixes their order.
//
// Every bucket of spec is validated against bank first; if any bucket is
// short, a *ShortfallError covering all short buckets is returned and nothing
// is selected. Questions whose BankID does not match bankID are ignored.
func SelectAndShuffle(bank []model.Question, bankID, examID, studentID string, spec model.CompositionSpec) ([]model.SessionQuestion, error) {
	if err := validate(bankID, examID, studentID, spec); err != nil {
		return nil, err
	}

	candidates := make([][]model.Question, len(spec))
	claimed := make(map[string]bool)
	var shortfalls []BucketShortfall

	// Exact-difficulty buckets claim questions before "any difficulty" buckets
	// so a question is never counted twice.
	for pass := 0; pass < 2; pass++ {
		for i, b := range spec {
			if (pass == 0) != (b.Difficulty != "") {
				continue
			}
			for _, q := range bank {
				if q.BankID != bankID || claimed[q.ID] || !matches(b, q) {
					continue
				}
				candidates[i] = append(candidates[i], q)
			}
			sortByID(candidates[i])

			if len(candidates[i]) < b.Count {
				shortfalls = append(shortfalls, BucketShortfall{
					Bucket:    b.Key(),
					Available: len(candidates[i]),
					Required:  b.Count,
				})
				continue
			}

			r := rand.New(rand.NewSource(Seed(examID, studentID, "bucket", b.Key())))
			r.Shuffle(len(candidates[i]), func(x, y int) {
				candidates[i][x], candidates[i][y] = candidates[i][y], candidates[i][x]
			})
			candidates[i] = candidates[i][:b.Count]
			for _, q := range candidates[i] {
				claimed[q.ID] = true
			}
		}
	}

	if len(shortfalls) > 0 {
		sort.Slice(shortfalls, func(i, j int) bool { return shortfalls[i].Bucket < shortfalls[j].Bucket })
		return nil, &ShortfallError{BankID: bankID, Buckets: shortfalls}
	}

	selected := make([]model.Question, 0, spec.Total())
	for _, c := range candidates {
		selected = append(selected, c...)
	}
	// Order the union independently of bucket order before the final shuffle.
	sortByID(selected)

	r := rand.New(rand.NewSource(Seed(examID, studentID)))
	r.Shuffle(len(selected), func(i, j int) { selected[i], selected[j] = selected[j], selected[i] })

	out := make([]model.SessionQuestion, len(selected))
	for i, q := range selected {
		q.Options = ShuffleOptions(q, examID, studentID)
		out[i] = model.SessionQuestion{Position: i + 1, Question: q}
	}
	return out, nil
}

// ShuffleOptions returns the student-specific option order of q. Questions
// without options are returned unchanged.
func ShuffleOptions(q model.Question, examID, studentID string) []model.Option {
	if !q.Type.HasOptions() || len(q.Options) < 2 {
		return append([]model.Option(nil), q.Options...)
	}

	opts := append([]model.Option(nil), q.Options...)
	sort.Slice(opts, func(i, j int) bool { return opts[i].ID < opts[j].ID })

	r := rand.New(rand.NewSource(Seed(examID, studentID, "options", q.ID)))
	r.Shuffle(len(opts), func(i, j int) { opts[i], opts[j] = opts[j], opts[i] })
	return opts
}

// Arrange rebuilds a persisted question layout from bank contents. Slots whose
// question has since been removed from the bank are skipped.
func Arrange(bank []model.Question, slots []model.QuestionSlot) []model.SessionQuestion {
	byID := make(map[string]model.Question, len(bank))
	for _, q := range bank {
		byID[q.ID] = q
	}

	out := make([]model.SessionQuestion, 0, len(slots))
	for _, s := range slots {
		q, ok := byID[s.QuestionID]
		if !ok {
			continue
		}
		if len(s.OptionOrder) > 0 {
			q.Options = orderOptions(q.Options, s.OptionOrder)
		}
		out = append(out, model.SessionQuestion{Position: len(out) + 1, Question: q})
	}
	return out
}

func orderOptions(opts []model.Option, order []string) []model.Option {
	byID := make(map[string]model.Option, len(opts))
	for _, o := range opts {
		byID[o.ID] = o
	}
	out := make([]model.Option, 0, len(opts))
	seen := make(map[string]bool, len(order))
	for _, id := range order {
		if o, ok := byID[id]; ok && !seen[id] {
			out = append(out, o)
			seen[id] = true
		}
	}
	// Options added to the bank after the layout was fixed go last.
	for _, o := range opts {
		if !seen[o.ID] {
			out = append(out, o)
		}
	}
	return out
}

func validate(bankID, examID, studentID string, spec model.CompositionSpec) error {
	switch {
	case bankID == "":
		return fmt.Errorf("%w: bank id is required", ErrInvalidRequest)
	case examID == "":
		return fmt.Errorf("%w: exam id is required", ErrInvalidRequest)
	case studentID == "":
		return fmt.Errorf("%w: student id is required", ErrInvalidRequest)
	case len(spec) == 0:
		return fmt.Errorf("%w: composition spec is empty", ErrInvalidRequest)
	}

	seen := make(map[string]bool, len(spec))
	for _, b := range spec {
		if b.Type == "" {
			return fmt.Errorf("%w: bucket without question type", ErrInvalidRequest)
		}
		if b.Count <= 0 {
			return fmt.Errorf("%w: bucket %s has count %d", ErrInvalidRequest, b.Key(), b.Count)
		}
		if seen[b.Key()] {
			return fmt.Errorf("%w: duplicate bucket %s", ErrInvalidRequest, b.Key())
		}
		seen[b.Key()] = true
	}
	return nil
}

func matches(b model.CompositionBucket, q model.Question) bool {
	if q.Type != b.Type {
		return false
	}
	return b.Difficulty == "" || q.Difficulty == b.Difficulty
}

func sortByID(qs []model.Question) {
	sort.Slice(qs, func(i, j int) bool { return qs[i].ID < qs[j].ID })
}
