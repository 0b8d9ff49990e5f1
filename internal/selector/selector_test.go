package selector

import (
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/stemsi/exstem-live/internal/model"
)

func buildBank(bankID string) []model.Question {
	var bank []model.Question
	add := func(prefix string, typ model.QuestionType, diff model.Difficulty, n int) {
		for i := 0; i < n; i++ {
			q := model.Question{
				ID:         fmt.Sprintf("%s-%02d", prefix, i),
				BankID:     bankID,
				Type:       typ,
				Difficulty: diff,
				Text:       fmt.Sprintf("question %s %d", prefix, i),
				Points:     1,
			}
			if typ == model.QuestionTypeMultipleChoice {
				q.Options = []model.Option{
					{ID: q.ID + "-a", Text: "A"},
					{ID: q.ID + "-b", Text: "B"},
					{ID: q.ID + "-c", Text: "C"},
					{ID: q.ID + "-d", Text: "D"},
				}
				q.CorrectOptionID = q.ID + "-c"
			}
			if typ == model.QuestionTypeTrueFalse {
				q.Options = []model.Option{{ID: q.ID + "-t", Text: "True"}, {ID: q.ID + "-f", Text: "False"}}
				q.CorrectOptionID = q.ID + "-t"
			}
			bank = append(bank, q)
		}
	}
	add("mc-easy", model.QuestionTypeMultipleChoice, model.DifficultyEasy, 8)
	add("mc-hard", model.QuestionTypeMultipleChoice, model.DifficultyHard, 6)
	add("tf-med", model.QuestionTypeTrueFalse, model.DifficultyMedium, 6)
	add("essay", model.QuestionTypeEssay, model.DifficultyMedium, 2)
	return bank
}

func ids(qs []model.SessionQuestion) []string {
	out := make([]string, len(qs))
	for i, q := range qs {
		out[i] = q.Question.ID
	}
	return out
}

func countByType(qs []model.SessionQuestion) map[model.QuestionType]int {
	out := map[model.QuestionType]int{}
	for _, q := range qs {
		out[q.Question.Type]++
	}
	return out
}

func TestSelectAndShuffleDeterministicPerStudent(t *testing.T) {
	bank := buildBank("bank-1")
	comp := model.CompositionSpec{
		{Type: model.QuestionTypeMultipleChoice, Count: 6},
		{Type: model.QuestionTypeTrueFalse, Count: 4},
	}

	a1, err := SelectAndShuffle(bank, "bank-1", "exam-1", "student-A", comp)
	if err != nil {
		t.Fatalf("select A: %v", err)
	}
	a2, err := SelectAndShuffle(bank, "bank-1", "exam-1", "student-A", comp)
	if err != nil {
		t.Fatalf("select A again: %v", err)
	}
	b, err := SelectAndShuffle(bank, "bank-1", "exam-1", "student-B", comp)
	if err != nil {
		t.Fatalf("select B: %v", err)
	}

	if !reflect.DeepEqual(a1, a2) {
		t.Fatal("same student received different layouts")
	}
	if reflect.DeepEqual(ids(a1), ids(b)) {
		t.Fatal("different students received identical question order")
	}

	wantCounts := map[model.QuestionType]int{
		model.QuestionTypeMultipleChoice: 6,
		model.QuestionTypeTrueFalse:      4,
	}
	if got := countByType(a1); !reflect.DeepEqual(got, wantCounts) {
		t.Errorf("student A composition = %v, want %v", got, wantCounts)
	}
	if got := countByType(b); !reflect.DeepEqual(got, wantCounts) {
		t.Errorf("student B composition = %v, want %v", got, wantCounts)
	}

	for i, q := range a1 {
		if q.Position != i+1 {
			t.Errorf("position %d = %d", i, q.Position)
		}
	}
}

func TestSelectScenarioTwoStudents(t *testing.T) {
	bank := buildBank("bank-1")
	comp := model.CompositionSpec{
		{Type: model.QuestionTypeMultipleChoice, Count: 2},
		{Type: model.QuestionTypeTrueFalse, Count: 1},
	}

	a, err := SelectAndShuffle(bank, "bank-1", "exam-7", "student-A", comp)
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != 3 {
		t.Fatalf("len = %d, want 3", len(a))
	}

	// Across a handful of students at least one ordering must differ from A.
	differs := false
	for i := 0; i < 5 && !differs; i++ {
		other, err := SelectAndShuffle(bank, "bank-1", "exam-7", fmt.Sprintf("student-%d", i), comp)
		if err != nil {
			t.Fatal(err)
		}
		if c := countByType(other); c[model.QuestionTypeMultipleChoice] != 2 || c[model.QuestionTypeTrueFalse] != 1 {
			t.Fatalf("composition = %v", c)
		}
		differs = !reflect.DeepEqual(ids(a), ids(other))
	}
	if !differs {
		t.Fatal("every student received the same order")
	}
}

func TestSelectRespectsDifficultyBuckets(t *testing.T) {
	bank := buildBank("bank-1")
	comp := model.CompositionSpec{
		{Type: model.QuestionTypeMultipleChoice, Difficulty: model.DifficultyHard, Count: 3},
		{Type: model.QuestionTypeMultipleChoice, Count: 9},
	}

	qs, err := SelectAndShuffle(bank, "bank-1", "exam-1", "student-A", comp)
	if err != nil {
		t.Fatal(err)
	}
	if len(qs) != 12 {
		t.Fatalf("len = %d, want 12", len(qs))
	}
	seen := map[string]bool{}
	hard := 0
	for _, q := range qs {
		if seen[q.Question.ID] {
			t.Fatalf("question %s selected twice", q.Question.ID)
		}
		seen[q.Question.ID] = true
		if q.Question.Difficulty == model.DifficultyHard {
			hard++
		}
	}
	if hard < 3 {
		t.Errorf("hard questions = %d, want at least 3", hard)
	}
}

func TestSelectShortfallReport(t *testing.T) {
	bank := buildBank("bank-1")
	comp := model.CompositionSpec{
		{Type: model.QuestionTypeMultipleChoice, Difficulty: model.DifficultyHard, Count: 10},
		{Type: model.QuestionTypeTrueFalse, Count: 2},
		{Type: model.QuestionTypeEssay, Count: 5},
	}

	_, err := SelectAndShuffle(bank, "bank-1", "exam-1", "student-A", comp)
	var se *ShortfallError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *ShortfallError", err)
	}
	want := []BucketShortfall{
		{Bucket: "essay/any", Available: 2, Required: 5},
		{Bucket: "multiple_choice/hard", Available: 6, Required: 10},
	}
	if !reflect.DeepEqual(se.Buckets, want) {
		t.Fatalf("buckets = %+v, want %+v", se.Buckets, want)
	}
}

func TestSelectIgnoresOtherBanks(t *testing.T) {
	bank := append(buildBank("bank-1"), buildBank("bank-2")...)
	comp := model.CompositionSpec{{Type: model.QuestionTypeEssay, Count: 2}}

	qs, err := SelectAndShuffle(bank, "bank-2", "exam-1", "student-A", comp)
	if err != nil {
		t.Fatal(err)
	}
	for _, q := range qs {
		if q.Question.BankID != "bank-2" {
			t.Fatalf("question %s from bank %s", q.Question.ID, q.Question.BankID)
		}
	}
}

func TestSelectValidation(t *testing.T) {
	bank := buildBank("bank-1")
	good := model.CompositionSpec{{Type: model.QuestionTypeEssay, Count: 1}}

	tests := []struct {
		name    string
		bankID  string
		examID  string
		student string
		spec    model.CompositionSpec
	}{
		{"missing bank", "", "exam", "s", good},
		{"missing exam", "bank-1", "", "s", good},
		{"missing student", "bank-1", "exam", "", good},
		{"empty spec", "bank-1", "exam", "s", nil},
		{"zero count", "bank-1", "exam", "s", model.CompositionSpec{{Type: model.QuestionTypeEssay}}},
		{"duplicate bucket", "bank-1", "exam", "s", model.CompositionSpec{
			{Type: model.QuestionTypeEssay, Count: 1},
			{Type: model.QuestionTypeEssay, Count: 1},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := SelectAndShuffle(bank, tt.bankID, tt.examID, tt.student, tt.spec)
			if !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("err = %v, want ErrInvalidRequest", err)
			}
		})
	}
}

func TestOptionShuffleKeepsCorrectAnswerByID(t *testing.T) {
	bank := buildBank("bank-1")
	comp := model.CompositionSpec{{Type: model.QuestionTypeMultipleChoice, Count: 14}}

	a, err := SelectAndShuffle(bank, "bank-1", "exam-1", "student-A", comp)
	if err != nil {
		t.Fatal(err)
	}
	b, err := SelectAndShuffle(bank, "bank-1", "exam-1", "student-B", comp)
	if err != nil {
		t.Fatal(err)
	}

	orderOf := func(qs []model.SessionQuestion) map[string][]string {
		m := map[string][]string{}
		for _, q := range qs {
			var o []string
			for _, opt := range q.Question.Options {
				o = append(o, opt.ID)
			}
			m[q.Question.ID] = o
			if q.Question.CorrectOptionID != q.Question.ID+"-c" {
				t.Fatalf("correct option of %s changed to %s", q.Question.ID, q.Question.CorrectOptionID)
			}
			if len(o) != 4 {
				t.Fatalf("question %s lost options: %v", q.Question.ID, o)
			}
		}
		return m
	}

	oa, ob := orderOf(a), orderOf(b)
	differ := 0
	for id, order := range oa {
		if !reflect.DeepEqual(order, ob[id]) {
			differ++
		}
	}
	if differ == 0 {
		t.Fatal("option order identical for every question across students")
	}
}

func TestArrangeRestoresLayout(t *testing.T) {
	bank := buildBank("bank-1")
	comp := model.CompositionSpec{
		{Type: model.QuestionTypeMultipleChoice, Count: 4},
		{Type: model.QuestionTypeTrueFalse, Count: 2},
	}
	qs, err := SelectAndShuffle(bank, "bank-1", "exam-1", "student-A", comp)
	if err != nil {
		t.Fatal(err)
	}

	restored := Arrange(bank, model.Slots(qs))
	if !reflect.DeepEqual(qs, restored) {
		t.Fatal("Arrange did not restore the original layout")
	}
}
