package model

// QuestionType classifies a bank question.
type QuestionType string

const (
	QuestionTypeMultipleChoice QuestionType = "multiple_choice"
	QuestionTypeTrueFalse      QuestionType = "true_false"
	QuestionTypeNumeric        QuestionType = "numeric"
	QuestionTypeFillBlank      QuestionType = "fill_blank"
	QuestionTypeMatching       QuestionType = "matching"
	QuestionTypeEssay          QuestionType = "essay"
)

// HasOptions reports whether questions of this type carry shufflable options.
func (t QuestionType) HasOptions() bool {
	return t == QuestionTypeMultipleChoice || t == QuestionTypeTrueFalse
}

// Difficulty is the difficulty tier of a bank question.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Option is one choice of a multiple-choice or true/false question.
// Correctness is tracked by ID so shuffling never changes scoring.
type Option struct {
	ID   string `json:"id" yaml:"id"`
	Text string `json:"text" yaml:"text"`
}

// Question is a question-bank entry.
type Question struct {
	ID              string       `json:"id" yaml:"id"`
	BankID          string       `json:"bank_id" yaml:"bank_id"`
	Type            QuestionType `json:"type" yaml:"type"`
	Difficulty      Difficulty   `json:"difficulty" yaml:"difficulty"`
	Text            string       `json:"text" yaml:"text"`
	Options         []Option     `json:"options,omitempty" yaml:"options"`
	CorrectOptionID string       `json:"correct_option_id,omitempty" yaml:"correct_option_id"`
	Points          float64      `json:"points" yaml:"points"`
}

// SessionQuestion is a question as laid out for one student.
type SessionQuestion struct {
	Position int      `json:"position"`
	Question Question `json:"question"`
}

// QuestionForStudent is a session question without the correct answer.
type QuestionForStudent struct {
	Position   int          `json:"position"`
	ID         string       `json:"id"`
	Type       QuestionType `json:"type"`
	Difficulty Difficulty   `json:"difficulty"`
	Text       string       `json:"text"`
	Options    []Option     `json:"options,omitempty"`
	Points     float64      `json:"points"`
}

// ForStudent strips scoring data from a session question.
func (q SessionQuestion) ForStudent() QuestionForStudent {
	return QuestionForStudent{
		Position:   q.Position,
		ID:         q.Question.ID,
		Type:       q.Question.Type,
		Difficulty: q.Question.Difficulty,
		Text:       q.Question.Text,
		Options:    q.Question.Options,
		Points:     q.Question.Points,
	}
}

// Slots converts a laid-out question set into the persisted question order.
func Slots(questions []SessionQuestion) []QuestionSlot {
	slots := make([]QuestionSlot, len(questions))
	for i, q := range questions {
		slot := QuestionSlot{QuestionID: q.Question.ID}
		if len(q.Question.Options) > 0 {
			slot.OptionOrder = make([]string, len(q.Question.Options))
			for j, o := range q.Question.Options {
				slot.OptionOrder[j] = o.ID
			}
		}
		slots[i] = slot
	}
	return slots
}
