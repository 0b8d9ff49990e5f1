package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/model"
	"github.com/stemsi/exstem-live/internal/repository"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.MonitorEvent
}

func (p *recordingPublisher) Publish(ev model.MonitorEvent) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
}

func (p *recordingPublisher) forSession(id uuid.UUID) []model.MonitorEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []model.MonitorEvent
	for _, ev := range p.events {
		if ev.SessionID == id {
			out = append(out, ev)
		}
	}
	return out
}

func (p *recordingPublisher) count(typ model.MonitorEventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

var testStart = time.Date(2030, 1, 1, 9, 30, 0, 0, time.UTC)

func testCatalog(t *testing.T) *repository.CatalogRepository {
	t.Helper()
	var qs []model.Question
	for i := 1; i <= 6; i++ {
		qs = append(qs, model.Question{
			ID:              fmt.Sprintf("mc-%d", i),
			BankID:          "bank-1",
			Type:            model.QuestionTypeMultipleChoice,
			Difficulty:      model.DifficultyEasy,
			Text:            fmt.Sprintf("Question %d", i),
			Options:         []model.Option{{ID: "a", Text: "A"}, {ID: "b", Text: "B"}, {ID: "c", Text: "C"}},
			CorrectOptionID: "a",
		})
	}
	for i := 1; i <= 4; i++ {
		qs = append(qs, model.Question{
			ID:              fmt.Sprintf("tf-%d", i),
			BankID:          "bank-1",
			Type:            model.QuestionTypeTrueFalse,
			Text:            fmt.Sprintf("Statement %d", i),
			Options:         []model.Option{{ID: "t", Text: "True"}, {ID: "f", Text: "False"}},
			CorrectOptionID: "t",
		})
	}
	composition := model.CompositionSpec{
		{Type: model.QuestionTypeMultipleChoice, Count: 3},
		{Type: model.QuestionTypeTrueFalse, Count: 2},
	}

	catalog, err := repository.NewCatalogRepository(repository.CatalogFile{
		Exams: []model.Exam{
			{ID: "exam-1", OrganizationID: "org-1", Title: "Algebra", QuestionBankID: "bank-1", DurationMinutes: 30, Composition: composition},
			{ID: "exam-scheduled", OrganizationID: "org-1", Title: "Geometry", QuestionBankID: "bank-1", DurationMinutes: 60,
				ScheduledDate: "2030-01-01", StartTime: "09:00", TimeZone: "UTC", Composition: composition},
			{ID: "exam-short", OrganizationID: "org-1", Title: "Too big", QuestionBankID: "bank-1", DurationMinutes: 30,
				Composition: model.CompositionSpec{{Type: model.QuestionTypeTrueFalse, Count: 9}}},
			{ID: "exam-orphan", OrganizationID: "org-1", Title: "No bank", QuestionBankID: "bank-gone", DurationMinutes: 30, Composition: composition},
			{ID: "exam-other", OrganizationID: "org-2", Title: "Biology", QuestionBankID: "bank-1", DurationMinutes: 30, Composition: composition},
		},
		Questions: qs,
	})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return catalog
}

type harness struct {
	svc      *ExamSessionService
	store    *repository.MemorySessionStore
	registry *SessionRegistry
	activity *repository.MemoryActivityLog
	pub      *recordingPublisher
	clock    *testClock
}

func newHarness(t *testing.T, opts SessionOptions) *harness {
	t.Helper()
	return newHarnessOn(t, opts, nil)
}

// newHarnessOn builds the service on wrap(h.store) when wrap is not nil.
func newHarnessOn(t *testing.T, opts SessionOptions, wrap func(*repository.MemorySessionStore) repository.SessionStore) *harness {
	t.Helper()
	h := &harness{
		store:    repository.NewMemorySessionStore(),
		registry: NewSessionRegistry(16),
		activity: repository.NewMemoryActivityLog(),
		pub:      &recordingPublisher{},
		clock:    &testClock{now: testStart},
	}
	if opts.DisconnectGrace == 0 {
		opts.DisconnectGrace = 2 * time.Minute
	}
	var store repository.SessionStore = h.store
	if wrap != nil {
		store = wrap(h.store)
	}
	h.svc = NewExamSessionService(store, testCatalog(t), h.registry, h.activity,
		DefaultRiskPolicy(), h.clock, opts, zerolog.Nop())
	h.svc.AddPublisher(h.pub)
	t.Cleanup(h.registry.Close)
	return h
}

func (h *harness) join(t *testing.T, student, conn string) *JoinResult {
	t.Helper()
	res, err := h.svc.StartOrResumeSession(context.Background(), JoinRequest{
		ExamID:         "exam-1",
		StudentID:      student,
		OrganizationID: "org-1",
		ConnectionID:   conn,
	})
	if err != nil {
		t.Fatalf("join %s: %v", student, err)
	}
	return res
}

// faultyStore fails commits on demand and runs afterLookup whenever an open
// session is looked up for a join.
type faultyStore struct {
	*repository.MemorySessionStore
	failCommit  atomic.Bool
	afterLookup func(*model.ExamSession)
}

var errDiskFull = errors.New("disk full")

func (f *faultyStore) Update(ctx context.Context, s *model.ExamSession) error {
	if f.failCommit.Load() {
		return errDiskFull
	}
	return f.MemorySessionStore.Update(ctx, s)
}

func (f *faultyStore) SaveAnswer(ctx context.Context, s *model.ExamSession, a model.Answer) error {
	if f.failCommit.Load() {
		return errDiskFull
	}
	return f.MemorySessionStore.SaveAnswer(ctx, s, a)
}

func (f *faultyStore) GetOpenByExamAndStudent(ctx context.Context, examID, studentID string) (*model.ExamSession, error) {
	sess, err := f.MemorySessionStore.GetOpenByExamAndStudent(ctx, examID, studentID)
	if err == nil && f.afterLookup != nil {
		f.afterLookup(sess)
	}
	return sess, err
}

func (h *harness) begin(t *testing.T, id uuid.UUID) *model.ExamSession {
	t.Helper()
	sess, err := h.svc.BeginSession(context.Background(), id, "org-1")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	return sess
}

func wantKind(t *testing.T, err error, kind ErrorKind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	if got := KindOf(err); got != kind {
		t.Fatalf("error kind = %s, want %s (%v)", got, kind, err)
	}
}

// ─── Join ───────────────────────────────────────────────────────────

func TestJoinConcurrentCallsConvergeOnOneSession(t *testing.T) {
	h := newHarness(t, SessionOptions{})

	const callers = 32
	var wg sync.WaitGroup
	results := make([]*JoinResult, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.svc.StartOrResumeSession(context.Background(), JoinRequest{
				ExamID:         "exam-1",
				StudentID:      "student-1",
				OrganizationID: "org-1",
				ConnectionID:   fmt.Sprintf("conn-%d", i),
			})
		}(i)
	}
	wg.Wait()

	fresh := 0
	var id uuid.UUID
	for i, res := range results {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if id == uuid.Nil {
			id = res.Session.ID
		}
		if res.Session.ID != id {
			t.Fatalf("caller %d got session %s, want %s", i, res.Session.ID, id)
		}
		if !res.Resumed {
			fresh++
		}
		if len(res.Questions) != 5 {
			t.Fatalf("caller %d got %d questions, want 5", i, len(res.Questions))
		}
	}
	if fresh != 1 {
		t.Fatalf("fresh joins = %d, want 1", fresh)
	}
	if n := h.pub.count(model.MonitorStudentJoined); n != 1 {
		t.Fatalf("student_joined events = %d, want 1", n)
	}
}

func TestJoinResumeKeepsQuestionLayout(t *testing.T) {
	h := newHarness(t, SessionOptions{})
	first := h.join(t, "student-1", "c1")
	again := h.join(t, "student-1", "c1")

	if !again.Resumed {
		t.Fatal("second join should resume")
	}
	for i := range first.Questions {
		a, b := first.Questions[i], again.Questions[i]
		if a.ID != b.ID {
			t.Fatalf("position %d: %s then %s", i, a.ID, b.ID)
		}
		for j := range a.Options {
			if a.Options[j].ID != b.Options[j].ID {
				t.Fatalf("question %s option %d changed", a.ID, j)
			}
		}
	}
	if again.TimeRemaining != 30*60 {
		t.Fatalf("waiting session remaining = %d, want full duration", again.TimeRemaining)
	}
}

func TestJoinErrors(t *testing.T) {
	h := newHarness(t, SessionOptions{})
	ctx := context.Background()

	_, err := h.svc.StartOrResumeSession(ctx, JoinRequest{ExamID: "exam-1", StudentID: "s", OrganizationID: "org-2"})
	wantKind(t, err, KindForbidden)

	_, err = h.svc.StartOrResumeSession(ctx, JoinRequest{ExamID: "missing", StudentID: "s", OrganizationID: "org-1"})
	wantKind(t, err, KindNotFound)

	_, err = h.svc.StartOrResumeSession(ctx, JoinRequest{ExamID: "exam-1", OrganizationID: "org-1"})
	wantKind(t, err, KindBadRequest)

	_, err = h.svc.StartOrResumeSession(ctx, JoinRequest{ExamID: "exam-short", StudentID: "s", OrganizationID: "org-1"})
	wantKind(t, err, KindConflict)

	_, err = h.svc.StartOrResumeSession(ctx, JoinRequest{ExamID: "exam-orphan", StudentID: "s", OrganizationID: "org-1"})
	wantKind(t, err, KindNotFound)
	if !errors.Is(err, repository.ErrBankNotFound) {
		t.Fatalf("err = %v, want ErrBankNotFound", err)
	}
}

func TestJoinScheduledWindow(t *testing.T) {
	h := newHarness(t, SessionOptions{})
	ctx := context.Background()
	req := JoinRequest{ExamID: "exam-scheduled", StudentID: "s", OrganizationID: "org-1"}

	h.clock.Set(time.Date(2030, 1, 1, 8, 59, 0, 0, time.UTC))
	_, err := h.svc.StartOrResumeSession(ctx, req)
	wantKind(t, err, KindConflict)
	if !errors.Is(err, ErrExamNotStarted) {
		t.Fatalf("err = %v, want ErrExamNotStarted", err)
	}

	h.clock.Set(time.Date(2030, 1, 1, 10, 0, 0, 0, time.UTC))
	_, err = h.svc.StartOrResumeSession(ctx, req)
	if !errors.Is(err, ErrExamEnded) {
		t.Fatalf("err = %v, want ErrExamEnded", err)
	}

	h.clock.Set(time.Date(2030, 1, 1, 9, 45, 0, 0, time.UTC))
	res, err := h.svc.StartOrResumeSession(ctx, req)
	if err != nil {
		t.Fatalf("join in window: %v", err)
	}
	sess := h.begin(t, res.Session.ID)
	want := time.Date(2030, 1, 1, 10, 0, 0, 0, time.UTC)
	if sess.ExpiresAt == nil || !sess.ExpiresAt.Equal(want) {
		t.Fatalf("expires at %v, want window end %v", sess.ExpiresAt, want)
	}
}

func TestJoinAfterTerminalAttemptStartsNewSession(t *testing.T) {
	h := newHarness(t, SessionOptions{})
	first := h.join(t, "student-1", "c1")
	h.begin(t, first.Session.ID)
	if _, err := h.svc.EndSession(context.Background(), first.Session.ID, "org-1", model.SubmissionNormal, nil); err != nil {
		t.Fatalf("end: %v", err)
	}

	second := h.join(t, "student-1", "c2")
	if second.Resumed || second.Session.ID == first.Session.ID {
		t.Fatal("a completed attempt should allow a new session")
	}
}

func TestJoinPastDeadlineStartsNewSession(t *testing.T) {
	h := newHarness(t, SessionOptions{})
	ctx := context.Background()
	first := h.join(t, "student-1", "c1")
	h.begin(t, first.Session.ID)

	h.clock.Advance(31 * time.Minute)
	second := h.join(t, "student-1", "c2")
	if second.Resumed || second.Session.ID == first.Session.ID {
		t.Fatalf("join past deadline resumed %s", second.Session.ID)
	}
	if second.Session.Status != model.SessionStatusWaiting || len(second.Questions) != 5 {
		t.Fatalf("new session = %s with %d questions", second.Session.Status, len(second.Questions))
	}
	old, _ := h.svc.GetSession(ctx, first.Session.ID, "org-1")
	if old.Status != model.SessionStatusTerminated || *old.SubmissionType != model.SubmissionTimeout {
		t.Fatalf("old session = %s/%v", old.Status, old.SubmissionType)
	}
}

func TestJoinRacingTerminationStartsNewSession(t *testing.T) {
	var fs *faultyStore
	h := newHarnessOn(t, SessionOptions{}, func(m *repository.MemorySessionStore) repository.SessionStore {
		fs = &faultyStore{MemorySessionStore: m}
		return fs
	})
	ctx := context.Background()
	first := h.join(t, "student-1", "c1")

	var once sync.Once
	fs.afterLookup = func(sess *model.ExamSession) {
		once.Do(func() {
			if _, err := h.svc.ForceTerminate(ctx, sess.ID, "org-1", "teacher-1", "removed"); err != nil {
				t.Errorf("terminate: %v", err)
			}
		})
	}

	second := h.join(t, "student-1", "c2")
	if second.Resumed || second.Session.ID == first.Session.ID {
		t.Fatal("join that lost the race to a termination should start a new session")
	}
	if second.Session.Status != model.SessionStatusWaiting {
		t.Fatalf("new session = %s", second.Session.Status)
	}
}

// ─── Lifecycle ──────────────────────────────────────────────────────

func TestBeginAnswerAndProgress(t *testing.T) {
	h := newHarness(t, SessionOptions{})
	ctx := context.Background()
	res := h.join(t, "student-1", "c1")
	id := res.Session.ID
	q := res.Questions[0].ID

	_, err := h.svc.RecordAnswer(ctx, AnswerRequest{SessionID: id, OrganizationID: "org-1", QuestionID: q, Answer: "a"})
	wantKind(t, err, KindConflict)

	sess := h.begin(t, id)
	if sess.Status != model.SessionStatusActive {
		t.Fatalf("status = %s, want active", sess.Status)
	}
	if want := testStart.Add(30 * time.Minute); !sess.ExpiresAt.Equal(want) {
		t.Fatalf("expires at %v, want %v", sess.ExpiresAt, want)
	}

	p, err := h.svc.RecordAnswer(ctx, AnswerRequest{SessionID: id, OrganizationID: "org-1", QuestionID: q, Answer: "a", TimeSpent: 12})
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if p.AnsweredQuestions != 1 || p.CurrentQuestion != 1 {
		t.Fatalf("progress = %+v", p)
	}

	p, err = h.svc.RecordAnswer(ctx, AnswerRequest{SessionID: id, OrganizationID: "org-1", QuestionID: q, Answer: "b"})
	if err != nil {
		t.Fatalf("re-answer: %v", err)
	}
	if p.AnsweredQuestions != 1 {
		t.Fatalf("re-answering counted twice: %d", p.AnsweredQuestions)
	}

	_, err = h.svc.RecordAnswer(ctx, AnswerRequest{SessionID: id, OrganizationID: "org-1", QuestionID: "nope", Answer: "a"})
	wantKind(t, err, KindBadRequest)

	_, err = h.svc.RecordAnswer(ctx, AnswerRequest{SessionID: id, OrganizationID: "org-2", QuestionID: q, Answer: "a"})
	wantKind(t, err, KindForbidden)

	stored, _ := h.store.Get(ctx, id)
	if stored.Answers[q].Answer != "b" {
		t.Fatalf("stored answer = %q, want latest", stored.Answers[q].Answer)
	}
}

func TestPauseAndResume(t *testing.T) {
	h := newHarness(t, SessionOptions{})
	ctx := context.Background()
	id := h.join(t, "student-1", "c1").Session.ID

	_, err := h.svc.PauseSession(ctx, id, "org-1")
	wantKind(t, err, KindConflict)

	h.begin(t, id)
	sess, err := h.svc.PauseSession(ctx, id, "org-1")
	if err != nil || sess.Status != model.SessionStatusPaused {
		t.Fatalf("pause = %v, %v", sess, err)
	}
	sess, err = h.svc.ResumeSession(ctx, id, "org-1")
	if err != nil || sess.Status != model.SessionStatusActive {
		t.Fatalf("resume = %v, %v", sess, err)
	}
}

func TestTerminalSessionAbsorbsEvents(t *testing.T) {
	h := newHarness(t, SessionOptions{})
	ctx := context.Background()
	res := h.join(t, "student-1", "c1")
	id := res.Session.ID
	h.begin(t, id)

	score := 87.5
	ended, err := h.svc.EndSession(ctx, id, "org-1", model.SubmissionNormal, &score)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if ended.Status != model.SessionStatusCompleted || ended.EndTime == nil || *ended.FinalScore != score {
		t.Fatalf("ended = %+v", ended)
	}
	count := ended.ActivityCount

	sess, err := h.svc.PauseSession(ctx, id, "org-1")
	if err != nil || sess.Status != model.SessionStatusCompleted {
		t.Fatalf("pause after end = %v, %v", sess, err)
	}
	p, err := h.svc.RecordAnswer(ctx, AnswerRequest{SessionID: id, OrganizationID: "org-1", QuestionID: res.Questions[0].ID})
	if err != nil || p.Status != model.SessionStatusCompleted {
		t.Fatalf("answer after end = %v, %v", p, err)
	}
	sess, err = h.svc.ForceTerminate(ctx, id, "org-1", "teacher-1", "too late")
	if err != nil || sess.Status != model.SessionStatusCompleted {
		t.Fatalf("terminate after end = %v, %v", sess, err)
	}
	if sess.ActivityCount != count {
		t.Fatalf("activity count moved from %d to %d", count, sess.ActivityCount)
	}
}

func TestMonitorSequenceIsStrictlyIncreasing(t *testing.T) {
	h := newHarness(t, SessionOptions{})
	ctx := context.Background()
	res := h.join(t, "student-1", "c1")
	id := res.Session.ID
	h.begin(t, id)
	for _, q := range res.Questions[:3] {
		if _, err := h.svc.RecordAnswer(ctx, AnswerRequest{SessionID: id, OrganizationID: "org-1", QuestionID: q.ID}); err != nil {
			t.Fatalf("answer: %v", err)
		}
	}
	if _, err := h.svc.AppendSecurityFlag(ctx, FlagRequest{SessionID: id, OrganizationID: "org-1", Type: model.FlagTabSwitch, Severity: model.SeverityLow}); err != nil {
		t.Fatalf("flag: %v", err)
	}
	if _, err := h.svc.EndSession(ctx, id, "org-1", model.SubmissionNormal, nil); err != nil {
		t.Fatalf("end: %v", err)
	}

	events := h.pub.forSession(id)
	if len(events) != 7 {
		t.Fatalf("events = %d, want 7", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].Sequence <= events[i-1].Sequence {
			t.Fatalf("sequence %d after %d", events[i].Sequence, events[i-1].Sequence)
		}
	}
	if last := events[len(events)-1]; last.Type != model.MonitorExamEnded {
		t.Fatalf("last event = %s, want exam_ended", last.Type)
	}

	logs, _ := h.activity.ListBySession(ctx, id, 0)
	if len(logs) != 7 {
		t.Fatalf("activity entries = %d, want 7", len(logs))
	}
}

func TestConcurrentAnswersAreAllCounted(t *testing.T) {
	h := newHarness(t, SessionOptions{})
	ctx := context.Background()
	res := h.join(t, "student-1", "c1")
	id := res.Session.ID
	h.begin(t, id)

	var wg sync.WaitGroup
	for _, q := range res.Questions {
		for n := 0; n < 3; n++ {
			wg.Add(1)
			go func(qid string) {
				defer wg.Done()
				if _, err := h.svc.RecordAnswer(ctx, AnswerRequest{SessionID: id, OrganizationID: "org-1", QuestionID: qid, Answer: "x"}); err != nil {
					t.Errorf("answer %s: %v", qid, err)
				}
			}(q.ID)
		}
	}
	wg.Wait()

	sess, _ := h.svc.GetSession(ctx, id, "org-1")
	if sess.AnsweredQuestions != len(res.Questions) {
		t.Fatalf("answered = %d, want %d", sess.AnsweredQuestions, len(res.Questions))
	}
	if sess.Status != model.SessionStatusActive {
		t.Fatalf("status = %s, want active without auto-submit", sess.Status)
	}
}

func TestAutoSubmitWhenAllAnswered(t *testing.T) {
	h := newHarness(t, SessionOptions{AutoSubmitOnComplete: true})
	ctx := context.Background()
	res := h.join(t, "student-1", "c1")
	id := res.Session.ID
	h.begin(t, id)

	var p *model.Progress
	for _, q := range res.Questions {
		var err error
		p, err = h.svc.RecordAnswer(ctx, AnswerRequest{SessionID: id, OrganizationID: "org-1", QuestionID: q.ID})
		if err != nil {
			t.Fatalf("answer: %v", err)
		}
	}
	if p.Status != model.SessionStatusCompleted {
		t.Fatalf("status = %s, want completed", p.Status)
	}
	sess, _ := h.svc.GetSession(ctx, id, "org-1")
	if sess.SubmissionType == nil || *sess.SubmissionType != model.SubmissionNormal {
		t.Fatalf("submission = %v, want normal", sess.SubmissionType)
	}
	if len(sess.Answers) != len(res.Questions) {
		t.Fatalf("answers stored = %d", len(sess.Answers))
	}
}

func TestDeadlineTimesOutOnNextTouch(t *testing.T) {
	h := newHarness(t, SessionOptions{})
	ctx := context.Background()
	id := h.join(t, "student-1", "c1").Session.ID
	h.begin(t, id)

	h.clock.Advance(31 * time.Minute)
	hb, err := h.svc.RecordHeartbeat(ctx, id, "org-1")
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if hb.Status != model.SessionStatusTerminated || hb.TimeRemaining != 0 {
		t.Fatalf("heartbeat = %+v", hb)
	}
	sess, _ := h.svc.GetSession(ctx, id, "org-1")
	if *sess.SubmissionType != model.SubmissionTimeout {
		t.Fatalf("submission = %s, want timeout", *sess.SubmissionType)
	}
	if sess.TotalTimeSpent != 30*60 {
		t.Fatalf("time spent = %d, want capped at the deadline", sess.TotalTimeSpent)
	}
}

func TestCountdownExpiresAttachedSession(t *testing.T) {
	h := newHarness(t, SessionOptions{TimeUpdateInterval: 5 * time.Millisecond})
	ctx := context.Background()
	id := h.join(t, "student-1", "c1").Session.ID

	events, detach, err := h.svc.OpenStream(ctx, id, "org-1", "c1")
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer detach()
	h.begin(t, id)
	h.clock.Advance(30 * time.Minute)

	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("stream closed before exam_ended")
			}
			if ev.Type == model.StudentExamEnded {
				sess, _ := h.svc.GetSession(ctx, id, "org-1")
				if sess.Status != model.SessionStatusTerminated {
					t.Fatalf("status = %s, want terminated", sess.Status)
				}
				return
			}
		case <-timeout:
			t.Fatal("no exam_ended within 5s")
		}
	}
}

// ─── Disconnects and duplicates ─────────────────────────────────────

func TestDisconnectAndReconnect(t *testing.T) {
	h := newHarness(t, SessionOptions{})
	ctx := context.Background()
	id := h.join(t, "student-1", "c1").Session.ID
	h.begin(t, id)

	h.join(t, "student-1", "c2")
	if n := h.pub.count(model.MonitorDuplicateConnection); n != 1 {
		t.Fatalf("duplicate_connection events = %d, want 1", n)
	}

	if err := h.svc.MarkDisconnected(ctx, id, "org-1", "c1"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	sess, _ := h.svc.GetSession(ctx, id, "org-1")
	if sess.Status != model.SessionStatusActive {
		t.Fatalf("superseded connection changed status to %s", sess.Status)
	}

	if err := h.svc.MarkDisconnected(ctx, id, "org-1", "c2"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	sess, _ = h.svc.GetSession(ctx, id, "org-1")
	if sess.Status != model.SessionStatusDisconnected || sess.DisconnectedAt == nil {
		t.Fatalf("status = %s, want disconnected", sess.Status)
	}

	res := h.join(t, "student-1", "c3")
	if !res.Resumed || res.Session.Status != model.SessionStatusActive || res.Session.DisconnectedAt != nil {
		t.Fatalf("reconnect = %+v", res.Session)
	}
	if n := h.pub.count(model.MonitorStudentReconnected); n != 1 {
		t.Fatalf("student_reconnected events = %d, want 1", n)
	}
}

// ─── Security flags ─────────────────────────────────────────────────

func TestSecurityFlagsRaiseRisk(t *testing.T) {
	h := newHarness(t, SessionOptions{})
	ctx := context.Background()
	id := h.join(t, "student-1", "c1").Session.ID

	var res *FlagResult
	for i := 0; i < 2; i++ {
		var err error
		res, err = h.svc.AppendSecurityFlag(ctx, FlagRequest{SessionID: id, OrganizationID: "org-1", Type: model.FlagTabSwitch, Severity: model.SeverityHigh})
		if err != nil {
			t.Fatalf("flag: %v", err)
		}
	}
	if res.Risk.Score != 40 || res.Risk.Level != model.RiskMedium || res.Risk.FlagCount != 2 {
		t.Fatalf("risk = %+v", res.Risk)
	}

	_, err := h.svc.AppendSecurityFlag(ctx, FlagRequest{SessionID: id, OrganizationID: "org-1", Type: "x", Severity: "extreme"})
	wantKind(t, err, KindBadRequest)
	if n := h.pub.count(model.MonitorSecurityAlert); n != 2 {
		t.Fatalf("security alerts = %d, want 2", n)
	}
}

// ─── Termination and sweeps ─────────────────────────────────────────

func TestForceTerminatePreemptsImport(t *testing.T) {
	h := newHarness(t, SessionOptions{})
	ctx := context.Background()
	res := h.join(t, "student-1", "c1")
	id := res.Session.ID
	h.begin(t, id)

	release, err := h.registry.acquire(ctx, id)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	batch := make([]AnswerRequest, len(res.Questions))
	for i, q := range res.Questions {
		batch[i] = AnswerRequest{QuestionID: q.ID, Answer: "a"}
	}
	imported := make(chan *ImportResult, 1)
	go func() {
		r, err := h.svc.ImportAnswers(ctx, id, "org-1", batch)
		if err != nil {
			t.Errorf("import: %v", err)
		}
		imported <- r
	}()
	terminated := make(chan error, 1)
	go func() {
		_, err := h.svc.ForceTerminate(ctx, id, "org-1", "teacher-1", "suspected cheating")
		terminated <- err
	}()

	deadline := time.Now().Add(5 * time.Second)
	for !h.registry.preempted(id) {
		if time.Now().After(deadline) {
			t.Fatal("termination never raised the preemption flag")
		}
		time.Sleep(time.Millisecond)
	}
	release()

	if err := <-terminated; err != nil {
		t.Fatalf("terminate: %v", err)
	}
	r := <-imported
	if r == nil || r.Imported != 0 {
		t.Fatalf("import result = %+v, want nothing applied", r)
	}

	sess, _ := h.svc.GetSession(ctx, id, "org-1")
	if sess.Status != model.SessionStatusTerminated || *sess.SubmissionType != model.SubmissionForced {
		t.Fatalf("session = %s/%v", sess.Status, sess.SubmissionType)
	}
	if len(sess.Answers) != 0 {
		t.Fatalf("answers applied after termination: %d", len(sess.Answers))
	}
	if sess.TerminationReason != "suspected cheating" {
		t.Fatalf("reason = %q", sess.TerminationReason)
	}
}

func TestSweepInactiveEndsOnlyStaleSessions(t *testing.T) {
	h := newHarness(t, SessionOptions{})
	ctx := context.Background()
	stale := h.join(t, "student-1", "c1").Session.ID
	fresh := h.join(t, "student-2", "c2").Session.ID

	h.clock.Advance(40 * time.Minute)
	if _, err := h.svc.RecordHeartbeat(ctx, fresh, "org-1"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	n, err := h.svc.SweepInactive(ctx, "", 30*time.Minute)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept = %d, want 1", n)
	}
	sess, _ := h.svc.GetSession(ctx, stale, "org-1")
	if sess.Status != model.SessionStatusTerminated || *sess.SubmissionType != model.SubmissionTimeout {
		t.Fatalf("stale session = %s/%v, want terminated by timeout", sess.Status, sess.SubmissionType)
	}
	sess, _ = h.svc.GetSession(ctx, fresh, "org-1")
	if sess.Status != model.SessionStatusWaiting {
		t.Fatalf("fresh session = %s, want waiting", sess.Status)
	}

	n, _ = h.svc.SweepInactive(ctx, "", 30*time.Minute)
	if n != 0 {
		t.Fatalf("second sweep ended %d sessions", n)
	}
}

func TestSweepEndsDisconnectedAfterGrace(t *testing.T) {
	h := newHarness(t, SessionOptions{DisconnectGrace: 2 * time.Minute})
	ctx := context.Background()
	id := h.join(t, "student-1", "c1").Session.ID
	h.begin(t, id)
	if err := h.svc.MarkDisconnected(ctx, id, "org-1", "c1"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	h.clock.Advance(time.Minute)
	if n, _ := h.svc.SweepInactive(ctx, "", time.Hour); n != 0 {
		t.Fatalf("swept %d inside grace", n)
	}
	h.clock.Advance(2 * time.Minute)
	if n, _ := h.svc.SweepInactive(ctx, "", time.Hour); n != 1 {
		t.Fatalf("swept %d after grace, want 1", n)
	}
	sess, _ := h.svc.GetSession(ctx, id, "org-1")
	if sess.Status != model.SessionStatusTerminated || sess.TerminationReason == "" {
		t.Fatalf("session = %s %q", sess.Status, sess.TerminationReason)
	}
	if *sess.SubmissionType != model.SubmissionDisconnect {
		t.Fatalf("submission = %s, want disconnect", *sess.SubmissionType)
	}
}

func TestSweepTimesOutIdleActiveSession(t *testing.T) {
	h := newHarness(t, SessionOptions{})
	ctx := context.Background()
	id := h.join(t, "student-1", "c1").Session.ID
	h.begin(t, id)
	if _, err := h.svc.PauseSession(ctx, id, "org-1"); err != nil {
		t.Fatalf("pause: %v", err)
	}

	h.clock.Advance(20 * time.Minute)
	if n, err := h.svc.SweepInactive(ctx, "", 15*time.Minute); err != nil || n != 1 {
		t.Fatalf("sweep = %d, %v", n, err)
	}
	sess, _ := h.svc.GetSession(ctx, id, "org-1")
	if sess.Status != model.SessionStatusTerminated || *sess.SubmissionType != model.SubmissionTimeout {
		t.Fatalf("session = %s/%v, want terminated by timeout", sess.Status, sess.SubmissionType)
	}
}

func TestSweepScopedToOrganization(t *testing.T) {
	h := newHarness(t, SessionOptions{})
	ctx := context.Background()
	ours := h.join(t, "student-1", "c1").Session.ID
	theirs, err := h.svc.StartOrResumeSession(ctx, JoinRequest{ExamID: "exam-other", StudentID: "student-9", OrganizationID: "org-2"})
	if err != nil {
		t.Fatalf("join org-2: %v", err)
	}

	h.clock.Advance(40 * time.Minute)
	if n, err := h.svc.SweepInactive(ctx, "org-2", 30*time.Minute); err != nil || n != 1 {
		t.Fatalf("org-2 sweep = %d, %v", n, err)
	}
	sess, _ := h.svc.GetSession(ctx, ours, "org-1")
	if sess.Status != model.SessionStatusWaiting {
		t.Fatalf("org-1 session = %s, want untouched", sess.Status)
	}
	sess, _ = h.svc.GetSession(ctx, theirs.Session.ID, "org-2")
	if sess.Status != model.SessionStatusTerminated {
		t.Fatalf("org-2 session = %s", sess.Status)
	}

	if n, _ := h.svc.SweepInactive(ctx, "", 30*time.Minute); n != 1 {
		t.Fatalf("unscoped sweep = %d, want the remaining org-1 session", n)
	}
}

func TestHeartbeatCountsAsActivity(t *testing.T) {
	h := newHarness(t, SessionOptions{})
	ctx := context.Background()
	res := h.join(t, "student-1", "c1")
	id := res.Session.ID
	before := h.begin(t, id)
	published := len(h.pub.forSession(id))

	h.clock.Advance(time.Second)
	if _, err := h.svc.RecordHeartbeat(ctx, id, "org-1"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	sess, _ := h.svc.GetSession(ctx, id, "org-1")
	if sess.ActivityCount != before.ActivityCount+1 {
		t.Fatalf("activity count = %d, want %d", sess.ActivityCount, before.ActivityCount+1)
	}
	if !sess.LastActivity.Equal(testStart.Add(time.Second)) {
		t.Fatalf("last activity = %v", sess.LastActivity)
	}
	if n := len(h.pub.forSession(id)); n != published {
		t.Fatalf("heartbeat published %d events", n-published)
	}

	if _, err := h.svc.RecordAnswer(ctx, AnswerRequest{SessionID: id, OrganizationID: "org-1", QuestionID: res.Questions[0].ID, Answer: "a"}); err != nil {
		t.Fatalf("answer: %v", err)
	}
	evs := h.pub.forSession(id)
	if last := evs[len(evs)-1]; last.Sequence != sess.ActivityCount+1 {
		t.Fatalf("sequence after heartbeat = %d, want %d", last.Sequence, sess.ActivityCount+1)
	}
}

func TestFailedCommitLeavesSessionUntouched(t *testing.T) {
	var fs *faultyStore
	h := newHarnessOn(t, SessionOptions{}, func(m *repository.MemorySessionStore) repository.SessionStore {
		fs = &faultyStore{MemorySessionStore: m}
		return fs
	})
	ctx := context.Background()
	res := h.join(t, "student-1", "c1")
	id := res.Session.ID
	h.begin(t, id)

	before, _ := h.svc.GetSession(ctx, id, "org-1")
	published := len(h.pub.forSession(id))
	fs.failCommit.Store(true)

	h.clock.Advance(time.Second)
	_, err := h.svc.RecordAnswer(ctx, AnswerRequest{SessionID: id, OrganizationID: "org-1", QuestionID: res.Questions[0].ID, Answer: "a"})
	wantKind(t, err, KindInternal)
	if !errors.Is(err, errDiskFull) {
		t.Fatalf("err = %v, want the store failure wrapped", err)
	}
	_, err = h.svc.PauseSession(ctx, id, "org-1")
	wantKind(t, err, KindInternal)
	_, err = h.svc.ForceTerminate(ctx, id, "org-1", "teacher-1", "gone")
	wantKind(t, err, KindInternal)

	after, _ := h.svc.GetSession(ctx, id, "org-1")
	if after.Status != before.Status || after.ActivityCount != before.ActivityCount ||
		after.AnsweredQuestions != before.AnsweredQuestions || len(after.Answers) != 0 ||
		!after.LastActivity.Equal(before.LastActivity) {
		t.Fatalf("session changed by failed commits: before %+v after %+v", before, after)
	}
	if n := len(h.pub.forSession(id)); n != published {
		t.Fatalf("failed commits published %d events", n-published)
	}

	fs.failCommit.Store(false)
	sess, err := h.svc.PauseSession(ctx, id, "org-1")
	if err != nil || sess.Status != model.SessionStatusPaused {
		t.Fatalf("pause after recovery = %v, %v", sess, err)
	}
	if sess.ActivityCount != before.ActivityCount+1 {
		t.Fatalf("activity count = %d, want %d", sess.ActivityCount, before.ActivityCount+1)
	}
}

// ─── Transition table ───────────────────────────────────────────────

func TestTransitionTable(t *testing.T) {
	all := []sessionEvent{eventBegin, eventPause, eventResume, eventDisconnect, eventReconnect,
		eventSubmit, eventTimeout, eventForce, eventAbandon}

	for _, terminal := range []model.SessionStatus{model.SessionStatusCompleted, model.SessionStatusTerminated} {
		for _, ev := range all {
			if to, ok := transition(terminal, ev); ok || to != terminal {
				t.Fatalf("%s accepted event %d", terminal, ev)
			}
		}
	}

	tests := []struct {
		from model.SessionStatus
		ev   sessionEvent
		to   model.SessionStatus
		ok   bool
	}{
		{model.SessionStatusWaiting, eventBegin, model.SessionStatusActive, true},
		{model.SessionStatusWaiting, eventSubmit, model.SessionStatusWaiting, false},
		{model.SessionStatusWaiting, eventDisconnect, model.SessionStatusWaiting, false},
		{model.SessionStatusActive, eventPause, model.SessionStatusPaused, true},
		{model.SessionStatusActive, eventSubmit, model.SessionStatusCompleted, true},
		{model.SessionStatusPaused, eventResume, model.SessionStatusActive, true},
		{model.SessionStatusPaused, eventBegin, model.SessionStatusPaused, false},
		{model.SessionStatusDisconnected, eventReconnect, model.SessionStatusActive, true},
		{model.SessionStatusDisconnected, eventSubmit, model.SessionStatusDisconnected, false},
		{model.SessionStatusDisconnected, eventAbandon, model.SessionStatusTerminated, true},
	}
	for _, tt := range tests {
		to, ok := transition(tt.from, tt.ev)
		if to != tt.to || ok != tt.ok {
			t.Errorf("transition(%s, %d) = %s, %v; want %s, %v", tt.from, tt.ev, to, ok, tt.to, tt.ok)
		}
	}
}
