package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/folio-ai/folio/internal/knowledge"
	"github.com/folio-ai/folio/internal/log"
	"github.com/folio-ai/folio/internal/profile"
	"github.com/folio-ai/folio/internal/session"
)

type mockSessions struct {
	mu          sync.Mutex
	admitErr    error
	admitCalls  int
	recent      []session.Turn
	recentErr   error
	appended    []session.Turn
	appendErr   error
	admitNotify chan struct{} // optional: signals an admit in progress
	admitBlock  chan struct{} // optional: blocks admit until closed
}

func (m *mockSessions) Admit(_ context.Context, _ uuid.UUID, _ time.Time) error {
	m.mu.Lock()
	m.admitCalls++
	m.mu.Unlock()
	if m.admitNotify != nil {
		m.admitNotify <- struct{}{}
	}
	if m.admitBlock != nil {
		<-m.admitBlock
	}
	return m.admitErr
}

func (m *mockSessions) Recent(_ context.Context, _ uuid.UUID) ([]session.Turn, error) {
	return m.recent, m.recentErr
}

func (m *mockSessions) AppendTurns(_ context.Context, _ uuid.UUID, turns ...session.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appended = append(m.appended, turns...)
	return m.appendErr
}

type mockStructured struct {
	mu    sync.Mutex
	facts []profile.Fact
	err   error
	calls int
	hints profile.Hints
}

func (m *mockStructured) Query(_ context.Context, _ string, hints profile.Hints) ([]profile.Fact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.hints = hints
	return m.facts, m.err
}

type mockSemantic struct {
	mu      sync.Mutex
	results []knowledge.Result
	err     error
	calls   int
}

func (m *mockSemantic) Search(_ context.Context, _ string, _ ...knowledge.SearchOption) ([]knowledge.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.results, m.err
}

type mockRewriter struct {
	question string
	degraded bool
	calls    int
}

func (m *mockRewriter) Reformulate(_ context.Context, _ []session.Turn, message string) (string, bool) {
	m.calls++
	if m.question == "" {
		return message, m.degraded
	}
	return m.question, m.degraded
}

type mockRouter struct {
	intent   Intent
	hints    profile.Hints
	degraded bool
	calls    int
}

func (m *mockRouter) Classify(_ context.Context, _ string) (Intent, profile.Hints, bool) {
	m.calls++
	return m.intent, m.hints, m.degraded
}

type mockGenerator struct {
	answer        string
	degraded      bool
	err           error
	calls         int
	redirectCalls int
	gotPassages   []Passage
}

func (m *mockGenerator) Generate(_ context.Context, _ string, passages []Passage, _ []session.Turn, onChunk StreamCallback) (string, bool, error) {
	m.calls++
	m.gotPassages = passages
	if m.err != nil {
		return "", false, m.err
	}
	if onChunk != nil {
		if err := onChunk(m.answer); err != nil {
			return "", false, err
		}
	}
	return m.answer, m.degraded, nil
}

func (m *mockGenerator) Redirect(_ context.Context, onChunk StreamCallback) (string, error) {
	m.redirectCalls++
	if onChunk != nil {
		if err := onChunk(offTopicMessage); err != nil {
			return "", err
		}
	}
	return offTopicMessage, nil
}

type fixture struct {
	sessions   *mockSessions
	structured *mockStructured
	semantic   *mockSemantic
	rewriter   *mockRewriter
	router     *mockRouter
	generator  *mockGenerator
	pipeline   *Pipeline
}

func newFixture(intent Intent) *fixture {
	f := &fixture{
		sessions:   &mockSessions{},
		structured: &mockStructured{},
		semantic:   &mockSemantic{},
		rewriter:   &mockRewriter{},
		router:     &mockRouter{intent: intent},
		generator:  &mockGenerator{answer: "a fine answer"},
	}
	f.pipeline = New(Deps{
		Sessions:   f.sessions,
		Structured: f.structured,
		Semantic:   f.semantic,
		Rewriter:   f.rewriter,
		Router:     f.router,
		Generator:  f.generator,
	}, Config{TopK: 3, Oversample: 3}, log.NewNop())
	return f
}

func discardChunks(string) error { return nil }

func TestRun_QuotaExhaustedInvokesNothingDownstream(t *testing.T) {
	f := newFixture(IntentVector)
	f.sessions.admitErr = session.ErrQuotaExhausted

	_, err := f.pipeline.Run(context.Background(), uuid.New(), "hello", discardChunks)
	if !errors.Is(err, session.ErrQuotaExhausted) {
		t.Fatalf("Run() error = %v, want ErrQuotaExhausted", err)
	}
	if f.rewriter.calls != 0 || f.router.calls != 0 || f.semantic.calls != 0 ||
		f.structured.calls != 0 || f.generator.calls != 0 {
		t.Error("downstream stage invoked despite admission failure")
	}
	if len(f.sessions.appended) != 0 {
		t.Error("history written despite admission failure")
	}
}

func TestRun_OffTopicSkipsRetrieval(t *testing.T) {
	f := newFixture(IntentOffTopic)

	result, err := f.pipeline.Run(context.Background(), uuid.New(), "what's the weather?", discardChunks)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if f.structured.calls != 0 || f.semantic.calls != 0 {
		t.Error("retrieval invoked for OFF_TOPIC")
	}
	if f.generator.redirectCalls != 1 || f.generator.calls != 0 {
		t.Error("redirect not used for OFF_TOPIC")
	}
	if result.Metadata.Intent != IntentOffTopic {
		t.Errorf("metadata intent = %v, want OFF_TOPIC", result.Metadata.Intent)
	}
	if result.Metadata.SourceCount != 0 {
		t.Errorf("sourceCount = %d, want 0", result.Metadata.SourceCount)
	}
	if result.Answer != offTopicMessage {
		t.Errorf("answer = %q, want redirect", result.Answer)
	}
}

func TestRun_SQLUsesStructuredFacts(t *testing.T) {
	f := newFixture(IntentSQL)
	f.router.hints = profile.Hints{Category: profile.CategoryProject, WantCount: true}
	f.structured.facts = []profile.Fact{
		{Category: profile.CategoryProject, Title: "project count", Body: "The profile lists 4 project record(s)."},
	}

	result, err := f.pipeline.Run(context.Background(), uuid.New(), "how many projects?", discardChunks)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if f.structured.calls != 1 {
		t.Errorf("structured calls = %d, want 1", f.structured.calls)
	}
	if f.semantic.calls != 0 {
		t.Errorf("semantic calls = %d, want 0 when structured answered", f.semantic.calls)
	}
	if f.structured.hints.Category != profile.CategoryProject {
		t.Errorf("hints not forwarded: %+v", f.structured.hints)
	}
	if len(f.generator.gotPassages) != 1 || f.generator.gotPassages[0].Source != SourceStructured {
		t.Errorf("passages = %+v, want one structured passage", f.generator.gotPassages)
	}
	if result.Metadata.Degraded() {
		t.Errorf("degradations = %v, want none", result.Metadata.Degradations)
	}
}

func TestRun_SQLFailureFallsBackToSemantic(t *testing.T) {
	f := newFixture(IntentSQL)
	f.structured.err = errors.New("db down")
	f.semantic.results = []knowledge.Result{
		{Document: knowledge.Document{ID: "d1", Content: "narrative"}, Similarity: 0.9},
	}

	result, err := f.pipeline.Run(context.Background(), uuid.New(), "how many projects?", discardChunks)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if f.semantic.calls != 1 {
		t.Errorf("semantic calls = %d, want fallback search", f.semantic.calls)
	}
	if !hasDegradation(result.Metadata, DegradeStructured) {
		t.Errorf("degradations = %v, want structured recorded", result.Metadata.Degradations)
	}
	if len(f.generator.gotPassages) != 1 || f.generator.gotPassages[0].Source != SourceSemantic {
		t.Errorf("passages = %+v, want semantic fallback", f.generator.gotPassages)
	}
}

func TestRun_VectorSQLMergesStructuredFirst(t *testing.T) {
	f := newFixture(IntentVectorSQL)
	f.structured.facts = []profile.Fact{
		{Category: profile.CategoryExperience, Title: "Senior engineer at Acme"},
	}
	f.semantic.results = []knowledge.Result{
		{Document: knowledge.Document{ID: "d1", Content: "narrative about Acme"}, Similarity: 0.8},
	}

	result, err := f.pipeline.Run(context.Background(), uuid.New(), "tell me about their current job", discardChunks)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if f.structured.calls != 1 || f.semantic.calls != 1 {
		t.Errorf("calls = (%d structured, %d semantic), want both", f.structured.calls, f.semantic.calls)
	}
	got := f.generator.gotPassages
	if len(got) != 2 {
		t.Fatalf("len(passages) = %d, want 2", len(got))
	}
	if got[0].Source != SourceStructured || got[1].Source != SourceSemantic {
		t.Errorf("passage order = [%s, %s], want structured first", got[0].Source, got[1].Source)
	}
	if result.Metadata.SourceCount != 2 {
		t.Errorf("sourceCount = %d, want 2", result.Metadata.SourceCount)
	}
}

func TestRun_SemanticFailureDegrades(t *testing.T) {
	f := newFixture(IntentVector)
	f.semantic.err = errors.New("vector store down")

	result, err := f.pipeline.Run(context.Background(), uuid.New(), "what drives them?", discardChunks)
	if err != nil {
		t.Fatalf("Run() error = %v, want degraded turn not failure", err)
	}
	if !hasDegradation(result.Metadata, DegradeSemantic) {
		t.Errorf("degradations = %v, want semantic recorded", result.Metadata.Degradations)
	}
	if f.generator.calls != 1 {
		t.Error("generation skipped despite degradation-only policy")
	}
	if len(f.generator.gotPassages) != 0 {
		t.Errorf("passages = %+v, want empty after failure", f.generator.gotPassages)
	}
}

func TestRun_DegradationsAccumulate(t *testing.T) {
	f := newFixture(IntentVector)
	f.rewriter.degraded = true
	f.router.degraded = true
	f.generator.degraded = true

	result, err := f.pipeline.Run(context.Background(), uuid.New(), "q", discardChunks)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	for _, want := range []Degradation{DegradeReformulate, DegradeRouter, DegradeGenerateFallback} {
		if !hasDegradation(result.Metadata, want) {
			t.Errorf("degradations = %v, missing %s", result.Metadata.Degradations, want)
		}
	}
}

func TestRun_CompletionAppendsBothTurns(t *testing.T) {
	f := newFixture(IntentVector)

	_, err := f.pipeline.Run(context.Background(), uuid.New(), "the question", discardChunks)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(f.sessions.appended) != 2 {
		t.Fatalf("appended %d turns, want 2", len(f.sessions.appended))
	}
	if f.sessions.appended[0].Role != session.RoleUser || f.sessions.appended[0].Content != "the question" {
		t.Errorf("first turn = %+v, want original user message", f.sessions.appended[0])
	}
	if f.sessions.appended[1].Role != session.RoleAssistant || f.sessions.appended[1].Content != "a fine answer" {
		t.Errorf("second turn = %+v, want assistant answer", f.sessions.appended[1])
	}
	for i, turn := range f.sessions.appended {
		if turn.CreatedAt.IsZero() {
			t.Errorf("turn %d has zero CreatedAt", i)
		}
	}
}

func TestRun_SecondInflightTurnRejected(t *testing.T) {
	f := newFixture(IntentVector)
	f.sessions.admitNotify = make(chan struct{}, 1)
	f.sessions.admitBlock = make(chan struct{})
	sessionID := uuid.New()

	errCh := make(chan error, 1)
	go func() {
		_, err := f.pipeline.Run(context.Background(), sessionID, "first", discardChunks)
		errCh <- err
	}()

	<-f.sessions.admitNotify // first turn is inside the pipeline now

	_, err := f.pipeline.Run(context.Background(), sessionID, "second", discardChunks)
	if !errors.Is(err, session.ErrRateLimited) {
		t.Errorf("second Run() error = %v, want ErrRateLimited", err)
	}
	var rateErr *session.RateLimitedError
	if errors.As(err, &rateErr) {
		if rateErr.RetryAfter != inflightRetryAfter {
			t.Errorf("RetryAfter = %v, want %v", rateErr.RetryAfter, inflightRetryAfter)
		}
	} else {
		t.Error("error is not *RateLimitedError")
	}

	close(f.sessions.admitBlock)
	if err := <-errCh; err != nil {
		t.Errorf("first Run() error = %v", err)
	}

	// The guard is released; the session accepts turns again.
	if _, err := f.pipeline.Run(context.Background(), sessionID, "third", discardChunks); err != nil {
		t.Errorf("third Run() error = %v", err)
	}
}

func TestRun_DistinctSessionsRunConcurrently(t *testing.T) {
	f := newFixture(IntentVector)
	f.sessions.admitNotify = make(chan struct{}, 1)
	f.sessions.admitBlock = make(chan struct{})

	errCh := make(chan error, 1)
	go func() {
		_, err := f.pipeline.Run(context.Background(), uuid.New(), "first", discardChunks)
		errCh <- err
	}()
	<-f.sessions.admitNotify

	// A different session is not blocked by the first one's guard; it only
	// waits on the shared mock admit gate, so release it for both.
	go func() {
		<-f.sessions.admitNotify
	}()
	done := make(chan error, 1)
	go func() {
		_, err := f.pipeline.Run(context.Background(), uuid.New(), "second", discardChunks)
		done <- err
	}()

	close(f.sessions.admitBlock)
	if err := <-done; err != nil {
		t.Errorf("second session Run() error = %v", err)
	}
	if err := <-errCh; err != nil {
		t.Errorf("first session Run() error = %v", err)
	}
}

func TestRun_TimingsRecorded(t *testing.T) {
	f := newFixture(IntentVector)

	result, err := f.pipeline.Run(context.Background(), uuid.New(), "q", discardChunks)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	for _, stage := range []string{"reformulate", "route", "retrieve", "generate"} {
		if _, ok := result.Metadata.TimingsMS[stage]; !ok {
			t.Errorf("timings missing stage %q", stage)
		}
	}
}

func hasDegradation(meta Metadata, want Degradation) bool {
	for _, d := range meta.Degradations {
		if d == want {
			return true
		}
	}
	return false
}
