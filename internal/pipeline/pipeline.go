package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/folio-ai/folio/internal/knowledge"
	"github.com/folio-ai/folio/internal/log"
	"github.com/folio-ai/folio/internal/profile"
	"github.com/folio-ai/folio/internal/session"
)

// inflightRetryAfter is the wait hint returned when a session already has a
// turn in progress.
const inflightRetryAfter = 2 * time.Second

// Sessions is the session surface the pipeline depends on.
type Sessions interface {
	Admit(ctx context.Context, id uuid.UUID, now time.Time) error
	Recent(ctx context.Context, id uuid.UUID) ([]session.Turn, error)
	AppendTurns(ctx context.Context, id uuid.UUID, turns ...session.Turn) error
}

// Structured answers enumerable profile questions.
type Structured interface {
	Query(ctx context.Context, question string, hints profile.Hints) ([]profile.Fact, error)
}

// Semantic answers narrative profile questions.
type Semantic interface {
	Search(ctx context.Context, query string, opts ...knowledge.SearchOption) ([]knowledge.Result, error)
}

// QueryRewriter rewrites follow-ups into standalone questions.
type QueryRewriter interface {
	Reformulate(ctx context.Context, history []session.Turn, message string) (string, bool)
}

// IntentRouter classifies questions into retrieval intents.
type IntentRouter interface {
	Classify(ctx context.Context, question string) (Intent, profile.Hints, bool)
}

// AnswerGenerator produces the streamed reply.
type AnswerGenerator interface {
	Generate(ctx context.Context, question string, passages []Passage, history []session.Turn, onChunk StreamCallback) (string, bool, error)
	Redirect(ctx context.Context, onChunk StreamCallback) (string, error)
}

// Config holds retrieval sizing for the pipeline.
type Config struct {
	// TopK is the number of semantic passages handed to the generator.
	TopK int
	// Oversample multiplies TopK for the pre-rerank candidate fetch.
	Oversample int
}

// Deps bundles the pipeline's collaborators.
type Deps struct {
	Sessions   Sessions
	Structured Structured
	Semantic   Semantic
	Rewriter   QueryRewriter
	Router     IntentRouter
	Generator  AnswerGenerator
}

// Pipeline runs one chat turn end to end:
// admitted, reformulated, routed, retrieved, generating, completed.
// Admission failures abort before any model cost; everything after admission
// degrades instead of failing, and every degradation is recorded in the
// turn's metadata.
//
// Pipeline is safe for concurrent use. Each session has at most one turn in
// flight; a second concurrent message for the same session is rejected as
// rate-limited.
type Pipeline struct {
	deps   Deps
	cfg    Config
	logger log.Logger

	mu       sync.Mutex
	inflight map[uuid.UUID]struct{}
}

// New creates a Pipeline.
func New(deps Deps, cfg Config, logger log.Logger) *Pipeline {
	if logger == nil {
		logger = log.NewNop()
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 3
	}
	if cfg.Oversample <= 0 {
		cfg.Oversample = 3
	}
	return &Pipeline{
		deps:     deps,
		cfg:      cfg,
		logger:   logger,
		inflight: make(map[uuid.UUID]struct{}),
	}
}

// Run executes one turn. Text fragments stream through onChunk; the typed
// metadata arrives in the returned Result, never inside the text. Errors are
// admission rejections (see internal/session) or client stream failures;
// model trouble surfaces as degradations in the metadata instead.
func (p *Pipeline) Run(ctx context.Context, sessionID uuid.UUID, message string, onChunk StreamCallback) (*Result, error) {
	if !p.acquire(sessionID) {
		return nil, session.NewRateLimitedError(inflightRetryAfter)
	}
	defer p.release(sessionID)

	if err := p.deps.Sessions.Admit(ctx, sessionID, time.Now()); err != nil {
		return nil, err
	}

	var meta Metadata
	timings := make(map[string]int64)
	stage := func(name string, fn func()) {
		start := time.Now()
		fn()
		timings[name] = time.Since(start).Milliseconds()
	}

	history, err := p.deps.Sessions.Recent(ctx, sessionID)
	if err != nil {
		// A lost window only costs context; the turn goes on without it.
		p.logger.Warn("loading history failed", "session_id", sessionID, "error", err)
		history = nil
	}

	var question string
	stage("reformulate", func() {
		var degraded bool
		question, degraded = p.deps.Rewriter.Reformulate(ctx, history, message)
		if degraded {
			meta.addDegradation(DegradeReformulate)
		}
	})
	meta.Question = question

	var (
		intent Intent
		hints  profile.Hints
	)
	stage("route", func() {
		var degraded bool
		intent, hints, degraded = p.deps.Router.Classify(ctx, question)
		if degraded {
			meta.addDegradation(DegradeRouter)
		}
	})
	meta.Intent = intent

	var passages []Passage
	stage("retrieve", func() {
		passages = p.retrieve(ctx, intent, question, hints, &meta)
	})
	meta.SourceCount = len(passages)

	var answer string
	var genErr error
	stage("generate", func() {
		if intent == IntentOffTopic {
			answer, genErr = p.deps.Generator.Redirect(ctx, onChunk)
			return
		}
		var degraded bool
		answer, degraded, genErr = p.deps.Generator.Generate(ctx, question, passages, history, onChunk)
		if degraded {
			meta.addDegradation(DegradeGenerateFallback)
		}
	})
	if genErr != nil {
		return nil, genErr
	}

	now := time.Now()
	if err := p.deps.Sessions.AppendTurns(ctx, sessionID,
		session.NewUserTurn(message, now),
		session.NewAssistantTurn(answer, now),
	); err != nil {
		// The answer already streamed; losing the log entry is not worth
		// failing the turn over.
		p.logger.Error("appending turns failed", "session_id", sessionID, "error", err)
	}

	meta.TimingsMS = timings
	p.logger.Info("turn completed",
		"session_id", sessionID,
		"intent", intent,
		"sources", meta.SourceCount,
		"degradations", len(meta.Degradations),
	)
	return &Result{Answer: answer, Metadata: meta}, nil
}

// retrieve gathers grounding passages for the routed intent. Retrieval never
// fails a turn: errors shrink the passage set and record a degradation.
func (p *Pipeline) retrieve(ctx context.Context, intent Intent, question string, hints profile.Hints, meta *Metadata) []Passage {
	switch intent {
	case IntentOffTopic:
		return nil

	case IntentSQL:
		facts, err := p.deps.Structured.Query(ctx, question, hints)
		if err != nil {
			p.logger.Warn("structured retrieval failed, falling back to semantic", "error", err)
			meta.addDegradation(DegradeStructured)
			return p.semanticPassages(ctx, question, meta)
		}
		if len(facts) == 0 {
			// Nothing enumerable matched; narrative search may still ground
			// the answer.
			return p.semanticPassages(ctx, question, meta)
		}
		return factPassages(facts)

	case IntentVectorSQL:
		// Both retrievers run concurrently; each goroutine records into its
		// own metadata and the results merge single-threaded after Wait.
		var (
			facts    []profile.Fact
			factsErr error
			semantic []Passage
			semMeta  Metadata
		)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			facts, factsErr = p.deps.Structured.Query(gctx, question, hints)
			return nil
		})
		g.Go(func() error {
			semantic = p.semanticPassages(gctx, question, &semMeta)
			return nil
		})
		_ = g.Wait()

		if factsErr != nil {
			p.logger.Warn("structured retrieval failed in hybrid mode", "error", factsErr)
			meta.addDegradation(DegradeStructured)
		}
		meta.Degradations = append(meta.Degradations, semMeta.Degradations...)

		// Structured results lead: exact facts anchor the narrative.
		return append(factPassages(facts), semantic...)

	default: // IntentVector
		return p.semanticPassages(ctx, question, meta)
	}
}

// semanticPassages runs oversampled vector search, reranks, and truncates.
func (p *Pipeline) semanticPassages(ctx context.Context, question string, meta *Metadata) []Passage {
	results, err := p.deps.Semantic.Search(ctx, question,
		knowledge.WithTopK(p.cfg.TopK*p.cfg.Oversample))
	if err != nil {
		p.logger.Warn("semantic retrieval failed", "error", err)
		meta.addDegradation(DegradeSemantic)
		return nil
	}

	reranked, applied := knowledge.Rerank(question, results)
	if !applied && len(results) > 1 {
		meta.addDegradation(DegradeSemanticRerank)
	}
	if len(reranked) > p.cfg.TopK {
		reranked = reranked[:p.cfg.TopK]
	}

	passages := make([]Passage, 0, len(reranked))
	for _, r := range reranked {
		passages = append(passages, Passage{
			Content: r.Document.Content,
			Score:   r.Similarity,
			Source:  SourceSemantic,
			Ref:     r.Document.ID,
		})
	}
	return passages
}

func factPassages(facts []profile.Fact) []Passage {
	passages := make([]Passage, 0, len(facts))
	for _, f := range facts {
		passages = append(passages, passageFromFact(f))
	}
	return passages
}

func (p *Pipeline) acquire(id uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inflight[id]; busy {
		return false
	}
	p.inflight[id] = struct{}{}
	return true
}

func (p *Pipeline) release(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, id)
}
