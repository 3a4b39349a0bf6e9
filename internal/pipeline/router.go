package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/folio-ai/folio/internal/log"
	"github.com/folio-ai/folio/internal/profile"
)

// routerPrompt classifies a question into one retrieval intent and optional
// structured-lookup hints. The model must answer with a single JSON object.
const routerPrompt = `You route questions about a person's professional profile.

Classify the question into exactly one intent:
- "SQL": asks for enumerable facts (counts, lists, dates, contact details,
  "how many", "which years", "latest job")
- "VECTOR": asks for narrative or qualitative detail (motivations, approach,
  what a project was about)
- "VECTOR_SQL": needs both enumerable facts and narrative
- "OFF_TOPIC": not about the person's professional profile at all

For SQL and VECTOR_SQL also provide hints when the question implies them:
- "category": one of "skill", "project", "experience", "education", "contact"
- "keywords": up to 5 literal terms worth matching
- "want_count": true if the question asks how many
- "want_latest": true if the question asks about the most recent
- "year": four-digit year if the question names one

Answer with ONLY a JSON object, no prose. Examples:
{"intent": "SQL", "category": "project", "want_count": true}
{"intent": "VECTOR"}
{"intent": "OFF_TOPIC"}

Question: %s

JSON:`

// maxRouterResponseBytes limits the routing response before JSON parsing.
const maxRouterResponseBytes = 2 * 1024

// routerAnswer is the wire shape of the model's routing decision.
type routerAnswer struct {
	Intent     string   `json:"intent"`
	Category   string   `json:"category"`
	Keywords   []string `json:"keywords"`
	WantCount  bool     `json:"want_count"`
	WantLatest bool     `json:"want_latest"`
	Year       int      `json:"year"`
}

// Router decides which retrievers serve a question. Classification is total:
// any model failure or unparseable answer falls back to the configured
// default intent, so a turn is never aborted by routing.
type Router struct {
	llm      LLM
	fallback Intent
	logger   log.Logger
}

// NewRouter creates a Router. fallback is used for ambiguous or failed
// classifications and must be a valid intent.
func NewRouter(llm LLM, fallback Intent, logger log.Logger) *Router {
	if logger == nil {
		logger = log.NewNop()
	}
	if !fallback.Valid() {
		fallback = IntentVector
	}
	return &Router{llm: llm, fallback: fallback, logger: logger}
}

// Classify returns the intent and structured-lookup hints for question.
// The third return reports degradation: the fallback intent was used because
// the model's answer was unusable.
func (r *Router) Classify(ctx context.Context, question string) (Intent, profile.Hints, bool) {
	raw, err := r.llm.Complete(ctx, fmt.Sprintf(routerPrompt, question))
	if err != nil {
		r.logger.Warn("routing failed, using fallback intent", "fallback", r.fallback, "error", err)
		return r.fallback, profile.Hints{}, true
	}

	answer, err := parseRouterAnswer(raw)
	if err != nil {
		r.logger.Warn("unparseable routing answer, using fallback intent",
			"fallback", r.fallback, "error", err)
		return r.fallback, profile.Hints{}, true
	}

	intent := Intent(strings.ToUpper(answer.Intent))
	if !intent.Valid() {
		r.logger.Warn("unknown intent from model, using fallback", "got", answer.Intent)
		return r.fallback, profile.Hints{}, true
	}

	// Hints only matter where structured retrieval runs.
	var hints profile.Hints
	if intent == IntentSQL || intent == IntentVectorSQL {
		hints = profile.Hints{
			Category:   strings.ToLower(answer.Category),
			Keywords:   answer.Keywords,
			WantCount:  answer.WantCount,
			WantLatest: answer.WantLatest,
			Year:       answer.Year,
		}
	}

	r.logger.Debug("classified question", "intent", intent, "hints_empty", hints.Empty())
	return intent, hints, false
}

// parseRouterAnswer extracts the JSON object from the model's response,
// tolerating code fences and surrounding prose.
func parseRouterAnswer(raw string) (routerAnswer, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return routerAnswer{}, fmt.Errorf("empty routing answer")
	}
	if len(text) > maxRouterResponseBytes {
		return routerAnswer{}, fmt.Errorf("routing answer too large: %d bytes", len(text))
	}

	text = stripCodeFences(text)

	// Some models wrap the object in prose; take the outermost braces.
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end <= start {
		// A bare single-token answer like "VECTOR" is also accepted.
		token := strings.ToUpper(strings.Trim(text, " .\"'"))
		if Intent(token).Valid() {
			return routerAnswer{Intent: token}, nil
		}
		return routerAnswer{}, fmt.Errorf("no JSON object in routing answer")
	}

	var answer routerAnswer
	if err := json.Unmarshal([]byte(text[start:end+1]), &answer); err != nil {
		return routerAnswer{}, fmt.Errorf("parsing routing answer: %w", err)
	}
	if len(answer.Keywords) > 5 {
		answer.Keywords = answer.Keywords[:5]
	}
	return answer, nil
}

// stripCodeFences removes ```json ... ``` wrapping from LLM output.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		}
		if idx := strings.LastIndex(s, "```"); idx != -1 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	return s
}
