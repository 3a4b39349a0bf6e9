// Package pipeline orchestrates one chat turn: admission, query
// reformulation, intent routing, retrieval, and grounded streamed generation.
package pipeline

import (
	"fmt"

	"github.com/folio-ai/folio/internal/profile"
)

// Intent is the routing decision for one question. The set is closed;
// consumers switch exhaustively and unknown values never leave the router.
type Intent string

const (
	// IntentSQL routes to structured profile lookups only.
	IntentSQL Intent = "SQL"
	// IntentVector routes to semantic search only.
	IntentVector Intent = "VECTOR"
	// IntentVectorSQL runs both retrievers and merges.
	IntentVectorSQL Intent = "VECTOR_SQL"
	// IntentOffTopic skips retrieval and answers with a redirect.
	IntentOffTopic Intent = "OFF_TOPIC"
)

// Valid reports whether i is a member of the closed intent set.
func (i Intent) Valid() bool {
	switch i {
	case IntentSQL, IntentVector, IntentVectorSQL, IntentOffTopic:
		return true
	}
	return false
}

func (i Intent) String() string { return string(i) }

// Passage provenance values.
const (
	SourceStructured = "structured"
	SourceSemantic   = "semantic"
)

// Passage is one retrieved grounding snippet handed to the generator.
type Passage struct {
	Content string  `json:"content"`
	Score   float32 `json:"score"`
	Source  string  `json:"source"` // structured | semantic
	Ref     string  `json:"ref,omitempty"`
}

// Degradation names a non-fatal quality reduction recorded during one turn.
type Degradation string

const (
	DegradeReformulate      Degradation = "reformulate"
	DegradeRouter           Degradation = "router"
	DegradeStructured       Degradation = "structured"
	DegradeSemantic         Degradation = "semantic"
	DegradeSemanticRerank   Degradation = "semantic-rerank"
	DegradeGenerateFallback Degradation = "generate-fallback"
)

// Metadata is the typed terminal record for one turn. It travels beside the
// text stream, never inside it.
type Metadata struct {
	Intent       Intent           `json:"intent"`
	Question     string           `json:"question"` // post-reformulation
	SourceCount  int              `json:"sourceCount"`
	Degradations []Degradation    `json:"degradations,omitempty"`
	TimingsMS    map[string]int64 `json:"timingsMs,omitempty"`
}

// Degraded reports whether any degradation was recorded.
func (m *Metadata) Degraded() bool { return len(m.Degradations) > 0 }

func (m *Metadata) addDegradation(d Degradation) {
	m.Degradations = append(m.Degradations, d)
}

// Result is the outcome of one completed turn.
type Result struct {
	Answer   string   `json:"answer"`
	Metadata Metadata `json:"metadata"`
}

// StreamCallback receives assistant text fragments as they are generated.
// Returning an error stops the stream and cancels generation.
type StreamCallback func(chunk string) error

// passageFromFact converts a structured fact into a citable passage.
func passageFromFact(fact profile.Fact) Passage {
	content := fact.Title
	if fact.Body != "" {
		content = fmt.Sprintf("%s: %s", fact.Title, fact.Body)
	}
	return Passage{
		Content: content,
		Score:   1, // structured hits are exact
		Source:  SourceStructured,
		Ref:     fact.Category,
	}
}
