package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/folio-ai/folio/internal/log"
)

// mockLLM implements LLM with function fields for testing.
type mockLLM struct {
	completeFunc func(ctx context.Context, prompt string) (string, error)
	streamFunc   func(ctx context.Context, prompt string, onChunk func(context.Context, string) error) (string, error)
}

func (m *mockLLM) Complete(ctx context.Context, prompt string) (string, error) {
	return m.completeFunc(ctx, prompt)
}

func (m *mockLLM) Stream(ctx context.Context, prompt string, onChunk func(context.Context, string) error) (string, error) {
	return m.streamFunc(ctx, prompt, onChunk)
}

// streamingLLM emits preset chunks and returns their concatenation.
func streamingLLM(chunks ...string) *mockLLM {
	return &mockLLM{
		streamFunc: func(ctx context.Context, _ string, onChunk func(context.Context, string) error) (string, error) {
			var full strings.Builder
			for _, c := range chunks {
				full.WriteString(c)
				if onChunk != nil {
					if err := onChunk(ctx, c); err != nil {
						return "", err
					}
				}
			}
			return full.String(), nil
		},
	}
}

func collectChunks(collected *[]string) StreamCallback {
	return func(chunk string) error {
		*collected = append(*collected, chunk)
		return nil
	}
}

func TestScrubber(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		want   string
	}{
		{
			name:   "clean stream unchanged",
			chunks: []string{"Hello ", "world"},
			want:   "Hello world",
		},
		{
			name:   "token in one chunk drops trailer",
			chunks: []string{"The answer.", "__METADATA__{\"x\":1}", " more"},
			want:   "The answer.",
		},
		{
			name:   "token split across chunks",
			chunks: []string{"Answer text __MET", "ADATA__{\"json\":true}"},
			want:   "Answer text ",
		},
		{
			name:   "token split across three chunks",
			chunks: []string{"Done.__", "METADA", "TA__tail"},
			want:   "Done.",
		},
		{
			name:   "partial prefix that never completes is flushed",
			chunks: []string{"snake__case", "_styling"},
			want:   "snake__case_styling",
		},
		{
			name:   "underscores alone survive",
			chunks: []string{"____", "____"},
			want:   "________",
		},
		{
			name:   "token at stream start yields nothing",
			chunks: []string{"__METADATA__", "everything dropped"},
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got strings.Builder
			s := &scrubber{emit: func(chunk string) error {
				got.WriteString(chunk)
				return nil
			}}
			for _, c := range tt.chunks {
				if err := s.write(c); err != nil {
					t.Fatalf("write(%q) error = %v", c, err)
				}
			}
			if err := s.flush(); err != nil {
				t.Fatalf("flush() error = %v", err)
			}
			if got.String() != tt.want {
				t.Errorf("scrubbed = %q, want %q", got.String(), tt.want)
			}
			if strings.Contains(got.String(), metadataToken) {
				t.Errorf("scrubbed output contains the reserved token")
			}
		})
	}
}

func TestGenerate_StreamsAndScrubs(t *testing.T) {
	llm := streamingLLM("Built with ", "Go.__METADATA__{\"intent\":\"VECTOR\"}")
	gen := NewGenerator(llm, log.NewNop())

	var chunks []string
	answer, degraded, err := gen.Generate(context.Background(), "q", nil, nil, collectChunks(&chunks))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if degraded {
		t.Error("Generate() reported degradation on success")
	}
	if answer != "Built with Go." {
		t.Errorf("answer = %q, want scrubbed text", answer)
	}
	assembled := strings.Join(chunks, "")
	if strings.Contains(assembled, metadataToken) {
		t.Errorf("streamed chunks contain the reserved token: %q", assembled)
	}
	if assembled != "Built with Go." {
		t.Errorf("assembled stream = %q, want %q", assembled, "Built with Go.")
	}
}

func TestGenerate_FallbackOnModelFailure(t *testing.T) {
	llm := &mockLLM{
		streamFunc: func(_ context.Context, _ string, _ func(context.Context, string) error) (string, error) {
			return "", errors.New("model exploded")
		},
	}
	gen := NewGenerator(llm, log.NewNop())

	var chunks []string
	answer, degraded, err := gen.Generate(context.Background(), "q", nil, nil, collectChunks(&chunks))
	if err != nil {
		t.Fatalf("Generate() error = %v, want fallback not error", err)
	}
	if !degraded {
		t.Error("Generate() did not report degradation for fallback")
	}
	if answer != fallbackMessage {
		t.Errorf("answer = %q, want canned fallback", answer)
	}
	if len(chunks) == 0 || chunks[0] != fallbackMessage {
		t.Errorf("chunks = %v, want fallback streamed", chunks)
	}
}

func TestGenerate_CancelPropagates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	llm := &mockLLM{
		streamFunc: func(ctx context.Context, _ string, onChunk func(context.Context, string) error) (string, error) {
			if err := onChunk(ctx, "partial "); err != nil {
				return "", err
			}
			cancel()
			return "", ctx.Err()
		},
	}
	gen := NewGenerator(llm, log.NewNop())

	var chunks []string
	_, _, err := gen.Generate(ctx, "q", nil, nil, collectChunks(&chunks))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Generate() error = %v, want context.Canceled", err)
	}
	// No fallback after cancel: the client is gone.
	for _, c := range chunks {
		if c == fallbackMessage {
			t.Error("fallback streamed after cancellation")
		}
	}
}

func TestGenerate_ClientStreamError(t *testing.T) {
	llm := streamingLLM("some ", "text")
	gen := NewGenerator(llm, log.NewNop())

	clientErr := errors.New("connection closed")
	_, _, err := gen.Generate(context.Background(), "q", nil, nil, func(string) error {
		return clientErr
	})
	if err == nil {
		t.Fatal("Generate() swallowed client stream error")
	}
	if !errors.Is(err, clientErr) {
		t.Errorf("Generate() error = %v, want wrapped client error", err)
	}
}

func TestGenerate_PromptCarriesPassages(t *testing.T) {
	var gotPrompt string
	llm := &mockLLM{
		streamFunc: func(_ context.Context, prompt string, _ func(context.Context, string) error) (string, error) {
			gotPrompt = prompt
			return "answer", nil
		},
	}
	gen := NewGenerator(llm, log.NewNop())

	passages := []Passage{
		{Content: "project count: The profile lists 4 project record(s).", Source: SourceStructured},
		{Content: "Built the Folio chatbot.", Source: SourceSemantic},
	}
	_, _, err := gen.Generate(context.Background(), "how many projects?", passages, nil, func(string) error { return nil })
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if !strings.Contains(gotPrompt, "4 project record(s)") {
		t.Error("prompt missing structured passage")
	}
	if !strings.Contains(gotPrompt, "Folio chatbot") {
		t.Error("prompt missing semantic passage")
	}
	if !strings.Contains(gotPrompt, "how many projects?") {
		t.Error("prompt missing question")
	}
}

func TestRedirect(t *testing.T) {
	gen := NewGenerator(&mockLLM{}, log.NewNop())

	var chunks []string
	answer, err := gen.Redirect(context.Background(), collectChunks(&chunks))
	if err != nil {
		t.Fatalf("Redirect() error = %v", err)
	}
	if answer != offTopicMessage {
		t.Errorf("answer = %q, want canned redirect", answer)
	}
	if len(chunks) != 1 || chunks[0] != offTopicMessage {
		t.Errorf("chunks = %v, want single redirect chunk", chunks)
	}
}

func TestRedirect_CancelledContextWritesNothing(t *testing.T) {
	gen := NewGenerator(&mockLLM{}, log.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var chunks []string
	_, err := gen.Redirect(ctx, collectChunks(&chunks))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Redirect() error = %v, want context.Canceled", err)
	}
	if len(chunks) != 0 {
		t.Errorf("chunks = %v, want none after cancel", chunks)
	}
}
