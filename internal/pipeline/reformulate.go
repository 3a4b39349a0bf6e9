package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/folio-ai/folio/internal/log"
	"github.com/folio-ai/folio/internal/session"
)

// reformulatePrompt rewrites a follow-up message into a standalone question.
// The contract forbids inventing content the user did not imply.
const reformulatePrompt = `You rewrite chat messages into standalone questions.

Given the conversation so far and the user's latest message, rewrite the
message so it can be understood without the conversation. Resolve pronouns
and references ("it", "that project", "there") using the conversation.

Rules:
- Output ONLY the rewritten question, nothing else
- Keep the user's language and tone
- Do NOT add information the user did not ask about
- If the message is already standalone, return it unchanged

Conversation:
%s

Latest message: %s

Rewritten question:`

// maxReformulateBytes caps how large a rewrite is accepted; anything bigger
// is treated as a runaway response and discarded.
const maxReformulateBytes = 2 * 1024

// Reformulator rewrites follow-up messages into standalone questions so the
// retrievers see full context.
type Reformulator struct {
	llm    LLM
	logger log.Logger
}

// NewReformulator creates a Reformulator.
func NewReformulator(llm LLM, logger log.Logger) *Reformulator {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Reformulator{llm: llm, logger: logger}
}

// Reformulate returns the standalone form of message. The second return
// reports degradation: the model was needed but could not be used, and the
// original message was passed through instead.
//
// An empty history short-circuits to identity without any model call; the
// first message of a conversation cannot contain references to resolve.
func (r *Reformulator) Reformulate(ctx context.Context, history []session.Turn, message string) (string, bool) {
	if len(history) == 0 {
		return message, false
	}

	prompt := fmt.Sprintf(reformulatePrompt, formatHistory(history), message)
	rewritten, err := r.llm.Complete(ctx, prompt)
	if err != nil {
		r.logger.Warn("reformulation failed, passing message through", "error", err)
		return message, true
	}

	rewritten = strings.TrimSpace(rewritten)
	if rewritten == "" || len(rewritten) > maxReformulateBytes {
		r.logger.Warn("discarding unusable reformulation", "length", len(rewritten))
		return message, true
	}

	r.logger.Debug("reformulated message", "original_length", len(message), "rewritten_length", len(rewritten))
	return rewritten, false
}

// formatHistory renders turns for prompt inclusion, newest last.
func formatHistory(history []session.Turn) string {
	var sb strings.Builder
	for _, turn := range history {
		switch turn.Role {
		case session.RoleUser:
			sb.WriteString("User: ")
		case session.RoleAssistant:
			sb.WriteString("Assistant: ")
		default:
			continue
		}
		sb.WriteString(turn.Content)
		sb.WriteByte('\n')
	}
	return strings.TrimRight(sb.String(), "\n")
}
