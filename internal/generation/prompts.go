package generation

import (
	"fmt"
	"strings"

	"github.com/hyperjump/policydesk/internal/models"
)

const noContext = "(no matching policy excerpts were found)"

const combinedPrompt = `You are a banking customer service assistant. A customer service representative needs help with a customer's question.

Representative's question:
"%s"

Retrieved policy excerpts:
%s

Do two things:
1. Rewrite the question as an optimized knowledge base search query of 5-15 words that names the customer's actual problem and the relevant banking policies.
2. Answer the question in 2-4 sentences using only the excerpts above, so the representative can help the customer. Include specific details like fees, timelines, and phone numbers when available. If the excerpts do not cover the question, say so.

Respond with ONLY a JSON object, no other text:
{"reformulated_query": "<search query>", "answer": "<answer>"}`

const scorePrompt = `You are a quality assurance agent evaluating customer service answers.

Original Question: %s

Answer Provided:
%s

Evaluate this answer for accuracy, relevance to the question, and completeness.

Respond with ONLY a confidence score from 0-100 (just the number).

Examples:
- Perfect answer with all details: 95
- Good answer, minor details missing: 80
- Acceptable but vague: 65
- Partially relevant: 40
- Wrong or off-topic: 15

Confidence score:`

// Truncation limits for the scoring prompt, in runes.
const (
	scoreQuestionLimit = 300
	scoreAnswerLimit   = 1000
)

// BuildContext formats matches as the excerpt block of the combined prompt.
func BuildContext(matches []models.RetrievedMatch) string {
	if len(matches) == 0 {
		return noContext
	}
	parts := make([]string, 0, len(matches))
	for _, m := range matches {
		parts = append(parts, fmt.Sprintf("Source: %s (Page %d)\n%s",
			m.Chunk.SourceDocument, m.Chunk.PageNumber, m.Chunk.Text))
	}
	return strings.Join(parts, "\n\n")
}

func buildCombinedPrompt(question string, matches []models.RetrievedMatch) string {
	return fmt.Sprintf(combinedPrompt, question, BuildContext(matches))
}
