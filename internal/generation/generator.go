package generation

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/hyperjump/policydesk/internal/config"
	"github.com/hyperjump/policydesk/internal/models"
	"github.com/hyperjump/policydesk/pkg/utils"
)

// NeutralConfidence is used when the model gives no parseable score.
const NeutralConfidence = 50

// Generator builds prompts, calls the Completer and parses what comes back.
type Generator struct {
	completer       Completer
	answerMaxTokens int
	scoreMaxTokens  int
	temperature     float32
	jsonMode        bool
}

// NewGenerator returns a Generator using c with limits from cfg.
func NewGenerator(c Completer, cfg *config.GenerationConfig) *Generator {
	return &Generator{
		completer:       c,
		answerMaxTokens: cfg.AnswerMaxTokens,
		scoreMaxTokens:  cfg.ScoreMaxTokens,
		temperature:     cfg.Temperature,
		jsonMode:        cfg.JSONMode,
	}
}

// ReformulateAndAnswer asks for a search query and an answer in one request.
// A response without a usable JSON object is a Fallback, not an error; errors are
// reserved for failed requests.
func (g *Generator) ReformulateAndAnswer(ctx context.Context, question string, matches []models.RetrievedMatch) (Outcome, error) {
	raw, err := g.completer.Complete(ctx, CompletionRequest{
		Prompt:      buildCombinedPrompt(question, matches),
		MaxTokens:   g.answerMaxTokens,
		Temperature: g.temperature,
		JSON:        g.jsonMode,
	})
	if err != nil {
		return nil, fmt.Errorf("reformulate and answer: %w", err)
	}
	return ParseOutcome(raw), nil
}

// ScoreConfidence asks the model to rate answer against question and returns a score in [0,100].
func (g *Generator) ScoreConfidence(ctx context.Context, question, answer string) (int, error) {
	prompt := fmt.Sprintf(scorePrompt,
		utils.TruncateRunes(question, scoreQuestionLimit),
		utils.TruncateRunes(answer, scoreAnswerLimit))
	raw, err := g.completer.Complete(ctx, CompletionRequest{
		Prompt:      prompt,
		MaxTokens:   g.scoreMaxTokens,
		Temperature: 0,
	})
	if err != nil {
		return 0, fmt.Errorf("score confidence: %w", err)
	}
	return ParseConfidence(raw), nil
}

// ParseConfidence reads the first run of ASCII digits in text as the score.
// No digits gives NeutralConfidence; a run too large for an int gives 100.
func ParseConfidence(text string) int {
	start := -1
	end := len(text)
	for i := 0; i < len(text); i++ {
		isDigit := text[i] >= '0' && text[i] <= '9'
		if start < 0 && isDigit {
			start = i
		} else if start >= 0 && !isDigit {
			end = i
			break
		}
	}
	if start < 0 {
		return NeutralConfidence
	}
	n, err := strconv.Atoi(text[start:end])
	if err != nil {
		n = math.MaxInt
	}
	return models.ClampConfidence(n)
}
