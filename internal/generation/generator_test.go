package generation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/hyperjump/policydesk/internal/config"
	"github.com/hyperjump/policydesk/internal/models"
)

// fakeCompleter returns canned responses in order and records requests.
type fakeCompleter struct {
	responses []string
	err       error
	requests  []CompletionRequest
}

func (f *fakeCompleter) Complete(_ context.Context, req CompletionRequest) (string, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return "", f.err
	}
	if len(f.responses) == 0 {
		return "", ErrEmptyCompletion
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return resp, nil
}

var testGenConfig = &config.GenerationConfig{AnswerMaxTokens: 500, ScoreMaxTokens: 20, Temperature: 0.2, JSONMode: true}

func disputeMatches() []models.RetrievedMatch {
	return []models.RetrievedMatch{
		{Rank: 1, Chunk: &models.Chunk{SourceDocument: "dispute_policy.pdf", PageNumber: 4, Text: "Disputes must be filed within 60 days."}},
		{Rank: 2, Chunk: &models.Chunk{SourceDocument: "fee_schedule.pdf", PageNumber: 1, Text: "Overdraft fee: $35."}},
	}
}

func TestGenerator_ReformulateAndAnswer(t *testing.T) {
	fc := &fakeCompleter{responses: []string{`{"reformulated_query": "card dispute deadline", "answer": "Within 60 days."}`}}
	g := NewGenerator(fc, testGenConfig)

	out, err := g.ReformulateAndAnswer(context.Background(), "How long to dispute a charge?", disputeMatches())
	if err != nil {
		t.Fatal(err)
	}
	s, ok := out.(Structured)
	if !ok || s.Answer != "Within 60 days." {
		t.Fatalf("outcome = %#v", out)
	}
	req := fc.requests[0]
	if req.MaxTokens != 500 || !req.JSON {
		t.Errorf("request = %+v", req)
	}
	for _, want := range []string{
		"How long to dispute a charge?",
		"Source: dispute_policy.pdf (Page 4)\nDisputes must be filed within 60 days.\n\nSource: fee_schedule.pdf (Page 1)",
		"5-15 words",
		"fees, timelines, and phone numbers",
	} {
		if !strings.Contains(req.Prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestGenerator_ReformulateAndAnswerError(t *testing.T) {
	boom := errors.New("boom")
	g := NewGenerator(&fakeCompleter{err: boom}, testGenConfig)
	if _, err := g.ReformulateAndAnswer(context.Background(), "q", nil); !errors.Is(err, boom) {
		t.Errorf("error = %v, want boom", err)
	}
}

func TestBuildContext_NoMatches(t *testing.T) {
	if got := BuildContext(nil); got != noContext {
		t.Errorf("BuildContext(nil) = %q", got)
	}
}

func TestGenerator_ScoreConfidence(t *testing.T) {
	fc := &fakeCompleter{responses: []string{"Confidence: 85/100"}}
	g := NewGenerator(fc, testGenConfig)
	longQuestion := strings.Repeat("é", 400)
	longAnswer := strings.Repeat("a", 1500)

	score, err := g.ScoreConfidence(context.Background(), longQuestion, longAnswer)
	if err != nil {
		t.Fatal(err)
	}
	if score != 85 {
		t.Errorf("score = %d, want 85", score)
	}
	req := fc.requests[0]
	if req.MaxTokens != 20 || req.JSON {
		t.Errorf("request = %+v", req)
	}
	if strings.Contains(req.Prompt, strings.Repeat("é", 301)) || !strings.Contains(req.Prompt, strings.Repeat("é", 300)) {
		t.Error("question should be truncated to 300 runes")
	}
	if strings.Contains(req.Prompt, strings.Repeat("a", 1001)) {
		t.Error("answer should be truncated to 1000 runes")
	}
	if !utf8.ValidString(req.Prompt) {
		t.Error("prompt should stay valid UTF-8")
	}
}

func TestGenerator_ScoreConfidenceError(t *testing.T) {
	g := NewGenerator(&fakeCompleter{err: errors.New("timeout")}, testGenConfig)
	if _, err := g.ScoreConfidence(context.Background(), "q", "a"); err == nil {
		t.Error("expected error")
	}
}

func TestParseConfidence(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"85", 85},
		{"  92\n", 92},
		{"Score: 70 out of 100", 70},
		{"no number here", NeutralConfidence},
		{"", NeutralConfidence},
		{"-20", 20},
		{"150", 100},
		{"0", 0},
		{"99999999999999999999999", 100},
		{"7.5", 7},
	}
	for _, tt := range tests {
		got := ParseConfidence(tt.text)
		if got != tt.want {
			t.Errorf("ParseConfidence(%q) = %d, want %d", tt.text, got, tt.want)
		}
		if got < 0 || got > 100 {
			t.Errorf("ParseConfidence(%q) = %d out of range", tt.text, got)
		}
	}
}
