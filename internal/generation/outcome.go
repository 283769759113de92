package generation

import (
	"encoding/json"
	"strings"
)

// Outcome is the parsed result of the combined request: either Structured or Fallback.
type Outcome interface {
	outcome()
}

// Structured is a well-formed response carrying both fields.
type Structured struct {
	ReformulatedQuery string
	Answer            string
}

// Fallback carries the raw model text when no usable JSON object was found.
type Fallback struct {
	AnswerText string
}

func (Structured) outcome() {}
func (Fallback) outcome()   {}

type combinedResponse struct {
	ReformulatedQuery *string `json:"reformulated_query"`
	Answer            *string `json:"answer"`
}

// ParseOutcome extracts the first balanced JSON object from raw and decodes it.
// Anything short of an object with two non-blank string fields yields Fallback.
func ParseOutcome(raw string) Outcome {
	fallback := Fallback{AnswerText: raw}
	span, ok := firstObject(raw)
	if !ok {
		return fallback
	}
	var resp combinedResponse
	if err := json.Unmarshal([]byte(span), &resp); err != nil {
		return fallback
	}
	if resp.ReformulatedQuery == nil || resp.Answer == nil {
		return fallback
	}
	query := strings.TrimSpace(*resp.ReformulatedQuery)
	answer := strings.TrimSpace(*resp.Answer)
	if query == "" || answer == "" {
		return fallback
	}
	return Structured{ReformulatedQuery: query, Answer: answer}
}

// firstObject returns the first balanced {...} span in s. Braces inside JSON
// strings, including escaped quotes, do not count.
func firstObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
