package embedding

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Tokenizer produces token IDs for BERT-style models (input_ids, attention_mask, token_type_ids).
type Tokenizer interface {
	Tokenize(text string, maxTokens int) (inputIDs, attentionMask, tokenTypeIDs []int64)
}

// maxWordRunes is the longest word WordPiece will split; longer words become [UNK].
const maxWordRunes = 100

// WordPieceTokenizer is the uncased BERT tokenizer used by MiniLM: lowercase, strip
// accents, split on whitespace and punctuation, then greedy longest-match WordPiece
// against the model's vocab.txt.
type WordPieceTokenizer struct {
	vocab map[string]int64
	unk   int64
	cls   int64
	sep   int64
	pad   int64
}

// LoadWordPieceVocab reads a vocab.txt (one token per line, id = line number).
func LoadWordPieceVocab(path string) (*WordPieceTokenizer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open vocab: %w", err)
	}
	defer f.Close()

	var tokens []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		tokens = append(tokens, strings.TrimRight(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read vocab %s: %w", path, err)
	}
	t, err := NewWordPieceTokenizer(tokens)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// NewWordPieceTokenizer builds a tokenizer from an ordered token list.
func NewWordPieceTokenizer(tokens []string) (*WordPieceTokenizer, error) {
	t := &WordPieceTokenizer{vocab: make(map[string]int64, len(tokens))}
	for i, tok := range tokens {
		if _, dup := t.vocab[tok]; !dup {
			t.vocab[tok] = int64(i)
		}
	}
	for _, special := range []struct {
		token string
		id    *int64
	}{{"[UNK]", &t.unk}, {"[CLS]", &t.cls}, {"[SEP]", &t.sep}, {"[PAD]", &t.pad}} {
		id, ok := t.vocab[special.token]
		if !ok {
			return nil, fmt.Errorf("vocab has no %s token", special.token)
		}
		*special.id = id
	}
	return t, nil
}

// Tokenize returns [CLS] pieces... [SEP] padded to maxTokens. Text past the limit is cut.
func (t *WordPieceTokenizer) Tokenize(text string, maxTokens int) (inputIDs, attentionMask, tokenTypeIDs []int64) {
	if maxTokens <= 0 {
		maxTokens = 256
	}
	if maxTokens < 2 {
		maxTokens = 2
	}
	inputIDs = make([]int64, maxTokens)
	attentionMask = make([]int64, maxTokens)
	tokenTypeIDs = make([]int64, maxTokens)
	for i := range inputIDs {
		inputIDs[i] = t.pad
	}

	inputIDs[0] = t.cls
	attentionMask[0] = 1
	pos := 1
words:
	for _, word := range basicTokens(text) {
		for _, id := range t.wordPieces(word) {
			if pos >= maxTokens-1 {
				break words
			}
			inputIDs[pos] = id
			attentionMask[pos] = 1
			pos++
		}
	}
	inputIDs[pos] = t.sep
	attentionMask[pos] = 1
	return inputIDs, attentionMask, tokenTypeIDs
}

func (t *WordPieceTokenizer) wordPieces(word string) []int64 {
	runes := []rune(word)
	if len(runes) > maxWordRunes {
		return []int64{t.unk}
	}
	var ids []int64
	for start := 0; start < len(runes); {
		end := len(runes)
		found := int64(-1)
		for ; end > start; end-- {
			piece := string(runes[start:end])
			if start > 0 {
				piece = "##" + piece
			}
			if id, ok := t.vocab[piece]; ok {
				found = id
				break
			}
		}
		if found < 0 {
			return []int64{t.unk}
		}
		ids = append(ids, found)
		start = end
	}
	return ids
}

// basicTokens lowercases, strips accents, drops control characters, and splits on
// whitespace. Punctuation and CJK ideographs become tokens of their own.
func basicTokens(text string) []string {
	text = stripAccents(strings.ToLower(text))
	var tokens []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			flush()
		case r == 0 || r == utf8.RuneError || unicode.IsControl(r):
		case isPunctuation(r) || unicode.Is(unicode.Han, r):
			flush()
			tokens = append(tokens, string(r))
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return tokens
}

func stripAccents(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.Is(unicode.Mn, r) {
			return -1
		}
		return r
	}, norm.NFD.String(s))
}

// isPunctuation matches BERT: all non-alphanumeric ASCII symbols plus Unicode P*.
func isPunctuation(r rune) bool {
	if (r >= 33 && r <= 47) || (r >= 58 && r <= 64) || (r >= 91 && r <= 96) || (r >= 123 && r <= 126) {
		return true
	}
	return unicode.IsPunct(r)
}

// NormalizedWords lowercases text and splits it on anything that is not a letter or digit,
// so "Fee," and "fee" produce the same token.
func NormalizedWords(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(words) == 0 {
		return nil
	}
	return words
}
