package pipeline

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hyperjump/policydesk/internal/config"
	"github.com/hyperjump/policydesk/internal/generation"
	"github.com/hyperjump/policydesk/internal/metrics"
	"github.com/hyperjump/policydesk/internal/models"
	"github.com/hyperjump/policydesk/internal/retrieval"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeSearcher struct {
	matches []models.RetrievedMatch
	err     error
	gotK    int
}

func (f *fakeSearcher) Search(_ context.Context, _ string, k int) ([]models.RetrievedMatch, error) {
	f.gotK = k
	if f.err != nil {
		return nil, f.err
	}
	if k < len(f.matches) {
		return f.matches[:k], nil
	}
	return f.matches, nil
}

type fakeIndex struct {
	searcher *fakeSearcher
	err      error
}

func (f *fakeIndex) GetOrLoad(context.Context) (retrieval.Searcher, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.searcher, nil
}

// fakeCompleter answers the combined prompt with answer and anything else with score.
type fakeCompleter struct {
	mu        sync.Mutex
	answer    string
	answerErr error
	score     string
	scoreErr  error
	calls     int
}

func (f *fakeCompleter) Complete(_ context.Context, req generation.CompletionRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if strings.Contains(req.Prompt, "reformulated_query") {
		return f.answer, f.answerErr
	}
	return f.score, f.scoreErr
}

type fakeStore struct {
	mu      sync.Mutex
	records []*models.QueryRecord
	err     error
	ctxErr  error
}

func (f *fakeStore) Append(ctx context.Context, r *models.QueryRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctxErr = ctx.Err()
	if f.err != nil {
		return f.err
	}
	r.ID = int64(len(f.records) + 1)
	f.records = append(f.records, r)
	return nil
}

func (f *fakeStore) Aggregate(context.Context) (*models.AggregateStats, error) {
	return &models.AggregateStats{}, nil
}

func (f *fakeStore) Count(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.records)), nil
}

func (f *fakeStore) Close() error { return nil }

var testPipelineConfig = &config.PipelineConfig{TopK: 3, RetrievalTimeout: time.Second, PersistTimeout: time.Second}

func disputeIndex() *fakeIndex {
	return &fakeIndex{searcher: &fakeSearcher{matches: []models.RetrievedMatch{{
		Rank: 1,
		Chunk: &models.Chunk{
			ID:             "doc_1_abcd1234",
			SourceDocument: "dispute_policy.pdf",
			PageNumber:     4,
			Text:           "Duplicate charges can be disputed; provisional credit within 10 business days.",
		},
	}}}}
}

func newTestPipeline(idx IndexProvider, fc *fakeCompleter, store *fakeStore) *Pipeline {
	gen := generation.NewGenerator(fc, &config.GenerationConfig{AnswerMaxTokens: 500, ScoreMaxTokens: 20})
	return New(idx, gen, store, testPipelineConfig, WithLogger(zap.NewNop()), WithMetrics(metrics.New()))
}

func TestPipeline_EndToEnd(t *testing.T) {
	fc := &fakeCompleter{
		answer: `{"reformulated_query": "duplicate card charge dispute refund", "answer": "File a dispute; provisional credit arrives within 10 business days."}`,
		score:  "88",
	}
	store := &fakeStore{}
	p := newTestPipeline(disputeIndex(), fc, store)

	resp, err := p.Run(context.Background(), &models.QueryRequest{
		Question: "Customer's card was charged twice for one purchase",
		UserName: "agent_7",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Success {
		t.Error("Success should be true")
	}
	if len(resp.Sources) != 1 || resp.Sources[0] != (models.Source{Document: "dispute_policy.pdf", Page: 4}) {
		t.Errorf("sources = %+v", resp.Sources)
	}
	if resp.ConfidenceScore != 88 {
		t.Errorf("confidence = %d, want 88", resp.ConfidenceScore)
	}
	if resp.ResponseTimeMS <= 0 {
		t.Errorf("response time = %d, want > 0", resp.ResponseTimeMS)
	}
	if resp.ReformulatedQuery != "duplicate card charge dispute refund" {
		t.Errorf("reformulated = %q", resp.ReformulatedQuery)
	}

	if len(store.records) != 1 {
		t.Fatalf("persisted %d records, want 1", len(store.records))
	}
	rec := store.records[0]
	if rec.UserName != "agent_7" || rec.PrimarySourceDocument != "dispute_policy.pdf" ||
		rec.ConfidenceScore != 88 || rec.Answer != resp.Answer || rec.ResponseTimeMS != resp.ResponseTimeMS {
		t.Errorf("record = %+v", rec)
	}
}

func TestPipeline_RetrievalFailure(t *testing.T) {
	for name, idx := range map[string]*fakeIndex{
		"index missing": {err: retrieval.ErrIndexNotInitialized},
		"search error":  {searcher: &fakeSearcher{err: errors.New("embedder crashed")}},
	} {
		t.Run(name, func(t *testing.T) {
			fc := &fakeCompleter{answer: "unused", score: "90"}
			store := &fakeStore{}
			resp, err := newTestPipeline(idx, fc, store).Run(context.Background(), &models.QueryRequest{Question: "q", UserName: "u"})
			if resp != nil {
				t.Errorf("response = %+v, want nil", resp)
			}
			var stageErr *StageError
			if !errors.As(err, &stageErr) || stageErr.Kind != KindSearchFailure || stageErr.Stage != StageRetrieving {
				t.Fatalf("error = %v, want search_failure StageError", err)
			}
			if fc.calls != 0 {
				t.Errorf("generation called %d times after retrieval failure", fc.calls)
			}
			if len(store.records) != 0 {
				t.Error("nothing should be persisted after retrieval failure")
			}
		})
	}
}

// transitions returns the "to" field of every logged stage transition.
func transitions(logs *observer.ObservedLogs) []string {
	var stages []string
	for _, entry := range logs.FilterMessage("stage transition").All() {
		stages = append(stages, entry.ContextMap()["to"].(string))
	}
	return stages
}

func TestPipeline_StageTransitions(t *testing.T) {
	tests := []struct {
		name  string
		index *fakeIndex
		want  []string
	}{
		{"answered", disputeIndex(), []string{"retrieving", "generating", "validating", "persisting", "done"}},
		{"retrieval failure", &fakeIndex{err: retrieval.ErrIndexNotInitialized}, []string{"retrieving", "error"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zap.DebugLevel)
			fc := &fakeCompleter{answer: `{"reformulated_query": "q", "answer": "a"}`, score: "80"}
			gen := generation.NewGenerator(fc, &config.GenerationConfig{})
			p := New(tt.index, gen, &fakeStore{}, testPipelineConfig, WithLogger(zap.New(core)))
			_, _ = p.Run(context.Background(), &models.QueryRequest{Question: "q"})

			if got := transitions(logs); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("transitions = %v, want %v", got, tt.want)
			}
		})
	}
	if string(StageFailed) != "error" {
		t.Errorf("StageFailed = %q, want \"error\"", StageFailed)
	}
}

func TestPipeline_IndexNotInitializedIsDetectable(t *testing.T) {
	_, err := newTestPipeline(&fakeIndex{err: retrieval.ErrIndexNotInitialized}, &fakeCompleter{}, &fakeStore{}).
		Run(context.Background(), &models.QueryRequest{Question: "q"})
	if !IsIndexNotInitialized(err) {
		t.Errorf("IsIndexNotInitialized(%v) = false", err)
	}
}

func TestPipeline_GenerationFailure(t *testing.T) {
	fc := &fakeCompleter{answerErr: errors.New("503 from model"), score: "95"}
	store := &fakeStore{}
	question := strings.Repeat("x", 150)
	resp, err := newTestPipeline(disputeIndex(), fc, store).Run(context.Background(), &models.QueryRequest{Question: question, UserName: "u"})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Success || resp.Answer != FallbackAnswer || resp.ConfidenceScore != generation.NeutralConfidence {
		t.Errorf("response = %+v", resp)
	}
	if resp.ReformulatedQuery != strings.Repeat("x", 100) {
		t.Errorf("reformulated should be the question truncated to 100 runes, got %d runes", len(resp.ReformulatedQuery))
	}
	if fc.calls != 1 {
		t.Errorf("scoring should be skipped after generation failure; calls = %d", fc.calls)
	}
	if len(store.records) != 1 || store.records[0].Answer != FallbackAnswer || store.records[0].ConfidenceScore != 50 {
		t.Errorf("persisted = %+v", store.records)
	}
}

func TestPipeline_UnstructuredAnswer(t *testing.T) {
	fc := &fakeCompleter{answer: "The fee is $35.", score: "70"}
	resp, err := newTestPipeline(disputeIndex(), fc, &fakeStore{}).Run(context.Background(), &models.QueryRequest{Question: "What is the fee?"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Answer != "The fee is $35." || resp.ReformulatedQuery != "What is the fee?" || resp.ConfidenceScore != 70 {
		t.Errorf("response = %+v", resp)
	}
}

func TestPipeline_ScoringFailureUsesNeutral(t *testing.T) {
	fc := &fakeCompleter{answer: `{"reformulated_query": "a b c d e", "answer": "ok"}`, scoreErr: errors.New("timeout")}
	resp, err := newTestPipeline(disputeIndex(), fc, &fakeStore{}).Run(context.Background(), &models.QueryRequest{Question: "q"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.ConfidenceScore != 50 {
		t.Errorf("confidence = %d, want 50", resp.ConfidenceScore)
	}
}

func TestPipeline_ConfidenceAlwaysInRange(t *testing.T) {
	for _, score := range []string{"-5", "250", "none", "99999999999999999999"} {
		fc := &fakeCompleter{answer: `{"reformulated_query": "q", "answer": "a"}`, score: score}
		resp, err := newTestPipeline(disputeIndex(), fc, &fakeStore{}).Run(context.Background(), &models.QueryRequest{Question: "q"})
		if err != nil {
			t.Fatal(err)
		}
		if resp.ConfidenceScore < 0 || resp.ConfidenceScore > 100 {
			t.Errorf("score %q gave confidence %d", score, resp.ConfidenceScore)
		}
	}
}

func TestPipeline_NoMatchesRecordsUnknownSource(t *testing.T) {
	idx := &fakeIndex{searcher: &fakeSearcher{}}
	store := &fakeStore{}
	fc := &fakeCompleter{answer: `{"reformulated_query": "q", "answer": "not covered"}`, score: "20"}
	resp, err := newTestPipeline(idx, fc, store).Run(context.Background(), &models.QueryRequest{Question: "q"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Sources == nil || len(resp.Sources) != 0 {
		t.Errorf("sources = %#v, want empty slice", resp.Sources)
	}
	if store.records[0].PrimarySourceDocument != models.UnknownSource {
		t.Errorf("primary source = %q", store.records[0].PrimarySourceDocument)
	}
	if idx.searcher.gotK != 3 {
		t.Errorf("top_k = %d, want 3", idx.searcher.gotK)
	}
}

func TestPipeline_PersistFailureStillAnswers(t *testing.T) {
	fc := &fakeCompleter{answer: `{"reformulated_query": "q", "answer": "a"}`, score: "80"}
	resp, err := newTestPipeline(disputeIndex(), fc, &fakeStore{err: errors.New("disk full")}).Run(context.Background(), &models.QueryRequest{Question: "q"})
	if err != nil || !resp.Success {
		t.Errorf("persist failure should not fail the request: %v", err)
	}
}

func TestPipeline_PersistSurvivesCallerCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := &fakeStore{}
	// Completer cancels the caller's context while answering.
	fc := &cancellingCompleter{cancel: cancel}
	gen := generation.NewGenerator(fc, &config.GenerationConfig{})
	p := New(disputeIndex(), gen, store, testPipelineConfig)

	if _, err := p.Run(ctx, &models.QueryRequest{Question: "q"}); err != nil {
		t.Fatal(err)
	}
	if len(store.records) != 1 {
		t.Fatal("record should be persisted after caller cancellation")
	}
	if store.ctxErr != nil {
		t.Errorf("persist context should not be cancelled: %v", store.ctxErr)
	}
}

type cancellingCompleter struct {
	cancel context.CancelFunc
}

func (c *cancellingCompleter) Complete(context.Context, generation.CompletionRequest) (string, error) {
	c.cancel()
	return `{"reformulated_query": "q", "answer": "a"}`, nil
}

func TestPipeline_EmptyQuestion(t *testing.T) {
	_, err := newTestPipeline(disputeIndex(), &fakeCompleter{}, &fakeStore{}).Run(context.Background(), &models.QueryRequest{Question: "   "})
	if !errors.Is(err, models.ErrEmptyQuestion) {
		t.Errorf("error = %v, want ErrEmptyQuestion", err)
	}
}

func TestElapsedMillis(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want int64
	}{
		{0, 1},
		{time.Microsecond, 1},
		{time.Millisecond, 1},
		{time.Millisecond + time.Nanosecond, 2},
		{1500 * time.Microsecond, 2},
		{2 * time.Second, 2000},
	}
	for _, tt := range tests {
		if got := elapsedMillis(tt.d); got != tt.want {
			t.Errorf("elapsedMillis(%v) = %d, want %d", tt.d, got, tt.want)
		}
	}
}
