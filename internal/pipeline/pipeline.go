// Package pipeline runs one question through retrieval, generation, confidence
// scoring and persistence.
//
// Only retrieval can fail a request. Every later stage substitutes a default value
// when its external call fails, so a request that got past retrieval always
// produces an answer and exactly one persisted record.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hyperjump/policydesk/internal/config"
	"github.com/hyperjump/policydesk/internal/generation"
	"github.com/hyperjump/policydesk/internal/metrics"
	"github.com/hyperjump/policydesk/internal/models"
	"github.com/hyperjump/policydesk/internal/retrieval"
	"github.com/hyperjump/policydesk/internal/storage"
	"github.com/hyperjump/policydesk/pkg/utils"
	"go.uber.org/zap"
)

// FallbackAnswer is returned when the answer could not be generated.
const FallbackAnswer = "I'm sorry, I wasn't able to generate an answer right now. Please review the source documents listed below or try again in a moment."

// reformulatedLimit bounds the question text used as the reformulated query on fallback.
const reformulatedLimit = 100

// IndexProvider hands out the loaded index.
type IndexProvider interface {
	GetOrLoad(ctx context.Context) (retrieval.Searcher, error)
}

// AnswerGenerator produces answers and confidence scores.
type AnswerGenerator interface {
	ReformulateAndAnswer(ctx context.Context, question string, matches []models.RetrievedMatch) (generation.Outcome, error)
	ScoreConfidence(ctx context.Context, question, answer string) (int, error)
}

// Pipeline answers questions. It is safe for concurrent use.
type Pipeline struct {
	index            IndexProvider
	generator        AnswerGenerator
	store            storage.AnalyticsStore
	topK             int
	retrievalTimeout time.Duration
	persistTimeout   time.Duration
	logger           *zap.Logger
	metrics          *metrics.Metrics
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the pipeline logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithMetrics records stage timings and outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// New creates a pipeline.
func New(index IndexProvider, gen AnswerGenerator, store storage.AnalyticsStore, cfg *config.PipelineConfig, opts ...Option) *Pipeline {
	p := &Pipeline{
		index:            index,
		generator:        gen,
		store:            store,
		topK:             cfg.TopK,
		retrievalTimeout: cfg.RetrievalTimeout,
		persistTimeout:   cfg.PersistTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.topK <= 0 {
		p.topK = 3
	}
	if p.persistTimeout <= 0 {
		p.persistTimeout = 5 * time.Second
	}
	p.logger = utils.NopIfNil(p.logger)
	return p
}

// Run answers req. The returned error is either models.ErrEmptyQuestion or a
// *StageError from the retrieval stage.
func (p *Pipeline) Run(ctx context.Context, req *models.QueryRequest) (*models.QueryResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	r := p.newRun()
	r.logger.Debug("query received", zap.String("user", req.UserName))

	// RETRIEVING
	r.enter(StageRetrieving)
	matches, err := p.retrieve(ctx, req.Question)
	if err != nil {
		r.enter(StageFailed)
		p.metrics.QueryFinished(metrics.OutcomeSearchFailure, 0)
		r.logger.Warn("retrieval failed", zap.Error(err))
		return nil, &StageError{Stage: StageRetrieving, Kind: KindSearchFailure, Err: err}
	}

	// GENERATING
	r.enter(StageGenerating)
	degraded := false
	reformulated, answer, generated := p.generate(ctx, r, req.Question, matches)
	if !generated {
		degraded = true
	}

	// VALIDATING
	confidence := generation.NeutralConfidence
	if generated {
		r.enter(StageValidating)
		score, err := p.generator.ScoreConfidence(ctx, req.Question, answer)
		if err != nil {
			degraded = true
			p.metrics.StageFallback(string(StageValidating))
			r.logger.Warn("confidence scoring failed, using neutral score", zap.Error(err))
		} else {
			confidence = score
		}
	}
	confidence = models.ClampConfidence(confidence)

	// The persisted record carries this value, so the write itself is not included.
	elapsedMS := elapsedMillis(time.Since(r.start))
	sources := make([]models.Source, 0, len(matches))
	for _, m := range matches {
		sources = append(sources, m.Chunk.Source())
	}
	primary := models.UnknownSource
	if len(sources) > 0 {
		primary = sources[0].Document
	}

	// PERSISTING
	r.enter(StagePersisting)
	p.persist(ctx, r, &models.QueryRecord{
		UserName:              req.UserName,
		OriginalQuestion:      req.Question,
		ReformulatedQuery:     reformulated,
		Answer:                answer,
		ConfidenceScore:       confidence,
		PrimarySourceDocument: primary,
		ResponseTimeMS:        elapsedMS,
	})

	// DONE
	r.enter(StageDone)
	outcome := metrics.OutcomeAnswered
	if degraded {
		outcome = metrics.OutcomeDegraded
	}
	p.metrics.QueryFinished(outcome, confidence)
	r.logger.Info("query answered",
		zap.String("user", req.UserName),
		zap.Int("confidence", confidence),
		zap.Int("sources", len(sources)),
		zap.Bool("degraded", degraded),
		zap.Int64("response_time_ms", elapsedMS))

	return &models.QueryResponse{
		Success:           true,
		OriginalQuestion:  req.Question,
		ReformulatedQuery: reformulated,
		Answer:            answer,
		ConfidenceScore:   confidence,
		Sources:           sources,
		ResponseTimeMS:    elapsedMS,
	}, nil
}

func (p *Pipeline) retrieve(ctx context.Context, question string) ([]models.RetrievedMatch, error) {
	if p.retrievalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.retrievalTimeout)
		defer cancel()
	}
	searcher, err := p.index.GetOrLoad(ctx)
	if err != nil {
		return nil, err
	}
	return searcher.Search(ctx, question, p.topK)
}

// generate returns the reformulated query and answer, and whether they came from the model.
func (p *Pipeline) generate(ctx context.Context, r *run, question string, matches []models.RetrievedMatch) (string, string, bool) {
	fallbackQuery := utils.TruncateRunes(question, reformulatedLimit)
	outcome, err := p.generator.ReformulateAndAnswer(ctx, question, matches)
	if err != nil {
		p.metrics.StageFallback(string(StageGenerating))
		r.logger.Warn("generation failed, using fallback answer", zap.Error(err))
		return fallbackQuery, FallbackAnswer, false
	}
	switch o := outcome.(type) {
	case generation.Structured:
		return o.ReformulatedQuery, o.Answer, true
	case generation.Fallback:
		p.metrics.StageFallback(string(StageGenerating))
		r.logger.Debug("model response was not structured, using raw text")
		return fallbackQuery, o.AnswerText, true
	default:
		p.metrics.StageFallback(string(StageGenerating))
		r.logger.Error("unknown generation outcome", zap.String("type", fmt.Sprintf("%T", outcome)))
		return fallbackQuery, FallbackAnswer, false
	}
}

// persist writes the record on a context detached from the caller, so a client that
// disconnects after the answer was computed still gets its interaction logged.
func (p *Pipeline) persist(ctx context.Context, r *run, record *models.QueryRecord) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.persistTimeout)
	defer cancel()
	if err := p.store.Append(ctx, record); err != nil {
		p.metrics.StageFallback(string(StagePersisting))
		r.logger.Error("failed to persist query record", zap.Error(err))
		return
	}
	r.logger.Debug("query record persisted", zap.Int64("id", record.ID))
}

// elapsedMillis rounds d up to whole milliseconds, never below 1.
func elapsedMillis(d time.Duration) int64 {
	ms := int64((d + time.Millisecond - 1) / time.Millisecond)
	if ms < 1 {
		return 1
	}
	return ms
}

// run tracks one request through the stages.
type run struct {
	logger     *zap.Logger
	metrics    *metrics.Metrics
	start      time.Time
	stage      Stage
	stageStart time.Time
}

func (p *Pipeline) newRun() *run {
	now := time.Now()
	return &run{
		logger:     p.logger.With(zap.String("trace_id", uuid.New().String())),
		metrics:    p.metrics,
		start:      now,
		stageStart: now,
	}
}

// enter records the time spent in the current stage and moves to next.
func (r *run) enter(next Stage) {
	now := time.Now()
	if r.stage != "" {
		r.metrics.ObserveStage(string(r.stage), now.Sub(r.stageStart))
	}
	r.logger.Debug("stage transition", zap.String("from", string(r.stage)), zap.String("to", string(next)))
	r.stage = next
	r.stageStart = now
}

// IsIndexNotInitialized reports whether err means no index has been built.
func IsIndexNotInitialized(err error) bool {
	return errors.Is(err, retrieval.ErrIndexNotInitialized)
}
