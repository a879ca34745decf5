package extract

import (
	"context"

	"go.uber.org/zap"

	"github.com/eventpulse/harvester/internal/metrics"
	"github.com/eventpulse/harvester/internal/pipeline"
)

// Service is the pipeline-facing extractor: it prefers the
// model-backed path and falls back to the rules extractor when the
// model is unavailable or returns unusable output.
type Service struct {
	ai     pipeline.Extractor
	rules  pipeline.Extractor
	logger *zap.Logger
}

// NewService constructs a Service. ai may be nil, in which case every
// extraction uses the rules path.
func NewService(ai, rules pipeline.Extractor, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{ai: ai, rules: rules, logger: logger}
}

// Extract runs the model-backed extractor and falls back to rules on
// any failure. The fallback result carries its own lower confidence.
func (s *Service) Extract(ctx context.Context, markup []byte, baseURL string, hints pipeline.ExtractionHints) (pipeline.Extraction, error) {
	if s.ai != nil {
		extraction, err := s.ai.Extract(ctx, markup, baseURL, hints)
		if err == nil {
			metrics.ObserveLLMRequest("extractor", "ok")
			return extraction, nil
		}
		metrics.ObserveLLMRequest("extractor", "error")
		s.logger.Warn("model extraction failed, using rules fallback",
			zap.String("url", baseURL),
			zap.Error(err),
		)
	}
	return s.rules.Extract(ctx, markup, baseURL, hints)
}
