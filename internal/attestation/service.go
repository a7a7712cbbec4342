package attestation

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/enterprise/attestation-trust-engine/internal/baseline"
)

// ServiceConfig wires a Service.
type ServiceConfig struct {
	Evaluator  Evaluator
	Cache      *ResultCache
	Assertions AssertionService
	Metrics    *Metrics
	Logger     *logrus.Logger
}

// Service represents the main attestation service
type Service struct {
	evaluator  Evaluator
	cache      *ResultCache
	assertions AssertionService
	metrics    *Metrics
	logger     *logrus.Logger
	tracer     trace.Tracer
}

// NewService creates a new attestation service
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Evaluator == nil {
		return nil, fmt.Errorf("attestation service requires an evaluator")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Cache == nil {
		cfg.Cache = NewResultCache(ResultCacheConfig{Metrics: cfg.Metrics, Logger: cfg.Logger})
	}
	return &Service{
		evaluator:  cfg.Evaluator,
		cache:      cfg.Cache,
		assertions: cfg.Assertions,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		tracer:     otel.Tracer("attestation-service"),
	}, nil
}

// Evaluate attests hostID now and replaces its cache entry.
func (s *Service) Evaluate(ctx context.Context, hostID string) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "evaluate")
	defer span.End()
	span.SetAttributes(attribute.String("host.id", hostID))

	return s.evaluate(ctx, span, hostID)
}

// EvaluateWithCache serves a fresh cached decision when one exists. With
// forceRefresh the cache read is skipped, but the new decision is still
// written.
func (s *Service) EvaluateWithCache(ctx context.Context, hostID string, forceRefresh bool) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "evaluate_with_cache")
	defer span.End()
	span.SetAttributes(
		attribute.String("host.id", hostID),
		attribute.Bool("force_refresh", forceRefresh),
	)

	if !forceRefresh {
		if d, ok := s.cache.Get(ctx, hostID); ok {
			span.SetAttributes(attribute.Bool("cache.hit", true))
			s.logger.WithFields(logrus.Fields{
				"host_id":      hostID,
				"evaluated_at": d.EvaluatedAt,
			}).Debug("Serving cached trust decision")
			return &Result{Decision: d, Cached: true}, nil
		}
	}
	span.SetAttributes(attribute.Bool("cache.hit", false))

	return s.evaluate(ctx, span, hostID)
}

func (s *Service) evaluate(ctx context.Context, span trace.Span, hostID string) (*Result, error) {
	start := time.Now()
	eval, err := s.evaluator.Evaluate(ctx, hostID)
	if err != nil {
		kind := baseline.Classify(err)
		s.metrics.failure(kind.String())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.WithError(err).WithFields(logrus.Fields{
			"host_id": hostID,
			"kind":    kind.String(),
		}).Error("Host evaluation failed")
		return nil, err
	}
	s.metrics.evaluation(eval.Trusted, time.Since(start))

	d := NewCachedDecision(eval)
	if err := s.cache.Put(ctx, d); err != nil {
		s.logger.WithError(err).WithField("host_id", hostID).Warn("Failed to cache trust decision")
	}

	span.SetAttributes(attribute.Bool("trust.overall", eval.Trusted))
	s.logger.WithFields(logrus.Fields{
		"host_id":  hostID,
		"trusted":  eval.Trusted,
		"bios":     d.BIOS,
		"vmm":      d.VMM,
		"remapped": d.Remapped,
	}).Info("Host evaluated")

	return &Result{Decision: d, Evaluation: eval}, nil
}

// MatchNewHost assigns baselines to a newly registered host and drops any
// cached decision for it.
func (s *Service) MatchNewHost(ctx context.Context, req *baseline.MatchRequest) (*baseline.Assignment, error) {
	a, err := s.evaluator.MatchNewHost(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Invalidate(ctx, a.HostID); err != nil {
		s.logger.WithError(err).WithField("host_id", a.HostID).Warn("Failed to invalidate cached decision")
	}
	return a, nil
}

// CheckBaseline reports, without writing anything, whether baselines exist
// that match the measurements in req.
func (s *Service) CheckBaseline(ctx context.Context, req *baseline.MatchRequest) (*baseline.MatchSummary, error) {
	return s.evaluator.CheckBaselineExistsForHost(ctx, req)
}

// Assert evaluates hostID and issues an assertion for the fresh report.
// Assertions are never built from cached decisions.
func (s *Service) Assert(ctx context.Context, hostID string) (*Assertion, error) {
	if s.assertions == nil {
		return nil, ErrAssertionUnavailable
	}
	res, err := s.Evaluate(ctx, hostID)
	if err != nil {
		return nil, err
	}

	eval := res.Evaluation
	tag := eval.Report.Snapshot.AssetTagCertificate()
	blob, expires, err := s.assertions.GenerateAssertion(ctx, eval.Report, tag)
	if err != nil {
		return nil, fmt.Errorf("failed to generate assertion for host %s: %w", hostID, err)
	}
	return &Assertion{HostID: hostID, Blob: blob, Expires: expires}, nil
}

// Cache returns the result cache.
func (s *Service) Cache() *ResultCache {
	return s.cache
}
