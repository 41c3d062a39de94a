package ai

import (
	"context"
	"errors"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/bryanwahyu/armoureye/internal/domain/ai"
	domain "github.com/bryanwahyu/armoureye/internal/domain/scans"
)

// Options for package enrichment.
type Options struct {
	Source           string // label stored on each analysis, e.g. "rag"
	SummarizeWithLLM bool
	MaxPackages      int
	Concurrency      int
	RatePerSecond    float64 // <= 0 disables throttling
}

// Service enriches vulnerable packages through the AI collaborator.
type Service struct {
	client  ai.PackageAnalyzer
	opts    Options
	limiter *rate.Limiter
	log     *zap.Logger
}

func NewService(client ai.PackageAnalyzer, opts Options, log *zap.Logger) *Service {
	if opts.MaxPackages <= 0 {
		opts.MaxPackages = 20
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 2
	}
	if log == nil {
		log = zap.NewNop()
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), 1)
	}
	return &Service{client: client, opts: opts, limiter: limiter, log: log.Named("enrichment")}
}

// Enrich returns one analysis per package, in input order, up to MaxPackages.
// Lookup failures are recorded on the entry; a quota error stops further calls.
func (s *Service) Enrich(ctx context.Context, pkgs []domain.PackageRecord) []domain.PackageAnalysis {
	if len(pkgs) > s.opts.MaxPackages {
		pkgs = pkgs[:s.opts.MaxPackages]
	}
	out := make([]domain.PackageAnalysis, len(pkgs))
	var quota atomic.Bool

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for i, p := range pkgs {
		out[i] = domain.PackageAnalysis{Package: p.Name, Version: p.Version, Status: ai.StatusUnknown, EnrichmentSource: s.opts.Source}
		g.Go(func() error {
			if quota.Load() {
				return nil
			}
			if err := s.limiter.Wait(gctx); err != nil {
				return nil
			}
			res, err := s.client.AnalyzePackage(gctx, p.Name, p.Version, ai.AnalyzeOptions{SummarizeWithLLM: s.opts.SummarizeWithLLM})
			if err != nil {
				if errors.Is(err, ai.ErrQuotaExceeded) {
					quota.Store(true)
				}
				s.log.Warn("package analysis failed", zap.String("package", p.Key()), zap.Error(err))
				return nil
			}
			r := res.StructuredReport
			out[i].Status = r.Status
			out[i].UniqueVulnCount = r.UniqueVulnCount
			out[i].SeveritiesFound = r.SeveritiesFound
			out[i].FoundInDatabase = r.FoundInDatabase
			out[i].RetrievedDocs = r.RetrievedDocsCount
			out[i].LLMSummary = res.LLMSummary
			if out[i].LLMSummary == "" {
				out[i].LLMSummary = r.SummaryText
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// CheckEndpoint reports whether the configured collaborator answers.
func (s *Service) CheckEndpoint(ctx context.Context) ai.EndpointStatus {
	return s.client.CheckEndpoint(ctx)
}
