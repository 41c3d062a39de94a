package scans

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/bryanwahyu/armoureye/internal/domain/decision"
	"github.com/bryanwahyu/armoureye/internal/domain/report"
	"github.com/bryanwahyu/armoureye/internal/domain/scanerrors"
	domain "github.com/bryanwahyu/armoureye/internal/domain/scans"
)

// Progress checkpoints.
const (
	progressAnalysis  = 30
	progressImageOnly = 40
	progressRecon     = 60
	progressTools     = 90
	progressDone      = 100
)

// transitions lists the legal successors of each phase.
var transitions = map[domain.Phase][]domain.Phase{
	domain.PhaseQueued:                {domain.PhaseAnalysis},
	domain.PhaseAnalysis:              {domain.PhaseReconnaissance, domain.PhaseVulnerabilityScanning},
	domain.PhaseReconnaissance:        {domain.PhaseVulnerabilityScanning},
	domain.PhaseVulnerabilityScanning: {domain.PhaseFinalizing},
	domain.PhaseFinalizing:            {domain.PhaseDone},
}

func allowed(from, to domain.Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// stateFn runs one phase and names the next.
type stateFn func(s *Service, ctx context.Context, r *run) (domain.Phase, error)

var states = map[domain.Phase]stateFn{
	domain.PhaseAnalysis:              (*Service).analysis,
	domain.PhaseReconnaissance:        (*Service).reconnaissance,
	domain.PhaseVulnerabilityScanning: (*Service).vulnerabilityScanning,
	domain.PhaseFinalizing:            (*Service).finalizing,
}

// drive is the job goroutine: one loop over the state functions.
func (s *Service) drive(r *run) {
	defer s.wg.Done()
	defer close(r.done)
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("scan panicked", zap.String("scan_id", string(r.id)), zap.Any("panic", p), zap.ByteString("stack", debug.Stack()))
			s.fail(r, fmt.Sprintf("internal error: %v", p))
		}
	}()

	r.awaitPrev()

	ctx := s.ctx
	phase := domain.PhaseAnalysis
	if err := r.advance(phase); err != nil {
		s.fail(r, err.Error())
		return
	}
	for phase != domain.PhaseDone {
		fn, ok := states[phase]
		if !ok {
			s.fail(r, fmt.Sprintf("no handler for phase %s", phase))
			return
		}
		next, err := fn(s, ctx, r)
		if r.isDetached() {
			return
		}
		if ctx.Err() != nil {
			s.fail(r, "orchestrator shutting down")
			return
		}
		if err != nil {
			s.fail(r, err.Error())
			return
		}
		if err := r.advance(next); err != nil {
			s.fail(r, err.Error())
			return
		}
		phase = next
	}

	status := domain.StatusCompleted
	if r.failed(domain.ToolTrivy) || (r.reconRan && r.failed(domain.ToolNmap)) {
		status = domain.StatusCompletedWithErrors
	}
	if !r.terminate(status, "", s.deps.Clock.Now()) {
		return
	}
	level := domain.LogSuccess
	if status == domain.StatusCompletedWithErrors {
		level = domain.LogWarn
	}
	s.emit(r, level, "orchestrator", fmt.Sprintf("scan %s", status))
	s.retire(context.Background(), r)
}

func (s *Service) fail(r *run, msg string) {
	if !r.terminate(domain.StatusFailed, msg, s.deps.Clock.Now()) {
		return
	}
	s.emit(r, domain.LogError, "orchestrator", "scan failed: "+msg)
	s.retire(context.Background(), r)
}

func (s *Service) analysis(_ context.Context, r *run) (domain.Phase, error) {
	t := r.target()
	r.services = decision.MetadataServices(t.Metadata.Ports)
	r.plan = decision.Decide(decision.Input{Services: r.services, Profile: r.profile()})
	c := r.plan.Classification
	s.emit(r, domain.LogInfo, "decision", fmt.Sprintf("classified services: web=%v database=%v ssh=%v other=%v",
		decision.Ports(c.Web), decision.Ports(c.Database), decision.Ports(c.SSH), decision.Ports(c.Other)))
	s.emit(r, domain.LogInfo, "decision", "initial plan: "+planSummary(r.plan))
	r.setProgress(progressAnalysis)

	if !t.HasAddress() {
		s.emit(r, domain.LogWarn, "orchestrator", "target has no address, image-only mode: runtime scanners skipped")
		r.setProgress(progressImageOnly)
		return domain.PhaseVulnerabilityScanning, nil
	}
	return domain.PhaseReconnaissance, nil
}

func (s *Service) reconnaissance(ctx context.Context, r *run) (domain.Phase, error) {
	r.reconRan = true
	res := s.runTool(ctx, r, domain.ToolNmap)
	if len(res.Services) > 0 {
		r.services = res.Services
	} else {
		s.emit(r, domain.LogWarn, string(domain.ToolNmap), "no services discovered, keeping declared ports")
	}
	r.plan = decision.Decide(decision.Input{Services: r.services, Profile: r.profile()})
	s.emit(r, domain.LogInfo, "decision", "plan after recon: "+planSummary(r.plan))
	r.setProgress(progressRecon)
	return domain.PhaseVulnerabilityScanning, nil
}

// vulnerabilityScanning runs trivy, docker-scout only if trivy failed, then
// the remaining planned tools one at a time.
func (s *Service) vulnerabilityScanning(ctx context.Context, r *run) (domain.Phase, error) {
	queue := []domain.Tool{domain.ToolTrivy}
	if !r.target().HasAddress() {
		s.emit(r, domain.LogInfo, "orchestrator", "image-only mode: skipping network tools")
	} else {
		for _, tool := range r.plan.Tools() {
			if tool != domain.ToolNmap {
				queue = append(queue, tool)
			}
		}
	}

	start := r.progress()
	for i := 0; i < len(queue); i++ {
		if r.isDetached() {
			return domain.PhaseFinalizing, nil
		}
		tool := queue[i]
		res := s.runTool(ctx, r, tool)
		if tool == domain.ToolTrivy && !res.Success {
			s.emit(r, domain.LogWarn, "orchestrator", "image scan failed, falling back to docker scout")
			queue = append(queue[:i+1], append([]domain.Tool{domain.ToolScout}, queue[i+1:]...)...)
		}
		r.setProgress(start + (progressTools-start)*(i+1)/len(queue))
	}
	return domain.PhaseFinalizing, nil
}

func (s *Service) finalizing(ctx context.Context, r *run) (domain.Phase, error) {
	rep := report.Aggregate(r.results, s.deps.Clock.Now())
	if s.deps.Enricher != nil {
		if pkgs := report.VulnerablePackages(rep); len(pkgs) > 0 {
			s.emit(r, domain.LogInfo, "enrichment", fmt.Sprintf("enriching %d vulnerable packages", len(pkgs)))
			rep.Enrichment = s.deps.Enricher.Enrich(ctx, pkgs)
		}
	}
	r.setReport(&rep)
	s.emit(r, domain.LogInfo, "aggregator", fmt.Sprintf("risk score %d (%s): %d findings, %d packages",
		rep.RiskScore, rep.RiskLevel, rep.Counts.Total, len(rep.Packages)))

	if s.deps.Archive != nil {
		if err := s.deps.Archive.Save(ctx, r.snapshot()); err != nil {
			s.emit(r, domain.LogWarn, "archive", "report archive failed: "+err.Error())
		}
	}
	r.setProgress(progressDone)
	return domain.PhaseDone, nil
}

// runTool runs one scanner and records its result. Failures and panics stay
// local to the tool.
func (s *Service) runTool(ctx context.Context, r *run, tool domain.Tool) domain.ToolResult {
	started := time.Now()
	res, err := s.invoke(ctx, r, tool)
	res.Tool = tool
	if err != nil {
		res.Success = false
		if res.Error == "" {
			res.Error = err.Error()
		}
		if res.ErrorKind == "" {
			res.ErrorKind = domain.Classify(err)
		}
	}
	if res.DurationMS == 0 {
		res.DurationMS = time.Since(started).Milliseconds()
	}
	if r.isDetached() {
		return res
	}

	if res.Success {
		s.emit(r, domain.LogSuccess, string(tool), fmt.Sprintf("completed: %d findings, %d packages (%s)",
			len(res.Findings), len(res.Packages), res.ParseMode))
	} else {
		s.emit(r, domain.LogError, string(tool), fmt.Sprintf("failed [%s]: %s", res.ErrorKind, res.Error))
		s.saveError(ctx, r, tool, res)
	}
	s.upload(ctx, r, &res)
	s.deps.Metrics.ToolFinished(tool, res.ErrorKind, time.Duration(res.DurationMS)*time.Millisecond)
	r.record(res)
	return res
}

func (s *Service) invoke(ctx context.Context, r *run, tool domain.Tool) (res domain.ToolResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("scanner panicked", zap.String("tool", string(tool)), zap.Any("panic", p))
			res, err = domain.ToolResult{}, fmt.Errorf("%s panicked: %v", tool, p)
		}
	}()
	sc, ok := s.deps.Scanners.Get(tool)
	if !ok {
		return domain.ToolResult{}, fmt.Errorf("no scanner registered for %s", tool)
	}
	s.emit(r, domain.LogInfo, string(tool), "starting")
	return sc.Run(ctx, domain.ScanRequest{
		ScanID:   r.id,
		Target:   r.target(),
		Profile:  r.profile(),
		Services: r.services,
		OnLine:   s.streamTo(r, tool),
	})
}

func (s *Service) saveError(ctx context.Context, r *run, tool domain.Tool, res domain.ToolResult) {
	if s.deps.Errors == nil {
		return
	}
	e := &scanerrors.ScanError{
		ScanID:    string(r.id),
		TargetID:  r.targetID(),
		Tool:      string(tool),
		Phase:     string(r.snapshotPhase()),
		Kind:      res.ErrorKind,
		Message:   res.Error,
		CreatedAt: s.deps.Clock.Now(),
	}
	if err := s.deps.Errors.Save(ctx, e); err != nil {
		s.log.Warn("scan error log failed", zap.String("scan_id", string(r.id)), zap.Error(err))
	}
}

// upload stores the raw output of a tool and links it from the result.
func (s *Service) upload(ctx context.Context, r *run, res *domain.ToolResult) {
	if s.deps.Artifacts == nil || len(res.Raw) == 0 {
		return
	}
	key := fmt.Sprintf("scans/%s/%s.out", r.id, res.Tool)
	url, err := s.deps.Artifacts.Put(ctx, key, res.Raw, "text/plain")
	if err != nil {
		s.emit(r, domain.LogWarn, string(res.Tool), "artifact upload failed: "+err.Error())
		return
	}
	res.ArtifactURL = url
}
