package scans

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bryanwahyu/armoureye/internal/application"
	"github.com/bryanwahyu/armoureye/internal/domain/decision"
	"github.com/bryanwahyu/armoureye/internal/domain/scanerrors"
	domain "github.com/bryanwahyu/armoureye/internal/domain/scans"
)

// Scanners resolves a catalog tool to its scanner.
type Scanners interface {
	Get(tool domain.Tool) (domain.Scanner, bool)
}

// Enricher annotates vulnerable packages with the AI collaborator's verdict.
type Enricher interface {
	Enrich(ctx context.Context, pkgs []domain.PackageRecord) []domain.PackageAnalysis
}

// Recorder receives scan lifecycle metrics.
type Recorder interface {
	ScanStarted(profile domain.Profile)
	ScanFinished(status domain.Status, elapsed time.Duration)
	ToolFinished(tool domain.Tool, errorKind string, elapsed time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) ScanStarted(domain.Profile) {}
func (nopRecorder) ScanFinished(domain.Status, time.Duration) {}
func (nopRecorder) ToolFinished(domain.Tool, string, time.Duration) {}

// Deps of the orchestrator. Enricher, Artifacts, Archive, Errors and
// Metrics are optional.
type Deps struct {
	Scanners  Scanners
	History   domain.HistoryRepository
	Clock     application.Clock
	IDs       application.IDGenerator
	Log       *zap.Logger
	LogLimit  int
	Enricher  Enricher
	Artifacts domain.ArtifactStore
	Archive   domain.ReportArchive
	Errors    scanerrors.Repository
	Metrics   Recorder

	// DefaultProfile applies when a request names none; unknown values
	// normalize to misconfigs.
	DefaultProfile domain.Profile
}

// Service is the scan orchestrator. Every started job runs in its own
// goroutine; Service is safe for concurrent use.
type Service struct {
	deps Deps
	log  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	active map[domain.ScanID]*run
}

func NewService(d Deps) *Service {
	if d.Clock == nil {
		d.Clock = application.SystemClock{}
	}
	if d.IDs == nil {
		d.IDs = application.UUIDGenerator{}
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.LogLimit <= 0 {
		d.LogLimit = domain.DefaultLogLimit
	}
	if d.Metrics == nil {
		d.Metrics = nopRecorder{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		deps:   d,
		log:    d.Log.Named("orchestrator"),
		ctx:    ctx,
		cancel: cancel,
		active: map[domain.ScanID]*run{},
	}
}

//
// ==== USE CASES ====
//

// StartCommand untuk memulai scan
type StartCommand struct {
	TargetID string
	IP       string
	Image    string
	Profile  domain.Profile
	Metadata domain.Metadata
}

type StartResult struct {
	ScanID domain.ScanID `json:"scan_id"`
	Status domain.Status `json:"status"`
	Reused bool          `json:"reused"`
}

// Start launches a scan in the background. A target with a running scan
// gets that scan back; a target seen before reuses its scan id and the
// new run overwrites the history entry.
func (s *Service) Start(ctx context.Context, cmd StartCommand) (StartResult, error) {
	cmd.IP = strings.TrimSpace(cmd.IP)
	cmd.Image = strings.TrimSpace(cmd.Image)
	if cmd.Image == "" {
		cmd.Image = cmd.Metadata.Image
	}
	if cmd.IP == "" && cmd.Image == "" {
		return StartResult{}, fmt.Errorf("%w: ip or image required", domain.ErrInvalidTarget)
	}
	// every one of these lands in some tool's argv
	for field, v := range map[string]string{"ip": cmd.IP, "image": cmd.Image, "metadata.image": cmd.Metadata.Image, "target_id": cmd.TargetID} {
		if strings.HasPrefix(v, "-") {
			return StartResult{}, fmt.Errorf("%w: %s must not start with '-'", domain.ErrInvalidTarget, field)
		}
	}
	if cmd.TargetID == "" {
		cmd.TargetID = cmd.Image
		if cmd.IP != "" {
			cmd.TargetID = cmd.IP
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// A terminated run stays in active until its snapshot is in history.
	var retiring *run
	for _, r := range s.active {
		if r.targetID() != cmd.TargetID {
			continue
		}
		if !r.isDetached() {
			return StartResult{ScanID: r.id, Status: r.status(), Reused: true}, nil
		}
		retiring = r
	}

	var (
		id     domain.ScanID
		reused bool
	)
	if retiring != nil {
		id, reused = retiring.id, true
	} else if prev, err := s.deps.History.FindByTarget(ctx, cmd.TargetID); err == nil {
		id, reused = prev.ID, true
	} else if errors.Is(err, domain.ErrNotFound) {
		id = domain.ScanID(s.deps.IDs.NewID())
	} else {
		return StartResult{}, fmt.Errorf("lookup history: %w", err)
	}

	if cmd.Profile == "" {
		cmd.Profile = s.deps.DefaultProfile
	}
	profile := cmd.Profile.Normalize()
	job := &domain.Job{
		ID: id,
		Target: domain.Target{
			ID:       cmd.TargetID,
			IP:       cmd.IP,
			Image:    cmd.Image,
			Metadata: cmd.Metadata,
		},
		Profile:   profile,
		Phase:     domain.PhaseQueued,
		Status:    domain.StatusRunning,
		ImageOnly: cmd.IP == "",
		StartedAt: s.deps.Clock.Now(),
		Results:   map[string]domain.ToolResult{},
	}
	r := newRun(job, s.deps.LogLimit)
	r.prev = retiring
	s.active[id] = r
	if profile != cmd.Profile {
		s.emit(r, domain.LogWarn, "orchestrator", fmt.Sprintf("profile %q unknown, using %s", cmd.Profile, profile))
	}
	s.emit(r, domain.LogInfo, "orchestrator", fmt.Sprintf("scan queued for %s (profile %s)", cmd.TargetID, profile))
	s.deps.Metrics.ScanStarted(profile)

	s.wg.Add(1)
	go s.drive(r)

	return StartResult{ScanID: id, Status: domain.StatusRunning, Reused: reused}, nil
}

func (s *Service) lookup(id domain.ScanID) (*run, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.active[id]
	return r, ok
}

// Status returns a snapshot of the job, active or historical.
func (s *Service) Status(ctx context.Context, id domain.ScanID) (*domain.Job, error) {
	if r, ok := s.lookup(id); ok {
		return r.snapshot(), nil
	}
	return s.deps.History.Get(ctx, id)
}

// Logs returns the buffered log entries of a job, oldest first.
func (s *Service) Logs(ctx context.Context, id domain.ScanID) ([]domain.LogEntry, error) {
	if r, ok := s.lookup(id); ok {
		return r.logs.Entries(), nil
	}
	j, err := s.deps.History.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return j.Logs, nil
}

// Report returns the aggregated report of a finished job.
func (s *Service) Report(ctx context.Context, id domain.ScanID) (*domain.Report, error) {
	j, err := s.Status(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Report == nil {
		return nil, fmt.Errorf("scan %s has no report (status %s): %w", id, j.Status, domain.ErrNotFound)
	}
	return j.Report, nil
}

// History returns finished jobs, newest first.
func (s *Service) History(ctx context.Context) ([]domain.Summary, error) {
	jobs, err := s.deps.History.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Summary, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Summarize())
	}
	return out, nil
}

// Active returns summaries of running and paused jobs, oldest first.
func (s *Service) Active() []domain.Summary {
	s.mu.RLock()
	out := make([]domain.Summary, 0, len(s.active))
	for _, r := range s.active {
		out = append(out, r.snapshot().Summarize())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// notActive explains why id cannot be controlled.
func (s *Service) notActive(ctx context.Context, id domain.ScanID) error {
	if j, err := s.deps.History.Get(ctx, id); err == nil {
		return fmt.Errorf("scan %s is %s: %w", id, j.Status, domain.ErrInvalidTransition)
	}
	return fmt.Errorf("scan %s: %w", id, domain.ErrNotFound)
}

// Pause only changes the reported status; the running tool is not suspended.
func (s *Service) Pause(ctx context.Context, id domain.ScanID) error {
	return s.toggle(ctx, id, domain.StatusRunning, domain.StatusPaused, "scan paused")
}

// Resume reverts Pause.
func (s *Service) Resume(ctx context.Context, id domain.ScanID) error {
	return s.toggle(ctx, id, domain.StatusPaused, domain.StatusRunning, "scan resumed")
}

func (s *Service) toggle(ctx context.Context, id domain.ScanID, from, to domain.Status, msg string) error {
	r, ok := s.lookup(id)
	if !ok {
		return s.notActive(ctx, id)
	}
	if err := r.setStatus(from, to); err != nil {
		return err
	}
	s.emit(r, domain.LogInfo, "orchestrator", msg)
	return nil
}

// Stop marks the job stopped and detaches it. The tool currently running
// is left to finish on its own; its result is discarded.
func (s *Service) Stop(ctx context.Context, id domain.ScanID) error {
	r, ok := s.lookup(id)
	if !ok {
		return s.notActive(ctx, id)
	}
	if !r.terminate(domain.StatusStopped, "", s.deps.Clock.Now()) {
		return fmt.Errorf("scan %s already finished: %w", id, domain.ErrInvalidTransition)
	}
	s.emit(r, domain.LogWarn, "orchestrator", "scan stopped by user")
	s.retire(ctx, r)
	return nil
}

// Wait blocks until the job goroutine exits or ctx is done, then returns the
// job snapshot.
func (s *Service) Wait(ctx context.Context, id domain.ScanID) (*domain.Job, error) {
	if r, ok := s.lookup(id); ok {
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.Status(ctx, id)
}

// Shutdown cancels running jobs and waits for their goroutines.
func (s *Service) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retire copies a terminal job into history and drops it from the active table.
func (s *Service) retire(ctx context.Context, r *run) {
	r.awaitPrev()
	snap := r.snapshot()
	if err := s.deps.History.Put(ctx, snap); err != nil {
		s.log.Error("history write failed", zap.String("scan_id", string(r.id)), zap.Error(err))
	}
	s.mu.Lock()
	if s.active[r.id] == r {
		delete(s.active, r.id)
	}
	s.mu.Unlock()
	close(r.retired)

	var elapsed time.Duration
	if snap.EndedAt != nil {
		elapsed = snap.EndedAt.Sub(snap.StartedAt)
	}
	s.deps.Metrics.ScanFinished(snap.Status, elapsed)
	s.log.Info("scan finished",
		zap.String("scan_id", string(r.id)),
		zap.String("status", string(snap.Status)),
		zap.Int("progress", snap.Progress),
		zap.Duration("elapsed", elapsed))
}

// emit appends to the job log and mirrors the entry to zap.
func (s *Service) emit(r *run, level domain.LogLevel, source, msg string) {
	r.logs.Append(domain.LogEntry{Timestamp: s.deps.Clock.Now(), Level: level, Source: source, Message: msg})
	fields := []zap.Field{zap.String("scan_id", string(r.id)), zap.String("source", source)}
	switch level {
	case domain.LogError:
		s.log.Error(msg, fields...)
	case domain.LogWarn:
		s.log.Warn(msg, fields...)
	default:
		s.log.Info(msg, fields...)
	}
}

// streamTo forwards raw tool output into the job log.
func (s *Service) streamTo(r *run, tool domain.Tool) domain.LineFunc {
	return func(stream, line string) {
		if r.isDetached() {
			return
		}
		level := domain.LogInfo
		if stream == "stderr" {
			level = domain.LogWarn
		}
		r.logs.Append(domain.LogEntry{Timestamp: s.deps.Clock.Now(), Level: level, Source: string(tool), Message: line})
		s.log.Debug(line, zap.String("scan_id", string(r.id)), zap.String("source", string(tool)), zap.String("stream", stream))
	}
}

// planSummary renders a plan for the job log.
func planSummary(d decision.Decision) string {
	parts := make([]string, 0, len(d.Plan))
	for _, p := range d.Plan {
		parts = append(parts, fmt.Sprintf("%s(%d)", p.Tool, p.Priority))
	}
	return strings.Join(parts, " ")
}
