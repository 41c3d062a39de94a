package scans_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/armoureye/internal/application"
	"github.com/bryanwahyu/armoureye/internal/application/scans"
	domain "github.com/bryanwahyu/armoureye/internal/domain/scans"
	"github.com/bryanwahyu/armoureye/internal/infra/history"
)

type runFunc func(ctx context.Context, req domain.ScanRequest) (domain.ToolResult, error)

// fakeScanners records the order tools were run in. Tools without a
// configured func succeed with no findings.
type fakeScanners struct {
	mu    sync.Mutex
	calls []domain.Tool
	fns   map[domain.Tool]runFunc
}

func newFakeScanners() *fakeScanners {
	return &fakeScanners{fns: map[domain.Tool]runFunc{}}
}

func (f *fakeScanners) on(tool domain.Tool, fn runFunc) *fakeScanners {
	f.fns[tool] = fn
	return f
}

func (f *fakeScanners) Get(tool domain.Tool) (domain.Scanner, bool) {
	return &stubScanner{tool: tool, parent: f}, true
}

func (f *fakeScanners) called() []domain.Tool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Tool(nil), f.calls...)
}

type stubScanner struct {
	tool   domain.Tool
	parent *fakeScanners
}

func (s *stubScanner) Name() domain.Tool { return s.tool }

func (s *stubScanner) Run(ctx context.Context, req domain.ScanRequest) (domain.ToolResult, error) {
	s.parent.mu.Lock()
	s.parent.calls = append(s.parent.calls, s.tool)
	fn := s.parent.fns[s.tool]
	s.parent.mu.Unlock()
	if fn == nil {
		return domain.ToolResult{Tool: s.tool, Success: true, ParseMode: "empty"}, nil
	}
	return fn(ctx, req)
}

func failWith(tool domain.Tool, sentinel error) runFunc {
	return func(context.Context, domain.ScanRequest) (domain.ToolResult, error) {
		err := domain.NewToolError(tool, sentinel)
		return domain.ToolResult{Tool: tool, Error: err.Error(), ErrorKind: domain.Classify(err)}, err
	}
}

func nmapFinds(services ...domain.Service) runFunc {
	return func(_ context.Context, req domain.ScanRequest) (domain.ToolResult, error) {
		if req.OnLine != nil {
			req.OnLine("stdout", "Nmap scan report for "+req.Target.IP)
		}
		return domain.ToolResult{Tool: domain.ToolNmap, Success: true, ParseMode: "xml", Services: services}, nil
	}
}

var mixedServices = []domain.Service{
	{Port: 22, Protocol: "tcp", State: "open", Name: "ssh", Product: "OpenSSH", Version: "7.4"},
	{Port: 80, Protocol: "tcp", State: "open", Name: "http"},
	{Port: 3306, Protocol: "tcp", State: "open", Name: "mysql"},
}

type fixture struct {
	svc     *scans.Service
	scans   *fakeScanners
	history *history.Store
}

func newFixture(t *testing.T, fs *fakeScanners) fixture {
	t.Helper()
	h, err := history.NewStore("", history.DefaultLimit, nil)
	require.NoError(t, err)
	svc := scans.NewService(scans.Deps{
		Scanners: fs,
		History:  h,
		Clock:    application.FixedClock{T: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		IDs:      &application.SequenceGenerator{},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return fixture{svc: svc, scans: fs, history: h}
}

func (f fixture) finish(t *testing.T, id domain.ScanID) *domain.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	j, err := f.svc.Wait(ctx, id)
	require.NoError(t, err)
	return j
}

func TestImageTimeoutFallsBackToScout(t *testing.T) {
	fs := newFakeScanners().
		on(domain.ToolNmap, nmapFinds(mixedServices...)).
		on(domain.ToolTrivy, failWith(domain.ToolTrivy, domain.ErrToolTimeout)).
		on(domain.ToolScout, func(context.Context, domain.ScanRequest) (domain.ToolResult, error) {
			return domain.ToolResult{Tool: domain.ToolScout, Success: true, ParseMode: "sarif",
				Findings: []domain.Finding{{Tool: domain.ToolScout, Type: domain.FindingVulnerablePackage,
					Severity: domain.SeverityHigh, Package: "openssl", Version: "1.1.1n", CVE: "CVE-2023-0001"}},
				Packages: []domain.PackageRecord{{Name: "openssl", Version: "1.1.1n"}}}, nil
		})
	f := newFixture(t, fs)

	res, err := f.svc.Start(context.Background(), scans.StartCommand{
		TargetID: "web-1", IP: "10.0.0.5", Image: "nginx:1.25", Profile: domain.ProfileMisconfigs,
		Metadata: domain.Metadata{Ports: []int{80}},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, res.Status)

	j := f.finish(t, res.ScanID)
	assert.Equal(t, domain.StatusCompletedWithErrors, j.Status)
	assert.Equal(t, domain.PhaseDone, j.Phase)
	assert.Equal(t, 100, j.Progress)
	assert.NotNil(t, j.EndedAt)

	want := []domain.Tool{domain.ToolNmap, domain.ToolTrivy, domain.ToolScout,
		domain.ToolWhatWeb, domain.ToolNikto, domain.ToolDBPortScan}
	if diff := cmp.Diff(want, fs.called()); diff != "" {
		t.Errorf("execution order mismatch (-want +got):\n%s", diff)
	}

	trivy := j.Results[string(domain.ToolTrivy)]
	assert.False(t, trivy.Success)
	assert.Equal(t, "timeout", trivy.ErrorKind)
	assert.True(t, j.Results[string(domain.ToolScout)].Success)

	require.NotNil(t, j.Report)
	assert.Equal(t, 8, j.Report.RiskScore) // high 5 + scout high 3
	assert.Contains(t, j.Report.ToolErrors, domain.ToolTrivy)

	stored, err := f.history.Get(context.Background(), res.ScanID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompletedWithErrors, stored.Status)
	assert.Empty(t, f.svc.Active())
}

func TestImageOnlySkipsRuntimeScanners(t *testing.T) {
	fs := newFakeScanners()
	f := newFixture(t, fs)

	res, err := f.svc.Start(context.Background(), scans.StartCommand{
		Image: "alpine:3.19", Profile: domain.ProfileDeeper,
		Metadata: domain.Metadata{Ports: []int{22, 80, 5432}},
	})
	require.NoError(t, err)

	j := f.finish(t, res.ScanID)
	assert.Equal(t, domain.StatusCompleted, j.Status)
	assert.True(t, j.ImageOnly)
	assert.Equal(t, "alpine:3.19", j.Target.ID)
	assert.Equal(t, []domain.Tool{domain.ToolTrivy}, fs.called())
	assert.Equal(t, 100, j.Progress)
}

func TestNmapFailureCompletesWithErrors(t *testing.T) {
	fs := newFakeScanners().on(domain.ToolNmap, failWith(domain.ToolNmap, domain.ErrOutputEmpty))
	f := newFixture(t, fs)

	res, err := f.svc.Start(context.Background(), scans.StartCommand{TargetID: "db", IP: "10.0.0.9", Image: "mysql:5.7",
		Metadata: domain.Metadata{Ports: []int{3306}}})
	require.NoError(t, err)

	j := f.finish(t, res.ScanID)
	assert.Equal(t, domain.StatusCompletedWithErrors, j.Status)
	// declared ports drive the plan when recon finds nothing
	assert.Equal(t, []domain.Tool{domain.ToolNmap, domain.ToolTrivy, domain.ToolDBPortScan}, fs.called())
}

func TestToolFailureDoesNotAbortJob(t *testing.T) {
	fs := newFakeScanners().
		on(domain.ToolNmap, nmapFinds(mixedServices...)).
		on(domain.ToolNikto, func(context.Context, domain.ScanRequest) (domain.ToolResult, error) {
			panic("nikto parser exploded")
		}).
		on(domain.ToolWhatWeb, failWith(domain.ToolWhatWeb, domain.ErrToolExecutionFailed))
	f := newFixture(t, fs)

	res, err := f.svc.Start(context.Background(), scans.StartCommand{TargetID: "t", IP: "10.0.0.5", Image: "app:1"})
	require.NoError(t, err)

	j := f.finish(t, res.ScanID)
	assert.Equal(t, domain.StatusCompleted, j.Status)
	assert.Contains(t, fs.called(), domain.ToolDBPortScan)
	assert.False(t, j.Results[string(domain.ToolNikto)].Success)
	assert.Contains(t, j.Results[string(domain.ToolNikto)].Error, "panicked")
	assert.Equal(t, "execution_failed", j.Results[string(domain.ToolWhatWeb)].ErrorKind)
}

func TestProgressIsMonotonic(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []int
		svc  *scans.Service
	)
	observe := func(ctx context.Context, req domain.ScanRequest) (domain.ToolResult, error) {
		j, err := svc.Status(ctx, req.ScanID)
		if err == nil {
			mu.Lock()
			seen = append(seen, j.Progress)
			mu.Unlock()
		}
		return domain.ToolResult{Success: true}, nil
	}
	fs := newFakeScanners()
	for _, tool := range []domain.Tool{domain.ToolTrivy, domain.ToolScout, domain.ToolWhatWeb, domain.ToolNikto,
		domain.ToolDBPortScan, domain.ToolGobuster, domain.ToolSQLMap, domain.ToolHydra} {
		fs.on(tool, observe)
	}
	fs.on(domain.ToolNmap, func(ctx context.Context, req domain.ScanRequest) (domain.ToolResult, error) {
		_, _ = observe(ctx, req)
		return nmapFinds(mixedServices...)(ctx, req)
	})
	f := newFixture(t, fs)
	svc = f.svc

	res, err := svc.Start(context.Background(), scans.StartCommand{TargetID: "t", IP: "10.0.0.5", Image: "app:1",
		Profile: domain.ProfileDeeper})
	require.NoError(t, err)
	j := f.finish(t, res.ScanID)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 8)
	assert.Equal(t, 30, seen[0], "recon starts after analysis")
	assert.Equal(t, 60, seen[1], "tools start after recon")
	for i := 1; i < len(seen); i++ {
		assert.GreaterOrEqual(t, seen[i], seen[i-1])
	}
	assert.LessOrEqual(t, seen[len(seen)-1], 90)
	assert.Equal(t, 100, j.Progress)
}

func TestResubmitReusesScanID(t *testing.T) {
	f := newFixture(t, newFakeScanners())
	cmd := scans.StartCommand{TargetID: "cache", Image: "redis:7"}

	first, err := f.svc.Start(context.Background(), cmd)
	require.NoError(t, err)
	f.finish(t, first.ScanID)

	second, err := f.svc.Start(context.Background(), cmd)
	require.NoError(t, err)
	assert.Equal(t, first.ScanID, second.ScanID)
	assert.True(t, second.Reused)
	f.finish(t, second.ScanID)

	hist, err := f.svc.History(context.Background())
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, first.ScanID, hist[0].ID)
}

func TestStartWhileRunningReturnsActiveJob(t *testing.T) {
	gate := make(chan struct{})
	fs := newFakeScanners().on(domain.ToolTrivy, func(context.Context, domain.ScanRequest) (domain.ToolResult, error) {
		<-gate
		return domain.ToolResult{Success: true}, nil
	})
	f := newFixture(t, fs)
	cmd := scans.StartCommand{TargetID: "api", Image: "api:2"}

	first, err := f.svc.Start(context.Background(), cmd)
	require.NoError(t, err)
	second, err := f.svc.Start(context.Background(), cmd)
	require.NoError(t, err)
	assert.Equal(t, first.ScanID, second.ScanID)
	assert.Len(t, f.svc.Active(), 1)

	close(gate)
	f.finish(t, first.ScanID)
}

func TestStopDetachesRunningJob(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{})
	fs := newFakeScanners().on(domain.ToolNmap, func(context.Context, domain.ScanRequest) (domain.ToolResult, error) {
		close(started)
		<-gate
		return domain.ToolResult{Success: true, Services: mixedServices}, nil
	})
	f := newFixture(t, fs)
	ctx := context.Background()

	res, err := f.svc.Start(ctx, scans.StartCommand{TargetID: "t", IP: "10.0.0.5", Image: "app:1"})
	require.NoError(t, err)
	<-started

	require.NoError(t, f.svc.Stop(ctx, res.ScanID))
	j, err := f.svc.Status(ctx, res.ScanID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStopped, j.Status)
	assert.Empty(t, f.svc.Active())

	assert.ErrorIs(t, f.svc.Stop(ctx, res.ScanID), domain.ErrInvalidTransition)
	assert.ErrorIs(t, f.svc.Pause(ctx, res.ScanID), domain.ErrInvalidTransition)

	// the in-flight tool finishes on its own; nothing after it runs
	close(gate)
	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, f.svc.Shutdown(sctx))
	assert.Equal(t, []domain.Tool{domain.ToolNmap}, fs.called())

	j, err = f.svc.Status(ctx, res.ScanID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStopped, j.Status)
	assert.Empty(t, j.Results)
}

func TestPauseResumeOnlyToggleStatus(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{})
	fs := newFakeScanners().on(domain.ToolTrivy, func(context.Context, domain.ScanRequest) (domain.ToolResult, error) {
		close(started)
		<-gate
		return domain.ToolResult{Success: true}, nil
	})
	f := newFixture(t, fs)
	ctx := context.Background()

	res, err := f.svc.Start(ctx, scans.StartCommand{Image: "app:1"})
	require.NoError(t, err)
	<-started

	require.NoError(t, f.svc.Pause(ctx, res.ScanID))
	j, _ := f.svc.Status(ctx, res.ScanID)
	assert.Equal(t, domain.StatusPaused, j.Status)
	assert.ErrorIs(t, f.svc.Pause(ctx, res.ScanID), domain.ErrInvalidTransition)

	require.NoError(t, f.svc.Resume(ctx, res.ScanID))
	j, _ = f.svc.Status(ctx, res.ScanID)
	assert.Equal(t, domain.StatusRunning, j.Status)

	require.NoError(t, f.svc.Pause(ctx, res.ScanID))
	close(gate)
	// a paused job still runs to completion
	j = f.finish(t, res.ScanID)
	assert.Equal(t, domain.StatusCompleted, j.Status)
}

func TestLogsAreBoundedAndStreamed(t *testing.T) {
	h, err := history.NewStore("", 0, nil)
	require.NoError(t, err)
	fs := newFakeScanners().on(domain.ToolTrivy, func(_ context.Context, req domain.ScanRequest) (domain.ToolResult, error) {
		for i := 0; i < 20; i++ {
			req.OnLine("stdout", fmt.Sprintf("line %d", i))
		}
		return domain.ToolResult{Success: true}, nil
	})
	svc := scans.NewService(scans.Deps{Scanners: fs, History: h, LogLimit: 5, IDs: &application.SequenceGenerator{}})
	ctx := context.Background()

	res, err := svc.Start(ctx, scans.StartCommand{Image: "app:1"})
	require.NoError(t, err)
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = svc.Wait(wctx, res.ScanID)
	require.NoError(t, err)

	logs, err := svc.Logs(ctx, res.ScanID)
	require.NoError(t, err)
	require.Len(t, logs, 5)
	last := logs[len(logs)-1]
	assert.Equal(t, domain.LogSuccess, last.Level)
	assert.Equal(t, "orchestrator", last.Source)
}

func TestUnknownAndInvalid(t *testing.T) {
	f := newFixture(t, newFakeScanners())
	ctx := context.Background()

	_, err := f.svc.Status(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.svc.Report(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, f.svc.Stop(ctx, "nope"), domain.ErrNotFound)

	_, err = f.svc.Start(ctx, scans.StartCommand{TargetID: "x"})
	assert.True(t, errors.Is(err, domain.ErrInvalidTarget))
}

func TestShutdownFailsRunningJob(t *testing.T) {
	started := make(chan struct{})
	fs := newFakeScanners().on(domain.ToolNmap, func(ctx context.Context, _ domain.ScanRequest) (domain.ToolResult, error) {
		close(started)
		<-ctx.Done()
		return domain.ToolResult{}, ctx.Err()
	})
	f := newFixture(t, fs)
	ctx := context.Background()

	res, err := f.svc.Start(ctx, scans.StartCommand{IP: "10.0.0.9"})
	require.NoError(t, err)
	<-started

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, f.svc.Shutdown(sctx))

	j, err := f.svc.Status(ctx, res.ScanID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, j.Status)
	assert.Equal(t, "orchestrator shutting down", j.Error)
	assert.Equal(t, []domain.Tool{domain.ToolNmap}, fs.called())
}

func TestStartRejectsFlagLikeTargets(t *testing.T) {
	f := newFixture(t, newFakeScanners())
	for _, cmd := range []scans.StartCommand{
		{Image: "--insecure"},
		{Image: "-o/tmp/pwned"},
		{Metadata: domain.Metadata{Image: "--debug"}},
		{IP: "-v"},
		{TargetID: "-x", Image: "nginx:1"},
	} {
		_, err := f.svc.Start(context.Background(), cmd)
		assert.ErrorIs(t, err, domain.ErrInvalidTarget, "%+v", cmd)
	}
	assert.Empty(t, f.svc.Active())
	assert.Empty(t, f.scans.called())
}

// gatedHistory holds the first Put until release is closed.
type gatedHistory struct {
	*history.Store
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (h *gatedHistory) Put(ctx context.Context, j *domain.Job) error {
	first := false
	h.once.Do(func() { first = true })
	if first {
		close(h.entered)
		<-h.release
	}
	return h.Store.Put(ctx, j)
}

func TestResubmitWhileRetiringReusesScanID(t *testing.T) {
	store, err := history.NewStore("", history.DefaultLimit, nil)
	require.NoError(t, err)
	h := &gatedHistory{Store: store, entered: make(chan struct{}), release: make(chan struct{})}
	svc := scans.NewService(scans.Deps{
		Scanners: newFakeScanners(),
		History:  h,
		Clock:    application.FixedClock{T: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		IDs:      &application.SequenceGenerator{},
	})
	ctx := context.Background()
	cmd := scans.StartCommand{TargetID: "cache", Image: "redis:7"}

	first, err := svc.Start(ctx, cmd)
	require.NoError(t, err)
	<-h.entered

	second, err := svc.Start(ctx, cmd)
	require.NoError(t, err)
	assert.Equal(t, domain.ScanID("scan-1"), second.ScanID)
	assert.Equal(t, first.ScanID, second.ScanID)
	assert.True(t, second.Reused)

	close(h.release)
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	j, err := svc.Wait(wctx, second.ScanID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, j.Status)
	require.NoError(t, svc.Shutdown(wctx))

	hist, err := svc.History(ctx)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, domain.ScanID("scan-1"), hist[0].ID)
	assert.Equal(t, domain.StatusCompleted, hist[0].Status)
	assert.Empty(t, svc.Active())
}
