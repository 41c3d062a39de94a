package docker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	domain "github.com/bryanwahyu/armoureye/internal/domain/scans"
)

// Config of the shared tool container.
type Config struct {
	Name           string
	Image          string
	DockerBinary   string
	SocketPath     string
	CredentialsDir string // mounted read-only as /root/.docker for docker scout
	// KillGrace is added to a tool's deadline before the docker client is
	// killed; the in-container timeout should fire first.
	KillGrace time.Duration
}

// DefaultConfig returns the stock sandbox settings.
func DefaultConfig() Config {
	return Config{
		Name:         "armoureye-sandbox",
		Image:        "armoureye/tools:latest",
		DockerBinary: "docker",
		SocketPath:   "/var/run/docker.sock",
		KillGrace:    15 * time.Second,
	}
}

// ImageBuilder builds the tool image when it is missing.
type ImageBuilder interface {
	Build(ctx context.Context, image string) error
}

// ImageBuilderFunc adapts a function to ImageBuilder.
type ImageBuilderFunc func(ctx context.Context, image string) error

func (f ImageBuilderFunc) Build(ctx context.Context, image string) error { return f(ctx, image) }

// exit code of coreutils timeout when the deadline hits
const timeoutExitCode = 124

// Sandbox manages the single privileged container every tool runs in.
// Execute, ReadFile and FileExists are serialized across all jobs.
type Sandbox struct {
	cfg     Config
	runner  ProcessRunner
	builder ImageBuilder
	log     *zap.Logger

	sem *semaphore.Weighted

	mu   sync.Mutex
	info *domain.SandboxInfo
}

// NewSandbox creates a manager; builder may be nil, making a missing image fatal.
func NewSandbox(cfg Config, runner ProcessRunner, builder ImageBuilder, log *zap.Logger) *Sandbox {
	if cfg.DockerBinary == "" {
		cfg.DockerBinary = "docker"
	}
	if runner == nil {
		runner = NewExecRunner()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sandbox{
		cfg:     cfg,
		runner:  runner,
		builder: builder,
		log:     log.With(zap.String("sandbox", cfg.Name)),
		sem:     semaphore.NewWeighted(1),
	}
}

var _ domain.Sandbox = (*Sandbox)(nil)

func (s *Sandbox) docker(ctx context.Context, onLine domain.LineFunc, args ...string) (ProcessResult, error) {
	res, err := s.runner.Run(ctx, s.cfg.DockerBinary, args, onLine)
	if err != nil {
		return res, fmt.Errorf("%w: %s %s: %v", domain.ErrSandboxUnavailable, s.cfg.DockerBinary, args[0], err)
	}
	if daemonDown(res.Stderr) {
		return res, fmt.Errorf("%w: %s", domain.ErrSandboxUnavailable, firstLine(res.Stderr))
	}
	return res, nil
}

func daemonDown(stderr []byte) bool {
	s := string(stderr)
	return strings.Contains(s, "Cannot connect to the Docker daemon") ||
		strings.Contains(s, "error during connect")
}

func firstLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Acquire returns a running sandbox, creating it if needed. An unavailable
// sandbox is retried once before the error is returned.
func (s *Sandbox) Acquire(ctx context.Context) (domain.SandboxInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := s.acquire(ctx)
	if errors.Is(err, domain.ErrSandboxUnavailable) && ctx.Err() == nil {
		s.log.Warn("sandbox unavailable, retrying once", zap.Error(err))
		info, err = s.acquire(ctx)
	}
	if err != nil {
		s.info = nil
		return domain.SandboxInfo{}, err
	}
	s.info = &info
	return info, nil
}

func (s *Sandbox) acquire(ctx context.Context) (domain.SandboxInfo, error) {
	res, err := s.docker(ctx, nil, "inspect", "--format", "{{.State.Running}}|{{.Id}}", s.cfg.Name)
	if err != nil {
		return domain.SandboxInfo{}, err
	}
	if res.ExitCode == 0 {
		running, id, _ := strings.Cut(strings.TrimSpace(string(res.Stdout)), "|")
		if running == "true" {
			return domain.SandboxInfo{Name: s.cfg.Name, ContainerID: id, Image: s.cfg.Image, Reused: true}, nil
		}
		s.log.Info("removing stopped sandbox", zap.String("container_id", id))
		if err := s.remove(ctx); err != nil {
			return domain.SandboxInfo{}, err
		}
	}

	if err := s.ensureImage(ctx); err != nil {
		return domain.SandboxInfo{}, err
	}

	id, err := s.create(ctx)
	if err != nil {
		return domain.SandboxInfo{}, err
	}
	s.log.Info("sandbox created", zap.String("container_id", id), zap.String("image", s.cfg.Image))
	return domain.SandboxInfo{Name: s.cfg.Name, ContainerID: id, Image: s.cfg.Image}, nil
}

func (s *Sandbox) ensureImage(ctx context.Context) error {
	res, err := s.docker(ctx, nil, "image", "inspect", s.cfg.Image)
	if err != nil {
		return err
	}
	if res.ExitCode == 0 {
		return nil
	}
	if s.builder == nil {
		return fmt.Errorf("%w: image %s missing and no builder configured", domain.ErrSandboxUnavailable, s.cfg.Image)
	}
	s.log.Info("building tool image", zap.String("image", s.cfg.Image))
	if err := s.builder.Build(ctx, s.cfg.Image); err != nil {
		return fmt.Errorf("%w: build %s: %v", domain.ErrSandboxUnavailable, s.cfg.Image, err)
	}
	return nil
}

func (s *Sandbox) runArgs() []string {
	args := []string{"run", "-d", "--name", s.cfg.Name, "--privileged", "--network", "host"}
	if s.cfg.SocketPath != "" {
		args = append(args, "-v", s.cfg.SocketPath+":/var/run/docker.sock")
	}
	if s.cfg.CredentialsDir != "" {
		args = append(args, "-v", s.cfg.CredentialsDir+":/root/.docker:ro")
	}
	return append(args, s.cfg.Image, "sleep", "infinity")
}

// create runs the container; a name conflict triggers one remove-and-retry.
func (s *Sandbox) create(ctx context.Context) (string, error) {
	for attempt := 0; attempt < 2; attempt++ {
		res, err := s.docker(ctx, nil, s.runArgs()...)
		if err != nil {
			return "", err
		}
		if res.ExitCode == 0 {
			return strings.TrimSpace(string(res.Stdout)), nil
		}
		if attempt == 0 && nameConflict(res.Stderr) {
			s.log.Warn("sandbox name conflict, removing stale container")
			if err := s.remove(ctx); err != nil {
				return "", err
			}
			continue
		}
		return "", fmt.Errorf("%w: docker run: %s", domain.ErrSandboxUnavailable, firstLine(res.Stderr))
	}
	return "", fmt.Errorf("%w: docker run: name conflict persists", domain.ErrSandboxUnavailable)
}

func nameConflict(stderr []byte) bool {
	s := string(stderr)
	return strings.Contains(s, "Conflict") || strings.Contains(s, "is already in use")
}

func (s *Sandbox) remove(ctx context.Context) error {
	res, err := s.docker(ctx, nil, "rm", "-f", s.cfg.Name)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 && !strings.Contains(string(res.Stderr), "No such container") {
		return fmt.Errorf("docker rm %s: %s", s.cfg.Name, firstLine(res.Stderr))
	}
	return nil
}

// Remove force-removes the sandbox container.
func (s *Sandbox) Remove(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info = nil
	return s.remove(ctx)
}

// Ping checks the docker daemon is reachable.
func (s *Sandbox) Ping(ctx context.Context) error {
	res, err := s.docker(ctx, nil, "version", "--format", "{{.Server.Version}}")
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: %s", domain.ErrSandboxUnavailable, firstLine(res.Stderr))
	}
	return nil
}

func (s *Sandbox) ensure(ctx context.Context) error {
	s.mu.Lock()
	ready := s.info != nil
	s.mu.Unlock()
	if ready {
		return nil
	}
	_, err := s.Acquire(ctx)
	return err
}

func (s *Sandbox) invalidate() {
	s.mu.Lock()
	s.info = nil
	s.mu.Unlock()
}

func containerGone(stderr []byte) bool {
	str := string(stderr)
	return strings.Contains(str, "is not running") || strings.Contains(str, "No such container")
}

// Execute runs inv inside the sandbox, streaming output to onLine. Only one
// invocation runs at a time across all jobs.
func (s *Sandbox) Execute(ctx context.Context, inv domain.ToolInvocation, onLine domain.LineFunc) (domain.ExecResult, error) {
	if len(inv.Argv) == 0 {
		return domain.ExecResult{}, fmt.Errorf("%w: empty argv", domain.ErrToolExecutionFailed)
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return domain.ExecResult{}, err
	}
	defer s.sem.Release(1)

	for attempt := 0; ; attempt++ {
		res, err := s.execute(ctx, inv, onLine)
		if err == nil && attempt == 0 && res.ExitCode != 0 && containerGone(res.Stderr) {
			s.log.Warn("sandbox container vanished, recreating", zap.String("tool", string(inv.Tool)))
			s.invalidate()
			continue
		}
		return res, err
	}
}

func (s *Sandbox) execute(ctx context.Context, inv domain.ToolInvocation, onLine domain.LineFunc) (domain.ExecResult, error) {
	if err := s.ensure(ctx); err != nil {
		return domain.ExecResult{}, err
	}
	if inv.OutputPath != "" {
		dir := path.Dir(inv.OutputPath)
		res, err := s.docker(ctx, nil, "exec", s.cfg.Name, "mkdir", "-p", dir)
		if err != nil {
			return domain.ExecResult{}, err
		}
		if res.ExitCode != 0 {
			if containerGone(res.Stderr) {
				// let Execute recreate the container
				return domain.ExecResult{Stderr: res.Stderr, ExitCode: res.ExitCode}, nil
			}
			return domain.ExecResult{}, fmt.Errorf("%w: mkdir %s exited %d: %s", domain.ErrSandboxUnavailable, dir, res.ExitCode, firstLine(res.Stderr))
		}
	}

	args := []string{"exec", s.cfg.Name}
	runCtx := ctx
	if inv.Timeout > 0 {
		secs := int((inv.Timeout + time.Second - 1) / time.Second)
		args = append(args, "timeout", "-k", "5", strconv.Itoa(secs))
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, inv.Timeout+s.cfg.KillGrace)
		defer cancel()
	}
	args = append(args, inv.Argv...)

	start := time.Now()
	res, err := s.runner.Run(runCtx, s.cfg.DockerBinary, args, onLine)
	out := domain.ExecResult{Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode, Duration: time.Since(start)}

	if inv.Timeout > 0 && ctx.Err() == nil &&
		(errors.Is(runCtx.Err(), context.DeadlineExceeded) || res.ExitCode == timeoutExitCode) {
		s.log.Warn("tool timed out", zap.String("tool", string(inv.Tool)), zap.Duration("timeout", inv.Timeout))
		return out, fmt.Errorf("%s exceeded %s: %w", inv.Tool, inv.Timeout, domain.ErrToolTimeout)
	}
	if err != nil {
		return out, fmt.Errorf("%w: exec %s: %v", domain.ErrSandboxUnavailable, inv.Tool, err)
	}
	if ctx.Err() != nil {
		return out, ctx.Err()
	}
	return out, nil
}

// ReadFile returns the content of a file inside the sandbox.
func (s *Sandbox) ReadFile(ctx context.Context, p string) ([]byte, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)
	res, err := s.docker(ctx, nil, "exec", s.cfg.Name, "cat", p)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		if strings.Contains(string(res.Stderr), "No such file") {
			return nil, fmt.Errorf("read %s: %w", p, os.ErrNotExist)
		}
		return nil, fmt.Errorf("read %s: %s", p, firstLine(res.Stderr))
	}
	return res.Stdout, nil
}

// FileExists checks a path inside the sandbox.
func (s *Sandbox) FileExists(ctx context.Context, p string) (bool, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer s.sem.Release(1)
	res, err := s.docker(ctx, nil, "exec", s.cfg.Name, "test", "-e", p)
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}
