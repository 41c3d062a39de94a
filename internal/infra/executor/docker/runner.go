package docker

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"time"

	domain "github.com/bryanwahyu/armoureye/internal/domain/scans"
)

// ProcessResult hasil proses lokal (docker CLI)
type ProcessResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// ProcessRunner starts a local process. Tests substitute a fake.
type ProcessRunner interface {
	Run(ctx context.Context, name string, args []string, onLine domain.LineFunc) (ProcessResult, error)
}

// ExecRunner runs processes with os/exec.
type ExecRunner struct {
	// WaitDelay force-closes stdout/stderr this long after the context is
	// done, even if a grandchild still holds them open.
	WaitDelay time.Duration
}

func NewExecRunner() *ExecRunner {
	return &ExecRunner{WaitDelay: 5 * time.Second}
}

func (r *ExecRunner) Run(ctx context.Context, name string, args []string, onLine domain.LineFunc) (ProcessResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = r.WaitDelay

	stdout := &lineWriter{stream: "stdout", onLine: onLine}
	stderr := &lineWriter{stream: "stderr", onLine: onLine}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	stdout.flush()
	stderr.flush()

	res := ProcessResult{Stdout: stdout.captured(), Stderr: stderr.captured()}
	if err == nil {
		return res, nil
	}
	// ambil exit code
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		res.ExitCode = ee.ExitCode()
		return res, nil
	}
	if errors.Is(err, exec.ErrWaitDelay) {
		return res, nil
	}
	return res, err
}

// lineWriter captures a stream and forwards complete lines as they arrive.
type lineWriter struct {
	mu     sync.Mutex
	stream string
	buf    bytes.Buffer
	part   []byte
	onLine domain.LineFunc
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	if w.onLine == nil {
		return len(p), nil
	}
	w.part = append(w.part, p...)
	for {
		i := bytes.IndexByte(w.part, '\n')
		if i < 0 {
			break
		}
		if line := strings.TrimRight(string(w.part[:i]), "\r"); line != "" {
			w.onLine(w.stream, line)
		}
		w.part = w.part[i+1:]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.onLine != nil && len(w.part) > 0 {
		if line := strings.TrimRight(string(w.part), "\r"); line != "" {
			w.onLine(w.stream, line)
		}
		w.part = nil
	}
}

func (w *lineWriter) captured() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]byte(nil), w.buf.Bytes()...)
}
