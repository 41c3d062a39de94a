package scanners_test

import (
	"context"
	"os"
	"sync"

	domain "github.com/bryanwahyu/armoureye/internal/domain/scans"
)

type fakeRun struct {
	res  domain.ExecResult
	err  error
	file []byte
}

// fakeExec plays back canned results per tool and stores output files in memory.
type fakeExec struct {
	mu    sync.Mutex
	runs  map[domain.Tool]fakeRun
	files map[string][]byte
	calls []domain.ToolInvocation
}

func newFakeExec(runs map[domain.Tool]fakeRun) *fakeExec {
	return &fakeExec{runs: runs, files: map[string][]byte{}}
}

func (f *fakeExec) Execute(_ context.Context, inv domain.ToolInvocation, onLine domain.LineFunc) (domain.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, inv)
	r := f.runs[inv.Tool]
	if r.file != nil && inv.OutputPath != "" {
		f.files[inv.OutputPath] = r.file
	}
	if onLine != nil && len(r.res.Stdout) > 0 {
		onLine("stdout", string(r.res.Stdout))
	}
	return r.res, r.err
}

func (f *fakeExec) ReadFile(_ context.Context, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.files[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	return b, nil
}

func (f *fakeExec) FileExists(_ context.Context, path string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.files[path]
	return ok, nil
}
