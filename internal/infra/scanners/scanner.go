// Package scanners wraps each catalog tool: it builds the invocation, runs it
// in the sandbox and normalizes the output with structured-then-text parsing.
package scanners

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	domain "github.com/bryanwahyu/armoureye/internal/domain/scans"
)

// Options shared by every scanner.
type Options struct {
	WorkDir            string
	DefaultTimeout     time.Duration
	BruteForceTimeout  time.Duration
	SupplyChainTimeout time.Duration // <= 0 means no deadline
	DirWordlist        string
	UserList           string
	PasswordList       string
}

// DefaultOptions mirrors the stock sandbox image layout.
func DefaultOptions() Options {
	return Options{
		WorkDir:           "/tmp/armoureye",
		DefaultTimeout:    5 * time.Minute,
		BruteForceTimeout: 30 * time.Minute,
		DirWordlist:       "/usr/share/wordlists/dirb/common.txt",
		UserList:          "/usr/share/wordlists/users.txt",
		PasswordList:      "/usr/share/wordlists/passwords.txt",
	}
}

type base struct {
	tool domain.Tool
	exec domain.Executor
	opts Options
	log  *zap.Logger
	// emptyOK: finding nothing is a valid result for this tool.
	emptyOK bool
}

func newBase(tool domain.Tool, exec domain.Executor, opts Options, log *zap.Logger, emptyOK bool) base {
	if log == nil {
		log = zap.NewNop()
	}
	return base{tool: tool, exec: exec, opts: opts, log: log.With(zap.String("tool", string(tool))), emptyOK: emptyOK}
}

func (b base) Name() domain.Tool { return b.tool }

// outputPath is <workDir>/<scanID>/<name>.<ext>.
func (b base) outputPath(id domain.ScanID, name, ext string) string {
	return path.Join(b.opts.WorkDir, string(id), name+"."+ext)
}

// capture holds everything one invocation produced.
type capture struct {
	exec domain.ExecResult
	file []byte
}

// primary is the output file when present, stdout otherwise.
func (c capture) primary() []byte {
	if len(bytes.TrimSpace(c.file)) > 0 {
		return c.file
	}
	return c.exec.Stdout
}

// text is the raw material for the text fallbacks.
func (c capture) text() string {
	var sb strings.Builder
	sb.Write(c.file)
	sb.WriteByte('\n')
	sb.Write(c.exec.Stdout)
	return sb.String()
}

func (c capture) blank() bool {
	return len(bytes.TrimSpace(c.file)) == 0 && len(bytes.TrimSpace(c.exec.Stdout)) == 0
}

// invoke runs inv and collects its output file. A non-zero exit without any
// output is ErrToolExecutionFailed; exec errors (timeout, sandbox) are
// returned alongside whatever partial output exists.
func (b base) invoke(ctx context.Context, req domain.ScanRequest, inv domain.ToolInvocation) (capture, error) {
	res, err := b.exec.Execute(ctx, inv, req.OnLine)
	c := capture{exec: res}
	if inv.OutputPath != "" {
		if ok, ferr := b.exec.FileExists(ctx, inv.OutputPath); ferr == nil && ok {
			if data, rerr := b.exec.ReadFile(ctx, inv.OutputPath); rerr == nil {
				c.file = data
			} else {
				b.log.Warn("read output file", zap.String("path", inv.OutputPath), zap.Error(rerr))
			}
		}
	}
	if err != nil {
		return c, err
	}
	if res.ExitCode != 0 && c.blank() {
		return c, fmt.Errorf("%w: exit code %d: %s", domain.ErrToolExecutionFailed, res.ExitCode, firstLine(res.Stderr))
	}
	return c, nil
}

func firstLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// execute is the shared Run body: invoke, resolve structured then text
// parsing, and fold the items into a ToolResult. Partial output of a failed
// invocation is still parsed so its findings survive.
func execute[T any](ctx context.Context, b base, req domain.ScanRequest, inv domain.ToolInvocation,
	parse func(capture) Outcome[T], fallbacks []Matcher[T], apply func(*domain.ToolResult, []T),
) (domain.ToolResult, error) {
	result := domain.ToolResult{Tool: b.tool, OutputPath: inv.OutputPath}

	c, execErr := b.invoke(ctx, req, inv)
	result.ExitCode = c.exec.ExitCode
	result.DurationMS = c.exec.Duration.Milliseconds()
	result.Raw = c.primary()

	var out Outcome[T]
	if !c.blank() {
		out = Resolve(parse(c), c.text(), fallbacks...)
		if out.Kind == KindOk {
			apply(&result, out.Items)
			result.ParseMode = out.Mode
			if strings.HasPrefix(out.Mode, "text:") {
				b.log.Debug("structured parse unusable, used text fallback", zap.String("mode", out.Mode))
			}
		}
	} else {
		out = Empty[T]()
	}

	err := execErr
	if err == nil && out.Kind != KindOk {
		if out.Kind == KindEmpty && b.emptyOK {
			result.ParseMode = "empty"
		} else {
			err = out.AsError()
		}
	}
	return finish(b.tool, result, err)
}

func finish(tool domain.Tool, result domain.ToolResult, err error) (domain.ToolResult, error) {
	if err != nil {
		err = domain.NewToolError(tool, err)
		result.Success = false
		result.Error = err.Error()
		result.ErrorKind = domain.Classify(err)
		return result, err
	}
	result.Success = true
	return result, nil
}

// fail records an error raised before anything ran.
func fail(tool domain.Tool, err error) (domain.ToolResult, error) {
	return finish(tool, domain.ToolResult{Tool: tool}, err)
}
