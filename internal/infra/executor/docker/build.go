package docker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	domain "github.com/bryanwahyu/armoureye/internal/domain/scans"
)

// Builder builds the tool image from a local Dockerfile directory with
// "docker build". Build output is streamed to the logger at debug level.
type Builder struct {
	DockerBinary string
	ContextDir   string
	Runner       ProcessRunner
	Log          *zap.Logger
}

var _ ImageBuilder = (*Builder)(nil)

func (b *Builder) Build(ctx context.Context, image string) error {
	bin := b.DockerBinary
	if bin == "" {
		bin = "docker"
	}
	runner := b.Runner
	if runner == nil {
		runner = NewExecRunner()
	}
	log := b.Log
	if log == nil {
		log = zap.NewNop()
	}
	log.Info("building sandbox image", zap.String("image", image), zap.String("context", b.ContextDir))

	res, err := runner.Run(ctx, bin, []string{"build", "-t", image, b.ContextDir}, func(stream, line string) {
		log.Debug(line, zap.String("stream", stream))
	})
	if err != nil {
		return fmt.Errorf("%w: docker build: %v", domain.ErrSandboxUnavailable, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: docker build %s exited %d: %s", domain.ErrSandboxUnavailable, image, res.ExitCode, firstLine(res.Stderr))
	}
	return nil
}
