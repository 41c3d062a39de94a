package scanners

import (
	"go.uber.org/zap"

	domain "github.com/bryanwahyu/armoureye/internal/domain/scans"
)

// Registry maps each catalog tool to its scanner.
type Registry map[domain.Tool]domain.Scanner

// NewRegistry wires the full catalog against one executor.
func NewRegistry(exec domain.Executor, opts Options, log *zap.Logger) Registry {
	r := Registry{}
	for _, s := range []domain.Scanner{
		NewNmap(exec, opts, log),
		NewTrivy(exec, opts, log),
		NewScout(exec, opts, log),
		NewNikto(exec, opts, log),
		NewWhatWeb(exec, opts, log),
		NewGobuster(exec, opts, log),
		NewDBPortScan(exec, opts, log),
		NewSQLMap(exec, opts, log),
		NewHydra(exec, opts, log),
	} {
		r[s.Name()] = s
	}
	return r
}

// Get returns the scanner for tool.
func (r Registry) Get(tool domain.Tool) (domain.Scanner, bool) {
	s, ok := r[tool]
	return s, ok
}
