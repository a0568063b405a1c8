// Package counthub is the sample streaming use case: clients stream counts
// and the hub pushes every count back, or a failure once a count violates
// the configured rule.
package counthub

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog"

	"hubstream/config"
	"hubstream/dispatch"
	"hubstream/logging"
)

// ErrRejected marks a count that violated the failure rule. It is not a
// classified error, so it reaches clients as an unknown error.
var ErrRejected = errors.New("count rejected by failure rule")

// Manager holds the per-item business logic of both actions.
type Manager struct {
	rule   string
	prog   *vm.Program
	logger zerolog.Logger
}

// NewManager compiles rule, a boolean expression over CountRequest fields
// such as "Count >= 5". An empty rule selects the default.
func NewManager(rule string) (*Manager, error) {
	if strings.TrimSpace(rule) == "" {
		rule = config.DefaultFailureRule
	}
	prog, err := expr.Compile(rule, expr.Env(CountRequest{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile failure rule %q: %w", rule, err)
	}
	return &Manager{rule: rule, prog: prog, logger: logging.For("counthub")}, nil
}

func (m *Manager) Rule() string { return m.rule }

// StreamingTest echoes the count.
func (m *Manager) StreamingTest(ctx context.Context, in CountRequest) (CountResponse, error) {
	return CountResponse{Meta: in.Meta, Count: in.Count}, nil
}

// StreamingExceptionTest echoes the count unless it violates the rule.
func (m *Manager) StreamingExceptionTest(ctx context.Context, in CountRequest) (CountResponse, error) {
	out, err := expr.Run(m.prog, in)
	if err != nil {
		return CountResponse{}, fmt.Errorf("evaluate failure rule: %w", err)
	}
	if out.(bool) {
		m.logger.Debug().Int("count", in.Count).Str("rule", m.rule).Msg("count rejected")
		return CountResponse{}, fmt.Errorf("%w: count %d matches %q", ErrRejected, in.Count, m.rule)
	}
	return CountResponse{Meta: in.Meta, Count: in.Count}, nil
}

var (
	_ dispatch.Processor[CountRequest, CountResponse] = (*Manager)(nil).StreamingTest
	_ dispatch.Processor[CountRequest, CountResponse] = (*Manager)(nil).StreamingExceptionTest
)
