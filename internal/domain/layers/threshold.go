// Package layers holds the per-layer policy controllers: connection
// admission (L1), contradiction configuration (L2), blindfold activation
// (L3), and proxy interception (L4).
package layers

import (
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"
)

// ThresholdController decides whether a detected connection becomes a
// session. Admission rules are CEL expressions over {src_ip, service}; a
// connection is admitted when every rule evaluates to true. No rules means
// every connection is admitted: portal traps exist to be entered.
type ThresholdController struct {
	logger   *slog.Logger
	programs []cel.Program
}

// NewThresholdController compiles the admission rules. A rule that fails to
// compile is a configuration error.
func NewThresholdController(rules []string, logger *slog.Logger) (*ThresholdController, error) {
	env, err := cel.NewEnv(
		cel.Variable("src_ip", cel.StringType),
		cel.Variable("service", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create admission environment: %w", err)
	}

	programs := make([]cel.Program, 0, len(rules))
	for _, rule := range rules {
		ast, issues := env.Compile(rule)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("admission rule %q: %w", rule, issues.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("admission rule %q: %w", rule, err)
		}
		programs = append(programs, prg)
	}

	return &ThresholdController{logger: logger, programs: programs}, nil
}

// Admit evaluates the admission rules for a connection. A rule that fails
// at evaluation time admits: a broken rule must not hide attackers from the
// maze.
func (t *ThresholdController) Admit(srcIP, service string) bool {
	for _, prg := range t.programs {
		out, _, err := prg.Eval(map[string]any{
			"src_ip":  srcIP,
			"service": service,
		})
		if err != nil {
			t.logger.Warn("admission rule evaluation failed, admitting",
				"src_ip", srcIP, "error", err)
			continue
		}
		if allowed, ok := out.Value().(bool); ok && !allowed {
			return false
		}
	}
	return true
}
