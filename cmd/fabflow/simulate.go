package main

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/fabflow/internal/ctxkeys"
	"github.com/BaSui01/fabflow/workflow"
)

// Step parameters understood by the tool simulator.
const (
	paramDuration     = "sim_duration"
	paramFailAttempts = "sim_fail_attempts"
)

// simExecutor stands in for process tools. It holds each step for
// sim_duration, fails the first sim_fail_attempts attempts of a step on each
// target and otherwise produces every declared output.
type simExecutor struct {
	logger *zap.Logger

	mu       sync.Mutex
	attempts map[string]int
}

func newSimExecutor(logger *zap.Logger) *simExecutor {
	return &simExecutor{logger: logger, attempts: make(map[string]int)}
}

// registerSimulator binds the simulator to every module flow uses.
func registerSimulator(o *workflow.Orchestrator, sim *simExecutor, flow *workflow.Flow) error {
	for _, module := range flow.Modules() {
		if _, ok := o.Registry().Lookup(module); ok {
			continue
		}
		if err := o.RegisterExecutor(module, sim); err != nil {
			return err
		}
	}
	return nil
}

func (s *simExecutor) Execute(ctx context.Context, step workflow.Step, input map[string]string) (map[string]string, error) {
	target, _ := ctxkeys.TargetID(ctx)
	key := target + "/" + step.ID

	s.mu.Lock()
	s.attempts[key]++
	attempt := s.attempts[key]
	s.mu.Unlock()

	d, err := durationParam(step.Parameters[paramDuration])
	if err != nil {
		return nil, fmt.Errorf("step %s: %w", step.ID, err)
	}
	if d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}

	if fails := intParam(step.Parameters[paramFailAttempts]); attempt <= fails {
		s.logger.Debug("simulated tool fault",
			zap.String("target", target),
			zap.String("step", step.ID),
			zap.Int("attempt", attempt),
		)
		return nil, fmt.Errorf("%s: simulated tool fault on attempt %d", step.ModuleName, attempt)
	}

	out := make(map[string]string, len(step.DeclaredOutputs))
	for _, name := range step.DeclaredOutputs {
		out[name] = step.ID + "." + name
	}
	return out, nil
}

// durationParam accepts seconds as a number or a Go duration string.
func durationParam(v any) (time.Duration, error) {
	switch d := v.(type) {
	case nil:
		return 0, nil
	case int:
		return time.Duration(d) * time.Second, nil
	case float64:
		return time.Duration(d * float64(time.Second)), nil
	case string:
		if secs, err := strconv.ParseFloat(d, 64); err == nil {
			return time.Duration(secs * float64(time.Second)), nil
		}
		parsed, err := time.ParseDuration(d)
		if err != nil {
			return 0, fmt.Errorf("invalid %s %q", paramDuration, d)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("invalid %s %v", paramDuration, v)
	}
}

func intParam(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	}
	return 0
}
