package workflow

import (
	"strings"

	"github.com/BaSui01/fabflow/types"
)

// Wave is a set of steps that become runnable together once every earlier
// wave has resolved.
type Wave struct {
	Index   int      `json:"index"`
	StepIDs []string `json:"step_ids"`
	// Concurrent is true when the wave holds more than one parallel-compatible step.
	Concurrent bool `json:"concurrent"`
}

// Resolve partitions steps into ordered waves using Kahn layering.
//
// Steps whose id is in completed are left out and count as satisfied
// dependencies, which is how a resumed run plans its remaining work. Each
// layer contributes one wave holding all of its parallel-compatible steps and
// one singleton wave per incompatible step; waves follow the declaration
// order of their first member.
func Resolve(steps []Step, completed map[string]bool) ([]Wave, error) {
	index := make(map[string]int, len(steps))
	for i, s := range steps {
		if _, dup := index[s.ID]; dup {
			return nil, types.Errorf(types.ErrDuplicateStep, "duplicate step id %q", s.ID).WithStep(s.ID)
		}
		index[s.ID] = i
	}
	for _, s := range steps {
		for _, dep := range s.Dependencies {
			if _, ok := index[dep]; !ok && !completed[dep] {
				return nil, types.Errorf(types.ErrUnknownDependency,
					"step %q depends on unknown step %q", s.ID, dep).WithStep(s.ID)
			}
		}
	}

	placed := make(map[string]bool, len(steps))
	for id := range completed {
		placed[id] = true
	}
	remaining := make([]int, 0, len(steps))
	for i, s := range steps {
		if !completed[s.ID] {
			remaining = append(remaining, i)
		}
	}

	var waves []Wave
	for len(remaining) > 0 {
		var layer, rest []int
		for _, i := range remaining {
			if depsPlaced(steps[i], placed) {
				layer = append(layer, i)
			} else {
				rest = append(rest, i)
			}
		}
		if len(layer) == 0 {
			ids := make([]string, len(rest))
			for k, i := range rest {
				ids[k] = steps[i].ID
			}
			return nil, types.Errorf(types.ErrCyclicDependency,
				"cyclic dependency among steps: %s", strings.Join(ids, ", "))
		}

		compatibleAt := -1
		for _, i := range layer {
			s := steps[i]
			if !s.ParallelCompatible {
				waves = append(waves, Wave{StepIDs: []string{s.ID}})
				continue
			}
			if compatibleAt < 0 {
				compatibleAt = len(waves)
				waves = append(waves, Wave{})
			}
			waves[compatibleAt].StepIDs = append(waves[compatibleAt].StepIDs, s.ID)
		}
		if compatibleAt >= 0 {
			waves[compatibleAt].Concurrent = len(waves[compatibleAt].StepIDs) > 1
		}

		// Mark after the whole layer is formed so same-layer steps never
		// satisfy each other.
		for _, i := range layer {
			placed[steps[i].ID] = true
		}
		remaining = rest
	}

	for i := range waves {
		waves[i].Index = i
	}
	return waves, nil
}

func depsPlaced(s Step, placed map[string]bool) bool {
	for _, dep := range s.Dependencies {
		if !placed[dep] {
			return false
		}
	}
	return true
}
