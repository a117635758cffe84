package orchestrator

import (
	"strings"

	"github.com/tasklab/foreman/pkg/types"
)

// Weights blend the three agent scores. They should sum to 1.
type Weights struct {
	Capability   float64 `yaml:"capability"`
	Performance  float64 `yaml:"performance"`
	Availability float64 `yaml:"availability"`
}

// DefaultWeights is the shipped blend.
var DefaultWeights = Weights{Capability: 0.4, Performance: 0.3, Availability: 0.3}

// Strategy names a selection policy.
type Strategy string

const (
	StrategyRoundRobin        Strategy = "round_robin"
	StrategyLeastLoaded       Strategy = "least_loaded"
	StrategyCapabilityFirst   Strategy = "capability_first"
	StrategyIntelligentHybrid Strategy = "intelligent_hybrid"
)

// eligible filters out agents that cannot take the task right now.
func eligible(agents []*types.Agent) []*types.Agent {
	var out []*types.Agent
	for _, a := range agents {
		if a.Status == types.AgentStatusOffline || a.Status == types.AgentStatusError {
			continue
		}
		if len(a.CurrentTasks) >= a.MaxConcurrentTasks {
			continue
		}
		out = append(out, a)
	}
	return out
}

// capabilityScore is |required ∩ capabilities| / |required|. A task with no
// required skills matches every agent fully.
func capabilityScore(task *types.AtomicTask, a *types.Agent) float64 {
	if len(task.RequiredSkills) == 0 {
		return 1
	}
	have := make(map[string]bool, len(a.Capabilities))
	for _, c := range a.Capabilities {
		have[strings.ToLower(c)] = true
	}
	matched := 0
	for _, s := range task.RequiredSkills {
		if have[strings.ToLower(s)] {
			matched++
		}
	}
	return float64(matched) / float64(len(task.RequiredSkills))
}

// performanceScore blends success rate with inverse mean completion time.
func performanceScore(a *types.Agent) float64 {
	if a.Performance == nil {
		return 0.5
	}
	speed := 1.0
	if a.Performance.AvgCompletionMS > 0 {
		// Normalise against a 10 minute reference; faster is better.
		speed = 1.0 / (1.0 + a.Performance.AvgCompletionMS/600000.0)
	}
	return a.Performance.SuccessRate * speed
}

// availabilityScore is the unused share of the agent's concurrency budget.
func availabilityScore(a *types.Agent) float64 {
	if a.MaxConcurrentTasks <= 0 {
		return 0
	}
	return 1 - float64(len(a.CurrentTasks))/float64(a.MaxConcurrentTasks)
}

func hybridScore(task *types.AtomicTask, a *types.Agent, w Weights) float64 {
	return w.Capability*capabilityScore(task, a) +
		w.Performance*performanceScore(a) +
		w.Availability*availabilityScore(a)
}

// selectAgent is a pure function from the candidate set, the task and the
// configuration to the chosen agent ID, or "" when no agent qualifies.
// Ties are broken by the oldest LastActiveAt so work rotates.
func selectAgent(strategy Strategy, agents []*types.Agent, task *types.AtomicTask, w Weights) string {
	candidates := eligible(agents)
	if len(candidates) == 0 {
		return ""
	}

	score := func(a *types.Agent) float64 {
		switch strategy {
		case StrategyRoundRobin:
			// Rotation falls entirely to the LastActiveAt tie-break.
			return 0
		case StrategyLeastLoaded:
			return availabilityScore(a)
		case StrategyCapabilityFirst:
			return capabilityScore(task, a)
		default:
			return hybridScore(task, a, w)
		}
	}

	best := candidates[0]
	bestScore := score(best)
	for _, a := range candidates[1:] {
		s := score(a)
		if s > bestScore || (s == bestScore && a.LastActiveAt.Before(best.LastActiveAt)) {
			best, bestScore = a, s
		}
	}
	return best.ID
}
