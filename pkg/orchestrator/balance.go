package orchestrator

import (
	"sort"
	"time"

	"github.com/tasklab/foreman/pkg/events"
	"github.com/tasklab/foreman/pkg/types"
)

// ImbalanceReport names overloaded and underloaded agents.
type ImbalanceReport struct {
	Imbalanced  bool     `json:"imbalanced"`
	Overloaded  []string `json:"overloaded,omitempty"`
	Underloaded []string `json:"underloaded,omitempty"`
	Spread      float64  `json:"spread"`
}

// Migration is one proposed or executed queue move.
type Migration struct {
	TaskID string `json:"taskId"`
	From   string `json:"from"`
	To     string `json:"to"`
}

// loadRatio is in-flight plus queued work over the concurrency budget.
func (o *Orchestrator) loadRatio(a *types.Agent) float64 {
	if a.MaxConcurrentTasks <= 0 {
		return 1
	}
	return float64(len(a.CurrentTasks)+o.agents.QueueDepth(a.ID)) / float64(a.MaxConcurrentTasks)
}

// DetectWorkloadImbalance compares load ratios across online agents. The
// system is imbalanced when the spread between the most and least loaded
// agent exceeds the threshold; agents above the mean are overloaded, below
// it underloaded.
func (o *Orchestrator) DetectWorkloadImbalance(threshold float64) ImbalanceReport {
	var online []*types.Agent
	for _, a := range o.agents.List() {
		if a.Status == types.AgentStatusOffline || a.Status == types.AgentStatusError {
			continue
		}
		online = append(online, a)
	}
	if len(online) < 2 {
		return ImbalanceReport{}
	}

	ratios := make(map[string]float64, len(online))
	lo, hi, sum := 2.0, -1.0, 0.0
	for _, a := range online {
		r := o.loadRatio(a)
		ratios[a.ID] = r
		sum += r
		if r < lo {
			lo = r
		}
		if r > hi {
			hi = r
		}
	}

	report := ImbalanceReport{Spread: hi - lo}
	if report.Spread <= threshold {
		return report
	}
	report.Imbalanced = true
	mean := sum / float64(len(online))
	for _, a := range online {
		switch {
		case ratios[a.ID] > mean:
			report.Overloaded = append(report.Overloaded, a.ID)
		case ratios[a.ID] < mean:
			report.Underloaded = append(report.Underloaded, a.ID)
		}
	}
	sort.Strings(report.Overloaded)
	sort.Strings(report.Underloaded)
	return report
}

// RebalanceWorkload moves queued descriptors from overloaded to underloaded
// agents. Only work still sitting in a queue migrates; anything already
// delivered stays put. Returns the executed migrations.
func (o *Orchestrator) RebalanceWorkload(threshold float64) []Migration {
	report := o.DetectWorkloadImbalance(threshold)
	if !report.Imbalanced || len(report.Underloaded) == 0 {
		return nil
	}

	var moves []Migration
	target := 0
	for _, from := range report.Overloaded {
		for o.agents.QueueDepth(from) > 0 && target < len(report.Underloaded) {
			desc, err := o.agents.Dequeue(from)
			if err != nil || desc == nil {
				break
			}
			to := report.Underloaded[target]
			if err := o.agents.Enqueue(to, desc); err != nil {
				// Receiver full; put it back and try the next one.
				o.returnToQueue(from, desc)
				target++
				continue
			}
			moves = append(moves, Migration{TaskID: desc.TaskID, From: from, To: to})
			target = (target + 1) % len(report.Underloaded)
			if len(moves) >= len(report.Overloaded)*2 {
				// Minimal set; avoid thrashing in one pass.
				return moves
			}
		}
	}
	return moves
}

// returnToQueue restores a dequeued descriptor to its source agent. When the
// source cannot take it back the descriptor is handed to the requeue event
// stream so the task returns to the pending pool instead of vanishing.
func (o *Orchestrator) returnToQueue(agentID string, desc *types.TaskDescriptor) {
	if err := o.agents.Enqueue(agentID, desc); err == nil {
		return
	}
	o.logger.Warn().Str("task_id", desc.TaskID).Str("agent_id", agentID).Msg("migration rollback failed, requeueing task")
	if o.broker != nil {
		o.broker.Publish(&events.Event{
			Type:  events.EventTaskRequeued,
			ID:    desc.TaskID,
			Value: desc,
			Metadata: map[string]string{
				"agentId": agentID,
				"reason":  "rebalance_rollback_failed",
			},
		})
	}
}

// CompletionPrediction is an estimate with its supporting sample size.
type CompletionPrediction struct {
	EstimateMS float64 `json:"estimateMs"`
	Confidence float64 `json:"confidence"`
	Samples    int     `json:"samples"`
}

// PredictTaskCompletion blends the agent's historical mean with the task's
// own effort estimate. Confidence grows with the sample count.
func (o *Orchestrator) PredictTaskCompletion(agentID string, task *types.AtomicTask) (*CompletionPrediction, error) {
	a, err := o.agents.Get(agentID)
	if err != nil {
		return nil, err
	}

	effortMS := task.EstimatedHours * float64(time.Hour.Milliseconds())
	if a.Performance == nil || a.Performance.TasksCompleted == 0 {
		return &CompletionPrediction{EstimateMS: effortMS, Confidence: 0.1}, nil
	}

	n := a.Performance.TasksCompleted
	// Weight history more heavily as samples accumulate.
	historyWeight := float64(n) / float64(n+3)
	estimate := historyWeight*a.Performance.AvgCompletionMS + (1-historyWeight)*effortMS
	confidence := float64(n) / float64(n+5)
	return &CompletionPrediction{EstimateMS: estimate, Confidence: confidence, Samples: n}, nil
}
