package decompose

import (
	"fmt"

	"github.com/tasklab/foreman/pkg/types"
)

const duplicateThreshold = 0.8

// DuplicatePair names two candidate tasks whose titles are near-identical.
type DuplicatePair struct {
	TaskA      string  `json:"taskA"`
	TaskB      string  `json:"taskB"`
	Similarity float64 `json:"similarity"`
}

// BatchReport is the cross-task view over a candidate set.
type BatchReport struct {
	PerTask         map[string]AtomicityResult `json:"perTask"`
	Duplicates      []DuplicatePair            `json:"duplicates,omitempty"`
	TotalEffort     float64                    `json:"totalEffortHours"`
	SkillCounts     map[string]int             `json:"skillCounts"`
	Recommendations []string                   `json:"recommendations,omitempty"`
}

// ValidateBatch checks every candidate for atomicity and the set as a whole
// for duplicates, effort and skill spread.
func (e *Engine) ValidateBatch(tasks []*types.AtomicTask, pc ProjectContext) *BatchReport {
	report := &BatchReport{
		PerTask:     make(map[string]AtomicityResult, len(tasks)),
		SkillCounts: make(map[string]int),
	}

	nonAtomic := 0
	for _, t := range tasks {
		res := e.CheckAtomicity(t, pc)
		report.PerTask[t.ID] = res
		if !res.Atomic {
			nonAtomic++
		}
		report.TotalEffort += t.EstimatedHours
		for _, s := range t.RequiredSkills {
			report.SkillCounts[s]++
		}
	}

	for i, a := range tasks {
		for _, b := range tasks[i+1:] {
			if sim := titleSimilarity(a.Title, b.Title); sim >= duplicateThreshold {
				report.Duplicates = append(report.Duplicates, DuplicatePair{
					TaskA: a.ID, TaskB: b.ID, Similarity: sim,
				})
			}
		}
	}

	if nonAtomic > 0 {
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("%d of %d tasks need further decomposition", nonAtomic, len(tasks)))
	}
	if len(report.Duplicates) > 0 {
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("merge %d near-duplicate task pairs", len(report.Duplicates)))
	}
	if avg := report.TotalEffort / float64(max(len(tasks), 1)); avg > e.cfg.AtomicHourCeiling {
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("average effort %.1fh exceeds the %.0fh ceiling", avg, e.cfg.AtomicHourCeiling))
	}
	return report
}
