package decompose

import (
	"fmt"
	"strings"

	"github.com/tasklab/foreman/pkg/graph"
	"github.com/tasklab/foreman/pkg/types"
)

// Suggestion is one inferred dependency edge with its supporting evidence.
type Suggestion struct {
	FromTaskID string               `json:"fromTaskId"`
	ToTaskID   string               `json:"toTaskId"`
	Kind       types.DependencyKind `json:"kind"`
	Confidence float64              `json:"confidence"`
	Reason     string               `json:"reason"`
}

// DetectionReport is the outcome of dependency detection over a task set.
type DetectionReport struct {
	Applied  []Suggestion `json:"applied"`
	Reported []Suggestion `json:"reported"`
}

// InferDependencies runs the ordering heuristics over a task set and
// returns suggested edges. From must complete before To may start.
func (e *Engine) InferDependencies(tasks []*types.AtomicTask) []Suggestion {
	var out []Suggestion
	seen := make(map[string]bool)

	add := func(s Suggestion) {
		if s.FromTaskID == s.ToTaskID {
			return
		}
		key := s.FromTaskID + ">" + s.ToTaskID
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, s)
	}

	for _, a := range tasks {
		for _, b := range tasks {
			if a.ID == b.ID {
				continue
			}
			// Model before consumer: a task producing a data model
			// precedes tasks whose files or text reference it.
			if touchesArea(a, "model") && !touchesArea(b, "model") && sharesTokens(a, b) {
				add(Suggestion{
					FromTaskID: a.ID, ToTaskID: b.ID,
					Kind: types.DependencyData, Confidence: 0.85,
					Reason: "data model precedes its consumers",
				})
			}
			// Implementation before its tests.
			if b.Type == types.TaskTypeTesting && a.Type == types.TaskTypeDevelopment && sharesTokens(a, b) {
				add(Suggestion{
					FromTaskID: a.ID, ToTaskID: b.ID,
					Kind: types.DependencyTaskOrder, Confidence: 0.9,
					Reason: "tests follow the implementation they cover",
				})
			}
			// Configuration before anything that uses it.
			if touchesArea(a, "config") && !touchesArea(b, "config") && sharesTokens(a, b) {
				add(Suggestion{
					FromTaskID: a.ID, ToTaskID: b.ID,
					Kind: types.DependencyResource, Confidence: 0.75,
					Reason: "configuration precedes its use",
				})
			}
		}
	}

	// Shared-file collision: two tasks editing the same file need an
	// order. Deterministically order by ID to avoid proposing both
	// directions.
	for i, a := range tasks {
		for _, b := range tasks[i+1:] {
			if file := sharedFile(a, b); file != "" {
				from, to := a, b
				if from.ID > to.ID {
					from, to = to, from
				}
				add(Suggestion{
					FromTaskID: from.ID, ToTaskID: to.ID,
					Kind: types.DependencyResource, Confidence: 0.6,
					Reason: fmt.Sprintf("both tasks modify %s", file),
				})
			}
		}
	}
	return out
}

// ApplyDependencyDetection infers edges and applies those at or above the
// confidence threshold directly to the tasks' dependency lists. Lower
// confidence suggestions are reported for a human to confirm. Each candidate
// is validated against the full edge set built so far; an edge that already
// exists is dropped, and one that would close a cycle is demoted to the
// report. The applied set is always acyclic.
func (e *Engine) ApplyDependencyDetection(tasks []*types.AtomicTask) DetectionReport {
	byID := make(map[string]*types.AtomicTask, len(tasks))
	dag := graph.New()
	for _, t := range tasks {
		byID[t.ID] = t
		dag.AddNode(t.ID)
		for _, dep := range t.DependencyIDs {
			// Pre-existing edges are trusted; a malformed input set
			// surfaces later in plan building.
			_ = dag.AddEdge(dep, t.ID)
		}
	}

	var report DetectionReport
	for _, s := range e.InferDependencies(tasks) {
		if s.Confidence < e.cfg.ConfidenceThreshold {
			report.Reported = append(report.Reported, s)
			continue
		}
		if dag.HasEdge(s.FromTaskID, s.ToTaskID) {
			continue
		}
		if err := dag.AddEdge(s.FromTaskID, s.ToTaskID); err != nil {
			report.Reported = append(report.Reported, s)
			continue
		}
		to := byID[s.ToTaskID]
		from := byID[s.FromTaskID]
		to.DependencyIDs = append(to.DependencyIDs, s.FromTaskID)
		from.DependentIDs = append(from.DependentIDs, s.ToTaskID)
		report.Applied = append(report.Applied, s)
	}
	return report
}

// touchesArea reports whether a task's files or title name an area like
// "model" or "config".
func touchesArea(t *types.AtomicTask, area string) bool {
	for _, p := range t.FilePaths {
		if strings.Contains(strings.ToLower(p), area) {
			return true
		}
	}
	return strings.Contains(strings.ToLower(t.Title), area)
}

// sharesTokens reports meaningful title token overlap between two tasks.
func sharesTokens(a, b *types.AtomicTask) bool {
	ta := tokens(a.Title + " " + a.Description)
	tb := tokens(b.Title + " " + b.Description)
	common := 0
	for tok := range ta {
		if tb[tok] {
			common++
		}
	}
	return common >= 1
}

func sharedFile(a, b *types.AtomicTask) string {
	files := make(map[string]bool, len(a.FilePaths))
	for _, p := range a.FilePaths {
		files[p] = true
	}
	for _, p := range b.FilePaths {
		if files[p] {
			return p
		}
	}
	return ""
}

// stopwords are excluded from token comparisons.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "the": true, "for": true,
	"to": true, "of": true, "in": true, "on": true, "with": true,
	"implement": true, "add": true, "create": true, "update": true,
	"write": true, "task": true,
}

func tokens(s string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		if len(tok) < 2 || stopwords[tok] {
			continue
		}
		out[tok] = true
	}
	return out
}

// titleSimilarity is the Jaccard index over normalised title tokens.
func titleSimilarity(a, b string) float64 {
	ta, tb := tokens(a), tokens(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 1
	}
	inter := 0
	for tok := range ta {
		if tb[tok] {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
