package decompose

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tasklab/foreman/pkg/errdef"
	"github.com/tasklab/foreman/pkg/graph"
	"github.com/tasklab/foreman/pkg/llm"
	"github.com/tasklab/foreman/pkg/log"
	"github.com/tasklab/foreman/pkg/metrics"
	"github.com/tasklab/foreman/pkg/types"
)

const (
	defaultChunkSize         = 40
	defaultAtomicHourCeiling = 4.0
	defaultConfidence        = 0.7
	defaultWorkerPool        = 4

	minChildren = 2
	maxChildren = 10
)

// Config tunes the engine.
type Config struct {
	ChunkSize           int
	AtomicHourCeiling   float64
	ConfidenceThreshold float64
	WorkerPoolSize      int
}

// ProjectContext is what the engine knows about the surrounding project
// when judging a task.
type ProjectContext struct {
	ProjectID       string
	Languages       []string
	Frameworks      []string
	TechStack       []string
	ExistingTasks   []*types.AtomicTask
	CodebaseSummary string
}

func (c ProjectContext) stack() []string {
	out := append([]string(nil), c.Languages...)
	out = append(out, c.Frameworks...)
	out = append(out, c.TechStack...)
	return out
}

// Engine turns coarse tasks into atomic ones. The model plans; the engine
// validates everything the model returns before it reaches storage.
type Engine struct {
	client llm.Client
	cfg    Config
	logger zerolog.Logger
}

// NewEngine creates a decomposition engine.
func NewEngine(client llm.Client, cfg Config) *Engine {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.AtomicHourCeiling <= 0 {
		cfg.AtomicHourCeiling = defaultAtomicHourCeiling
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = defaultConfidence
	}
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = defaultWorkerPool
	}
	return &Engine{
		client: client,
		cfg:    cfg,
		logger: log.WithComponent("decompose"),
	}
}

// AtomicityResult explains why a task is or is not atomic.
type AtomicityResult struct {
	Atomic  bool     `json:"atomic"`
	Reasons []string `json:"reasons,omitempty"`
}

// multiConcernMarkers suggest a title that bundles several concerns.
var multiConcernMarkers = []string{" and ", " then ", "; ", " as well as ", " plus "}

// CheckAtomicity applies the five atomicity predicates. A task failing any
// of them is decomposable.
func (e *Engine) CheckAtomicity(task *types.AtomicTask, pc ProjectContext) AtomicityResult {
	var reasons []string

	lower := strings.ToLower(task.Title)
	for _, marker := range multiConcernMarkers {
		if strings.Contains(lower, marker) {
			reasons = append(reasons, "title names more than one functional concern")
			break
		}
	}
	if task.EstimatedHours <= 0 || task.EstimatedHours > e.cfg.AtomicHourCeiling {
		reasons = append(reasons, fmt.Sprintf("estimated effort %.1fh outside (0, %.1fh]", task.EstimatedHours, e.cfg.AtomicHourCeiling))
	}
	if len(task.FilePaths) == 0 || len(task.FilePaths) > 10 {
		reasons = append(reasons, "file set is unbounded or empty")
	}
	if len(task.AcceptanceCriteria) == 0 {
		reasons = append(reasons, "no concrete acceptance criteria")
	}
	if len(task.RequiredSkills) > 3 || !subsetOfStack(task.RequiredSkills, pc.stack()) {
		reasons = append(reasons, "required skills are not a small subset of the project stack")
	}

	return AtomicityResult{Atomic: len(reasons) == 0, Reasons: reasons}
}

func subsetOfStack(skills, stack []string) bool {
	known := make(map[string]bool, len(stack))
	for _, s := range stack {
		known[strings.ToLower(s)] = true
	}
	for _, s := range skills {
		if !known[strings.ToLower(s)] {
			return false
		}
	}
	return true
}

// childSpec is the shape the model must return for each child task.
type childSpec struct {
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	Type               string   `json:"type"`
	Priority           string   `json:"priority"`
	EstimatedHours     float64  `json:"estimatedHours"`
	FilePaths          []string `json:"filePaths"`
	AcceptanceCriteria []string `json:"acceptanceCriteria"`
	RequiredSkills     []string `json:"requiredSkills"`
	DependsOn          []int    `json:"dependsOn"` // indices into the same array
}

// Decompose asks the model for 2-10 child tasks and validates the answer.
// Malformed or cyclic output is retried once with a stricter prompt; a
// second failure surfaces as a validation error.
func (e *Engine) Decompose(ctx context.Context, task *types.AtomicTask, pc ProjectContext) ([]*types.AtomicTask, error) {
	start := time.Now()
	defer func() {
		metrics.DecompositionDuration.Observe(time.Since(start).Seconds())
	}()

	prompt := e.decomposePrompt(task, pc, false)
	children, err := e.decomposeOnce(ctx, prompt)
	if err != nil {
		e.logger.Warn().Str("task_id", task.ID).Err(err).Msg("decomposition output rejected, retrying with strict prompt")
		children, err = e.decomposeOnce(ctx, e.decomposePrompt(task, pc, true))
		if err != nil {
			return nil, errdef.Wrap(errdef.KindValidation, err, "decomposing task %s", task.ID)
		}
	}

	return e.materialise(task, children), nil
}

// DecomposeIfNeeded checks atomicity first and returns an atomic task
// unchanged as its own single-element result.
func (e *Engine) DecomposeIfNeeded(ctx context.Context, task *types.AtomicTask, pc ProjectContext) ([]*types.AtomicTask, error) {
	if e.CheckAtomicity(task, pc).Atomic {
		return []*types.AtomicTask{task}, nil
	}
	return e.Decompose(ctx, task, pc)
}

func (e *Engine) decomposeOnce(ctx context.Context, prompt string) ([]childSpec, error) {
	resp, err := e.client.Complete(ctx, llm.Request{
		System: "You split software tasks into small, independently executable subtasks. Reply with a JSON array only.",
		Prompt: prompt,
	})
	if err != nil {
		return nil, err
	}

	var children []childSpec
	if err := json.Unmarshal([]byte(extractJSON(resp.Text)), &children); err != nil {
		return nil, fmt.Errorf("output is not a JSON array: %w", err)
	}
	if len(children) < minChildren || len(children) > maxChildren {
		return nil, fmt.Errorf("expected %d-%d children, got %d", minChildren, maxChildren, len(children))
	}

	seen := make(map[string]bool)
	dag := graph.New()
	for i, c := range children {
		if strings.TrimSpace(c.Title) == "" {
			return nil, fmt.Errorf("child %d has an empty title", i)
		}
		key := strings.ToLower(strings.TrimSpace(c.Title))
		if seen[key] {
			return nil, fmt.Errorf("duplicate child title %q", c.Title)
		}
		seen[key] = true
		dag.AddNode(fmt.Sprint(i))
	}
	for i, c := range children {
		for _, dep := range c.DependsOn {
			if dep < 0 || dep >= len(children) {
				return nil, fmt.Errorf("child %d depends on out-of-range index %d", i, dep)
			}
			if err := dag.AddEdge(fmt.Sprint(dep), fmt.Sprint(i)); err != nil {
				return nil, fmt.Errorf("child dependencies are cyclic: %w", err)
			}
		}
	}
	return children, nil
}

// materialise converts validated specs into tasks wired to the parent.
func (e *Engine) materialise(parent *types.AtomicTask, children []childSpec) []*types.AtomicTask {
	ids := make([]string, len(children))
	for i := range children {
		ids[i] = uuid.New().String()
	}
	out := make([]*types.AtomicTask, len(children))
	for i, c := range children {
		deps := make([]string, 0, len(c.DependsOn))
		for _, d := range c.DependsOn {
			deps = append(deps, ids[d])
		}
		out[i] = &types.AtomicTask{
			ID:                 ids[i],
			ProjectID:          parent.ProjectID,
			EpicID:             parent.EpicID,
			Title:              c.Title,
			Description:        c.Description,
			Type:               normaliseType(c.Type),
			Priority:           normalisePriority(c.Priority, parent.Priority),
			Status:             types.TaskStatusPending,
			EstimatedHours:     c.EstimatedHours,
			DependencyIDs:      deps,
			FilePaths:          c.FilePaths,
			AcceptanceCriteria: c.AcceptanceCriteria,
			RequiredSkills:     c.RequiredSkills,
		}
	}
	// Back-fill dependents.
	byID := make(map[string]*types.AtomicTask, len(out))
	for _, t := range out {
		byID[t.ID] = t
	}
	for _, t := range out {
		for _, dep := range t.DependencyIDs {
			byID[dep].DependentIDs = append(byID[dep].DependentIDs, t.ID)
		}
	}
	return out
}

func (e *Engine) decomposePrompt(task *types.AtomicTask, pc ProjectContext, strict bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", task.Title)
	if task.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", task.Description)
	}
	if stack := pc.stack(); len(stack) > 0 {
		fmt.Fprintf(&b, "Project stack: %s\n", strings.Join(stack, ", "))
	}
	if pc.CodebaseSummary != "" {
		fmt.Fprintf(&b, "Codebase: %s\n", pc.CodebaseSummary)
	}
	fmt.Fprintf(&b, "\nSplit this into %d-%d subtasks. Each subtask: title, description, type (development|testing|research|docs|deployment), priority (low|medium|high|critical), estimatedHours (<= %.0f), filePaths, acceptanceCriteria, requiredSkills, dependsOn (array of indices into this list).\n",
		minChildren, maxChildren, e.cfg.AtomicHourCeiling)
	if strict {
		b.WriteString("\nSTRICT MODE: your previous answer was rejected. Reply with nothing but a syntactically valid JSON array. Dependencies must be acyclic indices. Titles must be distinct.\n")
	}
	return b.String()
}

// ResearchDecision is the outcome of the research trigger predicate.
type ResearchDecision struct {
	ShouldResearch bool    `json:"shouldResearch"`
	Confidence     float64 `json:"confidence"`
	Reason         string  `json:"reason"`
}

var noveltyMarkers = []string{"integrate", "migration", "new technology", "evaluate", "proof of concept", "spike"}

// ShouldResearch decides whether a research pass precedes the next
// decomposition iteration.
func (e *Engine) ShouldResearch(task *types.AtomicTask, pc ProjectContext) ResearchDecision {
	if task.EstimatedHours > 4*e.cfg.AtomicHourCeiling {
		return ResearchDecision{ShouldResearch: true, Confidence: 0.9,
			Reason: fmt.Sprintf("estimated effort %.1fh exceeds %.0fh", task.EstimatedHours, 4*e.cfg.AtomicHourCeiling)}
	}
	if task.Metadata != nil {
		for _, tag := range task.Metadata.Tags {
			if strings.EqualFold(tag, "high-risk") {
				return ResearchDecision{ShouldResearch: true, Confidence: 0.85, Reason: "task tagged high-risk"}
			}
		}
	}
	text := strings.ToLower(task.Title + " " + task.Description)
	for _, marker := range noveltyMarkers {
		if strings.Contains(text, marker) {
			return ResearchDecision{ShouldResearch: true, Confidence: 0.6,
				Reason: fmt.Sprintf("novelty signal %q in task text", marker)}
		}
	}
	if unknown := unfamiliarSkills(task.RequiredSkills, pc.stack()); len(unknown) > 0 {
		return ResearchDecision{ShouldResearch: true, Confidence: 0.7,
			Reason: fmt.Sprintf("unfamiliar skills: %s", strings.Join(unknown, ", "))}
	}
	return ResearchDecision{ShouldResearch: false, Confidence: 0.8, Reason: "task fits the known stack and effort bounds"}
}

func unfamiliarSkills(skills, stack []string) []string {
	known := make(map[string]bool, len(stack))
	for _, s := range stack {
		known[strings.ToLower(s)] = true
	}
	var out []string
	for _, s := range skills {
		if !known[strings.ToLower(s)] {
			out = append(out, s)
		}
	}
	return out
}

// extractJSON strips markdown fences the model sometimes wraps around its
// answer.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		if i := strings.Index(text, "\n"); i >= 0 {
			text = text[i+1:]
		}
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}
	return strings.TrimSpace(text)
}

func normaliseType(s string) types.TaskType {
	switch types.TaskType(strings.ToLower(s)) {
	case types.TaskTypeDevelopment, types.TaskTypeTesting, types.TaskTypeResearch, types.TaskTypeDocs, types.TaskTypeDeployment:
		return types.TaskType(strings.ToLower(s))
	}
	return types.TaskTypeDevelopment
}

func normalisePriority(s string, fallback types.TaskPriority) types.TaskPriority {
	switch types.TaskPriority(strings.ToLower(s)) {
	case types.PriorityLow, types.PriorityMedium, types.PriorityHigh, types.PriorityCritical:
		return types.TaskPriority(strings.ToLower(s))
	}
	if fallback != "" {
		return fallback
	}
	return types.PriorityMedium
}
