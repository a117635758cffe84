package types

import (
	"time"
)

// Project is the top-level container for a body of work. It is created on
// the first request that names it and lives until explicitly deleted.
type Project struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	RootDir   string         `json:"rootDir"`
	Config    *ProjectConfig `json:"config,omitempty"`
	EpicIDs   []string       `json:"epicIds"`
	TechStack []string       `json:"techStack,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// ProjectConfig holds per-project tuning knobs.
type ProjectConfig struct {
	MaxConcurrentTasks int               `json:"maxConcurrentTasks,omitempty"`
	PerformanceTargets map[string]string `json:"performanceTargets,omitempty"`
	FeatureToggles     map[string]bool   `json:"featureToggles,omitempty"`
}

// Epic groups related tasks under a functional area of a project.
type Epic struct {
	ID        string       `json:"id"`
	ProjectID string       `json:"projectId"`
	Title     string       `json:"title"`
	Area      string       `json:"area,omitempty"`
	Status    TaskStatus   `json:"status"`
	Priority  TaskPriority `json:"priority"`
	TaskIDs   []string     `json:"taskIds"`
	DependsOn []string     `json:"dependsOn,omitempty"` // other epic IDs
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// TaskType classifies the kind of work a task represents.
type TaskType string

const (
	TaskTypeDevelopment TaskType = "development"
	TaskTypeTesting     TaskType = "testing"
	TaskTypeResearch    TaskType = "research"
	TaskTypeDocs        TaskType = "docs"
	TaskTypeDeployment  TaskType = "deployment"
)

// TaskPriority orders tasks for scheduling.
type TaskPriority string

const (
	PriorityLow      TaskPriority = "low"
	PriorityMedium   TaskPriority = "medium"
	PriorityHigh     TaskPriority = "high"
	PriorityCritical TaskPriority = "critical"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusBlocked    TaskStatus = "blocked"
)

// Terminal reports whether the status is a final state.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// AtomicTask is the unit of work dispatched to a single agent.
type AtomicTask struct {
	ID                 string        `json:"id"`
	ProjectID          string        `json:"projectId"`
	EpicID             string        `json:"epicId"`
	Title              string        `json:"title"`
	Description        string        `json:"description,omitempty"`
	Type               TaskType      `json:"type"`
	Priority           TaskPriority  `json:"priority"`
	Status             TaskStatus    `json:"status"`
	EstimatedHours     float64       `json:"estimatedHours"`
	DependencyIDs      []string      `json:"dependencyIds,omitempty"`
	DependentIDs       []string      `json:"dependentIds,omitempty"`
	FilePaths          []string      `json:"filePaths,omitempty"`
	AcceptanceCriteria []string      `json:"acceptanceCriteria,omitempty"`
	RequiredSkills     []string      `json:"requiredSkills,omitempty"`
	AgentID            string        `json:"agentId,omitempty"`
	Metadata           *TaskMetadata `json:"metadata,omitempty"`
	CreatedAt          time.Time     `json:"createdAt"`
	UpdatedAt          time.Time     `json:"updatedAt"`
}

// TaskMetadata carries bookkeeping that is not part of the task definition.
type TaskMetadata struct {
	Tags          []string       `json:"tags,omitempty"`
	AutoGenerated bool           `json:"autoGenerated,omitempty"`
	StartedAt     time.Time      `json:"startedAt,omitzero"`
	CompletedAt   time.Time      `json:"completedAt,omitzero"`
	AgentResponse *AgentResponse `json:"agentResponse,omitempty"`
}

// DependencyKind classifies why one task must precede another.
type DependencyKind string

const (
	DependencyTaskOrder DependencyKind = "task_order"
	DependencyData      DependencyKind = "data"
	DependencyResource  DependencyKind = "resource"
	DependencyKnowledge DependencyKind = "knowledge"
)

// DependencyStrength marks whether an edge is mandatory.
type DependencyStrength string

const (
	DependencyRequired DependencyStrength = "required"
	DependencyOptional DependencyStrength = "optional"
)

// Dependency is a directed edge between two tasks of the same project.
type Dependency struct {
	ID         string             `json:"id"`
	ProjectID  string             `json:"projectId"`
	FromTaskID string             `json:"fromTaskId"`
	ToTaskID   string             `json:"toTaskId"`
	Kind       DependencyKind     `json:"kind"`
	Strength   DependencyStrength `json:"strength"`
	Rationale  string             `json:"rationale,omitempty"`
	CreatedAt  time.Time          `json:"createdAt"`
	UpdatedAt  time.Time          `json:"updatedAt"`
}

// DependencyGraph is the per-project materialised view of all dependencies:
// adjacency, a topological order, and parallel execution batches.
// Invariant: acyclic.
type DependencyGraph struct {
	ProjectID string              `json:"projectId"`
	Edges     map[string][]string `json:"edges"` // from task ID -> to task IDs
	TopoOrder []string            `json:"topoOrder"`
	Batches   [][]string          `json:"batches"`
	UpdatedAt time.Time           `json:"updatedAt"`
}

// AgentStatus represents the availability of a worker agent.
type AgentStatus string

const (
	AgentStatusIdle    AgentStatus = "idle"
	AgentStatusBusy    AgentStatus = "busy"
	AgentStatusOffline AgentStatus = "offline"
	AgentStatusError   AgentStatus = "error"
)

// TransportType identifies the channel an agent is reached over.
type TransportType string

const (
	TransportHTTP      TransportType = "http"
	TransportWebSocket TransportType = "websocket"
	TransportSSE       TransportType = "sse"
	TransportStdio     TransportType = "stdio"
)

// Agent is a registered worker capable of executing atomic tasks.
type Agent struct {
	ID                 string            `json:"id"`
	Name               string            `json:"name,omitempty"`
	Capabilities       []string          `json:"capabilities"`
	Status             AgentStatus       `json:"status"`
	CurrentTasks       []string          `json:"currentTasks,omitempty"`
	MaxConcurrentTasks int               `json:"maxConcurrentTasks"`
	PreferredTypes     []TaskType        `json:"preferredTypes,omitempty"`
	TimeoutSeconds     int               `json:"timeoutSeconds,omitempty"`
	Performance        *AgentPerformance `json:"performance,omitempty"`
	Transport          TransportType     `json:"transportType"`
	SessionID          string            `json:"sessionId,omitempty"`
	HTTPEndpoint       string            `json:"httpEndpoint,omitempty"`
	HTTPAuthToken      string            `json:"-"`
	LastHeartbeat      time.Time         `json:"lastHeartbeat"`
	LastActiveAt       time.Time         `json:"lastActiveAt"`
	RegisteredAt       time.Time         `json:"registeredAt"`
}

// AgentPerformance is the running execution record of an agent.
type AgentPerformance struct {
	TasksCompleted  int       `json:"tasksCompleted"`
	AvgCompletionMS float64   `json:"avgCompletionMs"`
	SuccessRate     float64   `json:"successRate"`
	LastActive      time.Time `json:"lastActive"`
}

// AssignmentState tracks the progress of a task handed to an agent.
type AssignmentState string

const (
	AssignmentQueued    AssignmentState = "queued"
	AssignmentDelivered AssignmentState = "delivered"
	AssignmentExecuting AssignmentState = "executing"
	AssignmentCompleted AssignmentState = "completed"
	AssignmentFailed    AssignmentState = "failed"
	AssignmentCancelled AssignmentState = "cancelled"
	AssignmentTimedOut  AssignmentState = "timed_out"
)

// Terminal reports whether the assignment state is final.
func (s AssignmentState) Terminal() bool {
	switch s {
	case AssignmentCompleted, AssignmentFailed, AssignmentCancelled, AssignmentTimedOut:
		return true
	}
	return false
}

// Assignment records a single attempt to have an agent execute a task.
type Assignment struct {
	ID         string          `json:"id"`
	TaskID     string          `json:"taskId"`
	AgentID    string          `json:"agentId"`
	State      AssignmentState `json:"state"`
	AcceptedAt time.Time       `json:"acceptedAt"`
	Deadline   time.Time       `json:"deadline,omitzero"`
}

// JobStatus represents the lifecycle state of a long-running job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether the job status is final.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job is a client-visible handle on a long-running invocation. For atomic
// tasks the job ID equals the task ID: the task's completion is its job's
// completion. Non-task jobs may mint distinct IDs.
type Job struct {
	ID             string         `json:"id"`
	ToolName       string         `json:"toolName"`
	Params         map[string]any `json:"params,omitempty"`
	Status         JobStatus      `json:"status"`
	Progress       string         `json:"progress,omitempty"`
	Result         map[string]any `json:"result,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	CompletedAt    time.Time      `json:"completedAt,omitzero"`
	LastAccessedAt time.Time      `json:"lastAccessedAt"`
}

// ResponseStatus is the sentinel an agent reports on completion.
type ResponseStatus string

const (
	ResponseDone    ResponseStatus = "DONE"
	ResponseError   ResponseStatus = "ERROR"
	ResponsePartial ResponseStatus = "PARTIAL"
)

// AgentResponse is what an agent submits when it finishes (or abandons)
// a task.
type AgentResponse struct {
	AgentID           string             `json:"agentId"`
	TaskID            string             `json:"taskId"`
	Status            ResponseStatus     `json:"status"`
	Response          string             `json:"response"`
	CompletionDetails *CompletionDetails `json:"completionDetails,omitempty"`
	ReceivedAt        time.Time          `json:"receivedAt"`
}

// CompletionDetails carries structured facts about a finished execution.
type CompletionDetails struct {
	FilesModified []string      `json:"filesModified,omitempty"`
	TestsRun      int           `json:"testsRun,omitempty"`
	TestsPassed   int           `json:"testsPassed,omitempty"`
	BuildOK       bool          `json:"buildOk,omitempty"`
	Duration      time.Duration `json:"durationMs,omitempty"`
}

// TaskDescriptor is the wire shape pushed to agents over a transport.
type TaskDescriptor struct {
	TaskID             string       `json:"taskId"`
	ProjectID          string       `json:"projectId"`
	Title              string       `json:"title"`
	Description        string       `json:"description,omitempty"`
	Type               TaskType     `json:"type"`
	Priority           TaskPriority `json:"priority"`
	FilePaths          []string     `json:"filePaths,omitempty"`
	AcceptanceCriteria []string     `json:"acceptanceCriteria,omitempty"`
	Deadline           time.Time    `json:"deadline,omitzero"`
	EnqueuedAt         time.Time    `json:"enqueuedAt"`
}
