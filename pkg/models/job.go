package models

import (
	"time"
)

// JobType identifies how a compute job is decomposed into tasks
type JobType string

const (
	JobTypePythonScript       JobType = "python-script"
	JobTypeModelInference     JobType = "model-inference"
	JobTypeImageProcessing    JobType = "image-processing"
	JobTypeHybridCompute      JobType = "hybrid-compute"
	JobTypeDistributedStorage JobType = "distributed-storage"
)

// ComputeJob is a logical unit of work submitted by a caller. The scheduler
// decomposes it into a set of ComputeTasks with declared dependencies.
type ComputeJob struct {
	JobID       string                 `json:"job_id"`
	Type        JobType                `json:"type"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
	Payload     []byte                 `json:"payload,omitempty"`
	Priority    int                    `json:"priority,omitempty"`
	SubmittedAt time.Time              `json:"submitted_at"`
}

// AggregationStrategy describes how multi-task results are combined
type AggregationStrategy string

const (
	AggregationConcatenate     AggregationStrategy = "concatenate"
	AggregationMajorityVote    AggregationStrategy = "majority_vote"
	AggregationWeightedAverage AggregationStrategy = "weighted_average"
	AggregationEnsembleCombine AggregationStrategy = "ensemble_combine"
)

// ExecutionPlan is the finalized mapping of a job's tasks to nodes plus the
// ordering and aggregation metadata needed to run it. Produced once per job
// and never mutated afterward.
type ExecutionPlan struct {
	JobID                string                          `json:"job_id"`
	Assignments          map[string]string               `json:"assignments"` // task ID -> node ID
	Graph                DependencyGraph                 `json:"graph"`
	Tasks                []ComputeTask                   `json:"-"`
	ExecutionLevels      [][]string                      `json:"execution_levels"`
	EstimatedExecutionMs int64                           `json:"estimated_execution_ms"`
	ResourceAllocation   map[string]ResourceRequirements `json:"resource_allocation"` // node ID -> combined ask
	AggregationStrategy  AggregationStrategy             `json:"aggregation_strategy"`
	CreatedAt            time.Time                       `json:"created_at"`
}

// TaskExecutionResult is the closed result type for one executed task.
// Remote execution is mocked, so results are synthesized by the coordinator,
// but the shape is what a real executor would report.
type TaskExecutionResult struct {
	TaskID     string `json:"task_id"`
	NodeID     string `json:"node_id"`
	Success    bool   `json:"success"`
	Output     []byte `json:"output,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}
