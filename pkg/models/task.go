package models

// ResourceRequirements is a pure constraint descriptor attached to a task.
// It is never mutated after construction; the scheduler only reads it.
type ResourceRequirements struct {
	MinRAMMB             int64          `json:"min_ram_mb"`
	PreferredRAMMB       int64          `json:"preferred_ram_mb"`
	CPUIntensity         float64        `json:"cpu_intensity"` // 0..1
	RequiresGPU          bool           `json:"requires_gpu"`
	RequiresNPU          bool           `json:"requires_npu"`
	RequiresStorage      bool           `json:"requires_storage"`
	MinStorageGB         float64        `json:"min_storage_gb,omitempty"`
	ThermalConstraints   []ThermalState `json:"thermal_constraints,omitempty"` // empty = any state acceptable
	MaxNetworkLatencyMs  int64          `json:"max_network_latency_ms,omitempty"`
	MinBatteryLevel      int            `json:"min_battery_level,omitempty"`
	RequiredCapabilities []string       `json:"required_capabilities,omitempty"`
}

// AllowsThermalState reports whether a node in the given thermal state may
// host this task. An empty constraint set allows every state.
func (r ResourceRequirements) AllowsThermalState(state ThermalState) bool {
	if len(r.ThermalConstraints) == 0 {
		return true
	}
	for _, s := range r.ThermalConstraints {
		if s == state {
			return true
		}
	}
	return false
}

// ComputeTask is the closed task union. The variant set is exhaustive:
// PythonTask, ModelInferenceTask, HybridTask, DistributedStorageTask.
// Consumers switch on the concrete type; the unexported marker method keeps
// foreign implementations out.
type ComputeTask interface {
	TaskID() string
	Dependencies() []string
	Requirements() ResourceRequirements
	EstimatedExecutionMs() int64
	isComputeTask()
}

// TaskSpec carries the fields every task variant shares. Variants embed it.
type TaskSpec struct {
	ID          string               `json:"id"`
	EstimatedMs int64                `json:"estimated_ms"`
	Resources   ResourceRequirements `json:"resources"`
	DependsOn   []string             `json:"depends_on,omitempty"`
}

// TaskID returns the task identifier
func (t TaskSpec) TaskID() string { return t.ID }

// Dependencies returns the IDs of tasks this one depends on
func (t TaskSpec) Dependencies() []string { return t.DependsOn }

// Requirements returns the task's resource constraints
func (t TaskSpec) Requirements() ResourceRequirements { return t.Resources }

// EstimatedExecutionMs returns the task's expected duration
func (t TaskSpec) EstimatedExecutionMs() int64 { return t.EstimatedMs }

// PythonTask runs a script on the assigned node
type PythonTask struct {
	TaskSpec
	Script string   `json:"script,omitempty"`
	Args   []string `json:"args,omitempty"`
}

func (PythonTask) isComputeTask() {}

// ModelInferenceTask runs a model forward pass on the assigned node
type ModelInferenceTask struct {
	TaskSpec
	ModelName  string `json:"model_name"`
	InputShard int    `json:"input_shard"` // which slice of the input this task covers
	ShardCount int    `json:"shard_count"`
}

func (ModelInferenceTask) isComputeTask() {}

// HybridTask is one stage of a mixed pipeline (preprocess, inference glue,
// aggregation) that combines scripted and model work.
type HybridTask struct {
	TaskSpec
	Stage string `json:"stage"` // "preprocess", "inference", "aggregate"
}

func (HybridTask) isComputeTask() {}

// DistributedStorageTask asks the assigned node to perform one storage
// operation, typically holding a single replica (ReplicationFactor=1).
type DistributedStorageTask struct {
	TaskSpec
	FileID            string           `json:"file_id"`
	Operation         StorageOperation `json:"operation"`
	ReplicationFactor int              `json:"replication_factor"`
	SizeBytes         int64            `json:"size_bytes,omitempty"`
}

func (DistributedStorageTask) isComputeTask() {}
