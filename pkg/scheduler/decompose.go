package scheduler

import (
	"fmt"

	"meshvault/pkg/logging"
	"meshvault/pkg/models"
)

const (
	// gpuFanOutMinimum is how many GPU nodes the mesh must offer before an
	// image job fans out to parallel inference shards.
	gpuFanOutMinimum = 2
	// maxInferenceShards caps the fan-out regardless of GPU count
	maxInferenceShards = 4
)

// decompose splits a job into tasks according to its type. Unknown types
// degrade to a single fallback task; decomposition never fails a job.
func (s *Scheduler) decompose(job *models.ComputeJob, intel *Intelligence) []models.ComputeTask {
	switch job.Type {
	case models.JobTypeDistributedStorage:
		return decomposeStorage(job)
	case models.JobTypeImageProcessing:
		return decomposeImage(job, len(intel.GPUNodes()))
	case models.JobTypeModelInference:
		return []models.ComputeTask{inferenceTask(job, 0, 1, nil, false)}
	case models.JobTypeHybridCompute:
		return decomposeHybrid(job)
	case models.JobTypePythonScript:
		return []models.ComputeTask{pythonTask(job, job.JobID+"-script")}
	default:
		s.log.Warn("Unknown job type, degrading to a single task",
			logging.String("job_id", job.JobID),
			logging.String("type", string(job.Type)))
		return []models.ComputeTask{pythonTask(job, job.JobID+"-fallback")}
	}
}

// decomposeStorage turns a STORE into one single-copy task per requested
// replica. Each task places exactly one copy; fan-out happens here, never
// again downstream. Retrieve/delete/verify need a single task.
func decomposeStorage(job *models.ComputeJob) []models.ComputeTask {
	op := models.StorageOperation(paramString(job.Parameters, "operation", string(models.OpStore)))
	fileID := paramString(job.Parameters, "file_id", job.JobID)
	size := paramInt64(job.Parameters, "size_bytes", int64(len(job.Payload)))
	rf := paramInt(job.Parameters, "replication_factor", 1)
	if rf < 1 {
		rf = 1
	}
	if op != models.OpStore {
		rf = 1
	}

	tasks := make([]models.ComputeTask, 0, rf)
	for i := 0; i < rf; i++ {
		tasks = append(tasks, models.DistributedStorageTask{
			TaskSpec: models.TaskSpec{
				ID:          fmt.Sprintf("%s-storage-%d", job.JobID, i),
				EstimatedMs: 500 + (size/(1<<20))*40,
				Resources: models.ResourceRequirements{
					MinRAMMB:             256,
					PreferredRAMMB:       512,
					CPUIntensity:         0.2,
					RequiresStorage:      true,
					MinStorageGB:         float64(size) / (1 << 30),
					RequiredCapabilities: []string{CapDistributedStorage},
				},
			},
			FileID:            fileID,
			Operation:         op,
			ReplicationFactor: 1,
			SizeBytes:         size,
		})
	}
	return tasks
}

// decomposeImage builds a preprocessing task plus inference shards. With
// fewer than gpuFanOutMinimum GPU nodes the job stays a two-task pipeline
// with no GPU requirement, so it remains placeable on a CPU-only mesh.
func decomposeImage(job *models.ComputeJob, gpuNodes int) []models.ComputeTask {
	pre := pythonTask(job, job.JobID+"-preprocess")
	pre.Script = paramString(job.Parameters, "preprocess_script", "preprocess.py")
	pre.Resources = models.ResourceRequirements{
		MinRAMMB:       512,
		PreferredRAMMB: 1024,
		CPUIntensity:   0.6,
	}

	shards := 1
	gated := gpuNodes >= gpuFanOutMinimum
	if gated {
		shards = gpuNodes
		if shards > maxInferenceShards {
			shards = maxInferenceShards
		}
	}

	tasks := []models.ComputeTask{pre}
	for i := 0; i < shards; i++ {
		tasks = append(tasks, inferenceTask(job, i, shards, []string{pre.ID}, gated))
	}
	return tasks
}

// decomposeHybrid builds the three-stage preprocess -> inference ->
// aggregate chain, each stage depending on the previous one.
func decomposeHybrid(job *models.ComputeJob) []models.ComputeTask {
	pre := models.HybridTask{
		TaskSpec: models.TaskSpec{
			ID:          job.JobID + "-preprocess",
			EstimatedMs: 2000,
			Resources: models.ResourceRequirements{
				MinRAMMB:       512,
				PreferredRAMMB: 1024,
				CPUIntensity:   0.5,
			},
		},
		Stage: "preprocess",
	}
	infer := models.HybridTask{
		TaskSpec: models.TaskSpec{
			ID:          job.JobID + "-inference",
			EstimatedMs: 5000,
			Resources: models.ResourceRequirements{
				MinRAMMB:       2048,
				PreferredRAMMB: 4096,
				CPUIntensity:   0.9,
				ThermalConstraints: []models.ThermalState{
					models.ThermalNominal, models.ThermalFair,
				},
			},
			DependsOn: []string{pre.ID},
		},
		Stage: "inference",
	}
	agg := models.HybridTask{
		TaskSpec: models.TaskSpec{
			ID:          job.JobID + "-aggregate",
			EstimatedMs: 1500,
			Resources: models.ResourceRequirements{
				MinRAMMB:       512,
				PreferredRAMMB: 1024,
				CPUIntensity:   0.4,
			},
			DependsOn: []string{infer.ID},
		},
		Stage: "aggregate",
	}
	return []models.ComputeTask{pre, infer, agg}
}

// inferenceTask builds one inference shard. Only gated fan-out demands a
// GPU and the vision capability; the single-shard form runs anywhere.
func inferenceTask(job *models.ComputeJob, shard, shardCount int, deps []string, gated bool) models.ModelInferenceTask {
	req := models.ResourceRequirements{
		MinRAMMB:       2048,
		PreferredRAMMB: 4096,
		CPUIntensity:   0.9,
		ThermalConstraints: []models.ThermalState{
			models.ThermalNominal, models.ThermalFair,
		},
		MinBatteryLevel: 30,
	}
	if gated {
		req.RequiresGPU = true
		req.RequiredCapabilities = []string{CapImageProcessing}
	}

	id := fmt.Sprintf("%s-inference-%d", job.JobID, shard)
	if shardCount == 1 && len(deps) == 0 {
		id = job.JobID + "-inference"
	}
	return models.ModelInferenceTask{
		TaskSpec: models.TaskSpec{
			ID:          id,
			EstimatedMs: 5000,
			Resources:   req,
			DependsOn:   deps,
		},
		ModelName:  paramString(job.Parameters, "model", "default"),
		InputShard: shard,
		ShardCount: shardCount,
	}
}

func pythonTask(job *models.ComputeJob, id string) models.PythonTask {
	return models.PythonTask{
		TaskSpec: models.TaskSpec{
			ID:          id,
			EstimatedMs: 3000,
			Resources: models.ResourceRequirements{
				MinRAMMB:       256,
				PreferredRAMMB: 512,
				CPUIntensity:   0.5,
			},
		},
		Script: paramString(job.Parameters, "script", ""),
	}
}

// Job parameters arrive as JSON, so numbers may be float64, int, or int64
// depending on who built the map.

func paramString(params map[string]interface{}, key, fallback string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func paramInt(params map[string]interface{}, key string, fallback int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}

func paramInt64(params map[string]interface{}, key string, fallback int64) int64 {
	switch v := params[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return fallback
}
