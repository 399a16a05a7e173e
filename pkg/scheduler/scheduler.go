package scheduler

import (
	"context"
	"errors"
	"sort"
	"time"

	"meshvault/pkg/logging"
	"meshvault/pkg/mesh"
	"meshvault/pkg/metrics"
	"meshvault/pkg/models"
)

// Scheduler builds execution plans for compute jobs
type Scheduler struct {
	nodeID    string
	directory PeerDirectory
	rtts      mesh.PeerRTTs
	metrics   *metrics.Metrics
	log       *logging.Logger
}

// New builds a scheduler. rtts may be nil, in which case every latency in
// the matrix is synthesized.
func New(nodeID string, directory PeerDirectory, rtts mesh.PeerRTTs, m *metrics.Metrics, log *logging.Logger) *Scheduler {
	return &Scheduler{
		nodeID:    nodeID,
		directory: directory,
		rtts:      rtts,
		metrics:   m,
		log:       log.Named("scheduler"),
	}
}

// ScheduleJob runs the five scheduling phases: intelligence gathering,
// decomposition, dependency graph construction, assignment, and plan
// finalization. Tasks caught in a dependency cycle are dropped with a
// warning; everything else lands on a node or the LOCAL fallback.
func (s *Scheduler) ScheduleJob(ctx context.Context, job *models.ComputeJob) (*models.ExecutionPlan, error) {
	if job == nil || job.JobID == "" {
		return nil, errors.New("job ID is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	intel := s.gatherIntelligence()
	tasks := s.decompose(job, intel)

	graph := models.BuildDependencyGraph(tasks)
	levels := graph.ExecutionLevels()
	if dropped := graph.Unleveled(levels); len(dropped) > 0 {
		s.log.Warn("Dependency cycle detected, dropping unreachable tasks",
			logging.String("job_id", job.JobID),
			logging.Strings("task_ids", dropped))
		tasks = withoutTasks(tasks, dropped)
		graph = models.BuildDependencyGraph(tasks)
		levels = graph.ExecutionLevels()
	}

	assignments := s.assign(tasks, graph, intel)
	plan := finalize(job, tasks, graph, levels, assignments)

	s.metrics.RecordJobScheduled(string(job.Type))
	s.log.Info("Scheduled job",
		logging.String("job_id", job.JobID),
		logging.String("type", string(job.Type)),
		logging.Int("tasks", len(tasks)),
		logging.Int("nodes", len(plan.ResourceAllocation)),
		logging.Duration("took", time.Since(start)))
	return plan, nil
}

// assign places tasks in (dependency depth asc, preferred RAM desc) order,
// so dependency-free resource-heavy tasks claim nodes while the most are
// still unclaimed. Load counters advance synchronously between placements.
func (s *Scheduler) assign(tasks []models.ComputeTask, graph models.DependencyGraph, intel *Intelligence) map[string]string {
	st := newAssignmentState(intel, s.nodeID)
	assignments := make(map[string]string, len(tasks))

	for _, task := range orderTasks(tasks, graph) {
		node := s.selectNode(task, st)
		assignments[task.TaskID()] = node
		st.hosts[task.TaskID()] = node
		if node != models.LocalNode {
			st.loads[node]++
		}
		s.metrics.RecordTaskAssignment(node == models.LocalNode)
	}
	return assignments
}

// orderTasks sorts by (dependency depth asc, preferred RAM desc) with task
// ID as the final tiebreak, keeping passes deterministic.
func orderTasks(tasks []models.ComputeTask, graph models.DependencyGraph) []models.ComputeTask {
	depth := make(map[string]int, len(tasks))
	for _, t := range tasks {
		depth[t.TaskID()] = graph.DependencyDepth(t.TaskID())
	}

	ordered := append([]models.ComputeTask(nil), tasks...)
	sort.SliceStable(ordered, func(i, j int) bool {
		di, dj := depth[ordered[i].TaskID()], depth[ordered[j].TaskID()]
		if di != dj {
			return di < dj
		}
		ri, rj := ordered[i].Requirements().PreferredRAMMB, ordered[j].Requirements().PreferredRAMMB
		if ri != rj {
			return ri > rj
		}
		return ordered[i].TaskID() < ordered[j].TaskID()
	})
	return ordered
}

// finalize assembles the immutable plan: critical-path timing across the
// execution levels, the per-node combined resource ask, and the aggregation
// strategy for the job's result shape.
func finalize(job *models.ComputeJob, tasks []models.ComputeTask, graph models.DependencyGraph, levels [][]string, assignments map[string]string) *models.ExecutionPlan {
	byID := make(map[string]models.ComputeTask, len(tasks))
	for _, t := range tasks {
		byID[t.TaskID()] = t
	}

	var totalMs int64
	for _, level := range levels {
		var levelMax int64
		for _, id := range level {
			if t, ok := byID[id]; ok && t.EstimatedExecutionMs() > levelMax {
				levelMax = t.EstimatedExecutionMs()
			}
		}
		totalMs += levelMax
	}

	allocation := make(map[string]models.ResourceRequirements)
	for id, node := range assignments {
		t, ok := byID[id]
		if !ok {
			continue
		}
		req := t.Requirements()
		agg := allocation[node]
		agg.MinRAMMB += req.MinRAMMB
		agg.PreferredRAMMB += req.PreferredRAMMB
		if req.CPUIntensity > agg.CPUIntensity {
			agg.CPUIntensity = req.CPUIntensity
		}
		agg.RequiresGPU = agg.RequiresGPU || req.RequiresGPU
		agg.RequiresNPU = agg.RequiresNPU || req.RequiresNPU
		agg.RequiresStorage = agg.RequiresStorage || req.RequiresStorage
		agg.MinStorageGB += req.MinStorageGB
		allocation[node] = agg
	}

	return &models.ExecutionPlan{
		JobID:                job.JobID,
		Assignments:          assignments,
		Graph:                graph,
		Tasks:                tasks,
		ExecutionLevels:      levels,
		EstimatedExecutionMs: totalMs,
		ResourceAllocation:   allocation,
		AggregationStrategy:  aggregationFor(job.Type, tasks),
		CreatedAt:            time.Now().UTC(),
	}
}

// aggregationFor picks how multi-task results combine
func aggregationFor(jobType models.JobType, tasks []models.ComputeTask) models.AggregationStrategy {
	inference := 0
	for _, t := range tasks {
		if _, ok := t.(models.ModelInferenceTask); ok {
			inference++
		}
	}

	switch jobType {
	case models.JobTypeImageProcessing:
		return models.AggregationConcatenate
	case models.JobTypeModelInference:
		if inference >= 3 {
			return models.AggregationWeightedAverage
		}
		return models.AggregationMajorityVote
	case models.JobTypeHybridCompute:
		return models.AggregationEnsembleCombine
	default:
		if inference >= 3 {
			return models.AggregationWeightedAverage
		}
		return models.AggregationConcatenate
	}
}

func withoutTasks(tasks []models.ComputeTask, drop []string) []models.ComputeTask {
	dropSet := make(map[string]bool, len(drop))
	for _, id := range drop {
		dropSet[id] = true
	}
	kept := make([]models.ComputeTask, 0, len(tasks))
	for _, t := range tasks {
		if !dropSet[t.TaskID()] {
			kept = append(kept, t)
		}
	}
	return kept
}
