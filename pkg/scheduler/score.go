package scheduler

import (
	"fmt"

	"meshvault/pkg/logging"
	"meshvault/pkg/models"
)

// Scoring weights. They sum to 1; the mix favors headroom and network
// position over everything else.
const (
	weightHeadroom       = 0.30
	weightNetwork        = 0.25
	weightLoad           = 0.20
	weightSpecialization = 0.15
	weightReliability    = 0.10
)

// latencyCeilingMs is where the network-efficiency score bottoms out
const latencyCeilingMs = 200

// latencySampleSize bounds how many peers feed a node's network score
const latencySampleSize = 5

// assignmentState is the mutable bookkeeping of one assignment pass: load
// counters that advance with every placement, and which node hosts each
// already-assigned task.
type assignmentState struct {
	intel   *Intelligence
	localID string
	loads   map[string]int    // node ID -> announced load + placements this pass
	hosts   map[string]string // task ID -> assigned node
}

func newAssignmentState(intel *Intelligence, localID string) *assignmentState {
	loads := make(map[string]int, len(intel.Nodes))
	for _, n := range intel.Nodes {
		loads[n.NodeID] = n.CurrentLoad
	}
	return &assignmentState{
		intel:   intel,
		localID: localID,
		loads:   loads,
		hosts:   make(map[string]string),
	}
}

// admit checks one node against a task's hard constraints and names the
// first constraint that fails.
func admit(task models.ComputeTask, node models.NodeCapabilitySnapshot, st *assignmentState) (bool, string) {
	req := task.Requirements()

	if node.Resources.RAMAvailableMB < req.MinRAMMB {
		return false, fmt.Sprintf("needs %d MB RAM, node has %d", req.MinRAMMB, node.Resources.RAMAvailableMB)
	}
	if req.MinBatteryLevel > 0 && node.Battery.EffectiveLevel() < req.MinBatteryLevel {
		return false, fmt.Sprintf("needs battery >= %d%%, node at %d%%", req.MinBatteryLevel, node.Battery.EffectiveLevel())
	}
	if !req.AllowsThermalState(node.ThermalState) {
		return false, fmt.Sprintf("thermal state %s outside constraints", node.ThermalState)
	}
	if req.RequiresGPU && !node.Resources.HasGPU {
		return false, "needs a GPU, node has none"
	}
	if req.RequiresNPU && !node.Resources.HasNPU {
		return false, "needs an NPU, node has none"
	}
	if req.RequiresStorage && node.Resources.StorageAvailableGB < req.MinStorageGB {
		return false, fmt.Sprintf("needs %.1f GB storage, node has %.1f", req.MinStorageGB, node.Resources.StorageAvailableGB)
	}
	for _, cap := range req.RequiredCapabilities {
		if !hasTag(st.intel.Profiles[node.NodeID], cap) {
			return false, fmt.Sprintf("missing capability %s", cap)
		}
	}

	// Data flows from every dependency host, so each one must sit within
	// the task's latency budget.
	if req.MaxNetworkLatencyMs > 0 {
		for _, dep := range task.Dependencies() {
			host, assigned := st.hosts[dep]
			if !assigned {
				continue
			}
			if host == models.LocalNode {
				host = st.localID
			}
			if ms, known := st.intel.Latency.Between(node.NodeID, host); known && ms > req.MaxNetworkLatencyMs {
				return false, fmt.Sprintf("latency to dependency host %s is %dms, budget %dms", host, ms, req.MaxNetworkLatencyMs)
			}
		}
	}
	return true, ""
}

// score rates an admitted node for a task
func score(task models.ComputeTask, node models.NodeCapabilitySnapshot, st *assignmentState) float64 {
	req := task.Requirements()
	return weightHeadroom*headroomScore(req, node.Resources) +
		weightNetwork*networkScore(node.NodeID, st.intel) +
		weightLoad*loadScore(st.loads[node.NodeID]) +
		weightSpecialization*specializationScore(task, node) +
		weightReliability*clamp01(node.ReliabilityScore)
}

// headroomScore rewards RAM left over after the task's preferred ask
func headroomScore(req models.ResourceRequirements, res models.ResourceCapabilities) float64 {
	if res.RAMTotalMB <= 0 {
		return 0
	}
	spare := res.RAMAvailableMB - req.PreferredRAMMB
	if spare < 0 {
		spare = 0
	}
	return clamp01(float64(spare) / float64(res.RAMTotalMB))
}

// networkScore rewards low average latency to a sample of other nodes
func networkScore(nodeID string, intel *Intelligence) float64 {
	row := intel.Latency[nodeID]
	if len(row) == 0 {
		return 1
	}

	sampled := 0
	var sum int64
	for _, other := range intel.Nodes {
		if other.NodeID == nodeID {
			continue
		}
		ms, known := intel.Latency.Between(nodeID, other.NodeID)
		if !known {
			continue
		}
		sum += ms
		sampled++
		if sampled == latencySampleSize {
			break
		}
	}
	if sampled == 0 {
		return 1
	}
	avg := float64(sum) / float64(sampled)
	return clamp01(1 - avg/latencyCeilingMs)
}

// loadScore decays with the node's working load so placement spreads out
func loadScore(load int) float64 {
	if load < 0 {
		load = 0
	}
	return 1 / float64(1+load)
}

// specializationScore matches task type against what the node is built for
func specializationScore(task models.ComputeTask, node models.NodeCapabilitySnapshot) float64 {
	switch t := task.(type) {
	case models.DistributedStorageTask:
		if node.Resources.StorageAvailableGB >= 50 {
			return 1
		}
		return 0.6
	case models.ModelInferenceTask:
		if node.Resources.HasGPU {
			return 1
		}
		if node.Resources.HasNPU {
			return 0.8
		}
		return 0.2
	case models.HybridTask:
		if t.Stage == "inference" {
			if node.Resources.HasGPU {
				return 1
			}
			return 0.4
		}
		if node.Resources.CPUCores >= 4 {
			return 0.8
		}
		return 0.5
	case models.PythonTask:
		if node.Resources.CPUCores >= 4 {
			return 0.8
		}
		return 0.5
	}
	return 0.5
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// selectNode returns the best admitted node for a task, or the LOCAL
// sentinel when every node fails the hard filters. Nodes are visited in
// sorted order, so equal scores resolve the same way every pass.
func (s *Scheduler) selectNode(task models.ComputeTask, st *assignmentState) string {
	best := ""
	bestScore := -1.0
	for _, node := range st.intel.Nodes {
		ok, reason := admit(task, node, st)
		if !ok {
			s.log.Debug("Node filtered for task",
				logging.String("task_id", task.TaskID()),
				logging.String("node_id", node.NodeID),
				logging.String("reason", reason))
			continue
		}
		if sc := score(task, node, st); sc > bestScore {
			best, bestScore = node.NodeID, sc
		}
	}
	if best == "" {
		return models.LocalNode
	}
	return best
}
