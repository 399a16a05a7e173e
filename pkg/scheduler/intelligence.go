// Package scheduler turns a compute job into an execution plan. One
// scheduling pass gathers mesh intelligence, decomposes the job into tasks,
// orders the tasks by their dependency graph, and assigns each one to the
// best available node under the job's resource constraints.
package scheduler

import (
	"hash/fnv"
	"sort"
	"time"

	"meshvault/pkg/models"
)

// Capability tags derived from node hardware during intelligence gathering
const (
	CapImageProcessing     = "image-processing"
	CapComputerVision      = "computer-vision"
	CapNLP                 = "nlp"
	CapScientificComputing = "scientific-computing"
	CapDistributedStorage  = "distributed-storage"
)

// ramCapabilityThresholdMB gates the memory-hungry capability tags
const ramCapabilityThresholdMB = 4096

// PeerDirectory supplies the node snapshots a scheduling pass works from
type PeerDirectory interface {
	ActiveSnapshots() []models.NodeCapabilitySnapshot
}

// Intelligence is one pass's read-only view of the mesh: node snapshots,
// derived capability profiles, and a symmetric latency matrix.
type Intelligence struct {
	Nodes      []models.NodeCapabilitySnapshot
	Profiles   map[string][]string // node ID -> capability tags
	Latency    LatencyMatrix
	GatheredAt time.Time
}

// GPUNodes returns the IDs of nodes with a GPU, sorted
func (in *Intelligence) GPUNodes() []string {
	var ids []string
	for _, n := range in.Nodes {
		if n.Resources.HasGPU {
			ids = append(ids, n.NodeID)
		}
	}
	sort.Strings(ids)
	return ids
}

// LatencyMatrix holds symmetric node-to-node latency estimates in ms
type LatencyMatrix map[string]map[string]int64

func (m LatencyMatrix) set(a, b string, ms int64) {
	if m[a] == nil {
		m[a] = make(map[string]int64)
	}
	m[a][b] = ms
}

// Between returns the latency estimate for a node pair
func (m LatencyMatrix) Between(a, b string) (int64, bool) {
	if a == b {
		return 0, true
	}
	if row, ok := m[a]; ok {
		if ms, ok := row[b]; ok {
			return ms, true
		}
	}
	return 0, false
}

// gatherIntelligence snapshots the mesh for one scheduling pass. Nodes come
// back sorted so repeated passes over the same mesh behave identically.
func (s *Scheduler) gatherIntelligence() *Intelligence {
	nodes := s.directory.ActiveSnapshots()
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].NodeID < nodes[j].NodeID })

	intel := &Intelligence{
		Nodes:      nodes,
		Profiles:   make(map[string][]string, len(nodes)),
		Latency:    make(LatencyMatrix, len(nodes)+1),
		GatheredAt: time.Now().UTC(),
	}

	ids := make([]string, 0, len(nodes)+1)
	ids = append(ids, s.nodeID)
	for _, n := range nodes {
		intel.Profiles[n.NodeID] = capabilityProfile(n)
		ids = append(ids, n.NodeID)
	}

	for i, a := range ids {
		for _, b := range ids[i+1:] {
			ms := s.latencyBetween(a, b)
			intel.Latency.set(a, b, ms)
			intel.Latency.set(b, a, ms)
		}
	}
	return intel
}

// latencyBetween prefers measured round-trip times for pairs involving this
// node and synthesizes the rest.
func (s *Scheduler) latencyBetween(a, b string) int64 {
	if s.rtts != nil {
		if a == s.nodeID {
			if rtt, ok := s.rtts.PeerRTT(b); ok {
				return rtt.Milliseconds()
			}
		}
		if b == s.nodeID {
			if rtt, ok := s.rtts.PeerRTT(a); ok {
				return rtt.Milliseconds()
			}
		}
	}
	return synthesizeLatency(a, b)
}

// synthesizeLatency derives a stable latency estimate from the node ID pair.
// Peer-to-peer latency cannot be measured from this node, so scheduling runs
// on a deterministic stand-in in a plausible 5-150ms range.
func synthesizeLatency(a, b string) int64 {
	if a == b {
		return 0
	}
	if b < a {
		a, b = b, a
	}
	h := fnv.New32a()
	h.Write([]byte(a))
	h.Write([]byte{'|'})
	h.Write([]byte(b))
	return 5 + int64(h.Sum32()%145)
}

// capabilityProfile derives what a node can do from its hardware: a GPU
// unlocks the vision tags, enough RAM unlocks the memory-hungry tags, and
// every node can hold storage replicas. Announced tags ride along.
func capabilityProfile(n models.NodeCapabilitySnapshot) []string {
	tags := []string{CapDistributedStorage}
	if n.Resources.HasGPU {
		tags = append(tags, CapImageProcessing, CapComputerVision)
	}
	if n.Resources.RAMTotalMB >= ramCapabilityThresholdMB {
		tags = append(tags, CapNLP, CapScientificComputing)
	}
	tags = append(tags, n.CapabilityTags...)
	return tags
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}
