package models

import (
	"time"
)

// LocalNode is the sentinel node identifier for this device. It appears in
// replication records next to real peer IDs and is the fallback assignment
// target when no mesh node passes a task's hard constraints.
const LocalNode = "LOCAL"

// Capability tags a node may announce
const (
	TagStorage = "storage"
	TagCompute = "compute"
)

// ThermalState represents a node's reported thermal condition
type ThermalState string

const (
	ThermalNominal  ThermalState = "nominal"
	ThermalFair     ThermalState = "fair"
	ThermalSerious  ThermalState = "serious"
	ThermalCritical ThermalState = "critical"
)

// BatteryInfo describes a node's power situation. Nodes on mains power
// report OnMainsPower=true and are treated as having a full battery by
// placement constraints.
type BatteryInfo struct {
	LevelPercent int  `json:"level_percent"`
	Charging     bool `json:"charging"`
	OnMainsPower bool `json:"on_mains_power"`
}

// EffectiveLevel returns the battery level placement math should use
func (b BatteryInfo) EffectiveLevel() int {
	if b.OnMainsPower {
		return 100
	}
	return b.LevelPercent
}

// ResourceCapabilities describes what hardware a node brings to the mesh
type ResourceCapabilities struct {
	RAMTotalMB         int64   `json:"ram_total_mb"`
	RAMAvailableMB     int64   `json:"ram_available_mb"`
	CPUCores           int     `json:"cpu_cores"`
	CPULoadPercent     float64 `json:"cpu_load_percent,omitempty"`
	StorageTotalGB     float64 `json:"storage_total_gb"`
	StorageAvailableGB float64 `json:"storage_available_gb"`
	HasGPU             bool    `json:"has_gpu"`
	GPUModel           string  `json:"gpu_model,omitempty"`
	HasNPU             bool    `json:"has_npu"`
}

// NodeCapabilitySnapshot is a point-in-time, read-only view of one peer.
// Snapshots are supplied by the peer registry and never mutated during a
// scheduling pass; load bookkeeping happens on the scheduler's own copy.
type NodeCapabilitySnapshot struct {
	NodeID           string               `json:"node_id"`
	Resources        ResourceCapabilities `json:"resources"`
	Battery          BatteryInfo          `json:"battery"`
	ThermalState     ThermalState         `json:"thermal_state"`
	ReliabilityScore float64              `json:"reliability_score"` // 0..1
	CurrentLoad      int                  `json:"current_load"`      // tasks currently assigned
	CapabilityTags   []string             `json:"capability_tags,omitempty"`
	LastSeen         time.Time            `json:"last_seen"`
}

// HasCapability reports whether the snapshot carries a capability tag
func (n *NodeCapabilitySnapshot) HasCapability(tag string) bool {
	for _, t := range n.CapabilityTags {
		if t == tag {
			return true
		}
	}
	return false
}

// CapabilityAnnouncement is what a node broadcasts to advertise itself as a
// storage/compute participant. Receivers feed it into their peer registry.
// A node shutting down broadcasts one final announcement with Departing set
// so peers drop it immediately instead of waiting out the TTL.
type CapabilityAnnouncement struct {
	Node      NodeCapabilitySnapshot `json:"node"`
	SentAt    time.Time              `json:"sent_at"`
	Departing bool                   `json:"departing,omitempty"`
}
