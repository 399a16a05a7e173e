package models

import (
	"fmt"
	"time"
)

// OperationKind classifies a tracked operation
type OperationKind string

const (
	OperationStore    OperationKind = "store"
	OperationRetrieve OperationKind = "retrieve"
	OperationDelete   OperationKind = "delete"
	OperationCompute  OperationKind = "compute"
	OperationDownload OperationKind = "download"
)

// OperationStatus is the lifecycle state of a tracked operation
type OperationStatus string

const (
	StatusPending    OperationStatus = "pending"     // accepted, background work not started
	StatusInProgress OperationStatus = "in_progress" // background work running
	StatusCompleted  OperationStatus = "completed"   // finished successfully
	StatusFailed     OperationStatus = "failed"      // finished with a structured error
	StatusCanceled   OperationStatus = "canceled"    // caller canceled before completion
	StatusError      OperationStatus = "error"       // background panic or uncaught failure
)

// validStatusTransitions maps from-status to allowed to-statuses
var validStatusTransitions = map[OperationStatus]map[OperationStatus]bool{
	StatusPending: {
		StatusInProgress: true, // background goroutine picked it up
		StatusCanceled:   true, // canceled before work started
		StatusFailed:     true, // rejected synchronously (e.g. capacity)
		StatusError:      true, // panic before entering progress
	},
	StatusInProgress: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCanceled:  true,
		StatusError:     true,
	},
	// Terminal states (no transitions allowed)
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCanceled:  {},
	StatusError:     {},
}

// ValidateStatusTransition checks if a status change is allowed
func ValidateStatusTransition(from, to OperationStatus) error {
	allowed, exists := validStatusTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source status: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminalStatus returns true if no further transitions are allowed
func IsTerminalStatus(status OperationStatus) bool {
	return status == StatusCompleted || status == StatusFailed ||
		status == StatusCanceled || status == StatusError
}

// OperationInfo is the externally visible view of one tracked operation.
// The record exists in the tracking map before any background work begins,
// so status queries are consistent with "has this been accepted".
type OperationInfo struct {
	ID          string          `json:"id"`
	Kind        OperationKind   `json:"kind"`
	Status      OperationStatus `json:"status"`
	Progress    int             `json:"progress"` // 0-100
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	SizeBytes   int64           `json:"size_bytes,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// ServiceStatistics is the statistics surface of the coordinator
type ServiceStatistics struct {
	TasksCompleted        int64     `json:"tasks_completed"`
	TasksFailed           int64     `json:"tasks_failed"`
	TasksCanceled         int64     `json:"tasks_canceled"`
	StorageRequests       int64     `json:"storage_requests"`
	StorageErrors         int64     `json:"storage_errors"`
	BytesProcessed        int64     `json:"bytes_processed"`
	MeshContributionScore float64   `json:"mesh_contribution_score"` // completed / attempted, percent
	UptimeSeconds         float64   `json:"uptime_seconds"`
	StartedAt             time.Time `json:"started_at"`
}
