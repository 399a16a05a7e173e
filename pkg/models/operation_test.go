package models

import (
	"testing"
)

func TestValidateStatusTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    OperationStatus
		to      OperationStatus
		wantErr bool
	}{
		// Valid transitions
		{"Pending to InProgress", StatusPending, StatusInProgress, false},
		{"Pending to Canceled", StatusPending, StatusCanceled, false},
		{"Pending to Failed", StatusPending, StatusFailed, false},
		{"Pending to Error", StatusPending, StatusError, false},
		{"InProgress to Completed", StatusInProgress, StatusCompleted, false},
		{"InProgress to Failed", StatusInProgress, StatusFailed, false},
		{"InProgress to Canceled", StatusInProgress, StatusCanceled, false},
		{"InProgress to Error", StatusInProgress, StatusError, false},

		// Invalid transitions
		{"Pending to Completed", StatusPending, StatusCompleted, true},
		{"Completed to InProgress", StatusCompleted, StatusInProgress, true},
		{"Completed to anything", StatusCompleted, StatusFailed, true},
		{"Failed to InProgress", StatusFailed, StatusInProgress, true},
		{"Canceled to Pending", StatusCanceled, StatusPending, true},
		{"Error to Completed", StatusError, StatusCompleted, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStatusTransition(tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateStatusTransition(%v, %v) error = %v, wantErr %v",
					tt.from, tt.to, err, tt.wantErr)
			}
		})
	}
}

func TestIsTerminalStatus(t *testing.T) {
	tests := []struct {
		name     string
		status   OperationStatus
		expected bool
	}{
		{"Completed is terminal", StatusCompleted, true},
		{"Failed is terminal", StatusFailed, true},
		{"Canceled is terminal", StatusCanceled, true},
		{"Error is terminal", StatusError, true},
		{"Pending is not terminal", StatusPending, false},
		{"InProgress is not terminal", StatusInProgress, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := IsTerminalStatus(tt.status)
			if result != tt.expected {
				t.Errorf("IsTerminalStatus(%v) = %v, want %v", tt.status, result, tt.expected)
			}
		})
	}
}

func TestBatteryEffectiveLevel(t *testing.T) {
	onMains := BatteryInfo{LevelPercent: 40, OnMainsPower: true}
	if onMains.EffectiveLevel() != 100 {
		t.Errorf("Expected mains-powered node to report level 100, got %d", onMains.EffectiveLevel())
	}

	onBattery := BatteryInfo{LevelPercent: 40}
	if onBattery.EffectiveLevel() != 40 {
		t.Errorf("Expected battery node to report level 40, got %d", onBattery.EffectiveLevel())
	}
}

func TestAllowsThermalState(t *testing.T) {
	unconstrained := ResourceRequirements{}
	if !unconstrained.AllowsThermalState(ThermalCritical) {
		t.Error("Empty thermal constraints must allow every state")
	}

	strict := ResourceRequirements{ThermalConstraints: []ThermalState{ThermalNominal, ThermalFair}}
	if !strict.AllowsThermalState(ThermalFair) {
		t.Error("Expected fair to be allowed")
	}
	if strict.AllowsThermalState(ThermalSerious) {
		t.Error("Expected serious to be rejected")
	}
}
