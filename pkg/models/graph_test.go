package models

import (
	"reflect"
	"testing"
)

func chainTasks() []ComputeTask {
	// pre has no dependencies; inf-a and inf-b depend on pre; agg depends on both
	return []ComputeTask{
		PythonTask{TaskSpec: TaskSpec{ID: "pre"}},
		ModelInferenceTask{TaskSpec: TaskSpec{ID: "inf-a", DependsOn: []string{"pre"}}},
		ModelInferenceTask{TaskSpec: TaskSpec{ID: "inf-b", DependsOn: []string{"pre"}}},
		HybridTask{TaskSpec: TaskSpec{ID: "agg", DependsOn: []string{"inf-a", "inf-b"}}, Stage: "aggregate"},
	}
}

func TestDependencyDepth(t *testing.T) {
	g := BuildDependencyGraph(chainTasks())

	tests := []struct {
		taskID string
		depth  int
	}{
		{"pre", 0},
		{"inf-a", 1},
		{"inf-b", 1},
		{"agg", 2},
	}

	for _, tt := range tests {
		if got := g.DependencyDepth(tt.taskID); got != tt.depth {
			t.Errorf("DependencyDepth(%s) = %d, want %d", tt.taskID, got, tt.depth)
		}
	}
}

func TestDependencyDepth_StrictlyIncreasesAlongEdges(t *testing.T) {
	g := BuildDependencyGraph(chainTasks())

	for taskID, deps := range g {
		for _, dep := range deps {
			if g.DependencyDepth(taskID) <= g.DependencyDepth(dep) {
				t.Errorf("Expected depth(%s) > depth(%s)", taskID, dep)
			}
		}
	}
}

func TestExecutionLevels_TopologicalLayering(t *testing.T) {
	g := BuildDependencyGraph(chainTasks())

	levels := g.ExecutionLevels()
	want := [][]string{
		{"pre"},
		{"inf-a", "inf-b"},
		{"agg"},
	}

	if !reflect.DeepEqual(levels, want) {
		t.Errorf("ExecutionLevels() = %v, want %v", levels, want)
	}

	if missing := g.Unleveled(levels); len(missing) != 0 {
		t.Errorf("Expected no unleveled tasks, got %v", missing)
	}
}

func TestExecutionLevels_CycleStopsEarly(t *testing.T) {
	// a <-> b form a cycle; root is independent and must still be leveled
	tasks := []ComputeTask{
		PythonTask{TaskSpec: TaskSpec{ID: "root"}},
		PythonTask{TaskSpec: TaskSpec{ID: "a", DependsOn: []string{"b"}}},
		PythonTask{TaskSpec: TaskSpec{ID: "b", DependsOn: []string{"a"}}},
	}
	g := BuildDependencyGraph(tasks)

	levels := g.ExecutionLevels()
	if len(levels) != 1 || len(levels[0]) != 1 || levels[0][0] != "root" {
		t.Errorf("Expected layering to stop after [root], got %v", levels)
	}

	missing := g.Unleveled(levels)
	if !reflect.DeepEqual(missing, []string{"a", "b"}) {
		t.Errorf("Expected cycle members [a b] unleveled, got %v", missing)
	}
}

func TestDependencyDepth_CycleTerminates(t *testing.T) {
	tasks := []ComputeTask{
		PythonTask{TaskSpec: TaskSpec{ID: "a", DependsOn: []string{"b"}}},
		PythonTask{TaskSpec: TaskSpec{ID: "b", DependsOn: []string{"a"}}},
	}
	g := BuildDependencyGraph(tasks)

	// The exact value is unimportant; the walk must terminate and stay finite.
	if d := g.DependencyDepth("a"); d < 0 || d > 2 {
		t.Errorf("Unexpected depth for cyclic task: %d", d)
	}
}

func TestDependencyDepth_IgnoresUnknownDependencies(t *testing.T) {
	tasks := []ComputeTask{
		PythonTask{TaskSpec: TaskSpec{ID: "solo", DependsOn: []string{"ghost"}}},
	}
	g := BuildDependencyGraph(tasks)

	if d := g.DependencyDepth("solo"); d != 0 {
		t.Errorf("Expected depth 0 when the only dependency is outside the task set, got %d", d)
	}

	levels := g.ExecutionLevels()
	if len(levels) != 1 || levels[0][0] != "solo" {
		t.Errorf("Expected solo to be ready immediately, got %v", levels)
	}
}
