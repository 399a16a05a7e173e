package models

import (
	"sort"
)

// DependencyGraph maps each task ID to the IDs of the tasks it depends on.
type DependencyGraph map[string][]string

// BuildDependencyGraph constructs the graph for a job's task set from each
// task's declared dependencies.
func BuildDependencyGraph(tasks []ComputeTask) DependencyGraph {
	g := make(DependencyGraph, len(tasks))
	for _, t := range tasks {
		deps := t.Dependencies()
		g[t.TaskID()] = append([]string(nil), deps...)
	}
	return g
}

// DependencyDepth returns the length of the longest dependency chain from
// the task down to a dependency-free task. Dependency-free tasks have depth
// 0. The walk is cycle-guarded: a dependency revisited while still on the
// stack contributes nothing, so the result is always finite.
func (g DependencyGraph) DependencyDepth(taskID string) int {
	memo := make(map[string]int, len(g))
	onStack := make(map[string]bool, len(g))
	return g.depth(taskID, memo, onStack)
}

func (g DependencyGraph) depth(taskID string, memo map[string]int, onStack map[string]bool) int {
	if d, ok := memo[taskID]; ok {
		return d
	}
	if onStack[taskID] {
		return 0
	}
	onStack[taskID] = true

	max := 0
	for _, dep := range g[taskID] {
		if _, known := g[dep]; !known {
			// dependency outside the task set, nothing to chain through
			continue
		}
		if d := g.depth(dep, memo, onStack) + 1; d > max {
			max = d
		}
	}

	delete(onStack, taskID)
	memo[taskID] = max
	return max
}

// ExecutionLevels returns the tasks layered topologically: every task in a
// level depends only on tasks in earlier levels. Layering stops early when
// no remaining task is ready, so members of a dependency cycle appear in no
// level; callers detect that via Unleveled.
func (g DependencyGraph) ExecutionLevels() [][]string {
	placed := make(map[string]bool, len(g))
	var levels [][]string

	for len(placed) < len(g) {
		var level []string
		for taskID, deps := range g {
			if placed[taskID] {
				continue
			}
			ready := true
			for _, dep := range deps {
				if _, known := g[dep]; !known {
					continue
				}
				if !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, taskID)
			}
		}

		if len(level) == 0 {
			break
		}

		sort.Strings(level)
		for _, id := range level {
			placed[id] = true
		}
		levels = append(levels, level)
	}

	return levels
}

// Unleveled returns the task IDs missing from the given levels, sorted.
// A non-empty result means the graph contains a cycle.
func (g DependencyGraph) Unleveled(levels [][]string) []string {
	placed := make(map[string]bool, len(g))
	for _, level := range levels {
		for _, id := range level {
			placed[id] = true
		}
	}

	var missing []string
	for taskID := range g {
		if !placed[taskID] {
			missing = append(missing, taskID)
		}
	}
	sort.Strings(missing)
	return missing
}
