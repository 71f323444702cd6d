// Package scoring converts raw task results into per-task rewards and a
// normalized benchmark score. Every function here is pure and evaluates in a
// fixed order so that all validators produce bit-identical scores from the
// same results.
package scoring

import (
	"sort"

	"github.com/ssd-technologies/termconsensus/internal/submission"
)

const (
	// Beta is the time bonus earned per second saved against the timeout.
	Beta = 0.001
	// GammaMax caps the time bonus multiplier.
	GammaMax = 1.5
	// DefaultTimeoutMs applies to tasks missing from the catalog.
	DefaultTimeoutMs = 180_000
)

// Difficulty grades a benchmark task.
type Difficulty string

const (
	Easy   Difficulty = "easy"
	Medium Difficulty = "medium"
	Hard   Difficulty = "hard"
)

// Weight returns the difficulty multiplier. Unknown grades count as Easy.
func (d Difficulty) Weight() float64 {
	switch d {
	case Medium:
		return 2.0
	case Hard:
		return 3.0
	default:
		return 1.0
	}
}

// Task describes a benchmark task's difficulty and time budget.
type Task struct {
	ID         string     `json:"id" yaml:"id"`
	Difficulty Difficulty `json:"difficulty" yaml:"difficulty"`
	TimeoutMs  uint64     `json:"timeout_ms" yaml:"timeout_ms"`
}

// Catalog maps task IDs to their definitions.
type Catalog map[string]Task

// Lookup returns the task for id, falling back to an Easy task with the
// default timeout.
func (c Catalog) Lookup(id string) Task {
	if t, ok := c[id]; ok {
		if t.TimeoutMs == 0 {
			t.TimeoutMs = DefaultTimeoutMs
		}
		return t
	}
	return Task{ID: id, Difficulty: Easy, TimeoutMs: DefaultTimeoutMs}
}

// TimeBonus returns min(1 + (timeout-exec)/1000 * Beta, GammaMax). Callers
// only ask for the bonus of tasks that finished within their timeout.
func TimeBonus(timeoutMs, execMs uint64) float64 {
	saved := float64(timeoutMs-execMs) / 1000
	bonus := 1 + saved*Beta
	if bonus > GammaMax {
		return GammaMax
	}
	return bonus
}

// TaskScore returns the reward for one task result: zero for failures, errors
// and timeouts, otherwise the difficulty weight times the time bonus.
func TaskScore(task Task, r submission.TaskResult) float64 {
	if !r.Passed || r.Error != "" || r.ExecutionTimeMs > task.TimeoutMs {
		return 0
	}
	return task.Difficulty.Weight() * TimeBonus(task.TimeoutMs, r.ExecutionTimeMs)
}

// Breakdown is the per-submission scoring summary.
type Breakdown struct {
	Score       float64 `json:"score"`
	Earned      float64 `json:"earned"`
	Possible    float64 `json:"possible"`
	TasksPassed int     `json:"tasks_passed"`
	TasksTotal  int     `json:"tasks_total"`
}

// BenchmarkScore computes S = Σr / Σ(weight·GammaMax) over results, summed in
// task ID order. An empty result set scores zero.
func BenchmarkScore(catalog Catalog, results []submission.TaskResult) Breakdown {
	ordered := make([]submission.TaskResult, len(results))
	copy(ordered, results)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].TaskID < ordered[j].TaskID })

	var b Breakdown
	b.TasksTotal = len(ordered)
	for _, r := range ordered {
		task := catalog.Lookup(r.TaskID)
		earned := TaskScore(task, r)
		if earned > 0 {
			b.TasksPassed++
		}
		b.Earned += earned
		b.Possible += task.Difficulty.Weight() * GammaMax
	}
	if b.Possible > 0 {
		b.Score = b.Earned / b.Possible
	}
	if b.Score > 1 {
		b.Score = 1
	}
	return b
}
