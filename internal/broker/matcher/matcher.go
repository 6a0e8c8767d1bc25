// Package matcher scores waiting agents against queued tasks. Every function
// here is pure so matching decisions are deterministic and testable without
// the queue around them.
package matcher

import (
	"sort"
	"time"

	"github.com/dispatchd/dispatchd/internal/broker/models"
	"github.com/dispatchd/dispatchd/internal/common/constants"
	v1 "github.com/dispatchd/dispatchd/pkg/api/v1"
)

// Scoring weights. They sum to 1 so scores stay within [0,1].
const (
	weightCapabilities = 0.40
	weightWorkspace    = 0.30
	weightPreference   = 0.20
	weightFreshness    = 0.10

	// neutralWorkspace is the workspace signal for tasks that do not pin a
	// workspace: better than nothing, worse than an exact match.
	neutralWorkspace = 0.7
)

// freshnessWindow normalizes waiting time for the freshness signal. It equals
// the longest single poll, so a waiter saturates the signal just as its poll
// would expire.
const freshnessWindow = constants.MaxPromptTimeoutSecs * time.Second

// Candidate is the matcher's view of one waiting agent.
type Candidate struct {
	AgentID      string
	Capabilities []v1.Capability
	Workspace    *v1.WorkspaceContext
	WaitingSince time.Time
}

func (c Candidate) coversCapabilities(required []v1.Capability) bool {
	for _, want := range required {
		found := false
		for _, have := range c.Capabilities {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Score is the result of matching one agent against one task.
type Score struct {
	Eligible bool
	Value    float64
}

// ScoreAgent rates how well the candidate fits the task at the given instant.
// Workspace mismatches and uncovered capability requirements are hard rejects.
func ScoreAgent(task *models.Task, c Candidate, now time.Time) Score {
	if task.To.WorkspaceID != "" {
		if c.Workspace == nil || !c.Workspace.SameWorkspace(task.To.WorkspaceID) {
			return Score{}
		}
	}
	if !c.coversCapabilities(task.To.RequiredCapabilities) {
		return Score{}
	}

	// Coverage of the required set. The hard reject above means eligible
	// candidates always score 1.0 here; the term keeps the weights summing
	// to 1 and the formula honest should the reject rule ever loosen.
	capability := 1.0

	workspace := neutralWorkspace
	if task.To.WorkspaceID != "" {
		workspace = 1.0
	}

	preference := 0.0
	if task.To.AgentID != "" && task.To.AgentID == c.AgentID {
		preference = 1.0
	}

	waited := now.Sub(c.WaitingSince)
	if waited < 0 {
		waited = 0
	}
	freshness := float64(waited) / float64(freshnessWindow)
	if freshness > 1.0 {
		freshness = 1.0
	}

	return Score{
		Eligible: true,
		Value: weightCapabilities*capability +
			weightWorkspace*workspace +
			weightPreference*preference +
			weightFreshness*freshness,
	}
}

// FindBestAgent returns the eligible candidate with the highest score.
// Ties fall to the earliest waitingSince, then the lexicographically
// smallest agentId, so the choice is deterministic.
func FindBestAgent(task *models.Task, candidates []Candidate, now time.Time) (Candidate, bool) {
	type scored struct {
		candidate Candidate
		score     float64
	}

	var eligible []scored
	for _, c := range candidates {
		s := ScoreAgent(task, c, now)
		if s.Eligible {
			eligible = append(eligible, scored{candidate: c, score: s.Value})
		}
	}
	if len(eligible) == 0 {
		return Candidate{}, false
	}

	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if !a.candidate.WaitingSince.Equal(b.candidate.WaitingSince) {
			return a.candidate.WaitingSince.Before(b.candidate.WaitingSince)
		}
		return a.candidate.AgentID < b.candidate.AgentID
	})
	return eligible[0].candidate, true
}

// DependenciesSatisfied reports whether every dependency of the task has
// reached COMPLETED. Unknown dependency ids count as unsatisfied so a task
// referencing a missing dependency stays queued instead of running early.
func DependenciesSatisfied(task *models.Task, lookup func(id string) (v1.TaskStatus, bool)) bool {
	for _, depID := range task.Dependencies {
		status, known := lookup(depID)
		if !known || status != v1.TaskStatusCompleted {
			return false
		}
	}
	return true
}

// FindPendingTaskForAgent scans assignable tasks and returns the one best
// suited to the candidate, or nil when nothing fits. Only QUEUED and
// APPROVED_QUEUED tasks with satisfied dependencies are considered. Ties
// fall to higher priority, then the oldest createdAt.
func FindPendingTaskForAgent(tasks []*models.Task, c Candidate, now time.Time, lookup func(id string) (v1.TaskStatus, bool)) *models.Task {
	var best *models.Task
	var bestScore float64

	for _, task := range tasks {
		if task.Status != v1.TaskStatusQueued && task.Status != v1.TaskStatusApprovedQueued {
			continue
		}
		if !DependenciesSatisfied(task, lookup) {
			continue
		}
		s := ScoreAgent(task, c, now)
		if !s.Eligible {
			continue
		}
		if best == nil || betterTask(task, s.Value, best, bestScore) {
			best = task
			bestScore = s.Value
		}
	}
	return best
}

func betterTask(task *models.Task, score float64, best *models.Task, bestScore float64) bool {
	if score != bestScore {
		return score > bestScore
	}
	if task.Priority.Rank() != best.Priority.Rank() {
		return task.Priority.Rank() > best.Priority.Rank()
	}
	return task.CreatedAt < best.CreatedAt
}
