package coordinator

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/guido-cesarano/mediaq/pkg/tasks"
)

// Candidate is the view of a worker a Strategy ranks.
type Candidate struct {
	WorkerID            string
	QueueLength         int
	AvgTaskTime         time.Duration
	HasTiming           bool
	ConsecutiveFailures int
	Health              Health
	Busy                bool
}

const busyPenalty = 15

// LoadScore combines queue depth, latency, error history and health into one number;
// lower is better.
func (c Candidate) LoadScore() float64 {
	score := 10*float64(c.QueueLength) + c.AvgTaskTime.Seconds() + 5*float64(c.ConsecutiveFailures)
	switch c.Health {
	case HealthDegraded:
		score += 20
	case HealthUnhealthy:
		score += 100
	}
	if c.Busy {
		score += busyPenalty
	}
	return score
}

// Strategy picks a worker for a task. Candidates are never empty and are ordered by
// worker ID. The set of strategies is closed; use one of the exported variants.
type Strategy interface {
	Name() string
	Select(candidates []Candidate, priority tasks.Priority) string
	strategy()
}

// RoundRobin cycles through the candidates regardless of load.
type RoundRobin struct {
	next atomic.Uint64
}

func (*RoundRobin) Name() string { return "round_robin" }
func (*RoundRobin) strategy()    {}

func (s *RoundRobin) Select(candidates []Candidate, _ tasks.Priority) string {
	n := s.next.Add(1) - 1
	return candidates[n%uint64(len(candidates))].WorkerID
}

// LeastLoaded picks the candidate with the lowest LoadScore.
type LeastLoaded struct{}

func (LeastLoaded) Name() string { return "least_loaded" }
func (LeastLoaded) strategy()    {}

func (LeastLoaded) Select(candidates []Candidate, _ tasks.Priority) string {
	best := 0
	bestScore := candidates[0].LoadScore()
	for i := 1; i < len(candidates); i++ {
		if s := candidates[i].LoadScore(); s < bestScore {
			best, bestScore = i, s
		}
	}
	return candidates[best].WorkerID
}

// FastestWorker picks the candidate with the lowest average task time. Until some
// candidate has timing data it behaves like LeastLoaded.
type FastestWorker struct{}

func (FastestWorker) Name() string { return "fastest_worker" }
func (FastestWorker) strategy()    {}

func (FastestWorker) Select(candidates []Candidate, p tasks.Priority) string {
	best := -1
	for i, c := range candidates {
		if !c.HasTiming {
			continue
		}
		if best < 0 || c.AvgTaskTime < candidates[best].AvgTaskTime {
			best = i
		}
	}
	if best < 0 {
		return LeastLoaded{}.Select(candidates, p)
	}
	return candidates[best].WorkerID
}

// PriorityBased sends the top two priority levels to the fastest worker and everything
// else to the least loaded one.
type PriorityBased struct{}

func (PriorityBased) Name() string { return "priority_based" }
func (PriorityBased) strategy()    {}

func (PriorityBased) Select(candidates []Candidate, p tasks.Priority) string {
	if p.IsHigh() {
		return FastestWorker{}.Select(candidates, p)
	}
	return LeastLoaded{}.Select(candidates, p)
}

// StrategyNames lists the names accepted by StrategyFromName.
var StrategyNames = []string{"round_robin", "least_loaded", "fastest_worker", "priority_based"}

// StrategyFromName returns a fresh strategy for a configuration name.
func StrategyFromName(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "round_robin":
		return &RoundRobin{}, nil
	case "least_loaded", "":
		return LeastLoaded{}, nil
	case "fastest_worker":
		return FastestWorker{}, nil
	case "priority_based":
		return PriorityBased{}, nil
	}
	return nil, fmt.Errorf("unknown load balancing strategy %q", name)
}
