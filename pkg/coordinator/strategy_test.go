package coordinator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guido-cesarano/mediaq/pkg/tasks"
)

func TestLoadScore(t *testing.T) {
	c := Candidate{
		QueueLength:         2,
		AvgTaskTime:         3 * time.Second,
		ConsecutiveFailures: 1,
		Health:              HealthDegraded,
		Busy:                true,
	}
	assert.InDelta(t, 20+3+5+20+busyPenalty, c.LoadScore(), 1e-9)

	c.Health = HealthUnhealthy
	c.Busy = false
	assert.InDelta(t, 20+3+5+100, c.LoadScore(), 1e-9)
}

func TestRoundRobin(t *testing.T) {
	s := &RoundRobin{}
	cands := []Candidate{{WorkerID: "w1"}, {WorkerID: "w2"}, {WorkerID: "w3"}}

	var got []string
	for i := 0; i < 4; i++ {
		got = append(got, s.Select(cands, tasks.PriorityNormal))
	}
	assert.Equal(t, []string{"w1", "w2", "w3", "w1"}, got)
}

func TestLeastLoaded(t *testing.T) {
	cands := []Candidate{
		{WorkerID: "w1", QueueLength: 2},
		{WorkerID: "w2", QueueLength: 0, Busy: true},
		{WorkerID: "w3", QueueLength: 1},
	}
	assert.Equal(t, "w3", LeastLoaded{}.Select(cands, tasks.PriorityNormal))

	// Ties go to the first candidate.
	cands = []Candidate{{WorkerID: "w1"}, {WorkerID: "w2"}}
	assert.Equal(t, "w1", LeastLoaded{}.Select(cands, tasks.PriorityNormal))
}

func TestFastestWorker(t *testing.T) {
	cands := []Candidate{
		{WorkerID: "w1", QueueLength: 3, AvgTaskTime: 2 * time.Second, HasTiming: true},
		{WorkerID: "w2", QueueLength: 3, AvgTaskTime: time.Second, HasTiming: true},
		{WorkerID: "w3"},
	}
	assert.Equal(t, "w2", FastestWorker{}.Select(cands, tasks.PriorityNormal))

	// Without timing data it falls back to least loaded.
	cands = []Candidate{{WorkerID: "w1", QueueLength: 2}, {WorkerID: "w2"}}
	assert.Equal(t, "w2", FastestWorker{}.Select(cands, tasks.PriorityNormal))
}

func TestPriorityBased(t *testing.T) {
	cands := []Candidate{
		{WorkerID: "fast", QueueLength: 4, AvgTaskTime: 100 * time.Millisecond, HasTiming: true},
		{WorkerID: "idle", QueueLength: 0, AvgTaskTime: 5 * time.Second, HasTiming: true},
	}
	s := PriorityBased{}
	assert.Equal(t, "fast", s.Select(cands, tasks.PriorityCritical))
	assert.Equal(t, "fast", s.Select(cands, tasks.PriorityHigh))
	assert.Equal(t, "idle", s.Select(cands, tasks.PriorityNormal))
	assert.Equal(t, "idle", s.Select(cands, tasks.PriorityBackground))
}

func TestStrategyFromName(t *testing.T) {
	for _, name := range StrategyNames {
		s, err := StrategyFromName(name)
		require.NoError(t, err)
		assert.Equal(t, name, s.Name())
	}
	_, err := StrategyFromName("random")
	assert.Error(t, err)
}
