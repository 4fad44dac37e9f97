package coordinator

import (
	"fmt"
	"math"
	"time"
)

// Rebalance moves pending tasks one at a time from the longest to the shortest pending
// list until the spread between them is at most RebalanceThreshold. Unhealthy workers
// take no part. The lowest-precedence task of the longest list moves first.
func (c *Coordinator) Rebalance() []Move {
	c.mu.Lock()
	var ws []*workerState
	for _, id := range c.order {
		if w := c.workers[id]; w.health != HealthUnhealthy {
			ws = append(ws, w)
		}
	}
	var moves []Move
	for len(ws) > 1 {
		maxW, minW := ws[0], ws[0]
		for _, w := range ws[1:] {
			if len(w.pending) > len(maxW.pending) {
				maxW = w
			}
			if len(w.pending) < len(minW.pending) {
				minW = w
			}
		}
		if len(maxW.pending)-len(minW.pending) <= c.cfg.RebalanceThreshold {
			break
		}
		last := len(maxW.pending) - 1
		a := maxW.pending[last]
		maxW.pending = maxW.pending[:last]
		minW.insert(a)
		moves = append(moves, Move{TaskID: a.TaskID, From: maxW.id, To: minW.id})
	}
	c.mu.Unlock()

	if len(moves) > 0 {
		c.log.Info().Int("moved", len(moves)).Msg("Workload rebalanced")
		c.fireRebalance(moves)
	}
	return moves
}

// Recommendations summarises pool utilisation and actionable worker issues.
type Recommendations struct {
	TotalWorkers     int      `json:"total_workers"`
	BusyWorkers      int      `json:"busy_workers"`
	Utilization      float64  `json:"utilization"`
	ScaleUp          bool     `json:"scale_up"`
	ScaleDown        bool     `json:"scale_down"`
	SuggestedWorkers int      `json:"suggested_workers"`
	HealthyWorkers   int      `json:"healthy_workers"`
	DegradedWorkers  int      `json:"degraded_workers"`
	UnhealthyWorkers int      `json:"unhealthy_workers"`
	PendingTasks     int      `json:"pending_tasks"`
	Issues           []string `json:"issues"`
}

const (
	scaleUpUtilization   = 0.8
	scaleDownUtilization = 0.3
)

// Recommendations computes utilisation as busy/total workers, suggests scaling up above
// 80% and down below 30% (with more than two workers), and lists unhealthy, degraded and
// slow workers.
func (c *Coordinator) Recommendations() Recommendations {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := Recommendations{TotalWorkers: len(c.workers), Issues: []string{}}
	var slow []string
	for _, id := range c.order {
		w := c.workers[id]
		if w.busy {
			r.BusyWorkers++
		}
		r.PendingTasks += len(w.pending)
		switch w.health {
		case HealthHealthy:
			r.HealthyWorkers++
		case HealthDegraded:
			r.DegradedWorkers++
		case HealthUnhealthy:
			r.UnhealthyWorkers++
		}
		if avg := w.avg(); avg > c.cfg.SlowTaskThreshold {
			slow = append(slow, fmt.Sprintf("worker %s averages %s per task (threshold %s)",
				id, avg.Round(time.Millisecond), c.cfg.SlowTaskThreshold))
		}
	}

	r.SuggestedWorkers = r.TotalWorkers
	if r.TotalWorkers > 0 {
		r.Utilization = float64(r.BusyWorkers) / float64(r.TotalWorkers)
		switch {
		case r.Utilization > scaleUpUtilization:
			r.ScaleUp = true
			r.SuggestedWorkers = int(math.Ceil(float64(r.TotalWorkers) * 1.5))
			r.Issues = append(r.Issues, fmt.Sprintf("utilization %.0f%% above %.0f%%, consider adding workers",
				r.Utilization*100, scaleUpUtilization*100))
		case r.Utilization < scaleDownUtilization && r.TotalWorkers > 2:
			r.ScaleDown = true
			r.SuggestedWorkers = max(2, int(math.Ceil(float64(r.TotalWorkers)*0.7)))
			r.Issues = append(r.Issues, fmt.Sprintf("utilization %.0f%% below %.0f%%, consider removing workers",
				r.Utilization*100, scaleDownUtilization*100))
		}
	}
	if r.UnhealthyWorkers > 0 {
		r.Issues = append(r.Issues, fmt.Sprintf("%d unhealthy worker(s)", r.UnhealthyWorkers))
	}
	if r.DegradedWorkers > 0 {
		r.Issues = append(r.Issues, fmt.Sprintf("%d degraded worker(s)", r.DegradedWorkers))
	}
	r.Issues = append(r.Issues, slow...)
	return r
}
