// Package aggregate reduces a batch of sub-task statuses into one overall outcome.
package aggregate

import (
	"fmt"
	"sort"

	"github.com/JakeFAU/opwatch/internal/operation"
)

// Result is the reduced view of a batch.
type Result struct {
	// State is RUNNING, SUCCEEDED or FAILED.
	State operation.State
	// Percent is floor(100 * terminal / total).
	Percent int
	// Total is the number of tasks in the batch.
	Total int
	// Terminal counts tasks that are no longer pending or in progress.
	Terminal int
	// FailedTaskIDs lists FAILED/ABORTED/TIMEDOUT tasks in input order.
	FailedTaskIDs []string
	// Hosts breaks the batch down per host, sorted by host name. Tasks without a host are
	// not included.
	Hosts []operation.HostProgress
}

// Aggregate reduces tasks into a Result. Failure takes precedence over completion. An empty
// batch or a task with an unknown status yields an *operation.AggregationError.
func Aggregate(tasks []operation.SubTaskSnapshot) (Result, error) {
	if len(tasks) == 0 {
		return Result{}, &operation.AggregationError{Detail: "empty task list"}
	}
	var c counter
	hosts := make(map[string]*counter)
	var failed []string
	for _, task := range tasks {
		if !task.Status.Valid() {
			return Result{}, &operation.AggregationError{
				Detail: fmt.Sprintf("task %q has unknown status %q", task.ID, task.Status),
			}
		}
		c.add(task.Status)
		if task.Status.IsFailure() {
			failed = append(failed, task.ID)
		}
		if task.Host == "" {
			continue
		}
		hc := hosts[task.Host]
		if hc == nil {
			hc = &counter{}
			hosts[task.Host] = hc
		}
		hc.add(task.Status)
	}
	return Result{
		State:         c.state(),
		Percent:       c.percent(),
		Total:         c.total,
		Terminal:      c.terminal,
		FailedTaskIDs: failed,
		Hosts:         hostBreakdown(hosts),
	}, nil
}

type counter struct {
	total     int
	terminal  int
	completed int
	failed    int
}

func (c *counter) add(status operation.TaskStatus) {
	c.total++
	switch {
	case status == operation.TaskCompleted:
		c.completed++
		c.terminal++
	case status.IsFailure():
		c.failed++
		c.terminal++
	}
}

func (c *counter) state() operation.State {
	switch {
	case c.failed > 0:
		return operation.StateFailed
	case c.completed == c.total:
		return operation.StateSucceeded
	default:
		return operation.StateRunning
	}
}

func (c *counter) percent() int {
	if c.total == 0 {
		return 0
	}
	return 100 * c.terminal / c.total
}

func hostBreakdown(hosts map[string]*counter) []operation.HostProgress {
	if len(hosts) == 0 {
		return nil
	}
	out := make([]operation.HostProgress, 0, len(hosts))
	for name, hc := range hosts {
		out = append(out, operation.HostProgress{
			Host:      name,
			State:     hc.state(),
			Percent:   hc.percent(),
			Total:     hc.total,
			Completed: hc.completed,
			Failed:    hc.failed,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}
