// Package janitor runs periodic housekeeping on a cron schedule: expiring
// conversations past their deadline (which ends dangling mobile sessions)
// and dropping expired tokens.
package janitor

import (
	"context"
	"time"

	"github.com/adhocore/gronx"
	"github.com/pkg/errors"

	"github.com/sipeed/picowidget/pkg/logger"
)

// Task is one housekeeping job. Run reports how many items it handled.
type Task struct {
	Name string
	Run  func() (int, error)
}

// Janitor runs its tasks whenever the cron expression is due.
type Janitor struct {
	schedule string
	tasks    []Task
	now      func() time.Time
}

// New validates schedule (five-field cron syntax) and returns a janitor.
func New(schedule string, tasks ...Task) (*Janitor, error) {
	if !gronx.New().IsValid(schedule) {
		return nil, errors.Errorf("invalid janitor schedule %q", schedule)
	}
	return &Janitor{schedule: schedule, tasks: tasks, now: time.Now}, nil
}

// Next returns the next time the janitor will run after t.
func (j *Janitor) Next(t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(j.schedule, t, false)
}

// Run blocks, sweeping on schedule, until ctx is done.
func (j *Janitor) Run(ctx context.Context) error {
	logger.InfoCF("janitor", "Janitor started", map[string]interface{}{
		"schedule": j.schedule,
		"tasks":    len(j.tasks),
	})
	for {
		now := j.now()
		next, err := j.Next(now)
		if err != nil {
			return errors.Wrap(err, "compute next janitor tick")
		}
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			j.RunOnce()
		}
	}
}

// RunOnce runs every task now. A failing task does not stop the others.
func (j *Janitor) RunOnce() map[string]int {
	results := make(map[string]int, len(j.tasks))
	for _, t := range j.tasks {
		n, err := t.Run()
		if err != nil {
			logger.ErrorCF("janitor", "Janitor task failed", map[string]interface{}{
				"task":  t.Name,
				"error": err.Error(),
			})
			continue
		}
		results[t.Name] = n
		if n > 0 {
			logger.InfoCF("janitor", "Janitor task swept items", map[string]interface{}{
				"task":  t.Name,
				"count": n,
			})
		}
	}
	return results
}
