// Package maintenance provides cron-driven housekeeping for SendPipe.
//
// Jobs run on cron expressions and must tolerate running next to the
// delivery scheduler; they only touch terminal message rows and never
// session directories.
package maintenance

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"sendpipe/internal/store"
)

// DefaultRetention is how long terminal messages are kept before pruning.
const DefaultRetention = 30 * 24 * time.Hour

// DefaultRetentionSchedule runs the sweep nightly at 03:00.
const DefaultRetentionSchedule = "0 3 * * *"

// Runner provides cron-based job scheduling.
type Runner struct {
	cron *cron.Cron
}

// NewRunner creates and starts a cron runner.
func NewRunner() *Runner {
	// Use standard 5-field cron parser (min, hour, dom, month, dow) and enable recovery
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Runner{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (r *Runner) AddJob(expr string, task func()) error {
	_, err := r.cron.AddFunc(expr, task)
	return err
}

// Stop stops the cron runner and waits for running jobs to finish.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
}

// RetentionJob returns a task that prunes terminal messages whose last
// update is older than the retention window. Scheduled and in-progress
// messages are never touched.
func RetentionJob(repo store.MessageRepo, retention time.Duration) func() {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return func() {
		cutoff := time.Now().Add(-retention)
		n, err := repo.DeleteTerminalBefore(cutoff)
		if err != nil {
			slog.Error("Maintenance retention sweep failed", "error", err)
			return
		}
		if n > 0 {
			slog.Info("Maintenance retention sweep pruned messages", "count", n, "cutoff", cutoff)
		}
	}
}
