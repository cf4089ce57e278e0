// Package reminder emits daily notices for assignments that are due the next
// day and not yet completed.
package reminder

import (
	"context"
	"time"

	"cloud.google.com/go/civil"
	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"

	"github.com/maryammeda/tracker/domain"
)

// PendingStore is the system of record queried by a run. It must not be served
// from the listing cache.
type PendingStore interface {
	PendingDueOn(ctx context.Context, day civil.Date) ([]domain.Assignment, error)
}

// RunSummary describes one execution of the reminder scan.
type RunSummary struct {
	Day        civil.Date `json:"day"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
	Matched    int        `json:"matched"`
	Sent       int        `json:"sent"`
	Failed     int        `json:"failed"`
	Error      string     `json:"error,omitempty"`
}

// OK reports whether the scan itself succeeded.
func (s RunSummary) OK() bool {
	return s.Error == ""
}

// Job scans for assignments due the day after a given date.
type Job struct {
	store    PendingStore
	notifier Notifier
	clock    clock.Clock
	logger   *log.Logger
}

// NewJob creates a reminder job.
func NewJob(store PendingStore, notifier Notifier, clk clock.Clock, logger *log.Logger) *Job {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	if notifier == nil {
		notifier = NewLogNotifier(logger)
	}
	return &Job{store: store, notifier: notifier, clock: clk, logger: logger}
}

// Run emits one reminder per incomplete assignment due on today+1. A failing
// query abandons the run; a failing notice is logged and skipped.
func (j *Job) Run(ctx context.Context, today civil.Date) RunSummary {
	summary := RunSummary{
		Day:       today.AddDays(1),
		StartedAt: j.clock.Now(),
	}
	entry := j.logger.WithField("day", summary.Day.String())

	items, err := j.store.PendingDueOn(ctx, summary.Day)
	if err != nil {
		entry.WithError(err).Error("reminder scan failed")
		summary.Error = err.Error()
		summary.FinishedAt = j.clock.Now()
		return summary
	}
	summary.Matched = len(items)

	for _, a := range items {
		if err := j.notifier.Notify(ctx, domain.ReminderFor(a)); err != nil {
			entry.WithError(err).WithFields(log.Fields{
				"assignment_id": a.ID,
				"owner_id":      a.OwnerID,
			}).Warn("failed to emit reminder")
			summary.Failed++
			continue
		}
		summary.Sent++
	}
	summary.FinishedAt = j.clock.Now()

	entry.WithFields(log.Fields{
		"matched": summary.Matched,
		"sent":    summary.Sent,
		"failed":  summary.Failed,
	}).Info("reminder run complete")
	return summary
}
