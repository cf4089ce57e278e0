package reminder

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/civil"
	"github.com/benbjohnson/clock"
	"github.com/gorhill/cronexpr"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// DefaultTime is the wall-clock time of the daily run.
const DefaultTime = "08:00"

// Config controls when the scheduler fires.
type Config struct {
	// Time is the daily trigger as HH:MM.
	Time     string
	Location *time.Location
	Clock    clock.Clock
}

// CronSpec turns an HH:MM time of day into a daily cron expression.
func CronSpec(hhmm string) (string, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(hhmm), ":")
	if !ok {
		return "", errors.Errorf("invalid reminder time %q: want HH:MM", hhmm)
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return "", errors.Errorf("invalid reminder hour in %q", hhmm)
	}
	minute, err := strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return "", errors.Errorf("invalid reminder minute in %q", hhmm)
	}
	return fmt.Sprintf("%d %d * * *", minute, hour), nil
}

// Status is a snapshot of the scheduler state.
type Status struct {
	Running  bool        `json:"running"`
	Schedule string      `json:"schedule"`
	Timezone string      `json:"timezone"`
	NextRun  *time.Time  `json:"next_run,omitempty"`
	LastRun  *RunSummary `json:"last_run,omitempty"`
}

// Scheduler runs a Job once per day at a fixed wall-clock time. It is created
// once per process; Start and Stop may be called any number of times.
type Scheduler struct {
	job    *Job
	expr   *cronexpr.Expression
	spec   string
	loc    *time.Location
	clock  clock.Clock
	logger *log.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
	nextRun time.Time
	lastRun *RunSummary

	runsChan chan RunSummary // For testing: reports finished scheduled runs
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(job *Job, cfg Config, logger *log.Logger) (*Scheduler, error) {
	if cfg.Time == "" {
		cfg.Time = DefaultTime
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	spec, err := CronSpec(cfg.Time)
	if err != nil {
		return nil, err
	}
	expr, err := cronexpr.Parse(spec)
	if err != nil {
		return nil, errors.Wrapf(err, "parse schedule %q", spec)
	}
	return &Scheduler{
		job:    job,
		expr:   expr,
		spec:   spec,
		loc:    cfg.Location,
		clock:  cfg.Clock,
		logger: logger,
	}, nil
}

// EnableTestMode returns a channel receiving the summary of every scheduled run.
func (s *Scheduler) EnableTestMode() <-chan RunSummary {
	s.runsChan = make(chan RunSummary, 16)
	return s.runsChan
}

// Start arms the daily trigger. Starting a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})

	next := s.next()
	s.nextRun = next
	timer := s.clock.Timer(next.Sub(s.clock.Now()))

	s.done = make(chan struct{})
	go s.run(ctx, timer, s.stopCh, s.done)

	s.logger.WithFields(log.Fields{
		"schedule": s.spec,
		"timezone": s.loc.String(),
		"next_run": next,
	}).Info("reminder scheduler started")
}

// Stop disarms the trigger and waits for an in-flight run. Stopping a stopped
// scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.nextRun = time.Time{}
	close(s.stopCh)
	done := s.done
	s.mu.Unlock()

	<-done
	s.logger.Info("reminder scheduler stopped")
}

// IsRunning returns whether the scheduler is armed.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Status reports the schedule, the next trigger and the last run.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Running:  s.running,
		Schedule: s.spec,
		Timezone: s.loc.String(),
	}
	if s.running && !s.nextRun.IsZero() {
		next := s.nextRun
		st.NextRun = &next
	}
	if s.lastRun != nil {
		last := *s.lastRun
		st.LastRun = &last
	}
	return st
}

// RunNow executes one run synchronously using today's date in the configured
// time zone.
func (s *Scheduler) RunNow(ctx context.Context) RunSummary {
	today := civil.DateOf(s.clock.Now().In(s.loc))
	summary := s.job.Run(ctx, today)

	s.mu.Lock()
	s.lastRun = &summary
	s.mu.Unlock()
	return summary
}

func (s *Scheduler) next() time.Time {
	return s.expr.Next(s.clock.Now().In(s.loc))
}

func (s *Scheduler) run(ctx context.Context, timer *clock.Timer, stop, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			s.mu.Lock()
			if s.stopCh == stop {
				s.running = false
				s.nextRun = time.Time{}
			}
			s.mu.Unlock()
			s.logger.Info("reminder scheduler context cancelled")
			return
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
			summary := s.RunNow(ctx)

			next := s.next()
			s.mu.Lock()
			s.nextRun = next
			s.mu.Unlock()
			timer = s.clock.Timer(next.Sub(s.clock.Now()))

			if s.runsChan != nil {
				select {
				case s.runsChan <- summary:
				default:
				}
			}
		}
	}
}
