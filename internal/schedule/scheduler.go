// Package schedule fires scrape runs on a cron schedule. Every run executes
// in its own goroutine under its own deadline; the loop never waits for a
// run, so a slow or failing run neither delays nor stops later fires.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// RunFunc performs one scrape run.
type RunFunc func(ctx context.Context) error

// ErrAlreadyStarted is returned by Start on a running scheduler.
var ErrAlreadyStarted = errors.New("schedule: scheduler already started")

const defaultRunTimeout = 15 * time.Minute

// Scheduler owns the next-fire-time iteration and the runs it spawns.
type Scheduler struct {
	schedule   cron.Schedule
	run        RunFunc
	runTimeout time.Duration
	log        logrus.FieldLogger
	now        func() time.Time

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	loopWg  sync.WaitGroup
	runWg   sync.WaitGroup
	runs    uint64
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithRunTimeout bounds every run. Non-positive values keep the default.
func WithRunTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.runTimeout = d
		}
	}
}

// WithLogger sets the logger used for run outcomes.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a stopped scheduler.
func New(schedule cron.Schedule, run RunFunc, opts ...Option) *Scheduler {
	s := &Scheduler{
		schedule:   schedule,
		run:        run,
		runTimeout: defaultRunTimeout,
		log:        logrus.StandardLogger(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the schedule loop. Runs inherit ctx, so cancelling it has
// the same effect as Stop without the wait.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.loopWg.Add(1)
	go s.loop()
	return nil
}

// Trigger spawns one run immediately, outside the schedule. It reports
// false when the scheduler is not running.
func (s *Scheduler) Trigger() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.ctx.Err() != nil {
		return false
	}
	s.spawnLocked("manual")
	return true
}

// Stop ends the loop, cancels in-flight runs and waits for them to return.
// It is safe to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.mu.Unlock()

	s.loopWg.Wait()
	s.runWg.Wait()
}

// Next returns the next fire time after now, or the zero time when the
// schedule has none.
func (s *Scheduler) Next() time.Time {
	return s.schedule.Next(s.now())
}

func (s *Scheduler) loop() {
	defer s.loopWg.Done()

	for {
		now := s.now()
		next := s.schedule.Next(now)
		if next.IsZero() {
			s.log.Warn("schedule: no further fire times, stopping loop")
			return
		}
		s.log.WithField("next_run", next.Format(time.RFC3339)).Debug("schedule: waiting for next run")

		timer := time.NewTimer(max(next.Sub(now), 0))
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		s.mu.Lock()
		if s.ctx.Err() == nil {
			s.spawnLocked("scheduled")
		}
		s.mu.Unlock()
	}
}

// spawnLocked starts one run. s.mu must be held so Stop cannot miss it.
func (s *Scheduler) spawnLocked(trigger string) {
	s.runs++
	id := s.runs
	s.runWg.Add(1)
	go func() {
		defer s.runWg.Done()
		s.execute(id, trigger)
	}()
}

func (s *Scheduler) execute(id uint64, trigger string) {
	log := s.log.WithFields(logrus.Fields{"run": id, "trigger": trigger})

	ctx, cancel := context.WithTimeout(s.ctx, s.runTimeout)
	defer cancel()

	start := time.Now()
	err := safeRun(ctx, s.run)
	elapsed := time.Since(start).Round(time.Millisecond)
	if err != nil {
		log.WithError(err).WithField("elapsed", elapsed.String()).Error("scheduled scrape failed")
		return
	}
	log.WithField("elapsed", elapsed.String()).Info("scheduled scrape finished")
}

// safeRun converts a panic inside run into an error so it stays at the run
// boundary.
func safeRun(ctx context.Context, run RunFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("run panicked: %v", r)
		}
	}()
	return run(ctx)
}
