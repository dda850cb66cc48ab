/*
scheduler.go - Periodic claim-basis ingestion

PURPOSE:
  Runs the ingestion Job on a fixed interval so stored claim-basis messages
  reach their cases without anyone asking. RunNow runs it on demand (admin
  endpoint, tests).

DESIGN:
  - One background goroutine with a ticker
  - Runs once immediately on Start
  - Runs never overlap: a tick that arrives during a run waits for it
  - The last Report is kept for display

CONFIGURATION:
  - Interval: How often to run (ingest.interval, default 1m)
  - Enabled: Whether the scheduler starts at all (ingest.enabled)

USAGE:
  scheduler := ingest.NewScheduler(job, time.Minute, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()
*/
package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type Scheduler struct {
	Job      *Job
	Interval time.Duration
	Enabled  bool

	log    logrus.FieldLogger
	ticker *time.Ticker
	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex

	runMu  sync.Mutex
	lastMu sync.Mutex
	last   *Report
}

func NewScheduler(job *Job, interval time.Duration, log logrus.FieldLogger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Scheduler{
		Job:      job,
		Interval: interval,
		Enabled:  true,
		log:      log.WithField("component", "scheduler"),
	}
}

// Start begins the scheduler. Starting twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.log.Info("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stop = make(chan struct{})
	s.ticker = time.NewTicker(s.Interval)
	s.wg.Add(1)

	go s.run(ctx)

	s.log.WithField("interval", s.Interval.String()).Info("started")
}

// Stop stops the scheduler and waits for a running ingestion to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.cancel()
	s.wg.Wait()
	s.ticker = nil
	s.log.Info("stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	s.RunNow(ctx)

	for {
		select {
		case <-s.ticker.C:
			s.RunNow(ctx)
		case <-s.stop:
			return
		}
	}
}

// RunNow runs the job immediately and returns its report.
func (s *Scheduler) RunNow(ctx context.Context) Report {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	report := s.Job.Run(ctx)
	s.lastMu.Lock()
	s.last = &report
	s.lastMu.Unlock()
	if report.Failed() > 0 || report.Error != "" {
		s.log.WithFields(logrus.Fields{
			"failed":  report.Failed(),
			"applied": report.Applied(),
		}).Warn("ingestion run had failures")
	}
	return report
}

// LastReport returns the report of the most recent run, if any.
func (s *Scheduler) LastReport() (Report, bool) {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	if s.last == nil {
		return Report{}, false
	}
	return *s.last, true
}
