package monitoring

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/averos/backstop/internal/models"
	"github.com/averos/backstop/internal/services"
)

// Clock abstracts wall time so cadence evaluation is testable without
// real waits.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// RealClock returns the wall clock.
func RealClock() Clock { return realClock{} }

// Scheduler fires backup cycles on each target's cadence. Each target's
// timer is independent; cycles for distinct targets run fully in parallel,
// while the backup service enforces single-flight within a target.
type Scheduler struct {
	backupSvc services.BackupServiceProvider
	clock     Clock
	targets   []models.Target
	schedules map[string]cron.Schedule
	nextRun   map[string]time.Time
	ticker    *time.Ticker
	done      chan bool
}

// NewScheduler creates a scheduler for the given targets. Cadences were
// validated at configuration load, so a parse failure here only drops that
// target with a log line.
func NewScheduler(targets []models.Target, backupSvc services.BackupServiceProvider, clock Clock) *Scheduler {
	s := &Scheduler{
		backupSvc: backupSvc,
		clock:     clock,
		schedules: make(map[string]cron.Schedule),
		nextRun:   make(map[string]time.Time),
		done:      make(chan bool),
	}
	now := clock.Now()
	for _, target := range targets {
		sched, err := cron.ParseStandard(target.Cadence)
		if err != nil {
			log.Error().Err(err).Str("target", target.ID).Msg("Scheduler: invalid cadence, target not scheduled")
			continue
		}
		s.targets = append(s.targets, target)
		s.schedules[target.ID] = sched
		s.nextRun[target.ID] = sched.Next(now)
	}
	return s
}

// Run starts the scheduler's ticking loop.
func (s *Scheduler) Run() {
	log.Info().Int("targets", len(s.targets)).Msg("Starting backup scheduler...")
	s.ticker = time.NewTicker(30 * time.Second)
	defer s.ticker.Stop()

	for {
		select {
		case <-s.done:
			log.Info().Msg("Stopping backup scheduler.")
			return
		case <-s.ticker.C:
			s.checkAndTrigger()
		}
	}
}

// Stop halts the scheduler.
func (s *Scheduler) Stop() {
	s.done <- true
}

// checkAndTrigger fires a cycle for every target whose cadence has come due.
// A trigger while the target's previous cycle is still running is dropped by
// the backup service, and the cadence simply advances.
func (s *Scheduler) checkAndTrigger() {
	now := s.clock.Now()
	for _, target := range s.targets {
		due := s.nextRun[target.ID]
		if now.Before(due) {
			continue
		}
		started := s.backupSvc.Trigger(target)
		if !started {
			log.Info().Str("target", target.ID).Msg("Scheduler: trigger was a no-op, cycle still running")
		}
		s.nextRun[target.ID] = s.schedules[target.ID].Next(now)
	}
}
