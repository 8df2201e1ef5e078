// Package scheduler is the Scheduler (spec §4.5): a cron-style timer
// service producing internal events, grounded in
// trader-go/internal/scheduler/scheduler.go's narrow Job interface and
// robfig/cron wiring, extended with next-fire persistence (spec §4.5 "must
// survive restarts") and a VIX-delta ad hoc trigger registered outside the
// cron table.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is one scheduled unit of work.
type Job interface {
	Run(ctx context.Context) error
	Name() string
}

// NextFireStore persists each job's next scheduled fire time so a restart
// doesn't silently skip or double-fire a tick (spec §4.5).
type NextFireStore interface {
	SaveNextFire(jobName string, next time.Time) error
	LastNextFire(jobName string) (time.Time, bool)
}

// Scheduler manages the NSE/BSE calendar of background jobs.
type Scheduler struct {
	cron  *cron.Cron
	store NextFireStore
	log   zerolog.Logger
}

// New creates a Scheduler. store may be nil, in which case next-fire
// persistence is skipped (tests, or a deployment that tolerates at-most-one
// missed tick across a restart).
func New(store NextFireStore, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:  cron.New(cron.WithSeconds()),
		store: store,
		log:   log.With().Str("component", "scheduler").Logger(),
	}
}

// Start starts the cron loop.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("scheduler started")
}

// Stop drains in-flight jobs and stops the cron loop.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("scheduler stopped")
}

// AddJob registers job against a 6-field (seconds-first) cron schedule.
func (s *Scheduler) AddJob(schedule string, job Job) error {
	var entryID cron.EntryID
	entryID, err := s.cron.AddFunc(schedule, func() {
		s.runAndRecord(job, entryID)
	})
	if err != nil {
		return err
	}

	if s.store != nil {
		for _, e := range s.cron.Entries() {
			if e.ID == entryID {
				_ = s.store.SaveNextFire(job.Name(), e.Next)
			}
		}
	}

	s.log.Info().Str("schedule", schedule).Str("job", job.Name()).Msg("job registered")
	return nil
}

func (s *Scheduler) runAndRecord(job Job, entryID cron.EntryID) {
	s.log.Debug().Str("job", job.Name()).Msg("running job")
	if err := job.Run(context.Background()); err != nil {
		s.log.Error().Err(err).Str("job", job.Name()).Msg("job failed")
	} else {
		s.log.Debug().Str("job", job.Name()).Msg("job completed")
	}

	if s.store != nil {
		for _, e := range s.cron.Entries() {
			if e.ID == entryID {
				_ = s.store.SaveNextFire(job.Name(), e.Next)
			}
		}
	}
}

// RunNow executes a job immediately, outside its schedule (e.g. a manual
// housekeeping trigger from the REST surface).
func (s *Scheduler) RunNow(ctx context.Context, job Job) error {
	s.log.Info().Str("job", job.Name()).Msg("running job immediately")
	return job.Run(ctx)
}

// MissedSinceRestart reports whether job's persisted next-fire time has
// already passed as of now — the caller should RunNow it to make up the
// missed tick (spec §4.5 "must survive restarts").
func (s *Scheduler) MissedSinceRestart(job Job, now time.Time) bool {
	if s.store == nil {
		return false
	}
	next, ok := s.store.LastNextFire(job.Name())
	if !ok {
		return false
	}
	return now.After(next)
}
