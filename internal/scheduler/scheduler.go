// Package scheduler fires stored cron-expression triggers. Each due
// schedule dispatches its prompt to the owning agent under a fresh
// scheduler-sourced correlation context.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/agentmesh/internal/store"
	"github.com/nextlevelbuilder/agentmesh/internal/trace"
)

// DispatchFunc delivers one due schedule's prompt to an agent. The
// wiring decides whether that means a mesh send or a local session.
type DispatchFunc func(ctx context.Context, agentID, prompt string) error

// Options tunes the scheduler.
type Options struct {
	// TickInterval is how often schedules are evaluated. Cron precision
	// is one minute, so the default is one minute.
	TickInterval time.Duration
}

// Scheduler evaluates cron expressions on a fixed tick and dispatches
// the due ones. A schedule fires at most once per due minute.
type Scheduler struct {
	schedules store.ScheduleStore
	dispatch  DispatchFunc
	interval  time.Duration
	gron      *gronx.Gronx

	now func() time.Time

	wg   sync.WaitGroup
	done chan struct{}
	once sync.Once
}

// New builds a scheduler. Call Start to begin ticking.
func New(schedules store.ScheduleStore, dispatch DispatchFunc, opts Options) *Scheduler {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Minute
	}
	return &Scheduler{
		schedules: schedules,
		dispatch:  dispatch,
		interval:  opts.TickInterval,
		gron:      gronx.New(),
		now:       time.Now,
		done:      make(chan struct{}),
	}
}

// Start launches the tick loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.tick(context.Background())
			}
		}
	}()
}

// Close stops the tick loop and waits for in-flight dispatches.
func (s *Scheduler) Close() {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
}

// tick evaluates every enabled schedule against the current minute.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now().UTC()
	schedules, err := s.schedules.ListSchedules(ctx)
	if err != nil {
		trace.Logger(ctx).Error("listing schedules", "error", err)
		return
	}

	for _, sc := range schedules {
		if !sc.Enabled {
			continue
		}
		due, err := s.gron.IsDue(sc.CronExpr, now)
		if err != nil {
			trace.Logger(ctx).Warn("invalid cron expression", "schedule_id", sc.ID, "expr", sc.CronExpr, "error", err)
			continue
		}
		if !due || s.firedThisMinute(sc, now) {
			continue
		}
		s.fire(ctx, sc, now)
	}
}

// firedThisMinute guards against double-fire when the tick interval is
// shorter than a minute.
func (s *Scheduler) firedThisMinute(sc store.Schedule, now time.Time) bool {
	return sc.LastRunAt != nil && sc.LastRunAt.Truncate(time.Minute).Equal(now.Truncate(time.Minute))
}

func (s *Scheduler) fire(ctx context.Context, sc store.Schedule, now time.Time) {
	tc := trace.NewEventContext(ctx, trace.SourceScheduler, "")
	_ = trace.RunWith(ctx, tc, func(ctx context.Context) error {
		log := trace.Logger(ctx)
		if err := s.dispatch(ctx, sc.AgentID, sc.Prompt); err != nil {
			log.Error("schedule dispatch failed", "schedule_id", sc.ID, "agent_id", sc.AgentID, "error", err)
			return err
		}
		if err := s.schedules.MarkScheduleRun(ctx, sc.ID, now); err != nil {
			log.Warn("marking schedule run", "schedule_id", sc.ID, "error", err)
		}
		log.Info("schedule fired", "schedule_id", sc.ID, "agent_id", sc.AgentID)
		return nil
	})
}
