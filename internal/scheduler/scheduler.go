// Package scheduler turns cron schedule triggers on published workflow
// definitions into instance starts.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/meridian-run/meridian/internal/store"
	"github.com/meridian-run/meridian/pkg/model"
)

// InstanceStarter is the interface the scheduler uses to start workflow
// instances. Satisfied by the engine (avoids an import cycle).
type InstanceStarter interface {
	Start(ctx context.Context, ref model.DefinitionRef, input any) (*model.Instance, error)
}

// Scheduler polls published definitions for due schedule triggers and starts
// instances for them.
type Scheduler struct {
	store   store.Store
	starter InstanceStarter
	parser  cron.Parser
	logger  *slog.Logger
	period  time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	nextMu  sync.Mutex
	nextRun map[string]time.Time // trigger key -> next due time
}

// New creates a Scheduler with the standard 5-field cron grammar.
func New(s store.Store, starter InstanceStarter, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:   s,
		starter: starter,
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:  logger,
		period:  time.Minute,
		nextRun: make(map[string]time.Time),
	}
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(loopCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick scans every published definition's schedule triggers and starts
// instances for the ones that have come due since the last pass.
func (s *Scheduler) tick(ctx context.Context) {
	defs, err := s.store.ListDefinitions(ctx, store.DefinitionFilter{})
	if err != nil {
		s.logger.Error("failed to list definitions", slog.Any("error", err))
		return
	}

	now := time.Now().UTC()
	for _, def := range defs {
		for i, schedule := range def.Schedule {
			key := fmt.Sprintf("%s#%d", def.Ref(), i)

			next, known := s.lookupNext(key)
			if !known {
				// First sighting: arm the trigger, do not fire for the past.
				due, err := s.nextAfter(schedule.Cron, now)
				if err != nil {
					s.logger.Error("invalid schedule cron",
						slog.String("definition", def.Ref().String()),
						slog.String("cron", schedule.Cron),
						slog.Any("error", err))
					continue
				}
				s.storeNext(key, due)
				continue
			}
			if next.After(now) {
				continue
			}

			s.fire(ctx, def, schedule)
			due, err := s.nextAfter(schedule.Cron, now)
			if err != nil {
				continue
			}
			s.storeNext(key, due)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, def *model.Definition, schedule model.Schedule) {
	var input any
	if schedule.Input != nil {
		input = schedule.Input
	}
	inst, err := s.starter.Start(ctx, def.Ref(), input)
	if err != nil {
		s.logger.Error("scheduled start failed",
			slog.String("definition", def.Ref().String()),
			slog.Any("error", err))
		return
	}
	s.logger.Info("scheduled instance started",
		slog.String("definition", def.Ref().String()),
		slog.String("instance_id", inst.ID))
}

func (s *Scheduler) lookupNext(key string) (time.Time, bool) {
	s.nextMu.Lock()
	defer s.nextMu.Unlock()
	t, ok := s.nextRun[key]
	return t, ok
}

func (s *Scheduler) storeNext(key string, t time.Time) {
	s.nextMu.Lock()
	defer s.nextMu.Unlock()
	s.nextRun[key] = t
}

func (s *Scheduler) nextAfter(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
