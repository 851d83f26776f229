package server

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"
)

// LockKey guards scheduled runs across replicas.
const LockKey = "dbadvisor:sched:lock"

// LastRunner reports when the most recent run started.
type LastRunner interface {
	LastRunTime(ctx context.Context) (time.Time, bool, error)
}

// Scheduler starts runs whenever a cron expression falls due.
type Scheduler struct {
	Spec     string
	Rounds   int
	LockTTL  time.Duration
	Interval time.Duration
	Store    LastRunner
	Rdb      *redis.Client
	Trigger  Trigger
	Logger   *log.Logger
}

// Start checks the schedule every Interval (default one minute) until ctx
// is done.
func (s *Scheduler) Start(ctx context.Context) {
	if s.Logger == nil {
		s.Logger = log.New(log.Writer(), "[SCHED] ", log.LstdFlags)
	}
	if _, err := cronexpr.Parse(s.Spec); err != nil && !isShorthand(s.Spec) {
		s.Logger.Printf("invalid schedule %q, falling back to @daily: %v", s.Spec, err)
	}
	interval := s.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

func (s *Scheduler) tick(ctx context.Context) {
	var last *time.Time
	if s.Store != nil {
		t, ok, err := s.Store.LastRunTime(ctx)
		if err != nil {
			s.Logger.Printf("last run lookup: %v", err)
			return
		}
		if ok {
			last = &t
		}
	}
	if !isDue(s.Spec, last, time.Now()) {
		return
	}
	if s.Rdb != nil {
		ttl := s.LockTTL
		if ttl <= 0 {
			ttl = time.Hour
		}
		ok, err := s.Rdb.SetNX(ctx, LockKey, "1", ttl).Result()
		if err != nil {
			s.Logger.Printf("schedule lock: %v", err)
			return
		}
		if !ok {
			return
		}
	}
	runID, err := s.Trigger.Start(ctx, s.Rounds)
	if err != nil {
		s.Logger.Printf("scheduled run not started: %v", err)
		if s.Rdb != nil {
			s.Rdb.Del(ctx, LockKey)
		}
		return
	}
	s.Logger.Printf("scheduled run %s started (%d rounds)", runID, s.Rounds)
}

func isShorthand(spec string) bool {
	return spec == "@daily" || spec == "@hourly"
}

// isDue determines if a schedule should fire at now given the last run
// time. Supports "@daily", "@hourly" and standard cron expressions; an
// invalid expression behaves as @daily.
func isDue(cronSpec string, last *time.Time, now time.Time) bool {
	if last == nil {
		return true
	}
	switch cronSpec {
	case "@daily":
		return now.Sub(*last) >= 24*time.Hour
	case "@hourly":
		return now.Sub(*last) >= time.Hour
	}
	expr, err := cronexpr.Parse(cronSpec)
	if err != nil {
		return now.Sub(*last) >= 24*time.Hour
	}
	next := expr.Next(*last)
	return !next.IsZero() && !next.After(now)
}
