package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorhill/cronexpr"
	"go.uber.org/zap"

	"github.com/neuroialab/neuroia/internal/lock"
	"github.com/neuroialab/neuroia/internal/metrics"
	"github.com/neuroialab/neuroia/internal/store"
)

const sweepLockKey = "sweeper"

// Expirer flips lapsed subscription rows to expired.
type Expirer interface {
	ExpireLapsed(ctx context.Context, now time.Time) (store.SweepResult, error)
}

// Sweeper periodically expires lapsed subscriptions. A lease keeps
// replicas from sweeping at the same time.
type Sweeper struct {
	Store   Expirer
	Locker  lock.Locker
	Spec    string
	LockTTL time.Duration
	Logger  *zap.Logger
	Metrics *metrics.Metrics

	// Interval is how often the schedule is checked.
	Interval time.Duration

	now  func() time.Time
	mu   sync.Mutex
	last *time.Time
	stop chan struct{}
	done chan struct{}
}

func (s *Sweeper) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

func (s *Sweeper) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

// Start runs the sweeper until Stop is called.
func (s *Sweeper) Start() {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer close(s.done)
		defer ticker.Stop()
		s.tick()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight sweep.
func (s *Sweeper) Stop() {
	if s.stop == nil {
		return
	}
	close(s.stop)
	<-s.done
	s.stop = nil
}

func (s *Sweeper) tick() {
	s.mu.Lock()
	last := s.last
	s.mu.Unlock()
	if !isDue(s.Spec, last, s.clock()) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.lockTTL())
	defer cancel()
	if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, lock.ErrLeaseHeld) {
		s.logger().Error("subscription sweep failed", zap.Error(err))
	}
}

func (s *Sweeper) lockTTL() time.Duration {
	if s.LockTTL > 0 {
		return s.LockTTL
	}
	return 2 * time.Minute
}

// RunOnce performs one sweep under the sweeper lease. ErrLeaseHeld means
// another replica is sweeping.
func (s *Sweeper) RunOnce(ctx context.Context) (store.SweepResult, error) {
	now := s.clock()
	if s.Locker != nil {
		// The lease is left to expire so replicas ticking right after us skip.
		if _, err := s.Locker.Acquire(ctx, sweepLockKey, s.lockTTL()); err != nil {
			if errors.Is(err, lock.ErrLeaseHeld) {
				// Another replica owns this period.
				s.markRun(now)
			}
			return store.SweepResult{}, err
		}
	}
	res, err := s.Store.ExpireLapsed(ctx, now)
	s.Metrics.ObserveSweep(err, res.Subscriptions, res.Packages, res.Institutions)
	if err != nil {
		return res, err
	}
	s.markRun(now)
	s.logger().Info("subscription sweep",
		zap.Int64("subscriptions", res.Subscriptions),
		zap.Int64("packages", res.Packages),
		zap.Int64("institutions", res.Institutions))
	return res, nil
}

func (s *Sweeper) markRun(at time.Time) {
	s.mu.Lock()
	s.last = &at
	s.mu.Unlock()
}

// isDue determines whether a job with cronSpec should run at now given its
// last run. Supports "@daily", "@hourly" and standard cron expressions; an
// invalid expression behaves like "@daily".
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
