// Package sweep closes out work abandoned by crashed workers. Each tick it
// fails job runs stuck in running past a staleness threshold and expires
// idempotency leases nobody renewed, recording itself as a "sweep" run.
package sweep

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/cascade/errors"
	"github.com/teranos/cascade/idempotency"
	"github.com/teranos/cascade/ledger"
	"github.com/teranos/cascade/logger"
)

// JobName is the ledger job name of sweep runs
const JobName = "sweep"

// Config contains configuration for the sweeper
type Config struct {
	Interval   time.Duration // How often to sweep; zero disables the loop
	StaleAfter time.Duration // How long a run may stay running, or pending, before it is abandoned
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Interval:   time.Minute,
		StaleAfter: 15 * time.Minute,
	}
}

// Result summarizes one sweep
type Result struct {
	RunID         string `json:"run_id"`
	Abandoned     int    `json:"abandoned"`
	AlreadyDone   int    `json:"already_done"`
	LeasesExpired int64  `json:"leases_expired"`
	Skipped       bool   `json:"skipped"`
}

// Sweeper periodically abandons stale runs and expires leases
type Sweeper struct {
	ledger   *ledger.Ledger
	registry *idempotency.Registry
	cfg      Config
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.SugaredLogger

	mu              sync.Mutex
	lastTickAt      time.Time
	ticksSinceStart int64
}

// New creates a sweeper bound to ctx
func New(ctx context.Context, l *ledger.Ledger, registry *idempotency.Registry, cfg Config) *Sweeper {
	sweepCtx, cancel := context.WithCancel(ctx)
	return &Sweeper{
		ledger:   l,
		registry: registry,
		cfg:      cfg,
		now:      time.Now,
		ctx:      sweepCtx,
		cancel:   cancel,
		logger:   logger.ComponentLogger("sweep"),
	}
}

// Start begins the sweep loop. It does nothing when Interval is zero.
func (s *Sweeper) Start() {
	if s.cfg.Interval <= 0 {
		s.logger.Infow("Sweeper disabled", "interval", s.cfg.Interval)
		return
	}
	s.wg.Add(1)
	go s.run()
	s.logger.Infow("Sweeper started", "interval", s.cfg.Interval, "stale_after", s.cfg.StaleAfter)
}

// Stop gracefully stops the sweeper
func (s *Sweeper) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Sweeper) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case tickTime := <-ticker.C:
			s.mu.Lock()
			s.lastTickAt = tickTime
			s.ticksSinceStart++
			tick := s.ticksSinceStart
			s.mu.Unlock()

			if _, err := s.SweepOnce(s.ctx); err != nil && s.ctx.Err() == nil {
				s.logger.Warnw("Sweep tick error", logger.FieldError, err, "tick", tick)
			}
		}
	}
}

// windowKey names the sweep window so that several processes sharing a
// store run at most one sweep per interval.
func (s *Sweeper) windowKey(now time.Time) string {
	window := now.UTC()
	if s.cfg.Interval > 0 {
		window = window.Truncate(s.cfg.Interval)
	}
	return idempotency.BuildKey(idempotency.KeyParts{
		Operation:   JobName,
		Table:       ledger.Collection,
		Fingerprint: window.Format("20060102T150405Z"),
	})
}

// SweepOnce runs one sweep. When another process already swept this window
// the result is marked Skipped.
func (s *Sweeper) SweepOnce(ctx context.Context) (*Result, error) {
	now := s.now()
	run, err := s.ledger.Create(ctx, ledger.NewRun{
		JobName:        JobName,
		IdempotencyKey: s.windowKey(now),
		Metadata: ledger.Metadata{
			JobType:       ledger.JobTypeSweep,
			TriggerSource: "ticker",
			Input:         map[string]any{"stale_after_seconds": int(s.cfg.StaleAfter.Seconds())},
		},
	})
	if errors.Is(err, ledger.ErrDuplicateRun) {
		s.logger.Debugw("Sweep window already handled", logger.FieldJobID, run.ID)
		return &Result{RunID: run.ID, Skipped: true}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to record sweep run")
	}
	if _, err := s.ledger.Start(ctx, run.ID, ledger.Metadata{}); err != nil {
		return nil, errors.Wrap(err, "failed to start sweep run")
	}

	res := &Result{RunID: run.ID}
	var firstErr error

	stale, err := s.ledger.ListStale(ctx, s.cfg.StaleAfter)
	if err != nil {
		firstErr = errors.Wrap(err, "failed to list stale runs")
	}
	for _, r := range stale {
		if r.ID == run.ID {
			continue
		}
		_, err := s.ledger.Abandon(ctx, r.ID, "no progress for "+s.cfg.StaleAfter.String())
		switch {
		case err == nil:
			res.Abandoned++
			s.logger.Infow("Abandoned stale run",
				logger.FieldJobName, r.JobName,
				logger.FieldJobID, r.ID,
				logger.FieldKey, r.IdempotencyKey)
		case errors.Is(err, ledger.ErrInvalidTransition):
			// Finished between the listing and the patch
			res.AlreadyDone++
		default:
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "failed to abandon run %s", r.ID)
			}
		}
	}

	expired, err := s.registry.ExpireLeases(ctx)
	if err != nil && firstErr == nil {
		firstErr = err
	}
	res.LeasesExpired = expired

	meta := ledger.Metadata{
		Counters: ledger.Counters{
			ItemsTotal:     len(stale),
			ItemsProcessed: res.Abandoned,
			ItemsSkipped:   res.AlreadyDone,
		},
		Output: map[string]any{
			"abandoned":      res.Abandoned,
			"leases_expired": res.LeasesExpired,
		},
	}
	if firstErr != nil {
		if _, err := s.ledger.Fail(ctx, run.ID, "database_error", firstErr.Error(), meta); err != nil {
			s.logger.Errorw("Failed to record sweep failure", logger.FieldJobID, run.ID, logger.FieldError, err)
		}
		return res, firstErr
	}
	if _, err := s.ledger.Succeed(ctx, run.ID, meta); err != nil {
		return res, errors.Wrap(err, "failed to finish sweep run")
	}

	if res.Abandoned > 0 || res.LeasesExpired > 0 {
		s.logger.Infow("Sweep complete",
			logger.FieldJobID, run.ID,
			"abandoned", res.Abandoned,
			"leases_expired", res.LeasesExpired)
	}
	return res, nil
}

// LastTick returns when the loop last ticked and how many ticks ran
func (s *Sweeper) LastTick() (time.Time, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTickAt, s.ticksSinceStart
}
