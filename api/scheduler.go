/*
scheduler.go - Automated schedule extension

PURPOSE:
  Open-ended contracts renew until cancelled, so their schedules cannot be
  generated to the end up front. The extender periodically generates the
  missing entries of every active open-ended contract up to a fixed horizon
  ahead of today.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on start
  - Generation is idempotent (schedule keys), so overlapping or repeated
    runs never duplicate entries
  - A failing contract is logged and skipped; the run continues

CONFIGURATION:
  - CheckInterval: How often to run (default: 24 hours)
  - HorizonMonths: How far ahead to generate (default: 12)
  - Enabled:       Whether the extender is active (default: true)

USAGE:
  extender := NewScheduleExtender(store, generator, log)
  extender.Start()
  // ... later
  extender.Stop()

SEE ALSO:
  - schedule/generator.go: Generator.Extend
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/billing-engine/generic"
	"github.com/warp/billing-engine/metrics"
	"github.com/warp/billing-engine/schedule"
)

// ScheduleExtender keeps open-ended contracts generated ahead of today.
type ScheduleExtender struct {
	Store         generic.ContractStore
	Generator     *schedule.Generator
	CheckInterval time.Duration
	HorizonMonths int
	Enabled       bool

	log    *zap.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// ExtensionReport summarises one run.
type ExtensionReport struct {
	Contracts int
	Created   int
	Failed    int
}

func NewScheduleExtender(store generic.ContractStore, generator *schedule.Generator, log *zap.Logger) *ScheduleExtender {
	if log == nil {
		log = zap.NewNop()
	}
	return &ScheduleExtender{
		Store:         store,
		Generator:     generator,
		CheckInterval: 24 * time.Hour,
		HorizonMonths: 12,
		Enabled:       true,
		log:           log.Named("extender"),
	}
}

// Start begins the periodic runs.
func (s *ScheduleExtender) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.log.Info("schedule extender disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run(s.ticker, s.stop)

	s.log.Info("schedule extender started",
		zap.Duration("interval", s.CheckInterval),
		zap.Int("horizon_months", s.HorizonMonths))
}

// Stop stops the periodic runs and waits for a running pass to finish.
func (s *ScheduleExtender) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.log.Info("schedule extender stopped")
}

func (s *ScheduleExtender) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	s.RunNow(context.Background())
	for {
		select {
		case <-ticker.C:
			s.RunNow(context.Background())
		case <-stop:
			return
		}
	}
}

// RunNow extends every active open-ended contract once.
func (s *ScheduleExtender) RunNow(ctx context.Context) (ExtensionReport, error) {
	var report ExtensionReport

	contracts, err := s.Store.ListContracts(ctx, "")
	if err != nil {
		err = generic.NewStorageError("list contracts", nil, err)
		metrics.ObserveExtensionRun(err)
		s.log.Error("schedule extension failed", zap.Error(err))
		return report, err
	}

	for _, c := range contracts {
		if c.Status != generic.ContractActive || !c.OpenEnded() {
			continue
		}
		report.Contracts++
		res, err := s.Generator.Extend(ctx, c, s.HorizonMonths)
		if err != nil {
			report.Failed++
			s.log.Warn("contract extension failed",
				zap.String("contract_id", string(c.ID)),
				zap.Error(err))
			continue
		}
		report.Created += len(res.CreatedEntries)
	}

	metrics.ObserveExtensionRun(nil)
	s.log.Info("schedule extension run",
		zap.Int("contracts", report.Contracts),
		zap.Int("created", report.Created),
		zap.Int("failed", report.Failed))
	return report, nil
}
