// Package scheduler drives the background work the API does not do inline:
// outbox delivery, hold expiry, dispute-window closure, dispute timeout
// escalation and idempotency cleanup. One cooperative tick runs every task
// once; tasks log and keep going on error so one bad tenant cannot stall the
// rest.
package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/settld-labs/settld-core/internal/dispute"
	"github.com/settld-labs/settld-core/internal/idempotency"
	"github.com/settld-labs/settld-core/internal/metrics"
	"github.com/settld-labs/settld-core/internal/outbox"
	"github.com/settld-labs/settld-core/internal/run"
	"github.com/settld-labs/settld-core/internal/store"
	"github.com/settld-labs/settld-core/internal/toolcall"
)

// DefaultInterval is the production tick interval; tests run much tighter.
const DefaultInterval = time.Second

// Scheduler owns the autotick loop.
type Scheduler struct {
	Store     store.Store
	Outbox    *outbox.Worker
	Runs      *run.Engine
	ToolCalls *toolcall.Kernel
	Disputes  *dispute.Engine
	Idem      *idempotency.Guard
	Interval  time.Duration
	Logger    *log.Logger

	// sweepEvery counts ticks between idempotency sweeps; the sweep is cheap
	// but there is no point running it every second.
	sweepEvery int
	tickCount  int
}

func New(st store.Store, ob *outbox.Worker, runs *run.Engine, tc *toolcall.Kernel, disp *dispute.Engine, idem *idempotency.Guard) *Scheduler {
	return &Scheduler{
		Store:      st,
		Outbox:     ob,
		Runs:       runs,
		ToolCalls:  tc,
		Disputes:   disp,
		Idem:       idem,
		Interval:   DefaultInterval,
		Logger:     log.New(log.Writer(), "[SCHEDULER] ", log.LstdFlags),
		sweepEvery: 60,
	}
}

// Run ticks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.Logger.Printf("autotick started, interval=%s", interval)
	for {
		select {
		case <-ctx.Done():
			s.Logger.Printf("autotick stopped: %v", ctx.Err())
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one full pass. Exported so tests and the mem-store dev loop can
// drive it synchronously.
func (s *Scheduler) Tick(ctx context.Context) {
	s.tickCount++

	if s.Outbox != nil {
		metrics.SchedulerTicks.WithLabelValues("outbox").Inc()
		if _, err := s.Outbox.Pump(ctx); err != nil {
			s.Logger.Printf("outbox pump: %v", err)
		}
	}

	tenants, err := s.Store.ListTenants(ctx)
	if err != nil {
		s.Logger.Printf("list tenants: %v", err)
		return
	}
	for _, tenant := range tenants {
		if ctx.Err() != nil {
			return
		}
		if s.ToolCalls != nil {
			metrics.SchedulerTicks.WithLabelValues("hold_expiry").Inc()
			if n, err := s.ToolCalls.ExpireHolds(ctx, tenant); err != nil {
				s.Logger.Printf("tenant %s: hold expiry: %v", tenant, err)
			} else if n > 0 {
				s.Logger.Printf("tenant %s: released %d expired holds", tenant, n)
			}
		}
		if s.Runs != nil {
			metrics.SchedulerTicks.WithLabelValues("dispute_window").Inc()
			if n, err := s.Runs.CloseExpiredDisputeWindows(ctx, tenant); err != nil {
				s.Logger.Printf("tenant %s: dispute windows: %v", tenant, err)
			} else if n > 0 {
				s.Logger.Printf("tenant %s: closed %d dispute windows", tenant, n)
			}
		}
		if s.Disputes != nil {
			metrics.SchedulerTicks.WithLabelValues("dispute_timeout").Inc()
			if n, err := s.Disputes.EscalateTimeouts(ctx, tenant); err != nil {
				s.Logger.Printf("tenant %s: dispute timeouts: %v", tenant, err)
			} else if n > 0 {
				s.Logger.Printf("tenant %s: escalated %d stale disputes", tenant, n)
			}
		}
	}

	if s.Idem != nil && s.sweepEvery > 0 && s.tickCount%s.sweepEvery == 0 {
		metrics.SchedulerTicks.WithLabelValues("idempotency_sweep").Inc()
		if n, err := s.Idem.Sweep(ctx); err != nil {
			s.Logger.Printf("idempotency sweep: %v", err)
		} else if n > 0 {
			s.Logger.Printf("swept %d stale idempotency rows", n)
		}
	}
}
