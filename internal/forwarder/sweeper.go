package forwarder

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Sweeper periodically claims due deliveries. It covers retries, lost queue
// nudges and leases left behind by crashed workers.
type Sweeper struct {
	Processor *Processor
	Interval  time.Duration
	Batch     int
	Workers   int
}

func (s *Sweeper) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	slog.Info("delivery sweeper started", "interval", interval, "batch", s.Batch, "workers", s.Workers)

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			slog.Error("sweep failed", "err", err)
		}
		select {
		case <-ctx.Done():
			slog.Info("delivery sweeper stopped")
			return nil
		case <-t.C:
		}
	}
}

// SweepOnce claims up to Batch due deliveries and returns how many it
// claimed. Claims are taken in rounds of at most Workers, so a lease only
// starts once a worker is free to send it.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	batch := s.Batch
	if batch <= 0 {
		batch = 100
	}
	workers := s.Workers
	if workers <= 0 {
		workers = 8
	}

	p := s.Processor
	claimed := 0
	for claimed < batch && ctx.Err() == nil {
		want := min(workers, batch-claimed)
		jobs, err := p.Store.ClaimDue(ctx, p.now(), p.lease(), want)
		if err != nil {
			return claimed, err
		}
		claimed += len(jobs)

		var g errgroup.Group
		for _, job := range jobs {
			g.Go(func() error {
				if err := p.Process(ctx, job); err != nil {
					slog.Error("process delivery", "delivery_id", job.Delivery.ID, "err", err)
				}
				return nil
			})
		}
		_ = g.Wait()
		if len(jobs) < want {
			break
		}
	}
	return claimed, nil
}
