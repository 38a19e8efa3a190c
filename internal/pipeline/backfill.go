package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/riskwatch/internal/logging"
)

// BackfillOptions bound a backfill run. Zero values take the defaults.
type BackfillOptions struct {
	BatchSize   int
	Concurrency int
	Pause       time.Duration
	// Limit caps the number of events considered; 0 means all unscored.
	Limit int
}

// DefaultBackfillOptions keeps the oracle load modest.
var DefaultBackfillOptions = BackfillOptions{BatchSize: 10, Concurrency: 4, Pause: 100 * time.Millisecond}

func (o BackfillOptions) withDefaults() BackfillOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBackfillOptions.BatchSize
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultBackfillOptions.Concurrency
	}
	if o.Pause < 0 {
		o.Pause = 0
	}
	return o
}

// BackfillReport counts what a backfill did.
type BackfillReport struct {
	Processed int `json:"processed"`
	Scored    int `json:"scored"`
	Alerts    int `json:"alerts"`
	Failed    int `json:"failed"`
}

func (r *BackfillReport) add(res *Result, err error) {
	r.Processed++
	switch {
	case err != nil:
		r.Failed++
	case res.Scored:
		r.Scored++
		if res.AlertID != "" {
			r.Alerts++
		}
	}
}

// Backfill reprocesses unscored events in batches. Events within a batch
// run concurrently up to opts.Concurrency, with opts.Pause between
// batches. Per-event failures are logged and counted; the run stops only
// when ctx ends. The unscored set is listed once, so events that fail
// again are not retried within the same run.
func (p *Processor) Backfill(ctx context.Context, opts BackfillOptions) (*BackfillReport, error) {
	opts = opts.withDefaults()
	report := &BackfillReport{}

	pending, err := p.events.ListUnscored(ctx, opts.Limit)
	if err != nil {
		return report, err
	}
	logger := logging.L(ctx)
	logger.Info("backfill started", "events", len(pending), "batch_size", opts.BatchSize, "concurrency", opts.Concurrency)

	var mu sync.Mutex
	for start := 0; start < len(pending); start += opts.BatchSize {
		if start > 0 && opts.Pause > 0 {
			select {
			case <-ctx.Done():
				return report, ctx.Err()
			case <-time.After(opts.Pause):
			}
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}

		batch := pending[start:min(start+opts.BatchSize, len(pending))]
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(opts.Concurrency)
		for _, ev := range batch {
			g.Go(func() error {
				res, err := p.run(gctx, ev)
				if err != nil && !errors.Is(err, ErrUnscored) {
					logger.Warn("backfill event failed", "event_id", ev.ID, "error", err)
				}
				mu.Lock()
				report.add(res, err)
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		logger.Info("backfill progress",
			"processed", report.Processed,
			"total", len(pending),
			"alerts", report.Alerts,
			"failed", report.Failed,
		)
	}
	return report, nil
}
