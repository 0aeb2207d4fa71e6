package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Raymond9734/wa-campaign-dispatcher/internal/metrics"
	"github.com/Raymond9734/wa-campaign-dispatcher/internal/models"
	"github.com/Raymond9734/wa-campaign-dispatcher/internal/queue"
)

// Processor handles one claimed queue entry
type Processor interface {
	Process(ctx context.Context, entry *models.QueueEntry) error
}

// Scheduler promotes scheduled campaigns whose start time has passed
type Scheduler interface {
	StartDue(ctx context.Context, now time.Time) (int, error)
}

// Completer closes running campaigns that have nothing left to send
type Completer interface {
	CompleteIdle(ctx context.Context) (done []int64, failed []int64, err error)
}

// DispatcherConfig holds the polling settings
type DispatcherConfig struct {
	TickInterval time.Duration
	BatchSize    int
	StaleAfter   time.Duration
	Window       *Window
}

// Dispatcher is the polling loop: claim a batch, process it in order, then check
// whether running campaigns have converged
type Dispatcher struct {
	queueClient queue.Client
	processor   Processor
	scheduler   Scheduler
	completer   Completer
	cfg         DispatcherConfig
	now         func() time.Time
	logger      *slog.Logger
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(
	queueClient queue.Client,
	processor Processor,
	scheduler Scheduler,
	completer Completer,
	cfg DispatcherConfig,
	logger *slog.Logger,
) *Dispatcher {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 300 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}

	return &Dispatcher{
		queueClient: queueClient,
		processor:   processor,
		scheduler:   scheduler,
		completer:   completer,
		cfg:         cfg,
		now:         time.Now,
		logger:      logger,
	}
}

// Start launches the loop in a background goroutine and returns a stop function.
// Stop cancels the loop and waits for the current tick to finish.
func (d *Dispatcher) Start(parent context.Context) func() {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	go func() {
		defer close(done)

		ticker := time.NewTicker(d.cfg.TickInterval)
		defer ticker.Stop()

		d.logger.Info("dispatcher started",
			slog.Duration("interval", d.cfg.TickInterval),
			slog.Int("batch_size", d.cfg.BatchSize),
			slog.String("window", d.cfg.Window.String()),
		)

		for {
			select {
			case <-ctx.Done():
				d.logger.Info("dispatcher stopped")
				return
			case <-ticker.C:
				d.Tick(ctx)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// Tick runs one polling cycle. Failures are logged; a panic is recovered and the
// entries it left claimed are released.
func (d *Dispatcher) Tick(ctx context.Context) {
	var pending []*models.QueueEntry

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatcher tick panicked", slog.String("panic", fmt.Sprint(r)))
			metrics.TicksTotal.WithLabelValues("panic").Inc()
			d.release(pending)
		}
	}()

	now := d.now()
	if !d.cfg.Window.Contains(now) {
		metrics.TicksTotal.WithLabelValues("outside_window").Inc()
		return
	}

	if d.cfg.StaleAfter > 0 {
		reclaimed, err := d.queueClient.ReclaimStale(ctx, d.cfg.StaleAfter)
		if err != nil {
			d.logger.Error("failed to reclaim stale entries", slog.String("error", err.Error()))
		} else if reclaimed > 0 {
			d.logger.Warn("reclaimed stale queue entries", slog.Int64("count", reclaimed))
		}
	}

	if d.scheduler != nil {
		if started, err := d.scheduler.StartDue(ctx, now); err != nil {
			d.logger.Error("failed to start scheduled campaigns", slog.String("error", err.Error()))
		} else if started > 0 {
			d.logger.Info("scheduled campaigns started", slog.Int("count", started))
		}
	}

	entries, err := d.queueClient.FetchBatch(ctx, d.cfg.BatchSize)
	if err != nil {
		d.logger.Error("failed to fetch queue batch", slog.String("error", err.Error()))
		metrics.TicksTotal.WithLabelValues("error").Inc()
		return
	}

	pending = entries
	for len(pending) > 0 {
		if ctx.Err() != nil {
			d.release(pending)
			pending = nil
			return
		}

		entry := pending[0]
		if err := d.processor.Process(ctx, entry); err != nil {
			d.logger.Error("failed to process queue entry",
				slog.Int64("entry_id", entry.ID),
				slog.Int64("target_id", entry.TargetID),
				slog.String("error", err.Error()),
			)
		}
		pending = pending[1:]
	}

	if len(entries) == 0 {
		metrics.TicksTotal.WithLabelValues("idle").Inc()
	} else {
		metrics.TicksTotal.WithLabelValues("processed").Inc()
	}

	d.sweep(ctx)
}

// release hands unprocessed claims back to the queue
func (d *Dispatcher) release(entries []*models.QueueEntry) {
	if len(entries) == 0 {
		return
	}

	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := d.queueClient.Release(ctx, ids); err != nil {
		d.logger.Error("failed to release claimed entries",
			slog.Int("count", len(ids)),
			slog.String("error", err.Error()),
		)
		return
	}
	d.logger.Info("released claimed entries", slog.Int("count", len(ids)))
}

// sweep completes running campaigns once no queue entry is open anywhere
func (d *Dispatcher) sweep(ctx context.Context) {
	open, err := d.queueClient.OpenCount(ctx)
	if err != nil {
		d.logger.Error("failed to count open entries", slog.String("error", err.Error()))
		return
	}
	metrics.QueueOpen.Set(float64(open))
	if open > 0 || d.completer == nil {
		return
	}

	done, failed, err := d.completer.CompleteIdle(ctx)
	if err != nil {
		d.logger.Error("failed to complete idle campaigns", slog.String("error", err.Error()))
		return
	}

	for _, id := range done {
		metrics.CampaignTransitionsTotal.WithLabelValues(models.CampaignStatusDone).Inc()
		d.logger.Info("campaign completed", slog.Int64("campaign_id", id))
	}
	for _, id := range failed {
		metrics.CampaignTransitionsTotal.WithLabelValues(models.CampaignStatusError).Inc()
		d.logger.Warn("campaign finished without deliveries", slog.Int64("campaign_id", id))
	}
}
