package capture

import (
	"context"
	"log/slog"
	"time"

	"github.com/yanqian/weereg/internal/domain/registry"
	"github.com/yanqian/weereg/pkg/util"
)

// Dispatcher turns first-seen stations into capture jobs.
type Dispatcher struct {
	queue  Queue
	logger *slog.Logger
	now    func() time.Time
}

// NewDispatcher wires the queue to the runner and returns the dispatcher.
func NewDispatcher(queue Queue, runner *Runner, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if runner != nil {
		queue.SetHandler(runner.Run)
	}
	return &Dispatcher{queue: queue, logger: logger.With("component", "capture.dispatcher"), now: util.NowUTC}
}

// Dispatch enqueues a capture for the report's station and returns without waiting for it.
func (d *Dispatcher) Dispatch(ctx context.Context, report registry.Report) error {
	job := NewJob(report.StationURL, d.now())
	if err := d.queue.Enqueue(ctx, job); err != nil {
		return err
	}
	d.logger.Debug("capture queued", "job_id", job.ID.String(), "station_url", job.StationURL)
	return nil
}

var _ registry.CaptureDispatcher = (*Dispatcher)(nil)
