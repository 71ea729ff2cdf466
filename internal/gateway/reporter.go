package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/earthdata-download/edd/internal/logger"
	"github.com/earthdata-download/edd/internal/progress"
)

// reportPageSize bounds the downloads of one periodic report
const reportPageSize = 100

// reporter pushes a progress report of active downloads to websocket
// clients on a fixed schedule. cron rounds intervals below a second up.
type reporter struct {
	scheduler  *cron.Cron
	aggregator *progress.Aggregator
	hub        *Hub
	interval   time.Duration
	log        *logger.Logger
}

func newReporter(aggregator *progress.Aggregator, hub *Hub, interval time.Duration, log *logger.Logger) *reporter {
	return &reporter{
		scheduler:  cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		aggregator: aggregator,
		hub:        hub,
		interval:   interval,
		log:        log,
	}
}

func (r *reporter) start() error {
	if _, err := r.scheduler.AddFunc(fmt.Sprintf("@every %s", r.interval), r.tick); err != nil {
		return fmt.Errorf("failed to schedule progress reports: %w", err)
	}
	r.scheduler.Start()
	r.log.WithField("interval", r.interval.String()).Info("progress reporter started")
	return nil
}

// stop waits for a running tick, bounded by ctx
func (r *reporter) stop(ctx context.Context) error {
	select {
	case <-r.scheduler.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *reporter) tick() {
	if r.hub.ClientCount() == 0 {
		return
	}
	report, err := r.report(context.Background())
	if err != nil {
		r.log.WithError(err).Warn("failed to compute progress report")
		return
	}
	r.hub.Emit(EventProgressReport, report)
}

func (r *reporter) report(ctx context.Context) (*progress.Report, error) {
	active := true
	return r.aggregator.ComputeAllDownloadsProgress(ctx, progress.Filter{Active: &active, Limit: reportPageSize})
}
