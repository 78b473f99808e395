package credits

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultReplenishSchedule resets balances at midnight on the first of each month.
const DefaultReplenishSchedule = "@monthly"

// Replenisher periodically resets every account to its plan allotment.
type Replenisher struct {
	ledger   Ledger
	schedule string
	logger   *zap.Logger
	cron     *cron.Cron
	timeout  time.Duration
}

// NewReplenisher creates a replenisher. An empty schedule uses DefaultReplenishSchedule.
func NewReplenisher(ledger Ledger, schedule string, logger *zap.Logger) *Replenisher {
	if schedule == "" {
		schedule = DefaultReplenishSchedule
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Replenisher{
		ledger:   ledger,
		schedule: schedule,
		logger:   logger,
		cron:     cron.New(cron.WithLocation(time.UTC)),
		timeout:  5 * time.Minute,
	}
}

// Start registers the job and starts the scheduler goroutine.
func (r *Replenisher) Start() error {
	if _, err := r.cron.AddFunc(r.schedule, r.runScheduled); err != nil {
		return fmt.Errorf("invalid replenish schedule %q: %w", r.schedule, err)
	}
	r.cron.Start()
	r.logger.Info("credit replenisher started", zap.String("schedule", r.schedule))
	return nil
}

// Stop halts the scheduler and waits for a running job to finish.
func (r *Replenisher) Stop() {
	<-r.cron.Stop().Done()
}

func (r *Replenisher) runScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	n, err := r.RunOnce(ctx)
	if err != nil {
		r.logger.Error("credit replenish failed", zap.Int("replenished", n), zap.Error(err))
		return
	}
	r.logger.Info("credits replenished", zap.Int("accounts", n))
}

// RunOnce replenishes every known account and returns how many succeeded.
// It continues past individual failures and returns the first error.
func (r *Replenisher) RunOnce(ctx context.Context) (int, error) {
	ids, err := r.ledger.Accounts(ctx)
	if err != nil {
		return 0, err
	}

	var firstErr error
	n := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if _, err := r.ledger.Replenish(ctx, id); err != nil {
			r.logger.Warn("replenish account failed", zap.String("user_id", id), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		n++
	}
	return n, firstErr
}
