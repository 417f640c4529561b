package keeper

import (
	"context"
	"log"
	"time"

	"TickBook/internal/observability"

	"github.com/ethereum/go-ethereum/common"
)

// Executor drains keeper-pending positions. Implementations must serialize
// against every other engine entry point.
type Executor interface {
	ExecutePending(ctx context.Context, keeper common.Address, max int) (executed, discarded int, err error)
}

// Runner polls the engine for keeper-pending positions and executes them in
// batches under the configured keeper identity.
type Runner struct {
	exec      Executor
	keeper    common.Address
	interval  time.Duration
	batchSize int
	metrics   *observability.Metrics
}

func NewRunner(exec Executor, keeper common.Address, interval time.Duration, batchSize int, metrics *observability.Metrics) *Runner {
	if interval <= 0 {
		interval = time.Second
	}
	if batchSize <= 0 {
		batchSize = 16
	}
	return &Runner{
		exec:      exec,
		keeper:    keeper,
		interval:  interval,
		batchSize: batchSize,
		metrics:   metrics,
	}
}

// Run loops until ctx is canceled. Execution errors are logged and retried
// on the next tick.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, _, err := r.RunOnce(ctx); err != nil {
				log.Printf("WARN: keeper run failed: %v", err)
			}
		}
	}
}

// RunOnce executes one batch.
func (r *Runner) RunOnce(ctx context.Context) (executed, discarded int, err error) {
	executed, discarded, err = r.exec.ExecutePending(ctx, r.keeper, r.batchSize)
	if err != nil {
		return 0, 0, err
	}
	if r.metrics != nil {
		r.metrics.KeeperExecuted.Add(float64(executed))
		r.metrics.KeeperDiscarded.Add(float64(discarded))
	}
	if executed > 0 || discarded > 0 {
		log.Printf("INFO: keeper executed=%d discarded=%d", executed, discarded)
	}
	return executed, discarded, nil
}
