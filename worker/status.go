package worker

import (
	"context"

	"row-to-column/models"
)

// Reporter receives a status snapshot after every cycle and a notice after
// every cycle that replayed something.
type Reporter interface {
	Report(ctx context.Context, status models.WorkerStatus) error
	Notify(ctx context.Context, notice models.ReplayNotice) error
}
