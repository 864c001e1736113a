// Package queue is the durable job queue contract. The ingress service and
// the retry sweeper only need to put job ids on the wire; consumption is
// wired separately in the worker service.
package queue

import (
	"context"
	"time"
)

// Enqueuer schedules a job for processing. Implementations must persist the
// message before returning success; a delay of zero publishes for immediate
// visibility, a positive delay schedules visibility at a future time.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID string, delay time.Duration) error
}
