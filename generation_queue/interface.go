package generation_queue

import "context"

type Queue interface {
	// Do enqueues the job and blocks until the worker has run it.
	Do(label string, job Job) error
	Len() int
	Busy() bool
	StartPolling(ctx context.Context)
}
