// Package dispatcher hands provisioning work from the API facade to
// background workers, so the HTTP thread returns promptly.
package dispatcher

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrQueueFull is returned when a bounded queue cannot accept more work.
var ErrQueueFull = errors.New("dispatcher queue full")

// TaskProvisionBatchJob is the broker task name for provisioning.
const TaskProvisionBatchJob = "batch_job.provision"

// Provisioner runs the provisioning protocol for one record. Implementations
// must tolerate at-least-once delivery.
type Provisioner interface {
	Provision(ctx context.Context, id uuid.UUID) error
}

// Dispatcher queues provisioning tasks for asynchronous execution.
type Dispatcher interface {
	// Enqueue schedules provisioning of the record with the given id.
	Enqueue(ctx context.Context, id uuid.UUID) error

	// Close stops accepting work and waits for in-flight tasks up to the
	// context deadline.
	Close(ctx context.Context) error
}
