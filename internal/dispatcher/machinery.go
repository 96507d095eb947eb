package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/RichardKnop/machinery/v1"
	machineryconfig "github.com/RichardKnop/machinery/v1/config"
	machinerylog "github.com/RichardKnop/machinery/v1/log"
	machinerytasks "github.com/RichardKnop/machinery/v1/tasks"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"taskrunner/internal/apperrors"
)

const (
	defaultQueue    = "task_runner"
	resultsExpireIn = 86400 // seconds
	taskRetryCount  = 3

	// provisionTimeout bounds one provisioning attempt end to end.
	provisionTimeout = 10 * time.Minute
)

// MachineryDispatcher is a broker-backed Dispatcher. The queue is durable:
// tasks enqueued before a restart are delivered to the next worker, and
// delivery is at-least-once.
type MachineryDispatcher struct {
	server *machinery.Server
	worker *machinery.Worker
	logger *slog.Logger
}

// NewMachinery connects to the broker and prepares the task server. The
// broker URL doubles as the result backend.
func NewMachinery(brokerURL string) (*MachineryDispatcher, error) {
	machinerylog.Set(&machineryLogger{})

	if opts, err := redis.ParseURL(brokerURL); err == nil {
		if pingErr := redis.NewClient(opts).Ping(context.Background()).Err(); pingErr != nil {
			return nil, apperrors.Internal("dispatcher.connect", pingErr)
		}
	}

	server, err := machinery.NewServer(&machineryconfig.Config{
		Broker:          brokerURL,
		DefaultQueue:    defaultQueue,
		ResultBackend:   brokerURL,
		ResultsExpireIn: resultsExpireIn,
	})
	if err != nil {
		return nil, apperrors.Internal("dispatcher.newServer", err)
	}

	return &MachineryDispatcher{
		server: server,
		logger: slog.With("component", "dispatcher"),
	}, nil
}

// RegisterProvisioner binds the provisioning task to a handler. Must be
// called before LaunchWorker.
func (d *MachineryDispatcher) RegisterProvisioner(p Provisioner) error {
	return d.server.RegisterTask(TaskProvisionBatchJob, func(rawID string) error {
		id, err := uuid.Parse(rawID)
		if err != nil {
			// Unparseable ids can never succeed; drop instead of retrying.
			d.logger.Error("Discarding task with malformed id", "id", rawID, "error", err)
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), provisionTimeout)
		defer cancel()
		return p.Provision(ctx, id)
	})
}

// LaunchWorker consumes the queue until an error or interrupt. Blocking.
func (d *MachineryDispatcher) LaunchWorker(consumerTag string, concurrency int) error {
	d.worker = d.server.NewWorker(consumerTag, concurrency)
	d.logger.Info("Dispatcher worker starting", "tag", consumerTag, "concurrency", concurrency)
	return d.worker.Launch()
}

// Enqueue publishes a provisioning task for the record.
func (d *MachineryDispatcher) Enqueue(ctx context.Context, id uuid.UUID) error {
	signature := &machinerytasks.Signature{
		Name:       TaskProvisionBatchJob,
		RetryCount: taskRetryCount,
		Args: []machinerytasks.Arg{
			{Type: "string", Value: id.String()},
		},
	}
	if _, err := d.server.SendTaskWithContext(ctx, signature); err != nil {
		return apperrors.Internal("dispatcher.enqueue", err)
	}
	d.logger.Info("Enqueued provisioning task", "jobId", id)
	return nil
}

// Close stops the worker if one was launched.
func (d *MachineryDispatcher) Close(ctx context.Context) error {
	if d.worker != nil {
		d.worker.Quit()
	}
	return nil
}

var _ Dispatcher = (*MachineryDispatcher)(nil)

// machineryLogger adapts machinery's logging onto slog.
type machineryLogger struct{}

func (l *machineryLogger) Print(args ...any)                 { slog.Info(fmtArgs(args)) }
func (l *machineryLogger) Printf(format string, args ...any) { slog.Info(sprintf(format, args)) }
func (l *machineryLogger) Println(args ...any)               { slog.Info(fmtArgs(args)) }
func (l *machineryLogger) Fatal(args ...any)                 { slog.Error(fmtArgs(args)) }
func (l *machineryLogger) Fatalf(format string, args ...any) { slog.Error(sprintf(format, args)) }
func (l *machineryLogger) Fatalln(args ...any)               { slog.Error(fmtArgs(args)) }
func (l *machineryLogger) Panic(args ...any)                 { slog.Error(fmtArgs(args)) }
func (l *machineryLogger) Panicf(format string, args ...any) { slog.Error(sprintf(format, args)) }
func (l *machineryLogger) Panicln(args ...any)               { slog.Error(fmtArgs(args)) }

func fmtArgs(args []any) string                  { return fmt.Sprint(args...) }
func sprintf(format string, args []any) string   { return fmt.Sprintf(format, args...) }
