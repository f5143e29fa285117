package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/groupmux/internal/bus"
)

// Metrics holds the host's metric instruments.
type Metrics struct {
	WorkersActive  metric.Int64UpDownCounter
	WorkerTurns    metric.Int64Counter
	WorkerRetries  metric.Int64Counter
	TaskRuns       metric.Int64Counter
	TaskDuration   metric.Float64Histogram
	IPCCommands    metric.Int64Counter
	AuthDenials    metric.Int64Counter
	MalformedInput metric.Int64Counter
	OrphanedClaims metric.Int64Counter
	IdleShutdowns  metric.Int64Counter
}

// NewMetrics creates all instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.WorkersActive, err = meter.Int64UpDownCounter("groupmux.workers.active",
		metric.WithDescription("Number of currently running worker containers"),
	)
	if err != nil {
		return nil, err
	}

	m.WorkerTurns, err = meter.Int64Counter("groupmux.workers.turns",
		metric.WithDescription("Total worker turns finished"),
	)
	if err != nil {
		return nil, err
	}

	m.WorkerRetries, err = meter.Int64Counter("groupmux.workers.retries",
		metric.WithDescription("Worker retry attempts scheduled"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskRuns, err = meter.Int64Counter("groupmux.tasks.runs",
		metric.WithDescription("Scheduled task runs by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("groupmux.tasks.duration",
		metric.WithDescription("Scheduled task run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.IPCCommands, err = meter.Int64Counter("groupmux.ipc.commands",
		metric.WithDescription("Mailbox commands executed"),
	)
	if err != nil {
		return nil, err
	}

	m.AuthDenials, err = meter.Int64Counter("groupmux.ipc.auth_denials",
		metric.WithDescription("Mailbox commands denied by authorization"),
	)
	if err != nil {
		return nil, err
	}

	m.MalformedInput, err = meter.Int64Counter("groupmux.ipc.malformed",
		metric.WithDescription("Mailbox files rejected as malformed"),
	)
	if err != nil {
		return nil, err
	}

	m.OrphanedClaims, err = meter.Int64Counter("groupmux.tasks.orphaned",
		metric.WithDescription("Task claims restored after a crash"),
	)
	if err != nil {
		return nil, err
	}

	m.IdleShutdowns, err = meter.Int64Counter("groupmux.workers.idle_shutdowns",
		metric.WithDescription("Workers wound down by the idle timer"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RegisterQueueObserver exports queue depth through async instruments read
// at collection time.
func RegisterQueueObserver(meter metric.Meter, stats func() (active, waiting int)) error {
	waiting, err := meter.Int64ObservableUpDownCounter("groupmux.queue.waiting",
		metric.WithDescription("Groups parked in the FIFO waiting list"),
	)
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		_, w := stats()
		o.ObserveInt64(waiting, int64(w))
		return nil
	}, waiting)
	return err
}

// Recorder consumes bus events and records them on the instruments.
type Recorder struct {
	metrics *Metrics
	bus     *bus.Bus
	sub     *bus.Subscription
	wg      sync.WaitGroup
}

// NewRecorder subscribes to all bus topics and starts recording.
func NewRecorder(b *bus.Bus, metrics *Metrics) *Recorder {
	r := &Recorder{metrics: metrics, bus: b, sub: b.Subscribe("")}
	r.wg.Add(1)
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer r.wg.Done()
	ctx := context.Background()
	for event := range r.sub.Ch() {
		r.record(ctx, event)
	}
}

func (r *Recorder) record(ctx context.Context, event bus.Event) {
	m := r.metrics
	switch event.Topic {
	case bus.TopicWorkerStarted:
		m.WorkersActive.Add(ctx, 1, metric.WithAttributes(workerAttrs(event)...))
	case bus.TopicWorkerFinished:
		m.WorkersActive.Add(ctx, -1, metric.WithAttributes(workerAttrs(event)...))
		m.WorkerTurns.Add(ctx, 1, metric.WithAttributes(workerAttrs(event)...))
	case bus.TopicWorkerRetry:
		m.WorkerRetries.Add(ctx, 1, metric.WithAttributes(workerAttrs(event)...))
	case bus.TopicWorkerIdle:
		m.IdleShutdowns.Add(ctx, 1, metric.WithAttributes(workerAttrs(event)...))
	case bus.TopicTaskCompleted, bus.TopicTaskFailed:
		attrs := metric.WithAttributes(taskAttrs(event)...)
		m.TaskRuns.Add(ctx, 1, attrs)
		if ev, ok := event.Payload.(bus.TaskRunEvent); ok {
			m.TaskDuration.Record(ctx, float64(ev.DurationMS)/1000, attrs)
		}
	case bus.TopicTaskOrphaned:
		m.OrphanedClaims.Add(ctx, 1, metric.WithAttributes(taskAttrs(event)...))
	case bus.TopicIPCCommand:
		m.IPCCommands.Add(ctx, 1, metric.WithAttributes(commandAttrs(event)...))
	case bus.TopicIPCAuthDenied:
		m.AuthDenials.Add(ctx, 1, metric.WithAttributes(commandAttrs(event)...))
	case bus.TopicIPCMalformed:
		m.MalformedInput.Add(ctx, 1, metric.WithAttributes(commandAttrs(event)...))
	}
}

// Close unsubscribes and waits for the recording loop.
func (r *Recorder) Close() {
	r.bus.Unsubscribe(r.sub)
	r.wg.Wait()
}

func workerAttrs(event bus.Event) []attribute.KeyValue {
	ev, ok := event.Payload.(bus.WorkerEvent)
	if !ok {
		return nil
	}
	return []attribute.KeyValue{
		attribute.String("folder", ev.Folder),
		attribute.String("reason", ev.Reason),
	}
}

func taskAttrs(event bus.Event) []attribute.KeyValue {
	ev, ok := event.Payload.(bus.TaskRunEvent)
	if !ok {
		return nil
	}
	return []attribute.KeyValue{
		attribute.String("folder", ev.Folder),
		attribute.Bool("failed", ev.Error != ""),
	}
}

func commandAttrs(event bus.Event) []attribute.KeyValue {
	ev, ok := event.Payload.(bus.CommandEvent)
	if !ok {
		return nil
	}
	return []attribute.KeyValue{
		attribute.String("command", ev.Command),
		attribute.String("source", ev.SourceGroup),
	}
}
