package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the daemon's metric instruments.
type Metrics struct {
	RequestDuration metric.Float64Histogram
	TaskDuration    metric.Float64Histogram
	ClaimLatency    metric.Float64Histogram
	TasksEnqueued   metric.Int64Counter
	TasksCompleted  metric.Int64Counter
	TasksFailed     metric.Int64Counter
	TasksRetried    metric.Int64Counter
	ChainSignatures metric.Int64Counter
	WebhookRejects  metric.Int64Counter
	QueueDepth      metric.Int64UpDownCounter
	ActiveWorkers   metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("trustchain.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("trustchain.task.duration",
		metric.WithDescription("Task processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ClaimLatency, err = meter.Float64Histogram("trustchain.claim.latency",
		metric.WithDescription("Time from enqueue to claim in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksEnqueued, err = meter.Int64Counter("trustchain.tasks.enqueued",
		metric.WithDescription("Total tasks accepted into the queue"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("trustchain.tasks.completed",
		metric.WithDescription("Total tasks finished with SUCCESS"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("trustchain.tasks.failed",
		metric.WithDescription("Total tasks finished with FAILED"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksRetried, err = meter.Int64Counter("trustchain.tasks.retried",
		metric.WithDescription("Total FAILED tasks requeued for retry"),
	)
	if err != nil {
		return nil, err
	}

	m.ChainSignatures, err = meter.Int64Counter("trustchain.chain.signatures",
		metric.WithDescription("Total operations appended to the trust chain"),
	)
	if err != nil {
		return nil, err
	}

	m.WebhookRejects, err = meter.Int64Counter("trustchain.webhook.rejects",
		metric.WithDescription("Webhook deliveries rejected by signature or cooldown"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("trustchain.queue.depth",
		metric.WithDescription("Current number of PENDING tasks"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveWorkers, err = meter.Int64UpDownCounter("trustchain.workers.active",
		metric.WithDescription("Workers currently processing a task"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
