package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all service metrics instruments.
type Metrics struct {
	RequestDuration    metric.Float64Histogram
	JobDuration        metric.Float64Histogram
	JobsCompleted      metric.Int64Counter
	JobsFailed         metric.Int64Counter
	JobsRetried        metric.Int64Counter
	JobsStalled        metric.Int64Counter
	ActiveWorkers      metric.Int64UpDownCounter
	ScheduleFires      metric.Int64Counter
	ScheduleFailures   metric.Int64Counter
	WebhookDeliveries  metric.Int64Counter
	WebhookFailures    metric.Int64Counter
	WebhookDuration    metric.Float64Histogram
	EventsDropped      metric.Int64Counter
	VectorSearchLookup metric.Float64Histogram
	RateLimitRejects   metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("mechqueue.request.duration",
		metric.WithDescription("HTTP API request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.JobDuration, err = meter.Float64Histogram("mechqueue.job.duration",
		metric.WithDescription("Job processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsCompleted, err = meter.Int64Counter("mechqueue.job.completed",
		metric.WithDescription("Total jobs completed"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsFailed, err = meter.Int64Counter("mechqueue.job.failed",
		metric.WithDescription("Total jobs permanently failed"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsRetried, err = meter.Int64Counter("mechqueue.job.retried",
		metric.WithDescription("Total job retry attempts scheduled"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsStalled, err = meter.Int64Counter("mechqueue.job.stalled",
		metric.WithDescription("Total jobs recovered from an expired lease"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveWorkers, err = meter.Int64UpDownCounter("mechqueue.worker.active",
		metric.WithDescription("Number of currently active worker goroutines"),
	)
	if err != nil {
		return nil, err
	}

	m.ScheduleFires, err = meter.Int64Counter("mechqueue.schedule.fires",
		metric.WithDescription("Total schedule trigger firings"),
	)
	if err != nil {
		return nil, err
	}

	m.ScheduleFailures, err = meter.Int64Counter("mechqueue.schedule.failures",
		metric.WithDescription("Total schedule endpoint call failures"),
	)
	if err != nil {
		return nil, err
	}

	m.WebhookDeliveries, err = meter.Int64Counter("mechqueue.webhook.deliveries",
		metric.WithDescription("Total webhook delivery attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.WebhookFailures, err = meter.Int64Counter("mechqueue.webhook.failures",
		metric.WithDescription("Total webhook delivery failures"),
	)
	if err != nil {
		return nil, err
	}

	m.WebhookDuration, err = meter.Float64Histogram("mechqueue.webhook.duration",
		metric.WithDescription("Webhook delivery duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsDropped, err = meter.Int64Counter("mechqueue.eventbus.dropped",
		metric.WithDescription("Total lifecycle events dropped due to a full subscriber buffer"),
	)
	if err != nil {
		return nil, err
	}

	m.VectorSearchLookup, err = meter.Float64Histogram("mechqueue.vectorsearch.duration",
		metric.WithDescription("Vector search lookup duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("mechqueue.ratelimit.rejects",
		metric.WithDescription("Requests rejected by the HTTP rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
