package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the gateway's metric instruments.
type Metrics struct {
	TurnDuration     metric.Float64Histogram
	TurnsTotal       metric.Int64Counter
	TokensUsed       metric.Int64Counter
	ActiveTurns      metric.Int64UpDownCounter
	RateLimitRejects metric.Int64Counter
	SchedulerFires   metric.Int64Counter
	MemoriesDeleted  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TurnDuration, err = meter.Float64Histogram("clawgate.turn.duration",
		metric.WithDescription("Agent turn duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TurnsTotal, err = meter.Int64Counter("clawgate.turn.total",
		metric.WithDescription("Completed agent turns"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("clawgate.tokens",
		metric.WithDescription("Total tokens consumed"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveTurns, err = meter.Int64UpDownCounter("clawgate.turn.active",
		metric.WithDescription("Agent turns currently holding a slot"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("clawgate.ratelimit.rejects",
		metric.WithDescription("Messages rejected by the rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	m.SchedulerFires, err = meter.Int64Counter("clawgate.scheduler.fires",
		metric.WithDescription("Scheduled task runs"),
	)
	if err != nil {
		return nil, err
	}

	m.MemoriesDeleted, err = meter.Int64Counter("clawgate.memory.deleted",
		metric.WithDescription("Memories removed by decay or pruning"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
