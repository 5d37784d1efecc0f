package metrics

import (
	"coderun/internal/bus"
)

// Attach feeds the pre-defined metrics from event bus events.
func Attach(eb *bus.EventBus) {
	eb.On(bus.EventQueryReceived, func(bus.Event) {
		InFlightQueries.Inc()
	})
	eb.On(bus.EventQueryCompleted, func(e bus.Event) {
		InFlightQueries.Dec()
		QueriesOK.Inc()
		observeQuery(e)
	})
	eb.On(bus.EventQueryFailed, func(e bus.Event) {
		InFlightQueries.Dec()
		QueriesFailed.Inc()
		observeQuery(e)
	})
	eb.On(bus.EventToolExecuted, func(e bus.Event) {
		ToolExecutions.Inc()
		if ms, ok := number(e.Payload["duration_ms"]); ok {
			ToolLatency.Observe(ms / 1000)
		}
	})
	eb.On(bus.EventSecurityBlocked, func(bus.Event) {
		SecurityBlocks.Inc()
	})
	eb.On(bus.EventMailboxReceived, func(bus.Event) {
		MailboxIn.Inc()
	})
	eb.On(bus.EventMailboxSent, func(bus.Event) {
		MailboxOut.Inc()
	})
}

func observeQuery(e bus.Event) {
	if ms, ok := number(e.Payload["latency_ms"]); ok {
		QueryLatency.Observe(ms / 1000)
	}
	if n, ok := number(e.Payload["tokens_in"]); ok {
		TokensIn.Add(int64(n))
	}
	if n, ok := number(e.Payload["tokens_out"]); ok {
		TokensOut.Add(int64(n))
	}
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
