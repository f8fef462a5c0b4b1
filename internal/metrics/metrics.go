package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ActiveCallsProvider exposes the number of calls currently tracked in the
// active-state store.
type ActiveCallsProvider interface {
	ActiveCallCount() int
}

// FanoutProvider exposes the SSE subscriber registry's live state.
type FanoutProvider interface {
	SubscriberCount() int
	DroppedCount() int64
}

// CallLogDirectionCounter returns durable call-log row counts grouped by
// direction.
type CallLogDirectionCounter interface {
	CountByDirection(ctx context.Context) (map[string]int64, error)
}

// ExchangeConnectionProvider reports whether the RPC Client currently holds
// an authenticated session against the exchange, and how many times it has
// had to reconnect.
type ExchangeConnectionProvider interface {
	IsConnected() bool
	ReconnectCount() int64
}

// Collector is a prometheus.Collector that gathers call-monitor metrics at
// scrape time. Any provider may be nil if unavailable.
type Collector struct {
	activeCalls ActiveCallsProvider
	fanout      FanoutProvider
	callLogs    CallLogDirectionCounter
	exchange    ExchangeConnectionProvider
	startTime   time.Time

	activeCallsDesc        *prometheus.Desc
	fanoutSubscribersDesc  *prometheus.Desc
	fanoutDroppedDesc      *prometheus.Desc
	callsTotalDesc         *prometheus.Desc
	exchangeConnectedDesc  *prometheus.Desc
	exchangeReconnectsDesc *prometheus.Desc
	uptimeDesc             *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if
// unavailable.
func NewCollector(
	activeCalls ActiveCallsProvider,
	fanout FanoutProvider,
	callLogs CallLogDirectionCounter,
	exchange ExchangeConnectionProvider,
	startTime time.Time,
) *Collector {
	return &Collector{
		activeCalls: activeCalls,
		fanout:      fanout,
		callLogs:    callLogs,
		exchange:    exchange,
		startTime:   startTime,

		activeCallsDesc: prometheus.NewDesc(
			"ucmmonitor_active_calls",
			"Number of currently active calls (ringing + answered)",
			nil, nil,
		),
		fanoutSubscribersDesc: prometheus.NewDesc(
			"ucmmonitor_sse_subscribers",
			"Number of currently connected SSE subscribers",
			nil, nil,
		),
		fanoutDroppedDesc: prometheus.NewDesc(
			"ucmmonitor_sse_events_dropped_total",
			"Total events dropped because a subscriber's queue was full",
			nil, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"ucmmonitor_calls_total",
			"Total number of calls recorded in the call-history log",
			[]string{"direction"}, nil,
		),
		exchangeConnectedDesc: prometheus.NewDesc(
			"ucmmonitor_exchange_connected",
			"Whether the RPC Client currently holds an authenticated exchange session (1=yes, 0=no)",
			nil, nil,
		),
		exchangeReconnectsDesc: prometheus.NewDesc(
			"ucmmonitor_exchange_reconnects_total",
			"Total number of times the RPC Client has reconnected to the exchange",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"ucmmonitor_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.fanoutSubscribersDesc
	ch <- c.fanoutDroppedDesc
	ch <- c.callsTotalDesc
	ch <- c.exchangeConnectedDesc
	ch <- c.exchangeReconnectsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.activeCalls != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.activeCalls.ActiveCallCount()),
		)
	}

	if c.fanout != nil {
		ch <- prometheus.MustNewConstMetric(
			c.fanoutSubscribersDesc, prometheus.GaugeValue,
			float64(c.fanout.SubscriberCount()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.fanoutDroppedDesc, prometheus.CounterValue,
			float64(c.fanout.DroppedCount()),
		)
	}

	if c.callLogs != nil {
		counts, err := c.callLogs.CountByDirection(ctx)
		if err != nil {
			slog.Error("metrics: failed to count call log rows by direction", "error", err)
		} else {
			for _, dir := range []string{"inbound", "outbound", "internal"} {
				ch <- prometheus.MustNewConstMetric(
					c.callsTotalDesc, prometheus.CounterValue,
					float64(counts[dir]), dir,
				)
			}
		}
	}

	if c.exchange != nil {
		val := 0.0
		if c.exchange.IsConnected() {
			val = 1.0
		}
		ch <- prometheus.MustNewConstMetric(
			c.exchangeConnectedDesc, prometheus.GaugeValue, val,
		)
		ch <- prometheus.MustNewConstMetric(
			c.exchangeReconnectsDesc, prometheus.CounterValue,
			float64(c.exchange.ReconnectCount()),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
