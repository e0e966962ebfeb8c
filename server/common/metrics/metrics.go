package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rtc_connections",
		Help: "Live websocket connections held by the registry",
	})
	EventsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rtc_events_sent_total",
		Help: "Server events queued for delivery, by event type",
	}, []string{"type"})
	EventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rtc_events_dropped_total",
		Help: "Server events dropped because the recipient queue was full or closed",
	}, []string{"type"})
	CommandsHandled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rtc_commands_total",
		Help: "Inbound websocket commands by command and outcome",
	}, []string{"command", "outcome"})
	CallsTerminated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rtc_calls_terminated_total",
		Help: "Call sessions that reached a terminal state",
	}, []string{"state"})
	ActiveCalls = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rtc_calls_active",
		Help: "Call sessions not yet in a terminal state",
	})
	SignalsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rtc_signals_dropped_total",
		Help: "Signaling payloads dropped because the receiver was not connected",
	})
	HistoryWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rtc_history_writes_total",
		Help: "Call history write attempts by outcome",
	}, []string{"outcome"})
	HistoryDecryptFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rtc_history_decrypt_failures_total",
		Help: "Call history records skipped because they failed to decrypt or decode",
	})
)

func init() {
	prometheus.MustRegister(
		Connections,
		EventsSent,
		EventsDropped,
		CommandsHandled,
		CallsTerminated,
		ActiveCalls,
		SignalsDropped,
		HistoryWrites,
		HistoryDecryptFailures,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}
