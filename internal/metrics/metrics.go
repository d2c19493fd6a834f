// ABOUTME: Prometheus counters for sends, poll cycles and inbox deliveries
// ABOUTME: Registered on the default registry and served by `hiamp serve` at metrics.path

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Send path
	SendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hiamp_sends_total",
			Help: "Total outbound sends by transport and result code",
		},
		[]string{"transport", "result"}, // result is "ok" or an error code
	)

	// Heartbeat poller
	PollCyclesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hiamp_poll_cycles_total",
			Help: "Total heartbeat poll cycles",
		},
	)

	PollCommentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hiamp_poll_comments_total",
			Help: "Comments seen by the poller, by classification",
		},
		[]string{"kind"}, // "routed", "inform", "skipped"
	)

	PollErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hiamp_poll_errors_total",
			Help: "Errors recovered during poll cycles",
		},
	)

	// Inbox
	InboxDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hiamp_inbox_deliveries_total",
			Help: "Inbox deliveries by result",
		},
		[]string{"result"}, // "ok" or "error"
	)
)

// Result labels
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// RecordSend counts one send. code is empty on success.
func RecordSend(transport, code string) {
	if code == "" {
		code = ResultOK
	}
	SendsTotal.WithLabelValues(transport, code).Inc()
}

// RecordDelivery counts one inbox delivery attempt.
func RecordDelivery(ok bool) {
	if ok {
		InboxDeliveriesTotal.WithLabelValues(ResultOK).Inc()
		return
	}
	InboxDeliveriesTotal.WithLabelValues(ResultError).Inc()
}
