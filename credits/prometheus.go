package credits

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hachi/hachi/repository"
)

func init() {
	prometheus.MustRegister(
		PromTransactionsTotal,
		PromLedgerRetries,
		PromEventsTotal,
		PromOpenSessions,
	)
}

// PromTransactionsTotal counts emitted transactions by direction and fate.
var PromTransactionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "hachi_credits_transactions_total",
	Help: "The number of credit transactions by type and result",
}, []string{"type", "result"})

// PromLedgerRetries counts ledger write attempts beyond the first.
var PromLedgerRetries = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "hachi_credits_ledger_retries_total",
	Help: "The number of retried ledger writes",
})

// PromEventsTotal counts observer events by kind.
var PromEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "hachi_credits_events_total",
	Help: "The number of observer events emitted by kind",
}, []string{"kind"})

// PromOpenSessions tracks the number of open credit sessions.
var PromOpenSessions = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "hachi_credits_open_sessions",
	Help: "The number of open credit sessions",
})

func recordTransaction(typ repository.TransactionType, result string) {
	PromTransactionsTotal.WithLabelValues(string(typ), result).Inc()
}

func recordEvent(kind string) {
	PromEventsTotal.WithLabelValues(kind).Inc()
}
