package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "creditvault"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
	counters map[string]prometheus.Counter
}

func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		counters: make(map[string]prometheus.Counter),
	}
	p.Metrics = &Metrics{
		Transfers:         p.counter("transfers_total", "Total number of ledger transfers."),
		PositionsModified: p.counter("positions_modified_total", "Total number of position modifications."),
		Exchanges:         p.counter("exchanges_total", "Total number of filled exchanges."),
		ExchangeFailures:  p.counter("exchange_failures_total", "Total number of exchanges that could not be filled."),
		Liquidations:      p.counter("liquidations_total", "Total number of liquidated positions."),
		BadDebtEvents:     p.counter("bad_debt_events_total", "Total number of liquidations that left bad debt."),
		BailOuts:          p.counter("bail_outs_total", "Total number of buffer bail outs."),
		Delegations:       p.counter("delegations_total", "Total number of credit delegations."),
		Undelegations:     p.counter("undelegations_total", "Total number of undelegation requests."),
		Claims:            p.counter("claims_total", "Total number of undelegated credit claims."),
		EmergencyEntries:  p.counter("emergency_entries_total", "Total number of vaults entering emergency mode."),
		AuctionTakes:      p.counter("auction_takes_total", "Total number of unwind auction purchases."),
		CommandsRejected:  p.counter("commands_rejected_total", "Total number of rejected commands."),
	}
	return p
}

func (p *Prometheus) counter(name, help string) Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
	p.registry.MustRegister(c)
	p.counters[name] = c
	return promCounter{c}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
