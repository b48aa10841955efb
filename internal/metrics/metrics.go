package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	Transfers         Counter
	PositionsModified Counter
	Exchanges         Counter
	ExchangeFailures  Counter
	Liquidations      Counter
	BadDebtEvents     Counter
	BailOuts          Counter
	Delegations       Counter
	Undelegations     Counter
	Claims            Counter
	EmergencyEntries  Counter
	AuctionTakes      Counter
	CommandsRejected  Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		Transfers:         n,
		PositionsModified: n,
		Exchanges:         n,
		ExchangeFailures:  n,
		Liquidations:      n,
		BadDebtEvents:     n,
		BailOuts:          n,
		Delegations:       n,
		Undelegations:     n,
		Claims:            n,
		EmergencyEntries:  n,
		AuctionTakes:      n,
		CommandsRejected:  n,
	}
}
