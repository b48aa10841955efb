// Package events carries protocol events from the engines to outside sinks.
// Events raised inside an atomic call are released only if the call commits.
package events

import (
	"sync"
	"time"

	"creditvault/internal/state"

	"github.com/google/uuid"
)

type Kind string

const (
	KindTransfer           Kind = "transfer"
	KindPermission         Kind = "permission"
	KindDebtCeiling        Kind = "debt_ceiling"
	KindModifyPosition     Kind = "modify_position"
	KindLimitOrder         Kind = "limit_order"
	KindExchange           Kind = "exchange"
	KindLiquidation        Kind = "liquidation"
	KindBadDebt            Kind = "bad_debt"
	KindBailOut            Kind = "bail_out"
	KindEmergency          Kind = "emergency"
	KindDelegate           Kind = "delegate"
	KindUndelegate         Kind = "undelegate"
	KindClaimFixed         Kind = "claim_fixed"
	KindClaim              Kind = "claim"
	KindFeesClaimed        Kind = "fees_claimed"
	KindUnwinderCreated    Kind = "unwinder_created"
	KindUnwindRepay        Kind = "unwind_repay"
	KindAuctionStarted     Kind = "auction_started"
	KindAuctionTake        Kind = "auction_take"
	KindUnwindRedeem       Kind = "unwind_redeem"
	KindParameterChanged   Kind = "parameter_changed"
	KindPauseChanged       Kind = "pause_changed"
	KindCollateralDeposit  Kind = "collateral_deposit"
	KindCollateralWithdraw Kind = "collateral_withdraw"
)

type Event struct {
	ID     uuid.UUID         `json:"id"`
	Kind   Kind              `json:"kind"`
	Time   time.Time         `json:"time"`
	Source string            `json:"source"`
	Attrs  map[string]string `json:"attrs,omitempty"`
}

// Sink receives committed events. Handle must not block for long.
type Sink interface {
	Handle(Event)
}

type SinkFunc func(Event)

func (f SinkFunc) Handle(e Event) { f(e) }

// Bus stamps events and hands them to sinks once the surrounding unit commits.
type Bus struct {
	j     *state.Journal
	clock func() time.Time

	mu    sync.RWMutex
	sinks []Sink
}

func NewBus(j *state.Journal, clock func() time.Time) *Bus {
	if clock == nil {
		clock = time.Now
	}
	return &Bus{j: j, clock: clock}
}

func (b *Bus) Subscribe(s Sink) {
	if b == nil || s == nil {
		return
	}
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

// Emit records an event. attrs is taken as alternating key/value pairs.
func (b *Bus) Emit(kind Kind, source string, attrs ...string) {
	if b == nil {
		return
	}
	e := Event{ID: uuid.New(), Kind: kind, Time: b.clock().UTC(), Source: source}
	if len(attrs) > 0 {
		e.Attrs = make(map[string]string, len(attrs)/2)
		for i := 0; i+1 < len(attrs); i += 2 {
			e.Attrs[attrs[i]] = attrs[i+1]
		}
	}
	deliver := func() {
		b.mu.RLock()
		sinks := append([]Sink(nil), b.sinks...)
		b.mu.RUnlock()
		for _, s := range sinks {
			s.Handle(e)
		}
	}
	if b.j == nil {
		deliver()
		return
	}
	b.j.OnCommit(deliver)
}

// Recent keeps the last N events in memory.
type Recent struct {
	mu     sync.Mutex
	limit  int
	events []Event
}

func NewRecent(limit int) *Recent {
	if limit <= 0 {
		limit = 256
	}
	return &Recent{limit: limit}
}

func (r *Recent) Handle(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	if over := len(r.events) - r.limit; over > 0 {
		r.events = append([]Event(nil), r.events[over:]...)
	}
}

// Snapshot returns the retained events, oldest first.
func (r *Recent) Snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
