// Package orderbook keeps resting redemption orders: an ascending list of
// active price ticks, each with a FIFO queue of owners. Nodes live in
// journaled tables keyed by tick and owner and link to each other by key.
package orderbook

import (
	"creditvault/internal/errs"
	"creditvault/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// MinTick is 1.0x spot.
	MinTick uint64 = 10_000
	// MaxTick is 100.0x spot.
	MaxTick uint64 = 1_000_000
)

var (
	ErrInvalidTick = errs.New(errs.KindInput, "orderbook: tick out of range")
	ErrOrderExists = errs.New(errs.KindInput, "orderbook: owner already has an order")
	ErrNoOrder     = errs.New(errs.KindInput, "orderbook: owner has no order")
	ErrZeroOwner   = errs.New(errs.KindInput, "orderbook: zero owner")
)

var none common.Address

// tick 0 marks the absence of a neighbour
type tickNode struct {
	prev, next uint64
	head, tail common.Address
	size       int
}

type orderNode struct {
	tick       uint64
	prev, next common.Address
}

type Book struct {
	ticks  *state.Table[uint64, tickNode]
	orders *state.Table[common.Address, orderNode]
	head   *state.Cell[uint64]
	tail   *state.Cell[uint64]
}

func New(j *state.Journal) *Book {
	return &Book{
		ticks:  state.NewTable[uint64, tickNode](j, nil),
		orders: state.NewTable[common.Address, orderNode](j, nil),
		head:   state.NewCell[uint64](j, 0),
		tail:   state.NewCell[uint64](j, 0),
	}
}

func ValidTick(tick uint64) bool {
	return tick >= MinTick && tick <= MaxTick
}

// Add appends owner's order to the back of tick's queue, activating the tick
// if needed.
func (b *Book) Add(owner common.Address, tick uint64) error {
	if owner == none {
		return ErrZeroOwner
	}
	if !ValidTick(tick) {
		return ErrInvalidTick
	}
	if b.orders.Has(owner) {
		return ErrOrderExists
	}
	node, ok := b.ticks.Lookup(tick)
	if !ok {
		node = b.insertTick(tick)
	}
	order := orderNode{tick: tick, prev: node.tail}
	if node.tail != none {
		last := b.orders.Get(node.tail)
		last.next = owner
		b.orders.Set(node.tail, last)
	} else {
		node.head = owner
	}
	node.tail = owner
	node.size++
	b.orders.Set(owner, order)
	b.ticks.Set(tick, node)
	return nil
}

func (b *Book) insertTick(tick uint64) tickNode {
	var prev uint64
	next := b.head.Get()
	for next != 0 && next < tick {
		prev = next
		next = b.ticks.Get(next).next
	}
	node := tickNode{prev: prev, next: next}
	if prev != 0 {
		p := b.ticks.Get(prev)
		p.next = tick
		b.ticks.Set(prev, p)
	} else {
		b.head.Set(tick)
	}
	if next != 0 {
		n := b.ticks.Get(next)
		n.prev = tick
		b.ticks.Set(next, n)
	} else {
		b.tail.Set(tick)
	}
	return node
}

// Remove deletes owner's order and deactivates its tick when it empties.
func (b *Book) Remove(owner common.Address) (uint64, error) {
	order, ok := b.orders.Lookup(owner)
	if !ok {
		return 0, ErrNoOrder
	}
	node := b.ticks.Get(order.tick)
	if order.prev != none {
		p := b.orders.Get(order.prev)
		p.next = order.next
		b.orders.Set(order.prev, p)
	} else {
		node.head = order.next
	}
	if order.next != none {
		n := b.orders.Get(order.next)
		n.prev = order.prev
		b.orders.Set(order.next, n)
	} else {
		node.tail = order.prev
	}
	node.size--
	b.orders.Delete(owner)
	if node.size == 0 {
		b.removeTick(order.tick, node)
	} else {
		b.ticks.Set(order.tick, node)
	}
	return order.tick, nil
}

func (b *Book) removeTick(tick uint64, node tickNode) {
	if node.prev != 0 {
		p := b.ticks.Get(node.prev)
		p.next = node.next
		b.ticks.Set(node.prev, p)
	} else {
		b.head.Set(node.next)
	}
	if node.next != 0 {
		n := b.ticks.Get(node.next)
		n.prev = node.prev
		b.ticks.Set(node.next, n)
	} else {
		b.tail.Set(node.prev)
	}
	b.ticks.Delete(tick)
}

// Order returns the tick of owner's resting order.
func (b *Book) Order(owner common.Address) (uint64, bool) {
	order, ok := b.orders.Lookup(owner)
	return order.tick, ok
}

func (b *Book) Len() int { return b.orders.Len() }

// Head is the lowest active tick.
func (b *Book) Head() (uint64, bool) {
	h := b.head.Get()
	return h, h != 0
}

// Tail is the highest active tick.
func (b *Book) Tail() (uint64, bool) {
	t := b.tail.Get()
	return t, t != 0
}

func (b *Book) NextTick(tick uint64) (uint64, bool) {
	node, ok := b.ticks.Lookup(tick)
	if !ok || node.next == 0 {
		return 0, false
	}
	return node.next, true
}

func (b *Book) PrevTick(tick uint64) (uint64, bool) {
	node, ok := b.ticks.Lookup(tick)
	if !ok || node.prev == 0 {
		return 0, false
	}
	return node.prev, true
}

// FirstOrder is the oldest order at tick.
func (b *Book) FirstOrder(tick uint64) (common.Address, bool) {
	node, ok := b.ticks.Lookup(tick)
	if !ok {
		return none, false
	}
	return node.head, node.head != none
}

func (b *Book) NextOrder(owner common.Address) (common.Address, bool) {
	order, ok := b.orders.Lookup(owner)
	if !ok || order.next == none {
		return none, false
	}
	return order.next, true
}

type Entry struct {
	Tick  uint64
	Owner common.Address
}

// Orders lists resting orders with tick <= upperTick, lowest tick first and
// oldest first within a tick.
func (b *Book) Orders(upperTick uint64) []Entry {
	var out []Entry
	for tick, ok := b.Head(); ok && tick <= upperTick; tick, ok = b.NextTick(tick) {
		for owner, more := b.FirstOrder(tick); more; owner, more = b.NextOrder(owner) {
			out = append(out, Entry{Tick: tick, Owner: owner})
		}
	}
	return out
}

type Level struct {
	Tick   uint64
	Owners []common.Address
}

// Depth returns every active tick with its queue.
func (b *Book) Depth() []Level {
	var out []Level
	for tick, ok := b.Head(); ok; tick, ok = b.NextTick(tick) {
		level := Level{Tick: tick}
		for owner, more := b.FirstOrder(tick); more; owner, more = b.NextOrder(owner) {
			level.Owners = append(level.Owners, owner)
		}
		out = append(out, level)
	}
	return out
}
