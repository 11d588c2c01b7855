// internal/state/liquidation.go
package state

import (
	"sort"
	"time"

	fpmath "SynthLedger/internal/math"
)

// Status tracks a liquidation through its lifecycle
type Status int32

const (
	StatusUninitialized Status = iota
	StatusPreDispute
	StatusPendingDispute
	StatusDisputeSucceeded
	StatusDisputeFailed
)

func (s Status) String() string {
	switch s {
	case StatusUninitialized:
		return "Uninitialized"
	case StatusPreDispute:
		return "PreDispute"
	case StatusPendingDispute:
		return "PendingDispute"
	case StatusDisputeSucceeded:
		return "DisputeSucceeded"
	case StatusDisputeFailed:
		return "DisputeFailed"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates status transitions. Uninitialized as a
// target means the record is deleted.
func (s Status) CanTransitionTo(next Status) bool {
	validTransitions := map[Status][]Status{
		StatusUninitialized: {
			StatusPreDispute,
		},
		StatusPreDispute: {
			StatusPendingDispute,
			StatusUninitialized, // expired undisputed, liquidator paid
		},
		StatusPendingDispute: {
			StatusDisputeSucceeded,
			StatusDisputeFailed,
		},
		StatusDisputeSucceeded: {
			StatusUninitialized, // all parties paid
		},
		StatusDisputeFailed: {
			StatusUninitialized, // liquidator paid
		},
	}

	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if next == a {
			return true
		}
	}
	return false
}

// Liquidation is one liquidation against a sponsor position.
// LockedCollateral is the collateral escrowed from the position;
// LiquidatedCollateral is the same net of any pending withdrawal
// request and is what the dispute test measures against.
type Liquidation struct {
	ID         uint64
	Sponsor    string
	Liquidator string
	Disputer   string
	Status     Status

	TokensLiquidated     fpmath.Unsigned
	LockedCollateral     fpmath.Unsigned
	LiquidatedCollateral fpmath.Unsigned
	FinalFeeBond         fpmath.Unsigned
	DisputeBond          fpmath.Unsigned

	// CreatedAt is the engine time at creation. A later dispute
	// requests the oracle price at this time, not dispute time.
	CreatedAt time.Time

	// LivenessExpiry is when an undisputed liquidation becomes
	// withdrawable by the liquidator.
	LivenessExpiry time.Time

	// PriceRequestTime is the oracle query time set on dispute.
	PriceRequestTime time.Time

	// Cached on first resolution so every later withdrawal sees the
	// same numbers.
	Resolved        bool
	SettlementPrice fpmath.Unsigned

	SponsorPaid    bool
	LiquidatorPaid bool
	DisputerPaid   bool
}

// CanonicalBytes returns deterministic serialization for hashing
func (l *Liquidation) CanonicalBytes() []byte {
	buf := make([]byte, 0, 256)
	buf = appendInt64LE(buf, int64(l.ID))
	buf = appendString(buf, l.Sponsor)
	buf = appendString(buf, l.Liquidator)
	buf = appendString(buf, l.Disputer)
	buf = append(buf, byte(l.Status))
	buf = appendUnsigned(buf, l.TokensLiquidated)
	buf = appendUnsigned(buf, l.LockedCollateral)
	buf = appendUnsigned(buf, l.LiquidatedCollateral)
	buf = appendUnsigned(buf, l.FinalFeeBond)
	buf = appendUnsigned(buf, l.DisputeBond)
	buf = appendInt64LE(buf, l.CreatedAt.Unix())
	buf = appendInt64LE(buf, l.LivenessExpiry.Unix())
	buf = appendInt64LE(buf, l.PriceRequestTime.Unix())
	buf = appendUnsigned(buf, l.SettlementPrice)
	var flags byte
	if l.Resolved {
		flags |= 1
	}
	if l.SponsorPaid {
		flags |= 2
	}
	if l.LiquidatorPaid {
		flags |= 4
	}
	if l.DisputerPaid {
		flags |= 8
	}
	buf = append(buf, flags)
	return buf
}

// LiquidationBook tracks active liquidations per sponsor. IDs are
// assigned monotonically per sponsor and never reused, even after
// deletion. Not thread-safe; the owning engine serializes access.
type LiquidationBook struct {
	active map[string]map[uint64]*Liquidation
	nextID map[string]uint64
}

func NewLiquidationBook() *LiquidationBook {
	return &LiquidationBook{
		active: make(map[string]map[uint64]*Liquidation),
		nextID: make(map[string]uint64),
	}
}

// Append assigns the next id for sponsor and stores the liquidation.
func (b *LiquidationBook) Append(l *Liquidation) uint64 {
	id := b.nextID[l.Sponsor]
	b.nextID[l.Sponsor] = id + 1

	l.ID = id
	m := b.active[l.Sponsor]
	if m == nil {
		m = make(map[uint64]*Liquidation)
		b.active[l.Sponsor] = m
	}
	m[id] = l
	return id
}

// Get returns the liquidation (sponsor, id), or nil. Deleted and
// never-assigned ids both return nil.
func (b *LiquidationBook) Get(sponsor string, id uint64) *Liquidation {
	return b.active[sponsor][id]
}

// Delete removes a settled liquidation. The id slot stays burned.
func (b *LiquidationBook) Delete(sponsor string, id uint64) {
	m := b.active[sponsor]
	delete(m, id)
	if len(m) == 0 {
		delete(b.active, sponsor)
	}
}

// BySponsor returns a sponsor's active liquidations in id order.
func (b *LiquidationBook) BySponsor(sponsor string) []*Liquidation {
	m := b.active[sponsor]
	out := make([]*Liquidation, 0, len(m))
	for _, l := range m {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// All returns every active liquidation in (sponsor, id) order.
func (b *LiquidationBook) All() []*Liquidation {
	sponsors := make([]string, 0, len(b.active))
	for s := range b.active {
		sponsors = append(sponsors, s)
	}
	sort.Strings(sponsors)

	var out []*Liquidation
	for _, s := range sponsors {
		out = append(out, b.BySponsor(s)...)
	}
	return out
}

// NextIDs returns the next-id counter per sponsor, including sponsors
// whose liquidations have all been deleted. Burned id slots must
// survive a snapshot round trip.
func (b *LiquidationBook) NextIDs() map[string]uint64 {
	out := make(map[string]uint64, len(b.nextID))
	for s, id := range b.nextID {
		out[s] = id
	}
	return out
}

// Restore replaces the book's contents from a snapshot.
func (b *LiquidationBook) Restore(liquidations []*Liquidation, nextIDs map[string]uint64) {
	b.active = make(map[string]map[uint64]*Liquidation)
	b.nextID = make(map[string]uint64, len(nextIDs))
	for s, id := range nextIDs {
		b.nextID[s] = id
	}
	for _, l := range liquidations {
		m := b.active[l.Sponsor]
		if m == nil {
			m = make(map[uint64]*Liquidation)
			b.active[l.Sponsor] = m
		}
		m[l.ID] = l
		if b.nextID[l.Sponsor] <= l.ID {
			b.nextID[l.Sponsor] = l.ID + 1
		}
	}
}

// CanonicalBytes serializes every active liquidation in order.
func (b *LiquidationBook) CanonicalBytes() []byte {
	all := b.All()
	buf := make([]byte, 0, 256*len(all))
	for _, l := range all {
		buf = append(buf, l.CanonicalBytes()...)
	}
	return buf
}
