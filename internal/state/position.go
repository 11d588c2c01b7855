// internal/state/position.go
package state

import (
	"sort"
	"time"

	fpmath "SynthLedger/internal/math"
)

// Position is one sponsor's collateralized token position.
// RawCollateral is pre-fee-adjustment; the collateral a sponsor can
// actually claim is RawCollateral scaled by the global fee
// multiplier.
type Position struct {
	Sponsor           string
	RawCollateral     fpmath.Unsigned
	TokensOutstanding fpmath.Unsigned

	// Slow withdrawal sub-state. A zero PassTimestamp means no
	// request is pending.
	WithdrawalRequestPassTimestamp time.Time
	WithdrawalRequestAmount        fpmath.Unsigned
}

// HasPendingWithdrawal reports whether a slow withdrawal request is
// open, regardless of whether its liveness window has passed.
func (p *Position) HasPendingWithdrawal() bool {
	return !p.WithdrawalRequestPassTimestamp.IsZero()
}

// ClearWithdrawalRequest resets the withdrawal sub-state.
func (p *Position) ClearWithdrawalRequest() {
	p.WithdrawalRequestPassTimestamp = time.Time{}
	p.WithdrawalRequestAmount = fpmath.Zero()
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 128)
	buf = appendString(buf, p.Sponsor)
	buf = appendUnsigned(buf, p.RawCollateral)
	buf = appendUnsigned(buf, p.TokensOutstanding)
	buf = appendInt64LE(buf, p.WithdrawalRequestPassTimestamp.Unix())
	buf = appendUnsigned(buf, p.WithdrawalRequestAmount)
	return buf
}

// PositionBook tracks all open positions for one contract instance.
// Not thread-safe; the owning engine serializes access.
type PositionBook struct {
	positions map[string]*Position
}

func NewPositionBook() *PositionBook {
	return &PositionBook{
		positions: make(map[string]*Position),
	}
}

// Get returns the position for sponsor, or nil.
func (b *PositionBook) Get(sponsor string) *Position {
	return b.positions[sponsor]
}

// Put inserts or replaces a position.
func (b *PositionBook) Put(p *Position) {
	b.positions[p.Sponsor] = p
}

// Delete removes a sponsor's position.
func (b *PositionBook) Delete(sponsor string) {
	delete(b.positions, sponsor)
}

func (b *PositionBook) Count() int {
	return len(b.positions)
}

// Sponsors returns sponsor addresses in deterministic order.
func (b *PositionBook) Sponsors() []string {
	out := make([]string, 0, len(b.positions))
	for s := range b.positions {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// CanonicalBytes serializes every position in sponsor order.
func (b *PositionBook) CanonicalBytes() []byte {
	buf := make([]byte, 0, 128*len(b.positions))
	for _, s := range b.Sponsors() {
		buf = append(buf, b.positions[s].CanonicalBytes()...)
	}
	return buf
}

func appendString(buf []byte, s string) []byte {
	buf = append(buf, byte(len(s)))
	return append(buf, []byte(s)...)
}

func appendUnsigned(buf []byte, u fpmath.Unsigned) []byte {
	b32 := u.Raw().Bytes32()
	return append(buf, b32[:]...)
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
