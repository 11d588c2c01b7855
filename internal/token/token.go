// internal/token/token.go
package token

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	fpmath "SynthLedger/internal/math"
)

var (
	ErrInsufficientBalance   = errors.New("token: insufficient balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
)

// Well-known system accounts. The escrow account holds collateral
// backing open positions and locked liquidations; the fee store
// receives regular and final fees.
const (
	EscrowAccount   = "system:escrow"
	FeeStoreAccount = "system:fees"
)

// Store is an in-memory fungible token ledger: balances, allowances,
// mint and burn. The engine uses one Store for the collateral
// currency and one for the synthetic token.
type Store struct {
	mu          sync.RWMutex
	symbol      string
	balances    map[string]fpmath.Unsigned
	allowances  map[string]map[string]fpmath.Unsigned
	totalSupply fpmath.Unsigned
}

func NewStore(symbol string) *Store {
	return &Store{
		symbol:     symbol,
		balances:   make(map[string]fpmath.Unsigned),
		allowances: make(map[string]map[string]fpmath.Unsigned),
	}
}

func (s *Store) Symbol() string {
	return s.symbol
}

// Mint credits amount to account and grows total supply.
func (s *Store) Mint(account string, amount fpmath.Unsigned) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	supply, err := s.totalSupply.Add(amount)
	if err != nil {
		return fmt.Errorf("token %s: mint %s to %s: %w", s.symbol, amount, account, err)
	}
	bal, err := s.balances[account].Add(amount)
	if err != nil {
		return fmt.Errorf("token %s: mint %s to %s: %w", s.symbol, amount, account, err)
	}
	s.totalSupply = supply
	s.balances[account] = bal
	return nil
}

// Burn debits amount from account and shrinks total supply.
func (s *Store) Burn(account string, amount fpmath.Unsigned) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bal, err := s.balances[account].Sub(amount)
	if err != nil {
		return fmt.Errorf("token %s: burn %s from %s: %w", s.symbol, amount, account, ErrInsufficientBalance)
	}
	supply, err := s.totalSupply.Sub(amount)
	if err != nil {
		return fmt.Errorf("token %s: burn %s from %s: %w", s.symbol, amount, account, err)
	}
	s.setBalance(account, bal)
	s.totalSupply = supply
	return nil
}

// Transfer moves amount from one account to another. Total supply is
// unchanged; the sum of all balances is invariant under transfers.
func (s *Store) Transfer(from, to string, amount fpmath.Unsigned) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transferLocked(from, to, amount)
}

func (s *Store) transferLocked(from, to string, amount fpmath.Unsigned) error {
	if amount.IsZero() {
		return nil
	}
	fromBal, err := s.balances[from].Sub(amount)
	if err != nil {
		return fmt.Errorf("token %s: transfer %s from %s: %w", s.symbol, amount, from, ErrInsufficientBalance)
	}
	toBal, err := s.balances[to].Add(amount)
	if err != nil {
		return fmt.Errorf("token %s: transfer %s to %s: %w", s.symbol, amount, to, err)
	}
	s.setBalance(from, fromBal)
	s.balances[to] = toBal
	return nil
}

// Approve sets spender's allowance over owner's balance.
func (s *Store) Approve(owner, spender string, amount fpmath.Unsigned) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.allowances[owner]
	if m == nil {
		m = make(map[string]fpmath.Unsigned)
		s.allowances[owner] = m
	}
	if amount.IsZero() {
		delete(m, spender)
		return
	}
	m[spender] = amount
}

// TransferFrom moves amount from owner to recipient, spending
// spender's allowance.
func (s *Store) TransferFrom(spender, owner, to string, amount fpmath.Unsigned) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	allowed := s.allowances[owner][spender]
	remaining, err := allowed.Sub(amount)
	if err != nil {
		return fmt.Errorf("token %s: spend %s of %s by %s: %w", s.symbol, amount, owner, spender, ErrInsufficientAllowance)
	}
	if err := s.transferLocked(owner, to, amount); err != nil {
		return err
	}
	if remaining.IsZero() {
		delete(s.allowances[owner], spender)
	} else {
		s.allowances[owner][spender] = remaining
	}
	return nil
}

func (s *Store) Allowance(owner, spender string) fpmath.Unsigned {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.allowances[owner][spender]
}

func (s *Store) BalanceOf(account string) fpmath.Unsigned {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[account]
}

func (s *Store) TotalSupply() fpmath.Unsigned {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalSupply
}

func (s *Store) setBalance(account string, bal fpmath.Unsigned) {
	if bal.IsZero() {
		delete(s.balances, account)
		return
	}
	s.balances[account] = bal
}

// ValidateConservation checks total supply equals the sum of all
// balances. Transfers cannot break this; a failure means corruption.
func (s *Store) ValidateConservation() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := fpmath.Zero()
	var err error
	for account, bal := range s.balances {
		sum, err = sum.Add(bal)
		if err != nil {
			return fmt.Errorf("token %s: summing %s: %w", s.symbol, account, err)
		}
	}
	if !sum.Equal(s.totalSupply) {
		return fmt.Errorf("token %s: supply %s != balance sum %s", s.symbol, s.totalSupply, sum)
	}
	return nil
}

// Snapshot returns account balances in deterministic account order,
// for state hashing and snapshots.
func (s *Store) Snapshot() []Balance {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Balance, 0, len(s.balances))
	for account, bal := range s.balances {
		out = append(out, Balance{Account: account, Amount: bal})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	return out
}

// Balance is one account's balance in a snapshot.
type Balance struct {
	Account string          `json:"account"`
	Amount  fpmath.Unsigned `json:"amount"`
}

// Restore replaces all balances from a snapshot. Total supply is
// recomputed as the balance sum so conservation holds afterwards.
func (s *Store) Restore(balances []Balance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]fpmath.Unsigned, len(balances))
	supply := fpmath.Zero()
	var err error
	for _, b := range balances {
		if b.Amount.IsZero() {
			continue
		}
		if supply, err = supply.Add(b.Amount); err != nil {
			return fmt.Errorf("token %s: restoring %s: %w", s.symbol, b.Account, err)
		}
		next[b.Account] = b.Amount
	}
	s.balances = next
	s.allowances = make(map[string]map[string]fpmath.Unsigned)
	s.totalSupply = supply
	return nil
}
