// Package ledger implements double-entry bookkeeping for the settlement
// kernel: balanced journal entries over tenant-partitioned accounts, plus the
// deterministic allocation engine that attributes postings to sub-accounts.
package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Account types.
const (
	AccountCustomerEscrow  = "customer_escrow"
	AccountPlatformRevenue = "platform_revenue"
	AccountOwnerPayable    = "owner_payable"
	AccountCoverageReserve = "coverage_reserve"
)

// ErrUnbalancedEntry is returned when an entry's postings do not sum to zero.
var ErrUnbalancedEntry = errors.New("ledger: journal entry does not balance")

// Account is a ledger bucket with a running balance in cents.
type Account struct {
	ID           string `json:"id"`
	TenantID     string `json:"tenantId"`
	Type         string `json:"type"`
	BalanceCents int64  `json:"balanceCents"`
}

// Posting moves an amount into (positive) or out of (negative) one account.
type Posting struct {
	ID          string `json:"id"`
	AccountID   string `json:"accountId"`
	AmountCents int64  `json:"amountCents"`
}

// JournalEntry is an immutable, atomically-applied set of postings.
// Invariant: posting amounts sum to exactly zero.
type JournalEntry struct {
	ID       string    `json:"id"`
	TenantID string    `json:"tenantId"`
	Memo     string    `json:"memo,omitempty"`
	At       time.Time `json:"at"`
	Postings []Posting `json:"postings"`
}

// CheckBalanced verifies the zero-sum invariant, naming the imbalance.
func (e JournalEntry) CheckBalanced() error {
	var sum int64
	for _, p := range e.Postings {
		sum += p.AmountCents
	}
	if sum != 0 {
		return fmt.Errorf("%w: postings sum to %d cents", ErrUnbalancedEntry, sum)
	}
	return nil
}

type accountKey struct {
	tenantID  string
	accountID string
}

// Ledger holds tenant-partitioned account balances and applies journal
// entries all-or-nothing.
type Ledger struct {
	mu       sync.RWMutex
	accounts map[accountKey]*Account
	applied  []JournalEntry
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{accounts: make(map[accountKey]*Account)}
}

// Apply validates and applies a journal entry. A rejected entry leaves every
// balance untouched.
func (l *Ledger) Apply(entry JournalEntry) error {
	if len(entry.Postings) == 0 {
		return fmt.Errorf("ledger: entry %s has no postings", entry.ID)
	}
	if err := entry.CheckBalanced(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range entry.Postings {
		acct := l.account(entry.TenantID, p.AccountID)
		acct.BalanceCents += p.AmountCents
	}
	l.applied = append(l.applied, entry)
	return nil
}

// Balance returns the current balance of an account; zero if never posted.
func (l *Ledger) Balance(tenantID, accountID string) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if acct, ok := l.accounts[accountKey{tenantID, accountID}]; ok {
		return acct.BalanceCents
	}
	return 0
}

// Entries returns a copy of the applied journal, in application order.
func (l *Ledger) Entries() []JournalEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]JournalEntry, len(l.applied))
	copy(out, l.applied)
	return out
}

// TrialBalance sums every account balance for a tenant. Always zero on a
// consistent ledger.
func (l *Ledger) TrialBalance(tenantID string) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var sum int64
	for k, acct := range l.accounts {
		if k.tenantID == tenantID {
			sum += acct.BalanceCents
		}
	}
	return sum
}

func (l *Ledger) account(tenantID, accountID string) *Account {
	k := accountKey{tenantID, accountID}
	if acct, ok := l.accounts[k]; ok {
		return acct
	}
	acct := &Account{ID: accountID, TenantID: tenantID, Type: accountID}
	l.accounts[k] = acct
	return acct
}
