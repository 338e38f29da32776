package settlement

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrInsufficientFunds is returned when a debit exceeds available balance.
	ErrInsufficientFunds = errors.New("settlement: insufficient wallet funds")
	// ErrWalletNotFound is returned for operations on an unknown wallet.
	ErrWalletNotFound = errors.New("settlement: wallet not found")
)

// Wallet is the balance view for one agent within one tenant.
type Wallet struct {
	TenantID           string `json:"tenantId"`
	AgentID            string `json:"agentId"`
	AvailableCents     int64  `json:"availableCents"`
	TotalCreditedCents int64  `json:"totalCreditedCents"`
	TotalDebitedCents  int64  `json:"totalDebitedCents"`
}

type walletKey struct {
	tenantID string
	agentID  string
}

// Wallets is a tenant-partitioned wallet book. Natural agent ids may collide
// across tenants; the key always includes the tenant.
type Wallets struct {
	mu      sync.Mutex
	wallets map[walletKey]*Wallet
}

// NewWallets creates an empty wallet book.
func NewWallets() *Wallets {
	return &Wallets{wallets: make(map[walletKey]*Wallet)}
}

func (w *Wallets) get(tenantID, agentID string) *Wallet {
	k := walletKey{tenantID, agentID}
	if wa, ok := w.wallets[k]; ok {
		return wa
	}
	wa := &Wallet{TenantID: tenantID, AgentID: agentID}
	w.wallets[k] = wa
	return wa
}

// Balance returns a copy of an agent's wallet.
func (w *Wallets) Balance(tenantID, agentID string) (Wallet, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	wa, ok := w.wallets[walletKey{tenantID, agentID}]
	if !ok {
		return Wallet{}, fmt.Errorf("%w: %s/%s", ErrWalletNotFound, tenantID, agentID)
	}
	return *wa, nil
}

// Credit adds funds to an agent wallet.
func (w *Wallets) Credit(tenantID, agentID string, amountCents int64) error {
	if amountCents <= 0 {
		return fmt.Errorf("settlement: credit amount must be positive, got %d", amountCents)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	wa := w.get(tenantID, agentID)
	wa.AvailableCents += amountCents
	wa.TotalCreditedCents += amountCents
	return nil
}

// Debit removes funds from an agent wallet, failing whole when the balance
// is insufficient.
func (w *Wallets) Debit(tenantID, agentID string, amountCents int64) error {
	if amountCents <= 0 {
		return fmt.Errorf("settlement: debit amount must be positive, got %d", amountCents)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	wa := w.get(tenantID, agentID)
	if wa.AvailableCents < amountCents {
		return fmt.Errorf("%w: %s/%s has %d, needs %d", ErrInsufficientFunds, tenantID, agentID, wa.AvailableCents, amountCents)
	}
	wa.AvailableCents -= amountCents
	wa.TotalDebitedCents += amountCents
	return nil
}

// Transfer moves funds between two wallets of the same tenant atomically.
// The source's available and debited totals move by exactly the transferred
// amount; the destination mirrors. Nothing changes on failure.
func (w *Wallets) Transfer(tenantID, fromAgentID, toAgentID string, amountCents int64) error {
	if amountCents <= 0 {
		return fmt.Errorf("settlement: transfer amount must be positive, got %d", amountCents)
	}
	if fromAgentID == toAgentID {
		return fmt.Errorf("settlement: transfer to self")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	src := w.get(tenantID, fromAgentID)
	if src.AvailableCents < amountCents {
		return fmt.Errorf("%w: %s/%s has %d, needs %d", ErrInsufficientFunds, tenantID, fromAgentID, src.AvailableCents, amountCents)
	}
	dst := w.get(tenantID, toAgentID)
	src.AvailableCents -= amountCents
	src.TotalDebitedCents += amountCents
	dst.AvailableCents += amountCents
	dst.TotalCreditedCents += amountCents
	return nil
}
