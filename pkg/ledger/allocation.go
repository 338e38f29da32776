package ledger

import (
	"fmt"

	"github.com/settld-labs/settld/pkg/contract"
	"github.com/settld-labs/settld/pkg/jobs"
)

// Allocation attributes part of a posting's amount to a finer sub-account.
// For every posting, its allocation rows sum exactly to the posting amount.
type Allocation struct {
	PostingID   string `json:"postingId"`
	Index       int    `json:"index"`
	SubAccount  string `json:"subAccount"`
	AmountCents int64  `json:"amountCents"`
	Currency    string `json:"currency"`
}

// AllocateEntry deterministically attributes each posting of a balanced
// journal entry across sub-accounts derived from job and contract context.
//
// Pure function: identical inputs always yield identical, identically-ordered
// rows. Integer bps splits truncate toward zero; the remainder cents go to
// the posting's primary bucket, never dropped.
func AllocateEntry(tenantID string, entry JournalEntry, job jobs.Job, doc contract.Document, currency string) ([]Allocation, error) {
	if err := entry.CheckBalanced(); err != nil {
		return nil, err
	}
	if job.Currency != "" && currency != "" && job.Currency != currency {
		return nil, fmt.Errorf("ledger: allocation currency %s does not match job currency %s", currency, job.Currency)
	}

	out := make([]Allocation, 0, len(entry.Postings)*2)
	for _, p := range entry.Postings {
		rows := allocatePosting(p, job, doc, currency)
		var sum int64
		for _, r := range rows {
			sum += r.AmountCents
		}
		if sum != p.AmountCents {
			return nil, fmt.Errorf("ledger: allocation leaked cents on posting %s: rows sum %d, posting %d", p.ID, sum, p.AmountCents)
		}
		out = append(out, rows...)
	}
	return out, nil
}

func allocatePosting(p Posting, job jobs.Job, doc contract.Document, currency string) []Allocation {
	coverage := bpsShare(p.AmountCents, doc.Policies.CoverageBps)
	primary := p.AmountCents - coverage

	rows := []Allocation{{
		PostingID:   p.ID,
		Index:       0,
		SubAccount:  primarySubAccount(p.AccountID, job, doc),
		AmountCents: primary,
		Currency:    currency,
	}}
	if coverage != 0 {
		rows = append(rows, Allocation{
			PostingID:   p.ID,
			Index:       1,
			SubAccount:  "coverage:" + doc.ContractID,
			AmountCents: coverage,
			Currency:    currency,
		})
	}
	return rows
}

// bpsShare computes amount*bps/10000 with truncation toward zero, which is
// sign-symmetric so debit and credit sides of an entry split identically.
func bpsShare(amountCents, bps int64) int64 {
	if bps <= 0 {
		return 0
	}
	return amountCents * bps / 10000
}

func primarySubAccount(accountID string, job jobs.Job, doc contract.Document) string {
	switch accountID {
	case AccountCustomerEscrow:
		if job.CustomerID != "" {
			return "escrow:customer:" + job.CustomerID
		}
		return "escrow:job:" + job.ID
	case AccountPlatformRevenue:
		return "platform:fees:" + doc.ContractID
	case AccountOwnerPayable:
		if job.AgentID != "" {
			return "owner:agent:" + job.AgentID
		}
		return "owner:site:" + job.SiteID
	default:
		return accountID + ":general"
	}
}
