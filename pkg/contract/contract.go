// Package contract holds published contract documents and the precedence
// resolver that selects the single active contract for a request context.
package contract

import (
	"sort"
	"time"
)

// Document statuses.
const (
	StatusActive   = "active"
	StatusArchived = "archived"
)

// Scope narrows a contract to a customer, site, or job template. Empty
// fields are wildcards.
type Scope struct {
	CustomerID string `json:"customerId,omitempty"`
	SiteID     string `json:"siteId,omitempty"`
	TemplateID string `json:"templateId,omitempty"`
}

// Policies are the commercial terms the ledger and state machines consume.
type Policies struct {
	PlatformFeeBps     int64 `json:"platformFeeBps"`
	CoverageBps        int64 `json:"coverageBps"`
	DisputeWindowHours int   `json:"disputeWindowHours,omitempty"`
}

// Document is an immutable published contract version. A new version is a
// new document.
type Document struct {
	ContractID      string    `json:"contractId"`
	ContractVersion int       `json:"contractVersion"`
	ContractHash    string    `json:"contractHash"`
	TenantID        string    `json:"tenantId"`
	Scope           Scope     `json:"scope"`
	EffectiveFrom   time.Time `json:"effectiveFrom"`
	Status          string    `json:"status"`
	Policies        Policies  `json:"policies"`
}

// Context is the request context a contract is resolved for.
type Context struct {
	TenantID   string
	CustomerID string
	SiteID     string
	TemplateID string
	At         time.Time
}

// Specificity ranks, most specific first. A scope field either matches the
// context exactly or is a wildcard; anything else disqualifies the contract.
//
//	site+template > site > customer+template > customer > tenant+template > tenant-default
func specificityRank(s Scope, ctx Context) int {
	if s.CustomerID != "" && s.CustomerID != ctx.CustomerID {
		return -1
	}
	if s.SiteID != "" && s.SiteID != ctx.SiteID {
		return -1
	}
	if s.TemplateID != "" && s.TemplateID != ctx.TemplateID {
		return -1
	}
	switch {
	case s.SiteID != "" && s.TemplateID != "":
		return 6
	case s.SiteID != "":
		return 5
	case s.CustomerID != "" && s.TemplateID != "":
		return 4
	case s.CustomerID != "":
		return 3
	case s.TemplateID != "":
		return 2
	default:
		return 1
	}
}

func eligible(d Document, ctx Context) (int, bool) {
	if d.TenantID != ctx.TenantID || d.Status != StatusActive {
		return 0, false
	}
	if d.EffectiveFrom.After(ctx.At) {
		return 0, false
	}
	rank := specificityRank(d.Scope, ctx)
	if rank < 0 {
		return 0, false
	}
	return rank, true
}

// SelectActiveContractV2 returns the single top-ranked active contract for
// the context, or false when none matches. The precedence tuple is total:
// specificity, then contract version, then effectiveFrom, then contractHash
// as a deterministic final tie-break.
func SelectActiveContractV2(docs []Document, ctx Context) (Document, bool) {
	type candidate struct {
		doc  Document
		rank int
	}
	var cands []candidate
	for _, d := range docs {
		if rank, ok := eligible(d, ctx); ok {
			cands = append(cands, candidate{doc: d, rank: rank})
		}
	}
	if len(cands) == 0 {
		return Document{}, false
	}
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.rank != b.rank {
			return a.rank > b.rank
		}
		if a.doc.ContractVersion != b.doc.ContractVersion {
			return a.doc.ContractVersion > b.doc.ContractVersion
		}
		if !a.doc.EffectiveFrom.Equal(b.doc.EffectiveFrom) {
			return a.doc.EffectiveFrom.After(b.doc.EffectiveFrom)
		}
		return a.doc.ContractHash > b.doc.ContractHash
	})
	return cands[0].doc, true
}

// SelectBestContract is the legacy resolver: most specific eligible contract
// wins, ignoring version and effective-date ordering among equals. Kept for
// callers that predate the V2 precedence tuple.
func SelectBestContract(docs []Document, ctx Context) (Document, bool) {
	best := -1
	var out Document
	for _, d := range docs {
		rank, ok := eligible(d, ctx)
		if !ok {
			continue
		}
		if rank > best {
			best = rank
			out = d
		}
	}
	if best < 0 {
		return Document{}, false
	}
	return out, true
}
