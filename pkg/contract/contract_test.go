package contract

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(d int) time.Time {
	return time.Date(2026, 8, d, 0, 0, 0, 0, time.UTC)
}

func doc(id string, version int, hash string, scope Scope, from time.Time) Document {
	return Document{
		ContractID:      id,
		ContractVersion: version,
		ContractHash:    hash,
		TenantID:        "tenant-1",
		Scope:           scope,
		EffectiveFrom:   from,
		Status:          StatusActive,
	}
}

func TestSelectActiveContractV2_SpecificityOrdering(t *testing.T) {
	ctx := Context{
		TenantID:   "tenant-1",
		CustomerID: "cust-1",
		SiteID:     "site-1",
		TemplateID: "tpl-1",
		At:         day(20),
	}

	docs := []Document{
		doc("tenant-default", 1, "aa", Scope{}, day(1)),
		doc("tpl-only", 1, "bb", Scope{TemplateID: "tpl-1"}, day(1)),
		doc("cust-only", 1, "cc", Scope{CustomerID: "cust-1"}, day(1)),
		doc("cust-tpl", 1, "dd", Scope{CustomerID: "cust-1", TemplateID: "tpl-1"}, day(1)),
		doc("site-only", 1, "ee", Scope{SiteID: "site-1"}, day(1)),
		doc("site-tpl", 1, "ff", Scope{SiteID: "site-1", TemplateID: "tpl-1"}, day(1)),
	}

	got, ok := SelectActiveContractV2(docs, ctx)
	require.True(t, ok)
	assert.Equal(t, "site-tpl", got.ContractID)
}

func TestSelectActiveContractV2_EffectiveFromTieBreak(t *testing.T) {
	// Equally-specific, equal-version candidates resolve to the latest
	// effectiveFrom.
	ctx := Context{TenantID: "tenant-1", CustomerID: "cust-1", TemplateID: "tpl-1", At: day(28)}

	docs := []Document{
		doc("tpl-only", 1, "aa", Scope{TemplateID: "tpl-1"}, day(1)),
		doc("cust-tpl-v1", 1, "bb", Scope{CustomerID: "cust-1", TemplateID: "tpl-1"}, day(5)),
		doc("cust-tpl-v1-later", 1, "cc", Scope{CustomerID: "cust-1", TemplateID: "tpl-1"}, day(15)),
		doc("cust-tpl-v1-earlier", 1, "dd", Scope{CustomerID: "cust-1", TemplateID: "tpl-1"}, day(2)),
	}

	got, ok := SelectActiveContractV2(docs, ctx)
	require.True(t, ok)
	assert.Equal(t, "cust-tpl-v1-later", got.ContractID)
}

func TestSelectActiveContractV2_VersionBeatsEffectiveFrom(t *testing.T) {
	ctx := Context{TenantID: "tenant-1", CustomerID: "cust-1", TemplateID: "tpl-1", At: day(28)}

	docs := []Document{
		doc("v1-later", 1, "aa", Scope{CustomerID: "cust-1", TemplateID: "tpl-1"}, day(20)),
		doc("v2-earlier", 2, "bb", Scope{CustomerID: "cust-1", TemplateID: "tpl-1"}, day(2)),
	}

	got, ok := SelectActiveContractV2(docs, ctx)
	require.True(t, ok)
	assert.Equal(t, "v2-earlier", got.ContractID)
}

func TestSelectActiveContractV2_HashTieBreakIsTotal(t *testing.T) {
	ctx := Context{TenantID: "tenant-1", TemplateID: "tpl-1", At: day(28)}

	docs := []Document{
		doc("low-hash", 1, "0a1", Scope{TemplateID: "tpl-1"}, day(1)),
		doc("high-hash", 1, "ff2", Scope{TemplateID: "tpl-1"}, day(1)),
	}

	got, ok := SelectActiveContractV2(docs, ctx)
	require.True(t, ok)
	assert.Equal(t, "high-hash", got.ContractID)

	// Order of the input slice must not matter.
	got2, ok := SelectActiveContractV2([]Document{docs[1], docs[0]}, ctx)
	require.True(t, ok)
	assert.Equal(t, got.ContractID, got2.ContractID)
}

func TestSelectActiveContractV2_Filters(t *testing.T) {
	ctx := Context{TenantID: "tenant-1", CustomerID: "cust-1", At: day(10)}

	notYet := doc("future", 1, "aa", Scope{}, day(11))
	otherTenant := doc("other", 1, "bb", Scope{}, day(1))
	otherTenant.TenantID = "tenant-2"
	archived := doc("archived", 1, "cc", Scope{}, day(1))
	archived.Status = StatusArchived
	wrongCustomer := doc("wrong-cust", 1, "dd", Scope{CustomerID: "cust-9"}, day(1))

	_, ok := SelectActiveContractV2([]Document{notYet, otherTenant, archived, wrongCustomer}, ctx)
	assert.False(t, ok)
}

func TestSelectBestContract_Legacy(t *testing.T) {
	ctx := Context{TenantID: "tenant-1", CustomerID: "cust-1", TemplateID: "tpl-1", At: day(10)}

	docs := []Document{
		doc("tenant-default", 1, "aa", Scope{}, day(1)),
		doc("cust-tpl", 1, "bb", Scope{CustomerID: "cust-1", TemplateID: "tpl-1"}, day(1)),
	}

	got, ok := SelectBestContract(docs, ctx)
	require.True(t, ok)
	assert.Equal(t, "cust-tpl", got.ContractID)
}
