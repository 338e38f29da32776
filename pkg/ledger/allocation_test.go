package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld/pkg/contract"
	"github.com/settld-labs/settld/pkg/jobs"
)

func allocFixture() (JournalEntry, jobs.Job, contract.Document) {
	entry := JournalEntry{
		ID:       "je-1",
		TenantID: "tenant-1",
		At:       time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC),
		Postings: []Posting{
			{ID: "p-escrow", AccountID: AccountCustomerEscrow, AmountCents: -10001},
			{ID: "p-platform", AccountID: AccountPlatformRevenue, AmountCents: 1500},
			{ID: "p-owner", AccountID: AccountOwnerPayable, AmountCents: 8501},
		},
	}
	job := jobs.Job{
		ID:         "job-1",
		TenantID:   "tenant-1",
		CustomerID: "cust-1",
		AgentID:    "agent-7",
		Currency:   "USD",
	}
	doc := contract.Document{
		ContractID: "con-1",
		TenantID:   "tenant-1",
		Policies:   contract.Policies{PlatformFeeBps: 1500, CoverageBps: 300},
	}
	return entry, job, doc
}

func TestAllocateEntry_RowsSumToPostings(t *testing.T) {
	entry, job, doc := allocFixture()

	rows, err := AllocateEntry("tenant-1", entry, job, doc, "USD")
	require.NoError(t, err)

	sums := make(map[string]int64)
	for _, r := range rows {
		sums[r.PostingID] += r.AmountCents
	}
	for _, p := range entry.Postings {
		assert.Equal(t, p.AmountCents, sums[p.ID], "posting %s rows must sum exactly", p.ID)
	}
}

func TestAllocateEntry_Deterministic(t *testing.T) {
	entry, job, doc := allocFixture()

	rows1, err := AllocateEntry("tenant-1", entry, job, doc, "USD")
	require.NoError(t, err)
	rows2, err := AllocateEntry("tenant-1", entry, job, doc, "USD")
	require.NoError(t, err)

	require.Equal(t, rows1, rows2, "identical inputs must give identical, identically-ordered rows")
}

func TestAllocateEntry_OrderedByPostingThenIndex(t *testing.T) {
	entry, job, doc := allocFixture()

	rows, err := AllocateEntry("tenant-1", entry, job, doc, "USD")
	require.NoError(t, err)

	// Rows follow entry posting order, indexes ascending within a posting.
	var lastPosting string
	lastIndex := -1
	postingSeq := map[string]int{"p-escrow": 0, "p-platform": 1, "p-owner": 2}
	seq := -1
	for _, r := range rows {
		if r.PostingID != lastPosting {
			require.Greater(t, postingSeq[r.PostingID], seq)
			seq = postingSeq[r.PostingID]
			lastPosting = r.PostingID
			lastIndex = -1
		}
		require.Greater(t, r.Index, lastIndex)
		lastIndex = r.Index
	}
}

func TestAllocateEntry_RemainderGoesToPrimaryBucket(t *testing.T) {
	// 300 bps of -10001 truncates toward zero: -300 coverage, -9701 primary.
	entry, job, doc := allocFixture()

	rows, err := AllocateEntry("tenant-1", entry, job, doc, "USD")
	require.NoError(t, err)

	var escrowRows []Allocation
	for _, r := range rows {
		if r.PostingID == "p-escrow" {
			escrowRows = append(escrowRows, r)
		}
	}
	require.Len(t, escrowRows, 2)
	assert.Equal(t, "escrow:customer:cust-1", escrowRows[0].SubAccount)
	assert.Equal(t, int64(-9701), escrowRows[0].AmountCents)
	assert.Equal(t, "coverage:con-1", escrowRows[1].SubAccount)
	assert.Equal(t, int64(-300), escrowRows[1].AmountCents)
}

func TestAllocateEntry_NoCoveragePolicy(t *testing.T) {
	entry, job, doc := allocFixture()
	doc.Policies.CoverageBps = 0

	rows, err := AllocateEntry("tenant-1", entry, job, doc, "USD")
	require.NoError(t, err)
	require.Len(t, rows, len(entry.Postings), "one row per posting when nothing splits")
	for _, r := range rows {
		assert.Equal(t, 0, r.Index)
	}
}

func TestAllocateEntry_RejectsUnbalancedEntry(t *testing.T) {
	entry, job, doc := allocFixture()
	entry.Postings[0].AmountCents++

	_, err := AllocateEntry("tenant-1", entry, job, doc, "USD")
	assert.ErrorIs(t, err, ErrUnbalancedEntry)
}

func TestAllocateEntry_CurrencyMismatch(t *testing.T) {
	entry, job, doc := allocFixture()
	_, err := AllocateEntry("tenant-1", entry, job, doc, "EUR")
	assert.Error(t, err)
}
