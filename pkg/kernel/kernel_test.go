package kernel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld/pkg/artifact"
	"github.com/settld-labs/settld/pkg/canonical"
	"github.com/settld-labs/settld/pkg/config"
	"github.com/settld-labs/settld/pkg/contract"
	"github.com/settld-labs/settld/pkg/eventchain"
	"github.com/settld-labs/settld/pkg/jobs"
	"github.com/settld-labs/settld/pkg/ledger"
	"github.com/settld-labs/settld/pkg/machine"
	"github.com/settld-labs/settld/pkg/settlement"
	"github.com/settld-labs/settld/pkg/stream"
)

var (
	testClock = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	customer  = eventchain.Actor{Type: "customer", ID: "cust-1"}
	agent     = eventchain.Actor{Type: "agent", ID: "agent-7"}
	system    = eventchain.Actor{Type: "system", ID: "kernel"}
)

func newKernel(t *testing.T) *Kernel {
	t.Helper()
	k, err := New(Options{Clock: func() time.Time { return testClock }})
	require.NoError(t, err)
	return k
}

func tenantDefault(tenantID string, feeBps, coverageBps int64) contract.Document {
	return contract.Document{
		ContractID:      "c-default",
		ContractVersion: 1,
		ContractHash:    "hash-default",
		TenantID:        tenantID,
		EffectiveFrom:   testClock.Add(-24 * time.Hour),
		Status:          contract.StatusActive,
		Policies:        contract.Policies{PlatformFeeBps: feeBps, CoverageBps: coverageBps},
	}
}

func driveJobToCompleted(t *testing.T, k *Kernel, tenantID, jobID string) jobs.Job {
	t.Helper()
	return driveJobToCompletedIn(t, k, tenantID, jobID, "USD")
}

func driveJobToCompletedIn(t *testing.T, k *Kernel, tenantID, jobID, currency string) jobs.Job {
	t.Helper()
	ctx := context.Background()

	_, err := k.SubmitJobEvent(ctx, tenantID, jobID, string(jobs.EventCreated), customer,
		map[string]interface{}{"templateId": "tpl-clean", "customerId": "cust-1", "siteId": "site-9"})
	require.NoError(t, err)

	_, err = k.SubmitJobEvent(ctx, tenantID, jobID, string(jobs.EventQuoted), system,
		map[string]interface{}{"amountCents": int64(10000), "currency": currency})
	require.NoError(t, err)

	steps := []struct {
		event machine.EventType
		actor eventchain.Actor
	}{
		{jobs.EventBooked, customer},
		{jobs.EventMatched, system},
		{jobs.EventReserved, system},
		{jobs.EventEnRoute, agent},
		{jobs.EventAccessGranted, customer},
		{jobs.EventExecStarted, agent},
		{jobs.EventCompleted, agent},
	}
	var job jobs.Job
	for _, step := range steps {
		job, err = k.SubmitJobEvent(ctx, tenantID, jobID, string(step.event), step.actor, nil)
		require.NoError(t, err)
	}
	require.Equal(t, jobs.StatusCompleted, job.Status)
	return job
}

func TestJobLifecycleThroughSettlement(t *testing.T) {
	ctx := context.Background()
	k := newKernel(t)
	require.NoError(t, k.PublishContract(tenantDefault("t1", 1500, 300)))

	driveJobToCompleted(t, k, "t1", "job-1")

	job, err := k.SubmitJobEvent(ctx, "t1", "job-1", string(jobs.EventSettled), system,
		map[string]interface{}{"amountCents": int64(10000), "currency": "USD"})
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusSettled, job.Status)

	// Money moved exactly once, zero-sum.
	books := k.Ledger()
	assert.Equal(t, int64(-10000), books.Balance("t1", ledger.AccountCustomerEscrow))
	assert.Equal(t, int64(1500), books.Balance("t1", ledger.AccountPlatformRevenue))
	assert.Equal(t, int64(8500), books.Balance("t1", ledger.AccountOwnerPayable))
	assert.Zero(t, books.TrialBalance("t1"))

	// A settlement statement exists, keyed to the settling event.
	page, _, err := k.ListArtifacts(ctx, "t1", 10, "")
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, artifact.TypeSettlementStatement, page[0].ArtifactType)
	assert.Equal(t, "job-1", page[0].JobID)
	assert.NotEmpty(t, page[0].SourceEventID)

	// The full chain verifies offline against the kernel's registry.
	res, err := k.VerifyJobStream(ctx, "t1", "job-1")
	require.NoError(t, err)
	assert.True(t, res.OK, res.Err)

	// Folding from storage agrees with the returned aggregate.
	folded, err := k.GetJob(ctx, "t1", "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.Status, folded.Status)
	assert.Equal(t, job.Revision, folded.Revision)
}

func TestInvalidTransitionRejectedBeforeCommit(t *testing.T) {
	ctx := context.Background()
	k := newKernel(t)

	_, err := k.SubmitJobEvent(ctx, "t1", "job-1", string(jobs.EventCreated), customer, nil)
	require.NoError(t, err)

	// CREATED cannot settle.
	_, err = k.SubmitJobEvent(ctx, "t1", "job-1", string(jobs.EventSettled), system,
		map[string]interface{}{"amountCents": int64(1), "currency": "USD"})
	require.ErrorIs(t, err, machine.ErrInvalidTransition)

	// The rejected event never reached the stream.
	job, err := k.GetJob(ctx, "t1", "job-1")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCreated, job.Status)
	assert.Equal(t, int64(1), job.Revision)
}

func TestSettlementRequiresContract(t *testing.T) {
	ctx := context.Background()
	k := newKernel(t)

	driveJobToCompleted(t, k, "t1", "job-1")
	_, err := k.SubmitJobEvent(ctx, "t1", "job-1", string(jobs.EventSettled), system,
		map[string]interface{}{"amountCents": int64(10000), "currency": "USD"})
	require.ErrorIs(t, err, ErrNoContract)

	// No ledger movement happened.
	assert.Zero(t, k.Ledger().Balance("t1", ledger.AccountCustomerEscrow))
}

func TestContractPrecedenceInSettlement(t *testing.T) {
	ctx := context.Background()
	k := newKernel(t)
	require.NoError(t, k.PublishContract(tenantDefault("t1", 1500, 0)))

	// A customer-scoped contract with a different fee outranks the default.
	customerDoc := tenantDefault("t1", 2000, 0)
	customerDoc.ContractID = "c-cust"
	customerDoc.ContractHash = "hash-cust"
	customerDoc.Scope = contract.Scope{CustomerID: "cust-1"}
	require.NoError(t, k.PublishContract(customerDoc))

	driveJobToCompleted(t, k, "t1", "job-1")
	_, err := k.SubmitJobEvent(ctx, "t1", "job-1", string(jobs.EventSettled), system,
		map[string]interface{}{"amountCents": int64(10000), "currency": "USD"})
	require.NoError(t, err)

	assert.Equal(t, int64(2000), k.Ledger().Balance("t1", ledger.AccountPlatformRevenue))
}

func TestPublishContractVersionsAreImmutable(t *testing.T) {
	k := newKernel(t)
	doc := tenantDefault("t1", 1500, 0)
	require.NoError(t, k.PublishContract(doc))

	doc.Policies.PlatformFeeBps = 9999
	err := k.PublishContract(doc)
	require.ErrorIs(t, err, ErrContractExists)

	// A new version of the same contract is fine.
	doc.ContractVersion = 2
	require.NoError(t, k.PublishContract(doc))
}

func TestRunEscrowLifecycle(t *testing.T) {
	ctx := context.Background()
	k := newKernel(t)

	require.NoError(t, k.CreditWallet(ctx, "t1", "payer-1", 10000))

	run, err := k.LockRun(ctx, "t1", "run-1", "agent-7", "payer-1", 6000)
	require.NoError(t, err)
	assert.Equal(t, settlement.RunLocked, run.Status)

	payer, err := k.Wallets().Balance("t1", "payer-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4000), payer.AvailableCents)

	run, err = k.ReleaseRun(ctx, "t1", "run-1", 6000)
	require.NoError(t, err)
	assert.Equal(t, settlement.RunReleased, run.Status)

	worker, err := k.Wallets().Balance("t1", "agent-7")
	require.NoError(t, err)
	assert.Equal(t, int64(6000), worker.AvailableCents)

	run, err = k.RefundRun(ctx, "t1", "run-1", "QUALITY_DISPUTE")
	require.NoError(t, err)
	assert.Equal(t, settlement.RunRefunded, run.Status)
	assert.Equal(t, int64(6000), run.RefundedAmountCents)
	assert.Zero(t, run.ReleasedAmountCents)

	// Refund is zero-sum across the two wallets.
	payer, err = k.Wallets().Balance("t1", "payer-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10000), payer.AvailableCents)
	worker, err = k.Wallets().Balance("t1", "agent-7")
	require.NoError(t, err)
	assert.Zero(t, worker.AvailableCents)

	// The refund produced a credit memo.
	page, _, err := k.ListArtifacts(ctx, "t1", 10, "")
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, artifact.TypeCreditMemo, page[0].ArtifactType)

	// Terminal: nothing moves after a refund.
	_, err = k.ReleaseRun(ctx, "t1", "run-1", 1)
	require.Error(t, err)
}

func TestLockRunRequiresFunds(t *testing.T) {
	ctx := context.Background()
	k := newKernel(t)

	_, err := k.LockRun(ctx, "t1", "run-1", "agent-7", "payer-broke", 100)
	require.ErrorIs(t, err, settlement.ErrInsufficientFunds)

	_, err = k.GetRun(ctx, "t1", "run-1")
	require.ErrorIs(t, err, ErrUnknownRun)
}

func TestSettlementUsesLatestContractVersion(t *testing.T) {
	ctx := context.Background()
	k := newKernel(t)

	// Two versions of the same equally-scoped contract: settlement must run
	// the full precedence tuple and pick v2.
	v1 := tenantDefault("t1", 1000, 0)
	require.NoError(t, k.PublishContract(v1))
	v2 := tenantDefault("t1", 2000, 0)
	v2.ContractVersion = 2
	v2.ContractHash = "hash-default-v2"
	require.NoError(t, k.PublishContract(v2))

	driveJobToCompleted(t, k, "t1", "job-1")
	_, err := k.SubmitJobEvent(ctx, "t1", "job-1", string(jobs.EventSettled), system,
		map[string]interface{}{"amountCents": int64(10000), "currency": "USD"})
	require.NoError(t, err)

	assert.Equal(t, int64(2000), k.Ledger().Balance("t1", ledger.AccountPlatformRevenue))
}

func TestConcurrentReleasesSingleWinner(t *testing.T) {
	ctx := context.Background()
	k := newKernel(t)

	require.NoError(t, k.CreditWallet(ctx, "t1", "payer-1", 1000))
	_, err := k.LockRun(ctx, "t1", "run-1", "agent-7", "payer-1", 1000)
	require.NoError(t, err)

	// Two full releases race; the over-release check must see the winner's
	// state, not a stale copy.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = k.ReleaseRun(ctx, "t1", "run-1", 1000)
		}(i)
	}
	wg.Wait()

	var won, lost int
	for _, err := range errs {
		if err == nil {
			won++
		} else {
			require.ErrorIs(t, err, settlement.ErrOverRelease)
			lost++
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, 1, lost)

	worker, err := k.Wallets().Balance("t1", "agent-7")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), worker.AvailableCents)

	run, err := k.GetRun(ctx, "t1", "run-1")
	require.NoError(t, err)
	require.NoError(t, run.CheckInvariant())
}

func TestFailedRefundLeavesStreamUntouched(t *testing.T) {
	ctx := context.Background()
	k := newKernel(t)

	require.NoError(t, k.CreditWallet(ctx, "t1", "payer-1", 6000))
	_, err := k.LockRun(ctx, "t1", "run-1", "agent-7", "payer-1", 6000)
	require.NoError(t, err)
	_, err = k.ReleaseRun(ctx, "t1", "run-1", 6000)
	require.NoError(t, err)

	// The agent spends its released funds on a lock of its own, so the
	// refund transfer cannot be covered.
	_, err = k.LockRun(ctx, "t1", "run-2", "agent-9", "agent-7", 6000)
	require.NoError(t, err)

	_, err = k.RefundRun(ctx, "t1", "run-1", "QUALITY_DISPUTE")
	require.ErrorIs(t, err, settlement.ErrInsufficientFunds)

	// All-or-nothing: the run is still released and no refund event exists.
	run, err := k.GetRun(ctx, "t1", "run-1")
	require.NoError(t, err)
	assert.Equal(t, settlement.RunReleased, run.Status)
	events, err := k.coord.Replay(ctx, runStreamID("t1", "run-1"))
	require.NoError(t, err)
	for _, ev := range events {
		assert.NotEqual(t, string(settlement.EventRunRefunded), ev.Type)
	}

	// Once the agent is funded again, the retry succeeds exactly once.
	require.NoError(t, k.CreditWallet(ctx, "t1", "agent-7", 6000))
	run, err = k.RefundRun(ctx, "t1", "run-1", "QUALITY_DISPUTE")
	require.NoError(t, err)
	assert.Equal(t, settlement.RunRefunded, run.Status)
	events, err = k.coord.Replay(ctx, runStreamID("t1", "run-1"))
	require.NoError(t, err)
	var refunds int
	for _, ev := range events {
		if ev.Type == string(settlement.EventRunRefunded) {
			refunds++
		}
	}
	assert.Equal(t, 1, refunds)
}

func TestLockRunRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	k := newKernel(t)

	require.NoError(t, k.CreditWallet(ctx, "t1", "payer-1", 10000))
	_, err := k.LockRun(ctx, "t1", "run-1", "agent-7", "payer-1", 2000)
	require.NoError(t, err)

	_, err = k.LockRun(ctx, "t1", "run-1", "agent-7", "payer-1", 2000)
	require.ErrorIs(t, err, ErrRunExists)

	// The duplicate never debited the payer a second time.
	payer, err := k.Wallets().Balance("t1", "payer-1")
	require.NoError(t, err)
	assert.Equal(t, int64(8000), payer.AvailableCents)
}

func TestRunStateFoldsAfterRestart(t *testing.T) {
	ctx := context.Background()
	streams := stream.NewMemoryStore()
	k1, err := New(Options{Streams: streams, Clock: func() time.Time { return testClock }})
	require.NoError(t, err)

	require.NoError(t, k1.CreditWallet(ctx, "t1", "payer-1", 10000))
	_, err = k1.LockRun(ctx, "t1", "run-1", "agent-7", "payer-1", 6000)
	require.NoError(t, err)
	_, err = k1.ReleaseRun(ctx, "t1", "run-1", 2000)
	require.NoError(t, err)

	// A fresh kernel over the same streams rebuilds the run from history.
	k2, err := New(Options{Streams: streams, Clock: func() time.Time { return testClock }})
	require.NoError(t, err)
	run, err := k2.GetRun(ctx, "t1", "run-1")
	require.NoError(t, err)
	assert.Equal(t, settlement.RunReleased, run.Status)
	assert.Equal(t, int64(6000), run.AmountCents)
	assert.Equal(t, int64(2000), run.ReleasedAmountCents)
	assert.Equal(t, "agent-7", run.AgentID)

	// And refuses to re-lock it even though its cache started empty.
	_, err = k2.LockRun(ctx, "t1", "run-1", "agent-7", "payer-1", 6000)
	require.ErrorIs(t, err, ErrRunExists)
}

func TestApplyTenantProfile(t *testing.T) {
	ctx := context.Background()
	k := newKernel(t)

	require.NoError(t, k.ApplyTenantProfile(&config.TenantProfile{
		Name: "Tenant One",
		Code: "t1",
		Defaults: config.DefaultsConfig{
			PlatformFeeBps: 1500,
		},
		Currencies: config.CurrenciesConfig{
			Allowed: []string{"USD"},
			Default: "USD",
		},
	}))

	// A disallowed currency fails before the settled event reaches the
	// stream.
	driveJobToCompletedIn(t, k, "t1", "job-eur", "EUR")
	_, err := k.SubmitJobEvent(ctx, "t1", "job-eur", string(jobs.EventSettled), system,
		map[string]interface{}{"amountCents": int64(10000), "currency": "EUR"})
	require.ErrorIs(t, err, ErrCurrencyNotAllowed)
	job, err := k.GetJob(ctx, "t1", "job-eur")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, job.Status)
	assert.Zero(t, k.Ledger().Balance("t1", ledger.AccountCustomerEscrow))

	// The profile seeded the tenant-default contract: settlement works with
	// no explicitly published contract and uses the profile's fee.
	driveJobToCompleted(t, k, "t1", "job-usd")
	_, err = k.SubmitJobEvent(ctx, "t1", "job-usd", string(jobs.EventSettled), system,
		map[string]interface{}{"amountCents": int64(10000), "currency": "USD"})
	require.NoError(t, err)
	assert.Equal(t, int64(1500), k.Ledger().Balance("t1", ledger.AccountPlatformRevenue))
}

func TestOptionsFromConfig(t *testing.T) {
	t.Setenv("COMMITS_PER_SECOND", "2.5")
	t.Setenv("COMMIT_BURST", "7")

	opts := OptionsFromConfig(config.Load())
	assert.Equal(t, 2.5, opts.CommitsPerSecond)
	assert.Equal(t, 7, opts.CommitBurst)
}

func TestSettlementArchivesStatement(t *testing.T) {
	ctx := context.Background()
	archive, err := artifact.NewFileArchive(t.TempDir())
	require.NoError(t, err)
	k, err := New(Options{Archive: archive, Clock: func() time.Time { return testClock }})
	require.NoError(t, err)
	require.NoError(t, k.PublishContract(tenantDefault("t1", 1500, 0)))

	driveJobToCompleted(t, k, "t1", "job-1")
	_, err = k.SubmitJobEvent(ctx, "t1", "job-1", string(jobs.EventSettled), system,
		map[string]interface{}{"amountCents": int64(10000), "currency": "USD"})
	require.NoError(t, err)

	// The archive holds the statement body under its content hash.
	page, _, err := k.ListArtifacts(ctx, "t1", 10, "")
	require.NoError(t, err)
	require.Len(t, page, 1)
	found, err := archive.Exists(ctx, canonical.HashBytes(page[0].Body))
	require.NoError(t, err)
	assert.True(t, found)
}
