// Package kernel wires the settlement pieces into one facade: signed
// hash-chained event streams, job and run state machines, the double-entry
// ledger, contract resolution, and artifact generation.
//
// The kernel owns the ordering rule: money only moves when the event that
// justifies it has been committed to its stream.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/settld-labs/settld/pkg/artifact"
	"github.com/settld-labs/settld/pkg/config"
	"github.com/settld-labs/settld/pkg/contract"
	"github.com/settld-labs/settld/pkg/eventchain"
	"github.com/settld-labs/settld/pkg/jobs"
	"github.com/settld-labs/settld/pkg/keys"
	"github.com/settld-labs/settld/pkg/ledger"
	"github.com/settld-labs/settld/pkg/observability"
	"github.com/settld-labs/settld/pkg/settlement"
	"github.com/settld-labs/settld/pkg/stream"
)

var (
	// ErrNoContract is returned when settlement finds no active contract
	// for the job's context.
	ErrNoContract = errors.New("kernel: no active contract")
	// ErrUnknownRun is returned for operations on a run that was never locked.
	ErrUnknownRun = errors.New("kernel: unknown run")
	// ErrContractExists is returned when publishing a contract version that
	// already exists. Published versions are immutable.
	ErrContractExists = errors.New("kernel: contract version already published")
	// ErrRunExists is returned when locking a run id that already has a
	// settlement stream.
	ErrRunExists = errors.New("kernel: run already locked")
	// ErrCurrencyNotAllowed is returned when a job settles in a currency the
	// tenant's profile does not permit.
	ErrCurrencyNotAllowed = errors.New("kernel: currency not allowed for tenant")
)

// Options configures a Kernel. Zero-value fields get in-memory defaults.
type Options struct {
	Streams          stream.Store
	Artifacts        artifact.Store
	Archive          artifact.Archive
	Signer           *keys.Signer
	Registry         *keys.Registry
	Observability    *observability.Provider
	CommitsPerSecond float64
	CommitBurst      int
	Clock            func() time.Time
}

// OptionsFromConfig maps environment configuration onto kernel options.
// Store backends are the caller's to open; rate limits carry over directly.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		CommitsPerSecond: cfg.CommitsPerSecond,
		CommitBurst:      cfg.CommitBurst,
	}
}

// Kernel is the settlement facade. Safe for concurrent use.
type Kernel struct {
	coord     *stream.Coordinator
	signer    *keys.Signer
	registry  *keys.Registry
	books     *ledger.Ledger
	wallets   *settlement.Wallets
	artifacts artifact.Store
	archive   artifact.Archive
	clock     func() time.Time
	logger    *slog.Logger

	// mu guards contracts, profiles, and the run cache. Run money movement
	// holds it across read-check-commit-apply so two concurrent releases
	// cannot both pass the over-release check.
	mu        sync.Mutex
	contracts map[string][]contract.Document
	profiles  map[string]*config.TenantProfile
	runs      map[string]settlement.RunSettlement
}

// New builds a kernel. A missing signer gets a fresh keypair, registered in
// the (possibly also fresh) registry.
func New(opts Options) (*Kernel, error) {
	if opts.Streams == nil {
		opts.Streams = stream.NewMemoryStore()
	}
	if opts.Artifacts == nil {
		opts.Artifacts = artifact.NewMemoryStore()
	}
	if opts.Registry == nil {
		opts.Registry = keys.NewRegistry()
	}
	if opts.Signer == nil {
		signer, err := keys.NewSigner()
		if err != nil {
			return nil, fmt.Errorf("kernel: generate signer: %w", err)
		}
		opts.Signer = signer
	}
	opts.Registry.Register(opts.Signer.PublicKey())
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	coord := stream.NewCoordinator(opts.Streams, stream.CoordinatorConfig{
		CommitsPerSecond: opts.CommitsPerSecond,
		Burst:            opts.CommitBurst,
	}, opts.Observability)

	return &Kernel{
		coord:     coord,
		signer:    opts.Signer,
		registry:  opts.Registry,
		books:     ledger.New(),
		wallets:   settlement.NewWallets(),
		artifacts: opts.Artifacts,
		archive:   opts.Archive,
		clock:     opts.Clock,
		logger:    slog.Default().With("component", "kernel"),
		contracts: make(map[string][]contract.Document),
		profiles:  make(map[string]*config.TenantProfile),
		runs:      make(map[string]settlement.RunSettlement),
	}, nil
}

// Registry exposes the key registry for external verification.
func (k *Kernel) Registry() *keys.Registry {
	return k.registry
}

// Ledger exposes the books for balance queries.
func (k *Kernel) Ledger() *ledger.Ledger {
	return k.books
}

// Wallets exposes agent wallet balances.
func (k *Kernel) Wallets() *settlement.Wallets {
	return k.wallets
}

// PublishContract registers an immutable contract version. Republishing an
// existing (contractId, contractVersion) pair is rejected.
func (k *Kernel) PublishContract(doc contract.Document) error {
	if doc.TenantID == "" || doc.ContractID == "" {
		return fmt.Errorf("kernel: contract requires tenantId and contractId")
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, existing := range k.contracts[doc.TenantID] {
		if existing.ContractID == doc.ContractID && existing.ContractVersion == doc.ContractVersion {
			return fmt.Errorf("%w: %s v%d", ErrContractExists, doc.ContractID, doc.ContractVersion)
		}
	}
	k.contracts[doc.TenantID] = append(k.contracts[doc.TenantID], doc)
	return nil
}

// ResolveContract selects the single active contract for a context.
func (k *Kernel) ResolveContract(ctx contract.Context) (contract.Document, bool) {
	k.mu.Lock()
	docs := make([]contract.Document, len(k.contracts[ctx.TenantID]))
	copy(docs, k.contracts[ctx.TenantID])
	k.mu.Unlock()
	return contract.SelectActiveContractV2(docs, ctx)
}

// ApplyTenantProfile installs a tenant settlement profile: it seeds the
// tenant-default contract from the profile's terms, activates the currency
// allowlist, and applies the tenant's commit budget. Re-applying the same
// profile is a no-op for the seeded contract.
func (k *Kernel) ApplyTenantProfile(p *config.TenantProfile) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("kernel: profile %s: %w", p.Code, err)
	}
	doc := contract.Document{
		ContractID:      "profile-default",
		ContractVersion: 1,
		ContractHash:    "profile-" + p.Code,
		TenantID:        p.Code,
		Status:          contract.StatusActive,
		Policies: contract.Policies{
			PlatformFeeBps:     int64(p.Defaults.PlatformFeeBps),
			CoverageBps:        int64(p.Defaults.CoverageBps),
			DisputeWindowHours: p.Defaults.DisputeWindowHours,
		},
	}
	if err := k.PublishContract(doc); err != nil && !errors.Is(err, ErrContractExists) {
		return err
	}
	if p.Limits.CommitsPerSecond > 0 {
		k.coord.SetTenantLimit(p.Code, p.Limits.CommitsPerSecond, p.Limits.CommitBurst)
	}
	k.mu.Lock()
	k.profiles[p.Code] = p
	k.mu.Unlock()
	return nil
}

func (k *Kernel) profile(tenantID string) *config.TenantProfile {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.profiles[tenantID]
}

func jobStreamID(tenantID, jobID string) stream.ID {
	return stream.ID{TenantID: tenantID, AggregateType: "job", AggregateID: jobID}
}

func runStreamID(tenantID, runID string) stream.ID {
	return stream.ID{TenantID: tenantID, AggregateType: "run", AggregateID: runID}
}

// SubmitJobEvent appends one job event: fold current state, check the
// transition, finalize against the current head, commit, then run any money
// side effects. A conflict means another writer advanced the stream first;
// callers retry with fresh state.
func (k *Kernel) SubmitJobEvent(ctx context.Context, tenantID, jobID, eventType string, actor eventchain.Actor, payload map[string]interface{}) (jobs.Job, error) {
	id := jobStreamID(tenantID, jobID)
	events, err := k.coord.Replay(ctx, id)
	if err != nil {
		return jobs.Job{}, err
	}

	at := k.clock().UTC().Format(time.RFC3339)
	draft := eventchain.NewDraft(jobID, eventType, actor, payload, at)
	ev, err := eventchain.Finalize(draft, eventchain.Head(events), k.signer, k.registry)
	if err != nil {
		return jobs.Job{}, err
	}

	// Check the transition before committing anything.
	var job jobs.Job
	if len(events) == 0 {
		job, err = jobs.New(tenantID, ev)
	} else {
		job, err = jobs.Fold(tenantID, events)
		if err == nil {
			err = jobs.Apply(&job, ev)
		}
	}
	if err != nil {
		return jobs.Job{}, err
	}

	// Settlement preconditions are checked before the event is durable, so
	// a stream never says settled while the money could not move.
	var doc contract.Document
	if eventType == string(jobs.EventSettled) {
		doc, err = k.settlementContract(job)
		if err != nil {
			return jobs.Job{}, err
		}
	}

	if _, err := k.coord.Commit(ctx, id, ev.PrevChainHash, ev); err != nil {
		return jobs.Job{}, err
	}

	if eventType == string(jobs.EventSettled) {
		if err := k.settleJob(ctx, job, doc, ev, append(events, ev)); err != nil {
			return jobs.Job{}, err
		}
	}
	return job, nil
}

// settlementContract resolves the contract a job will settle under and
// checks the tenant's currency allowlist.
func (k *Kernel) settlementContract(job jobs.Job) (contract.Document, error) {
	if p := k.profile(job.TenantID); p != nil && !p.AllowsCurrency(job.Currency) {
		return contract.Document{}, fmt.Errorf("%w: %s for tenant %s",
			ErrCurrencyNotAllowed, job.Currency, job.TenantID)
	}
	doc, found := k.ResolveContract(contract.Context{
		TenantID:   job.TenantID,
		CustomerID: job.CustomerID,
		SiteID:     job.SiteID,
		TemplateID: job.TemplateID,
		At:         k.clock().UTC(),
	})
	if !found {
		return contract.Document{}, fmt.Errorf("%w: tenant %s job %s", ErrNoContract, job.TenantID, job.ID)
	}
	return doc, nil
}

// GetJob folds the job aggregate from its stream.
func (k *Kernel) GetJob(ctx context.Context, tenantID, jobID string) (jobs.Job, error) {
	events, err := k.coord.Replay(ctx, jobStreamID(tenantID, jobID))
	if err != nil {
		return jobs.Job{}, err
	}
	return jobs.Fold(tenantID, events)
}

// VerifyJobStream replays and verifies a job's full chain.
func (k *Kernel) VerifyJobStream(ctx context.Context, tenantID, jobID string) (eventchain.VerifyResult, error) {
	return k.coord.Verify(ctx, jobStreamID(tenantID, jobID), k.registry)
}

// settleJob posts the settlement entry and emits the settlement statement.
// The artifact write is keyed by the settling event, so a retried settlement
// is idempotent rather than double-posted.
func (k *Kernel) settleJob(ctx context.Context, job jobs.Job, doc contract.Document, ev eventchain.Event, history []eventchain.Event) error {
	now := k.clock().UTC()
	amount := job.QuoteAmountCents
	fee := amount * doc.Policies.PlatformFeeBps / 10000
	owner := amount - fee

	entry := ledger.JournalEntry{
		ID:       uuid.NewString(),
		TenantID: job.TenantID,
		Memo:     fmt.Sprintf("settlement of job %s under %s v%d", job.ID, doc.ContractID, doc.ContractVersion),
		At:       now,
		Postings: []ledger.Posting{
			{ID: uuid.NewString(), AccountID: ledger.AccountCustomerEscrow, AmountCents: -amount},
			{ID: uuid.NewString(), AccountID: ledger.AccountPlatformRevenue, AmountCents: fee},
			{ID: uuid.NewString(), AccountID: ledger.AccountOwnerPayable, AmountCents: owner},
		},
	}
	if err := k.books.Apply(entry); err != nil {
		return err
	}

	allocs, err := ledger.AllocateEntry(job.TenantID, entry, job, doc, job.Currency)
	if err != nil {
		return err
	}

	statement, err := artifact.BuildSettlementStatement(job, doc.ContractID, allocs,
		amount, fee, owner, 0, history, now)
	if err != nil {
		return err
	}
	body, err := artifact.CanonicalBody(statement)
	if err != nil {
		return err
	}
	_, err = k.artifacts.Put(ctx, artifact.Record{
		TenantID:      job.TenantID,
		ArtifactID:    statement.ArtifactID,
		ArtifactType:  artifact.TypeSettlementStatement,
		JobID:         job.ID,
		SourceEventID: ev.ID,
		CreatedAt:     now,
		Body:          body,
	})
	if err != nil {
		return err
	}
	if err := k.archiveBody(ctx, body); err != nil {
		return err
	}

	k.logger.InfoContext(ctx, "job settled",
		"tenant", job.TenantID, "job", job.ID,
		"contract", doc.ContractID, "amount_cents", amount, "fee_cents", fee)
	return nil
}

func runKey(tenantID, runID string) string {
	return tenantID + "/" + runID
}

// loadRunLocked returns the current run settlement, folding it from the run
// stream when the cache has no entry. Callers hold k.mu.
func (k *Kernel) loadRunLocked(ctx context.Context, tenantID, runID string) (settlement.RunSettlement, error) {
	if run, found := k.runs[runKey(tenantID, runID)]; found {
		return run, nil
	}
	events, err := k.coord.Replay(ctx, runStreamID(tenantID, runID))
	if err != nil {
		return settlement.RunSettlement{}, err
	}
	if len(events) == 0 {
		return settlement.RunSettlement{}, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	run, err := settlement.Fold(tenantID, events)
	if err != nil {
		return settlement.RunSettlement{}, err
	}
	k.runs[runKey(tenantID, runID)] = run
	return run, nil
}

// LockRun escrows an agent-to-agent payment: the payer wallet is debited and
// the amount held against the run. A run id locks exactly once.
func (k *Kernel) LockRun(ctx context.Context, tenantID, runID, agentID, payerAgentID string, amountCents int64) (settlement.RunSettlement, error) {
	if agentID == payerAgentID {
		return settlement.RunSettlement{}, fmt.Errorf("kernel: run %s pays agent %s from itself", runID, agentID)
	}
	run, err := settlement.Lock(tenantID, runID, agentID, payerAgentID, amountCents)
	if err != nil {
		return settlement.RunSettlement{}, err
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if _, exists := k.runs[runKey(tenantID, runID)]; exists {
		return settlement.RunSettlement{}, fmt.Errorf("%w: %s", ErrRunExists, runID)
	}
	head, err := k.coord.Head(ctx, runStreamID(tenantID, runID))
	if err != nil {
		return settlement.RunSettlement{}, err
	}
	if head.Length > 0 {
		return settlement.RunSettlement{}, fmt.Errorf("%w: %s", ErrRunExists, runID)
	}

	if err := k.wallets.Debit(tenantID, payerAgentID, amountCents); err != nil {
		return settlement.RunSettlement{}, err
	}
	if err := k.appendRunEvent(ctx, tenantID, runID, string(settlement.EventRunLocked), map[string]interface{}{
		"runId":        runID,
		"agentId":      agentID,
		"payerAgentId": payerAgentID,
		"amountCents":  amountCents,
	}); err != nil {
		// Undo the wallet hold; the event never committed.
		_ = k.wallets.Credit(tenantID, payerAgentID, amountCents)
		return settlement.RunSettlement{}, err
	}

	k.runs[runKey(tenantID, runID)] = run
	return run, nil
}

// ReleaseRun pays part of the locked amount out to the performing agent. The
// over-release check, the event commit, and the wallet credit happen under
// one lock, so concurrent releases serialize against the same run state.
func (k *Kernel) ReleaseRun(ctx context.Context, tenantID, runID string, amountCents int64) (settlement.RunSettlement, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	run, err := k.loadRunLocked(ctx, tenantID, runID)
	if err != nil {
		return settlement.RunSettlement{}, err
	}
	if err := run.Release(amountCents); err != nil {
		return settlement.RunSettlement{}, err
	}
	if err := k.appendRunEvent(ctx, tenantID, runID, string(settlement.EventRunReleased), map[string]interface{}{
		"runId":       runID,
		"amountCents": amountCents,
	}); err != nil {
		return settlement.RunSettlement{}, err
	}
	// Release validated the amount positive; the credit cannot fail.
	if err := k.wallets.Credit(tenantID, run.AgentID, amountCents); err != nil {
		return settlement.RunSettlement{}, err
	}

	k.runs[runKey(tenantID, runID)] = run
	return run, nil
}

// RefundRun moves everything released back to the payer, commits the refund
// event, and emits a credit memo keyed by that event. The transfer is
// validated before the event commits: a refund the agent cannot cover fails
// whole, leaving both the stream and the run state untouched.
func (k *Kernel) RefundRun(ctx context.Context, tenantID, runID, reasonCode string) (settlement.RunSettlement, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	run, err := k.loadRunLocked(ctx, tenantID, runID)
	if err != nil {
		return settlement.RunSettlement{}, err
	}
	refunding := run.ReleasedAmountCents
	if err := run.Refund(); err != nil {
		return settlement.RunSettlement{}, err
	}
	if refunding > 0 {
		bal, err := k.wallets.Balance(tenantID, run.AgentID)
		if err != nil || bal.AvailableCents < refunding {
			return settlement.RunSettlement{}, fmt.Errorf("%w: agent %s cannot return %d cents",
				settlement.ErrInsufficientFunds, run.AgentID, refunding)
		}
	}

	if err := k.appendRunEvent(ctx, tenantID, runID, string(settlement.EventRunRefunded), map[string]interface{}{
		"runId":       runID,
		"amountCents": refunding,
	}); err != nil {
		return settlement.RunSettlement{}, err
	}
	// The performing agent gives the money back to the payer. Feasibility
	// was checked above and k.mu bars interleaved debits.
	if refunding > 0 {
		if err := k.wallets.Transfer(tenantID, run.AgentID, run.PayerAgentID, refunding); err != nil {
			return settlement.RunSettlement{}, err
		}
	}

	k.runs[runKey(tenantID, runID)] = run

	history, err := k.coord.Replay(ctx, runStreamID(tenantID, runID))
	if err != nil {
		return settlement.RunSettlement{}, err
	}
	memo, err := artifact.BuildCreditMemo(tenantID, "", run, reasonCode, history, k.clock().UTC())
	if err != nil {
		return settlement.RunSettlement{}, err
	}
	body, err := artifact.CanonicalBody(memo)
	if err != nil {
		return settlement.RunSettlement{}, err
	}
	last := history[len(history)-1]
	_, err = k.artifacts.Put(ctx, artifact.Record{
		TenantID:      tenantID,
		ArtifactID:    memo.ArtifactID,
		ArtifactType:  artifact.TypeCreditMemo,
		JobID:         runID,
		SourceEventID: last.ID,
		CreatedAt:     k.clock().UTC(),
		Body:          body,
	})
	if err != nil {
		return settlement.RunSettlement{}, err
	}
	if err := k.archiveBody(ctx, body); err != nil {
		return settlement.RunSettlement{}, err
	}
	return run, nil
}

// GetRun returns the current run settlement state, folded from the run
// stream when not cached.
func (k *Kernel) GetRun(ctx context.Context, tenantID, runID string) (settlement.RunSettlement, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.loadRunLocked(ctx, tenantID, runID)
}

// archiveBody cold-stores canonical artifact bytes when an archive is
// configured.
func (k *Kernel) archiveBody(ctx context.Context, body []byte) error {
	if k.archive == nil {
		return nil
	}
	if _, err := k.archive.Put(ctx, body); err != nil {
		return fmt.Errorf("kernel: archive artifact: %w", err)
	}
	return nil
}

// CreditWallet funds an agent wallet, recording the deposit on its own
// stream so wallet history is replayable like everything else.
func (k *Kernel) CreditWallet(ctx context.Context, tenantID, agentID string, amountCents int64) error {
	if err := k.appendWalletEvent(ctx, tenantID, agentID, "WALLET_CREDITED", amountCents); err != nil {
		return err
	}
	return k.wallets.Credit(tenantID, agentID, amountCents)
}

func (k *Kernel) appendRunEvent(ctx context.Context, tenantID, runID, eventType string, payload map[string]interface{}) error {
	return k.appendEvent(ctx, runStreamID(tenantID, runID), runID, eventType, payload)
}

func (k *Kernel) appendWalletEvent(ctx context.Context, tenantID, agentID, eventType string, amountCents int64) error {
	return k.appendEvent(ctx, stream.ID{TenantID: tenantID, AggregateType: "wallet", AggregateID: agentID},
		agentID, eventType, map[string]interface{}{
			"agentId":     agentID,
			"amountCents": amountCents,
		})
}

func (k *Kernel) appendEvent(ctx context.Context, id stream.ID, streamName, eventType string, payload map[string]interface{}) error {
	head, err := k.coord.Head(ctx, id)
	if err != nil {
		return err
	}
	at := k.clock().UTC().Format(time.RFC3339)
	draft := eventchain.NewDraft(streamName, eventType, eventchain.Actor{Type: "system", ID: "kernel"}, payload, at)
	ev, err := eventchain.Finalize(draft, head.ChainHash, k.signer, k.registry)
	if err != nil {
		return err
	}
	_, err = k.coord.Commit(ctx, id, head.ChainHash, ev)
	return err
}

// ListArtifacts pages a tenant's artifacts, newest first.
func (k *Kernel) ListArtifacts(ctx context.Context, tenantID string, limit int, cursor string) ([]artifact.Record, string, error) {
	return k.artifacts.List(ctx, tenantID, limit, cursor)
}
