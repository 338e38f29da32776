// Package artifact builds and verifies hashed financial artifacts (work
// certificates, settlement statements, credit memos) from kernel state.
//
// Artifacts are self-contained: artifactHash covers every field except
// itself, and eventProof pins the chain head the artifact was derived from,
// so a third party can re-verify an artifact fully offline.
package artifact

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/settld-labs/settld/pkg/canonical"
	"github.com/settld-labs/settld/pkg/eventchain"
	"github.com/settld-labs/settld/pkg/jobs"
	"github.com/settld-labs/settld/pkg/ledger"
	"github.com/settld-labs/settld/pkg/settlement"
)

// Artifact types.
const (
	TypeWorkCertificate     = "work_certificate"
	TypeSettlementStatement = "settlement_statement"
	TypeCreditMemo          = "credit_memo"
)

// SchemaVersion is stamped on newly built artifacts.
const SchemaVersion = "1.2.0"

// SignatureRef summarizes one event signature inside an event proof.
type SignatureRef struct {
	EventID     string `json:"eventId"`
	SignerKeyID string `json:"signerKeyId"`
	Signature   string `json:"signature"`
}

// EventProof pins the artifact to the stream state it was derived from.
type EventProof struct {
	LastChainHash string         `json:"lastChainHash"`
	EventCount    int            `json:"eventCount"`
	Signatures    []SignatureRef `json:"signatures,omitempty"`
}

// WorkCertificate certifies completed work for one job.
type WorkCertificate struct {
	SchemaVersion    string     `json:"schemaVersion"`
	ArtifactType     string     `json:"artifactType"`
	ArtifactID       string     `json:"artifactId"`
	ArtifactHash     string     `json:"artifactHash,omitempty"`
	GeneratedAt      string     `json:"generatedAt"`
	TenantID         string     `json:"tenantId"`
	JobID            string     `json:"jobId"`
	TemplateID       string     `json:"templateId,omitempty"`
	AgentID          string     `json:"agentId,omitempty"`
	JobStatus        string     `json:"jobStatus"`
	JobRevision      int64      `json:"jobRevision"`
	QuoteAmountCents int64      `json:"quoteAmountCents"`
	Currency         string     `json:"currency,omitempty"`
	EventProof       EventProof `json:"eventProof"`
}

// SettlementStatement records the money identity of one settled job.
// Balance identity: escrow = platform revenue + owner payable + refunded.
type SettlementStatement struct {
	SchemaVersion        string     `json:"schemaVersion"`
	ArtifactType         string     `json:"artifactType"`
	ArtifactID           string     `json:"artifactId"`
	ArtifactHash         string     `json:"artifactHash,omitempty"`
	GeneratedAt          string     `json:"generatedAt"`
	TenantID             string     `json:"tenantId"`
	JobID                string     `json:"jobId"`
	ContractID           string     `json:"contractId,omitempty"`
	Currency             string     `json:"currency"`
	EscrowCents          int64      `json:"escrowCents"`
	PlatformRevenueCents int64      `json:"platformRevenueCents"`
	OwnerPayableCents    int64      `json:"ownerPayableCents"`
	RefundedCents        int64      `json:"refundedCents"`
	Allocations          []ledger.Allocation `json:"allocations,omitempty"`
	EventProof           EventProof `json:"eventProof"`
}

// CreditMemo records a refund from a released agent-run settlement.
type CreditMemo struct {
	SchemaVersion string     `json:"schemaVersion"`
	ArtifactType  string     `json:"artifactType"`
	ArtifactID    string     `json:"artifactId"`
	ArtifactHash  string     `json:"artifactHash,omitempty"`
	GeneratedAt   string     `json:"generatedAt"`
	TenantID      string     `json:"tenantId"`
	JobID         string     `json:"jobId,omitempty"`
	RunID         string     `json:"runId"`
	PayerAgentID  string     `json:"payerAgentId"`
	AmountCents   int64      `json:"amountCents"`
	ReasonCode    string     `json:"reasonCode,omitempty"`
	EventProof    EventProof `json:"eventProof"`
}

// Proof derives the event proof for a finalized stream.
func Proof(events []eventchain.Event) EventProof {
	proof := EventProof{
		LastChainHash: eventchain.Head(events),
		EventCount:    len(events),
	}
	for _, ev := range events {
		if ev.Signature != "" {
			proof.Signatures = append(proof.Signatures, SignatureRef{
				EventID:     ev.ID,
				SignerKeyID: ev.SignerKeyID,
				Signature:   ev.Signature,
			})
		}
	}
	return proof
}

// HashArtifact computes the canonical hash of an artifact over every field
// except artifactHash itself.
func HashArtifact(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("artifact: marshal failed: %w", err)
	}
	var generic map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("artifact: decode failed: %w", err)
	}
	delete(generic, "artifactHash")
	return canonical.Hash(generic)
}

// CanonicalBody renders a hashed artifact as canonical JSON bytes, the form
// stored and archived.
func CanonicalBody(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("artifact: marshal failed: %w", err)
	}
	var generic map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("artifact: decode failed: %w", err)
	}
	return canonical.Encode(generic)
}

// BuildWorkCertificate assembles and hashes a work certificate from a folded
// job and its event stream.
func BuildWorkCertificate(job jobs.Job, events []eventchain.Event, now time.Time) (WorkCertificate, error) {
	cert := WorkCertificate{
		SchemaVersion:    SchemaVersion,
		ArtifactType:     TypeWorkCertificate,
		ArtifactID:       uuid.NewString(),
		GeneratedAt:      now.UTC().Format(time.RFC3339),
		TenantID:         job.TenantID,
		JobID:            job.ID,
		TemplateID:       job.TemplateID,
		AgentID:          job.AgentID,
		JobStatus:        string(job.Status),
		JobRevision:      job.Revision,
		QuoteAmountCents: job.QuoteAmountCents,
		Currency:         job.Currency,
		EventProof:       Proof(events),
	}
	hash, err := HashArtifact(cert)
	if err != nil {
		return WorkCertificate{}, err
	}
	cert.ArtifactHash = hash
	return cert, nil
}

// BuildSettlementStatement assembles and hashes a settlement statement.
// Totals must already satisfy the balance identity; the builder refuses to
// produce a statement that would fail its own verification.
func BuildSettlementStatement(job jobs.Job, contractID string, allocations []ledger.Allocation, escrow, platform, owner, refunded int64, events []eventchain.Event, now time.Time) (SettlementStatement, error) {
	distributed := ledger.NewMoney(platform, job.Currency)
	for _, part := range []int64{owner, refunded} {
		var err error
		distributed, err = distributed.Add(ledger.NewMoney(part, job.Currency))
		if err != nil {
			return SettlementStatement{}, fmt.Errorf("artifact: settlement totals: %w", err)
		}
	}
	if distributed.AmountMinor != escrow {
		return SettlementStatement{}, fmt.Errorf("artifact: settlement identity broken: %d != %d + %d + %d",
			escrow, platform, owner, refunded)
	}
	st := SettlementStatement{
		SchemaVersion:        SchemaVersion,
		ArtifactType:         TypeSettlementStatement,
		ArtifactID:           uuid.NewString(),
		GeneratedAt:          now.UTC().Format(time.RFC3339),
		TenantID:             job.TenantID,
		JobID:                job.ID,
		ContractID:           contractID,
		Currency:             job.Currency,
		EscrowCents:          escrow,
		PlatformRevenueCents: platform,
		OwnerPayableCents:    owner,
		RefundedCents:        refunded,
		Allocations:          allocations,
		EventProof:           Proof(events),
	}
	hash, err := HashArtifact(st)
	if err != nil {
		return SettlementStatement{}, err
	}
	st.ArtifactHash = hash
	return st, nil
}

// BuildCreditMemo assembles and hashes a credit memo from a refunded run
// settlement.
func BuildCreditMemo(tenantID, jobID string, run settlement.RunSettlement, reasonCode string, events []eventchain.Event, now time.Time) (CreditMemo, error) {
	if run.Status != settlement.RunRefunded {
		return CreditMemo{}, fmt.Errorf("artifact: credit memo requires a refunded settlement, run %s is %s", run.RunID, run.Status)
	}
	memo := CreditMemo{
		SchemaVersion: SchemaVersion,
		ArtifactType:  TypeCreditMemo,
		ArtifactID:    uuid.NewString(),
		GeneratedAt:   now.UTC().Format(time.RFC3339),
		TenantID:      tenantID,
		JobID:         jobID,
		RunID:         run.RunID,
		PayerAgentID:  run.PayerAgentID,
		AmountCents:   run.RefundedAmountCents,
		ReasonCode:    reasonCode,
		EventProof:    Proof(events),
	}
	hash, err := HashArtifact(memo)
	if err != nil {
		return CreditMemo{}, err
	}
	memo.ArtifactHash = hash
	return memo, nil
}
