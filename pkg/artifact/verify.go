package artifact

import (
	"encoding/json"
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/settld-labs/settld/pkg/ledger"
)

// Result is the structured outcome of a verification check. Tampering is a
// normal verification outcome: verify functions return a failed Result, they
// never panic or error for it.
type Result struct {
	OK       bool   `json:"ok"`
	Err      string `json:"error,omitempty"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
}

func ok() Result { return Result{OK: true} }

func fail(err string) Result { return Result{OK: false, Err: err} }

func failDiff(err, expected, actual string) Result {
	return Result{OK: false, Err: err, Expected: expected, Actual: actual}
}

// supportedVersions declares, per artifact type, the semver range this
// verifier can interpret. Part of the artifact compatibility contract.
var supportedVersions = map[string]string{
	TypeWorkCertificate:     ">= 1.0.0, < 2.0.0",
	TypeSettlementStatement: ">= 1.0.0, < 2.0.0",
	TypeCreditMemo:          ">= 1.0.0, < 2.0.0",
}

// VerifyVersion checks the artifact type is known and its schema version is
// within the supported compatibility range.
func VerifyVersion(artifactType, schemaVersion string) Result {
	rangeExpr, known := supportedVersions[artifactType]
	if !known {
		return failDiff("unsupported artifactType", "one of work_certificate|settlement_statement|credit_memo", artifactType)
	}
	constraint, err := semver.NewConstraint(rangeExpr)
	if err != nil {
		return fail(fmt.Sprintf("internal: bad version range: %v", err))
	}
	v, err := semver.NewVersion(schemaVersion)
	if err != nil {
		return failDiff("invalid schemaVersion", rangeExpr, schemaVersion)
	}
	if !constraint.Check(v) {
		return failDiff("unsupported schemaVersion", rangeExpr, schemaVersion)
	}
	return ok()
}

// VerifyHash recomputes the artifact hash and compares it to the embedded
// one. Works on any artifact shape: pass the struct or raw decoded JSON.
func VerifyHash(artifact interface{}) Result {
	raw, err := json.Marshal(artifact)
	if err != nil {
		return fail(fmt.Sprintf("artifact not serializable: %v", err))
	}
	var generic map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return fail(fmt.Sprintf("artifact not an object: %v", err))
	}
	embedded, _ := generic["artifactHash"].(string)
	if embedded == "" {
		return fail("artifactHash missing")
	}
	computed, err := HashArtifact(generic)
	if err != nil {
		return fail(fmt.Sprintf("artifact not canonicalizable: %v", err))
	}
	if computed != embedded {
		return failDiff("artifactHash mismatch", embedded, computed)
	}
	return ok()
}

// VerifySettlementBalances re-derives the settlement identity from the
// statement's embedded totals: escrow − platform − owner − refunded = 0.
func VerifySettlementBalances(st SettlementStatement) Result {
	remainder := ledger.NewMoney(st.EscrowCents, st.Currency)
	for _, part := range []int64{st.PlatformRevenueCents, st.OwnerPayableCents, st.RefundedCents} {
		var err error
		remainder, err = remainder.Sub(ledger.NewMoney(part, st.Currency))
		if err != nil {
			return fail(fmt.Sprintf("settlement totals do not share a currency: %v", err))
		}
	}
	diff := remainder.AmountMinor
	if diff != 0 {
		return failDiff("settlement balances do not reconcile",
			"0",
			fmt.Sprintf("%d", diff))
	}
	// Allocations, when embedded, must also reproduce posting sums exactly.
	sums := make(map[string]int64)
	for _, a := range st.Allocations {
		sums[a.PostingID] += a.AmountCents
	}
	var total int64
	for _, s := range sums {
		total += s
	}
	if len(st.Allocations) > 0 && total != 0 {
		return failDiff("allocation rows do not balance", "0", fmt.Sprintf("%d", total))
	}
	return ok()
}

// VerifyStatement runs every offline check on a settlement statement.
func VerifyStatement(st SettlementStatement) Result {
	if res := VerifyVersion(st.ArtifactType, st.SchemaVersion); !res.OK {
		return res
	}
	if res := VerifyHash(st); !res.OK {
		return res
	}
	return VerifySettlementBalances(st)
}
