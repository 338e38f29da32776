package eventchain

import (
	"crypto/ed25519"
	"fmt"

	"github.com/settld-labs/settld/pkg/canonical"
	"github.com/settld-labs/settld/pkg/keys"
)

// KeyResolver resolves historical public keys by key id. Resolution is by id
// only; revocation status is irrelevant to verification of recorded events.
type KeyResolver interface {
	Lookup(keyID string) (ed25519.PublicKey, bool)
}

// VerifyResult reports the outcome of a chain verification walk.
// Tampering is a normal verification outcome, not a fault: VerifyChain never
// returns an error for a bad chain, only a result describing the first
// mismatch.
type VerifyResult struct {
	OK      bool   `json:"ok"`
	Err     string `json:"error,omitempty"`
	AtIndex int    `json:"atIndex,omitempty"`
}

func failAt(i int, msg string) VerifyResult {
	return VerifyResult{OK: false, Err: msg, AtIndex: i}
}

// VerifyChain walks a finalized event sequence, recomputing every
// payloadHash and chainHash and checking signatures against historical key
// material. It reports the first specific mismatch.
func VerifyChain(events []Event, resolver KeyResolver) VerifyResult {
	prev := Genesis
	for i, ev := range events {
		if ev.PrevChainHash != prev {
			return failAt(i, "chainHash mismatch")
		}

		payloadHash, err := canonical.Hash(map[string]interface{}{
			"type":     ev.Type,
			"actor":    ev.Actor,
			"payload":  ev.Payload,
			"at":       ev.At,
			"streamId": ev.StreamID,
		})
		if err != nil {
			return failAt(i, fmt.Sprintf("payload not canonicalizable: %v", err))
		}
		if payloadHash != ev.PayloadHash {
			return failAt(i, "payloadHash mismatch")
		}

		chainHash, err := canonical.Hash(map[string]interface{}{
			"payloadHash":   ev.PayloadHash,
			"prevChainHash": ev.PrevChainHash,
		})
		if err != nil {
			return failAt(i, fmt.Sprintf("chain link not canonicalizable: %v", err))
		}
		if chainHash != ev.ChainHash {
			return failAt(i, "chainHash mismatch")
		}

		if ev.Signature != "" {
			if resolver == nil {
				return failAt(i, "unknown signer key")
			}
			pub, ok := resolver.Lookup(ev.SignerKeyID)
			if !ok {
				return failAt(i, "unknown signer key")
			}
			valid, err := keys.Verify(pub, ev.ChainHash, ev.Signature)
			if err != nil || !valid {
				return failAt(i, "signature invalid")
			}
		}

		prev = ev.ChainHash
	}
	return VerifyResult{OK: true}
}
