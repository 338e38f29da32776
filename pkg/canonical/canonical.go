// Package canonical provides deterministic JSON encoding and hashing for
// settld events and artifacts.
//
// The byte form is RFC 8785 (JSON Canonicalization Scheme): object keys
// sorted by UTF-8 bytes, minimal escaping, shortest-form numbers. On top of
// JCS two settld-specific rules apply before serialization:
//
//  1. Object members whose value is Undefined are dropped, recursively.
//  2. Undefined inside an array is a hard error. Array positions carry
//     meaning, so dropping an element would silently change what the bytes
//     say. This asymmetry is deliberate; do not "fix" it.
//
// Strings are NFC-normalized so logically identical text always hashes
// identically regardless of the producer's Unicode composition.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// Undefined marks an absent value inside a map or array literal. It is
// distinct from nil: nil encodes as JSON null, Undefined is stripped from
// objects and rejected inside arrays.
var Undefined = undefined{}

type undefined struct{}

var (
	// ErrUndefinedInArray is returned when an array element is Undefined.
	ErrUndefinedInArray = errors.New("canonical: undefined value inside array")
	// ErrUndefinedValue is returned when the top-level value itself is Undefined.
	ErrUndefinedValue = errors.New("canonical: cannot encode undefined value")
)

// Encode returns the canonical byte representation of v.
func Encode(v interface{}) ([]byte, error) {
	stripped, err := strip(v)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(stripped)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal failed: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: jcs transform failed: %w", err)
	}
	return out, nil
}

// Hash returns the SHA-256 hex digest of the canonical encoding of v.
func Hash(v interface{}) (string, error) {
	b, err := Encode(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 hash of raw bytes and returns it hex encoded.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// IsUndefined reports whether v is the Undefined sentinel.
func IsUndefined(v interface{}) bool {
	_, ok := v.(undefined)
	return ok
}

// strip walks v removing Undefined object members, rejecting Undefined array
// elements, and NFC-normalizing strings. Values that are not plain JSON
// shapes (structs, typed maps, numeric types) are round-tripped through
// encoding/json with json.Number so numeric text survives verbatim.
func strip(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case undefined:
		return nil, ErrUndefinedValue
	case bool, json.Number:
		return t, nil
	case string:
		return norm.NFC.String(t), nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			if IsUndefined(val) {
				continue
			}
			sv, err := strip(val)
			if err != nil {
				return nil, err
			}
			out[norm.NFC.String(k)] = sv
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, elem := range t {
			if IsUndefined(elem) {
				return nil, fmt.Errorf("%w (index %d)", ErrUndefinedInArray, i)
			}
			se, err := strip(elem)
			if err != nil {
				return nil, err
			}
			out[i] = se
		}
		return out, nil
	default:
		generic, err := reencode(v)
		if err != nil {
			return nil, err
		}
		return strip(generic)
	}
}

func reencode(v interface{}) (interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: pre-marshal failed: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical: intermediate decode failed: %w", err)
	}
	return generic, nil
}
