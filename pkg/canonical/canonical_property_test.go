package canonical

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestEncodeDeterminism verifies Encode(obj) is a pure function of the
// logical value: re-encoding always yields identical bytes.
func TestEncodeDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("canonical encoding is deterministic", prop.ForAll(
		func(keys []string, values []string) bool {
			obj := make(map[string]interface{})
			for i := 0; i < len(keys) && i < len(values); i++ {
				if keys[i] != "" {
					obj[keys[i]] = values[i]
				}
			}

			b1, err1 := Encode(obj)
			b2, err2 := Encode(obj)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return string(b1) == string(b2)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("hash agrees with hash of encoded bytes", prop.ForAll(
		func(key string, value string) bool {
			obj := map[string]interface{}{key: value}
			h, err := Hash(obj)
			if err != nil {
				return false
			}
			b, err := Encode(obj)
			if err != nil {
				return false
			}
			return h == HashBytes(b)
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
