package canonical

import (
	"errors"
	"strings"
	"testing"
)

func TestEncode_Sorting(t *testing.T) {
	input := map[string]interface{}{
		"c": 3,
		"a": 1,
		"b": 2,
	}

	expected := `{"a":1,"b":2,"c":3}`

	b, err := Encode(input)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestEncode_NoHTMLEscaping(t *testing.T) {
	input := map[string]string{
		"html": "<script>alert('xss')</script> &",
	}

	// RFC 8785 forbids the < style escaping encoding/json applies.
	expected := `{"html":"<script>alert('xss')</script> &"}`

	b, err := Encode(input)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestEncode_UndefinedDroppedFromObjects(t *testing.T) {
	input := map[string]interface{}{
		"keep": "x",
		"drop": Undefined,
		"nested": map[string]interface{}{
			"also_drop": Undefined,
			"null_kept": nil,
		},
	}

	b, err := Encode(input)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	got := string(b)
	if strings.Contains(got, "drop") {
		t.Errorf("undefined member not stripped: %s", got)
	}
	if !strings.Contains(got, `"null_kept":null`) {
		t.Errorf("nil must encode as null, got: %s", got)
	}
}

func TestEncode_UndefinedInArrayIsError(t *testing.T) {
	input := map[string]interface{}{
		"items": []interface{}{"a", Undefined, "c"},
	}

	_, err := Encode(input)
	if !errors.Is(err, ErrUndefinedInArray) {
		t.Fatalf("expected ErrUndefinedInArray, got %v", err)
	}
}

func TestEncode_UndefinedInNestedArrayIsError(t *testing.T) {
	input := map[string]interface{}{
		"outer": map[string]interface{}{
			"inner": []interface{}{Undefined},
		},
	}

	_, err := Encode(input)
	if !errors.Is(err, ErrUndefinedInArray) {
		t.Fatalf("expected ErrUndefinedInArray, got %v", err)
	}
}

func TestEncode_TopLevelUndefinedIsError(t *testing.T) {
	_, err := Encode(Undefined)
	if !errors.Is(err, ErrUndefinedValue) {
		t.Fatalf("expected ErrUndefinedValue, got %v", err)
	}
}

func TestEncode_NFCNormalization(t *testing.T) {
	// "é" precomposed (U+00E9) vs decomposed (U+0065 U+0301).
	composed := "café"
	decomposed := "café"

	h1, err := Hash(map[string]interface{}{"name": composed})
	if err != nil {
		t.Fatal(err)
	}
	h2, err := Hash(map[string]interface{}{"name": decomposed})
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Errorf("NFC-equivalent strings must hash identically: %s vs %s", h1, h2)
	}
}

func TestHash_StructAndMapAgree(t *testing.T) {
	type payload struct {
		B int    `json:"b"`
		A string `json:"a"`
	}

	h1, err := Hash(payload{B: 2, A: "x"})
	if err != nil {
		t.Fatal(err)
	}
	h2, err := Hash(map[string]interface{}{"a": "x", "b": 2})
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Errorf("struct and equivalent map must hash identically: %s vs %s", h1, h2)
	}
}

func TestHash_KeyOrderIndependence(t *testing.T) {
	h1, err := Hash(map[string]interface{}{"a": 1, "b": 2, "c": 3})
	if err != nil {
		t.Fatal(err)
	}
	h2, err := Hash(map[string]interface{}{"c": 3, "b": 2, "a": 1})
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Errorf("hash must be independent of insertion order")
	}
}
