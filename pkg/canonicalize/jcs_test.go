package canonicalize

import (
	"strings"
	"testing"
	"time"
)

func TestJCS_Sorting(t *testing.T) {
	input := map[string]interface{}{
		"c": 3,
		"a": 1,
		"b": 2,
	}

	b, err := JCS(input)
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}
	if string(b) != `{"a":1,"b":2,"c":3}` {
		t.Errorf("unexpected canonical form %s", string(b))
	}
}

func TestJCS_RecursiveSorting(t *testing.T) {
	input := map[string]interface{}{
		"z": map[string]interface{}{
			"y": "foo",
			"x": "bar",
		},
		"a": 1,
	}

	b, err := JCS(input)
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}
	if string(b) != `{"a":1,"z":{"x":"bar","y":"foo"}}` {
		t.Errorf("unexpected canonical form %s", string(b))
	}
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	input := map[string]string{
		"name": "Amoxicillin <500mg> & co",
	}

	b, err := JCS(input)
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}
	if string(b) != `{"name":"Amoxicillin <500mg> & co"}` {
		t.Errorf("HTML characters must not be escaped, got %s", string(b))
	}
}

func TestJCS_NFCNormalization(t *testing.T) {
	// "é" precomposed vs. "e" + combining acute accent
	composed := map[string]string{"manufacturer": "Laboratoires S\u00e9rvier"}
	decomposed := map[string]string{"manufacturer": "Laboratoires Se\u0301rvier"}

	h1, err := CanonicalHash(composed)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := CanonicalHash(decomposed)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Errorf("NFC-equivalent strings must hash identically: %s vs %s", h1, h2)
	}
}

func TestJCS_StructTags(t *testing.T) {
	type verdict struct {
		UnitID    string    `json:"unit_id"`
		Issues    []string  `json:"issues"`
		DecidedAt time.Time `json:"decided_at"`
	}
	v := verdict{
		UnitID:    "3456789012345",
		Issues:    []string{"expired"},
		DecidedAt: time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC),
	}

	b, err := JCS(v)
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}
	want := `{"decided_at":"2025-01-15T00:00:00Z","issues":["expired"],"unit_id":"3456789012345"}`
	if string(b) != want {
		t.Errorf("expected %s, got %s", want, string(b))
	}
}

func TestFingerprint_Prefix(t *testing.T) {
	fp, err := Fingerprint(map[string]int{"seq": 1})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(fp, FingerprintPrefix) {
		t.Fatalf("expected %q prefix, got %s", FingerprintPrefix, fp)
	}
	if len(fp) != len(FingerprintPrefix)+64 {
		t.Fatalf("unexpected fingerprint length %d", len(fp))
	}
}

func TestCanonicalHash_Deterministic(t *testing.T) {
	input := map[string]interface{}{"temperature": -70.5, "humidity": 61.2}
	h1, _ := CanonicalHash(input)
	h2, _ := CanonicalHash(input)
	if h1 != h2 {
		t.Fatal("hash must be deterministic")
	}
}
