// Package xxhash includes tests for the xxHash record hasher.
package xxhash

import "testing"

// TestHasherHashDeterministic ensures repeated hashing yields the same digest.
func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("http://example.org/child"))
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if len(got) != 16 {
		t.Fatalf("expected 16 hex characters, got %q", got)
	}
	again, err := h.Hash([]byte("http://example.org/child"))
	if err != nil {
		t.Fatalf("Hash() repeat error = %v", err)
	}
	if again != got {
		t.Fatalf("expected deterministic hash, got %s vs %s", got, again)
	}
}

// TestHasherKnownVector pins the digest of the empty input.
func TestHasherKnownVector(t *testing.T) {
	t.Parallel()

	got, err := New().Hash(nil)
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if want := "ef46db3751d8e999"; got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

// TestHasherDistinguishesInputs checks different records produce different keys.
func TestHasherDistinguishesInputs(t *testing.T) {
	t.Parallel()

	h := New()
	a, _ := h.Hash([]byte("a"))
	b, _ := h.Hash([]byte("b"))
	if a == b {
		t.Fatalf("expected different digests, both were %s", a)
	}
}
