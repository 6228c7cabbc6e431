package store

import (
	"bytes"
	"strings"
	"testing"
)

func TestContentHashIsEmpty(t *testing.T) {
	empty := ContentHash{Algo: SHA256, Hex: "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"}
	if !empty.IsEmpty() {
		t.Fatal("expected the sha256 empty digest to report IsEmpty")
	}

	nonEmpty := ContentHash{Algo: SHA256, Hex: strings.Repeat("a", 64)}
	if nonEmpty.IsEmpty() {
		t.Fatal("did not expect a non-empty digest to report IsEmpty")
	}
}

func TestContentHashShortHash(t *testing.T) {
	h := ContentHash{Algo: SHA256, Hex: strings.Repeat("b", 64)}
	want := "sha256/" + strings.Repeat("b", 64)
	if got := h.ShortHash(); got != want {
		t.Fatalf("ShortHash() = %q, want %q", got, want)
	}
}

func TestHashingReaderComputesDigest(t *testing.T) {
	data := []byte("the quick brown fox")
	hr, err := NewHashingReader(bytes.NewReader(data), SHA256)
	if err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 4)
	var total int64
	for {
		n, err := hr.Read(buf)
		total += int64(n)
		if err != nil {
			break
		}
	}

	hash, n := hr.Sum()
	if n != int64(len(data)) {
		t.Fatalf("Sum() byte count = %d, want %d", n, len(data))
	}
	if total != int64(len(data)) {
		t.Fatalf("read %d bytes, want %d", total, len(data))
	}
	if hash.Algo != SHA256 {
		t.Fatalf("hash algo = %v, want sha256", hash.Algo)
	}
	if len(hash.Hex) != 64 {
		t.Fatalf("hash hex length = %d, want 64", len(hash.Hex))
	}
}

func TestHashFactoryUnknownAlgorithm(t *testing.T) {
	if _, err := Factory.Get("md5"); err == nil {
		t.Fatal("expected an error for an unregistered algorithm")
	}
}

func TestHasherValidateRejectsWrongLength(t *testing.T) {
	hasher, err := Factory.Get(SHA256)
	if err != nil {
		t.Fatal(err)
	}
	if err := hasher.Validate("abcd"); err == nil {
		t.Fatal("expected validation to reject a short digest")
	}
}

func TestHasherValidateRejectsUppercase(t *testing.T) {
	hasher, err := Factory.Get(SHA256)
	if err != nil {
		t.Fatal(err)
	}
	if err := hasher.Validate(strings.ToUpper(strings.Repeat("a", 64))); err == nil {
		t.Fatal("expected validation to reject uppercase hex")
	}
}
