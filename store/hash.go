package store

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"regexp"
)

// Algorithm identifies a hash family supported by the store. The store
// itself is algorithm-agnostic; callers pick one per ContentHash.
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	SHA1   Algorithm = "sha1"
)

// ContentHash is the opaque (algorithm, bytes) tag that identifies stored
// content. Two hashes are equal (full identity) iff both fields match.
// ShortHash (algorithm plus full hex digest) is the directory key.
type ContentHash struct {
	Algo Algorithm
	Hex  string // lowercase hex encoding of the full digest
}

// ShortHash returns the directory lookup key for this hash: the algorithm
// name joined with the full hex digest. Since every Hasher in this store
// produces a fixed-width digest per algorithm, the "short hash" is simply
// the full hex string -- there is no collision-prone truncation here, but
// callers must still go through ShortHash() rather than comparing Hex
// directly, since two different algorithms could (in principle) produce
// colliding hex strings.
func (h ContentHash) ShortHash() string {
	return string(h.Algo) + "/" + h.Hex
}

func (h ContentHash) IsEmpty() bool {
	hasher, err := Factory.Get(h.Algo)
	if err != nil {
		return false
	}
	return h.Hex == hasher.Empty()
}

func (h ContentHash) String() string {
	return h.ShortHash()
}

// Hasher abstracts a single hash algorithm: it produces streaming
// hash.Hash instances, and knows the textual properties of its digests.
type Hasher interface {
	Algorithm() Algorithm
	New() hash.Hash
	Size() int // digest size in bytes
	Empty() string
	Validate(hexDigest string) error
}

type hashFactory struct {
	registry map[Algorithm]Hasher
}

// Factory is the process-wide HashFactory. Additional algorithms may be
// registered at init time by other packages; the store itself only
// requires that SHA256 (its default) is present.
var Factory = &hashFactory{registry: make(map[Algorithm]Hasher)}

func (f *hashFactory) register(h Hasher) {
	f.registry[h.Algorithm()] = h
}

func (f *hashFactory) Get(a Algorithm) (Hasher, error) {
	h, ok := f.registry[a]
	if !ok {
		return nil, fmt.Errorf("no hash implementation registered for algorithm %q", a)
	}
	return h, nil
}

func init() {
	Factory.register(&sha256Hasher{})
	Factory.register(&sha1Hasher{})
}

var hexRegex = regexp.MustCompile("^[a-f0-9]+$")

type sha256Hasher struct{}

func (sha256Hasher) Algorithm() Algorithm { return SHA256 }
func (sha256Hasher) New() hash.Hash       { return sha256.New() }
func (sha256Hasher) Size() int            { return sha256.Size }
func (sha256Hasher) Empty() string {
	return "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
}
func (d sha256Hasher) Validate(hexDigest string) error {
	return validateHex(hexDigest, d.Size())
}

type sha1Hasher struct{}

func (sha1Hasher) Algorithm() Algorithm { return SHA1 }
func (sha1Hasher) New() hash.Hash       { return sha1.New() }
func (sha1Hasher) Size() int            { return sha1.Size }
func (sha1Hasher) Empty() string {
	return "da39a3ee5e6b4b0d3255bfef95601890afd80709"
}
func (d sha1Hasher) Validate(hexDigest string) error {
	return validateHex(hexDigest, d.Size())
}

func validateHex(hexDigest string, byteSize int) error {
	if len(hexDigest) != byteSize*2 {
		return fmt.Errorf("invalid digest length %d, expected %d", len(hexDigest), byteSize*2)
	}
	if !hexRegex.MatchString(hexDigest) {
		return fmt.Errorf("invalid digest %q: not lowercase hex", hexDigest)
	}
	return nil
}

// HashingReader wraps an io.Reader, feeding every byte read through a
// streaming hasher. Callers read it to completion (or Copy it into a
// destination) and then call Sum to get the final hex digest, without
// ever buffering the whole stream in memory.
type HashingReader struct {
	r    io.Reader
	h    hash.Hash
	algo Algorithm
	n    int64
}

func NewHashingReader(r io.Reader, algo Algorithm) (*HashingReader, error) {
	hasher, err := Factory.Get(algo)
	if err != nil {
		return nil, err
	}
	return &HashingReader{r: r, h: hasher.New(), algo: algo}, nil
}

func (hr *HashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	if n > 0 {
		hr.h.Write(p[:n])
		hr.n += int64(n)
	}
	return n, err
}

// Sum returns the ContentHash and total byte count read so far.
func (hr *HashingReader) Sum() (ContentHash, int64) {
	return ContentHash{Algo: hr.algo, Hex: hex.EncodeToString(hr.h.Sum(nil))}, hr.n
}
