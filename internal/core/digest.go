package core

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strconv"
	"strings"
)

// HashSize is the length in hex characters of a Digest hash.
const HashSize = sha256.Size * 2

// Digest identifies content by its sha256 hash and size.
//
// The shape matches the Remote Execution API Digest message, so the same
// value keys local and remote stores.
type Digest struct {
	Hash      string `json:"hash" yaml:"hash"`
	SizeBytes int64  `json:"size_bytes" yaml:"size_bytes"`
}

// EmptyDigest is the digest of zero bytes.
var EmptyDigest = DigestBytes(nil)

// DigestBytes hashes data.
func DigestBytes(data []byte) Digest {
	sum := sha256.Sum256(data)
	return Digest{Hash: hex.EncodeToString(sum[:]), SizeBytes: int64(len(data))}
}

// DigestReader hashes everything read from r.
func DigestReader(r io.Reader) (Digest, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return Digest{}, err
	}
	return fromHash(h, n), nil
}

// Hasher computes a Digest over everything written to it.
type Hasher struct {
	h hash.Hash
	n int64
}

func NewHasher() *Hasher {
	return &Hasher{h: sha256.New()}
}

func (h *Hasher) Write(p []byte) (int, error) {
	n, err := h.h.Write(p)
	h.n += int64(n)
	return n, err
}

// Digest returns the digest of the bytes written so far.
func (h *Hasher) Digest() Digest {
	return fromHash(h.h, h.n)
}

// DigestFile hashes the full content of the file at path.
//
// Only content is read; mode and timestamps never contribute.
func DigestFile(path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, err
	}
	defer f.Close()
	d, err := DigestReader(f)
	if err != nil {
		return Digest{}, fmt.Errorf("digesting %s: %w", path, err)
	}
	return d, nil
}

func fromHash(h hash.Hash, size int64) Digest {
	return Digest{Hash: hex.EncodeToString(h.Sum(nil)), SizeBytes: size}
}

// IsZero reports whether d is the zero value (not the digest of empty content).
func (d Digest) IsZero() bool {
	return d.Hash == "" && d.SizeBytes == 0
}

// Validate checks the hash encoding and size.
func (d Digest) Validate() error {
	if len(d.Hash) != HashSize {
		return fmt.Errorf("digest hash must be %d hex characters, got %d", HashSize, len(d.Hash))
	}
	if _, err := hex.DecodeString(d.Hash); err != nil {
		return fmt.Errorf("digest hash is not hex: %w", err)
	}
	if strings.ToLower(d.Hash) != d.Hash {
		return errors.New("digest hash must be lowercase")
	}
	if d.SizeBytes < 0 {
		return errors.New("digest size must be >= 0")
	}
	return nil
}

// String renders the digest as "hash/size".
func (d Digest) String() string {
	return d.Hash + "/" + strconv.FormatInt(d.SizeBytes, 10)
}

// ParseDigest parses the "hash/size" form produced by String.
func ParseDigest(s string) (Digest, error) {
	hashPart, sizePart, ok := strings.Cut(s, "/")
	if !ok {
		return Digest{}, fmt.Errorf("invalid digest %q: expected hash/size", s)
	}
	size, err := strconv.ParseInt(sizePart, 10, 64)
	if err != nil {
		return Digest{}, fmt.Errorf("invalid digest size %q: %w", sizePart, err)
	}
	d := Digest{Hash: hashPart, SizeBytes: size}
	if err := d.Validate(); err != nil {
		return Digest{}, fmt.Errorf("invalid digest %q: %w", s, err)
	}
	return d, nil
}
