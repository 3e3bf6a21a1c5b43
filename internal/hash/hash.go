// Package hash computes SHA-256 digests over byte streams, files and
// structured descriptors. Digests are used both to verify fetched sources and
// to derive content-addressed cache keys.
package hash

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Size is the length of the textual form of a digest.
const Size = sha256.Size * 2

// Placeholder is substituted when a manifest omits a hash. It never matches
// real content, so the first fetch reports the actual digest.
const Placeholder Digest = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

// Digest is a SHA-256 digest in canonical upper-case hex form.
type Digest string

// ParseDigest validates s and returns its canonical form.
func ParseDigest(s string) (Digest, error) {
	s = strings.TrimSpace(s)
	if len(s) != Size {
		return "", fmt.Errorf("invalid sha256 digest %q: want %d hex characters, got %d", s, Size, len(s))
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("invalid sha256 digest %q: %w", s, err)
	}
	return Digest(strings.ToUpper(s)), nil
}

// MustParseDigest is like ParseDigest but panics on invalid input.
func MustParseDigest(s string) Digest {
	d, err := ParseDigest(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Equal compares two digests case-insensitively.
func (d Digest) Equal(other Digest) bool {
	return strings.EqualFold(string(d), string(other))
}

// String returns the canonical form.
func (d Digest) String() string {
	return strings.ToUpper(string(d))
}

// Short returns the first 16 characters, lower-cased, for use in paths.
func (d Digest) Short() string {
	s := strings.ToLower(string(d))
	if len(s) > 16 {
		return s[:16]
	}
	return s
}

// HashBytes consumes r and returns its digest.
func HashBytes(r io.Reader) (Digest, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return fromSum(h.Sum(nil)), nil
}

// HashFile returns the digest of the file at path.
func HashFile(path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return HashBytes(f)
}

// HashDescriptor hashes the canonical JSON encoding of v. Structs are routed
// through a generic map so the result does not depend on field order.
func HashDescriptor(v any) (Digest, error) {
	canonical, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return HashBytes(bytes.NewReader(canonical))
}

// Canonicalize returns the canonical JSON encoding of v: object keys are
// sorted and no insignificant whitespace is emitted.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode descriptor: %w", err)
	}
	var generic any
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&generic); err != nil {
		return nil, fmt.Errorf("decode descriptor: %w", err)
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("encode canonical descriptor: %w", err)
	}
	return out, nil
}

// MismatchError reports content that does not match the expected digest.
// It is distinct from I/O failures: a mismatch calls for a re-fetch or a
// manifest fix, never a retry.
type MismatchError struct {
	Path     string
	Expected Digest
	Actual   Digest
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("hash mismatch for %s: expected %s, got %s", e.Path, e.Expected, e.Actual)
}

// IsMismatch reports whether err is or wraps a *MismatchError.
func IsMismatch(err error) bool {
	var mismatch *MismatchError
	return errors.As(err, &mismatch)
}

// Verify hashes the file at path and compares it with expected.
func Verify(path string, expected Digest) error {
	actual, err := HashFile(path)
	if err != nil {
		return fmt.Errorf("hash %s: %w", path, err)
	}
	if !actual.Equal(expected) {
		return &MismatchError{Path: path, Expected: Digest(expected.String()), Actual: actual}
	}
	return nil
}

func fromSum(sum []byte) Digest {
	return Digest(strings.ToUpper(hex.EncodeToString(sum)))
}
