// Package checksum computes and compares content digests for upload chunks and
// assembled files. Digests are rendered as "algorithm:hex" so the algorithm a
// client chose travels with the value through every store.
package checksum

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// Algorithm names a supported hash function.
type Algorithm string

const (
	SHA256     Algorithm = "sha256"
	SHA1       Algorithm = "sha1"
	MD5        Algorithm = "md5"
	SHA3_256   Algorithm = "sha3-256"
	BLAKE2b256 Algorithm = "blake2b-256"
	BLAKE3     Algorithm = "blake3"
)

// Default is used when a digest carries no algorithm prefix and the caller
// supplies none.
const Default = SHA256

var (
	ErrUnsupportedAlgorithm = errors.New("unsupported checksum algorithm")
	ErrMalformed            = errors.New("malformed checksum")
)

var digestLengths = map[Algorithm]int{
	SHA256:     sha256.Size,
	SHA1:       sha1.Size,
	MD5:        md5.Size,
	SHA3_256:   32,
	BLAKE2b256: blake2b.Size256,
	BLAKE3:     32,
}

// ParseAlgorithm normalises an algorithm name. Common aliases such as
// "sha-256" and "blake2b" are accepted.
func ParseAlgorithm(name string) (Algorithm, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	switch normalized {
	case "sha256", "sha-256":
		return SHA256, nil
	case "sha1", "sha-1":
		return SHA1, nil
	case "md5":
		return MD5, nil
	case "sha3-256", "sha3_256", "sha3":
		return SHA3_256, nil
	case "blake2b-256", "blake2b_256", "blake2b":
		return BLAKE2b256, nil
	case "blake3":
		return BLAKE3, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, name)
	}
}

// New returns a fresh hash.Hash for the algorithm.
func New(algorithm Algorithm) (hash.Hash, error) {
	switch algorithm {
	case SHA256:
		return sha256.New(), nil
	case SHA1:
		return sha1.New(), nil
	case MD5:
		return md5.New(), nil
	case SHA3_256:
		return sha3.New256(), nil
	case BLAKE2b256:
		return blake2b.New256(nil)
	case BLAKE3:
		return blake3.New(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algorithm)
	}
}

// Digest is a computed or client supplied checksum.
type Digest struct {
	Algorithm Algorithm
	Hex       string
}

// IsZero reports whether no digest is present.
func (d Digest) IsZero() bool {
	return d.Hex == ""
}

// String renders the digest as "algorithm:hex".
func (d Digest) String() string {
	if d.IsZero() {
		return ""
	}
	return string(d.Algorithm) + ":" + d.Hex
}

// Equal compares two digests in constant time. Digests of different
// algorithms never match.
func (d Digest) Equal(other Digest) bool {
	if d.Algorithm != other.Algorithm {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(d.Hex), []byte(other.Hex)) == 1
}

// Parse decodes "algorithm:hex" or a bare hex string. Bare values take the
// fallback algorithm, or Default when fallback is empty. An empty input
// yields a zero Digest and no error.
func Parse(value string, fallback Algorithm) (Digest, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return Digest{}, nil
	}
	algorithm := fallback
	if algorithm == "" {
		algorithm = Default
	}
	encoded := trimmed
	if name, rest, found := strings.Cut(trimmed, ":"); found {
		parsed, err := ParseAlgorithm(name)
		if err != nil {
			return Digest{}, err
		}
		algorithm = parsed
		encoded = rest
	}
	encoded = strings.ToLower(strings.TrimSpace(encoded))
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return Digest{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if want, ok := digestLengths[algorithm]; !ok {
		return Digest{}, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algorithm)
	} else if len(raw) != want {
		return Digest{}, fmt.Errorf("%w: %s digest must be %d bytes, got %d", ErrMalformed, algorithm, want, len(raw))
	}
	return Digest{Algorithm: algorithm, Hex: encoded}, nil
}

// Sum hashes data with the algorithm.
func Sum(algorithm Algorithm, data []byte) (Digest, error) {
	h, err := New(algorithm)
	if err != nil {
		return Digest{}, err
	}
	_, _ = h.Write(data)
	return FromHash(algorithm, h), nil
}

// FromHash finalises h into a Digest.
func FromHash(algorithm Algorithm, h hash.Hash) Digest {
	return Digest{Algorithm: algorithm, Hex: hex.EncodeToString(h.Sum(nil))}
}
