package checksum

import (
	"errors"
	"strings"
	"testing"
)

func TestSumKnownVectors(t *testing.T) {
	cases := []struct {
		algorithm Algorithm
		want      string
	}{
		{SHA256, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"},
		{MD5, "5d41402abc4b2a76b9719d911017c592"},
		{SHA1, "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d"},
		{SHA3_256, "3338be694f50c5f338814986cdf0686453a888b84f424d792af4b9202398f392"},
	}
	for _, tc := range cases {
		t.Run(string(tc.algorithm), func(t *testing.T) {
			digest, err := Sum(tc.algorithm, []byte("hello"))
			if err != nil {
				t.Fatalf("Sum: %v", err)
			}
			if digest.Hex != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, digest.Hex)
			}
			if digest.String() != string(tc.algorithm)+":"+tc.want {
				t.Fatalf("unexpected string form %q", digest.String())
			}
		})
	}
}

func TestSumBlakeFamiliesProduce32Bytes(t *testing.T) {
	for _, algorithm := range []Algorithm{BLAKE2b256, BLAKE3} {
		digest, err := Sum(algorithm, []byte("payload"))
		if err != nil {
			t.Fatalf("Sum(%s): %v", algorithm, err)
		}
		if len(digest.Hex) != 64 {
			t.Fatalf("expected 64 hex chars for %s, got %d", algorithm, len(digest.Hex))
		}
		again, _ := Sum(algorithm, []byte("payload"))
		if !digest.Equal(again) {
			t.Fatalf("expected deterministic %s digest", algorithm)
		}
	}
}

func TestParse(t *testing.T) {
	sha := "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	md := "5d41402abc4b2a76b9719d911017c592"

	digest, err := Parse(sha, "")
	if err != nil || digest.Algorithm != SHA256 || digest.Hex != sha {
		t.Fatalf("bare value: digest=%+v err=%v", digest, err)
	}
	digest, err = Parse("MD5:"+strings.ToUpper(md), SHA256)
	if err != nil || digest.Algorithm != MD5 || digest.Hex != md {
		t.Fatalf("prefixed value: digest=%+v err=%v", digest, err)
	}
	digest, err = Parse(md, MD5)
	if err != nil || digest.Algorithm != MD5 {
		t.Fatalf("fallback algorithm: digest=%+v err=%v", digest, err)
	}
	digest, err = Parse("  ", SHA256)
	if err != nil || !digest.IsZero() {
		t.Fatalf("empty value: digest=%+v err=%v", digest, err)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := map[string]error{
		"crc32:00000000":    ErrUnsupportedAlgorithm,
		"sha256:zz":         ErrMalformed,
		"sha256:abcd":       ErrMalformed,
		"md5:" + "00" + "0": ErrMalformed,
	}
	for input, want := range cases {
		if _, err := Parse(input, ""); !errors.Is(err, want) {
			t.Fatalf("Parse(%q): expected %v, got %v", input, want, err)
		}
	}
}

func TestDigestEqualRequiresSameAlgorithm(t *testing.T) {
	a := Digest{Algorithm: SHA256, Hex: "ab"}
	b := Digest{Algorithm: BLAKE3, Hex: "ab"}
	if a.Equal(b) {
		t.Fatalf("digests of different algorithms must not match")
	}
	if !a.Equal(Digest{Algorithm: SHA256, Hex: "ab"}) {
		t.Fatalf("expected identical digests to match")
	}
}

func TestParseAlgorithmAliases(t *testing.T) {
	aliases := map[string]Algorithm{
		"SHA-256": SHA256,
		"blake2b": BLAKE2b256,
		"sha3":    SHA3_256,
		"BLAKE3":  BLAKE3,
	}
	for input, want := range aliases {
		got, err := ParseAlgorithm(input)
		if err != nil || got != want {
			t.Fatalf("ParseAlgorithm(%q) = %q, %v", input, got, err)
		}
	}
}
