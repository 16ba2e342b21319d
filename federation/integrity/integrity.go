// Package integrity computes and verifies algorithm-tagged digests of remote
// entry bundles.
package integrity

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"hash"
	"strings"

	"github.com/tomyedwab/fedhost/federation"
)

// DefaultAlgorithm is used by ComputeDigest and for untagged expected values.
const DefaultAlgorithm = "sha256"

var algorithms = map[string]func() hash.Hash{
	"sha256": sha256.New,
	"sha384": sha512.New384,
	"sha512": sha512.New,
}

// Record pairs the expected and actual digests of a single fetch. It is only
// ever attached to an error and is never stored.
type Record struct {
	Expected string
	Actual   string
}

// MismatchError is the cause carried by an IntegrityMismatch error
type MismatchError struct {
	Record Record
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("expected one of %q, got %q", e.Record.Expected, e.Record.Actual)
}

// ComputeDigest returns the sha256 digest of data as "sha256-<base64>"
func ComputeDigest(data []byte) string {
	d, _ := ComputeDigestWith(DefaultAlgorithm, data)
	return d
}

// ComputeDigestWith returns the digest of data for alg (sha256, sha384 or
// sha512) as "<alg>-<base64>".
func ComputeDigestWith(alg string, data []byte) (string, error) {
	newHash, ok := algorithms[strings.ToLower(alg)]
	if !ok {
		return "", fmt.Errorf("unsupported digest algorithm %q", alg)
	}
	h := newHash()
	h.Write(data)
	return strings.ToLower(alg) + "-" + base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}

// Verify reports whether data matches expected. An empty expected value always
// passes. Otherwise expected is a comma separated list of acceptable digests,
// each with or without an algorithm prefix, compared case-insensitively.
func Verify(data []byte, expected string) bool {
	if strings.TrimSpace(expected) == "" {
		return true
	}

	computed := make(map[string]string)
	digestFor := func(alg string) string {
		if d, ok := computed[alg]; ok {
			return d
		}
		d, _ := ComputeDigestWith(alg, data)
		computed[alg] = d
		return d
	}

	for _, candidate := range strings.Split(expected, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		alg, value := splitDigest(candidate)
		actual := digestFor(alg)
		if strings.EqualFold(actual, alg+"-"+value) {
			return true
		}
	}
	return false
}

// Check verifies data for scope and returns an IntegrityMismatch error when it
// does not match.
func Check(scope, source string, data []byte, expected string) error {
	if Verify(data, expected) {
		return nil
	}
	err := federation.NewIntegrityMismatch(scope, source)
	err.Cause = &MismatchError{Record: Record{
		Expected: expected,
		Actual:   ComputeDigest(data),
	}}
	return err
}

func splitDigest(candidate string) (alg, value string) {
	if i := strings.IndexByte(candidate, '-'); i > 0 {
		if _, ok := algorithms[strings.ToLower(candidate[:i])]; ok {
			return strings.ToLower(candidate[:i]), candidate[i+1:]
		}
	}
	return DefaultAlgorithm, candidate
}
