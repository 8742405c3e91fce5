package forms

import (
	"crypto/rand"
	"math/big"
	"strings"
)

const (
	slugSuffixLen = 6
	base36        = "0123456789abcdefghijklmnopqrstuvwxyz"
)

// slugBase lowercases name and collapses every run of characters outside
// [a-z0-9] into a single hyphen, trimmed at both ends.
func slugBase(name string) string {
	var b strings.Builder
	pendingDash := false
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(r)
			continue
		}
		pendingDash = true
	}
	return b.String()
}

func randomSuffix(n int) (string, error) {
	max := big.NewInt(int64(len(base36)))
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = base36[idx.Int64()]
	}
	return string(out), nil
}

// generateSlug returns <base>-<6 random base-36 chars>. A name with no usable
// characters gets the base "form".
func generateSlug(name string) (string, error) {
	base := slugBase(name)
	if base == "" {
		base = "form"
	}
	suffix, err := randomSuffix(slugSuffixLen)
	if err != nil {
		return "", err
	}
	return base + "-" + suffix, nil
}
