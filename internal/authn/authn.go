// Package authn compares shared secrets without leaking timing.
package authn

import "crypto/subtle"

// Equal reports whether provided matches expected in time that depends only
// on len(expected). A length mismatch still runs a full comparison against
// expected before returning false. An empty expected secret never matches.
func Equal(provided, expected string) bool {
	if expected == "" {
		return false
	}
	want := []byte(expected)
	got := []byte(provided)
	if len(got) != len(want) {
		subtle.ConstantTimeCompare(want, want)
		return false
	}
	return subtle.ConstantTimeCompare(got, want) == 1
}
