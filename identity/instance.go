// Package identity derives the deterministic instance namespaces used to
// isolate persistent storage between dapps and client kinds.
package identity

import (
	"strings"
	"unicode/utf16"
)

const (
	KindMultichain = "multichain"
	KindEVM        = "evm"
	KindSolana     = "solana"
)

// DeriveInstanceID lowercases dappName, replaces every UTF-16 code unit
// outside [a-z0-9] with a dash and appends "-{clientKind}".
//
// An empty dapp name yields "-{clientKind}".
func DeriveInstanceID(dappName string, clientKind string) string {
	lowered := strings.ToLower(dappName)

	var b strings.Builder
	b.Grow(len(lowered) + len(clientKind) + 1)
	for _, r := range lowered {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			continue
		}
		units := utf16.RuneLen(r)
		if units < 1 {
			// invalid utf-8 decodes to U+FFFD, one unit
			units = 1
		}
		b.WriteString(strings.Repeat("-", units))
	}
	b.WriteByte('-')
	b.WriteString(clientKind)
	return b.String()
}

// NormalizeKind trims and lowercases a client kind.
func NormalizeKind(kind string) string {
	return strings.TrimSpace(strings.ToLower(kind))
}

// KnownKind reports whether kind is one of the client kinds shipped here.
func KnownKind(kind string) bool {
	switch NormalizeKind(kind) {
	case KindMultichain, KindEVM, KindSolana:
		return true
	default:
		return false
	}
}
