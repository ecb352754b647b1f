package core

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var (
	namespacePattern = regexp.MustCompile(`^[-a-z0-9]{3,8}$`)
	referencePattern = regexp.MustCompile(`^[-_a-zA-Z0-9]{1,32}$`)
)

// ScopeRef is a parsed CAIP-2 chain scope such as "eip155:1".
type ScopeRef struct {
	Namespace string
	Reference string
}

func (s ScopeRef) String() string {
	if s.Reference == "" {
		return s.Namespace
	}
	return s.Namespace + ":" + s.Reference
}

// ParseScope parses a CAIP-2 scope. A bare namespace ("wallet") is accepted
// with an empty reference.
func ParseScope(scope string) (ScopeRef, error) {
	trimmed := strings.TrimSpace(scope)
	if trimmed == "" {
		return ScopeRef{}, fmt.Errorf("core: scope is required")
	}
	namespace, reference, hasReference := strings.Cut(trimmed, ":")
	if !namespacePattern.MatchString(namespace) {
		return ScopeRef{}, fmt.Errorf("core: invalid scope namespace %q", namespace)
	}
	if hasReference && !referencePattern.MatchString(reference) {
		return ScopeRef{}, fmt.Errorf("core: invalid scope reference %q", reference)
	}
	return ScopeRef{Namespace: namespace, Reference: reference}, nil
}

// AccountID is a parsed CAIP-10 account such as "eip155:1:0xabc".
type AccountID struct {
	Scope   ScopeRef
	Address string
}

func (a AccountID) String() string {
	return a.Scope.String() + ":" + a.Address
}

func ParseAccountID(account string) (AccountID, error) {
	trimmed := strings.TrimSpace(account)
	idx := strings.LastIndex(trimmed, ":")
	if idx <= 0 || idx == len(trimmed)-1 {
		return AccountID{}, fmt.Errorf("core: invalid account id %q", account)
	}
	scope, err := ParseScope(trimmed[:idx])
	if err != nil {
		return AccountID{}, err
	}
	if scope.Reference == "" {
		return AccountID{}, fmt.Errorf("core: invalid account id %q", account)
	}
	return AccountID{Scope: scope, Address: trimmed[idx+1:]}, nil
}

// ValidateScopes parses every scope and returns the normalized, sorted,
// de-duplicated set.
func ValidateScopes(scopes []string) ([]string, error) {
	if len(scopes) == 0 {
		return nil, fmt.Errorf("core: at least one scope is required")
	}
	out := make([]string, 0, len(scopes))
	for _, scope := range scopes {
		parsed, err := ParseScope(scope)
		if err != nil {
			return nil, err
		}
		out = append(out, parsed.String())
	}
	return normalizeScopeSet(out), nil
}

func normalizeScopeSet(scopes []string) []string {
	if len(scopes) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(scopes))
	out := make([]string, 0, len(scopes))
	for _, scope := range scopes {
		trimmed := strings.TrimSpace(scope)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	sort.Strings(out)
	return out
}

// accountsForScope picks the CAIP-10 accounts that belong to scope.
func accountsForScope(scope string, accounts []string) []string {
	out := []string{}
	for _, account := range accounts {
		parsed, err := ParseAccountID(account)
		if err != nil {
			continue
		}
		if parsed.Scope.String() == scope {
			out = append(out, parsed.String())
		}
	}
	return out
}

// ScopeOfAccount returns the CAIP-2 scope of a CAIP-10 account.
func ScopeOfAccount(account string) (string, error) {
	parsed, err := ParseAccountID(account)
	if err != nil {
		return "", err
	}
	return parsed.Scope.String(), nil
}
