package core

import (
	"encoding/json"
	"sort"
)

type SessionScope struct {
	Accounts      []string `json:"accounts"`
	Methods       []string `json:"methods"`
	Notifications []string `json:"notifications"`
}

func (s SessionScope) clone() SessionScope {
	return SessionScope{
		Accounts:      append([]string{}, s.Accounts...),
		Methods:       append([]string{}, s.Methods...),
		Notifications: append([]string{}, s.Notifications...),
	}
}

// Session is an immutable snapshot of the authorized multichain session. A
// nil or empty Session means there is no active session.
type Session struct {
	SessionScopes     map[string]SessionScope `json:"sessionScopes"`
	SessionProperties map[string]any          `json:"sessionProperties,omitempty"`
}

func (s *Session) IsEmpty() bool {
	return s == nil || len(s.SessionScopes) == 0
}

// Scopes returns the sorted scope keys.
func (s *Session) Scopes() []string {
	if s.IsEmpty() {
		return []string{}
	}
	out := make([]string, 0, len(s.SessionScopes))
	for scope := range s.SessionScopes {
		out = append(out, scope)
	}
	sort.Strings(out)
	return out
}

func (s *Session) HasScope(scope string) bool {
	if s.IsEmpty() {
		return false
	}
	_, ok := s.SessionScopes[scope]
	return ok
}

func (s *Session) Scope(scope string) (SessionScope, bool) {
	if s.IsEmpty() {
		return SessionScope{}, false
	}
	entry, ok := s.SessionScopes[scope]
	if !ok {
		return SessionScope{}, false
	}
	return entry.clone(), true
}

// Accounts returns the CAIP-10 accounts authorized for scope.
func (s *Session) Accounts(scope string) []string {
	entry, ok := s.Scope(scope)
	if !ok {
		return []string{}
	}
	return entry.Accounts
}

func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := &Session{SessionScopes: make(map[string]SessionScope, len(s.SessionScopes))}
	for scope, entry := range s.SessionScopes {
		out.SessionScopes[scope] = entry.clone()
	}
	if len(s.SessionProperties) > 0 {
		out.SessionProperties = make(map[string]any, len(s.SessionProperties))
		for key, value := range s.SessionProperties {
			out.SessionProperties[key] = value
		}
	}
	return out
}

func decodeSession(raw json.RawMessage) (*Session, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	session := &Session{}
	if err := json.Unmarshal(raw, session); err != nil {
		return nil, err
	}
	if session.IsEmpty() {
		return nil, nil
	}
	return session, nil
}

type MergeDecision string

const (
	MergeCreate MergeDecision = "create"
	MergeNoop   MergeDecision = "noop"
	MergeExtend MergeDecision = "extend"
)

// ScopeMergePlan says how a scope request reconciles with the active session.
type ScopeMergePlan struct {
	Decision MergeDecision
	// Scopes is the set to request from the wallet: the requested set for
	// a create, the union for an extend, the existing set for a no-op.
	Scopes []string
	// Added holds requested scopes not yet in the session.
	Added []string
}

// PlanScopeMerge compares requested against current using set semantics.
func PlanScopeMerge(current *Session, requested []string) ScopeMergePlan {
	wanted := normalizeScopeSet(requested)
	if current.IsEmpty() {
		return ScopeMergePlan{Decision: MergeCreate, Scopes: wanted, Added: wanted}
	}

	existing := current.Scopes()
	added := []string{}
	for _, scope := range wanted {
		if !current.HasScope(scope) {
			added = append(added, scope)
		}
	}
	if len(added) == 0 {
		return ScopeMergePlan{Decision: MergeNoop, Scopes: existing, Added: added}
	}
	return ScopeMergePlan{
		Decision: MergeExtend,
		Scopes:   normalizeScopeSet(append(append([]string{}, existing...), wanted...)),
		Added:    added,
	}
}
