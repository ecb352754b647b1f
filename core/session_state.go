package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	MethodCreateSession = "wallet_createSession"
	MethodGetSession    = "wallet_getSession"
	MethodRevokeSession = "wallet_revokeSession"
	MethodInvokeMethod  = "wallet_invokeMethod"

	NotificationSessionChanged = "wallet_sessionChanged"
	NotificationNotify         = "wallet_notify"
)

// Requester sends one correlated request. *Transport implements it.
type Requester interface {
	Send(ctx context.Context, method string, params any) (json.RawMessage, error)
}

type scopeRequest struct {
	Methods       []string `json:"methods"`
	Notifications []string `json:"notifications"`
	Accounts      []string `json:"accounts,omitempty"`
}

type createSessionParams struct {
	OptionalScopes    map[string]scopeRequest `json:"optionalScopes"`
	SessionProperties map[string]any          `json:"sessionProperties,omitempty"`
}

type sessionSnapshot struct {
	session *Session
	version uint64
}

type SessionStateOption func(*SessionState)

func WithExtendMethod(method string) SessionStateOption {
	return func(s *SessionState) {
		if method = strings.TrimSpace(method); method != "" {
			s.extendMethod = method
		}
	}
}

func WithSessionObserver(logger Logger, metrics MetricsRecorder) SessionStateOption {
	return func(s *SessionState) {
		s.obs = newObserver(logger, metrics)
	}
}

func WithSessionIdentity(identity string) SessionStateOption {
	return func(s *SessionState) {
		s.identity = strings.TrimSpace(identity)
	}
}

// SessionState owns the live session snapshot. Snapshots are replaced
// wholesale; readers never see a partially updated session. Events are
// delivered in the order the snapshots were produced.
type SessionState struct {
	requester    Requester
	extendMethod string
	identity     string
	obs          observer

	// opMu serializes wallet round trips that mutate the session.
	opMu sync.Mutex

	mu       sync.Mutex
	version  uint64
	queue    []SessionEvent
	emitting bool

	current     atomic.Pointer[sessionSnapshot]
	subscribers subscriberTable[SessionEvent]
}

func NewSessionState(requester Requester, opts ...SessionStateOption) (*SessionState, error) {
	if requester == nil {
		return nil, badInputError("core: session requester is required")
	}
	s := &SessionState{
		requester:    requester,
		extendMethod: MethodCreateSession,
		obs:          newObserver(nil, nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.current.Store(&sessionSnapshot{})
	return s, nil
}

// Current returns a copy of the active session, or nil.
func (s *SessionState) Current() *Session {
	snapshot := s.current.Load()
	if snapshot == nil || snapshot.session.IsEmpty() {
		return nil
	}
	return snapshot.session.Clone()
}

func (s *SessionState) Version() uint64 {
	snapshot := s.current.Load()
	if snapshot == nil {
		return 0
	}
	return snapshot.version
}

func (s *SessionState) Subscribe(handler func(SessionEvent)) func() {
	return s.subscribers.add(handler)
}

// RequestScopes reconciles scopes with the active session. A request already
// covered by the session returns it without a wallet round trip.
func (s *SessionState) RequestScopes(ctx context.Context, scopes []string, accounts []string) (*Session, ScopeMergePlan, error) {
	requested, err := ValidateScopes(scopes)
	if err != nil {
		return nil, ScopeMergePlan{}, badInputError(err.Error())
	}

	defer s.emitPending()
	s.opMu.Lock()
	defer s.opMu.Unlock()

	startedAt := time.Now()
	current := s.Current()
	plan := PlanScopeMerge(current, requested)
	fields := map[string]any{
		"decision": string(plan.Decision),
		"scopes":   strings.Join(plan.Scopes, ","),
		"identity": s.identity,
	}
	if plan.Decision == MergeNoop {
		s.obs.observe(ctx, startedAt, "session_request_scopes", nil, fields)
		return current, plan, nil
	}

	method, reason := MethodCreateSession, ReasonConnect
	if plan.Decision == MergeExtend {
		method, reason = s.extendMethod, ReasonExtend
	}
	fields["method"] = method

	params := createSessionParams{OptionalScopes: make(map[string]scopeRequest, len(plan.Scopes))}
	for _, scope := range plan.Scopes {
		if existing, ok := current.Scope(scope); ok {
			params.OptionalScopes[scope] = scopeRequest{
				Methods:       existing.Methods,
				Notifications: existing.Notifications,
				Accounts:      existing.Accounts,
			}
			continue
		}
		params.OptionalScopes[scope] = scopeRequest{
			Methods:       []string{},
			Notifications: []string{},
			Accounts:      accountsForScope(scope, accounts),
		}
	}
	if current != nil && len(current.SessionProperties) > 0 {
		params.SessionProperties = current.SessionProperties
	}

	raw, err := s.requester.Send(ctx, method, params)
	if err != nil {
		s.obs.observe(ctx, startedAt, "session_request_scopes", err, fields)
		return nil, plan, err
	}
	session, err := decodeSession(raw)
	if err != nil {
		err = fmt.Errorf("core: decode %s result: %w", method, err)
		s.obs.observe(ctx, startedAt, "session_request_scopes", err, fields)
		return nil, plan, err
	}
	if session.IsEmpty() {
		err = fmt.Errorf("%w: %s returned no scopes", ErrNoActiveSession, method)
		s.obs.observe(ctx, startedAt, "session_request_scopes", err, fields)
		return nil, plan, err
	}
	s.commit(session, reason)
	s.obs.observe(ctx, startedAt, "session_request_scopes", nil, fields)
	return session.Clone(), plan, nil
}

// HandleSessionChanged applies a wallet_sessionChanged payload. The payload
// replaces the snapshot wholesale; an empty payload ends the session.
func (s *SessionState) HandleSessionChanged(params json.RawMessage) error {
	session, err := decodeSession(params)
	if err != nil {
		s.obs.warn(context.Background(), "discarding malformed session change", map[string]any{
			"identity": s.identity,
			"error":    err.Error(),
		})
		return fmt.Errorf("core: decode %s: %w", NotificationSessionChanged, err)
	}
	s.replace(session, ReasonWalletChanged)
	return nil
}

// Refresh replaces the snapshot with the wallet's view from wallet_getSession.
func (s *SessionState) Refresh(ctx context.Context) (*Session, error) {
	defer s.emitPending()
	s.opMu.Lock()
	defer s.opMu.Unlock()

	startedAt := time.Now()
	raw, err := s.requester.Send(ctx, MethodGetSession, map[string]any{})
	var session *Session
	if err == nil {
		session, err = decodeSession(raw)
	}
	s.obs.observe(ctx, startedAt, "session_refresh", err, map[string]any{
		"identity": s.identity,
		"method":   MethodGetSession,
	})
	if err != nil {
		return nil, err
	}
	s.commit(session, ReasonRefresh)
	return session.Clone(), nil
}

// Revoke asks the wallet to end the session and clears the snapshot. The
// snapshot stays untouched when the wallet call fails.
func (s *SessionState) Revoke(ctx context.Context) error {
	defer s.emitPending()
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.Current().IsEmpty() {
		return nil
	}
	startedAt := time.Now()
	_, err := s.requester.Send(ctx, MethodRevokeSession, map[string]any{})
	s.obs.observe(ctx, startedAt, "session_revoke", err, map[string]any{
		"identity": s.identity,
		"method":   MethodRevokeSession,
	})
	if err != nil {
		return err
	}
	s.commit(nil, ReasonRevoke)
	return nil
}

// Restore installs a previously persisted snapshot.
func (s *SessionState) Restore(session *Session) {
	if session.IsEmpty() {
		return
	}
	s.replace(session, ReasonResume)
}

// Reset drops the snapshot without notifying subscribers.
func (s *SessionState) Reset() {
	s.mu.Lock()
	s.version++
	s.current.Store(&sessionSnapshot{version: s.version})
	s.mu.Unlock()
}

func (s *SessionState) replace(session *Session, reason string) {
	s.commit(session, reason)
	s.emitPending()
}

// commit swaps the snapshot and queues its event. Wallet round trips commit
// under opMu and emit after releasing it, so subscribers may start another
// round trip.
func (s *SessionState) commit(session *Session, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version++
	snapshot := &sessionSnapshot{session: session.Clone(), version: s.version}
	s.current.Store(snapshot)

	event := SessionEvent{
		Type:     SessionEventChanged,
		Identity: s.identity,
		Session:  snapshot.session.Clone(),
		Version:  snapshot.version,
		Reason:   reason,
	}
	if session.IsEmpty() {
		event.Type = SessionEventDisconnected
		event.Session = nil
	}
	s.queue = append(s.queue, event)
}

// emitPending delivers queued events in order. A call made while another
// emission is running leaves its events to that emitter.
func (s *SessionState) emitPending() {
	s.mu.Lock()
	if s.emitting {
		s.mu.Unlock()
		return
	}
	s.emitting = true
	for len(s.queue) > 0 {
		next := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		s.subscribers.emit(next)
		s.mu.Lock()
	}
	s.emitting = false
	s.mu.Unlock()
}
