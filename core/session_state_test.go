package core

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"
)

func newWalletSession(t *testing.T) (*fakeWallet, *Transport, *SessionState) {
	t.Helper()
	wallet := newFakeWallet()
	transport := newTestTransport(t, wallet.channel)
	state, err := NewSessionState(transport, WithSessionIdentity("my-dapp-multichain"))
	if err != nil {
		t.Fatalf("new session state: %v", err)
	}
	return wallet, transport, state
}

func TestPlanScopeMerge(t *testing.T) {
	session := &Session{SessionScopes: map[string]SessionScope{
		"eip155:1":   {},
		"eip155:137": {},
	}}
	tests := []struct {
		name      string
		current   *Session
		requested []string
		decision  MergeDecision
		scopes    []string
		added     []string
	}{
		{"no session creates", nil, []string{"eip155:1"}, MergeCreate, []string{"eip155:1"}, []string{"eip155:1"}},
		{"subset is noop", session, []string{"eip155:137"}, MergeNoop, []string{"eip155:1", "eip155:137"}, []string{}},
		{"order independent", session, []string{"eip155:137", "eip155:1"}, MergeNoop, []string{"eip155:1", "eip155:137"}, []string{}},
		{"superset extends", session, []string{"eip155:1", "solana:mainnet"}, MergeExtend, []string{"eip155:1", "eip155:137", "solana:mainnet"}, []string{"solana:mainnet"}},
		{"disjoint extends with union", session, []string{"solana:mainnet"}, MergeExtend, []string{"eip155:1", "eip155:137", "solana:mainnet"}, []string{"solana:mainnet"}},
		{"duplicates collapse", nil, []string{"eip155:1", "eip155:1"}, MergeCreate, []string{"eip155:1"}, []string{"eip155:1"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			plan := PlanScopeMerge(tc.current, tc.requested)
			if plan.Decision != tc.decision {
				t.Fatalf("expected %s, got %s", tc.decision, plan.Decision)
			}
			if !reflect.DeepEqual(plan.Scopes, tc.scopes) {
				t.Fatalf("expected scopes %v, got %v", tc.scopes, plan.Scopes)
			}
			if !reflect.DeepEqual(plan.Added, tc.added) {
				t.Fatalf("expected added %v, got %v", tc.added, plan.Added)
			}
		})
	}
}

func TestParseScope(t *testing.T) {
	valid := []string{"eip155:1", "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp", "wallet", "bip122:000000000019d6689c085ae165831e93"}
	for _, scope := range valid {
		if _, err := ParseScope(scope); err != nil {
			t.Fatalf("expected %q to parse: %v", scope, err)
		}
	}
	invalid := []string{"", "EIP155:1", "ab:1", "eip155:", "eip155:with space", "toolongnamespace:1"}
	for _, scope := range invalid {
		if _, err := ParseScope(scope); err == nil {
			t.Fatalf("expected %q to be rejected", scope)
		}
	}

	scope, err := ScopeOfAccount("eip155:1:0xabc")
	if err != nil || scope != "eip155:1" {
		t.Fatalf("expected eip155:1, got %q %v", scope, err)
	}
	if _, err := ParseAccountID("eip155:0xabc"); err == nil {
		t.Fatalf("expected account without reference to be rejected")
	}
}

func TestSessionState_CreateThenNoopThenExtend(t *testing.T) {
	wallet, _, state := newWalletSession(t)
	ctx := context.Background()

	var events []SessionEvent
	state.Subscribe(func(event SessionEvent) { events = append(events, event) })

	session, plan, err := state.RequestScopes(ctx, []string{"eip155:1"}, []string{"eip155:1:0x111"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if plan.Decision != MergeCreate || !reflect.DeepEqual(session.Scopes(), []string{"eip155:1"}) {
		t.Fatalf("unexpected create result %v %v", plan.Decision, session.Scopes())
	}
	if accounts := session.Accounts("eip155:1"); !reflect.DeepEqual(accounts, []string{"eip155:1:0x111"}) {
		t.Fatalf("expected requested account to be forwarded, got %v", accounts)
	}

	sent := wallet.channel.sentCount()
	session, plan, err = state.RequestScopes(ctx, []string{"eip155:1"}, nil)
	if err != nil {
		t.Fatalf("noop request: %v", err)
	}
	if plan.Decision != MergeNoop || wallet.channel.sentCount() != sent {
		t.Fatalf("expected noop without round trip, got %s with %d frames", plan.Decision, wallet.channel.sentCount()-sent)
	}
	if !reflect.DeepEqual(session.Scopes(), []string{"eip155:1"}) {
		t.Fatalf("noop must keep the session, got %v", session.Scopes())
	}

	session, plan, err = state.RequestScopes(ctx, []string{"solana:mainnet"}, nil)
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	if plan.Decision != MergeExtend {
		t.Fatalf("expected extend, got %s", plan.Decision)
	}
	if !reflect.DeepEqual(session.Scopes(), []string{"eip155:1", "solana:mainnet"}) {
		t.Fatalf("expected union, got %v", session.Scopes())
	}
	if accounts := session.Accounts("eip155:1"); !reflect.DeepEqual(accounts, []string{"eip155:1:0x111"}) {
		t.Fatalf("extend must carry existing accounts, got %v", accounts)
	}

	envelope := wallet.channel.sentEnvelope(t, wallet.channel.sentCount()-1)
	var params createSessionParams
	if err := json.Unmarshal(envelope.Params, &params); err != nil {
		t.Fatalf("decode extend params: %v", err)
	}
	if len(params.OptionalScopes) != 2 {
		t.Fatalf("expected extend to carry the union, got %v", params.OptionalScopes)
	}

	if len(events) != 2 || events[0].Reason != ReasonConnect || events[1].Reason != ReasonExtend {
		t.Fatalf("unexpected events %+v", events)
	}
	if events[1].Version <= events[0].Version {
		t.Fatalf("expected monotonically increasing versions")
	}
}

func TestSessionState_InvalidScopesRejectedLocally(t *testing.T) {
	wallet, _, state := newWalletSession(t)
	if _, _, err := state.RequestScopes(context.Background(), []string{"NOT A SCOPE"}, nil); err == nil {
		t.Fatalf("expected invalid scope to be rejected")
	}
	if _, _, err := state.RequestScopes(context.Background(), nil, nil); err == nil {
		t.Fatalf("expected empty scope list to be rejected")
	}
	if wallet.channel.sentCount() != 0 {
		t.Fatalf("expected no wallet round trip")
	}
}

func TestSessionState_WalletRejectionKeepsSnapshot(t *testing.T) {
	wallet, _, state := newWalletSession(t)
	ctx := context.Background()
	if _, _, err := state.RequestScopes(ctx, []string{"eip155:1"}, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	wallet.reject(MethodCreateSession, `{"code":4001,"message":"User rejected the request"}`)

	_, _, err := state.RequestScopes(ctx, []string{"eip155:10"}, nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != 4001 {
		t.Fatalf("expected user rejection, got %v", err)
	}
	if scopes := state.Current().Scopes(); !reflect.DeepEqual(scopes, []string{"eip155:1"}) {
		t.Fatalf("rejection must not touch the snapshot, got %v", scopes)
	}
}

func TestSessionState_SessionChangedReplacesWholesale(t *testing.T) {
	wallet, _, state := newWalletSession(t)
	if _, _, err := state.RequestScopes(context.Background(), []string{"eip155:1", "eip155:10"}, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	var events []SessionEvent
	state.Subscribe(func(event SessionEvent) { events = append(events, event) })

	payload, _ := json.Marshal(Session{SessionScopes: map[string]SessionScope{
		"eip155:137": {Accounts: []string{"eip155:137:0x999"}},
	}})
	if err := state.HandleSessionChanged(payload); err != nil {
		t.Fatalf("session changed: %v", err)
	}
	if scopes := state.Current().Scopes(); !reflect.DeepEqual(scopes, []string{"eip155:137"}) {
		t.Fatalf("expected wholesale replacement, got %v", scopes)
	}
	if err := state.HandleSessionChanged(json.RawMessage(`{"sessionScopes":{}}`)); err != nil {
		t.Fatalf("empty change: %v", err)
	}
	if state.Current() != nil {
		t.Fatalf("expected empty change to end the session")
	}
	if err := state.HandleSessionChanged(json.RawMessage(`{"sessionScopes":[`)); err == nil {
		t.Fatalf("expected malformed payload to fail")
	}
	if len(events) != 2 || events[0].Type != SessionEventChanged || events[1].Type != SessionEventDisconnected {
		t.Fatalf("unexpected events %+v", events)
	}
	_ = wallet
}

func TestSessionState_SnapshotIsolation(t *testing.T) {
	_, _, state := newWalletSession(t)
	if _, _, err := state.RequestScopes(context.Background(), []string{"eip155:1"}, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	snapshot := state.Current()
	snapshot.SessionScopes["eip155:1"] = SessionScope{Accounts: []string{"tampered"}}
	delete(snapshot.SessionScopes, "eip155:1")

	if !state.Current().HasScope("eip155:1") {
		t.Fatalf("mutating a returned snapshot must not affect the state")
	}
}

func TestSessionState_RefreshAndRevoke(t *testing.T) {
	wallet, _, state := newWalletSession(t)
	ctx := context.Background()
	if _, _, err := state.RequestScopes(ctx, []string{"eip155:1"}, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	wallet.mu.Lock()
	wallet.scopes["eip155:5"] = SessionScope{Accounts: []string{"eip155:5:0x1"}}
	wallet.mu.Unlock()
	session, err := state.Refresh(ctx)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !reflect.DeepEqual(session.Scopes(), []string{"eip155:1", "eip155:5"}) {
		t.Fatalf("expected refreshed scopes, got %v", session.Scopes())
	}

	var disconnected bool
	state.Subscribe(func(event SessionEvent) {
		if event.Type == SessionEventDisconnected && event.Reason == ReasonRevoke {
			disconnected = true
		}
	})
	if err := state.Revoke(ctx); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if state.Current() != nil || !disconnected {
		t.Fatalf("expected revoke to clear the session and notify")
	}
	sent := wallet.channel.sentCount()
	if err := state.Revoke(ctx); err != nil {
		t.Fatalf("revoke without session: %v", err)
	}
	if wallet.channel.sentCount() != sent {
		t.Fatalf("revoke without session must not reach the wallet")
	}
}

func TestSessionState_ReentrantEventsStayOrdered(t *testing.T) {
	_, _, state := newWalletSession(t)

	var versions []uint64
	first := true
	state.Subscribe(func(event SessionEvent) {
		versions = append(versions, event.Version)
		if first {
			first = false
			_ = state.HandleSessionChanged(json.RawMessage(`{"sessionScopes":{"eip155:2":{"accounts":[],"methods":[],"notifications":[]}}}`))
		}
	})
	_ = state.HandleSessionChanged(json.RawMessage(`{"sessionScopes":{"eip155:1":{"accounts":[],"methods":[],"notifications":[]}}}`))

	if len(versions) != 2 || versions[0] >= versions[1] {
		t.Fatalf("expected ordered delivery, got %v", versions)
	}
	if !state.Current().HasScope("eip155:2") {
		t.Fatalf("expected latest snapshot to win")
	}
}

func TestSessionState_SubscriberCanStartRoundTrip(t *testing.T) {
	_, _, state := newWalletSession(t)
	ctx := context.Background()

	var (
		mu      sync.Mutex
		reasons []string
		nested  []error
	)
	state.Subscribe(func(event SessionEvent) {
		mu.Lock()
		reasons = append(reasons, event.Reason)
		mu.Unlock()

		var err error
		switch event.Reason {
		case ReasonConnect:
			_, _, err = state.RequestScopes(ctx, []string{"solana:mainnet"}, nil)
		case ReasonExtend:
			_, err = state.Refresh(ctx)
		default:
			return
		}
		mu.Lock()
		nested = append(nested, err)
		mu.Unlock()
	})

	done := make(chan error, 1)
	go func() {
		_, _, err := state.RequestScopes(ctx, []string{"eip155:1"}, nil)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("round trip started from a subscriber deadlocked")
	}

	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(reasons, []string{ReasonConnect, ReasonExtend, ReasonRefresh}) {
		t.Fatalf("expected connect, extend and refresh in order, got %v", reasons)
	}
	for _, err := range nested {
		if err != nil {
			t.Fatalf("nested round trip: %v", err)
		}
	}
	if !reflect.DeepEqual(state.Current().Scopes(), []string{"eip155:1", "solana:mainnet"}) {
		t.Fatalf("expected extended session, got %v", state.Current().Scopes())
	}
}
