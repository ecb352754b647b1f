package client

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-multichain/core"
	"github.com/goliatone/go-multichain/transport/memwallet"
)

type walletBook struct {
	mu      sync.Mutex
	wallets map[string][]*memwallet.Wallet
}

func (b *walletBook) add(identity string, wallet *memwallet.Wallet) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wallets[identity] = append(b.wallets[identity], wallet)
}

func (b *walletBook) latest(t *testing.T, identity string) *memwallet.Wallet {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.wallets[identity]
	if len(list) == 0 {
		t.Fatalf("no wallet built for %s", identity)
	}
	return list[len(list)-1]
}

func (b *walletBook) count(identity string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.wallets[identity])
}

func newTestRegistry(t *testing.T, opts ...memwallet.Option) (*core.Registry, *walletBook) {
	t.Helper()
	book := &walletBook{wallets: map[string][]*memwallet.Wallet{}}
	defaults := []memwallet.Option{
		memwallet.WithAccounts(NamespaceEIP155, "0xabc"),
		memwallet.WithAccounts(NamespaceSolana, "So1anaAddr"),
		memwallet.WithMethod("eth_blockNumber", func(scope string, _ json.RawMessage) (any, error) {
			return "0x10", nil
		}),
		memwallet.WithMethod("getBalance", func(scope string, _ json.RawMessage) (any, error) {
			return map[string]any{"scope": scope, "lamports": 5}, nil
		}),
	}
	registry, err := core.NewRegistry(core.Config{}, core.WithChannelFactory(
		memwallet.Factory(book.add, append(defaults, opts...)...),
	))
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(func() { _ = registry.Close(context.Background()) })
	return registry, book
}

func TestFacades_ShareSessionAcrossKinds(t *testing.T) {
	ctx := context.Background()
	registry, book := newTestRegistry(t)

	a, err := NewMultichain(ctx, registry, DappMetadata{Name: "MyApp"})
	if err != nil {
		t.Fatalf("facade a: %v", err)
	}
	b, err := NewMultichain(ctx, registry, DappMetadata{Name: "MyApp"})
	if err != nil {
		t.Fatalf("facade b: %v", err)
	}
	if a.Core() != b.Core() || a.Identity() != "myapp-multichain" {
		t.Fatalf("expected one shared core for %q", a.Identity())
	}

	if _, err := a.Connect(ctx, []string{"eip155:1"}, nil); err != nil {
		t.Fatalf("a connect: %v", err)
	}
	session, err := b.Connect(ctx, []string{"solana:mainnet"}, nil)
	if err != nil {
		t.Fatalf("b connect: %v", err)
	}
	if !reflect.DeepEqual(session.Scopes(), []string{"eip155:1", "solana:mainnet"}) {
		t.Fatalf("expected union of scopes, got %v", session.Scopes())
	}

	if err := a.Close(ctx); err != nil {
		t.Fatalf("a close: %v", err)
	}
	if scopes := b.Session().Scopes(); !reflect.DeepEqual(scopes, []string{"eip155:1", "solana:mainnet"}) {
		t.Fatalf("a detaching must leave the session intact, got %v", scopes)
	}
	if registry.Len() != 1 {
		t.Fatalf("expected the core to survive while b is attached")
	}

	if err := b.Close(ctx); err != nil {
		t.Fatalf("b close: %v", err)
	}
	if registry.Len() != 0 {
		t.Fatalf("expected last close to tear the core down")
	}
	if book.count("myapp-multichain") != 1 {
		t.Fatalf("expected one channel for the shared core")
	}
}

func TestFacades_AttachOrderIndependent(t *testing.T) {
	ctx := context.Background()
	registry, _ := newTestRegistry(t)

	solana, err := NewSolana(ctx, registry, DappMetadata{Name: "MyApp"}, WithNetwork("devnet"))
	if err != nil {
		t.Fatalf("solana: %v", err)
	}
	evm, err := NewEVM(ctx, registry, DappMetadata{Name: "MyApp"}, WithChainID("0x89"))
	if err != nil {
		t.Fatalf("evm: %v", err)
	}
	if _, err := solana.Connect(ctx); err != nil {
		t.Fatalf("solana connect: %v", err)
	}
	accounts, err := evm.Connect(ctx)
	if err != nil {
		t.Fatalf("evm connect: %v", err)
	}
	if !reflect.DeepEqual(accounts, []string{"0xabc"}) {
		t.Fatalf("expected evm addresses, got %v", accounts)
	}
	if scopes := evm.Session().Scopes(); !reflect.DeepEqual(scopes, []string{"eip155:137", SolanaDevnet}) {
		t.Fatalf("expected union, got %v", scopes)
	}
	if !reflect.DeepEqual(solana.Accounts(), []string{"So1anaAddr"}) {
		t.Fatalf("unexpected solana accounts %v", solana.Accounts())
	}
}

func TestFacades_PartialDisconnectKeepsSession(t *testing.T) {
	ctx := context.Background()
	registry, book := newTestRegistry(t)
	evm, _ := NewEVM(ctx, registry, DappMetadata{Name: "MyApp"})
	solana, _ := NewSolana(ctx, registry, DappMetadata{Name: "MyApp"})

	var evmDisconnects, solanaDisconnects int
	evm.OnDisconnect(func() { evmDisconnects++ })
	solana.OnDisconnect(func() { solanaDisconnects++ })

	if _, err := evm.Connect(ctx); err != nil {
		t.Fatalf("evm connect: %v", err)
	}
	if _, err := solana.Connect(ctx); err != nil {
		t.Fatalf("solana connect: %v", err)
	}

	if err := evm.Disconnect(ctx); err != nil {
		t.Fatalf("evm disconnect: %v", err)
	}
	if solana.Session() == nil || evmDisconnects != 0 {
		t.Fatalf("disconnecting one facade must not end the shared session")
	}
	wallet := book.latest(t, "myapp-multichain")
	for _, call := range wallet.Calls() {
		if call == core.MethodRevokeSession {
			t.Fatalf("no revoke expected while solana is active")
		}
	}

	if err := solana.Disconnect(ctx); err != nil {
		t.Fatalf("solana disconnect: %v", err)
	}
	if solana.Session() != nil {
		t.Fatalf("expected the last active facade to revoke the session")
	}
	if evmDisconnects != 1 || solanaDisconnects != 1 {
		t.Fatalf("expected every facade to observe the disconnect, got %d %d", evmDisconnects, solanaDisconnects)
	}
}

func TestFacades_SessionChangedFanOut(t *testing.T) {
	ctx := context.Background()
	registry, book := newTestRegistry(t)
	first, _ := NewMultichain(ctx, registry, DappMetadata{Name: "MyApp"})
	second, _ := NewMultichain(ctx, registry, DappMetadata{Name: "MyApp"})

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string) func(*core.Session) {
		return func(*core.Session) {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
		}
	}
	snapshot := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), order...)
	}
	first.OnSessionChanged(record("first"))
	unsubscribe := second.OnSessionChanged(record("second"))

	if _, err := first.Connect(ctx, []string{"eip155:1"}, nil); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if got := snapshot(); !reflect.DeepEqual(got, []string{"first", "second"}) {
		t.Fatalf("expected registration order, got %v", got)
	}

	unsubscribe()
	unsubscribe()
	wallet := book.latest(t, "myapp-multichain")
	if err := wallet.ChangeSession(map[string]core.SessionScope{"eip155:10": {Accounts: []string{"eip155:10:0xdef"}}}); err != nil {
		t.Fatalf("change session: %v", err)
	}
	waitUntil(t, "wallet change", func() bool { return second.Session().HasScope("eip155:10") })
	if got := snapshot(); !reflect.DeepEqual(got, []string{"first", "second", "first"}) {
		t.Fatalf("expected unsubscribed handler to stay silent, got %v", got)
	}

	notes := make(chan core.Notification, 1)
	second.OnNotification(func(n core.Notification) { notes <- n })
	if err := wallet.Notify("eip155:10", "eth_subscription", map[string]any{"result": "0x1"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	select {
	case n := <-notes:
		if n.Method != core.NotificationNotify {
			t.Fatalf("expected wallet_notify on the facade, got %+v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for wallet_notify")
	}
}

func TestFacades_ConnectFromSessionChangedHandler(t *testing.T) {
	ctx := context.Background()
	registry, _ := newTestRegistry(t)
	a, _ := NewMultichain(ctx, registry, DappMetadata{Name: "MyApp"})
	b, _ := NewMultichain(ctx, registry, DappMetadata{Name: "MyApp"})

	nested := make(chan error, 1)
	var once sync.Once
	b.OnSessionChanged(func(session *core.Session) {
		if session.HasScope(SolanaMainnet) {
			return
		}
		once.Do(func() {
			_, err := b.Connect(ctx, []string{SolanaMainnet}, nil)
			nested <- err
		})
	})

	done := make(chan error, 1)
	go func() {
		_, err := a.Connect(ctx, []string{"eip155:1"}, nil)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("connect from a session handler deadlocked")
	}
	if err := <-nested; err != nil {
		t.Fatalf("nested connect: %v", err)
	}
	session := a.Session()
	if !session.HasScope("eip155:1") || !session.HasScope(SolanaMainnet) {
		t.Fatalf("expected both scopes on the shared session, got %v", session.Scopes())
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestMultichain_InvokeMethod(t *testing.T) {
	ctx := context.Background()
	registry, _ := newTestRegistry(t)
	m, _ := NewMultichain(ctx, registry, DappMetadata{Name: "MyApp"})

	if _, err := m.InvokeMethod(ctx, SolanaMainnet, "getBalance", nil); !errors.Is(err, core.ErrNoActiveSession) {
		t.Fatalf("expected no session error, got %v", err)
	}
	if _, err := m.Connect(ctx, []string{SolanaMainnet}, nil); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := m.InvokeMethod(ctx, "eip155:1", "eth_blockNumber", nil); !errors.Is(err, core.ErrScopeNotAuthorized) {
		t.Fatalf("expected scope error, got %v", err)
	}
	result, err := m.InvokeMethod(ctx, SolanaMainnet, "getBalance", nil)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	var balance map[string]any
	_ = json.Unmarshal(result, &balance)
	if balance["scope"] != SolanaMainnet {
		t.Fatalf("unexpected balance %v", balance)
	}

	if err := m.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := m.Close(ctx); err != nil {
		t.Fatalf("second close must be a no-op: %v", err)
	}
	if _, err := m.InvokeMethod(ctx, SolanaMainnet, "getBalance", nil); !errors.Is(err, core.ErrCoreClosed) {
		t.Fatalf("expected closed facade error, got %v", err)
	}
}

func TestMultichain_ResumeAfterTeardown(t *testing.T) {
	ctx := context.Background()
	registry, _ := newTestRegistry(t)
	first, _ := NewMultichain(ctx, registry, DappMetadata{Name: "MyApp"})
	if _, err := first.Connect(ctx, []string{"eip155:1"}, nil); err != nil {
		t.Fatalf("connect: %v", err)
	}
	_ = first.Close(ctx)

	resumed, err := NewMultichain(ctx, registry, DappMetadata{Name: "MyApp"}, WithResume(true))
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	// The new wallet has no grant, so confirming the snapshot clears it.
	if resumed.Session() != nil {
		t.Fatalf("expected wallet confirmation to win over the stored snapshot, got %v", resumed.Session().Scopes())
	}

	request, err := resumed.ConnectionRequest()
	if err != nil || request.Link == "" {
		t.Fatalf("expected a pairing request, got %+v %v", request, err)
	}
}

func TestFacade_Validation(t *testing.T) {
	ctx := context.Background()
	registry, _ := newTestRegistry(t)
	if _, err := NewMultichain(ctx, nil, DappMetadata{Name: "x"}); err == nil {
		t.Fatalf("expected nil registry to fail")
	}
	if _, err := NewMultichain(ctx, registry, DappMetadata{Name: "  "}); err == nil {
		t.Fatalf("expected blank dapp name to fail")
	}
	if _, err := NewSolana(ctx, registry, DappMetadata{Name: "x"}, WithNetwork("eip155:1")); err == nil {
		t.Fatalf("expected non solana network to fail")
	}
	if registry.Len() != 0 {
		t.Fatalf("failed construction must not leave a core attached")
	}
}
