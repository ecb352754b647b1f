package core

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
)

func TestRegistry_AttachSameIdentitySharesCore(t *testing.T) {
	registry := newTestRegistry(t, map[string]*fakeWallet{})
	ctx := context.Background()
	a, b := &recordingFacade{name: "a"}, &recordingFacade{name: "b"}

	coreA, err := registry.Attach(ctx, "myapp-multichain", a)
	if err != nil {
		t.Fatalf("attach a: %v", err)
	}
	coreB, err := registry.Attach(ctx, "myapp-multichain", b)
	if err != nil {
		t.Fatalf("attach b: %v", err)
	}
	if coreA != coreB {
		t.Fatalf("expected one core per identity")
	}
	other, err := registry.Attach(ctx, "other-multichain", a)
	if err != nil {
		t.Fatalf("attach other: %v", err)
	}
	if other == coreA {
		t.Fatalf("different identities must not share a core")
	}
	if registry.Len() != 2 || coreA.FacadeCount() != 2 {
		t.Fatalf("expected 2 cores and 2 facades, got %d and %d", registry.Len(), coreA.FacadeCount())
	}
	if _, err := registry.Attach(ctx, "myapp-multichain", a); err != nil {
		t.Fatalf("re-attach: %v", err)
	}
	if coreA.FacadeCount() != 2 {
		t.Fatalf("re-attaching the same facade must be idempotent")
	}
}

func TestRegistry_ConcurrentAttachBuildsOnce(t *testing.T) {
	built := 0
	var mu sync.Mutex
	inner := newTestRegistry(t, map[string]*fakeWallet{})
	base := inner.factory
	registry, err := NewRegistryWithFactory(func(ctx context.Context, identity string) (*Core, error) {
		mu.Lock()
		built++
		mu.Unlock()
		return base(ctx, identity)
	}, nil, nil)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	var wg sync.WaitGroup
	cores := make([]*Core, 16)
	for i := range cores {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			core, err := registry.Attach(context.Background(), "shared", &recordingFacade{})
			if err != nil {
				t.Errorf("attach: %v", err)
				return
			}
			cores[i] = core
		}(i)
	}
	wg.Wait()

	if built != 1 {
		t.Fatalf("expected one build, got %d", built)
	}
	for _, core := range cores {
		if core != cores[0] {
			t.Fatalf("expected every attach to return the same core")
		}
	}
	_ = registry.Close(context.Background())
}

func TestRegistry_FactoryErrorNotCached(t *testing.T) {
	calls := 0
	registry, _ := NewRegistryWithFactory(func(context.Context, string) (*Core, error) {
		calls++
		return nil, errBackend
	}, nil, nil)
	for i := 0; i < 2; i++ {
		if _, err := registry.Attach(context.Background(), "x", &recordingFacade{}); !errors.Is(err, errBackend) {
			t.Fatalf("expected factory error, got %v", err)
		}
	}
	if calls != 2 || registry.Len() != 0 {
		t.Fatalf("expected failed builds to be retried, got %d calls", calls)
	}
}

func TestRegistry_DetachLastTearsDown(t *testing.T) {
	wallets := map[string]*fakeWallet{}
	registry := newTestRegistry(t, wallets)
	ctx := context.Background()
	a, b := &recordingFacade{name: "a"}, &recordingFacade{name: "b"}

	core, _ := registry.Attach(ctx, "app", a)
	_, _ = registry.Attach(ctx, "app", b)
	if _, err := core.ConnectFacade(ctx, a, []string{"eip155:1"}, nil); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := registry.Detach(ctx, "app", a); err != nil {
		t.Fatalf("detach a: %v", err)
	}
	if core.Session() == nil || !core.Transport().Connected() {
		t.Fatalf("session must stay active while b is attached")
	}

	if err := registry.Detach(ctx, "app", b); err != nil {
		t.Fatalf("detach b: %v", err)
	}
	if _, ok := registry.Lookup("app"); ok {
		t.Fatalf("expected entry to be removed")
	}
	if core.Session() != nil || core.Transport().State() != TransportClosed {
		t.Fatalf("expected last detach to tear the core down")
	}
	if wallets["app"].channel.closeCount() != 1 {
		t.Fatalf("expected channel to be closed")
	}
	if _, err := core.Connect(ctx, []string{"eip155:1"}, nil); !errors.Is(err, ErrCoreClosed) {
		t.Fatalf("expected closed core, got %v", err)
	}

	// a new attach builds a fresh core
	fresh, err := registry.Attach(ctx, "app", a)
	if err != nil {
		t.Fatalf("attach after teardown: %v", err)
	}
	if fresh == core {
		t.Fatalf("expected a new core after teardown")
	}
}

func TestRegistry_TeardownCancelsPendingRequests(t *testing.T) {
	wallets := map[string]*fakeWallet{"app": {channel: &fakeChannel{}}}
	registry := newTestRegistry(t, wallets)
	ctx := context.Background()
	facade := &recordingFacade{}

	core, _ := registry.Attach(ctx, "app", facade)
	if err := core.Transport().Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	pending := sendAsync(core.Transport(), ctx, "eth_sign", nil)
	waitFor(t, "frame", func() bool { return wallets["app"].channel.sentCount() == 1 })

	if err := registry.Detach(ctx, "app", facade); err != nil {
		t.Fatalf("detach: %v", err)
	}
	result := awaitResult(t, pending)
	if ErrorKindOf(result.err) != ErrorKindCancelled {
		t.Fatalf("expected cancellation, got %v", result.err)
	}
}

func TestRegistry_FanoutInRegistrationOrder(t *testing.T) {
	wallets := map[string]*fakeWallet{}
	sink := &recordingSink{}
	registry := newTestRegistry(t, wallets, WithEventSink(sink))
	ctx := context.Background()

	var order []string
	var mu sync.Mutex
	facades := []*recordingFacade{
		{name: "first", log: &order, logMu: &mu},
		{name: "second", log: &order, logMu: &mu},
		{name: "third", log: &order, logMu: &mu},
	}
	var core *Core
	for _, facade := range facades {
		core, _ = registry.Attach(ctx, "app", facade)
	}
	if _, err := core.Connect(ctx, []string{"eip155:1"}, nil); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if !reflect.DeepEqual(order, []string{"first", "second", "third"}) {
		t.Fatalf("expected registration order, got %v", order)
	}
	if events := sink.snapshot(); len(events) != 1 || events[0].Identity != "app" {
		t.Fatalf("expected event sink to receive the change, got %+v", events)
	}
}

func TestCore_PartialDisconnectKeepsSession(t *testing.T) {
	wallets := map[string]*fakeWallet{}
	registry := newTestRegistry(t, wallets)
	ctx := context.Background()
	evm, solana := &recordingFacade{name: "evm"}, &recordingFacade{name: "solana"}

	core, _ := registry.Attach(ctx, "app", evm)
	_, _ = registry.Attach(ctx, "app", solana)
	if _, err := core.ConnectFacade(ctx, evm, []string{"eip155:1"}, nil); err != nil {
		t.Fatalf("connect evm: %v", err)
	}
	if _, err := core.ConnectFacade(ctx, solana, []string{"solana:mainnet"}, nil); err != nil {
		t.Fatalf("connect solana: %v", err)
	}

	if err := core.Disconnect(ctx, evm); err != nil {
		t.Fatalf("disconnect evm: %v", err)
	}
	if core.Session() == nil {
		t.Fatalf("session must survive while solana is active")
	}
	for _, method := range wallets["app"].channel.methods() {
		if method == MethodRevokeSession {
			t.Fatalf("partial disconnect must not revoke")
		}
	}

	if err := core.Disconnect(ctx, solana); err != nil {
		t.Fatalf("disconnect solana: %v", err)
	}
	if core.Session() != nil {
		t.Fatalf("last active facade disconnect must revoke")
	}
	events := solana.snapshot()
	if last := events[len(events)-1]; last.Type != SessionEventDisconnected {
		t.Fatalf("expected disconnect event, got %+v", last)
	}
}

func TestCore_InvokeMethod(t *testing.T) {
	wallets := map[string]*fakeWallet{}
	registry := newTestRegistry(t, wallets)
	ctx := context.Background()
	core, _ := registry.Attach(ctx, "app", &recordingFacade{})

	request := InvokeMethodRequest{Scope: "eip155:1", Request: InvokeRequest{Method: "eth_sign"}}
	if _, err := core.InvokeMethod(ctx, request); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected no active session, got %v", err)
	}
	if _, err := core.Connect(ctx, []string{"eip155:1"}, nil); err != nil {
		t.Fatalf("connect: %v", err)
	}
	sent := wallets["app"].channel.sentCount()
	if _, err := core.InvokeMethod(ctx, InvokeMethodRequest{Scope: "eip155:10", Request: InvokeRequest{Method: "eth_sign"}}); !errors.Is(err, ErrScopeNotAuthorized) {
		t.Fatalf("expected unauthorized scope, got %v", err)
	}
	if wallets["app"].channel.sentCount() != sent {
		t.Fatalf("unauthorized invocations must not reach the wallet")
	}
	if mapped := MapError(ErrScopeNotAuthorized); mapped.TextCode != ErrorUnauthorized {
		t.Fatalf("expected unauthorized text code, got %q", mapped.TextCode)
	}

	raw, err := core.InvokeMethod(ctx, request)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	var result map[string]string
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result["scope"] != "eip155:1" || result["method"] != "eth_sign" {
		t.Fatalf("unexpected forwarded request %v", result)
	}
}

func TestCore_WalletNotificationsFanOut(t *testing.T) {
	wallets := map[string]*fakeWallet{}
	registry := newTestRegistry(t, wallets)
	ctx := context.Background()
	facade := &recordingFacade{}
	core, _ := registry.Attach(ctx, "app", facade)
	if _, err := core.Connect(ctx, []string{"eip155:1"}, nil); err != nil {
		t.Fatalf("connect: %v", err)
	}

	wallets["app"].pushSessionChanged(map[string]SessionScope{
		"eip155:1": {Accounts: []string{"eip155:1:0xnew"}},
	})
	wallets["app"].channel.deliver(`{"method":"wallet_notify","params":{"scope":"eip155:1","notification":{"method":"accountsChanged"}}}`)

	waitFor(t, "change and notify events", func() bool { return len(facade.snapshot()) >= 3 })
	events := facade.snapshot()
	if len(events) != 3 {
		t.Fatalf("expected connect, change and notify events, got %d", len(events))
	}
	if events[1].Reason != ReasonWalletChanged || !reflect.DeepEqual(events[1].Session.Accounts("eip155:1"), []string{"eip155:1:0xnew"}) {
		t.Fatalf("unexpected change event %+v", events[1])
	}
	if events[2].Type != SessionEventNotification || events[2].Notification.Method != NotificationNotify {
		t.Fatalf("unexpected notify event %+v", events[2])
	}
}

func TestCore_ResumeFromPersistedSession(t *testing.T) {
	wallets := map[string]*fakeWallet{}
	shared := NewStorageClient(NewMemoryStorage())
	registry := newTestRegistry(t, wallets, WithStorage(shared))
	ctx := context.Background()
	facade := &recordingFacade{}

	core, _ := registry.Attach(ctx, "app", facade)
	if _, err := core.Connect(ctx, []string{"eip155:1"}, nil); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, found, _ := shared.Get(ctx, "app:"+StorageKeySession); !found {
		t.Fatalf("expected session to be persisted under the instance prefix")
	}
	_ = registry.Detach(ctx, "app", facade)

	resumed, _ := registry.Attach(ctx, "app", facade)
	session, err := resumed.Resume(ctx)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !session.HasScope("eip155:1") {
		t.Fatalf("expected resumed session, got %+v", session)
	}
}

func TestNewRegistry_RequiresChannelFactory(t *testing.T) {
	if _, err := NewRegistry(Config{}); err == nil {
		t.Fatalf("expected missing channel factory to fail")
	}
}

func TestRegistry_CloseRejectsAttach(t *testing.T) {
	registry := newTestRegistry(t, map[string]*fakeWallet{})
	_, _ = registry.Attach(context.Background(), "app", &recordingFacade{})
	if err := registry.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := registry.Attach(context.Background(), "app", &recordingFacade{}); !errors.Is(err, ErrRegistryClosed) {
		t.Fatalf("expected closed registry, got %v", err)
	}
}
