package client

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/goliatone/go-multichain/core"
)

const (
	NamespaceEIP155 = "eip155"

	DefaultEVMChainID = "0x1"

	MethodEthChainID          = "eth_chainId"
	MethodEthAccounts         = "eth_accounts"
	MethodEthRequestAccounts  = "eth_requestAccounts"
	MethodSwitchEthereumChain = "wallet_switchEthereumChain"
)

// EVM exposes an EIP-1193 style surface over the shared session. Chain ids
// are hex strings such as "0x89".
type EVM struct {
	*facade

	mu            sync.Mutex
	chainID       string
	chainHandlers []func(chainID string)
}

// WithChainID sets the initially active EVM chain. Invalid ids are ignored.
func WithChainID(chainID string) Option {
	return func(s *settings) {
		if normalized, err := NormalizeChainID(chainID); err == nil {
			s.chainID = normalized
		}
	}
}

func NewEVM(ctx context.Context, registry *core.Registry, dapp DappMetadata, opts ...Option) (*EVM, error) {
	f, cfg, err := attach(ctx, registry, dapp, opts)
	if err != nil {
		return nil, err
	}
	e := &EVM{facade: f, chainID: DefaultEVMChainID}
	if cfg.chainID != "" {
		e.chainID = cfg.chainID
	}
	f.mu.Lock()
	f.onEvent = e.followSession
	f.mu.Unlock()
	return e, nil
}

// Connect requests the eip155 scopes for chainIDs. The first chain becomes
// the active one. With no chain ids the current chain is requested.
func (e *EVM) Connect(ctx context.Context, chainIDs ...string) ([]string, error) {
	if len(chainIDs) == 0 {
		chainIDs = []string{e.ChainID()}
	}
	scopes := make([]string, 0, len(chainIDs))
	for _, chainID := range chainIDs {
		scope, err := ChainIDToScope(chainID)
		if err != nil {
			return nil, err
		}
		scopes = append(scopes, scope)
	}
	if _, err := e.connect(ctx, scopes, nil); err != nil {
		return nil, err
	}
	e.setChain(scopes[0])
	return e.Accounts(), nil
}

func (e *EVM) ChainID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.chainID
}

// Scope returns the eip155 scope of the active chain.
func (e *EVM) Scope() string {
	scope, _ := ChainIDToScope(e.ChainID())
	return scope
}

// Accounts returns the bare addresses granted on the active chain.
func (e *EVM) Accounts() []string {
	return addresses(e.Session(), e.Scope())
}

// SwitchChain activates chainID, extending the session first when the
// chain is not granted yet.
func (e *EVM) SwitchChain(ctx context.Context, chainID string) error {
	scope, err := ChainIDToScope(chainID)
	if err != nil {
		return err
	}
	if !e.Session().HasScope(scope) {
		if _, err := e.connect(ctx, []string{scope}, nil); err != nil {
			return err
		}
	}
	e.setChain(scope)
	return nil
}

// Request handles the account and chain methods locally and forwards the
// rest to the active chain.
func (e *EVM) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	switch method {
	case MethodEthChainID:
		return json.Marshal(e.ChainID())
	case MethodEthAccounts:
		return json.Marshal(e.Accounts())
	case MethodEthRequestAccounts:
		if e.Session().HasScope(e.Scope()) {
			return json.Marshal(e.Accounts())
		}
		accounts, err := e.Connect(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(accounts)
	case MethodSwitchEthereumChain:
		chainID, err := switchChainParam(params)
		if err != nil {
			return nil, err
		}
		if err := e.SwitchChain(ctx, chainID); err != nil {
			return nil, err
		}
		return json.RawMessage("null"), nil
	}
	return e.invoke(ctx, e.Scope(), method, params)
}

// OnChainChanged fires with the hex chain id whenever the active chain
// changes.
func (e *EVM) OnChainChanged(handler func(chainID string)) {
	if handler == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.chainHandlers = append(e.chainHandlers, handler)
}

func (e *EVM) setChain(scope string) {
	chainID, err := ScopeToChainID(scope)
	if err != nil {
		return
	}
	e.mu.Lock()
	if e.chainID == chainID {
		e.mu.Unlock()
		return
	}
	e.chainID = chainID
	handlers := append([]func(string){}, e.chainHandlers...)
	e.mu.Unlock()
	for _, handler := range handlers {
		handler(chainID)
	}
}

// followSession moves the active chain when the wallet drops it from the
// session.
func (e *EVM) followSession(event core.SessionEvent) {
	if event.Type != core.SessionEventChanged || event.Session.HasScope(e.Scope()) {
		return
	}
	for _, scope := range event.Session.Scopes() {
		if strings.HasPrefix(scope, NamespaceEIP155+":") {
			e.setChain(scope)
			return
		}
	}
}

// NormalizeChainID accepts hex ("0x89") or decimal ("137") chain ids and
// returns the lowercase hex form.
func NormalizeChainID(chainID string) (string, error) {
	value, err := parseChainID(chainID)
	if err != nil {
		return "", err
	}
	return "0x" + value.Text(16), nil
}

func ChainIDToScope(chainID string) (string, error) {
	value, err := parseChainID(chainID)
	if err != nil {
		return "", err
	}
	return NamespaceEIP155 + ":" + value.Text(10), nil
}

func ScopeToChainID(scope string) (string, error) {
	ref, err := core.ParseScope(scope)
	if err != nil {
		return "", err
	}
	if ref.Namespace != NamespaceEIP155 {
		return "", fmt.Errorf("client: %s is not an eip155 scope", scope)
	}
	value, ok := new(big.Int).SetString(ref.Reference, 10)
	if !ok || value.Sign() <= 0 {
		return "", fmt.Errorf("client: invalid eip155 reference %q", ref.Reference)
	}
	return "0x" + value.Text(16), nil
}

func parseChainID(chainID string) (*big.Int, error) {
	trimmed := strings.ToLower(strings.TrimSpace(chainID))
	base := 10
	if strings.HasPrefix(trimmed, "0x") {
		trimmed = trimmed[2:]
		base = 16
	}
	value, ok := new(big.Int).SetString(trimmed, base)
	if trimmed == "" || !ok || value.Sign() <= 0 {
		return nil, fmt.Errorf("client: invalid chain id %q", chainID)
	}
	return value, nil
}

func switchChainParam(params any) (string, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("client: encode %s params: %w", MethodSwitchEthereumChain, err)
	}
	var list []struct {
		ChainID string `json:"chainId"`
	}
	if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 {
		return list[0].ChainID, nil
	}
	var single struct {
		ChainID string `json:"chainId"`
	}
	if err := json.Unmarshal(raw, &single); err == nil && single.ChainID != "" {
		return single.ChainID, nil
	}
	return "", fmt.Errorf("client: %s requires a chainId", MethodSwitchEthereumChain)
}

func addresses(session *core.Session, scope string) []string {
	accounts := session.Accounts(scope)
	out := make([]string, 0, len(accounts))
	for _, account := range accounts {
		parsed, err := core.ParseAccountID(account)
		if err != nil {
			continue
		}
		out = append(out, parsed.Address)
	}
	return out
}
