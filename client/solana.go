package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/goliatone/go-multichain/core"
)

const (
	NamespaceSolana = "solana"

	SolanaMainnet = "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp"
	SolanaDevnet  = "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1"
	SolanaTestnet = "solana:4uhcVJyU9pJkvQyS88uRDiswHXSCkY3z"
)

var solanaNetworks = map[string]string{
	"mainnet":      SolanaMainnet,
	"mainnet-beta": SolanaMainnet,
	"devnet":       SolanaDevnet,
	"testnet":      SolanaTestnet,
}

// Solana targets one Solana cluster at a time.
type Solana struct {
	*facade

	mu    sync.Mutex
	scope string
}

// WithNetwork selects the cluster by name ("mainnet", "devnet", "testnet")
// or by full scope.
func WithNetwork(network string) Option {
	return func(s *settings) {
		s.network = network
	}
}

func NewSolana(ctx context.Context, registry *core.Registry, dapp DappMetadata, opts ...Option) (*Solana, error) {
	f, cfg, err := attach(ctx, registry, dapp, opts)
	if err != nil {
		return nil, err
	}
	scope := SolanaMainnet
	if cfg.network != "" {
		resolved, resolveErr := SolanaScope(cfg.network)
		if resolveErr != nil {
			_ = f.Close(ctx)
			return nil, resolveErr
		}
		scope = resolved
	}
	return &Solana{facade: f, scope: scope}, nil
}

func (s *Solana) Scope() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scope
}

// Connect requests the cluster scope and returns the granted addresses.
func (s *Solana) Connect(ctx context.Context) ([]string, error) {
	if _, err := s.connect(ctx, []string{s.Scope()}, nil); err != nil {
		return nil, err
	}
	return s.Accounts(), nil
}

func (s *Solana) Accounts() []string {
	return addresses(s.Session(), s.Scope())
}

// Request forwards method to the active cluster.
func (s *Solana) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return s.invoke(ctx, s.Scope(), method, params)
}

// SwitchNetwork changes the active cluster, extending the session when it is
// not granted yet.
func (s *Solana) SwitchNetwork(ctx context.Context, network string) error {
	scope, err := SolanaScope(network)
	if err != nil {
		return err
	}
	if !s.Session().HasScope(scope) {
		if _, err := s.connect(ctx, []string{scope}, nil); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.scope = scope
	s.mu.Unlock()
	return nil
}

// SolanaScope resolves a cluster name or a solana scope.
func SolanaScope(network string) (string, error) {
	trimmed := strings.TrimSpace(network)
	if scope, ok := solanaNetworks[strings.ToLower(trimmed)]; ok {
		return scope, nil
	}
	ref, err := core.ParseScope(trimmed)
	if err != nil {
		return "", fmt.Errorf("client: unknown solana network %q", network)
	}
	if ref.Namespace != NamespaceSolana {
		return "", fmt.Errorf("client: %s is not a solana scope", network)
	}
	return ref.String(), nil
}
