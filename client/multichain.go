package client

import (
	"context"
	"encoding/json"

	"github.com/goliatone/go-multichain/core"
)

// Multichain speaks CAIP scopes directly.
type Multichain struct {
	*facade
}

func NewMultichain(ctx context.Context, registry *core.Registry, dapp DappMetadata, opts ...Option) (*Multichain, error) {
	f, _, err := attach(ctx, registry, dapp, opts)
	if err != nil {
		return nil, err
	}
	return &Multichain{facade: f}, nil
}

// Connect requests scopes, extending the shared session when needed.
func (m *Multichain) Connect(ctx context.Context, scopes []string, accounts []string) (*core.Session, error) {
	return m.connect(ctx, scopes, accounts)
}

func (m *Multichain) InvokeMethod(ctx context.Context, scope string, method string, params any) (json.RawMessage, error) {
	return m.invoke(ctx, scope, method, params)
}

// Resume restores a persisted session for the dapp.
func (m *Multichain) Resume(ctx context.Context) (*core.Session, error) {
	if err := m.ensureOpen(); err != nil {
		return nil, err
	}
	return m.core.Resume(ctx)
}

// ConnectionRequest returns the current pairing request for out of band
// wallets, regenerating it when it has expired.
func (m *Multichain) ConnectionRequest() (core.ConnectionRequest, error) {
	if err := m.ensureOpen(); err != nil {
		return core.ConnectionRequest{}, err
	}
	pairing := m.core.Pairing()
	if pairing == nil {
		return core.ConnectionRequest{}, core.ErrCoreClosed
	}
	return pairing.Current(), nil
}
