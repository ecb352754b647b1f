package multichain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-multichain/client"
	"github.com/goliatone/go-multichain/core"
)

// Service keeps one Multichain facade per dapp name on a shared registry and
// exposes them to the command and query handlers.
type Service struct {
	registry *Registry
	opts     []client.Option

	mu     sync.Mutex
	dapps  map[string]*client.Multichain
	closed bool
}

func NewService(registry *Registry, opts ...client.Option) (*Service, error) {
	if registry == nil {
		return nil, fmt.Errorf("multichain: registry is required")
	}
	return &Service{
		registry: registry,
		opts:     opts,
		dapps:    make(map[string]*client.Multichain),
	}, nil
}

func (s *Service) Registry() *Registry {
	if s == nil {
		return nil
	}
	return s.registry
}

// Multichain returns the facade for dapp, attaching it on first use. The
// facade is built outside the service lock; when two callers race for the
// same dapp the loser's facade is closed and the winner's returned.
func (s *Service) Multichain(ctx context.Context, dapp string) (*client.Multichain, error) {
	if s == nil {
		return nil, fmt.Errorf("multichain: service is required")
	}
	name := strings.TrimSpace(dapp)
	if name == "" {
		return nil, fmt.Errorf("multichain: dapp name is required")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, core.ErrRegistryClosed
	}
	if existing, ok := s.dapps[name]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	s.mu.Unlock()

	facade, err := client.NewMultichain(ctx, s.registry, client.DappMetadata{Name: name}, s.opts...)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = facade.Close(ctx)
		return nil, core.ErrRegistryClosed
	}
	if existing, ok := s.dapps[name]; ok {
		s.mu.Unlock()
		_ = facade.Close(ctx)
		return existing, nil
	}
	s.dapps[name] = facade
	s.mu.Unlock()
	return facade, nil
}

func (s *Service) Dapps() []string {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.dapps)
}

func (s *Service) Connect(ctx context.Context, dapp string, scopes []string, accounts []string) (*core.Session, error) {
	facade, err := s.Multichain(ctx, dapp)
	if err != nil {
		return nil, err
	}
	return facade.Connect(ctx, scopes, accounts)
}

func (s *Service) InvokeMethod(ctx context.Context, dapp string, req core.InvokeMethodRequest) (json.RawMessage, error) {
	facade, err := s.Multichain(ctx, dapp)
	if err != nil {
		return nil, err
	}
	return facade.InvokeMethod(ctx, req.Scope, req.Request.Method, req.Request.Params)
}

// Disconnect withdraws the dapp from the shared session. The facade stays
// attached so the dapp can connect again.
func (s *Service) Disconnect(ctx context.Context, dapp string) error {
	facade, ok := s.lookup(dapp)
	if !ok {
		return nil
	}
	return facade.Disconnect(ctx)
}

func (s *Service) Resume(ctx context.Context, dapp string) (*core.Session, error) {
	facade, err := s.Multichain(ctx, dapp)
	if err != nil {
		return nil, err
	}
	return facade.Resume(ctx)
}

// GetSession reports the session visible to dapp, or nil when the dapp has
// no facade or no active session.
func (s *Service) GetSession(_ context.Context, dapp string) (*core.Session, error) {
	facade, ok := s.lookup(dapp)
	if !ok {
		return nil, nil
	}
	return facade.Session(), nil
}

func (s *Service) ConnectionRequest(ctx context.Context, dapp string) (core.ConnectionRequest, error) {
	facade, err := s.Multichain(ctx, dapp)
	if err != nil {
		return core.ConnectionRequest{}, err
	}
	return facade.ConnectionRequest()
}

// Release detaches the facade of one dapp. The core is torn down when no other
// facade shares it.
func (s *Service) Release(ctx context.Context, dapp string) error {
	if s == nil {
		return nil
	}
	name := strings.TrimSpace(dapp)
	s.mu.Lock()
	facade, ok := s.dapps[name]
	delete(s.dapps, name)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return facade.Close(ctx)
}

// Close detaches every facade. The registry itself is left to its owner.
func (s *Service) Close(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	facades := make([]*client.Multichain, 0, len(s.dapps))
	for _, name := range sortedKeys(s.dapps) {
		facades = append(facades, s.dapps[name])
	}
	s.dapps = make(map[string]*client.Multichain)
	s.mu.Unlock()

	var errs []error
	for _, facade := range facades {
		if err := facade.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) lookup(dapp string) (*client.Multichain, bool) {
	if s == nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	facade, ok := s.dapps[strings.TrimSpace(dapp)]
	return facade, ok
}

func sortedKeys[T any](values map[string]T) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
