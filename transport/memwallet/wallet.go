// Package memwallet is an in-process wallet that answers the multichain
// session methods over a transport.Peer. It grants every requested scope
// and is meant for tests, demos and local development.
package memwallet

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-multichain/core"
	"github.com/goliatone/go-multichain/transport"
)

const (
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
)

// MethodHandler answers a chain method forwarded through
// wallet_invokeMethod.
type MethodHandler func(scope string, params json.RawMessage) (any, error)

// Error is returned by a MethodHandler to control the JSON-RPC error frame.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("memwallet: %d %s", e.Code, e.Message)
}

type Wallet struct {
	peer *transport.Peer

	mu       sync.Mutex
	scopes   map[string]core.SessionScope
	accounts map[string][]string
	methods  map[string]MethodHandler
	rejects  map[string]*Error
	calls    []string
	offline  bool
}

type Option func(*Wallet)

// WithAccounts sets the addresses granted for a namespace, such as
// "eip155" or "solana".
func WithAccounts(namespace string, addresses ...string) Option {
	return func(w *Wallet) {
		w.accounts[strings.TrimSpace(namespace)] = append([]string(nil), addresses...)
	}
}

func WithMethod(method string, handler MethodHandler) Option {
	return func(w *Wallet) {
		if handler != nil {
			w.methods[method] = handler
		}
	}
}

// New attaches a wallet to peer. Frames sent by the dapp are answered
// synchronously.
func New(peer *transport.Peer, opts ...Option) *Wallet {
	wallet := &Wallet{
		peer:     peer,
		scopes:   map[string]core.SessionScope{},
		accounts: map[string][]string{},
		methods:  map[string]MethodHandler{},
		rejects:  map[string]*Error{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(wallet)
		}
	}
	peer.OnFrame(wallet.handle)
	return wallet
}

// Factory returns a channel factory that builds one wallet per identity.
// onWallet observes each wallet as it is created.
func Factory(onWallet func(identity string, wallet *Wallet), opts ...Option) core.ChannelFactory {
	return transport.NewPipeFactory(func(identity string, peer *transport.Peer) {
		wallet := New(peer, opts...)
		if onWallet != nil {
			onWallet(identity, wallet)
		}
	})
}

func (w *Wallet) Peer() *transport.Peer {
	return w.peer
}

// Reject makes the next call to method fail with code and message.
func (w *Wallet) Reject(method string, code int, message string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rejects[method] = &Error{Code: code, Message: message}
}

// SetOffline stops answering requests while keeping the channel open.
func (w *Wallet) SetOffline(offline bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.offline = offline
}

// Scopes returns the granted scopes in sorted order.
func (w *Wallet) Scopes() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	scopes := make([]string, 0, len(w.scopes))
	for scope := range w.scopes {
		scopes = append(scopes, scope)
	}
	sort.Strings(scopes)
	return scopes
}

// Calls returns every method received so far, in arrival order.
func (w *Wallet) Calls() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.calls...)
}

// ChangeSession replaces the grant and pushes wallet_sessionChanged.
func (w *Wallet) ChangeSession(scopes map[string]core.SessionScope) error {
	w.mu.Lock()
	w.scopes = cloneScopes(scopes)
	session := w.sessionLocked()
	w.mu.Unlock()
	return w.notify(core.NotificationSessionChanged, session)
}

// Notify pushes a wallet_notify notification for scope.
func (w *Wallet) Notify(scope string, method string, params any) error {
	return w.notify(core.NotificationNotify, map[string]any{
		"scope": scope,
		"notification": map[string]any{
			"method": method,
			"params": params,
		},
	})
}

func (w *Wallet) handle(frame []byte) {
	var request struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(frame, &request); err != nil || len(request.ID) == 0 {
		return
	}

	w.mu.Lock()
	w.calls = append(w.calls, request.Method)
	if w.offline {
		w.mu.Unlock()
		return
	}
	if rejection, ok := w.rejects[request.Method]; ok {
		delete(w.rejects, request.Method)
		w.mu.Unlock()
		w.reply(request.ID, nil, rejection)
		return
	}

	var (
		result  any
		failure *Error
		invoke  MethodHandler
		scope   string
		params  json.RawMessage
	)
	switch request.Method {
	case core.MethodCreateSession:
		result, failure = w.createSessionLocked(request.Params)
	case core.MethodGetSession:
		result = w.sessionLocked()
	case core.MethodRevokeSession:
		w.scopes = map[string]core.SessionScope{}
		result = true
	case core.MethodInvokeMethod:
		invoke, scope, params, failure = w.resolveInvokeLocked(request.Params)
	default:
		failure = &Error{Code: CodeMethodNotFound, Message: fmt.Sprintf("method %s not found", request.Method)}
	}
	w.mu.Unlock()

	if invoke != nil {
		value, err := invoke(scope, params)
		if err != nil {
			if walletErr, ok := err.(*Error); ok {
				failure = walletErr
			} else {
				failure = &Error{Code: -32000, Message: err.Error()}
			}
		}
		result = value
	}
	w.reply(request.ID, result, failure)
}

func (w *Wallet) createSessionLocked(raw json.RawMessage) (any, *Error) {
	var params struct {
		OptionalScopes map[string]struct {
			Methods       []string `json:"methods"`
			Notifications []string `json:"notifications"`
			Accounts      []string `json:"accounts"`
		} `json:"optionalScopes"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: err.Error()}
	}

	next := make(map[string]core.SessionScope, len(params.OptionalScopes))
	for scope, entry := range params.OptionalScopes {
		accounts := entry.Accounts
		if len(accounts) == 0 {
			accounts = w.defaultAccountsLocked(scope)
		}
		methods := entry.Methods
		if len(methods) == 0 {
			methods = w.methodNamesLocked()
		}
		notifications := entry.Notifications
		if notifications == nil {
			notifications = []string{}
		}
		next[scope] = core.SessionScope{
			Accounts:      append([]string(nil), accounts...),
			Methods:       append([]string(nil), methods...),
			Notifications: append([]string(nil), notifications...),
		}
	}
	w.scopes = next
	return w.sessionLocked(), nil
}

func (w *Wallet) resolveInvokeLocked(raw json.RawMessage) (MethodHandler, string, json.RawMessage, *Error) {
	var params struct {
		Scope   string `json:"scope"`
		Request struct {
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		} `json:"request"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, "", nil, &Error{Code: CodeInvalidParams, Message: err.Error()}
	}
	if _, ok := w.scopes[params.Scope]; !ok {
		return nil, "", nil, &Error{Code: core.CodeUnauthorized, Message: fmt.Sprintf("scope %s is not authorized", params.Scope)}
	}
	handler, ok := w.methods[params.Request.Method]
	if !ok {
		return nil, "", nil, &Error{Code: CodeMethodNotFound, Message: fmt.Sprintf("method %s not supported", params.Request.Method)}
	}
	return handler, params.Scope, params.Request.Params, nil
}

func (w *Wallet) defaultAccountsLocked(scope string) []string {
	ref, err := core.ParseScope(scope)
	if err != nil {
		return []string{}
	}
	addresses := w.accounts[ref.Namespace]
	accounts := make([]string, 0, len(addresses))
	for _, address := range addresses {
		accounts = append(accounts, scope+":"+address)
	}
	return accounts
}

func (w *Wallet) methodNamesLocked() []string {
	names := make([]string, 0, len(w.methods))
	for name := range w.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (w *Wallet) sessionLocked() core.Session {
	return core.Session{SessionScopes: cloneScopes(w.scopes)}
}

func (w *Wallet) reply(id json.RawMessage, result any, failure *Error) {
	envelope := map[string]any{"jsonrpc": "2.0", "id": id}
	if failure != nil {
		envelope["error"] = failure
	} else {
		envelope["result"] = result
	}
	frame, err := json.Marshal(envelope)
	if err != nil {
		return
	}
	_ = w.peer.Send(frame)
}

func (w *Wallet) notify(method string, params any) error {
	frame, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return err
	}
	return w.peer.Send(frame)
}

func cloneScopes(scopes map[string]core.SessionScope) map[string]core.SessionScope {
	out := make(map[string]core.SessionScope, len(scopes))
	for scope, entry := range scopes {
		out[scope] = core.SessionScope{
			Accounts:      append([]string{}, entry.Accounts...),
			Methods:       append([]string{}, entry.Methods...),
			Notifications: append([]string{}, entry.Notifications...),
		}
	}
	return out
}
