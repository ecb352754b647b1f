package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// InvokeRequest is the inner JSON-RPC call forwarded to a chain.
type InvokeRequest struct {
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type InvokeMethodRequest struct {
	Scope   string        `json:"scope"`
	Request InvokeRequest `json:"request"`
}

type facadeEntry struct {
	handle FacadeHandle
	active bool
}

type coreDeps struct {
	identity  string
	config    Config
	transport *Transport
	state     *SessionState
	storage   *StorageClient
	pairing   *PairingManager
	sink      EventSink
	logger    Logger
	metrics   MetricsRecorder
}

// Core is the shared transport and session for one dapp identity. Facades
// reach it through a Registry.
type Core struct {
	identity  string
	config    Config
	transport *Transport
	state     *SessionState
	storage   *StorageClient
	pairing   *PairingManager
	sink      EventSink
	obs       observer

	mu          sync.Mutex
	facades     []facadeEntry
	closed      bool
	unsubscribe []func()

	subscribers subscriberTable[SessionEvent]
}

func newCore(deps coreDeps) (*Core, error) {
	if deps.transport == nil || deps.state == nil {
		return nil, badInputError("core: transport and session state are required")
	}
	c := &Core{
		identity:  deps.identity,
		config:    deps.config,
		transport: deps.transport,
		state:     deps.state,
		storage:   deps.storage,
		pairing:   deps.pairing,
		sink:      deps.sink,
		obs:       newObserver(deps.logger, deps.metrics),
	}
	c.unsubscribe = append(c.unsubscribe,
		c.state.Subscribe(c.handleSessionEvent),
		c.transport.OnNotification(c.handleNotification),
	)
	return c, nil
}

func (c *Core) Identity() string { return c.identity }

func (c *Core) Transport() *Transport { return c.transport }

func (c *Core) Storage() *StorageClient { return c.storage }

func (c *Core) Pairing() *PairingManager { return c.pairing }

// Session returns the active session, or nil.
func (c *Core) Session() *Session {
	return c.state.Current()
}

// Subscribe registers a listener that runs after attached facades.
func (c *Core) Subscribe(handler func(SessionEvent)) func() {
	return c.subscribers.add(handler)
}

// Connect opens the transport when needed and requests scopes. Scopes the
// session already grants are not requested again.
func (c *Core) Connect(ctx context.Context, scopes []string, accounts []string) (*Session, error) {
	if err := c.ensureOpen(); err != nil {
		return nil, err
	}
	startedAt := time.Now()
	if err := c.transport.Connect(ctx); err != nil {
		c.obs.observe(ctx, startedAt, "core_connect", err, c.fields(nil))
		return nil, err
	}
	if c.storage != nil {
		if err := c.storage.SetTransport(ctx, c.config.Transport.Kind); err != nil {
			c.obs.warn(ctx, "transport kind not persisted", c.fields(map[string]any{"error": err.Error()}))
		}
	}
	session, plan, err := c.state.RequestScopes(ctx, scopes, accounts)
	c.obs.observe(ctx, startedAt, "core_connect", err, c.fields(map[string]any{
		"decision": string(plan.Decision),
	}))
	return session, err
}

// ConnectFacade marks facade active again and connects on its behalf.
func (c *Core) ConnectFacade(ctx context.Context, facade FacadeHandle, scopes []string, accounts []string) (*Session, error) {
	c.setActive(facade, true)
	return c.Connect(ctx, scopes, accounts)
}

// InvokeMethod forwards request to scope through wallet_invokeMethod.
// Calls without a session, or for a scope the session does not grant, fail
// without a wallet round trip.
func (c *Core) InvokeMethod(ctx context.Context, req InvokeMethodRequest) (json.RawMessage, error) {
	if err := c.ensureOpen(); err != nil {
		return nil, err
	}
	scope := strings.TrimSpace(req.Scope)
	method := strings.TrimSpace(req.Request.Method)
	if scope == "" {
		return nil, validationError("scope", "scope is required")
	}
	if method == "" {
		return nil, validationError("request.method", "method is required")
	}
	session := c.state.Current()
	if session.IsEmpty() {
		return nil, fmt.Errorf("%w: cannot invoke %s on %s", ErrNoActiveSession, method, scope)
	}
	if !session.HasScope(scope) {
		return nil, fmt.Errorf("%w: %s", ErrScopeNotAuthorized, scope)
	}

	startedAt := time.Now()
	result, err := c.transport.Send(ctx, MethodInvokeMethod, InvokeMethodRequest{
		Scope:   scope,
		Request: InvokeRequest{Method: method, Params: req.Request.Params},
	})
	c.obs.observe(ctx, startedAt, "core_invoke_method", err, c.fields(map[string]any{
		"scope":  scope,
		"method": method,
	}))
	return result, err
}

// Disconnect marks facade inactive. The session is revoked only when no
// other attached facade is still active. A nil facade revokes
// unconditionally.
func (c *Core) Disconnect(ctx context.Context, facade FacadeHandle) error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	if facade != nil {
		c.setActive(facade, false)
		if remaining := c.activeCount(); remaining > 0 {
			c.obs.debug(ctx, "session kept for active facades", c.fields(map[string]any{
				"active_facades": remaining,
			}))
			return nil
		}
	}
	startedAt := time.Now()
	err := c.state.Revoke(ctx)
	c.obs.observe(ctx, startedAt, "core_disconnect", err, c.fields(nil))
	return err
}

// Resume restores the persisted session and confirms it with the wallet.
// It returns nil when nothing was persisted.
func (c *Core) Resume(ctx context.Context) (*Session, error) {
	if err := c.ensureOpen(); err != nil {
		return nil, err
	}
	if c.storage == nil {
		return nil, nil
	}
	startedAt := time.Now()
	stored, err := c.storage.GetSession(ctx)
	if err != nil || stored.IsEmpty() {
		c.obs.observe(ctx, startedAt, "core_resume", err, c.fields(nil))
		return nil, err
	}
	c.state.Restore(stored)
	if err := c.transport.Connect(ctx); err != nil {
		c.obs.observe(ctx, startedAt, "core_resume", err, c.fields(nil))
		return c.state.Current(), err
	}
	session, err := c.state.Refresh(ctx)
	c.obs.observe(ctx, startedAt, "core_resume", err, c.fields(nil))
	if err != nil {
		return c.state.Current(), err
	}
	return session, nil
}

func (c *Core) attachFacade(facade FacadeHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.facades {
		if c.facades[i].handle == facade {
			c.facades[i].active = true
			return
		}
	}
	c.facades = append(c.facades, facadeEntry{handle: facade, active: true})
}

// detachFacade removes facade and reports how many remain attached.
func (c *Core) detachFacade(facade FacadeHandle) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.facades {
		if c.facades[i].handle == facade {
			c.facades = append(c.facades[:i:i], c.facades[i+1:]...)
			break
		}
	}
	return len(c.facades)
}

func (c *Core) FacadeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.facades)
}

func (c *Core) setActive(facade FacadeHandle, active bool) {
	if facade == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.facades {
		if c.facades[i].handle == facade {
			c.facades[i].active = active
			return
		}
	}
}

func (c *Core) activeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, entry := range c.facades {
		if entry.active {
			count++
		}
	}
	return count
}

func (c *Core) handleSessionEvent(event SessionEvent) {
	event.Identity = c.identity
	c.persist(event)
	c.fanout(event)
}

func (c *Core) handleNotification(notification Notification) {
	switch notification.Method {
	case NotificationSessionChanged:
		_ = c.state.HandleSessionChanged(notification.Params)
	default:
		copied := notification
		c.fanout(SessionEvent{
			Type:         SessionEventNotification,
			Identity:     c.identity,
			Session:      c.state.Current(),
			Version:      c.state.Version(),
			Reason:       ReasonWalletNotified,
			Notification: &copied,
		})
	}
}

func (c *Core) persist(event SessionEvent) {
	if c.storage == nil || !c.config.Session.PersistSession || event.Reason == ReasonResume {
		return
	}
	ctx := context.Background()
	var err error
	if event.Type == SessionEventDisconnected {
		err = c.storage.RemoveSession(ctx)
	} else {
		err = c.storage.SetSession(ctx, event.Session)
	}
	if err != nil {
		c.obs.warn(ctx, "session snapshot not persisted", c.fields(map[string]any{
			"error":   err.Error(),
			"version": event.Version,
		}))
	}
}

// fanout delivers event to attached facades in registration order, then to
// core subscribers, then to the event sink.
func (c *Core) fanout(event SessionEvent) {
	c.mu.Lock()
	handles := make([]FacadeHandle, 0, len(c.facades))
	for _, entry := range c.facades {
		handles = append(handles, entry.handle)
	}
	c.mu.Unlock()

	for _, handle := range handles {
		handle.HandleSessionEvent(cloneEvent(event))
	}
	c.subscribers.emit(cloneEvent(event))

	if c.sink != nil {
		ctx := context.Background()
		if err := c.sink.Publish(ctx, cloneEvent(event)); err != nil {
			c.obs.warn(ctx, "session event not published", c.fields(map[string]any{
				"error":      err.Error(),
				"event_type": string(event.Type),
				"version":    event.Version,
			}))
		}
	}
}

func (c *Core) ensureOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCoreClosed
	}
	return nil
}

// close releases everything the core owns. Outstanding requests are
// rejected with a cancellation error. The persisted snapshot is kept so a
// later core for the same identity can resume.
func (c *Core) close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.facades = nil
	c.mu.Unlock()

	for _, fn := range unsubscribe {
		fn()
	}
	if c.pairing != nil {
		c.pairing.Stop()
	}
	var errs []error
	if err := c.transport.Close(); err != nil {
		errs = append(errs, err)
	}
	c.state.Reset()
	if c.storage != nil {
		if err := c.storage.Close(); err != nil {
			errs = append(errs, &StorageError{Op: "close", Key: c.identity, Cause: err})
		}
	}
	err := errors.Join(errs...)
	c.obs.observe(ctx, time.Now(), "core_teardown", err, c.fields(nil))
	return err
}

func (c *Core) fields(extra map[string]any) map[string]any {
	fields := cloneFields(extra)
	fields["instance_id"] = c.identity
	return fields
}

func cloneEvent(event SessionEvent) SessionEvent {
	out := event
	out.Session = event.Session.Clone()
	if event.Notification != nil {
		copied := *event.Notification
		copied.Params = append(json.RawMessage(nil), event.Notification.Params...)
		out.Notification = &copied
	}
	return out
}
