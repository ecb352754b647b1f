package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeChannel is an in-memory Channel. Frames sent by the transport are
// handed to onSend; deliver pushes frames the other way.
type fakeChannel struct {
	mu       sync.Mutex
	handler  ChannelHandler
	opens    int
	openErrs []error
	sent     [][]byte
	sendErr  error
	closed   int
	onSend   func(frame []byte)
}

func (c *fakeChannel) Open(_ context.Context, handler ChannelHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opens++
	if len(c.openErrs) > 0 {
		err := c.openErrs[0]
		c.openErrs = c.openErrs[1:]
		if err != nil {
			return err
		}
	}
	c.handler = handler
	return nil
}

func (c *fakeChannel) Send(_ context.Context, frame []byte) error {
	c.mu.Lock()
	if c.sendErr != nil {
		err := c.sendErr
		c.mu.Unlock()
		return err
	}
	c.sent = append(c.sent, append([]byte(nil), frame...))
	onSend := c.onSend
	c.mu.Unlock()
	if onSend != nil {
		onSend(frame)
	}
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *fakeChannel) deliver(frame string) {
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler.OnFrame != nil {
		handler.OnFrame([]byte(frame))
	}
}

func (c *fakeChannel) drop(err error) {
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler.OnClose != nil {
		handler.OnClose(err)
	}
}

func (c *fakeChannel) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *fakeChannel) openCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens
}

func (c *fakeChannel) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) sentEnvelope(t *testing.T, index int) outboundEnvelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if index >= len(c.sent) {
		t.Fatalf("expected at least %d sent frames, got %d", index+1, len(c.sent))
	}
	var envelope outboundEnvelope
	if err := json.Unmarshal(c.sent[index], &envelope); err != nil {
		t.Fatalf("decode sent frame: %v", err)
	}
	return envelope
}

func (c *fakeChannel) methods() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sent))
	for _, frame := range c.sent {
		var envelope outboundEnvelope
		if json.Unmarshal(frame, &envelope) == nil {
			out = append(out, envelope.Method)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
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

// fakeWallet answers the session methods over a fakeChannel.
type fakeWallet struct {
	mu      sync.Mutex
	channel *fakeChannel
	scopes  map[string]SessionScope
	rejects map[string]string
}

func newFakeWallet() *fakeWallet {
	wallet := &fakeWallet{
		channel: &fakeChannel{},
		scopes:  map[string]SessionScope{},
		rejects: map[string]string{},
	}
	wallet.channel.onSend = wallet.handle
	return wallet
}

func (w *fakeWallet) reject(method string, errorJSON string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rejects[method] = errorJSON
}

func (w *fakeWallet) handle(frame []byte) {
	var request struct {
		ID     string          `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(frame, &request); err != nil {
		return
	}

	w.mu.Lock()
	if errorJSON, ok := w.rejects[request.Method]; ok {
		w.mu.Unlock()
		w.channel.deliver(fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"error":%s}`, request.ID, errorJSON))
		return
	}
	var result any
	switch request.Method {
	case MethodCreateSession:
		var params createSessionParams
		_ = json.Unmarshal(request.Params, &params)
		next := map[string]SessionScope{}
		for scope, entry := range params.OptionalScopes {
			accounts := entry.Accounts
			if len(accounts) == 0 {
				accounts = []string{scope + ":0xabc"}
			}
			next[scope] = SessionScope{
				Accounts:      accounts,
				Methods:       []string{"sign"},
				Notifications: []string{},
			}
		}
		w.scopes = next
		result = Session{SessionScopes: cloneScopes(next)}
	case MethodGetSession:
		result = Session{SessionScopes: cloneScopes(w.scopes)}
	case MethodRevokeSession:
		w.scopes = map[string]SessionScope{}
		result = true
	case MethodInvokeMethod:
		var params InvokeMethodRequest
		_ = json.Unmarshal(request.Params, &params)
		result = map[string]any{"scope": params.Scope, "method": params.Request.Method}
	default:
		result = nil
	}
	w.mu.Unlock()

	payload, _ := json.Marshal(result)
	w.channel.deliver(fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"result":%s}`, request.ID, payload))
}

func (w *fakeWallet) pushSessionChanged(scopes map[string]SessionScope) {
	w.mu.Lock()
	w.scopes = cloneScopes(scopes)
	w.mu.Unlock()
	payload, _ := json.Marshal(Session{SessionScopes: scopes})
	w.channel.deliver(fmt.Sprintf(`{"jsonrpc":"2.0","method":%q,"params":%s}`, NotificationSessionChanged, payload))
}

func cloneScopes(in map[string]SessionScope) map[string]SessionScope {
	out := make(map[string]SessionScope, len(in))
	for scope, entry := range in {
		out[scope] = entry.clone()
	}
	return out
}

type recordingFacade struct {
	name   string
	mu     sync.Mutex
	events []SessionEvent
	log    *[]string
	logMu  *sync.Mutex
}

func (f *recordingFacade) HandleSessionEvent(event SessionEvent) {
	f.mu.Lock()
	f.events = append(f.events, event)
	f.mu.Unlock()
	if f.log != nil {
		f.logMu.Lock()
		*f.log = append(*f.log, f.name)
		f.logMu.Unlock()
	}
}

func (f *recordingFacade) snapshot() []SessionEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SessionEvent(nil), f.events...)
}

type recordingSink struct {
	mu     sync.Mutex
	events []SessionEvent
	err    error
}

func (s *recordingSink) Publish(_ context.Context, event SessionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return s.err
}

func (s *recordingSink) snapshot() []SessionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SessionEvent(nil), s.events...)
}

// failingAdapter fails every call with err.
type failingAdapter struct {
	err error
}

func (a failingAdapter) Get(context.Context, string) (string, bool, error) { return "", false, a.err }
func (a failingAdapter) Set(context.Context, string, string) error         { return a.err }
func (a failingAdapter) Delete(context.Context, string) error              { return a.err }

type closingAdapter struct {
	*MemoryStorage
	closed int
}

func (a *closingAdapter) Close() error {
	a.closed++
	return nil
}

var errBackend = errors.New("backend unavailable")

type capturedCounter struct {
	name  string
	value int64
	tags  map[string]string
}

type capturedHistogram struct {
	name  string
	value float64
	tags  map[string]string
}

type captureMetricsRecorder struct {
	mu         sync.Mutex
	counters   []capturedCounter
	histograms []capturedHistogram
}

func (m *captureMetricsRecorder) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters = append(m.counters, capturedCounter{name: name, value: value, tags: cloneTags(tags)})
}

func (m *captureMetricsRecorder) ObserveHistogram(_ context.Context, name string, value float64, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.histograms = append(m.histograms, capturedHistogram{name: name, value: value, tags: cloneTags(tags)})
}

func (m *captureMetricsRecorder) hasCounter(name string, status string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range m.counters {
		if item.name == name && item.tags["status"] == status {
			return true
		}
	}
	return false
}

type capturedLog struct {
	level  string
	msg    string
	fields map[string]any
}

type captureLogger struct {
	mu       *sync.Mutex
	records  *[]capturedLog
	defaults map[string]any
}

func newCaptureLogger() *captureLogger {
	records := []capturedLog{}
	return &captureLogger{mu: &sync.Mutex{}, records: &records, defaults: map[string]any{}}
}

func (l *captureLogger) WithFields(fields map[string]any) Logger {
	merged := cloneFields(l.defaults)
	for key, value := range fields {
		merged[key] = value
	}
	return &captureLogger{mu: l.mu, records: l.records, defaults: merged}
}

func (l *captureLogger) Trace(msg string, args ...any) { l.record("trace", msg, args...) }
func (l *captureLogger) Debug(msg string, args ...any) { l.record("debug", msg, args...) }
func (l *captureLogger) Info(msg string, args ...any)  { l.record("info", msg, args...) }
func (l *captureLogger) Warn(msg string, args ...any)  { l.record("warn", msg, args...) }
func (l *captureLogger) Error(msg string, args ...any) { l.record("error", msg, args...) }
func (l *captureLogger) Fatal(msg string, args ...any) { l.record("fatal", msg, args...) }

func (l *captureLogger) WithContext(context.Context) Logger {
	return &captureLogger{mu: l.mu, records: l.records, defaults: cloneFields(l.defaults)}
}

func (l *captureLogger) record(level string, msg string, args ...any) {
	fields := cloneFields(l.defaults)
	for index := 0; index+1 < len(args); index += 2 {
		key, ok := args[index].(string)
		if !ok {
			continue
		}
		fields[key] = args[index+1]
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.records = append(*l.records, capturedLog{level: level, msg: msg, fields: fields})
}

func (l *captureLogger) hasLog(level string, message string, eventType string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, item := range *l.records {
		if item.level == level && item.msg == message && item.fields["event_type"] == eventType {
			return true
		}
	}
	return false
}

type stubLoggerProvider struct {
	logger Logger
}

func (s stubLoggerProvider) GetLogger(string) Logger {
	return s.logger
}

type mapRawLoader struct {
	values map[string]any
}

func (l mapRawLoader) LoadRaw(context.Context) (map[string]any, error) {
	return l.values, nil
}

func newTestTransport(t *testing.T, channel Channel, opts ...TransportOption) *Transport {
	t.Helper()
	transport, err := NewTransport(channel, opts...)
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	if err := transport.Connect(context.Background()); err != nil {
		t.Fatalf("connect transport: %v", err)
	}
	return transport
}

func newTestRegistry(t *testing.T, wallets map[string]*fakeWallet, opts ...Option) *Registry {
	t.Helper()
	var mu sync.Mutex
	factory := func(_ context.Context, identity string) (Channel, error) {
		mu.Lock()
		defer mu.Unlock()
		wallet, ok := wallets[identity]
		if !ok {
			wallet = newFakeWallet()
			wallets[identity] = wallet
		}
		return wallet.channel, nil
	}
	options := append([]Option{WithChannelFactory(factory)}, opts...)
	registry, err := NewRegistry(Config{}, options...)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(func() { _ = registry.Close(context.Background()) })
	return registry
}
