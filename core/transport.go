package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultRequestTimeout   = 60 * time.Second
	DefaultReconnectBackoff = 500 * time.Millisecond

	jsonRPCVersion         = "2.0"
	maxRequestIDAttempts   = 16
	defaultTransportLogger = "multichain.transport"
)

// Notification is a wallet-initiated message without a request id.
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// PendingRequest is an in-flight request awaiting its correlated response.
type PendingRequest struct {
	ID        string
	Method    string
	CreatedAt time.Time

	timer *time.Timer
	done  chan requestOutcome
}

type requestOutcome struct {
	result json.RawMessage
	err    error
}

type TransportState string

const (
	TransportIdle         TransportState = "idle"
	TransportConnected    TransportState = "connected"
	TransportReconnecting TransportState = "reconnecting"
	TransportDisconnected TransportState = "disconnected"
	TransportClosed       TransportState = "closed"
)

// ReconnectPolicy bounds transparent reconnection after channel loss. Zero
// attempts disables it and pending requests fail on loss.
type ReconnectPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

type TransportOption func(*Transport)

func WithRequestTimeout(timeout time.Duration) TransportOption {
	return func(t *Transport) {
		if timeout > 0 {
			t.timeout = timeout
		}
	}
}

func WithReconnectPolicy(policy ReconnectPolicy) TransportOption {
	return func(t *Transport) {
		if policy.MaxAttempts < 0 {
			policy.MaxAttempts = 0
		}
		if policy.Backoff < 0 {
			policy.Backoff = 0
		}
		t.reconnect = policy
	}
}

func WithTransportLogger(logger Logger) TransportOption {
	return func(t *Transport) {
		if logger != nil {
			t.obs.logger = logger
		}
	}
}

func WithTransportMetrics(metrics MetricsRecorder) TransportOption {
	return func(t *Transport) {
		if metrics != nil {
			t.obs.metrics = metrics
		}
	}
}

// WithRequestIDGenerator replaces the uuid generator.
func WithRequestIDGenerator(next func() string) TransportOption {
	return func(t *Transport) {
		if next != nil {
			t.newID = next
		}
	}
}

func WithTransportInstance(instanceID string) TransportOption {
	return func(t *Transport) {
		t.instanceID = strings.TrimSpace(instanceID)
	}
}

type outboundFrame struct {
	id    string
	frame []byte
}

// Transport correlates JSON-RPC requests with responses over one Channel.
// A pending request is settled by whoever removes it from the pending table:
// a response, an error response, its timer, caller cancellation, connection
// loss or Close. Removal happens exactly once.
type Transport struct {
	channel    Channel
	timeout    time.Duration
	reconnect  ReconnectPolicy
	newID      func() string
	instanceID string
	obs        observer

	connectMu sync.Mutex

	mu      sync.Mutex
	state   TransportState
	pending map[string]*PendingRequest
	outbox  []outboundFrame
	stopCh  chan struct{}

	notifications subscriberTable[Notification]

	notifyMu    sync.Mutex
	notifyQueue []Notification
	notifying   bool
}

func NewTransport(channel Channel, opts ...TransportOption) (*Transport, error) {
	if channel == nil {
		return nil, badInputError("core: transport channel is required")
	}
	t := &Transport{
		channel:   channel,
		timeout:   DefaultRequestTimeout,
		reconnect: ReconnectPolicy{Backoff: DefaultReconnectBackoff},
		newID:     uuid.NewString,
		obs:       newObserver(nil, nil),
		state:     TransportIdle,
		pending:   make(map[string]*PendingRequest),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t, nil
}

// Connect opens the channel. Calling it while connected is a no-op.
func (t *Transport) Connect(ctx context.Context) error {
	t.connectMu.Lock()
	defer t.connectMu.Unlock()

	t.mu.Lock()
	switch t.state {
	case TransportClosed:
		t.mu.Unlock()
		return ErrTransportClosed
	case TransportConnected, TransportReconnecting:
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	startedAt := time.Now()
	err := t.channel.Open(ctx, t.channelHandler())
	if err == nil {
		t.mu.Lock()
		if t.state == TransportClosed {
			t.mu.Unlock()
			_ = t.channel.Close()
			err = ErrTransportClosed
		} else {
			t.state = TransportConnected
			t.mu.Unlock()
		}
	} else {
		err = &RequestError{Kind: ErrorKindChannel, Method: "connect", Cause: err}
	}
	t.obs.observe(ctx, startedAt, "transport_connect", err, t.fields(nil))
	return err
}

func (t *Transport) State() TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) Connected() bool {
	return t.State() == TransportConnected
}

func (t *Transport) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// OnNotification subscribes to frames carrying a method and no id.
func (t *Transport) OnNotification(handler func(Notification)) func() {
	return t.notifications.add(handler)
}

// Send issues method with params and waits for the correlated outcome.
func (t *Transport) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	method = strings.TrimSpace(method)
	if method == "" {
		return nil, badInputError("core: request method is required")
	}
	rawParams, err := encodeParams(params)
	if err != nil {
		return nil, badInputError(fmt.Sprintf("core: encode params for %s: %v", method, err))
	}

	t.mu.Lock()
	switch t.state {
	case TransportClosed:
		t.mu.Unlock()
		return nil, ErrTransportClosed
	case TransportIdle, TransportDisconnected:
		t.mu.Unlock()
		return nil, ErrTransportNotConnected
	}
	id, err := t.allocateIDLocked()
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}
	frame, err := json.Marshal(outboundEnvelope{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Method:  method,
		Params:  rawParams,
	})
	if err != nil {
		t.mu.Unlock()
		return nil, badInputError(fmt.Sprintf("core: encode request %s: %v", method, err))
	}
	request := &PendingRequest{
		ID:        id,
		Method:    method,
		CreatedAt: time.Now(),
		done:      make(chan requestOutcome, 1),
	}
	t.pending[id] = request
	request.timer = time.AfterFunc(t.timeout, func() {
		t.settle(id, requestOutcome{err: &RequestError{
			Kind:      ErrorKindTimeout,
			RequestID: id,
			Method:    method,
			Cause:     ErrRequestTimeout,
		}}, "timeout")
	})
	queued := t.state == TransportReconnecting
	if queued {
		t.outbox = append(t.outbox, outboundFrame{id: id, frame: frame})
	}
	t.mu.Unlock()

	if !queued {
		if sendErr := t.channel.Send(ctx, frame); sendErr != nil {
			t.settle(id, requestOutcome{err: &RequestError{
				Kind:      ErrorKindChannel,
				RequestID: id,
				Method:    method,
				Cause:     sendErr,
			}}, "send_error")
		}
	}

	select {
	case outcome := <-request.done:
		return outcome.result, outcome.err
	case <-ctx.Done():
		kind := ErrorKindCancelled
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			kind = ErrorKindTimeout
		}
		t.settle(id, requestOutcome{err: &RequestError{
			Kind:      kind,
			RequestID: id,
			Method:    method,
			Cause:     ctx.Err(),
		}}, "context")
		outcome := <-request.done
		return outcome.result, outcome.err
	}
}

// HandleFrame is the single inbound entry point. Frames are expected one at
// a time in arrival order. Responses settle inline; notifications are queued
// and delivered in order from a dispatch goroutine, so subscribers may call
// Send or Close without stalling the channel reader.
func (t *Transport) HandleFrame(frame []byte) {
	var envelope inboundEnvelope
	if err := json.Unmarshal(frame, &envelope); err != nil {
		t.obs.warn(context.Background(), "discarding malformed frame", t.fields(map[string]any{
			"error": err.Error(),
		}))
		return
	}

	id, hasID := decodeRequestID(envelope.ID)
	if !hasID {
		if method := strings.TrimSpace(envelope.Method); method != "" {
			t.enqueueNotification(Notification{Method: method, Params: envelope.Params})
		}
		return
	}
	if envelope.Method != "" {
		t.obs.debug(context.Background(), "ignoring wallet request frame", t.fields(map[string]any{
			"request_id": id,
			"method":     envelope.Method,
		}))
		return
	}

	var outcome requestOutcome
	if envelope.Error != nil {
		outcome.err = envelope.Error.normalize()
	} else {
		outcome.result = envelope.Result
		if len(outcome.result) == 0 {
			outcome.result = json.RawMessage("null")
		}
	}
	if !t.settle(id, outcome, "response") {
		t.obs.debug(context.Background(), "discarding frame for unknown request", t.fields(map[string]any{
			"request_id": id,
		}))
	}
}

// Close rejects every outstanding request with a cancellation error, stops
// reconnection and closes the channel.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.state == TransportClosed {
		t.mu.Unlock()
		return nil
	}
	wasOpen := t.state == TransportConnected || t.state == TransportReconnecting
	t.state = TransportClosed
	close(t.stopCh)
	t.outbox = nil
	drained := t.drainLocked()
	t.mu.Unlock()

	t.notifyMu.Lock()
	t.notifyQueue = nil
	t.notifyMu.Unlock()

	for _, request := range drained {
		t.deliver(request, requestOutcome{err: &RequestError{
			Kind:      ErrorKindCancelled,
			RequestID: request.ID,
			Method:    request.Method,
			Cause:     ErrTransportClosed,
		}}, "close")
	}
	if !wasOpen {
		return nil
	}
	if err := t.channel.Close(); err != nil {
		return &RequestError{Kind: ErrorKindChannel, Method: "close", Cause: err}
	}
	return nil
}

func (t *Transport) enqueueNotification(notification Notification) {
	if t.State() == TransportClosed {
		return
	}
	t.notifyMu.Lock()
	t.notifyQueue = append(t.notifyQueue, notification)
	if t.notifying {
		t.notifyMu.Unlock()
		return
	}
	t.notifying = true
	t.notifyMu.Unlock()
	go t.dispatchNotifications()
}

// dispatchNotifications runs until the queue is empty. At most one runs per
// transport.
func (t *Transport) dispatchNotifications() {
	for {
		t.notifyMu.Lock()
		if len(t.notifyQueue) == 0 {
			t.notifying = false
			t.notifyMu.Unlock()
			return
		}
		next := t.notifyQueue[0]
		t.notifyQueue[0] = Notification{}
		t.notifyQueue = t.notifyQueue[1:]
		t.notifyMu.Unlock()

		t.notifications.emit(next)
	}
}

func (t *Transport) channelHandler() ChannelHandler {
	return ChannelHandler{
		OnFrame: t.HandleFrame,
		OnClose: t.handleChannelLoss,
	}
}

func (t *Transport) handleChannelLoss(cause error) {
	t.mu.Lock()
	if t.state != TransportConnected {
		t.mu.Unlock()
		return
	}
	if t.reconnect.MaxAttempts <= 0 {
		t.state = TransportDisconnected
		drained := t.drainLocked()
		t.mu.Unlock()
		t.failConnectionLost(drained, cause)
		return
	}
	t.state = TransportReconnecting
	stop := t.stopCh
	t.mu.Unlock()

	fields := t.fields(map[string]any{"attempts": t.reconnect.MaxAttempts})
	if cause != nil {
		fields["error"] = cause.Error()
	}
	t.obs.warn(context.Background(), "channel lost, reconnecting", fields)
	go t.reconnectLoop(cause, stop)
}

func (t *Transport) reconnectLoop(cause error, stop <-chan struct{}) {
	lastErr := cause
	for attempt := 1; attempt <= t.reconnect.MaxAttempts; attempt++ {
		if wait := t.reconnect.Backoff * time.Duration(attempt); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-stop:
				timer.Stop()
				return
			case <-timer.C:
			}
		} else {
			select {
			case <-stop:
				return
			default:
			}
		}

		startedAt := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
		err := t.channel.Open(ctx, t.channelHandler())
		cancel()
		t.obs.observe(context.Background(), startedAt, "transport_reconnect", err, t.fields(map[string]any{
			"attempt": attempt,
		}))
		if err != nil {
			lastErr = err
			continue
		}

		t.mu.Lock()
		if t.state == TransportClosed {
			t.mu.Unlock()
			_ = t.channel.Close()
			return
		}
		t.state = TransportConnected
		queued := t.outbox
		t.outbox = nil
		t.mu.Unlock()

		t.flush(queued)
		return
	}

	t.mu.Lock()
	if t.state == TransportClosed {
		t.mu.Unlock()
		return
	}
	t.state = TransportDisconnected
	t.outbox = nil
	drained := t.drainLocked()
	t.mu.Unlock()
	t.failConnectionLost(drained, lastErr)
}

func (t *Transport) flush(queued []outboundFrame) {
	for _, item := range queued {
		t.mu.Lock()
		request, ok := t.pending[item.id]
		t.mu.Unlock()
		if !ok {
			continue
		}
		if err := t.channel.Send(context.Background(), item.frame); err != nil {
			t.settle(item.id, requestOutcome{err: &RequestError{
				Kind:      ErrorKindChannel,
				RequestID: item.id,
				Method:    request.Method,
				Cause:     err,
			}}, "send_error")
		}
	}
}

func (t *Transport) failConnectionLost(drained []*PendingRequest, cause error) {
	wrapped := ErrConnectionLost
	if cause != nil {
		wrapped = fmt.Errorf("%w: %v", ErrConnectionLost, cause)
	}
	for _, request := range drained {
		t.deliver(request, requestOutcome{err: &RequestError{
			Kind:      ErrorKindConnectionLost,
			RequestID: request.ID,
			Method:    request.Method,
			Cause:     wrapped,
		}}, "connection_lost")
	}
}

// settle removes id from the pending table and delivers outcome. It reports
// false when the request was already settled.
func (t *Transport) settle(id string, outcome requestOutcome, reason string) bool {
	t.mu.Lock()
	request, ok := t.pending[id]
	if !ok {
		t.mu.Unlock()
		return false
	}
	delete(t.pending, id)
	if request.timer != nil {
		request.timer.Stop()
	}
	t.dropQueuedLocked(id)
	t.mu.Unlock()

	t.deliver(request, outcome, reason)
	return true
}

func (t *Transport) drainLocked() []*PendingRequest {
	drained := make([]*PendingRequest, 0, len(t.pending))
	for id, request := range t.pending {
		delete(t.pending, id)
		if request.timer != nil {
			request.timer.Stop()
		}
		drained = append(drained, request)
	}
	return drained
}

func (t *Transport) deliver(request *PendingRequest, outcome requestOutcome, reason string) {
	request.done <- outcome
	t.obs.observe(context.Background(), request.CreatedAt, "request", outcome.err, t.fields(map[string]any{
		"request_id": request.ID,
		"method":     request.Method,
		"settled_by": reason,
	}))
}

func (t *Transport) dropQueuedLocked(id string) {
	for i, item := range t.outbox {
		if item.id == id {
			t.outbox = append(t.outbox[:i:i], t.outbox[i+1:]...)
			return
		}
	}
}

func (t *Transport) allocateIDLocked() (string, error) {
	for range maxRequestIDAttempts {
		id := strings.TrimSpace(t.newID())
		if id == "" {
			continue
		}
		if _, exists := t.pending[id]; !exists {
			return id, nil
		}
	}
	return "", fmt.Errorf("core: could not allocate a unique request id after %d attempts", maxRequestIDAttempts)
}

func (t *Transport) fields(extra map[string]any) map[string]any {
	fields := cloneFields(extra)
	fields["component"] = defaultTransportLogger
	if t.instanceID != "" {
		fields["instance_id"] = t.instanceID
	}
	return fields
}

type outboundEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type inboundEnvelope struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *wireError      `json:"error"`
}

// wireError tolerates loosely typed error objects: non-numeric codes and
// non-string messages are treated as absent.
type wireError struct {
	Code    json.RawMessage `json:"code"`
	Message json.RawMessage `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (w *wireError) normalize() *RPCError {
	var (
		code    *int
		message *string
	)
	if parsed, ok := parseErrorCode(w.Code); ok {
		code = &parsed
	}
	var text string
	if len(w.Message) > 0 && json.Unmarshal(w.Message, &text) == nil {
		message = &text
	}
	return NormalizeRPCError(code, message, w.Data)
}

func parseErrorCode(raw json.RawMessage) (int, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}
	var number float64
	if err := json.Unmarshal(raw, &number); err == nil {
		return int(number), true
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if parsed, err := strconv.Atoi(strings.TrimSpace(text)); err == nil {
			return parsed, true
		}
	}
	return 0, false
}

func decodeRequestID(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return "", false
	}
	if raw[0] == '"' {
		var id string
		if err := json.Unmarshal(raw, &id); err != nil {
			return "", false
		}
		id = strings.TrimSpace(id)
		return id, id != ""
	}
	return string(raw), true
}

func encodeParams(params any) (json.RawMessage, error) {
	switch value := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(value) == 0 {
			return nil, nil
		}
		if !json.Valid(value) {
			return nil, errors.New("params are not valid JSON")
		}
		return value, nil
	}
	return json.Marshal(params)
}
