package gojob

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-multichain/core"
)

const (
	JobIDSessionChanged      = "multichain.session.changed"
	JobIDSessionDisconnected = "multichain.session.disconnected"
	JobIDSessionNotification = "multichain.session.notification"

	dedupDrop = "drop"
)

// JobIDForEvent maps a session event type to the job it is enqueued as.
func JobIDForEvent(eventType core.SessionEventType) (string, bool) {
	switch eventType {
	case core.SessionEventChanged:
		return JobIDSessionChanged, true
	case core.SessionEventDisconnected:
		return JobIDSessionDisconnected, true
	case core.SessionEventNotification:
		return JobIDSessionNotification, true
	default:
		return "", false
	}
}

// ToExecutionMessage maps a session event to a go-job message. Session
// transitions carry an identity:version idempotency key so a replayed event
// is dropped by the queue; notifications are always delivered.
func ToExecutionMessage(event core.SessionEvent) (*job.ExecutionMessage, error) {
	jobID, ok := JobIDForEvent(event.Type)
	if !ok {
		return nil, fmt.Errorf("gojob: unsupported session event type %q", event.Type)
	}
	identity := strings.TrimSpace(event.Identity)
	if identity == "" {
		return nil, fmt.Errorf("gojob: session event identity is required")
	}

	params := map[string]any{
		"identity": identity,
		"version":  event.Version,
		"reason":   event.Reason,
	}
	msg := &job.ExecutionMessage{
		JobID:      jobID,
		ScriptPath: jobID,
		Parameters: params,
	}
	switch event.Type {
	case core.SessionEventNotification:
		if event.Notification != nil {
			params["method"] = event.Notification.Method
			params["params"] = string(event.Notification.Params)
		}
	default:
		params["scopes"] = event.Session.Scopes()
		msg.IdempotencyKey = identity + ":" + strconv.FormatUint(event.Version, 10)
		msg.DedupPolicy = job.DeduplicationPolicy(dedupDrop)
	}
	return msg, nil
}

// EventSink enqueues session events for out of process consumers.
type EventSink struct {
	enqueuer queue.Enqueuer
	filter   map[core.SessionEventType]bool
}

type SinkOption func(*EventSink)

// WithEventTypes restricts the sink to the listed event types.
func WithEventTypes(types ...core.SessionEventType) SinkOption {
	return func(s *EventSink) {
		s.filter = make(map[core.SessionEventType]bool, len(types))
		for _, eventType := range types {
			s.filter[eventType] = true
		}
	}
}

func NewEventSink(enqueuer queue.Enqueuer, opts ...SinkOption) *EventSink {
	sink := &EventSink{enqueuer: enqueuer}
	for _, opt := range opts {
		if opt != nil {
			opt(sink)
		}
	}
	return sink
}

func (s *EventSink) Publish(ctx context.Context, event core.SessionEvent) error {
	if s == nil || s.enqueuer == nil {
		return fmt.Errorf("gojob: enqueuer is not configured")
	}
	if s.filter != nil && !s.filter[event.Type] {
		return nil
	}
	msg, err := ToExecutionMessage(event)
	if err != nil {
		return err
	}
	return s.enqueuer.Enqueue(ctx, msg)
}

var _ core.EventSink = (*EventSink)(nil)
