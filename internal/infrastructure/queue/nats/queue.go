package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/admissions-assistant/internal/core/domain"
	"github.com/kirillkom/admissions-assistant/internal/infrastructure/resilience"
)

const (
	queueGroup = "turn-workers"

	eventTypeHeader   = "Admissions-Event"
	turnCompletedType = "turn.completed.v1"
)

var errNotConnected = errors.New("nats not connected")

type Options struct {
	Name                 string
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = "admissions-assistant"
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 2 * time.Second
	}
	if o.ReconnectWait <= 0 {
		o.ReconnectWait = 2 * time.Second
	}
	if o.MaxReconnects <= 0 {
		o.MaxReconnects = 60
	}
	if o.RetryOnFailedConnect == nil {
		retry := true
		o.RetryOnFailedConnect = &retry
	}
	return o
}

// EventBus carries TurnCompletedEvents from the API to the worker on one
// subject. Workers share a queue group so each turn is handled once.
type EventBus struct {
	conn     *nats.Conn
	subject  string
	executor *resilience.Executor
}

func New(url, subject string) (*EventBus, error) {
	return NewWithOptions(url, subject, Options{})
}

// NewWithOptions connects lazily when the server is down at startup; publish
// failures then surface as temporary errors that the orchestrator only logs.
func NewWithOptions(url, subject string, opts Options) (*EventBus, error) {
	opts = opts.withDefaults()
	conn, err := nats.Connect(url,
		nats.Name(opts.Name),
		nats.Timeout(opts.ConnectTimeout),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.RetryOnFailedConnect(*opts.RetryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("event_bus_disconnected", "subject", subject, "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("event_bus_reconnected", "subject", subject, "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &EventBus{conn: conn, subject: subject, executor: opts.ResilienceExecutor}, nil
}

func (b *EventBus) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
}

func (b *EventBus) Ping(context.Context) error {
	if b.conn == nil || !b.conn.IsConnected() {
		return errNotConnected
	}
	return nil
}

func (b *EventBus) PublishTurnCompleted(ctx context.Context, event domain.TurnCompletedEvent) error {
	msg, err := newTurnMessage(b.subject, event)
	if err != nil {
		return err
	}
	publish := func(context.Context) error {
		if err := b.conn.PublishMsg(msg); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}
	if b.executor == nil {
		return wrapTemporaryIfNeeded(publish(ctx))
	}
	return wrapTemporaryIfNeeded(b.executor.Execute(ctx, "nats.publish", publish, classifyNATSError))
}

// SubscribeTurnCompleted blocks until ctx is done, then drains the subscription
// so in-flight events finish.
func (b *EventBus) SubscribeTurnCompleted(ctx context.Context, handler func(context.Context, domain.TurnCompletedEvent) error) error {
	sub, err := b.conn.QueueSubscribe(b.subject, queueGroup, func(msg *nats.Msg) {
		dispatch(ctx, msg, handler)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	if err := b.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := b.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

func newTurnMessage(subject string, event domain.TurnCompletedEvent) (*nats.Msg, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal turn event: %w", err)
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(eventTypeHeader, turnCompletedType)
	msg.Header.Set(nats.MsgIdHdr, event.AssistantMessageID)
	return msg, nil
}

func dispatch(ctx context.Context, msg *nats.Msg, handler func(context.Context, domain.TurnCompletedEvent) error) {
	if ctx.Err() != nil {
		return
	}
	if kind := msg.Header.Get(eventTypeHeader); kind != "" && kind != turnCompletedType {
		slog.Debug("turn_event_skipped", "event_type", kind)
		return
	}
	event, err := decodeEvent(msg.Data)
	if err != nil {
		slog.Error("turn_event_decode_failed", "error", err, "bytes", len(msg.Data))
		return
	}
	if err := handler(ctx, event); err != nil {
		slog.Error("turn_event_handler_failed",
			"conversation_id", event.ConversationID,
			"message_id", event.AssistantMessageID,
			"error", err,
		)
	}
}

func decodeEvent(data []byte) (domain.TurnCompletedEvent, error) {
	var event domain.TurnCompletedEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return domain.TurnCompletedEvent{}, fmt.Errorf("unmarshal turn event: %w", err)
	}
	if event.ConversationID == "" || event.AssistantMessageID == "" {
		return domain.TurnCompletedEvent{}, errors.New("turn event missing conversation or message id")
	}
	return event, nil
}
