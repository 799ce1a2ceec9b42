package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/genflow/internal/domain"
)

// MessageType — тип сообщения в очереди.
type MessageType string

// Типы сообщений.
const (
	MessageTypeRunRequested MessageType = "run.requested"
	MessageTypeRunFinished  MessageType = "run.finished"
	MessageTypeNodeFinished MessageType = "node.finished"
)

// Sender отправляет AMQP сообщение. Реализуется Connection.
type Sender interface {
	Send(ctx context.Context, exchange Exchange, key RoutingKey, msg amqp.Publishing) error
}

// Publisher публикует сообщения в RabbitMQ.
//
// Реализует orchestrator.Events.
type Publisher struct {
	sender Sender
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(sender Sender, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		sender: sender,
		logger: logger,
	}
}

// Message — конверт сообщения.
type Message struct {
	// ID — уникальный идентификатор сообщения.
	ID string `json:"id"`

	// Type — тип сообщения.
	Type MessageType `json:"type"`

	// Payload — полезная нагрузка.
	Payload any `json:"payload"`

	// Timestamp — время создания.
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage создаёт сообщение с новым ID.
func NewMessage(msgType MessageType, payload any) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// RunRequestedPayload — запрос на выполнение flow.
type RunRequestedPayload struct {
	// RunID — ID run, заранее выданный запрашивающей стороной.
	RunID uuid.UUID `json:"run_id"`

	// FlowName — имя сохранённого flow.
	FlowName string `json:"flow_name"`

	// Version — версия flow, 0 — последняя.
	Version int `json:"version,omitempty"`

	// Inputs — входы run.
	Inputs map[string]any `json:"inputs,omitempty"`
}

// RunFinishedPayload — событие завершения run.
type RunFinishedPayload struct {
	RunID      uuid.UUID `json:"run_id"`
	FlowName   string    `json:"flow_name"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
}

// NodeFinishedPayload — событие завершения узла (SUCCEEDED, FAILED или SKIPPED).
type NodeFinishedPayload struct {
	RunID     uuid.UUID `json:"run_id"`
	FlowName  string    `json:"flow_name"`
	Node      string    `json:"node"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Publish публикует сообщение в указанный exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	err = p.sender.Send(ctx, exchange, routingKey, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Type:         string(msg.Type),
		Timestamp:    msg.Timestamp,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
	}

	p.logger.Debug("published message",
		"exchange", exchange,
		"routing_key", routingKey,
		"message_id", msg.ID,
		"type", msg.Type,
	)
	return nil
}

// PublishRunRequested публикует запрос на выполнение flow.
// Потребитель: Worker.
func (p *Publisher) PublishRunRequested(ctx context.Context, payload RunRequestedPayload) error {
	return p.Publish(ctx, ExchangeRuns, RoutingKeyRunRequested, NewMessage(MessageTypeRunRequested, payload))
}

// PublishRunFinished публикует событие завершения run.
func (p *Publisher) PublishRunFinished(ctx context.Context, run *domain.Run) error {
	payload := RunFinishedPayload{
		RunID:      run.ID,
		FlowName:   run.FlowName,
		Status:     string(run.Status),
		Error:      run.Error,
		DurationMs: run.Duration().Milliseconds(),
	}
	return p.Publish(ctx, ExchangeEvents, RoutingKeyRunFinished, NewMessage(MessageTypeRunFinished, payload))
}

// PublishNodeFinished публикует событие завершения узла.
func (p *Publisher) PublishNodeFinished(ctx context.Context, run *domain.Run, result *domain.NodeResult) error {
	payload := NodeFinishedPayload{
		RunID:     run.ID,
		FlowName:  run.FlowName,
		Node:      result.Node,
		Kind:      result.Kind,
		Status:    string(result.Status),
		Attempts:  result.Attempts,
		ErrorKind: result.ErrorKind,
		Error:     result.Error,
	}
	return p.Publish(ctx, ExchangeEvents, RoutingKeyNodeFinished, NewMessage(MessageTypeNodeFinished, payload))
}
