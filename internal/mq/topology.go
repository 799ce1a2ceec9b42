package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges — имена обменников.
const (
	// ExchangeRuns — запросы на запуск flows (direct).
	ExchangeRuns Exchange = "genflow.runs"

	// ExchangeEvents — события выполнения (topic): run.finished, node.finished.
	ExchangeEvents Exchange = "genflow.events"

	ExchangeDLQ Exchange = "genflow.dlq"
)

// Queues — имена очередей.
const (
	QueueRunsRequested Queue = "runs.requested"
	QueueRunsFinished  Queue = "runs.finished"
	QueueNodesFinished Queue = "nodes.finished"
	QueueDLQRuns       Queue = "dlq.runs"
)

// Routing keys.
const (
	RoutingKeyRunRequested RoutingKey = "run.requested"
	RoutingKeyRunFinished  RoutingKey = "run.finished"
	RoutingKeyNodeFinished RoutingKey = "node.finished"
	RoutingKeyDLQRuns      RoutingKey = "runs"
)

// exchangeDecl — объявление обменника.
type exchangeDecl struct {
	name Exchange
	kind string
}

// queueDecl — объявление очереди.
type queueDecl struct {
	name Queue
	args amqp.Table
}

// bindingDecl — привязка очереди к обменнику.
type bindingDecl struct {
	queue      Queue
	routingKey RoutingKey
	exchange   Exchange
}

// Topology — полный набор объявлений RabbitMQ.
type Topology struct {
	exchanges []exchangeDecl
	queues    []queueDecl
	bindings  []bindingDecl
}

// DefaultTopology возвращает топологию genflow.
//
// runs.requested отправляет отклонённые сообщения в dlq.runs: запрос, который
// worker не смог разобрать, не должен крутиться в очереди бесконечно.
func DefaultTopology() *Topology {
	dlqArgs := amqp.Table{
		"x-dead-letter-exchange":    string(ExchangeDLQ),
		"x-dead-letter-routing-key": string(RoutingKeyDLQRuns),
	}

	return &Topology{
		exchanges: []exchangeDecl{
			{ExchangeRuns, "direct"},
			{ExchangeEvents, "topic"},
			{ExchangeDLQ, "direct"},
		},
		queues: []queueDecl{
			{QueueRunsRequested, dlqArgs},
			{QueueRunsFinished, nil},
			{QueueNodesFinished, nil},
			{QueueDLQRuns, nil},
		},
		bindings: []bindingDecl{
			{QueueRunsRequested, RoutingKeyRunRequested, ExchangeRuns},
			{QueueRunsFinished, RoutingKeyRunFinished, ExchangeEvents},
			{QueueNodesFinished, RoutingKeyNodeFinished, ExchangeEvents},
			{QueueDLQRuns, RoutingKeyDLQRuns, ExchangeDLQ},
		},
	}
}

// Queues возвращает имена объявленных очередей.
func (t *Topology) Queues() []Queue {
	names := make([]Queue, len(t.queues))
	for i, q := range t.queues {
		names[i] = q.name
	}
	return names
}

// Route возвращает обменник и очередь, куда попадёт сообщение с ключом.
func (t *Topology) Route(key RoutingKey) (Exchange, Queue, bool) {
	for _, b := range t.bindings {
		if b.routingKey == key {
			return b.exchange, b.queue, true
		}
	}
	return "", "", false
}

// SetupTopology объявляет обменники, очереди и привязки.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return DefaultTopology().Declare(ctx, conn)
}

// Declare объявляет топологию через соединение.
func (t *Topology) Declare(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		for _, ex := range t.exchanges {
			err := ch.ExchangeDeclare(
				string(ex.name), // name
				ex.kind,         // type
				true,            // durable
				false,           // auto-deleted
				false,           // internal
				false,           // no-wait
				nil,             // arguments
			)
			if err != nil {
				return fmt.Errorf("declare exchange %s: %w", ex.name, err)
			}
		}

		for _, q := range t.queues {
			_, err := ch.QueueDeclare(
				string(q.name), // name
				true,           // durable
				false,          // delete when unused
				false,          // exclusive
				false,          // no-wait
				q.args,         // arguments
			)
			if err != nil {
				return fmt.Errorf("declare queue %s: %w", q.name, err)
			}
		}

		for _, b := range t.bindings {
			err := ch.QueueBind(
				string(b.queue),      // queue name
				string(b.routingKey), // routing key
				string(b.exchange),   // exchange
				false,                // no-wait
				nil,                  // arguments
			)
			if err != nil {
				return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
			}
		}
		return nil
	})
}
