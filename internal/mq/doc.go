// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Структура:
//   - connection.go — соединение с RabbitMQ (reconnect с backoff, события Lost/Reconnected)
//   - topology.go   — exchanges, queues, bindings
//   - publisher.go  — публикация сообщений, реализация orchestrator.Events
//   - consumer.go   — потребление сообщений, ack/nack/DLQ
//
// Типы сообщений:
//   - run.requested — запрос на выполнение сохранённого flow (потребитель: worker)
//   - run.finished  — run завершён
//   - node.finished — узел завершён (SUCCEEDED, FAILED, SKIPPED)
//
// Exchanges:
//   - genflow.runs   — запросы runs (direct)
//   - genflow.events — события выполнения (topic)
//   - genflow.dlq    — dead letter queue
package mq
