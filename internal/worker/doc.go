// Package worker выполняет сохранённые flows по запросам из RabbitMQ.
//
// # Обзор
//
// Worker — stateless демон. Для каждого сообщения run.requested он:
//
//   - Загружает документ flow (нужную или последнюю версию) из Postgres
//   - Рекурсивно загружает под-flow, на которые ссылаются узлы sub_flow
//   - Композирует документы в плоский граф (engine.Compose)
//   - Выполняет граф через orchestrator.Orchestrator
//
// Run и результаты узлов сохраняет Orchestrator через Recorder (repo.RunRepo),
// события run.finished/node.finished публикует mq.Publisher.
//
// Workers масштабируются горизонтально — несколько экземпляров
// потребляют из одной очереди runs.requested.
//
// # Подтверждение сообщений
//
//	flow не найден / не композируется  → run FAILED, ack
//	узел упал                          → run FAILED, ack
//	run уже завершён (повторная доставка) → ack без выполнения
//	битое сообщение                    → nack в DLQ (mq.Permanent)
//	ошибка БД                          → nack с возвратом в очередь
package worker
