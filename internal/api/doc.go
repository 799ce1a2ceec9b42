// Package api содержит HTTP API сервер genflow.
//
// Структура:
//   - handler.go      — Handler и интерфейсы хранилищ (FlowStore, RunStore, RunRequester)
//   - routes.go       — регистрация маршрутов
//   - middleware.go   — logging, recovery, Prometheus метрики
//   - response.go     — унифицированные JSON-ответы и обработка ошибок
//   - dto.go          — Data Transfer Objects (request/response)
//   - flow_handler.go — загрузка документов flows и их версии
//   - run_handler.go  — запуск flows и просмотр runs
//
// Загружаемый документ композируется с сохранёнными под-flow и проходит
// статическую проверку (типы узлов, ссылки, циклы) до сохранения версии.
// Запуск создаёт run в статусе PENDING и публикует run.requested для workers.
package api
