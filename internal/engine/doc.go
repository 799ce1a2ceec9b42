// Package engine содержит ядро flow: композицию, ссылки и граф зависимостей.
//
// Включает:
//   - reference.go — грамматика ссылок {{ node.key.path }} (токенизатор и подстановка)
//   - resolver.go  — разрешение ссылок по outputs выполненных узлов
//   - outputs.go   — хранилище outputs одного run
//   - compose.go   — композиция базового документа с под-flow
//   - validate.go  — статическая проверка композированного flow
//   - graph.go     — граф зависимостей, топологический порядок и слои
//
// Engine не выполняет узлы: это делает orchestrator. Пакет не хранит
// глобального состояния, всё состояние run передаётся явно.
package engine
