// Package orchestrator выполняет композированные flows.
//
// Orchestrator отвечает за:
//   - Привязку inputs run и статическую проверку flow (типы, ссылки, циклы)
//   - Выполнение графа слоями; узлы одного слоя — параллельно через errgroup
//   - Разрешение ссылок в params по хранилищу outputs run
//   - Retry и таймауты узлов
//   - Политику fail-fast или ContinueOnError (пропуск зависимых узлов)
//   - Финализацию run (SUCCEEDED/FAILED/CANCELLED)
//
// Состояние каждого run (граф, outputs, переменные, статусы узлов) живёт
// в RunState и не разделяется между runs.
//
// Сохранение и публикация событий подключаются через интерфейсы Recorder
// и Events (repo.RunRepo, repo.SQLiteStore, mq.Publisher).
package orchestrator
