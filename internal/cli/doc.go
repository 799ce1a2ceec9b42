// Package cli реализует инструмент командной строки genflow.
//
// # Обзор
//
// CLI работает в двух режимах:
//   - локально с файлами: compose, validate, graph, run, history — без сервера;
//   - через HTTP API: группы flow и runs управляют сохранёнными flows и runs,
//     которые выполняют workers.
//
// # Ключевые компоненты
//
// ## Loader
//
// LoadFile читает документ flow и все под-flow. Файл под-flow берётся из поля
// file узла sub_flow (путь относительно документа, в котором объявлен узел),
// иначе ищется <alias>.yaml рядом с этим документом. Обход вложенных под-flow
// выполняет engine.CollectSubFlows.
//
//	set, err := cli.LoadFile(ctx, "flows/report.yaml")
//	flow, err := set.Compose()
//
// ## Local commands
//
// run композирует документ и выполняет его через orchestrator со стандартным
// реестром шагов. С --db run и результаты узлов записываются в SQLite,
// history показывает записанный run. llm_service использует OPENAI_API_KEY.
//
// ## Client
//
// HTTP-клиент для genflow API. Инкапсулирует HTTP-запросы, парсинг ответов
// (data, list, error) и ошибки API (*APIError).
//
//	client := cli.NewClient("http://localhost:8080")
//	flows, err := client.ListFlows(ctx)
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON — с флагом --json
//
// Данные выводятся в stdout, сообщения (Success/Error) и логи run — в stderr.
// Это позволяет использовать pipe: genflow compose flow.yaml --json | jq .
//
// ## Commands
//
// Группы создаются фабричными функциями (NewFlowCmd, NewRunsCmd, NewLocalCmds),
// принимающими замыкания для ленивого создания Client и Output после парсинга
// PersistentFlags. NewRootCmd собирает всё дерево команд.
package cli
