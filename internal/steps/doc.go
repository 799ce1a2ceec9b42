// Package steps содержит исполнителей узлов flow.
//
// # Обзор
//
// Каждый тип узла (type в YAML) обслуживается одним Step. Step получает
// params узла с уже подставленными ссылками, поля узла (function, model, ...)
// и список объявленных outputs. Возвращает outputs, которые Orchestrator
// записывает в хранилище run.
//
//	type Step interface {
//	    Kind() string
//	    Execute(ctx context.Context, req *Request) (*Response, error)
//	}
//
// Request содержит:
//   - Node — имя узла (после композиции, например analyze__clean)
//   - Params — разрешённые params
//   - Fields — остальные поля узла
//   - Outputs — объявленные ключи outputs
//   - Vars — переменные run
//   - Timeout — таймаут попытки
//
// # Registry
//
//	registry := steps.DefaultRegistry(steps.BuiltinFunctions(), openai.NewClient(key))
//	step, err := registry.Get("llm_service")
//
// Типы по умолчанию: function_call, llm_service, transform, delay, http,
// set_variable, get_variable, get_variables. Свои типы регистрируются через
// Register или NewStepFunc.
//
// # Типы узлов
//
// ## function_call (function.go, builtin.go)
//
// Вызывает функцию из таблицы Functions по полю function:
//
//	nodes:
//	  - name: load
//	    type: function_call
//	    function: read_csv
//	    params: {path: data.csv}
//	    outputs: [data]
//
// Встроенные функции: read_file, write_file, read_csv, parse_json, concat.
//
// ## llm_service (llm.go)
//
// Отправляет params.prompt в OpenAI chat completions. Узел объявляет ровно один
// output. С полем function_call в output пишутся аргументы вызова функции.
//
// ## transform (transform.go)
//
// Возвращает params как outputs. В него же превращается узел вызова под-flow.
//
// ## delay, http (delay.go, http.go)
//
// Пауза и HTTP запрос. http с fail_on_error возвращает *HTTPError на статус >= 400;
// 4xx, кроме 408 и 429, помечаются ErrNonRetryable и не повторяются. Объявленные
// outputs, кроме status_code, headers и body, берутся из полей JSON ответа.
//
// ## set_variable, get_variable, get_variables (variables.go)
//
// Переменные run, общие для всех узлов одного выполнения.
//
// # Обработка ошибок
//
//	var (
//	    ErrStepNotFound     // тип не зарегистрирован
//	    ErrInvalidConfig    // неверные поля или params
//	    ErrStepCancelled    // context отменён
//	    ErrFunctionNotFound // нет функции в таблице
//	    ErrVariableNotFound // переменная не установлена
//	    ErrEmptyCompletion  // модель не вернула ответ
//	)
//
// Retry и таймауты находятся в Orchestrator, шаги просто возвращают ошибки.
package steps
