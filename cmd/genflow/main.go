// genflow CLI — композиция и локальный запуск flow-документов,
// управление flows и runs через HTTP API.
//
// Использование:
//
//	genflow [--api-url URL] [--json] [-q] <command> [flags]
//
// Команды:
//
//	compose   Встроить под-flow и вывести плоский документ
//	validate  Проверить документ
//	graph     Показать слои выполнения
//	run       Выполнить документ локально
//	history   Показать run, записанный в SQLite
//	flow      Управление сохранёнными flows
//	runs      Управление runs на сервере
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/shaiso/genflow/internal/cli"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cli.NewRootCmd(version).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		cancel()
		os.Exit(1)
	}
}
