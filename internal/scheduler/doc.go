// Package scheduler запускает flows по расписанию.
//
// Расписание задаётся в документе flow полем schedule (cron-выражение
// или дескриптор @hourly, @every 10m). Scheduler держит по одному заданию
// robfig/cron на flow и периодически сверяет их с последними версиями
// активных flows в БД.
//
// Структура:
//   - scheduler.go — Scheduler (Run, Sync, Trigger)
//   - cron.go      — парсинг cron-выражений, адаптер логгера cron → slog
//
// Использование:
//
//	sched := scheduler.New(scheduler.Config{
//	    Flows:     flowRepo,
//	    Runs:      runRepo,
//	    Requester: publisher,
//	    Logger:    logger,
//	})
//	err := sched.Run(ctx) // до отмены ctx
//
// Leader Election:
//
// Scheduler не реализует leader election самостоятельно.
// Это делается в main.go через pg_try_advisory_lock: Run вызывается только лидером.
package scheduler
