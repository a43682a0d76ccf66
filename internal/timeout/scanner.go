package timeout

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// scheduleParser accepts standard five-field specs, an optional leading seconds
// field, and descriptors such as "@every 5s" or "@hourly".
var scheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Start launches the background scan loop on the configured schedule.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.cron != nil {
		return fmt.Errorf("timeout engine already started")
	}

	scanCtx, cancel := context.WithCancel(ctx)
	logger := cronLogger{e.logger}
	c := cron.New(
		cron.WithParser(scheduleParser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(e.schedule, func() { e.Scan(scanCtx, e.now()) }); err != nil {
		cancel()
		return fmt.Errorf("schedule timeout scan %q: %w", e.schedule, err)
	}
	c.Start()

	e.cron = c
	e.cancel = cancel
	e.logger.Info("timeout scanner started", slog.String("schedule", e.schedule))
	return nil
}

// Stop halts the scan loop and waits for a running scan and its callbacks.
func (e *Engine) Stop() error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.cron == nil {
		return nil
	}

	<-e.cron.Stop().Done()
	e.pool.Wait()
	e.cancel()
	e.cron = nil
	e.cancel = nil

	e.logger.Info("timeout scanner stopped")
	return nil
}

// cronLogger routes robfig/cron's logging into slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
