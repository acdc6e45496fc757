// Command dispatcher runs the Change Dispatcher: it drains the Change Log,
// resolves each row's effector via the Routing Table, dispatches it over
// HTTP, and records every attempt in the Attempt Log.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/pumpingstationone/deepharbor/internal/attemptlog"
	"github.com/pumpingstationone/deepharbor/internal/changelog"
	"github.com/pumpingstationone/deepharbor/internal/config"
	"github.com/pumpingstationone/deepharbor/internal/dhlog"
	"github.com/pumpingstationone/deepharbor/internal/dispatcher"
	"github.com/pumpingstationone/deepharbor/internal/effectorclient"
	"github.com/pumpingstationone/deepharbor/internal/notifier"
	"github.com/pumpingstationone/deepharbor/internal/routing"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "dispatcher",
	Short: "drains the change log and dispatches changes to effector services",
	RunE:  run,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/deepharbor.yaml)")
	config.BindDispatcherFlags(rootCmd, viper.GetViper())
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadDispatcherConfig(viper.GetViper(), cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	base := dhlog.NewLogger(dhlog.LoggerConfig{
		Level:      dhlog.LogLevel(cfg.LogLevel),
		Format:     cfg.LogFormat,
		TimeFormat: time.RFC3339,
	})
	log := dhlog.NewContextLogger(base, map[string]interface{}{
		"service": "dh-dispatcher",
		"version": "0.1.0",
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return runWithReconnect(ctx, cfg, log)
}

// runWithReconnect retries dispatcher.Run with exponential backoff
// (1s doubling to a 30s cap) on any error, rebuilding the database
// connections from scratch each time. It returns only when ctx is cancelled.
func runWithReconnect(ctx context.Context, cfg config.DispatcherConfig, log *dhlog.ContextLogger) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := runOnce(ctx, cfg, log)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			log.WithError(err).Error("dispatcher: run failed, reconnecting")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func runOnce(ctx context.Context, cfg config.DispatcherConfig, log *dhlog.ContextLogger) error {
	gdb, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("dispatcher: opening database: %w", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("dispatcher: opening notify pool: %w", err)
	}
	defer pool.Close()

	n := notifier.New(pool, cfg.WatchChannel, log)
	notifyErrCh := make(chan error, 1)
	notifyCtx, cancelNotify := context.WithCancel(ctx)
	defer cancelNotify()
	listening := make(chan struct{})

	d := &dispatcher.Dispatcher{
		Changes:   changelog.NewStore(gdb),
		Routes:    routing.NewStore(gdb),
		Attempts:  attemptlog.NewStore(gdb),
		Effector:  effectorclient.New(cfg.HTTPClientTimeout),
		Notify:    n,
		BatchSize: cfg.BatchSize,
		Log:       log,
		// LISTEN begins only once the startup backlog is drained; anything
		// inserted in between is caught by the next timed pass.
		AfterResume: func(context.Context) error {
			go func() { notifyErrCh <- n.Start(notifyCtx) }()
			close(listening)
			return nil
		},
	}

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- d.Run(ctx) }()

	select {
	case err := <-runErrCh:
		cancelNotify()
		select {
		case <-listening:
			<-notifyErrCh
		default:
		}
		return err
	case err := <-notifyErrCh:
		return err
	}
}

