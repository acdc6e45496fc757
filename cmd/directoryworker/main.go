// Command directoryworker is the sole process with Microsoft Graph
// credentials. It runs the bus consumer protocol against the "directory"
// operation namespace and applies enable/disable and group-membership
// requests.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pumpingstationone/deepharbor/internal/bus"
	"github.com/pumpingstationone/deepharbor/internal/config"
	"github.com/pumpingstationone/deepharbor/internal/dhlog"
	"github.com/pumpingstationone/deepharbor/internal/directory"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "directoryworker",
	Short: "consumes directory bus operations and applies them via Microsoft Graph",
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
	rootCmd.PersistentFlags().String("tenant-id", "", "Azure AD tenant id")
	rootCmd.PersistentFlags().String("client-id", "", "Azure AD application (client) id")
	rootCmd.PersistentFlags().String("client-secret", "", "Azure AD application client secret")
	config.BindDispatcherFlags(rootCmd, viper.GetViper())
	viper.BindPFlag("tenant_id", rootCmd.PersistentFlags().Lookup("tenant-id"))
	viper.BindPFlag("client_id", rootCmd.PersistentFlags().Lookup("client-id"))
	viper.BindPFlag("client_secret", rootCmd.PersistentFlags().Lookup("client-secret"))
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadDispatcherConfig(viper.GetViper(), cfgFile)
	if err != nil {
		return err
	}

	base := dhlog.NewLogger(dhlog.LoggerConfig{Level: dhlog.LogLevel(cfg.LogLevel), Format: cfg.LogFormat, TimeFormat: time.RFC3339})
	log := dhlog.NewContextLogger(base, map[string]interface{}{"service": "dh-directoryworker"})

	dir, err := directory.NewGraphDirectory(directory.Config{
		TenantID:     viper.GetString("tenant_id"),
		ClientID:     viper.GetString("client_id"),
		ClientSecret: viper.GetString("client_secret"),
	})
	if err != nil {
		return fmt.Errorf("directoryworker: building graph client: %w", err)
	}

	dirBus := bus.New(filepath.Join(cfg.SharedVolumePath, "directory"))
	if err := dirBus.EnsureDirs(); err != nil {
		return err
	}

	consumer := bus.NewConsumer(dirBus, directory.Handler(dir), log, 500*time.Millisecond)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("directoryworker: starting consumer loop")
	err = consumer.Run(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}
