// Command rfidworker is the sole process with network access to the
// physical RFID access controller. It runs the bus consumer protocol
// against the "hardware" operation namespace and applies
// add/remove/set_datetime/get_datetime requests to the board.
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
	"github.com/pumpingstationone/deepharbor/internal/hardware"
)

var cfgFile string
var boardAddr string

var rootCmd = &cobra.Command{
	Use:   "rfidworker",
	Short: "consumes hardware bus operations and drives the access controller",
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
	rootCmd.PersistentFlags().StringVar(&boardAddr, "board-addr", "", "host:port of the access controller's UDP listener")
	config.BindDispatcherFlags(rootCmd, viper.GetViper())
	viper.BindPFlag("board_addr", rootCmd.PersistentFlags().Lookup("board-addr"))
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadDispatcherConfig(viper.GetViper(), cfgFile)
	if err != nil {
		return err
	}

	addr := viper.GetString("board_addr")
	if addr == "" {
		return fmt.Errorf("rfidworker: --board-addr (or DH_BOARD_ADDR) is required")
	}

	base := dhlog.NewLogger(dhlog.LoggerConfig{Level: dhlog.LogLevel(cfg.LogLevel), Format: cfg.LogFormat, TimeFormat: time.RFC3339})
	log := dhlog.NewContextLogger(base, map[string]interface{}{"service": "dh-rfidworker"})

	board, err := hardware.NewUDPBoard(addr)
	if err != nil {
		return fmt.Errorf("rfidworker: connecting to controller: %w", err)
	}

	hwBus := bus.New(filepath.Join(cfg.SharedVolumePath, "hardware"))
	if err := hwBus.EnsureDirs(); err != nil {
		return err
	}

	consumer := bus.NewConsumer(hwBus, hardware.Handler(board), log, 500*time.Millisecond)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("rfidworker: starting consumer loop")
	err = consumer.Run(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}
