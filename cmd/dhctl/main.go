// Command dhctl is the operator CLI for deepharbor. "bus requeue-stale" is
// the only tool that moves files stuck under a bus's processing/ directory
// back to pending/; the workers themselves never do this automatically.
// "route set" registers or replaces a change-type route.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/pumpingstationone/deepharbor/internal/busrecovery"
	"github.com/pumpingstationone/deepharbor/internal/routing"
)

var rootCmd = &cobra.Command{
	Use:   "dhctl",
	Short: "operator tooling for the deepharbor change-propagation core",
}

var busCmd = &cobra.Command{
	Use:   "bus",
	Short: "inspect and repair the file-backed hardware-isolation bus",
}

var (
	busRoot   string
	graceFlag time.Duration
)

var requeueStaleCmd = &cobra.Command{
	Use:   "requeue-stale",
	Short: "move messages stuck under processing/ back to pending/",
	RunE: func(cmd *cobra.Command, args []string) error {
		moved, err := busrecovery.SweepStaleProcessing(busRoot, graceFlag)
		if err != nil {
			return err
		}
		fmt.Print(busrecovery.Report(moved))
		return nil
	},
}

var routeCmd = &cobra.Command{
	Use:   "route",
	Short: "manage the change-type routing table",
}

var databaseURL string

var routeSetCmd = &cobra.Command{
	Use:   "set <name> <endpoint>",
	Short: "register or replace the effector endpoint for a change type",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{})
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		if err := routing.NewStore(db).Upsert(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("route %s -> %s\n", args[0], args[1])
		return nil
	},
}

func init() {
	requeueStaleCmd.Flags().StringVar(&busRoot, "root", "", "bus root directory (containing pending/, processing/, responses/)")
	requeueStaleCmd.Flags().DurationVar(&graceFlag, "grace", busrecovery.DefaultGrace, "minimum age under processing/ before a message is considered stale")
	requeueStaleCmd.MarkFlagRequired("root")

	routeSetCmd.Flags().StringVar(&databaseURL, "database-url", "", "PostgreSQL connection string")
	routeSetCmd.MarkFlagRequired("database-url")

	busCmd.AddCommand(requeueStaleCmd)
	routeCmd.AddCommand(routeSetCmd)
	rootCmd.AddCommand(busCmd, routeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
