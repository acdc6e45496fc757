// Command accesseffector implements the access/authorizations-change
// effector: for each of a member's tags, decide add-vs-remove using the
// dual-key rule. Inactive tags are always removed; active tags are added
// only if the member is itself active.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/pumpingstationone/deepharbor/internal/bus"
	"github.com/pumpingstationone/deepharbor/internal/config"
	"github.com/pumpingstationone/deepharbor/internal/dhlog"
	"github.com/pumpingstationone/deepharbor/internal/effectorsvc"
	"github.com/pumpingstationone/deepharbor/internal/memberstore"
)

const activeStatus = "active"

// memberSource is the subset of memberstore.Store the handler needs; tests
// substitute an in-memory fake.
type memberSource interface {
	Get(ctx context.Context, id string) (memberstore.Member, error)
	Tags(ctx context.Context, id string) ([]memberstore.Tag, error)
	Invalidate(ctx context.Context, id string)
}

// busSender is the subset of bus.Producer the handler needs.
type busSender interface {
	Send(ctx context.Context, payload json.RawMessage) (bus.Response, error)
}

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "accesseffector",
	Short: "applies member authorization changes to the access controller",
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

	base := dhlog.NewLogger(dhlog.LoggerConfig{Level: dhlog.LogLevel(cfg.LogLevel), Format: cfg.LogFormat, TimeFormat: time.RFC3339})
	log := dhlog.NewContextLogger(base, map[string]interface{}{"service": "dh-accesseffector"})

	gdb, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("accesseffector: opening database: %w", err)
	}

	var cache memberstore.Cache
	if cfg.RedisURL != "" {
		redisClient, err := memberstore.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("accesseffector: %w", err)
		}
		cache = memberstore.NewRedisCache(redisClient, 0)
	}
	members := memberstore.New(gdb, cache)
	hwBus := bus.New(filepath.Join(cfg.SharedVolumePath, "hardware"))
	if err := hwBus.EnsureDirs(); err != nil {
		return err
	}
	hwProducer := bus.NewProducer(hwBus, bus.DefaultReplyTimeout)

	svcCfg := effectorsvc.ConfigFromEnv(config.LoadServerConfig("DH_ACCESSEFFECTOR"))
	e := effectorsvc.New("dh-accesseffector", svcCfg, log)
	effectorsvc.RegisterChangeRoute(e, "/v1/change_access", handleAccessChange(members, hwProducer, log))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return effectorsvc.Start(ctx, e, svcCfg)
}

func handleAccessChange(members memberSource, hw busSender, log *dhlog.ContextLogger) effectorsvc.ChangeFunc {
	return func(c echo.Context, req effectorsvc.ChangeRequest) error {
		ctx := c.Request().Context()

		// The change row means the member's stored state moved; drop any
		// cached copy before reading.
		members.Invalidate(ctx, req.MemberID)

		member, err := members.Get(ctx, req.MemberID)
		if err != nil {
			return fmt.Errorf("accesseffector: looking up member %s: %w", req.MemberID, err)
		}

		tags, err := members.Tags(ctx, req.MemberID)
		if err != nil {
			return fmt.Errorf("accesseffector: listing tags for %s: %w", req.MemberID, err)
		}

		memberActive := member.Active
		for _, tag := range tags {
			op := "remove"
			if tag.Active && memberActive {
				op = "add"
			}
			payload, _ := json.Marshal(map[string]interface{}{
				"operation":     op,
				"tag_id":        tag.TagID,
				"converted_tag": tag.ConvertedTag,
			})
			if _, err := hw.Send(ctx, payload); err != nil {
				return fmt.Errorf("accesseffector: %s tag %s for %s: %w", op, tag.TagID, req.MemberID, err)
			}
		}

		log.WithField("member_id", req.MemberID).Info("accesseffector: applied authorization change")
		return nil
	}
}

