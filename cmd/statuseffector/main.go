// Command statuseffector implements the status-change effector: on a status
// change it enables/disables the member's directory account and adds/removes
// every currently-active tag on the access controller, over the
// hardware-isolation bus.
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

// activeStatus is the membership_status value that means "has access".
const activeStatus = "active"

type statusChangeData struct {
	MembershipStatus string `json:"membership_status"`
}

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
	Use:   "statuseffector",
	Short: "applies member status changes to the directory and access controller",
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
	log := dhlog.NewContextLogger(base, map[string]interface{}{"service": "dh-statuseffector"})

	gdb, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("statuseffector: opening database: %w", err)
	}

	var cache memberstore.Cache
	if cfg.RedisURL != "" {
		redisClient, err := memberstore.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("statuseffector: %w", err)
		}
		cache = memberstore.NewRedisCache(redisClient, 0)
	}
	members := memberstore.New(gdb, cache)
	hwBus := bus.New(filepath.Join(cfg.SharedVolumePath, "hardware"))
	if err := hwBus.EnsureDirs(); err != nil {
		return err
	}
	dirBus := bus.New(filepath.Join(cfg.SharedVolumePath, "directory"))
	if err := dirBus.EnsureDirs(); err != nil {
		return err
	}
	hwProducer := bus.NewProducer(hwBus, bus.DefaultReplyTimeout)
	dirProducer := bus.NewProducer(dirBus, bus.DefaultReplyTimeout)

	svcCfg := effectorsvc.ConfigFromEnv(config.LoadServerConfig("DH_STATUSEFFECTOR"))
	e := effectorsvc.New("dh-statuseffector", svcCfg, log)
	effectorsvc.RegisterChangeRoute(e, "/v1/change_status", handleStatusChange(members, hwProducer, dirProducer, log))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return effectorsvc.Start(ctx, e, svcCfg)
}

func handleStatusChange(members memberSource, hw, dir busSender, log *dhlog.ContextLogger) effectorsvc.ChangeFunc {
	return func(c echo.Context, req effectorsvc.ChangeRequest) error {
		ctx := c.Request().Context()

		var data statusChangeData
		if err := json.Unmarshal(req.ChangeData, &data); err != nil {
			return fmt.Errorf("statuseffector: decoding change_data: %w", err)
		}

		// The change row means the member's stored state moved; drop any
		// cached copy before reading.
		members.Invalidate(ctx, req.MemberID)

		member, err := members.Get(ctx, req.MemberID)
		if err != nil {
			return fmt.Errorf("statuseffector: looking up member %s: %w", req.MemberID, err)
		}

		tags, err := members.Tags(ctx, req.MemberID)
		if err != nil {
			return fmt.Errorf("statuseffector: listing tags for %s: %w", req.MemberID, err)
		}

		enabled := data.MembershipStatus == activeStatus

		enablePayload, _ := json.Marshal(map[string]interface{}{
			"operation": "set_enabled",
			"user_id":   member.Identity,
			"enabled":   enabled,
		})
		if _, err := dir.Send(ctx, enablePayload); err != nil {
			return fmt.Errorf("statuseffector: directory enable/disable for %s: %w", req.MemberID, err)
		}

		for _, tag := range tags {
			if !tag.Active {
				continue
			}
			op := "remove"
			if enabled {
				op = "add"
			}
			payload, _ := json.Marshal(map[string]interface{}{
				"operation":     op,
				"tag_id":        tag.TagID,
				"converted_tag": tag.ConvertedTag,
			})
			if _, err := hw.Send(ctx, payload); err != nil {
				return fmt.Errorf("statuseffector: %s tag %s for %s: %w", op, tag.TagID, req.MemberID, err)
			}
		}

		log.WithField("member_id", req.MemberID).Info("statuseffector: applied status change")
		return nil
	}
}
