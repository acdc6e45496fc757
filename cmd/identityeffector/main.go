// Command identityeffector implements the identity-change effector: it
// resolves the member's directory identity, then forwards the group
// grant/revoke over the bus to cmd/directoryworker, which owns the Graph
// credentials.
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

// identityChangeData names one group a member was granted or revoked.
type identityChangeData struct {
	GroupID string `json:"group_id"`
	Grant   bool   `json:"grant"`
}

// memberSource is the subset of memberstore.Store the handler needs; tests
// substitute an in-memory fake.
type memberSource interface {
	Get(ctx context.Context, id string) (memberstore.Member, error)
	Invalidate(ctx context.Context, id string)
}

// busSender is the subset of bus.Producer the handler needs.
type busSender interface {
	Send(ctx context.Context, payload json.RawMessage) (bus.Response, error)
}

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "identityeffector",
	Short: "syncs member identity and group membership to the directory",
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
	log := dhlog.NewContextLogger(base, map[string]interface{}{"service": "dh-identityeffector"})

	gdb, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("identityeffector: opening database: %w", err)
	}

	var cache memberstore.Cache
	if cfg.RedisURL != "" {
		redisClient, err := memberstore.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("identityeffector: %w", err)
		}
		cache = memberstore.NewRedisCache(redisClient, 0)
	}
	members := memberstore.New(gdb, cache)
	dirBus := bus.New(filepath.Join(cfg.SharedVolumePath, "directory"))
	if err := dirBus.EnsureDirs(); err != nil {
		return err
	}
	dirProducer := bus.NewProducer(dirBus, bus.DefaultReplyTimeout)

	svcCfg := effectorsvc.ConfigFromEnv(config.LoadServerConfig("DH_IDENTITYEFFECTOR"))
	e := effectorsvc.New("dh-identityeffector", svcCfg, log)
	effectorsvc.RegisterChangeRoute(e, "/v1/change_identity", handleIdentityChange(members, dirProducer, log))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return effectorsvc.Start(ctx, e, svcCfg)
}

func handleIdentityChange(members memberSource, dir busSender, log *dhlog.ContextLogger) effectorsvc.ChangeFunc {
	return func(c echo.Context, req effectorsvc.ChangeRequest) error {
		ctx := c.Request().Context()

		// The change row means the member's stored state moved; drop any
		// cached copy before reading.
		members.Invalidate(ctx, req.MemberID)

		member, err := members.Get(ctx, req.MemberID)
		if err != nil {
			return fmt.Errorf("identityeffector: looking up member %s: %w", req.MemberID, err)
		}

		var data identityChangeData
		if err := json.Unmarshal(req.ChangeData, &data); err != nil {
			return fmt.Errorf("identityeffector: decoding change_data: %w", err)
		}

		op := "remove_group"
		if data.Grant {
			op = "add_group"
		}
		payload, _ := json.Marshal(map[string]interface{}{
			"operation": op,
			"user_id":   member.Identity,
			"group_id":  data.GroupID,
		})
		if _, err := dir.Send(ctx, payload); err != nil {
			return fmt.Errorf("identityeffector: %s %s for %s: %w", op, data.GroupID, req.MemberID, err)
		}

		log.WithField("member_id", req.MemberID).Info("identityeffector: applied identity change")
		return nil
	}
}
