package main

import (
	"context"
	"fmt"
	"os"

	"emby-panel/internal/access"
	"emby-panel/internal/accounts"
	"emby-panel/internal/config"
	"emby-panel/internal/database"
	"emby-panel/internal/emby"
	"emby-panel/internal/identity"
	"emby-panel/internal/ledger"
	"emby-panel/internal/logger"
	"emby-panel/internal/reconcile"
	"emby-panel/internal/registry"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var version = "dev"

func main() {
	if err := newRootCmd(viper.New()).ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "emby-panel",
		Short:        "Admin panel for Emby media servers",
		Version:      version,
		SilenceUsage: true,
	}

	flags := cmd.PersistentFlags()
	flags.String("listen", ":3000", "HTTP listen address")
	flags.String("data-dir", "data", "directory holding the database and signing secret")
	flags.String("database", "", "sqlite database path (default <data-dir>/emby-panel.db)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "json", `log encoding ("json" or "console")`)

	_ = v.BindPFlag(config.KeyListenAddr, flags.Lookup("listen"))
	_ = v.BindPFlag(config.KeyDataDir, flags.Lookup("data-dir"))
	_ = v.BindPFlag(config.KeyDatabasePath, flags.Lookup("database"))
	_ = v.BindPFlag(config.KeyLogLevel, flags.Lookup("log-level"))
	_ = v.BindPFlag(config.KeyLogFormat, flags.Lookup("log-format"))

	cmd.AddCommand(newServeCmd(v), newSweepCmd(v), newPasswdCmd(v))
	return cmd
}

// app holds the components every subcommand is built from.
type app struct {
	cfg        config.Config
	log        *zap.Logger
	db         *gorm.DB
	registry   *registry.Registry
	ledger     *ledger.Ledger
	identities *identity.Store
	access     *access.Control
	engine     *reconcile.Engine
	accounts   *accounts.Service
}

func bootstrap(ctx context.Context, v *viper.Viper) (*app, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Version: version})
	if err != nil {
		return nil, err
	}

	db, err := database.Shared(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	secret, created, err := cfg.LoadOrCreateJWTSecret()
	if err != nil {
		return nil, err
	}
	if created {
		log.Info("generated session signing secret", zap.String("data_dir", cfg.DataDir))
	}

	factory := emby.NewFactory(emby.WithTimeout(cfg.UpstreamTimeout), emby.WithLogger(log))
	ids := identity.New(db, log)
	reg := registry.New(db, log, registry.WithClientFactory(factory))
	l := ledger.New(db, log)
	control := access.New(secret, cfg.SessionTTL, ids, l)
	engine := reconcile.New(reg, l, ids, log,
		reconcile.WithClientFactory(factory),
		reconcile.WithCacheTTL(cfg.CacheTTL))
	svc := accounts.New(reg, l, control, engine, log, accounts.WithClientFactory(factory))

	if ok, err := ids.EnsureBootstrap(ctx, cfg.AdminUsername, cfg.AdminPassword); err != nil {
		return nil, err
	} else if ok && cfg.AdminPassword == "admin123" {
		log.Warn("bootstrap administrator uses the default password, change it", zap.String("username", cfg.AdminUsername))
	}
	if cfg.DefaultServerURL != "" {
		if _, err := reg.EnsureDefault(ctx, cfg.DefaultServerURL, cfg.DefaultServerAPIKey); err != nil {
			return nil, err
		}
	}

	return &app{
		cfg:        cfg,
		log:        log,
		db:         db,
		registry:   reg,
		ledger:     l,
		identities: ids,
		access:     control,
		engine:     engine,
		accounts:   svc,
	}, nil
}

func (a *app) close() {
	if err := database.Close(a.db); err != nil {
		a.log.Warn("failed to close database", zap.Error(err))
	}
	_ = a.log.Sync()
}
