package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"emby-panel/internal/api"
	"emby-panel/internal/api/handler"
	"emby-panel/internal/bot"
	"emby-panel/internal/sweep"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, v)
		},
	}
}

func runServe(ctx context.Context, v *viper.Viper) error {
	a, err := bootstrap(ctx, v)
	if err != nil {
		return err
	}
	defer a.close()
	log := a.log

	history := sweep.NewHistory(a.db, log)
	a.engine.Observe(history)

	if b := startBot(a, log); b != nil {
		a.engine.Observe(b)
		defer b.Stop()
	}

	scheduler := sweep.NewScheduler(a.engine, a.cfg.SweepInterval, log)
	scheduler.Start()
	defer scheduler.Stop()

	gin.SetMode(gin.ReleaseMode)
	router := api.NewRouter(api.Deps{
		DB:           a.db,
		Registry:     a.registry,
		Ledger:       a.ledger,
		Identities:   a.identities,
		Access:       a.access,
		Engine:       a.engine,
		Accounts:     a.accounts,
		History:      history,
		CronSecret:   a.cfg.CronSecret,
		CookieSecure: a.cfg.CookieSecure,
		CORSOrigins:  a.cfg.CORSOrigins,
	})
	if a.cfg.CronSecret == "" {
		log.Warn("cron secret not set, the cron endpoint accepts administrators only")
	}

	srv := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", a.cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
		return err
	}
	return nil
}

// startBot starts the Telegram bot when a token is configured. Environment
// settings win over the ones stored from the panel.
func startBot(a *app, log *zap.Logger) *bot.BotHandler {
	settings := bot.Settings{Token: a.cfg.TelegramBotToken, ChatID: a.cfg.TelegramChatID}
	if settings.Token == "" {
		stored, err := handler.LoadTelegramSettings(a.db)
		if err != nil {
			log.Warn("failed to read telegram settings", zap.Error(err))
			return nil
		}
		settings.Token = stored.BotToken
		if settings.ChatID == 0 {
			settings.ChatID = stored.ChatID
		}
	}
	if settings.Token == "" {
		log.Info("telegram bot token not configured, bot disabled")
		return nil
	}

	b, err := bot.NewBotHandler(settings, a.engine, log)
	if err != nil {
		log.Error("failed to initialize telegram bot", zap.Error(err))
		return nil
	}
	go b.Start()
	return b
}
