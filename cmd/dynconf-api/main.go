package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/plexalabs/dynconf/internal/auth"
	"github.com/plexalabs/dynconf/internal/config"
	"github.com/plexalabs/dynconf/internal/database"
	"github.com/plexalabs/dynconf/internal/dynconfig"
	"github.com/plexalabs/dynconf/internal/eventbus"
	"github.com/plexalabs/dynconf/internal/logging"
	"github.com/plexalabs/dynconf/internal/realtime"
	"github.com/plexalabs/dynconf/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "dynconf-api",
		Short: "Dynamic configuration service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newIssueTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Backend token TTL in minutes")
	cmd.PersistentFlags().Int("idle-threshold-minutes", defaults.GetInt("realtime.idle_threshold_minutes"), "Idle connection threshold in minutes")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address (empty selects the in-memory bus)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "realtime.idle_threshold_minutes", "idle-threshold-minutes")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newIssueTokenCommand() *cobra.Command {
	var subject, role string
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Issue a signed backend token for a user and role",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			tokens := auth.NewTokenManager(auth.TokenManagerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        "dynconf-api",
				Audience:      "dynconf-clients",
				TokenTTL:      appConfig.TokenTTL,
			})
			token, expiresIn, err := tokens.IssueToken(auth.Claims{Subject: subject, Role: role})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires_in=%d\n", token, expiresIn)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Token subject (user id)")
	cmd.Flags().StringVar(&role, "role", string(realtime.RoleAdmin), "Token role")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	bus, err := newBus(appConfig, logger)
	if err != nil {
		return err
	}
	defer bus.Close() //nolint:errcheck

	store := dynconfig.NewGormStore(db)
	configService, err := dynconfig.NewService(dynconfig.ServiceConfig{
		Store:   store,
		History: dynconfig.NewVersionHistory(db, appConfig.HistoryLimit),
		Bus:     bus,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	if _, err := configService.WarmCache(ctx); err != nil {
		logger.Warn("cache warm at startup failed", zap.Error(err))
	}

	gateway, err := realtime.NewGateway(realtime.GatewayConfig{
		Registry:      realtime.NewRegistry(),
		Policy:        realtime.DefaultPolicy(),
		Configs:       configService,
		Bus:           bus,
		Logger:        logger,
		IdleThreshold: appConfig.IdleThreshold,
	})
	if err != nil {
		return err
	}
	defer gateway.Close()

	tokenManager := auth.NewTokenManager(auth.TokenManagerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "dynconf-api",
		Audience:      "dynconf-clients",
		TokenTTL:      appConfig.TokenTTL,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		ConfigService: configService,
		Gateway:       gateway,
		TokenManager:  tokenManager,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go runIdleSweeper(signalCtx, gateway, appConfig.SweepInterval)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newBus(appConfig config.AppConfig, logger *zap.Logger) (eventbus.Bus, error) {
	if appConfig.RedisAddress == "" {
		return eventbus.NewMemoryBus(), nil
	}
	return eventbus.NewRedisBus(eventbus.RedisBusConfig{
		Address:  appConfig.RedisAddress,
		Password: appConfig.RedisPassword,
		DB:       appConfig.RedisDB,
		Channel:  appConfig.EventChannel,
		Logger:   logger,
	})
}

func runIdleSweeper(ctx context.Context, gateway *realtime.Gateway, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			gateway.SweepIdle()
		}
	}
}
