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

	"github.com/MarcoPoloResearchLab/livery/internal/auth"
	"github.com/MarcoPoloResearchLab/livery/internal/collab"
	"github.com/MarcoPoloResearchLab/livery/internal/config"
	"github.com/MarcoPoloResearchLab/livery/internal/database"
	"github.com/MarcoPoloResearchLab/livery/internal/logging"
	"github.com/MarcoPoloResearchLab/livery/internal/realtime"
	"github.com/MarcoPoloResearchLab/livery/internal/schemes"
	"github.com/MarcoPoloResearchLab/livery/internal/server"
	"github.com/MarcoPoloResearchLab/livery/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "livery-api",
		Short: "Livery collaborative scheme service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newUserCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("allowed-origins", defaults.GetString("http.allowed_origins"), "Comma separated CORS and websocket origins")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Duration("token-ttl", defaults.GetDuration("auth.token_ttl"), "Access token lifetime")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")
	cmd.PersistentFlags().String("redis-url", defaults.GetString("redis.url"), "Redis URL for the shared replay log; empty keeps it in memory")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "auth.token_ttl", "token-ttl")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "redis.url", "redis-url")
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

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func newUserCommand() *cobra.Command {
	userCmd := &cobra.Command{
		Use:   "user",
		Short: "Manage user accounts",
	}

	var (
		email       string
		password    string
		displayName string
		admin       bool
	)
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Register a user with a password",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUsers(cmd.Context(), func(ctx context.Context, service *users.Service, logger *zap.Logger) error {
				user, err := service.Register(ctx, users.RegisterRequest{
					Email:       email,
					Password:    password,
					DisplayName: displayName,
					IsAdmin:     admin,
				})
				if err != nil {
					return err
				}
				logger.Info("user created", zap.String("user_id", user.ID), zap.Bool("admin", user.IsAdmin))
				fmt.Fprintln(cmd.OutOrStdout(), user.ID)
				return nil
			})
		},
	}
	createCmd.Flags().StringVar(&email, "email", "", "Login email")
	createCmd.Flags().StringVar(&password, "password", "", "Login password")
	createCmd.Flags().StringVar(&displayName, "display-name", "", "Display name")
	createCmd.Flags().BoolVar(&admin, "admin", false, "Grant administrator rights")
	_ = createCmd.MarkFlagRequired("email")
	_ = createCmd.MarkFlagRequired("password")

	var revoke bool
	adminCmd := &cobra.Command{
		Use:   "admin USER_ID",
		Short: "Grant or revoke administrator rights",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUsers(cmd.Context(), func(ctx context.Context, service *users.Service, logger *zap.Logger) error {
				if err := service.SetAdmin(ctx, args[0], !revoke); err != nil {
					return err
				}
				logger.Info("admin rights changed", zap.String("user_id", args[0]), zap.Bool("admin", !revoke))
				return nil
			})
		},
	}
	adminCmd.Flags().BoolVar(&revoke, "revoke", false, "Revoke instead of grant")

	var unblock bool
	blockCmd := &cobra.Command{
		Use:   "block USER_ID BLOCKED_USER_ID",
		Short: "Stop two users from sharing schemes with each other",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUsers(cmd.Context(), func(ctx context.Context, service *users.Service, logger *zap.Logger) error {
				if unblock {
					if err := service.Unblock(ctx, args[0], args[1]); err != nil {
						return err
					}
				} else if err := service.Block(ctx, args[0], args[1]); err != nil {
					return err
				}
				logger.Info("block list changed",
					zap.String("user_id", args[0]),
					zap.String("blocked_user_id", args[1]),
					zap.Bool("blocked", !unblock))
				return nil
			})
		},
	}
	blockCmd.Flags().BoolVar(&unblock, "remove", false, "Remove the block instead of adding it")

	userCmd.AddCommand(createCmd, adminCmd, blockCmd)
	return userCmd
}

// withUsers opens the database for a one-shot account command.
func withUsers(ctx context.Context, fn func(context.Context, *users.Service, *zap.Logger) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, closeDB, err := openDatabase(appConfig, logger)
	if err != nil {
		return err
	}
	defer closeDB()

	service, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	return fn(ctx, service, logger)
}

func openDatabase(appConfig config.AppConfig, logger *zap.Logger) (*gorm.DB, func(), error) {
	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	return db, func() { _ = sqlDB.Close() }, nil
}

func newEventLog(appConfig config.AppConfig, logger *zap.Logger) (realtime.EventLog, func(), error) {
	if appConfig.RedisURL == "" {
		return realtime.NewMemoryEventLog(appConfig.ReplayWindow), func() {}, nil
	}
	eventLog, err := realtime.NewRedisEventLog(appConfig.RedisURL, appConfig.ReplayWindow)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("replay log backed by redis", zap.Int("window", appConfig.ReplayWindow))
	return eventLog, func() { _ = eventLog.Close() }, nil
}

func runServer(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, closeDB, err := openDatabase(appConfig, logger)
	if err != nil {
		return err
	}
	defer closeDB()

	userService, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}
	verifier, err := auth.NewVerifier(auth.VerifierConfig{
		Tokens:      tokenIssuer,
		Credentials: userService,
		CookieName:  appConfig.CookieName,
	})
	if err != nil {
		return err
	}

	store, err := schemes.NewStore(schemes.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: schemes.NewUUIDProvider(),
		Logger:     logger,
		Timeout:    appConfig.StoreTimeout,
		MaxRetries: appConfig.StoreMaxRetries,
	})
	if err != nil {
		return err
	}

	eventLog, closeLog, err := newEventLog(appConfig, logger)
	if err != nil {
		return err
	}
	defer closeLog()

	registry := realtime.NewRegistry(realtime.RegistryConfig{SessionBuffer: appConfig.SessionBuffer})
	reconnector := realtime.NewReconnector(realtime.ReconnectorConfig{
		Registry:          registry,
		Log:               eventLog,
		HeartbeatInterval: appConfig.HeartbeatInterval,
		HeartbeatTimeout:  appConfig.HeartbeatTimeout,
		Logger:            logger,
	})
	engine, err := collab.NewEngine(collab.Config{
		Store:       store,
		Verifier:    verifier,
		Passwords:   userService,
		Tokens:      tokenIssuer,
		Registry:    registry,
		Broadcaster: realtime.NewBroadcaster(registry, eventLog, logger),
		Reconnector: reconnector,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Engine:         engine,
		CookieName:     appConfig.CookieName,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
		Shutdown:       signalCtx,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go reconnector.Run(signalCtx)

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
