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

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/huddle/internal/analytics"
	"github.com/MarcoPoloResearchLab/huddle/internal/auth"
	"github.com/MarcoPoloResearchLab/huddle/internal/collab"
	"github.com/MarcoPoloResearchLab/huddle/internal/config"
	"github.com/MarcoPoloResearchLab/huddle/internal/database"
	"github.com/MarcoPoloResearchLab/huddle/internal/execution"
	"github.com/MarcoPoloResearchLab/huddle/internal/logging"
	"github.com/MarcoPoloResearchLab/huddle/internal/server"
	"github.com/MarcoPoloResearchLab/huddle/internal/store/gormstore"
	"github.com/MarcoPoloResearchLab/huddle/internal/store/memstore"
	"github.com/MarcoPoloResearchLab/huddle/internal/store/mongostore"
	"github.com/MarcoPoloResearchLab/huddle/internal/telemetry"
)

const (
	envFile         = ".env"
	shutdownTimeout = 10 * time.Second
)

var (
	cfgFile string
	version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "huddle-api",
		Short: "Huddle collaborative coding session service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("store-driver", defaults.GetString("store.driver"), "Session store (sqlite, postgres, mongo, memory)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("execution-url", defaults.GetString("execution.url"), "Code execution gateway base URL")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Issued token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "store.driver", "store-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "execution.url", "execution-url")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := config.LoadEnvFile(envFile); err != nil {
		return err
	}
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

func newTokenCommand() *cobra.Command {
	var (
		userID      string
		email       string
		displayName string
		roles       []string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a signed access token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.AuthSigningSecret),
				Issuer:        appConfig.AuthIssuer,
				Audience:      appConfig.AuthAudience,
				TokenTTL:      appConfig.TokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueToken(cmd.Context(), auth.Subject{
				UserID:      userID,
				Email:       email,
				DisplayName: displayName,
				Roles:       roles,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %ds\n", expiresIn)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User id carried by the token")
	cmd.Flags().StringVar(&email, "email", "", "Email carried by the token")
	cmd.Flags().StringVar(&displayName, "name", "", "Display name carried by the token")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "Role to grant (repeatable)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// sessionStore is the selected collab.Store plus whatever releases its connection.
type sessionStore struct {
	store collab.Store
	db    *gorm.DB
	close func(context.Context) error
}

func openSessionStore(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (sessionStore, error) {
	switch appConfig.StoreDriver {
	case config.StoreSQLite, config.StorePostgres:
		db, err := database.Open(database.Config{
			Driver: appConfig.StoreDriver,
			Path:   appConfig.DatabasePath,
			DSN:    appConfig.DatabaseDSN,
		}, logger)
		if err != nil {
			return sessionStore{}, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return sessionStore{}, err
		}
		store, err := gormstore.New(gormstore.Config{Database: db, Logger: logger})
		if err != nil {
			_ = sqlDB.Close()
			return sessionStore{}, err
		}
		return sessionStore{store: store, db: db, close: func(context.Context) error { return sqlDB.Close() }}, nil
	case config.StoreMongo:
		client, err := mongostore.Connect(ctx, appConfig.MongoURI)
		if err != nil {
			return sessionStore{}, err
		}
		store, err := mongostore.New(mongostore.Config{
			Database:  client.Database(appConfig.MongoDatabase),
			Retention: appConfig.Retention,
			Logger:    logger,
		})
		if err != nil {
			_ = client.Disconnect(ctx)
			return sessionStore{}, err
		}
		if err := store.EnsureIndexes(ctx); err != nil {
			_ = client.Disconnect(ctx)
			return sessionStore{}, err
		}
		return sessionStore{store: store, close: client.Disconnect}, nil
	default:
		logger.Warn("sessions are kept in memory and will not survive a restart")
		return sessionStore{store: memstore.New(), close: func(context.Context) error { return nil }}, nil
	}
}

// openAnalytics prefers Redis, falls back to the relational database, and is
// disabled when neither is available.
func openAnalytics(ctx context.Context, appConfig config.AppConfig, db *gorm.DB, logger *zap.Logger) (*analytics.Service, func() error, error) {
	var (
		backend analytics.Backend
		closer  = func() error { return nil }
	)
	switch {
	case appConfig.RedisAddress != "":
		client := redis.NewClient(&redis.Options{Addr: appConfig.RedisAddress, Password: appConfig.RedisPassword})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("analytics: redis ping: %w", err)
		}
		redisBackend, err := analytics.NewRedisBackend(client)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		backend = redisBackend
		closer = client.Close
	case db != nil:
		gormBackend, err := analytics.NewGormBackend(db)
		if err != nil {
			return nil, nil, err
		}
		backend = gormBackend
	default:
		logger.Info("participant analytics disabled")
		return nil, closer, nil
	}
	service, err := analytics.NewService(analytics.ServiceConfig{Backend: backend, Logger: logger})
	if err != nil {
		_ = closer()
		return nil, nil, err
	}
	return service, closer, nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	shutdownTracing, err := telemetry.Init(telemetry.Config{
		ServiceName:    appConfig.ServiceName,
		ServiceVersion: version,
		JaegerEndpoint: appConfig.JaegerEndpoint,
		SampleRatio:    appConfig.TraceSampleRatio,
	})
	if err != nil {
		return err
	}

	sessions, err := openSessionStore(ctx, appConfig, logger)
	if err != nil {
		return err
	}

	activity, closeAnalytics, err := openAnalytics(ctx, appConfig, sessions.db, logger)
	if err != nil {
		_ = sessions.close(context.Background())
		return err
	}

	piston, err := execution.NewPistonClient(execution.PistonConfig{
		BaseURL:          appConfig.ExecutionURL,
		RunTimeout:       appConfig.ExecutionTimeout,
		MaxResponseBytes: execution.ResponseLimitFor(appConfig.ExecutionMaxOutputBytes),
		Logger:           logger,
	})
	if err != nil {
		return err
	}
	executor, err := execution.NewBounded(piston, execution.BoundedConfig{
		Timeout:        appConfig.ExecutionTimeout,
		MaxOutputBytes: appConfig.ExecutionMaxOutputBytes,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	persister := collab.NewAsyncPersister(collab.PersisterConfig{Logger: logger})

	registryConfig := collab.RegistryConfig{
		Store:      sessions.store,
		Persister:  persister,
		Logger:     logger,
		AutoCreate: appConfig.RoomsAutoCreate,
	}
	var reporter server.ActivityReporter
	if activity != nil {
		registryConfig.Activity = activity
		reporter = activity
	}
	registry, err := collab.NewRegistry(registryConfig)
	if err != nil {
		return err
	}
	hub, err := collab.NewHub(collab.HubConfig{Registry: registry, Executor: executor, Logger: logger})
	if err != nil {
		return err
	}
	lifecycle, err := collab.NewLifecycle(collab.LifecycleConfig{
		Store:            sessions.store,
		Registry:         registry,
		Logger:           logger,
		IdleThreshold:    appConfig.IdleThreshold,
		InactivityWindow: appConfig.InactivityWindow,
		Retention:        appConfig.Retention,
		CleanupInterval:  appConfig.CleanupInterval,
	})
	if err != nil {
		return err
	}

	validator, err := auth.NewTokenValidator(auth.TokenValidatorConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
		Audience:      appConfig.AuthAudience,
		CookieName:    appConfig.AuthCookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Lifecycle:      lifecycle,
		Hub:            hub,
		Tokens:         validator,
		Analytics:      reporter,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweepCtx, stopSweeps := context.WithCancel(signalCtx)
	defer stopSweeps()
	go lifecycle.Run(sweepCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("store", appConfig.StoreDriver))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-signalCtx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	stopSweeps()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
	if err := hub.Shutdown(shutdownCtx); err != nil {
		logger.Warn("waiting for executions failed", zap.Error(err))
	}
	persister.Close()
	if err := closeAnalytics(); err != nil {
		logger.Warn("analytics close failed", zap.Error(err))
	}
	if err := sessions.close(shutdownCtx); err != nil {
		logger.Warn("session store close failed", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown failed", zap.Error(err))
	}
	logger.Info("server stopped")
	return serveErr
}
