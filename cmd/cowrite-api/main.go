package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/cowrite/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/cowrite/backend/internal/config"
	"github.com/MarcoPoloResearchLab/cowrite/backend/internal/database"
	"github.com/MarcoPoloResearchLab/cowrite/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/cowrite/backend/internal/limits"
	"github.com/MarcoPoloResearchLab/cowrite/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/cowrite/backend/internal/persistence"
	"github.com/MarcoPoloResearchLab/cowrite/backend/internal/server"
	"github.com/MarcoPoloResearchLab/cowrite/backend/internal/session"
	"github.com/MarcoPoloResearchLab/cowrite/backend/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	tokenIssuerName   = "cowrite-auth"
	tokenAudienceName = "cowrite-api"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "cowrite-api",
		Short: "Cowrite collaborative document server",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

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
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Bearer token TTL in minutes")
	cmd.PersistentFlags().Int("debounce-ms", defaults.GetInt("persistence.debounce_ms"), "Debounced save delay in milliseconds")
	cmd.PersistentFlags().Int("snapshot-interval-ms", defaults.GetInt("persistence.snapshot_interval_ms"), "Periodic snapshot interval in milliseconds")
	cmd.PersistentFlags().Int("per-document-limit", defaults.GetInt("limits.per_document"), "Maximum live connections per document")
	cmd.PersistentFlags().Int("per-user-limit", defaults.GetInt("limits.per_user"), "Maximum live connections per user per document")
	cmd.PersistentFlags().Int("shutdown-grace-ms", defaults.GetInt("shutdown.grace_ms"), "Shutdown drain grace period in milliseconds")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "persistence.debounce_ms", "debounce-ms")
	bindFlag(cmd, "persistence.snapshot_interval_ms", "snapshot-interval-ms")
	bindFlag(cmd, "limits.per_document", "per-document-limit")
	bindFlag(cmd, "limits.per_user", "per-user-limit")
	bindFlag(cmd, "shutdown.grace_ms", "shutdown-grace-ms")
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

	documentStore, err := documents.NewStore(documents.StoreConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	deletionCache := documents.NewDeletionCache()

	// The scheduler is built before the session manager; the deleted-document
	// callback binds late through this variable.
	var sessionManager *session.Manager
	scheduler, err := persistence.NewScheduler(persistence.SchedulerConfig{
		Store:            documentStore,
		Deletions:        deletionCache,
		Logger:           logger,
		DebounceInterval: appConfig.DebounceInterval,
		SnapshotInterval: appConfig.SnapshotInterval,
		WarnBytes:        appConfig.WarnBytes,
		RejectBytes:      appConfig.RejectBytes,
		OnDeleted: func(documentID documents.DocumentID) {
			if sessionManager != nil {
				sessionManager.NotifyDeleted(documentID)
			}
		},
	})
	if err != nil {
		return err
	}

	tokenIssuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        tokenIssuerName,
		Audience:      tokenAudienceName,
		TokenTTL:      appConfig.TokenTTL,
	})

	authenticator, err := auth.NewSessionAuthenticator(auth.SessionAuthenticatorConfig{
		Tokens:    tokenIssuer,
		Access:    documentStore,
		Deletions: deletionCache,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	admissions := limits.NewAdmissionController(limits.AdmissionControllerConfig{
		PerDocumentCap: appConfig.PerDocumentLimit,
		PerUserCap:     appConfig.PerUserLimit,
	})

	sessionManager, err = session.NewManager(session.ManagerConfig{
		Authenticator: authenticator,
		Admissions:    admissions,
		Scheduler:     scheduler,
		Store:         documentStore,
		Logger:        logger,
		ShutdownGrace: appConfig.ShutdownGrace,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: tokenIssuer,
		Users:        userService,
		Documents:    documentStore,
		Sessions:     sessionManager,
		Logger:       logger,
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

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.Duration("snapshot_interval", appConfig.SnapshotInterval),
			zap.Int("per_document_limit", appConfig.PerDocumentLimit),
			zap.Int("per_user_limit", appConfig.PerUserLimit))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		sessionManager.Shutdown(shutdownCtx)
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
