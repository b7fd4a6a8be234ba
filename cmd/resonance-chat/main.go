package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/resonance/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/resonance/backend/internal/config"
	"github.com/MarcoPoloResearchLab/resonance/backend/internal/connectivity"
	"github.com/MarcoPoloResearchLab/resonance/backend/internal/database"
	"github.com/MarcoPoloResearchLab/resonance/backend/internal/delivery"
	"github.com/MarcoPoloResearchLab/resonance/backend/internal/graph"
	"github.com/MarcoPoloResearchLab/resonance/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/resonance/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/resonance/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/resonance/backend/internal/server"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "resonance-chat",
		Short: "Proximity chat server",
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
	cmd.PersistentFlags().Int("port", defaults.GetInt("http.port"), "HTTP listen port")
	cmd.PersistentFlags().String("database-url", defaults.GetString("database.url"), "Database connection string (sqlite://, postgres://, mysql://)")
	cmd.PersistentFlags().Int("grace-minutes", defaults.GetInt("grace.minutes"), "Minutes a disrupted edge or stale backlog survives")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "http.port", "port")
	bindFlag(cmd, "database.url", "database-url")
	bindFlag(cmd, "grace.minutes", "grace-minutes")
	bindFlag(cmd, "log.level", "log-level")
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
		if cfgFile != "" || !errors.As(err, &configNotFound) {
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

	db, err := database.Open(appConfig.DatabaseURL, logger)
	if err != nil {
		logger.Error("database bootstrap failed", zap.Error(err))
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	collector := metrics.NewCollector("")
	registry := presence.NewRegistry()

	store, err := connectivity.NewStore(connectivity.StoreConfig{
		Database:   db,
		IDProvider: connectivity.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	graphEngine, err := graph.NewEngine(graph.EngineConfig{
		Store:       store,
		GraceWindow: appConfig.GraceWindow(),
		Clock:       time.Now,
		Metrics:     collector,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	deliveryEngine, err := delivery.NewEngine(delivery.EngineConfig{
		Store:       store,
		Presence:    registry,
		GraceWindow: appConfig.GraceWindow(),
		Clock:       time.Now,
		Metrics:     collector,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	chatService, err := chat.NewService(chat.ServiceConfig{
		Graph:    graphEngine,
		Delivery: deliveryEngine,
		Presence: registry,
		AuditLog: store,
		Metrics:  collector,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	handler, err := server.NewHTTPHandler(server.Dependencies{
		Chat:     chatService,
		Presence: registry,
		Health:   store,
		Metrics:  collector,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress()),
			zap.Duration("grace_window", appConfig.GraceWindow()))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := handler.Shutdown(shutdownCtx); err != nil {
		logger.Warn("socket shutdown incomplete", zap.Error(err))
	}
	chatService.Wait()
	deliveryEngine.Wait()
	logger.Info("server stopped")
	return nil
}
