package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/canopy/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/canopy/backend/internal/config"
	"github.com/MarcoPoloResearchLab/canopy/backend/internal/database"
	"github.com/MarcoPoloResearchLab/canopy/backend/internal/events"
	"github.com/MarcoPoloResearchLab/canopy/backend/internal/interactions"
	"github.com/MarcoPoloResearchLab/canopy/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/canopy/backend/internal/nodes"
	"github.com/MarcoPoloResearchLab/canopy/backend/internal/server"
	"github.com/MarcoPoloResearchLab/canopy/backend/internal/synapse"
	"github.com/MarcoPoloResearchLab/canopy/backend/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "canopy-api",
		Short: "Canopy node synchronization service",
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
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log encoding (json, console)")
	cmd.PersistentFlags().String("issuer", defaults.GetString("auth.issuer"), "Expected account token issuer")
	cmd.PersistentFlags().String("signing-secret", "", "Account token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.issuer", "issuer")
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

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenValidator, err := auth.NewTokenValidator(auth.TokenValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
	})
	if err != nil {
		return err
	}

	bus := events.NewBus(
		events.WithBufferSize(appConfig.EventBuffer),
		events.WithDropHandler(func(event events.Event) {
			logger.Warn("event dropped",
				zap.String("type", string(event.Type)),
				zap.String("node_id", event.NodeID))
		}),
	)

	nodeService, err := nodes.NewService(nodes.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: nodes.NewUUIDProvider(),
		Publisher:  bus,
		Logger:     logging.Named(logger, "nodes"),
	})
	if err != nil {
		return err
	}

	interactionService, err := interactions.NewService(interactions.ServiceConfig{
		Database:  db,
		Nodes:     nodeService,
		Clock:     time.Now,
		Publisher: bus,
		Logger:    logging.Named(logger, "interactions"),
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	synapseService, err := synapse.NewService(synapse.ServiceConfig{
		Store:        synapse.NewStore(nodeService, interactionService),
		Audience:     synapse.NewAudience(nodeService),
		Accounts:     userService,
		Tokens:       tokenValidator,
		WriteTimeout: appConfig.SynapseWriteLimit,
		Logger:       logging.Named(logger, "synapse"),
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:       tokenValidator,
		Users:        userService,
		Nodes:        nodeService,
		Interactions: interactionService,
		Synapse:      synapseService,
		Logger:       logging.Named(logger, "http"),
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

	group, groupCtx := errgroup.WithContext(signalCtx)
	stream, unsubscribe := bus.Subscribe(groupCtx)
	defer unsubscribe()

	group.Go(func() error {
		return synapseService.Run(groupCtx, stream)
	})
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}
