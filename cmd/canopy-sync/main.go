package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/MarcoPoloResearchLab/canopy/backend/internal/client/queue"
	"github.com/MarcoPoloResearchLab/canopy/backend/internal/client/replica"
	"github.com/MarcoPoloResearchLab/canopy/backend/internal/config"
	"github.com/MarcoPoloResearchLab/canopy/backend/internal/database"
	"github.com/MarcoPoloResearchLab/canopy/backend/internal/logging"
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
		Use:   "canopy-sync",
		Short: "Uploads the local mutation queue of a Canopy device",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd.Context())
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
	cmd.PersistentFlags().String("server-url", "", "Base URL of the Canopy API")
	cmd.PersistentFlags().String("token", "", "Account token (overrides env)")
	cmd.PersistentFlags().String("workspace-id", "", "Workspace to synchronize")
	cmd.PersistentFlags().String("user-id", "", "Workspace user id of this device's account")
	cmd.PersistentFlags().String("database-path", defaults.GetString("client.database_path"), "Device SQLite database path")
	cmd.PersistentFlags().Duration("sync-interval", defaults.GetDuration("client.sync_interval"), "Interval between sync passes")
	cmd.PersistentFlags().Int("retry-limit", defaults.GetInt("client.retry_limit"), "Attempts before a mutation is reverted")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log encoding (json, console)")

	bindFlag(cmd, "client.server_url", "server-url")
	bindFlag(cmd, "client.token", "token")
	bindFlag(cmd, "client.workspace_id", "workspace-id")
	bindFlag(cmd, "client.user_id", "user-id")
	bindFlag(cmd, "client.database_path", "database-path")
	bindFlag(cmd, "client.sync_interval", "sync-interval")
	bindFlag(cmd, "client.retry_limit", "retry-limit")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
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

func runSync(ctx context.Context) error {
	clientConfig, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(clientConfig.LogLevel, clientConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenClientSQLite(clientConfig.DatabasePath, logger, replica.Models()...)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := queue.NewStore(queue.StoreConfig{Database: db})
	if err != nil {
		return err
	}

	localReplica, err := replica.New(replica.Config{
		Database:    db,
		Queue:       store,
		UserID:      clientConfig.UserID,
		WorkspaceID: clientConfig.WorkspaceID,
		Logger:      logging.Named(logger, "replica"),
	})
	if err != nil {
		return err
	}

	syncer, err := queue.NewSyncer(queue.SyncerConfig{
		Store:        store,
		Sender:       queue.NewHTTPSender(clientConfig.ServerURL, clientConfig.WorkspaceID, clientConfig.Token, nil),
		Reconciler:   localReplica,
		Interval:     clientConfig.SyncInterval,
		PendingLimit: clientConfig.PendingLimit,
		BatchSize:    clientConfig.BatchSize,
		RetryLimit:   clientConfig.RetryLimit,
		Logger:       logging.Named(logger, "sync"),
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wake := make(chan os.Signal, 1)
	signal.Notify(wake, syscall.SIGUSR1)
	defer signal.Stop(wake)

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("sync loop starting",
			zap.String("server_url", clientConfig.ServerURL),
			zap.String("workspace_id", clientConfig.WorkspaceID))
		return syncer.Run(groupCtx)
	})
	group.Go(func() error {
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-wake:
				syncer.Wake()
			}
		}
	})
	return group.Wait()
}
