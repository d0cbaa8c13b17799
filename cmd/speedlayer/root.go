package main

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fabienpiette/speedlayer/internal/config"
	"github.com/fabienpiette/speedlayer/internal/services"
)

// stopTimeout bounds container shutdown for every command
const stopTimeout = 15 * time.Second

// app carries what every subcommand needs after the root command has loaded
// configuration
type app struct {
	configFile string
	cfg        *config.Config
	logger     *logrus.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "speedlayer",
		Short: "Caching, search and pagination layer for business records",
		Long: `speedlayer sits in front of a SQLite database of requests, items,
users and categories. It serves cached full-text search, prefetched
pagination and a TTL cache over HTTP and WebSocket.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}

	rootCmd.PersistentFlags().StringVar(&a.configFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn or error")
	rootCmd.PersistentFlags().String("database", "", "path to the SQLite database")
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("database.path", rootCmd.PersistentFlags().Lookup("database"))

	rootCmd.AddCommand(
		newServeCmd(a),
		newReindexCmd(a),
		newAnalyticsCmd(a),
		newSweepCmd(a),
	)

	return rootCmd
}

func (a *app) load() error {
	if a.configFile != "" {
		viper.SetConfigFile(a.configFile)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = setupLogging(cfg.Log.Level)
	return nil
}

// container builds and starts a service container. The returned stop
// function shuts it down.
func (a *app) container() (*services.Container, func(), error) {
	container, err := services.NewContainer(a.cfg, a.logger)
	if err != nil {
		return nil, nil, err
	}
	container.Start()

	stop := func() {
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := container.Stop(ctx); err != nil {
			a.logger.WithError(err).Error("Error during shutdown")
		}
	}
	return container, stop, nil
}

func setupLogging(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})

	switch level {
	case "debug":
		logger.SetLevel(logrus.DebugLevel)
	case "info":
		logger.SetLevel(logrus.InfoLevel)
	case "warn":
		logger.SetLevel(logrus.WarnLevel)
	case "error":
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	return logger
}
