package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	feedgate "github.com/feedworks/feedgate"
	"github.com/feedworks/feedgate/internal/version"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("FEEDGATE_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "feedgate")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if err != context.Canceled {
			baseLogger.With("sys", "cli.root").Error("command failed", "error", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg feedgate.Config

	cmd := &cobra.Command{
		Use:           "feedgate",
		Short:         "feedgate resolves per-client artifacts in Azure Blob Storage and issues short-lived download links",
		SilenceErrors: true,
		Example: `
  # Minimal: metadata in MongoDB, one application profile from env
  FEEDGATE_MONGO_URI=mongodb://localhost:27017 \
  FEEDGATE_APP_F5_ACCOUNT=reportsacct \
  FEEDGATE_APP_F5_CONTAINERS=reports,archive \
  feedgate

  # Local development against Azurite with a shared key
  feedgate --mongo-uri mongodb://localhost:27017 \
    --azure-endpoint-pattern http://127.0.0.1:10000/%s \
    --config ./config.yaml
`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := baseLogger
			cliLogger := logger.With("sys", "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			cliLogger.Info("starting feedgate",
				"version", version.Current(),
				"pid", os.Getpid(),
			)

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			if err := bindConfig(&cfg, cmd); err != nil {
				return err
			}

			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
				cliLogger = logger.With("sys", "cli.root")
			}

			server, err := feedgate.NewServer(ctx, cfg, feedgate.WithLogger(logger))
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.String("config", "", "path to config file (default ./"+feedgate.DefaultConfigFileName+")")
	flags.String("listen", feedgate.DefaultListen, "server bind address")
	flags.String("metrics-listen", feedgate.DefaultMetricsListen, "Prometheus metrics bind address (empty disables)")
	flags.String("pprof-listen", feedgate.DefaultPprofListen, "pprof bind address (empty disables)")
	flags.String("mongo-uri", "", "MongoDB connection string for metadata")
	flags.String("uploads-db", "", "database holding upload-tracking records")
	flags.String("uploads-collection", "", "collection holding upload-tracking records")
	flags.String("integration-db", "", "database holding integration records")
	flags.String("integration-collection", "", "collection holding integration records")
	flags.String("azure-endpoint-pattern", feedgate.DefaultAzureEndpointPattern, "pattern expanding storage account names into blob endpoints")
	flags.String("azure-client-id", "", "user-assigned managed identity client id (empty uses the default chain)")
	flags.StringToString("azure-account-key", nil, "account=base64key pairs for shared-key signing (development)")
	flags.Duration("link-ttl", feedgate.DefaultLinkTTL, "lifetime of issued download links")
	flags.Int("rate-per-hour", feedgate.DefaultRatePerHour, "per-IP request budget for /download (0 disables)")
	flags.String("account-column", "", "tabular column inspected by content matching")
	flags.String("max-content-bytes", humanizeBytes(feedgate.DefaultMaxContentBytes), "largest object fetched for content matching")
	flags.Duration("shutdown-timeout", feedgate.DefaultShutdownTimeout, "graceful shutdown budget")
	flags.Bool("tracing", false, "wrap request handling in OpenTelemetry spans")
	flags.String("log-level", "info", "minimum log level (trace, debug, info, warn, error)")

	bindFlag := func(name string) {
		var flag *pflag.Flag
		if flag = flags.Lookup(name); flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("FEEDGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	for _, name := range []string{
		"config", "listen", "metrics-listen", "pprof-listen",
		"mongo-uri", "uploads-db", "uploads-collection", "integration-db", "integration-collection",
		"azure-endpoint-pattern", "azure-client-id", "azure-account-key",
		"link-ttl", "rate-per-hour", "account-column", "max-content-bytes",
		"shutdown-timeout", "tracing", "log-level",
	} {
		bindFlag(name)
	}

	cmd.AddCommand(newVersionCommand())

	return cmd
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if _, err := os.Stat(feedgate.DefaultConfigFileName); err == nil {
			cfgPath = feedgate.DefaultConfigFileName
		}
	}
	if cfgPath == "" {
		return "", nil
	}
	viper.SetConfigFile(cfgPath)
	if err := viper.ReadInConfig(); err != nil {
		if explicit {
			return "", fmt.Errorf("read config %q: %w", cfgPath, err)
		}
		return "", nil
	}
	return cfgPath, nil
}

func bindConfig(cfg *feedgate.Config, cmd *cobra.Command) error {
	cfg.Listen = viper.GetString("listen")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.MongoURI = viper.GetString("mongo-uri")
	cfg.UploadsDatabase = viper.GetString("uploads-db")
	cfg.UploadsCollection = viper.GetString("uploads-collection")
	cfg.IntegrationDatabase = viper.GetString("integration-db")
	cfg.IntegrationCollection = viper.GetString("integration-collection")
	cfg.AzureEndpointPattern = viper.GetString("azure-endpoint-pattern")
	cfg.AzureClientID = viper.GetString("azure-client-id")
	cfg.AzureAccountKeys = viper.GetStringMapString("azure-account-key")
	cfg.LinkTTL = viper.GetDuration("link-ttl")
	cfg.RatePerHour = viper.GetInt("rate-per-hour")
	cfg.RatePerHourSet = viper.IsSet("rate-per-hour")
	if f := cmd.Flags().Lookup("rate-per-hour"); f != nil && f.Changed {
		cfg.RatePerHourSet = true
	}
	cfg.AccountColumn = viper.GetString("account-column")
	if raw := viper.GetString("max-content-bytes"); raw != "" {
		size, err := humanize.ParseBytes(raw)
		if err != nil {
			return fmt.Errorf("parse max-content-bytes: %w", err)
		}
		cfg.MaxContentBytes = int64(size)
	}
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	cfg.TracingEnabled = viper.GetBool("tracing")

	// Application profiles come from the config file and are extended or
	// overridden by FEEDGATE_APP_* environment variables.
	apps := make(map[string]feedgate.AppProfile)
	if err := viper.UnmarshalKey("applications", &apps); err != nil {
		return fmt.Errorf("parse applications: %w", err)
	}
	for name, app := range feedgate.ApplicationsFromEnv(os.Environ()) {
		apps[name] = app
	}
	cfg.Applications = apps
	return nil
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
