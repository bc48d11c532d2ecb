package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/pslog"

	"pkt.systems/veneer"
	"pkt.systems/veneer/internal/svcfields"
)

const telemetryShutdownTimeout = 10 * time.Second

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("VENEER_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "veneer")
	root := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	ran, err := root.ExecuteContextC(ctx)
	if err == nil {
		return 0
	}
	if errors.Is(err, context.Canceled) {
		return 1
	}
	if ran == root {
		svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
	} else {
		fmt.Fprintf(os.Stderr, "%s\n", err)
	}
	return 1
}

// cli carries the per-invocation viper instance shared by subcommands.
type cli struct {
	v      *viper.Viper
	logger pslog.Logger
}

// storeFlags are persistent so every subcommand can reach the behavior
// store; proxyFlags belong to the root command only.
var (
	storeFlags = []string{
		"config", "log-level",
		"store", "namespace",
		"s3-access-key-id", "s3-secret-access-key", "s3-session-token", "s3-sse", "s3-kms-key-id",
		"aws-region", "aws-kms-key-id",
		"azure-account", "azure-key", "azure-endpoint", "azure-sas-token",
		"storage-retry-attempts", "storage-retry-base-delay", "storage-retry-max-delay", "storage-retry-multiplier",
	}
	proxyFlags = []string{
		"listen", "refresh-interval", "store-timeout", "disable-change-feed", "skip-preload",
		"http-version", "upstream-timeout", "max-body",
		"metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint",
	}
)

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	c := &cli{v: viper.New(), logger: baseLogger}

	cmd := &cobra.Command{
		Use:           "veneer",
		Short:         "veneer injects latency and fabricated responses into outbound HTTP traffic",
		SilenceErrors: true,
		Example: `
  # Forward proxy over a disk store; point HTTP_PROXY at it
  veneer --store disk:///var/lib/veneer --listen 127.0.0.1:8341

  # MinIO-backed store (TLS on by default; append ?insecure=1 for HTTP)
  VENEER_STORE=s3://localhost:9000/veneer?insecure=1 VENEER_S3_ACCESS_KEY_ID=minioadmin VENEER_S3_SECRET_ACCESS_KEY=minioadmin veneer

  # Seed behaviors, then try one through the interceptor
  veneer behaviors put -f behaviors.yaml --store disk:///var/lib/veneer
  veneer probe http://payments.internal/health --store disk:///var/lib/veneer
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			ctx := cmd.Context()
			cfg, logger, err := c.setup()
			if err != nil {
				return err
			}
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			cliLogger.Info("welcome to veneer", "pid", os.Getpid(), "store", cfg.Store, "namespace", cfg.Namespace)

			tel, err := veneer.StartTelemetry(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
				defer cancel()
				if err := tel.Shutdown(shutdownCtx); err != nil {
					cliLogger.Warn("telemetry shutdown failed", "error", err)
				}
			}()

			v, err := veneer.New(ctx, cfg, veneer.WithLogger(logger))
			if err != nil {
				return err
			}
			defer v.Close()

			ln, err := net.Listen("tcp", cfg.Listen)
			if err != nil {
				return fmt.Errorf("listen %s: %w", cfg.Listen, err)
			}
			return veneer.NewProxy(v).Serve(ctx, ln)
		},
	}

	persistent := cmd.PersistentFlags()
	persistent.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.veneer/"+veneer.DefaultConfigFileName+")")
	persistent.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	persistent.String("store", veneer.DefaultStore, "storage backend URL (mem://, disk:///path, s3://host[:port]/bucket, aws://bucket, azure://account/container)")
	persistent.StringP("namespace", "n", veneer.DefaultNamespace, "storage namespace holding behavior records")
	persistent.String("s3-access-key-id", "", "S3 access key for s3:// stores")
	persistent.String("s3-secret-access-key", "", "S3 secret key for s3:// stores")
	persistent.String("s3-session-token", "", "S3 session token for s3:// stores")
	persistent.String("s3-sse", "", "server-side encryption mode (AES256 or aws:kms)")
	persistent.String("s3-kms-key-id", "", "KMS key id used with aws:kms")
	persistent.String("aws-region", "", "AWS region for aws:// stores")
	persistent.String("aws-kms-key-id", "", "KMS key id for aws:// stores")
	persistent.String("azure-account", "", "Azure storage account (overrides the store URL host)")
	persistent.String("azure-key", "", "Azure storage account key")
	persistent.String("azure-endpoint", "", "Azure blob endpoint override")
	persistent.String("azure-sas-token", "", "Azure SAS token")
	persistent.Int("storage-retry-attempts", veneer.DefaultStorageRetryMaxAttempts, "attempts per storage call on transient errors")
	persistent.Duration("storage-retry-base-delay", veneer.DefaultStorageRetryBaseDelay, "first storage retry backoff")
	persistent.Duration("storage-retry-max-delay", veneer.DefaultStorageRetryMaxDelay, "storage retry backoff ceiling")
	persistent.Float64("storage-retry-multiplier", veneer.DefaultStorageRetryMultiplier, "storage retry backoff multiplier")

	flags := cmd.Flags()
	flags.String("listen", veneer.DefaultListen, "proxy listen address")
	flags.Duration("refresh-interval", veneer.DefaultRefreshInterval, "minimum spacing between behavior snapshot refreshes")
	flags.Duration("store-timeout", veneer.DefaultStoreTimeout, "timeout for a single snapshot listing")
	flags.Bool("disable-change-feed", false, "ignore backend change notifications and rely on the refresh interval")
	flags.Bool("skip-preload", false, "start serving before the first snapshot is loaded")
	flags.String("http-version", veneer.DefaultHTTPVersion, "HTTP version written in fabricated status lines (1.0 or 1.1)")
	flags.Duration("upstream-timeout", veneer.DefaultUpstreamTimeout, "how long the proxy waits for upstream response headers")
	flags.String("max-body", humanizeBytes(veneer.DefaultMaxBodyBytes), "largest request body the proxy forwards (e.g. 32MB)")
	flags.String("metrics-listen", veneer.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", veneer.DefaultPprofListen, "pprof listen address (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "export Go runtime metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")

	c.v.SetEnvPrefix("VENEER")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()
	c.bind(persistent, storeFlags)
	c.bind(flags, proxyFlags)

	cmd.AddCommand(newBehaviorsCommand(c))
	cmd.AddCommand(newProbeCommand(c))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func (c *cli) bind(set *pflag.FlagSet, names []string) {
	for _, name := range names {
		flag := set.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := c.v.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}
}

// setup reads the config file, applies the log level and returns a
// validated configuration.
func (c *cli) setup() (veneer.Config, pslog.Logger, error) {
	logger := c.logger
	configFile, err := c.loadConfigFile()
	if err != nil {
		return veneer.Config{}, logger, err
	}
	if lvl := strings.TrimSpace(c.v.GetString("log-level")); lvl != "" {
		level, ok := pslog.ParseLevel(lvl)
		if !ok {
			return veneer.Config{}, logger, fmt.Errorf("unknown log level %q", lvl)
		}
		logger = logger.LogLevel(level)
	}
	if configFile != "" {
		svcfields.WithSubsystem(logger, "cli.config").Info("loaded config file", "path", configFile)
	}
	cfg, err := c.config()
	if err != nil {
		return veneer.Config{}, logger, err
	}
	if err := cfg.Validate(); err != nil {
		return veneer.Config{}, logger, err
	}
	return cfg, logger, nil
}

func (c *cli) config() (veneer.Config, error) {
	v := c.v
	cfg := veneer.Config{
		Listen:                  v.GetString("listen"),
		Store:                   v.GetString("store"),
		Namespace:               v.GetString("namespace"),
		RefreshInterval:         v.GetDuration("refresh-interval"),
		StoreTimeout:            v.GetDuration("store-timeout"),
		DisableChangeFeed:       v.GetBool("disable-change-feed"),
		SkipPreload:             v.GetBool("skip-preload"),
		HTTPVersion:             v.GetString("http-version"),
		UpstreamTimeout:         v.GetDuration("upstream-timeout"),
		StorageRetryMaxAttempts: v.GetInt("storage-retry-attempts"),
		StorageRetryBaseDelay:   v.GetDuration("storage-retry-base-delay"),
		StorageRetryMaxDelay:    v.GetDuration("storage-retry-max-delay"),
		StorageRetryMultiplier:  v.GetFloat64("storage-retry-multiplier"),
		MetricsListen:           v.GetString("metrics-listen"),
		PprofListen:             v.GetString("pprof-listen"),
		OTLPEndpoint:            v.GetString("otlp-endpoint"),
		EnableProfilingMetrics:  v.GetBool("enable-profiling-metrics"),
		S3AccessKeyID:           v.GetString("s3-access-key-id"),
		S3SecretAccessKey:       v.GetString("s3-secret-access-key"),
		S3SessionToken:          v.GetString("s3-session-token"),
		S3SSE:                   v.GetString("s3-sse"),
		S3KMSKeyID:              v.GetString("s3-kms-key-id"),
		AWSRegion:               v.GetString("aws-region"),
		AWSKMSKeyID:             v.GetString("aws-kms-key-id"),
		AzureAccount:            v.GetString("azure-account"),
		AzureAccountKey:         v.GetString("azure-key"),
		AzureEndpoint:           v.GetString("azure-endpoint"),
		AzureSASToken:           v.GetString("azure-sas-token"),
	}
	if raw := strings.TrimSpace(v.GetString("max-body")); raw != "" {
		size, err := humanize.ParseBytes(raw)
		if err != nil {
			return cfg, fmt.Errorf("parse max-body: %w", err)
		}
		cfg.MaxBodyBytes = int64(size)
	}
	return cfg, nil
}

func (c *cli) loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(c.v.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		dir, err := veneer.DefaultConfigDir()
		if err != nil {
			return "", nil
		}
		cfgPath = filepath.Join(dir, veneer.DefaultConfigFileName)
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	c.v.SetConfigFile(expanded)
	if err := c.v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return filepath.Abs(p)
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
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
