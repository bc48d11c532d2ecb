package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/veneer"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage veneer configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.veneer/" + veneer.DefaultConfigFileName
	if dir, err := veneer.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, veneer.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default veneer configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := veneer.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, veneer.DefaultConfigFileName)
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the CLI flags; keys must match the flag names
// bound into viper.
type configDefaults struct {
	Listen                  string  `yaml:"listen"`
	Store                   string  `yaml:"store"`
	Namespace               string  `yaml:"namespace"`
	LogLevel                string  `yaml:"log-level"`
	RefreshInterval         string  `yaml:"refresh-interval"`
	StoreTimeout            string  `yaml:"store-timeout"`
	DisableChangeFeed       bool    `yaml:"disable-change-feed"`
	SkipPreload             bool    `yaml:"skip-preload"`
	HTTPVersion             string  `yaml:"http-version"`
	UpstreamTimeout         string  `yaml:"upstream-timeout"`
	MaxBody                 string  `yaml:"max-body"`
	MetricsListen           string  `yaml:"metrics-listen"`
	PprofListen             string  `yaml:"pprof-listen"`
	EnableProfilingMetrics  bool    `yaml:"enable-profiling-metrics"`
	OTLPEndpoint            string  `yaml:"otlp-endpoint"`
	S3AccessKeyID           string  `yaml:"s3-access-key-id"`
	S3SecretAccessKey       string  `yaml:"s3-secret-access-key"`
	S3SSE                   string  `yaml:"s3-sse"`
	S3KMSKeyID              string  `yaml:"s3-kms-key-id"`
	AWSRegion               string  `yaml:"aws-region"`
	AWSKMSKeyID             string  `yaml:"aws-kms-key-id"`
	AzureAccount            string  `yaml:"azure-account"`
	AzureEndpoint           string  `yaml:"azure-endpoint"`
	StorageRetryMaxAttempts int     `yaml:"storage-retry-attempts"`
	StorageRetryBaseDelay   string  `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay    string  `yaml:"storage-retry-max-delay"`
	StorageRetryMultiplier  float64 `yaml:"storage-retry-multiplier"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Listen:                  veneer.DefaultListen,
		Store:                   veneer.DefaultStore,
		Namespace:               veneer.DefaultNamespace,
		LogLevel:                "info",
		RefreshInterval:         veneer.DefaultRefreshInterval.String(),
		StoreTimeout:            veneer.DefaultStoreTimeout.String(),
		HTTPVersion:             veneer.DefaultHTTPVersion,
		UpstreamTimeout:         veneer.DefaultUpstreamTimeout.String(),
		MaxBody:                 humanizeBytes(veneer.DefaultMaxBodyBytes),
		MetricsListen:           veneer.DefaultMetricsListen,
		PprofListen:             veneer.DefaultPprofListen,
		StorageRetryMaxAttempts: veneer.DefaultStorageRetryMaxAttempts,
		StorageRetryBaseDelay:   veneer.DefaultStorageRetryBaseDelay.String(),
		StorageRetryMaxDelay:    veneer.DefaultStorageRetryMaxDelay.String(),
		StorageRetryMultiplier:  veneer.DefaultStorageRetryMultiplier,
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}
	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
