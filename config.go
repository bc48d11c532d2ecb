package veneer

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/veneer/internal/behavior"
	"pkt.systems/veneer/internal/intercept"
)

const (
	// DefaultListen is the default TCP endpoint the forward proxy binds to.
	DefaultListen = "127.0.0.1:8341"
	// DefaultStore points veneer at the in-memory backend when no store is provided.
	DefaultStore = "mem://"
	// DefaultNamespace is the storage namespace holding behavior records.
	DefaultNamespace = behavior.DefaultNamespace
	// DefaultMetricsListen is the default metrics endpoint (Prometheus scrape).
	// Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultRefreshInterval debounces snapshot refreshes.
	DefaultRefreshInterval = behavior.DefaultRefreshInterval
	// DefaultStoreTimeout bounds a single snapshot listing.
	DefaultStoreTimeout = behavior.DefaultStoreTimeout
	// DefaultHTTPVersion is the protocol version written in fabricated status lines.
	DefaultHTTPVersion = intercept.DefaultHTTPVersion
	// DefaultUpstreamTimeout bounds how long the proxy waits for upstream response headers.
	DefaultUpstreamTimeout = 2 * time.Minute
	// DefaultMaxBodyBytes bounds request bodies accepted by the proxy.
	DefaultMaxBodyBytes = int64(32 << 20)
	// DefaultStorageRetryMaxAttempts describes how many transient storage errors are retried.
	DefaultStorageRetryMaxAttempts = 4
	// DefaultStorageRetryBaseDelay configures the base delay between storage retries.
	DefaultStorageRetryBaseDelay = 100 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps the exponential backoff between storage retries.
	DefaultStorageRetryMaxDelay = 2 * time.Second
	// DefaultStorageRetryMultiplier defines the exponential backoff ratio.
	DefaultStorageRetryMultiplier = 2.0
	// DefaultConfigFileName is the file looked up under $HOME/.veneer.
	DefaultConfigFileName = "config.yaml"

	maxNamespaceLength = 128
)

// Config captures the tunables for a Veneer instance and its proxy.
type Config struct {
	// Listen is the proxy listen address.
	Listen string
	// Store is the backend URL (mem://, disk://, s3://, aws://, azure://).
	Store string
	// Namespace partitions behavior records inside the backend.
	Namespace string

	// RefreshInterval is the minimum spacing between snapshot refresh attempts.
	RefreshInterval time.Duration
	// StoreTimeout bounds a single snapshot listing.
	StoreTimeout time.Duration
	// DisableChangeFeed stops the repository from subscribing to backend change notifications.
	DisableChangeFeed bool
	// SkipPreload starts serving without waiting for the first snapshot.
	SkipPreload bool

	// HTTPVersion is written into fabricated status lines.
	HTTPVersion string
	// UpstreamTimeout bounds how long the proxy waits for upstream response headers.
	UpstreamTimeout time.Duration
	// MaxBodyBytes bounds request bodies accepted by the proxy.
	MaxBodyBytes int64

	// StorageRetryMaxAttempts caps transient backend retry attempts.
	StorageRetryMaxAttempts int
	// StorageRetryBaseDelay is the first backoff delay.
	StorageRetryBaseDelay time.Duration
	// StorageRetryMaxDelay caps the backoff delay.
	StorageRetryMaxDelay time.Duration
	// StorageRetryMultiplier is the exponential backoff ratio.
	StorageRetryMultiplier float64

	// MetricsListen enables the Prometheus scrape endpoint when set.
	MetricsListen string
	// PprofListen enables the pprof debug listener when set.
	PprofListen string
	// OTLPEndpoint enables trace export (grpc://, grpcs://, http://, https:// or host[:port]).
	OTLPEndpoint string
	// EnableProfilingMetrics exports Go runtime metrics; requires MetricsListen.
	EnableProfilingMetrics bool

	// S3AccessKeyID, S3SecretAccessKey and S3SessionToken are static credentials for s3:// stores.
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3SessionToken    string
	// S3SSE selects server-side encryption (AES256 or aws:kms).
	S3SSE string
	// S3KMSKeyID is the KMS key used with aws:kms encryption.
	S3KMSKeyID string

	// AWSRegion is required for aws:// stores unless the URL carries ?region=.
	AWSRegion string
	// AWSKMSKeyID overrides S3KMSKeyID for aws:// stores.
	AWSKMSKeyID string

	// AzureAccount, AzureAccountKey, AzureEndpoint and AzureSASToken configure azure:// stores.
	AzureAccount    string
	AzureAccountKey string
	AzureEndpoint   string
	AzureSASToken   string
}

// Validate fills defaults and reports configuration errors.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = DefaultListen
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("config: listen %q: %w", c.Listen, err)
	}
	if strings.TrimSpace(c.Store) == "" {
		c.Store = DefaultStore
	}
	ns, err := normalizeNamespace(c.Namespace)
	if err != nil {
		return fmt.Errorf("config: namespace: %w", err)
	}
	c.Namespace = ns
	if c.RefreshInterval == 0 {
		c.RefreshInterval = DefaultRefreshInterval
	} else if c.RefreshInterval < 0 {
		return fmt.Errorf("config: refresh interval must be >= 0")
	}
	if c.StoreTimeout == 0 {
		c.StoreTimeout = DefaultStoreTimeout
	} else if c.StoreTimeout < 0 {
		return fmt.Errorf("config: store timeout must be >= 0")
	}
	c.HTTPVersion = strings.TrimSpace(c.HTTPVersion)
	if c.HTTPVersion == "" {
		c.HTTPVersion = DefaultHTTPVersion
	}
	switch c.HTTPVersion {
	case "1.0", "1.1":
	default:
		return fmt.Errorf("config: http version must be %q or %q", "1.0", "1.1")
	}
	if c.UpstreamTimeout <= 0 {
		c.UpstreamTimeout = DefaultUpstreamTimeout
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.StorageRetryMaxAttempts <= 0 {
		c.StorageRetryMaxAttempts = DefaultStorageRetryMaxAttempts
	}
	if c.StorageRetryBaseDelay <= 0 {
		c.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if c.StorageRetryMaxDelay <= 0 {
		c.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	if c.StorageRetryMaxDelay < c.StorageRetryBaseDelay {
		return fmt.Errorf("config: storage retry max delay must be >= base delay")
	}
	if c.StorageRetryMultiplier <= 0 {
		c.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	}
	c.MetricsListen = strings.TrimSpace(c.MetricsListen)
	c.PprofListen = strings.TrimSpace(c.PprofListen)
	if c.EnableProfilingMetrics && c.MetricsListen == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.S3SSE != "" {
		switch c.S3SSE {
		case "AES256", "aws:kms":
		default:
			return fmt.Errorf("config: s3 sse must be %q or %q", "AES256", "aws:kms")
		}
	}
	return nil
}

func normalizeNamespace(ns string) (string, error) {
	ns = strings.ToLower(strings.TrimSpace(ns))
	if ns == "" {
		ns = DefaultNamespace
	}
	if len(ns) > maxNamespaceLength {
		return "", fmt.Errorf("value too long (max %d characters)", maxNamespaceLength)
	}
	for i := 0; i < len(ns); i++ {
		c := ns[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '.', c == '_', c == '-':
		default:
			return "", fmt.Errorf("invalid value %q (allowed: lowercase letters, digits, '.', '_', '-')", ns)
		}
	}
	return ns, nil
}

// DefaultConfigDir returns $VENEER_CONFIG_DIR when set, otherwise
// $HOME/.veneer.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("VENEER_CONFIG_DIR")); override != "" {
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".veneer"), nil
}
