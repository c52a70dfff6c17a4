package feedgate

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":8455"
	// DefaultMetricsListen is the default metrics endpoint (Prometheus scrape).
	// Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultLinkTTL bounds issued download links.
	DefaultLinkTTL = 15 * time.Minute
	// DefaultRatePerHour caps POST /download requests per client IP.
	DefaultRatePerHour = 100
	// DefaultMaxContentBytes caps object payloads fetched for content matching.
	DefaultMaxContentBytes = int64(32 << 20)
	// DefaultAzureEndpointPattern expands storage account names into their HTTPS endpoint.
	DefaultAzureEndpointPattern = "https://%s.blob.core.windows.net"
	// DefaultShutdownTimeout caps graceful shutdown duration.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
)

// AppProfile binds an application to its storage account and the ordered
// container list its strategy scans.
type AppProfile struct {
	// Account is the storage account holding the application's containers.
	Account string `mapstructure:"account"`
	// Containers are scanned in this order; earlier containers win ties.
	Containers []string `mapstructure:"containers"`
}

// Config carries everything needed to assemble a Server.
type Config struct {
	// Listen is the server bind address (for example ":8455").
	Listen string
	// MetricsListen is the metrics endpoint bind address; empty disables metrics.
	MetricsListen string
	// PprofListen is the pprof endpoint bind address; empty disables pprof.
	PprofListen string
	// MongoURI is the metadata MongoDB connection string.
	MongoURI string
	// UploadsDatabase/UploadsCollection locate the upload-tracking records.
	UploadsDatabase   string
	UploadsCollection string
	// IntegrationDatabase/IntegrationCollection locate the integration records.
	IntegrationDatabase   string
	IntegrationCollection string
	// AzureEndpointPattern expands account names into blob endpoints.
	AzureEndpointPattern string
	// AzureClientID selects a user-assigned managed identity; empty uses the
	// default credential chain.
	AzureClientID string
	// AzureAccountKeys maps account name to a base64 shared key. Accounts
	// listed here sign links locally instead of via user delegation.
	AzureAccountKeys map[string]string
	// LinkTTL bounds issued download links.
	LinkTTL time.Duration
	// RatePerHour caps POST /download per client IP; zero disables limiting.
	RatePerHour int
	// RatePerHourSet reports whether RatePerHour was explicitly set.
	RatePerHourSet bool
	// AccountColumn is the tabular column inspected by content matching.
	AccountColumn string
	// MaxContentBytes caps object payloads fetched for content matching.
	MaxContentBytes int64
	// ShutdownTimeout caps graceful shutdown duration.
	ShutdownTimeout time.Duration
	// TracingEnabled wires OpenTelemetry spans around request handling.
	TracingEnabled bool
	// Applications maps application name to its storage profile.
	Applications map[string]AppProfile
}

// Validate applies defaults and rejects unusable configurations.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if strings.TrimSpace(c.MongoURI) == "" {
		return fmt.Errorf("config: mongo uri is required")
	}
	if c.UploadsDatabase == "" || c.UploadsCollection == "" {
		return fmt.Errorf("config: uploads database and collection are required")
	}
	if c.IntegrationDatabase == "" || c.IntegrationCollection == "" {
		return fmt.Errorf("config: integration database and collection are required")
	}
	if c.AzureEndpointPattern == "" {
		c.AzureEndpointPattern = DefaultAzureEndpointPattern
	}
	if c.LinkTTL == 0 {
		c.LinkTTL = DefaultLinkTTL
	} else if c.LinkTTL < 0 {
		return fmt.Errorf("config: link ttl must be >= 0")
	}
	if !c.RatePerHourSet && c.RatePerHour == 0 {
		c.RatePerHour = DefaultRatePerHour
	}
	if c.RatePerHour < 0 {
		return fmt.Errorf("config: rate per hour must be >= 0")
	}
	if c.MaxContentBytes == 0 {
		c.MaxContentBytes = DefaultMaxContentBytes
	} else if c.MaxContentBytes < 0 {
		return fmt.Errorf("config: max content bytes must be >= 0")
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if len(c.Applications) == 0 {
		return fmt.Errorf("config: at least one application profile is required")
	}
	for name, app := range c.Applications {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("config: application name must not be empty")
		}
		if strings.TrimSpace(app.Account) == "" {
			return fmt.Errorf("config: application %q: account is required", name)
		}
		if len(app.Containers) == 0 {
			return fmt.Errorf("config: application %q: at least one container is required", name)
		}
		for _, container := range app.Containers {
			if strings.TrimSpace(container) == "" {
				return fmt.Errorf("config: application %q: container names must not be empty", name)
			}
		}
	}
	return nil
}

const appEnvPrefix = "FEEDGATE_APP_"

// ApplicationsFromEnv parses application profiles from environment entries of
// the form FEEDGATE_APP_<NAME>_ACCOUNT=<account> and
// FEEDGATE_APP_<NAME>_CONTAINERS=<c1,c2>. Profiles from env extend and
// override file-based configuration.
func ApplicationsFromEnv(environ []string) map[string]AppProfile {
	apps := make(map[string]AppProfile)
	for _, entry := range environ {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasPrefix(key, appEnvPrefix) {
			continue
		}
		rest := strings.TrimPrefix(key, appEnvPrefix)
		var name, field string
		switch {
		case strings.HasSuffix(rest, "_ACCOUNT"):
			name, field = strings.TrimSuffix(rest, "_ACCOUNT"), "account"
		case strings.HasSuffix(rest, "_CONTAINERS"):
			name, field = strings.TrimSuffix(rest, "_CONTAINERS"), "containers"
		default:
			continue
		}
		if name == "" {
			continue
		}
		app := apps[name]
		switch field {
		case "account":
			app.Account = strings.TrimSpace(value)
		case "containers":
			app.Containers = splitContainers(value)
		}
		apps[name] = app
	}
	for name, app := range apps {
		if app.Account == "" || len(app.Containers) == 0 {
			delete(apps, name)
		}
	}
	return apps
}

func splitContainers(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ApplicationNames returns the configured application names sorted.
func (c *Config) ApplicationNames() []string {
	names := make([]string, 0, len(c.Applications))
	for name := range c.Applications {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
