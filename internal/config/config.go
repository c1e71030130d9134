// Package config loads fieldsync settings from file, environment and
// defaults.
//
// Precedence, highest first: FIELDSYNC_* environment variables, the YAML
// config file, built-in defaults. Nested keys map to environment names by
// replacing dots with underscores (remote.commit_url → FIELDSYNC_REMOTE_COMMIT_URL).
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FIELDSYNC"

// Settings is the complete runtime configuration.
type Settings struct {
	Database     string               `mapstructure:"database"`
	DeviceID     string               `mapstructure:"device_id"`
	Remote       RemoteSettings       `mapstructure:"remote"`
	Connectivity ConnectivitySettings `mapstructure:"connectivity"`
	Sync         SyncSettings         `mapstructure:"sync"`
	Location     LocationSettings     `mapstructure:"location"`
	Metrics      MetricsSettings      `mapstructure:"metrics"`
}

// RemoteSettings locates the commit API and blob store.
type RemoteSettings struct {
	CommitURL string        `mapstructure:"commit_url"`
	BlobURL   string        `mapstructure:"blob_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// ConnectivitySettings configures the reachability prober.
type ConnectivitySettings struct {
	ProbeURL string        `mapstructure:"probe_url"` // Empty: derived from remote.commit_url
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// SyncSettings configures retry behaviour.
type SyncSettings struct {
	MaxRetries   int           `mapstructure:"max_retries"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
	RetryTick    time.Duration `mapstructure:"retry_tick"`
}

// LocationSettings configures GPS enrichment. Non-zero coordinates pin
// every observation to a fixed site.
type LocationSettings struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	Latitude  float64       `mapstructure:"latitude"`
	Longitude float64       `mapstructure:"longitude"`
}

// MetricsSettings configures the Prometheus endpoint. Empty disables it.
type MetricsSettings struct {
	Listen string `mapstructure:"listen"`
}

// HasStaticLocation reports whether fixed coordinates are configured.
func (l LocationSettings) HasStaticLocation() bool {
	return l.Latitude != 0 || l.Longitude != 0
}

// ProbeTarget returns the URL the connectivity prober checks.
func (s *Settings) ProbeTarget() string {
	if s.Connectivity.ProbeURL != "" {
		return s.Connectivity.ProbeURL
	}
	if s.Remote.CommitURL == "" {
		return ""
	}
	return strings.TrimRight(s.Remote.CommitURL, "/") + "/health"
}

// Load reads settings. An empty path searches ./fieldsync.yaml and
// $HOME/.config/fieldsync/fieldsync.yaml and falls back to defaults when
// neither exists; an explicit path must exist.
func Load(path string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("fieldsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "fieldsync"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if settings.DeviceID == "" {
		if host, err := os.Hostname(); err == nil {
			settings.DeviceID = host
		}
	}

	if err := Validate(settings); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return settings, nil
}

// Validate checks settings for values the rest of the program cannot use.
func Validate(s *Settings) error {
	var errs []error

	if strings.TrimSpace(s.Database) == "" {
		errs = append(errs, errors.New("database: path is required"))
	}
	for key, raw := range map[string]string{
		"remote.commit_url":      s.Remote.CommitURL,
		"remote.blob_url":        s.Remote.BlobURL,
		"connectivity.probe_url": s.Connectivity.ProbeURL,
	} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s: %q is not an http(s) URL", key, raw))
		}
	}
	for key, d := range map[string]time.Duration{
		"remote.timeout":        s.Remote.Timeout,
		"connectivity.interval": s.Connectivity.Interval,
		"connectivity.timeout":  s.Connectivity.Timeout,
		"sync.initial_delay":    s.Sync.InitialDelay,
		"sync.max_delay":        s.Sync.MaxDelay,
		"sync.retry_tick":       s.Sync.RetryTick,
		"location.timeout":      s.Location.Timeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s: must be positive, got %s", key, d))
		}
	}
	if s.Sync.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("sync.max_retries: must not be negative, got %d", s.Sync.MaxRetries))
	}
	if s.Sync.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("sync.multiplier: must be at least 1, got %g", s.Sync.Multiplier))
	}
	if s.Sync.MaxDelay > 0 && s.Sync.MaxDelay < s.Sync.InitialDelay {
		errs = append(errs, errors.New("sync.max_delay: must not be below sync.initial_delay"))
	}
	if s.Location.Latitude < -90 || s.Location.Latitude > 90 {
		errs = append(errs, fmt.Errorf("location.latitude: %g out of range", s.Location.Latitude))
	}
	if s.Location.Longitude < -180 || s.Location.Longitude > 180 {
		errs = append(errs, fmt.Errorf("location.longitude: %g out of range", s.Location.Longitude))
	}

	return errors.Join(errs...)
}
