package config

import (
	"time"

	"github.com/spf13/viper"
)

// setDefaults registers the default value of every key. Keys without a
// default are invisible to environment overrides.
func setDefaults(v *viper.Viper) {
	v.SetDefault("database", "fieldsync.db")
	v.SetDefault("device_id", "")

	v.SetDefault("remote.commit_url", "")
	v.SetDefault("remote.blob_url", "")
	v.SetDefault("remote.timeout", 30*time.Second)

	v.SetDefault("connectivity.probe_url", "")
	v.SetDefault("connectivity.interval", 15*time.Second)
	v.SetDefault("connectivity.timeout", 3*time.Second)

	v.SetDefault("sync.max_retries", 5)
	v.SetDefault("sync.initial_delay", 30*time.Second)
	v.SetDefault("sync.max_delay", 30*time.Minute)
	v.SetDefault("sync.multiplier", 2.0)
	v.SetDefault("sync.retry_tick", 10*time.Second)

	v.SetDefault("location.timeout", 5*time.Second)
	v.SetDefault("location.latitude", 0.0)
	v.SetDefault("location.longitude", 0.0)

	v.SetDefault("metrics.listen", "")
}
