package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const envPrefix = "SYNC"

// LoadConfig reads the YAML file at path, applies SYNC_* environment
// overrides (SYNC_DATABASE_PATH overrides database.path) and validates
// the result. An empty path loads defaults and environment only.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.path", "")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "")
	v.SetDefault("database.replication_user", "")
	v.SetDefault("database.replication_password", "")

	v.SetDefault("session.application_name", "")
	v.SetDefault("session.temporary_folder", "")
	v.SetDefault("session.service_type", ServiceGoogleDrive)
	v.SetDefault("session.max_items_to_sync", 1000)
	v.SetDefault("session.session_info", "")

	v.SetDefault("sync.workers", 4)
	v.SetDefault("sync.call_timeout", "30s")
	v.SetDefault("sync.clock_skew", "10m")
	v.SetDefault("sync.max_retries", 3)
	v.SetDefault("sync.realtime", false)
	v.SetDefault("sync.realtime_debounce", "5s")

	v.SetDefault("remote.gdrive.client_id", "")
	v.SetDefault("remote.gdrive.client_secret", "")
	v.SetDefault("remote.gdrive.auth_url", "https://accounts.google.com/o/oauth2/auth")
	v.SetDefault("remote.gdrive.token_url", "https://oauth2.googleapis.com/token")
	v.SetDefault("remote.gdrive.endpoint", "")
	v.SetDefault("remote.minio.endpoint", "")
	v.SetDefault("remote.minio.access_key_id", "")
	v.SetDefault("remote.minio.secret_access_key", "")
	v.SetDefault("remote.minio.bucket", "")
	v.SetDefault("remote.minio.region", "")
	v.SetDefault("remote.minio.use_ssl", false)
	v.SetDefault("remote.s3.region", "")
	v.SetDefault("remote.s3.bucket", "")
	v.SetDefault("remote.s3.endpoint", "")
	v.SetDefault("remote.s3.force_path_style", false)

	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.interval", "@every 5m")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.auth_token", "")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)
}
