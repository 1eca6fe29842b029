package config

import (
	"fmt"
	"time"
)

const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

const (
	ServiceGoogleDrive = "gdrive"
	ServiceMinio       = "minio"
	ServiceS3          = "s3"
	ServiceMemory      = "memory"
)

type Config struct {
	Database  DatabaseConnection `mapstructure:"database"`
	Session   SessionConfig      `mapstructure:"session"`
	Sync      SyncConfig         `mapstructure:"sync"`
	Remote    RemoteConfig       `mapstructure:"remote"`
	Scheduler SchedulerConfig    `mapstructure:"scheduler"`
	Server    ServerConfig       `mapstructure:"server"`
	Logging   LoggingConfig      `mapstructure:"logging"`
}

type DatabaseConnection struct {
	Driver              string `mapstructure:"driver"`
	Path                string `mapstructure:"path"` // For SQLite
	Host                string `mapstructure:"host"`
	Port                int    `mapstructure:"port"`
	User                string `mapstructure:"user"`
	Password            string `mapstructure:"password"`
	Database            string `mapstructure:"database"`
	ReplicationUser     string `mapstructure:"replication_user"`
	ReplicationPassword string `mapstructure:"replication_password"`
}

// SessionConfig seeds the persisted sync session the first time the
// database is synced, or when the session is re-created.
type SessionConfig struct {
	ApplicationName string `mapstructure:"application_name"`
	TemporaryFolder string `mapstructure:"temporary_folder"`
	ServiceType     string `mapstructure:"service_type"`
	MaxItemsToSync  int    `mapstructure:"max_items_to_sync"`
	SessionInfo     string `mapstructure:"session_info"`
}

type SyncConfig struct {
	Tables           []TableConfig `mapstructure:"tables"`
	Workers          int           `mapstructure:"workers"`
	CallTimeout      string        `mapstructure:"call_timeout"`
	ClockSkew        string        `mapstructure:"clock_skew"`
	MaxRetries       int           `mapstructure:"max_retries"`
	Realtime         bool          `mapstructure:"realtime"`
	RealtimeDebounce string        `mapstructure:"realtime_debounce"`
}

type TableConfig struct {
	Name            string `mapstructure:"name"`
	PrimaryKey      string `mapstructure:"primary_key"`
	TimestampColumn string `mapstructure:"timestamp_column"`
}

func (s SyncConfig) GetCallTimeout() time.Duration {
	return parseDuration(s.CallTimeout, 30*time.Second)
}

func (s SyncConfig) GetClockSkew() time.Duration {
	return parseDuration(s.ClockSkew, 10*time.Minute)
}

func (s SyncConfig) GetRealtimeDebounce() time.Duration {
	return parseDuration(s.RealtimeDebounce, 5*time.Second)
}

type RemoteConfig struct {
	GoogleDrive GoogleDriveConfig `mapstructure:"gdrive"`
	Minio       MinioConfig       `mapstructure:"minio"`
	S3          S3Config          `mapstructure:"s3"`
}

type GoogleDriveConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	AuthURL      string `mapstructure:"auth_url"`
	TokenURL     string `mapstructure:"token_url"`
	Endpoint     string `mapstructure:"endpoint"`
}

type MinioConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	UseSSL          bool   `mapstructure:"use_ssl"`
}

type S3Config struct {
	Region         string `mapstructure:"region"`
	Bucket         string `mapstructure:"bucket"`
	Endpoint       string `mapstructure:"endpoint"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

type SchedulerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Interval string `mapstructure:"interval"`
}

type ServerConfig struct {
	Port         int    `mapstructure:"port"`
	Host         string `mapstructure:"host"`
	AuthToken    string `mapstructure:"auth_token"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

func (s ServerConfig) GetReadTimeout() time.Duration {
	return parseDuration(s.ReadTimeout, 15*time.Second)
}

func (s ServerConfig) GetWriteTimeout() time.Duration {
	return parseDuration(s.WriteTimeout, 15*time.Second)
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Validate checks the values that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case DriverMySQL:
		if c.Database.Host == "" || c.Database.Database == "" {
			return fmt.Errorf("database.host and database.database are required for the mysql driver")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	switch c.Session.ServiceType {
	case ServiceGoogleDrive, ServiceMinio, ServiceS3, ServiceMemory:
	default:
		return fmt.Errorf("unsupported service type %q", c.Session.ServiceType)
	}

	if c.Session.ApplicationName == "" {
		return fmt.Errorf("session.application_name is required")
	}
	if c.Session.TemporaryFolder == "" {
		return fmt.Errorf("session.temporary_folder is required")
	}
	if c.Sync.Workers < 1 {
		return fmt.Errorf("sync.workers must be at least 1")
	}
	return nil
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
