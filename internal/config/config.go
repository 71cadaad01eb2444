package config

import "time"

// Config holds all application configuration, grouped by concern.
type Config struct {
	Server  ServerConfig  `mapstructure:"server" validate:"required"`
	Storage StorageConfig `mapstructure:"storage" validate:"required"`
	Task    TaskConfig    `mapstructure:"task" validate:"required"`
}

// ServerConfig contains the HTTP server settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// StorageConfig selects and parameterizes the task storage backend. Backend
// selection is a deployment concern; only the selected driver's settings
// are required.
type StorageConfig struct {
	// Driver picks the backend implementation.
	Driver string `mapstructure:"driver" validate:"required,oneof=memory sqlite postgres dynamo"`

	// SQLitePath is the database file path for the sqlite driver.
	SQLitePath string `mapstructure:"sqlite_path" validate:"required_if=Driver sqlite"`

	// PostgresURL is the connection URL for the postgres driver.
	PostgresURL string `mapstructure:"postgres_url" validate:"required_if=Driver postgres"`

	// DynamoTable is the table name for the dynamo driver.
	DynamoTable string `mapstructure:"dynamo_table" validate:"required_if=Driver dynamo"`

	// DynamoEndpoint overrides the DynamoDB endpoint, for local development
	// against dynamodb-local. Empty means the AWS default resolution.
	DynamoEndpoint string `mapstructure:"dynamo_endpoint"`

	// DynamoRegion is the AWS region for the dynamo driver.
	DynamoRegion string `mapstructure:"dynamo_region"`
}

// TaskConfig tunes the task runtime.
type TaskConfig struct {
	// PollInterval is the storage-polling cadence of the await-terminal
	// fallback path.
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"required"`

	// AwaitTimeout bounds how long await-terminal waits before reporting a
	// timeout.
	AwaitTimeout time.Duration `mapstructure:"await_timeout" validate:"required"`

	// StuckAge is the recovery threshold: working tasks untouched for
	// longer are force-failed by the sweep.
	StuckAge time.Duration `mapstructure:"stuck_age" validate:"required"`

	// SweepInterval is how often the periodic recovery sweep runs.
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"required"`

	// TTL is the time-to-live stamped on new task records. Zero disables
	// expiry.
	TTL time.Duration `mapstructure:"ttl"`
}
