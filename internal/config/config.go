// Package config loads goforward's layered configuration.
package config

import "time"

// Config is the fully resolved configuration.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging"`
	Server   ServerConfig   `mapstructure:"server"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Runner   RunnerConfig   `mapstructure:"runner"`
	License  LicenseConfig  `mapstructure:"license"`
	Driver   DriverConfig   `mapstructure:"driver"`
	Mirror   MirrorConfig   `mapstructure:"mirror"`
	Registry RegistryConfig `mapstructure:"registry"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// ServerConfig configures the status API served by `queue run --serve`.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type QueueConfig struct {
	MaxRunning   int           `mapstructure:"max_running"`
	MaxSubmit    int           `mapstructure:"max_submit"`
	SubmitBatch  int           `mapstructure:"submit_batch"`
	SubmitRate   float64       `mapstructure:"submit_rate"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxOKWait    time.Duration `mapstructure:"max_ok_wait"`
	KillWait     time.Duration `mapstructure:"kill_wait"`
	MaxDuration  time.Duration `mapstructure:"max_duration"`
}

// RunnerConfig tunes the executor on the compute node.
type RunnerConfig struct {
	LicensePollInterval time.Duration `mapstructure:"license_poll_interval"`
	TimeoutPollInterval time.Duration `mapstructure:"timeout_poll_interval"`
	OKSettle            time.Duration `mapstructure:"ok_settle"`
	TailBytes           int64         `mapstructure:"tail_bytes"`
}

type LicenseConfig struct {
	// Root is used for `license` commands when no manifest names one.
	Root string `mapstructure:"root"`
}

type DriverConfig struct {
	Type  string            `mapstructure:"type"`
	Local LocalDriverConfig `mapstructure:"local"`
	LSF   LSFDriverConfig   `mapstructure:"lsf"`
}

type LocalDriverConfig struct {
	Command   []string      `mapstructure:"command"`
	KillGrace time.Duration `mapstructure:"kill_grace"`
}

type LSFDriverConfig struct {
	Bsub            string        `mapstructure:"bsub"`
	Bjobs           string        `mapstructure:"bjobs"`
	Bkill           string        `mapstructure:"bkill"`
	Queue           string        `mapstructure:"queue"`
	Resource        string        `mapstructure:"resource"`
	CPUs            int           `mapstructure:"cpus"`
	Command         []string      `mapstructure:"command"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	CommandsPerSec  float64       `mapstructure:"commands_per_sec"`
}

// MirrorConfig publishes sentinels to an object store. An empty URI
// disables mirroring.
type MirrorConfig struct {
	URI            string `mapstructure:"uri"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Profile        string `mapstructure:"profile"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
	DiscoverRegion bool   `mapstructure:"discover_region"`
}

type RegistryConfig struct {
	Root string `mapstructure:"root"`
}

// Driver types.
const (
	DriverLocal = "local"
	DriverLSF   = "lsf"
)
