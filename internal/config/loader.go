package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// AppName names the config file, env prefix and data directories.
const AppName = "goforward"

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "GOFORWARD"

var (
	configMu   sync.RWMutex
	appConfig  *Config
	configFile string
)

// SetConfigFile selects an explicit config file for later Load calls. An
// empty path restores the search.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// EnvSpec maps a short environment variable to a config key.
type EnvSpec struct {
	Name string
	Key  string
}

// getEnvSpecs lists the short variables bound in addition to the
// automatic GOFORWARD_<SECTION>_<KEY> form. A name must never equal
// GOFORWARD_<SECTION>: AutomaticEnv would read it as the whole section.
func getEnvSpecs() []EnvSpec {
	return []EnvSpec{
		{Name: EnvPrefix + "_LOG_LEVEL", Key: "logging.level"},
		{Name: EnvPrefix + "_LOG_PROFILE", Key: "logging.profile"},
		{Name: EnvPrefix + "_HOST", Key: "server.host"},
		{Name: EnvPrefix + "_PORT", Key: "server.port"},
		{Name: EnvPrefix + "_READ_TIMEOUT", Key: "server.read_timeout"},
		{Name: EnvPrefix + "_SHUTDOWN_TIMEOUT", Key: "server.shutdown_timeout"},
		{Name: EnvPrefix + "_DRIVER_TYPE", Key: "driver.type"},
		{Name: EnvPrefix + "_MAX_RUNNING", Key: "queue.max_running"},
		{Name: EnvPrefix + "_LICENSE_ROOT", Key: "license.root"},
		{Name: EnvPrefix + "_MIRROR_URI", Key: "mirror.uri"},
		{Name: EnvPrefix + "_REGISTRY_ROOT", Key: "registry.root"},
	}
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("queue.max_running", 0)
	v.SetDefault("queue.max_submit", 2)
	v.SetDefault("queue.submit_batch", 5)
	v.SetDefault("queue.submit_rate", 0)
	v.SetDefault("queue.poll_interval", "500ms")
	v.SetDefault("queue.max_ok_wait", "60s")
	v.SetDefault("queue.kill_wait", "10s")
	v.SetDefault("queue.max_duration", "0s")

	v.SetDefault("runner.license_poll_interval", "5s")
	v.SetDefault("runner.timeout_poll_interval", "2s")
	v.SetDefault("runner.ok_settle", "2s")
	v.SetDefault("runner.tail_bytes", 4096)

	v.SetDefault("license.root", "")

	v.SetDefault("driver.type", DriverLocal)
	v.SetDefault("driver.local.command", []string{})
	v.SetDefault("driver.local.kill_grace", "10s")
	v.SetDefault("driver.lsf.bsub", "bsub")
	v.SetDefault("driver.lsf.bjobs", "bjobs")
	v.SetDefault("driver.lsf.bkill", "bkill")
	v.SetDefault("driver.lsf.queue", "")
	v.SetDefault("driver.lsf.resource", "")
	v.SetDefault("driver.lsf.cpus", 0)
	v.SetDefault("driver.lsf.command", []string{})
	v.SetDefault("driver.lsf.refresh_interval", "10s")
	v.SetDefault("driver.lsf.commands_per_sec", 5)

	v.SetDefault("mirror.uri", "")
	v.SetDefault("mirror.region", "")
	v.SetDefault("mirror.endpoint", "")
	v.SetDefault("mirror.profile", "")
	v.SetDefault("mirror.force_path_style", false)
	v.SetDefault("mirror.discover_region", true)

	v.SetDefault("registry.root", "")
}

// Load resolves the configuration. Precedence, highest first: overrides,
// environment, config file, defaults. Each override map may be nested
// ({"server": {"port": 9000}}) or use dotted keys ({"server.port": 9000}).
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	_ = ctx

	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Key, spec.Name, envName(spec.Key)); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	for _, o := range overrides {
		for key, value := range flatten("", o) {
			v.Set(key, value)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if cfg.Registry.Root == "" {
		cfg.Registry.Root = filepath.Join(gfconfig.GetAppDataDir(AppName), "jobs")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the last loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Driver.Type {
	case DriverLocal, DriverLSF:
	default:
		errs = append(errs, fmt.Errorf("driver.type must be %q or %q, got %q", DriverLocal, DriverLSF, c.Driver.Type))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Queue.MaxRunning < 0 {
		errs = append(errs, errors.New("queue.max_running must not be negative"))
	}
	if c.Queue.MaxSubmit < 1 {
		errs = append(errs, errors.New("queue.max_submit must be at least 1"))
	}
	if c.Queue.MaxDuration < 0 {
		errs = append(errs, errors.New("queue.max_duration must not be negative"))
	}
	return errors.Join(errs...)
}

func readConfigFile(v *viper.Viper) error {
	configMu.RLock()
	explicit := configFile
	configMu.RUnlock()

	if explicit != "" {
		v.SetConfigFile(explicit)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config file %s: %w", explicit, err)
		}
		return nil
	}

	v.SetConfigName(AppName)
	v.SetConfigType("yaml")
	for _, dir := range getUserConfigPaths() {
		v.AddConfigPath(dir)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	return nil
}

// getUserConfigPaths lists the directories searched for goforward.yaml.
func getUserConfigPaths() []string {
	paths := []string{"."}
	if dir := gfconfig.GetAppConfigDir(AppName); dir != "" {
		paths = append(paths, dir)
	}
	if _, err := os.Stat("/etc/" + AppName); err == nil {
		paths = append(paths, "/etc/"+AppName)
	}
	return paths
}

// envName is the automatic variable for a key.
func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// flatten turns nested maps into dotted keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := m[k].(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = m[k]
	}
	return out
}
