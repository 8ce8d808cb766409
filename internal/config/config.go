// Package config loads taskweave settings from defaults, an optional YAML
// file, and TASKWEAVE_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"taskweave/internal/backend"
	"taskweave/internal/cache"
	"taskweave/internal/remote"
)

// EnvPrefix prefixes every environment override, e.g.
// TASKWEAVE_EXECUTION_CONCURRENCY=8.
const EnvPrefix = "TASKWEAVE"

// DefaultStateDir holds the local cache and run records, relative to the
// workspace root.
const DefaultStateDir = ".taskweave"

type Config struct {
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Cache     CacheConfig     `mapstructure:"cache"`
	S3        cache.S3Config  `mapstructure:"s3"`
	Remote    remote.Config   `mapstructure:"remote"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type WorkspaceConfig struct {
	Root string `mapstructure:"root"`

	// StateDir holds cache/ and runs/. Relative paths resolve under Root.
	StateDir string `mapstructure:"state_dir"`
}

type CacheConfig struct {
	// Dir overrides <state_dir>/cache.
	Dir string `mapstructure:"dir"`

	// Disabled replaces the on-disk local tier with an in-memory store that
	// lives for one run.
	Disabled bool `mapstructure:"disabled"`

	// Required turns a local cache write failure into a run error instead
	// of disabling the tier.
	Required bool `mapstructure:"required"`

	// Shared selects the second cache tier: "" (none), "remote" or "s3".
	Shared string `mapstructure:"shared"`
}

type ExecutionConfig struct {
	// Backend is "local" or "remote".
	Backend string `mapstructure:"backend"`

	// Concurrency bounds running tasks. Zero means CPU count.
	Concurrency int  `mapstructure:"concurrency"`
	KeepGoing   bool `mapstructure:"keep_going"`

	RetryableCodes []string      `mapstructure:"retryable_codes"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`

	// FallbackLocal runs a task locally when the remote service stays
	// unavailable after the retry.
	FallbackLocal bool `mapstructure:"fallback_local"`

	SkipCacheLookup bool     `mapstructure:"skip_cache_lookup"`
	InheritEnv      []string `mapstructure:"inherit_env"`
	MaxCaptureBytes int      `mapstructure:"max_capture_bytes"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// SetDefaults registers every key so environment overrides resolve even
// without a config file.
func SetDefaults(v *viper.Viper) {
	rc := remote.DefaultConfig()

	v.SetDefault("workspace.root", ".")
	v.SetDefault("workspace.state_dir", DefaultStateDir)

	v.SetDefault("cache.dir", "")
	v.SetDefault("cache.disabled", false)
	v.SetDefault("cache.required", false)
	v.SetDefault("cache.shared", "")

	v.SetDefault("s3.bucket", "")
	v.SetDefault("s3.prefix", "")
	v.SetDefault("s3.region", "")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.profile", "")
	v.SetDefault("s3.access_key_id", "")
	v.SetDefault("s3.secret_access_key", "")
	v.SetDefault("s3.force_path_style", false)

	v.SetDefault("remote.address", "")
	v.SetDefault("remote.instance_name", "")
	v.SetDefault("remote.insecure", false)
	v.SetDefault("remote.ca_file", "")
	v.SetDefault("remote.rpc_timeout", rc.RPCTimeout)
	v.SetDefault("remote.rate_limit", 0.0)
	v.SetDefault("remote.max_batch_bytes", rc.MaxBatchBytes)
	v.SetDefault("remote.platform", map[string]string{})

	codes := make([]string, len(remote.DefaultRetryableCodes))
	for i, c := range remote.DefaultRetryableCodes {
		codes[i] = c.String()
	}
	v.SetDefault("execution.backend", "local")
	v.SetDefault("execution.concurrency", 0)
	v.SetDefault("execution.keep_going", false)
	v.SetDefault("execution.retryable_codes", codes)
	v.SetDefault("execution.retry_backoff", backend.DefaultRetryBackoff)
	v.SetDefault("execution.fallback_local", true)
	v.SetDefault("execution.skip_cache_lookup", false)
	v.SetDefault("execution.inherit_env", backend.DefaultInheritEnv)
	v.SetDefault("execution.max_capture_bytes", backend.DefaultMaxCaptureBytes)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.json", false)
}

// NewViper returns a viper instance with defaults and environment binding.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file at path into v and decodes the
// result. The returned Config is validated.
func Load(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	hooks := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hooks)); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Workspace.Root) == "" {
		errs = append(errs, errors.New("workspace.root is required"))
	}

	switch c.Cache.Shared {
	case "":
	case "remote":
		if err := c.Remote.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("remote: %w", err))
		}
	case "s3":
		if err := c.S3.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("s3: %w", err))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.shared must be remote or s3, got %q", c.Cache.Shared))
	}

	switch c.Execution.Backend {
	case "local":
	case "remote":
		if c.Cache.Shared != "remote" {
			if err := c.Remote.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("remote: %w", err))
			}
		}
	default:
		errs = append(errs, fmt.Errorf("execution.backend must be local or remote, got %q", c.Execution.Backend))
	}

	if c.Execution.Concurrency < 0 {
		errs = append(errs, errors.New("execution.concurrency must be >= 0"))
	}
	if c.Execution.RetryBackoff < 0 {
		errs = append(errs, errors.New("execution.retry_backoff must be >= 0"))
	}
	if c.Execution.MaxCaptureBytes < 0 {
		errs = append(errs, errors.New("execution.max_capture_bytes must be >= 0"))
	}
	if _, err := remote.ParseCodes(c.Execution.RetryableCodes); err != nil {
		errs = append(errs, fmt.Errorf("execution.retryable_codes: %w", err))
	}

	return errors.Join(errs...)
}

// Concurrency returns the configured worker count, defaulting to CPU count.
func (c Config) Concurrency() int {
	if c.Execution.Concurrency > 0 {
		return c.Execution.Concurrency
	}
	return runtime.NumCPU()
}

// RootDir returns the absolute workspace root.
func (c Config) RootDir() (string, error) {
	return filepath.Abs(c.Workspace.Root)
}

// StateDir returns the absolute state directory.
func (c Config) StateDir() (string, error) {
	root, err := c.RootDir()
	if err != nil {
		return "", err
	}
	return underRoot(root, c.Workspace.StateDir), nil
}

// CacheDir returns the absolute local cache directory.
func (c Config) CacheDir() (string, error) {
	root, err := c.RootDir()
	if err != nil {
		return "", err
	}
	if c.Cache.Dir != "" {
		return underRoot(root, c.Cache.Dir), nil
	}
	state, err := c.StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(state, "cache"), nil
}

// ReservedDirs returns the state and cache directories that lie inside the
// workspace, relative to the root and slash-separated. Input globs must not
// see them, or every run would change the next run's inputs.
func (c Config) ReservedDirs() ([]string, error) {
	root, err := c.RootDir()
	if err != nil {
		return nil, err
	}
	state, err := c.StateDir()
	if err != nil {
		return nil, err
	}
	cacheDir, err := c.CacheDir()
	if err != nil {
		return nil, err
	}
	var dirs []string
	for _, d := range []string{state, cacheDir} {
		rel, err := filepath.Rel(root, d)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		dirs = append(dirs, filepath.ToSlash(rel))
	}
	return dirs, nil
}

func underRoot(root, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(root, p)
}
