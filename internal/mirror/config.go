package mirror

import (
	"log/slog"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

const (
	defaultMaxConcurrent = 4
	defaultRsyncPath     = "rsync"
)

// defaultRsyncOptions match what upstream mirror operators recommend:
// archive mode, resolved symlinks, resumable partial transfers, and
// conservative I/O timeouts.
var defaultRsyncOptions = []string{
	"--archive",
	"--copy-links",
	"--partial",
	"--timeout=300",
	"--contimeout=60",
}

type tomlDuration struct {
	time.Duration
}

func (d *tomlDuration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// tomlSource holds a validated rsync source location.  Both URL form
// ("rsync://host/module") and daemon form ("host::module") are accepted.
type tomlSource struct {
	location string
}

func (s *tomlSource) UnmarshalText(text []byte) error {
	loc := strings.TrimRight(string(text), "/")

	if strings.Contains(loc, "://") {
		parsed, err := url.Parse(loc)
		if err != nil {
			return err
		}
		if parsed.Scheme != "rsync" {
			return errors.New("unsupported scheme: " + parsed.Scheme)
		}
		s.location = loc
		return nil
	}

	if !strings.Contains(loc, "::") {
		return errors.New("source must be an rsync:// URL or host::module")
	}
	s.location = loc
	return nil
}

// String returns the source location without a trailing slash.
func (s *tomlSource) String() string {
	return s.location
}

// Resolve returns the remote location for a relative path under the source.
func (s *tomlSource) Resolve(rel string) string {
	if rel == "" {
		return s.location
	}
	return s.location + "/" + strings.TrimPrefix(rel, "/")
}

// RetryConfig holds the retry/backoff policy shared by every transfer
// invocation in a run.
type RetryConfig struct {
	MaxAttempts     int          `toml:"max_attempts"`
	BaseDelay       tomlDuration `toml:"base_delay"`
	MaxDelay        tomlDuration `toml:"max_delay"`
	ConnectionDelay tomlDuration `toml:"connection_delay"`
}

// Check validates the retry configuration.
func (rc *RetryConfig) Check() error {
	if rc.MaxAttempts < 1 {
		return errors.New("retry max_attempts must be at least 1")
	}
	if rc.BaseDelay.Duration < 0 || rc.MaxDelay.Duration < 0 || rc.ConnectionDelay.Duration < 0 {
		return errors.New("retry delays must not be negative")
	}
	if rc.MaxDelay.Duration != 0 && rc.MaxDelay.Duration < rc.BaseDelay.Duration {
		return errors.New("retry max_delay must not be smaller than base_delay")
	}
	return nil
}

// PackageFilters defines filtering rules applied to the selected package
// set before the content phase.
type PackageFilters struct {
	KeepVersions    int      `toml:"keep_versions,omitempty"`
	ExcludePatterns []string `toml:"exclude_patterns,omitempty"`
}

// RepoConfig is an auxiliary struct for Config describing one repository.
//
// The layout family is inferred from which selection dimensions are set:
// suites/sections mark an index-filtered (Debian-style) repository,
// versions/components mark a full-directory (RPM-style) one.
type RepoConfig struct {
	Source tomlSource `toml:"source"`

	// Index-filtered (dists/pool) layout.
	Suites   []string `toml:"suites,omitempty"`
	Sections []string `toml:"sections,omitempty"`

	// Full-directory (repodata/Packages) layout.  Components maps a
	// version to the component names published for it.
	Versions   []string            `toml:"versions,omitempty"`
	Components map[string][]string `toml:"components,omitempty"`
	PathSuffix string              `toml:"path_suffix,omitempty"`

	Architectures []string `toml:"architectures"`

	Filters *PackageFilters `toml:"filters,omitempty"`
}

// Layout returns the layout family this repository is configured for.
func (rc *RepoConfig) Layout() LayoutKind {
	if len(rc.Suites) > 0 {
		return IndexFiltered
	}
	return FullDirectory
}

// Check validates the configuration.
func (rc *RepoConfig) Check() error {
	if rc.Source.location == "" {
		return errors.New("source is not set")
	}
	if len(rc.Architectures) == 0 {
		return errors.New("no architectures")
	}

	indexFiltered := len(rc.Suites) > 0
	fullDirectory := len(rc.Versions) > 0
	switch {
	case indexFiltered && fullDirectory:
		return errors.New("suites and versions are mutually exclusive")
	case !indexFiltered && !fullDirectory:
		return errors.New("either suites or versions must be set")
	}

	if indexFiltered {
		if len(rc.Sections) == 0 {
			return errors.New("no sections")
		}
		if len(rc.Components) != 0 {
			return errors.New("index-filtered repository cannot have components")
		}
		if rc.PathSuffix != "" {
			return errors.New("index-filtered repository cannot have path_suffix")
		}
		return nil
	}

	for _, version := range rc.Versions {
		if len(rc.Components[version]) == 0 {
			return errors.New("no components for version " + version)
		}
	}
	if rc.PathSuffix != "" && !strings.HasPrefix(rc.PathSuffix, "/") {
		return errors.New("path_suffix must start with /")
	}
	return nil
}

// LogConfig represents slog configuration options.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Apply configures the global slog logger based on the configuration.
func (logConfig *LogConfig) Apply() error {
	var level slog.Level
	switch strings.ToLower(logConfig.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return errors.New("invalid log level: " + logConfig.Level)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(logConfig.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "plain", "", "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return errors.New("invalid log format: " + logConfig.Format)
	}

	slog.SetDefault(slog.New(handler))
	return nil
}

// Config is a struct to read TOML configurations.
//
// Use https://github.com/BurntSushi/toml as follows:
//
//	config := mirror.NewConfig()
//	md, err := toml.DecodeFile("/path/to/config.toml", config)
//	if err != nil {
//	    ...
//	}
type Config struct {
	Dir           string                 `toml:"dir"`
	MaxConcurrent int                    `toml:"max_concurrent"`
	RsyncPath     string                 `toml:"rsync_path"`
	RsyncOptions  []string               `toml:"rsync_options"`
	Log           LogConfig              `toml:"log"`
	Retry         RetryConfig            `toml:"retry"`
	Repos         map[string]*RepoConfig `toml:"repos"`
}

// Check validates the configuration.
func (c *Config) Check() error {
	if c.Dir == "" {
		return errors.New("dir is not set")
	}
	if !path.IsAbs(c.Dir) {
		return errors.New("dir must be an absolute path")
	}
	if c.MaxConcurrent < 1 {
		return errors.New("max_concurrent must be at least 1")
	}
	if err := c.Retry.Check(); err != nil {
		return err
	}
	for id, repo := range c.Repos {
		if !IsValidID(id) {
			return errors.New("invalid repository id: " + id)
		}
		if err := repo.Check(); err != nil {
			return errors.Wrap(err, id)
		}
	}
	return nil
}

// NewConfig creates Config with default values.
func NewConfig() *Config {
	return &Config{
		MaxConcurrent: defaultMaxConcurrent,
		RsyncPath:     defaultRsyncPath,
		RsyncOptions:  defaultRsyncOptions,
		Retry: RetryConfig{
			MaxAttempts:     3,
			BaseDelay:       tomlDuration{2 * time.Second},
			MaxDelay:        tomlDuration{30 * time.Second},
			ConnectionDelay: tomlDuration{time.Second},
		},
	}
}
