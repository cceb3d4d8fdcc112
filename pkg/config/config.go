// SPDX-License-Identifier: Apache-2.0

// Package config implements the runtime's configuration record, matching
// the upstream C runtime's struct vaccel_config: plugin load list, log
// level/destination, profiling toggle, and plugin version check toggle.
// Values layer: built-in defaults, then environment variables (with
// deprecated-alias fallback), then an optional TOML file over both.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/vaccel-project/vaccel-go/pkg/log"
)

const (
	envPlugins           = "VACCEL_PLUGINS"
	envPluginsOld        = "VACCEL_BACKENDS"
	envLogLevel          = "VACCEL_LOG_LEVEL"
	envLogLevelOld       = "VACCEL_DEBUG_LEVEL"
	envLogFile           = "VACCEL_LOG_FILE"
	envProfilingEnabled  = "VACCEL_PROFILING_ENABLED"
	envVersionIgnore     = "VACCEL_VERSION_IGNORE"
	envVersionIgnoreOld  = "VACCEL_IGNORE_VERSION"
	defaultLogLevel      = log.LevelWarn
	defaultPlugins       = ""
	defaultLogFile       = ""
	defaultProfiling     = false
	defaultVersionIgnore = false
)

// Config is the runtime's configuration record, matching vaccel_config.
type Config struct {
	// Plugins is the parsed form of a colon-separated VACCEL_PLUGINS list
	// of plugin .so paths to load at bootstrap.
	Plugins []string
	// LogLevel controls verbosity across every subsystem logger.
	LogLevel log.Level
	// LogFile is the destination path, or "" for stdout.
	LogFile string
	// ProfilingEnabled toggles the opentelemetry/prometheus profiling
	// subsystem.
	ProfilingEnabled bool
	// VersionIgnore skips a plugin's vaccel-version compatibility check
	// at registration.
	VersionIgnore bool
}

// New builds a Config from explicit values, matching vaccel_config_init.
func New(plugins []string, level log.Level, logFile string, profilingEnabled, versionIgnore bool) *Config {
	return &Config{
		Plugins:          plugins,
		LogLevel:         level,
		LogFile:          logFile,
		ProfilingEnabled: profilingEnabled,
		VersionIgnore:    versionIgnore,
	}
}

// Clone returns a deep copy, matching vaccel_config_init_from.
func (c *Config) Clone() *Config {
	out := *c
	out.Plugins = append([]string(nil), c.Plugins...)
	return &out
}

func deprecatedEnv(oldName, newName string) string {
	if os.Getenv(oldName) != "" && os.Getenv(newName) == "" {
		logrus.Warnf("%s is deprecated. Use %s instead.", oldName, newName)
		return oldName
	}
	return newName
}

func boolFromEnv(name string, def bool) (bool, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return false, errors.Wrapf(err, "invalid boolean value for %s", name)
	}
	return n != 0, nil
}

// splitPlugins parses VACCEL_PLUGINS/VACCEL_BACKENDS as a colon-separated
// library list, matching plugin_parse_and_load's splitting.
func splitPlugins(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ":")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// FromEnv builds a Config from the process environment, matching
// vaccel_config_init_from_env's deprecated-alias precedence: the new
// name always wins when both are set.
func FromEnv() (*Config, error) {
	c := &Config{
		LogLevel:         defaultLogLevel,
		LogFile:          defaultLogFile,
		ProfilingEnabled: defaultProfiling,
		VersionIgnore:    defaultVersionIgnore,
	}

	c.LogLevel = log.LevelFromEnv()
	c.LogFile = os.Getenv(envLogFile)

	pluginsEnv := deprecatedEnv(envPluginsOld, envPlugins)
	c.Plugins = splitPlugins(os.Getenv(pluginsEnv))

	profiling, err := boolFromEnv(envProfilingEnabled, defaultProfiling)
	if err != nil {
		return nil, err
	}
	c.ProfilingEnabled = profiling

	versionIgnoreEnv := deprecatedEnv(envVersionIgnoreOld, envVersionIgnore)
	versionIgnore, err := boolFromEnv(versionIgnoreEnv, defaultVersionIgnore)
	if err != nil {
		return nil, err
	}
	c.VersionIgnore = versionIgnore

	return c, nil
}

// tomlConfig is the on-disk shape of an optional config file, mirroring
// the [runtime]-table idiom of the upstream Go runtime's tomlConfig.
type tomlConfig struct {
	Vaccel struct {
		Plugins          []string `toml:"plugins"`
		LogLevel         string   `toml:"log_level"`
		LogFile          string   `toml:"log_file"`
		ProfilingEnabled bool     `toml:"profiling_enabled"`
		VersionIgnore    bool     `toml:"version_ignore"`
	} `toml:"vaccel"`
}

// MergeTOMLFile decodes path and overlays any fields it sets onto c,
// leaving env-derived values in place for anything the file omits.
func MergeTOMLFile(c *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read config file %q", path)
	}

	var tc tomlConfig
	if _, err := toml.Decode(string(data), &tc); err != nil {
		return errors.Wrapf(err, "failed to decode config file %q", path)
	}

	if len(tc.Vaccel.Plugins) > 0 {
		c.Plugins = tc.Vaccel.Plugins
	}
	if tc.Vaccel.LogLevel != "" {
		if n, err := strconv.Atoi(tc.Vaccel.LogLevel); err == nil {
			c.LogLevel = log.Level(n)
		} else {
			switch strings.ToLower(tc.Vaccel.LogLevel) {
			case "debug":
				c.LogLevel = log.LevelDebug
			case "info":
				c.LogLevel = log.LevelInfo
			case "warn", "warning":
				c.LogLevel = log.LevelWarn
			case "error":
				c.LogLevel = log.LevelError
			}
		}
	}
	if tc.Vaccel.LogFile != "" {
		c.LogFile = tc.Vaccel.LogFile
	}
	c.ProfilingEnabled = c.ProfilingEnabled || tc.Vaccel.ProfilingEnabled
	c.VersionIgnore = c.VersionIgnore || tc.Vaccel.VersionIgnore

	return nil
}

// PrintDebug logs the configuration at debug level, matching
// vaccel_config_print_debug.
func (c *Config) PrintDebug(entry *logrus.Entry) {
	entry.WithFields(logrus.Fields{
		"plugins":           strings.Join(c.Plugins, ","),
		"log_level":         c.LogLevel,
		"log_file":          c.LogFile,
		"profiling_enabled": c.ProfilingEnabled,
		"version_ignore":    c.VersionIgnore,
	}).Debug("runtime configuration")
}
