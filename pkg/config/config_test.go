// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaccel-project/vaccel-go/pkg/log"
)

func clearEnv(t *testing.T) {
	for _, k := range []string{envPlugins, envPluginsOld, envLogLevel, envLogLevelOld,
		envLogFile, envProfilingEnabled, envVersionIgnore, envVersionIgnoreOld} {
		os.Unsetenv(k)
	}
}

func TestFromEnvDefaults(t *testing.T) {
	clearEnv(t)
	c, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, defaultLogLevel, c.LogLevel)
	assert.Empty(t, c.Plugins)
	assert.False(t, c.ProfilingEnabled)
}

func TestFromEnvPluginsSplit(t *testing.T) {
	clearEnv(t)
	t.Setenv(envPlugins, "/opt/a.so: /opt/b.so")
	c, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, []string{"/opt/a.so", "/opt/b.so"}, c.Plugins)
}

func TestFromEnvDeprecatedPluginsAlias(t *testing.T) {
	clearEnv(t)
	t.Setenv(envPluginsOld, "/opt/legacy.so")
	c, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, []string{"/opt/legacy.so"}, c.Plugins)
}

func TestFromEnvNewPluginsWinsOverOld(t *testing.T) {
	clearEnv(t)
	t.Setenv(envPluginsOld, "/opt/legacy.so")
	t.Setenv(envPlugins, "/opt/new.so")
	c, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, []string{"/opt/new.so"}, c.Plugins)
}

func TestFromEnvBadBoolErrors(t *testing.T) {
	clearEnv(t)
	t.Setenv(envProfilingEnabled, "not-a-number")
	_, err := FromEnv()
	assert.Error(t, err)
}

func TestCloneIsIndependent(t *testing.T) {
	c := New([]string{"/opt/a.so"}, log.LevelInfo, "", false, false)
	clone := c.Clone()
	clone.Plugins[0] = "/opt/mutated.so"
	assert.Equal(t, "/opt/a.so", c.Plugins[0])
}

func TestMergeTOMLFileOverlaysOntoEnvDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vaccel.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[vaccel]
plugins = ["/opt/from-toml.so"]
log_level = "debug"
profiling_enabled = true
`), 0o600))

	c := New(nil, log.LevelWarn, "", false, false)
	require.NoError(t, MergeTOMLFile(c, path))

	assert.Equal(t, []string{"/opt/from-toml.so"}, c.Plugins)
	assert.Equal(t, log.LevelDebug, c.LogLevel)
	assert.True(t, c.ProfilingEnabled)
}

func TestMergeTOMLFileMissingFileErrors(t *testing.T) {
	c := New(nil, log.LevelWarn, "", false, false)
	err := MergeTOMLFile(c, "/nonexistent/path.toml")
	assert.Error(t, err)
}
