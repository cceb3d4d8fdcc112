// SPDX-License-Identifier: Apache-2.0

package vaccel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaccel-project/vaccel-go/pkg/idpool"
)

// newTestRuntime builds a Runtime directly, bypassing Bootstrap's real
// /run/user/<uid> rundir creation (often unwritable in a sandboxed test
// environment) in favor of a t.TempDir(), the way a unit test should
// isolate itself from process-wide filesystem state.
func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	return &Runtime{
		Rundir:      t.TempDir(),
		sessionIDs:  idpool.New(64),
		resourceIDs: idpool.New(64),
		plugins:     newPluginManager(false),
		resources:   newResourceTable(),
		sessions:    make(map[idpool.ID]*Session),
	}
}

// noopPluginInfo builds a minimal valid PluginInfo for Register tests
// that don't care about lifecycle hooks.
func noopPluginInfo(name string) PluginInfo {
	return PluginInfo{
		Name:          name,
		Version:       "1.0.0",
		VaccelVersion: runtimeSemVer.String(),
		Init:          func() error { return nil },
		Fini:          func() error { return nil },
	}
}

func TestRegisterAddsPluginToRuntime(t *testing.T) {
	rt := newTestRuntime(t)
	p := &Plugin{Info: noopPluginInfo("inline")}
	require.NoError(t, rt.plugins.Register(p))
	assert.Len(t, rt.plugins.plugins, 1)
}

func TestCleanupReleasesLeakedSessions(t *testing.T) {
	rt := newTestRuntime(t)

	sess, err := InitSession(rt, HintDebug)
	require.NoError(t, err)

	_, err = rt.SessionByID(sess.ID)
	require.NoError(t, err)

	require.NoError(t, rt.Cleanup())

	_, err = rt.SessionByID(sess.ID)
	assert.True(t, IsCode(err, ENoEnt))
}

func TestSessionByIDNotFound(t *testing.T) {
	rt := newTestRuntime(t)
	_, err := rt.SessionByID(idpool.ID(999))
	assert.True(t, IsCode(err, ENoEnt))
}

func TestEnvEnabledDefaults(t *testing.T) {
	t.Setenv("VACCEL_BOOTSTRAP_ENABLED", "")
	assert.True(t, envEnabled("VACCEL_BOOTSTRAP_ENABLED", true))

	t.Setenv("VACCEL_BOOTSTRAP_ENABLED", "0")
	assert.False(t, envEnabled("VACCEL_BOOTSTRAP_ENABLED", true))

	t.Setenv("VACCEL_BOOTSTRAP_ENABLED", "false")
	assert.False(t, envEnabled("VACCEL_BOOTSTRAP_ENABLED", true))
}
