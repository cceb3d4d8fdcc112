// SPDX-License-Identifier: Apache-2.0

package vaccel

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestResourceFromPathClassifiesAndIsFindable(t *testing.T) {
	rt := newTestRuntime(t)
	path := writeFile(t, t.TempDir(), "model.pb", []byte("x"))

	res, err := NewResourceFromPath(rt, ResourceModel, path)
	require.NoError(t, err)
	assert.NotZero(t, res.ID)
	assert.EqualValues(t, -1, res.RemoteID)
	assert.EqualValues(t, 0, res.refcount.Load())
	assert.Equal(t, PathLocalFile, res.PathType)

	found, err := rt.resources.GetByID(res.ID)
	require.NoError(t, err)
	assert.Same(t, res, found)
}

func TestResourceFromDirRegistersAllBlobs(t *testing.T) {
	rt := newTestRuntime(t)
	dir := t.TempDir()
	writeFile(t, dir, "saved_model.pb", []byte("a"))
	writeFile(t, dir, "variables.data-00000-of-00001", []byte("b"))
	writeFile(t, dir, "variables.index", []byte("c"))

	res, err := NewResourceFromPath(rt, ResourceModel, dir)
	require.NoError(t, err)
	assert.Equal(t, PathLocalDir, res.PathType)

	sess, err := InitSession(rt, HintDebug)
	require.NoError(t, err)

	require.NoError(t, res.Register(context.Background(), rt, sess))
	assert.Len(t, res.Blobs, 3)

	wantNames := map[string]bool{"saved_model.pb": true, "variables.data-00000-of-00001": true, "variables.index": true}
	for _, b := range res.Blobs {
		assert.True(t, wantNames[b.Name], "unexpected blob name %q", b.Name)
	}
	assert.EqualValues(t, 1, res.refcount.Load())

	require.NoError(t, res.Unregister(sess))
	require.NoError(t, res.Release(rt))
	assert.EqualValues(t, 0, res.refcount.Load())

	_, err = rt.resources.GetByID(res.ID)
	assert.True(t, IsCode(err, ENoEnt))
}

func TestResourceMemOnlyBufferNoFilesystemArtifact(t *testing.T) {
	rt := newTestRuntime(t)

	res, err := NewResourceFromBuffer(rt, ResourceData, []byte("abc"), "", true)
	require.NoError(t, err)
	assert.Empty(t, res.Rundir)
	require.Len(t, res.Blobs, 1)

	sess, err := InitSession(rt, HintDebug)
	require.NoError(t, err)

	require.NoError(t, res.Register(context.Background(), rt, sess))
	require.Len(t, res.Blobs, 1)
	assert.Empty(t, res.Rundir)

	require.NoError(t, res.Unregister(sess))
}

func TestResourceReleaseBusyWhileRegistered(t *testing.T) {
	rt := newTestRuntime(t)
	res, err := NewResourceFromBuffer(rt, ResourceData, []byte("abc"), "d.bin", true)
	require.NoError(t, err)

	sess, err := InitSession(rt, HintDebug)
	require.NoError(t, err)
	require.NoError(t, res.Register(context.Background(), rt, sess))

	err = res.Release(rt)
	assert.True(t, IsCode(err, EBusy))

	require.NoError(t, res.Unregister(sess))
	require.NoError(t, res.Release(rt))
}

func TestResourceDoubleRegisterFails(t *testing.T) {
	rt := newTestRuntime(t)
	res, err := NewResourceFromBuffer(rt, ResourceData, []byte("abc"), "d.bin", true)
	require.NoError(t, err)

	sess, err := InitSession(rt, HintDebug)
	require.NoError(t, err)
	require.NoError(t, res.Register(context.Background(), rt, sess))

	err = res.Register(context.Background(), rt, sess)
	assert.True(t, IsCode(err, EExist))
}

func TestResourceRegisterUnregisterRefcountRoundTrip(t *testing.T) {
	rt := newTestRuntime(t)
	res, err := NewResourceFromBuffer(rt, ResourceData, []byte("abc"), "d.bin", true)
	require.NoError(t, err)

	sess, err := InitSession(rt, HintDebug)
	require.NoError(t, err)

	before := res.refcount.Load()
	require.NoError(t, res.Register(context.Background(), rt, sess))
	require.NoError(t, res.Unregister(sess))
	assert.Equal(t, before, res.refcount.Load())
}

func TestResourceReleaseTwiceReturnsInval(t *testing.T) {
	rt := newTestRuntime(t)
	res, err := NewResourceFromBuffer(rt, ResourceData, []byte("abc"), "d.bin", true)
	require.NoError(t, err)

	require.NoError(t, res.Release(rt))

	// The ID went back to the pool on the first release; a repeat call
	// must not hand it back a second time.
	err = res.Release(rt)
	assert.True(t, IsCode(err, EInval))

	next, err := NewResourceFromBuffer(rt, ResourceData, []byte("def"), "e.bin", true)
	require.NoError(t, err)
	assert.Equal(t, res.ID, next.ID)

	found, err := rt.Resources().GetByID(next.ID)
	require.NoError(t, err)
	assert.Same(t, next, found)
}
