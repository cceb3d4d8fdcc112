// SPDX-License-Identifier: Apache-2.0

package fs

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromPartsJoins(t *testing.T) {
	p, err := FromParts("/tmp", "a", "b.txt")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/a/b.txt", p)
}

func TestFromPartsRejectsOverlongPath(t *testing.T) {
	_, err := FromParts("/tmp", strings.Repeat("x", PathMax))
	assert.Error(t, err)
}

func TestFileNameAddRandomSuffixKeepsExtension(t *testing.T) {
	name, err := FileNameAddRandomSuffix("model.pb")
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^model_[A-Za-z0-9]{6}\.pb$`), name)
}

func TestFileNameAddRandomSuffixNoExtension(t *testing.T) {
	name, err := FileNameAddRandomSuffix("weights")
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^weights_[A-Za-z0-9]{6}$`), name)
}

func TestDirCreateUniqueSuffixAndMode(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "vaccel_test_")

	dir, err := DirCreateUnique(prefix)
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`vaccel_test_[A-Za-z0-9]{6}$`), dir)

	fi, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, fi.IsDir())
	assert.Equal(t, os.FileMode(0o700), fi.Mode().Perm())
}

func TestDirCreateUniqueDistinctOnRepeat(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "run_")

	first, err := DirCreateUnique(prefix)
	require.NoError(t, err)
	second, err := DirCreateUnique(prefix)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestFileCreateIsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blob.bin")

	f, err := FileCreate(path)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = FileCreate(path)
	assert.Error(t, err)
}

func TestFileCreateUniqueRandomizesBeforeExtension(t *testing.T) {
	dir := t.TempDir()

	f, path, err := FileCreateUnique(dir, "image.jpg")
	require.NoError(t, err)
	defer f.Close()

	assert.Regexp(t, regexp.MustCompile(`image_[A-Za-z0-9]{6}\.jpg$`), path)
	assert.True(t, IsFile(path))
}

func TestIsURL(t *testing.T) {
	assert.True(t, IsURL("http://example.com/model.pb"))
	assert.True(t, IsURL("https://example.com/model.pb"))
	assert.False(t, IsURL("/tmp/model.pb"))
	assert.False(t, IsURL("ftp://example.com/model.pb"))
}

func TestListRegularFilesSkipsSubdirs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "saved_model.pb"), []byte("pb"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "variables.index"), []byte("idx"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "assets"), 0o700))

	files, err := ListRegularFiles(dir)
	require.NoError(t, err)
	require.Len(t, files, 2)
	for _, f := range files {
		assert.True(t, IsFile(f))
	}
}

func TestFileReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.bin")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0o600))

	data, err := FileRead(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)
}

func TestRemoveRunDirRemovesTree(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "session.1")
	require.NoError(t, DirCreate(filepath.Join(dir, "nested")))

	RemoveRunDir(dir)
	assert.False(t, Exists(dir))
}

func TestRemoveRunDirEmptyPathIsNoop(t *testing.T) {
	RemoveRunDir("")
}
