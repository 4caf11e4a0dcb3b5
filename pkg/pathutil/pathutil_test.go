package pathutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsFullPath(t *testing.T) {
	assert.True(t, IsFullPath("/usr/lib"))
	assert.False(t, IsFullPath("relative/path"))
	assert.False(t, IsFullPath(""))
}

func TestStandardize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"a//b", "a/b"},
		{"a/./b", "a/b"},
		{"a/x/../b", "a/b"},
		{"/a/b/", "/a/b"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Standardize(tt.in), "input %q", tt.in)
	}
}

func TestToRelative(t *testing.T) {
	assert.Equal(t, "src/main.go", ToRelative("/home/user/project/src/main.go", "/home/user/project"))
	assert.Equal(t, "/other/file.go", ToRelative("/other/file.go", "/home/user/project"))
	assert.Equal(t, "src/main.go", ToRelative("src/main.go", "/home/user/project"))
}

func TestGlob(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.cxx", "a.cxx", "c.h", "note.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(""), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "d.cxx"), []byte(""), 0o644))

	// Matches come back sorted and pattern-relative.
	assert.Equal(t, []string{"a.cxx", "b.cxx"}, Glob(dir, "*.cxx"))
	assert.Equal(t, []string{"sub/d.cxx"}, Glob(dir, "sub/*.cxx"))
	assert.Empty(t, Glob(dir, "*.nope"))
}

func TestSearchPath(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "libm.a"), []byte(""), 0o644))

	found := SearchPath("libm.a", []string{"/nonexistent", dir})
	assert.Equal(t, UnixFilename(filepath.Join(dir, "libm.a")), found)
	assert.Equal(t, "", SearchPath("libz.a", []string{dir}))
}
