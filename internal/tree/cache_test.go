package tree

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cacheFilename = "pp.dep"

func cacheTreeFiles() map[string]string {
	return map[string]string{
		"Sources.pp":     "",
		"Depends.pp":     dependsFile,
		"app/Sources.pp": "#define LOCAL_DEPS lib\n",
		"app/foo.cxx":    "#include \"bar.h\"\n",
		"lib/Sources.pp": "#define LOCAL_HEADERS bar.h baz.h\n",
		"lib/bar.h":      "",
		"lib/baz.h":      "",
	}
}

func TestCacheRoundTrip(t *testing.T) {
	root := writeTree(t, cacheTreeFiles())

	// First run: scan and persist.
	_, tr, err := scanTree(t, root)
	require.NoError(t, err)
	foo := tr.FindDirname("app").GetDependableFile("foo.cxx", false)
	foo.UpdateDependencies()
	require.False(t, foo.WasCached())
	tr.UpdateFileDependencies(cacheFilename, false)

	cachePath := filepath.Join(root, "app", cacheFilename)
	firstBytes, err := os.ReadFile(cachePath)
	require.NoError(t, err)
	assert.Contains(t, string(firstBytes), "foo.cxx")
	assert.Contains(t, string(firstBytes), "lib/bar.h")

	// Second run: the cache must reproduce the identical graph, and
	// re-emitting it must reproduce the identical bytes.
	_, tr2, err := scanTree(t, root)
	require.NoError(t, err)
	tr2.ReadFileDependencies(cacheFilename, DefaultCacheMaxAge)

	foo2 := tr2.FindDirname("app").GetDependableFile("foo.cxx", false)
	assert.True(t, foo2.WasCached())
	var closure []*DependableFile
	foo2.CompleteDependencies(&closure)
	require.Len(t, closure, 1)
	assert.Equal(t, "lib/bar.h", closure[0].Pathname())

	tr2.UpdateFileDependencies(cacheFilename, false)
	secondBytes, err := os.ReadFile(cachePath)
	require.NoError(t, err)
	assert.Equal(t, firstBytes, secondBytes)
}

func TestCacheInvalidationOnMtimeChange(t *testing.T) {
	root := writeTree(t, cacheTreeFiles())

	_, tr, err := scanTree(t, root)
	require.NoError(t, err)
	foo := tr.FindDirname("app").GetDependableFile("foo.cxx", false)
	foo.UpdateDependencies()
	tr.UpdateFileDependencies(cacheFilename, false)

	// The source changes: new mtime, new include.
	fooPath := filepath.Join(root, "app", "foo.cxx")
	require.NoError(t, os.WriteFile(fooPath, []byte("#include \"baz.h\"\n"), 0o644))
	bumped := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(fooPath, bumped, bumped))

	_, tr2, err := scanTree(t, root)
	require.NoError(t, err)
	tr2.ReadFileDependencies(cacheFilename, DefaultCacheMaxAge)

	foo2 := tr2.FindDirname("app").GetDependableFile("foo.cxx", false)
	var closure []*DependableFile
	foo2.CompleteDependencies(&closure)
	require.Len(t, closure, 1)
	assert.Equal(t, "lib/baz.h", closure[0].Pathname())
	assert.False(t, foo2.WasCached())
}

func TestCacheDiscardedWhenFileMissing(t *testing.T) {
	root := writeTree(t, cacheTreeFiles())

	_, tr, err := scanTree(t, root)
	require.NoError(t, err)
	tr.FindDirname("app").GetDependableFile("foo.cxx", false).UpdateDependencies()
	tr.UpdateFileDependencies(cacheFilename, false)

	require.NoError(t, os.Remove(filepath.Join(root, "app", "foo.cxx")))

	_, tr2, err := scanTree(t, root)
	require.NoError(t, err)
	tr2.ReadFileDependencies(cacheFilename, DefaultCacheMaxAge)

	// The phantom entry must be gone entirely.
	app := tr2.FindDirname("app")
	_, present := app.dependables["foo.cxx"]
	assert.False(t, present)
}

func TestCacheTooOldIsIgnored(t *testing.T) {
	root := writeTree(t, cacheTreeFiles())

	_, tr, err := scanTree(t, root)
	require.NoError(t, err)
	tr.FindDirname("app").GetDependableFile("foo.cxx", false).UpdateDependencies()
	tr.UpdateFileDependencies(cacheFilename, false)

	cachePath := filepath.Join(root, "app", cacheFilename)
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(cachePath, old, old))

	_, tr2, err := scanTree(t, root)
	require.NoError(t, err)
	tr2.ReadFileDependencies(cacheFilename, DefaultCacheMaxAge)

	foo2 := tr2.FindDirname("app").GetDependableFile("foo.cxx", false)
	assert.False(t, foo2.WasCached())

	// With the age guard disabled, the same cache is honored.
	_, tr3, err := scanTree(t, root)
	require.NoError(t, err)
	tr3.ReadFileDependencies(cacheFilename, 0)
	foo3 := tr3.FindDirname("app").GetDependableFile("foo.cxx", false)
	assert.True(t, foo3.WasCached())
}

func TestEmptyCacheNotWritten(t *testing.T) {
	root := writeTree(t, map[string]string{
		"Sources.pp":       "",
		"Depends.pp":       dependsFile,
		"quiet/Sources.pp": "",
	})
	_, tr, err := scanTree(t, root)
	require.NoError(t, err)
	tr.UpdateFileDependencies(cacheFilename, false)

	_, err = os.Stat(filepath.Join(root, "quiet", cacheFilename))
	assert.True(t, os.IsNotExist(err))
}

func TestExternalHeaderDirs(t *testing.T) {
	root := writeTree(t, map[string]string{
		"Sources.pp":     "",
		"Depends.pp":     dependsFile,
		"app/Sources.pp": "",
		"app/prog.cxx":   "#include \"extern.h\"\n",
	})
	externalDir := filepath.Join(t.TempDir(), "headers")
	require.NoError(t, os.MkdirAll(externalDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(externalDir, "extern.h"), []byte(""), 0o644))

	ctx, tr, err := scanTree(t, root)
	require.NoError(t, err)
	require.NoError(t, tr.ScanExtraDepends(externalDir, cacheFilename))
	assert.False(t, ctx.ErrorsOccurred())

	prog := tr.FindDirname("app").GetDependableFile("prog.cxx", false)
	var closure []*DependableFile
	prog.CompleteDependencies(&closure)
	require.Len(t, closure, 1)
	assert.Equal(t, "extern.h", closure[0].Filename())
	assert.True(t, closure[0].Directory().external)
}
