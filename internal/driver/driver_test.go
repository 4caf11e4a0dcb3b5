package driver

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeProject lays out a minimal but complete ppremake project in a
// temporary directory and chdirs into it.
func writeProject(t *testing.T, extra map[string]string) string {
	t.Helper()
	files := map[string]string{
		"Package.pp": "#define DEPENDS_FILE Depends.pp\n" +
			"#define GLOBAL_FILE Global.pp\n" +
			"#define TEMPLATE_FILE Template.pp\n" +
			"#define DEPENDENCY_CACHE_FILENAME pp.dep\n" +
			"#define UNIX_PLATFORM 1\n",
		"Global.pp":  "#define GLOBAL_NOTE from-global\n",
		"Depends.pp": "#define DEPEND_DIRS $[LOCAL_DEPS]\n#define DEPENDABLE_HEADERS $[LOCAL_HEADERS]\n",
		"Template.pp": "#output Makefile\n" +
			"# Generated automatically; do not edit.\n" +
			"DIR = $[DIRNAME]\n" +
			"NOTE = $[GLOBAL_NOTE]\n" +
			"#end Makefile\n",
		"Sources.pp": "",
	}
	for path, contents := range extra {
		files[path] = contents
	}

	root := t.TempDir()
	for path, contents := range files {
		full := filepath.Join(root, filepath.FromSlash(path))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(contents), 0o644))
	}
	t.Chdir(root)
	return root
}

func TestProcessAllGeneratesOutputs(t *testing.T) {
	root := writeProject(t, map[string]string{
		"util/Sources.pp":    "",
		"display/Sources.pp": "#define LOCAL_DEPS util\n",
	})

	m := New(Options{Platform: "unix"})
	require.NoError(t, m.ReadSource("."))
	require.NoError(t, m.ProcessAll())
	assert.False(t, m.Context().ErrorsOccurred())

	for dir, name := range map[string]string{
		"util":    "util",
		"display": "display",
		".":       "top",
	} {
		contents, err := os.ReadFile(filepath.Join(root, dir, "Makefile"))
		require.NoError(t, err, "Makefile in %s", dir)
		assert.Contains(t, string(contents), "DIR = "+name)
		assert.Contains(t, string(contents), "NOTE = from-global")
	}
}

func TestIdempotentRegeneration(t *testing.T) {
	root := writeProject(t, map[string]string{
		"util/Sources.pp": "",
	})

	run := func() {
		m := New(Options{Platform: "unix"})
		require.NoError(t, m.ReadSource("."))
		require.NoError(t, m.ProcessAll())
		require.False(t, m.Context().ErrorsOccurred())
	}
	run()
	first, err := os.ReadFile(filepath.Join(root, "util", "Makefile"))
	require.NoError(t, err)

	run()
	second, err := os.ReadFile(filepath.Join(root, "util", "Makefile"))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestProcessSingleDirectory(t *testing.T) {
	root := writeProject(t, map[string]string{
		"only/Sources.pp":  "",
		"other/Sources.pp": "",
	})

	m := New(Options{Platform: "unix"})
	require.NoError(t, m.ReadSource("."))
	require.NoError(t, m.Process("only"))

	_, err := os.Stat(filepath.Join(root, "only", "Makefile"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, "other", "Makefile"))
	assert.True(t, os.IsNotExist(err))
}

func TestProcessUnknownDirectory(t *testing.T) {
	writeProject(t, nil)

	m := New(Options{Platform: "unix"})
	require.NoError(t, m.ReadSource("."))
	assert.Error(t, m.Process("missing"))
}

func TestRootDiscoveryFromSubdirectory(t *testing.T) {
	root := writeProject(t, map[string]string{
		"deep/Sources.pp":        "",
		"deep/nested/Sources.pp": "",
	})
	t.Chdir(filepath.Join(root, "deep", "nested"))

	m := New(Options{Platform: "unix"})
	require.NoError(t, m.ReadSource("."))
	require.NoError(t, m.ProcessAll())

	_, err := os.Stat(filepath.Join(root, "deep", "nested", "Makefile"))
	assert.NoError(t, err)
}

func TestMissingPackageFileDiagnostics(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	m := New(Options{Platform: "unix"})
	err := m.ReadSource(".")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Sources.pp")

	// With a Sources.pp chain but no Package.pp at the top, the
	// complaint names the package file instead.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Sources.pp"), []byte(""), 0o644))
	m = New(Options{Platform: "unix"})
	err = m.ReadSource(".")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Package.pp")
}

func TestDependencyCycleAborts(t *testing.T) {
	writeProject(t, map[string]string{
		"a/Sources.pp": "#define LOCAL_DEPS b\n",
		"b/Sources.pp": "#define LOCAL_DEPS a\n",
	})

	m := New(Options{Platform: "unix"})
	err := m.ReadSource(".")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a depends on b")
}

func TestTemplateSeesDependenciesFunction(t *testing.T) {
	root := writeProject(t, map[string]string{
		"Template.pp": "#output Makefile\n" +
			"#if $[DEPSRC]\n" +
			"$[DEPSRC].o : $[dependencies $[DEPSRC]]\n" +
			"#endif\n" +
			"#end Makefile\n",
		"lib/Sources.pp": "#define LOCAL_HEADERS api.h\n",
		"lib/api.h":      "",
		"app/Sources.pp": "#define LOCAL_DEPS lib\n#define DEPSRC prog.cxx\n",
		"app/prog.cxx":   "#include \"api.h\"\n",
	})

	m := New(Options{Platform: "unix"})
	require.NoError(t, m.ReadSource("."))
	require.NoError(t, m.ProcessAll())
	assert.False(t, m.Context().ErrorsOccurred())

	contents, err := os.ReadFile(filepath.Join(root, "app", "Makefile"))
	require.NoError(t, err)
	assert.Contains(t, string(contents), "prog.cxx.o : ../lib/api.h")

	// The run leaves a dependency cache behind.
	_, err = os.Stat(filepath.Join(root, "app", "pp.dep"))
	assert.NoError(t, err)
}

func TestCheckDependencies(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "prog.cxx")
	require.NoError(t, os.WriteFile(source, []byte("#include \"api.h\"\n"), 0o644))
	info, err := os.Stat(source)
	require.NoError(t, err)

	depFile := filepath.Join(dir, "pp.dep")
	line := "prog.cxx " + strconv.FormatInt(info.ModTime().Unix(), 10) + " lib/api.h\n"
	require.NoError(t, os.WriteFile(depFile, []byte(line), 0o644))

	// Current cache: nothing to do.
	assert.True(t, CheckDependencies(depFile))

	// A touched file with unchanged includes is still current.
	bumped := info.ModTime().Add(5 * time.Minute)
	require.NoError(t, os.Chtimes(source, bumped, bumped))
	assert.True(t, CheckDependencies(depFile))

	// Changing the include set makes it stale.
	require.NoError(t, os.WriteFile(source, []byte("#include \"other.h\"\n"), 0o644))
	changed := bumped.Add(5 * time.Minute)
	require.NoError(t, os.Chtimes(source, changed, changed))
	assert.False(t, CheckDependencies(depFile))

	// A missing cache file is stale by definition.
	assert.False(t, CheckDependencies(filepath.Join(dir, "nonexistent.dep")))
}
