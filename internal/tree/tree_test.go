package tree

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppbuild/ppremake/internal/pp"
)

// writeTree lays out a temporary source tree and chdirs into it.  Keys are
// slash-separated paths relative to the root.
func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for path, contents := range files {
		full := filepath.Join(root, filepath.FromSlash(path))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(contents), 0o644))
	}
	t.Chdir(root)
	return root
}

// scanTree runs the source and depends passes over the current directory.
func scanTree(t *testing.T, root string) (*pp.Context, *Tree, error) {
	t.Helper()
	ctx := pp.NewContext()
	global := pp.NewScope(ctx)
	global.Define("DEPENDS_FILE", "Depends.pp")
	ctx.PushScope(global)

	tr := New(ctx, "Sources.pp")
	tr.SetFullpath(root)
	require.NoError(t, tr.ScanSource())
	return ctx, tr, tr.ScanDepends()
}

const dependsFile = "#define DEPEND_DIRS $[LOCAL_DEPS]\n#define DEPENDABLE_HEADERS $[LOCAL_HEADERS]\n"

func TestDependsIndexOrdering(t *testing.T) {
	root := writeTree(t, map[string]string{
		"Sources.pp":       "",
		"Depends.pp":       dependsFile,
		"alpha/Sources.pp": "#define LOCAL_DEPS beta\n",
		"beta/Sources.pp":  "#define LOCAL_DEPS gamma\n",
		"gamma/Sources.pp": "",
	})
	_, tr, err := scanTree(t, root)
	require.NoError(t, err)

	alpha := tr.FindDirname("alpha")
	beta := tr.FindDirname("beta")
	gamma := tr.FindDirname("gamma")
	require.NotNil(t, alpha)
	require.NotNil(t, beta)
	require.NotNil(t, gamma)

	// A directory's index is strictly greater than everything it depends
	// on.
	assert.Greater(t, alpha.DependsIndex(), beta.DependsIndex())
	assert.Greater(t, beta.DependsIndex(), gamma.DependsIndex())
	assert.Equal(t, 1, gamma.DependsIndex())

	// SUBDIRS reflects the resolved ordering.
	assert.Equal(t, "gamma beta alpha", tr.Root().Scope().ExpandVariable("SUBDIRS"))
}

func TestDependencyCycleIsFatal(t *testing.T) {
	root := writeTree(t, map[string]string{
		"Sources.pp":   "",
		"Depends.pp":   dependsFile,
		"a/Sources.pp": "#define LOCAL_DEPS b\n",
		"b/Sources.pp": "#define LOCAL_DEPS a\n",
	})
	_, _, err := scanTree(t, root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a")
	assert.Contains(t, err.Error(), "b")
	assert.Contains(t, err.Error(), "cycle")
}

func TestUnknownDependReportsAndContinues(t *testing.T) {
	root := writeTree(t, map[string]string{
		"Sources.pp":   "",
		"Depends.pp":   dependsFile,
		"a/Sources.pp": "#define LOCAL_DEPS nonexistent\n",
	})
	ctx, tr, err := scanTree(t, root)
	require.NoError(t, err)
	assert.True(t, ctx.ErrorsOccurred())
	assert.Equal(t, 1, tr.FindDirname("a").DependsIndex())
}

func TestDirectoryScopeSeeding(t *testing.T) {
	root := writeTree(t, map[string]string{
		"Sources.pp":           "",
		"Depends.pp":           dependsFile,
		"outer/Sources.pp":     "",
		"outer/sub/Sources.pp": "",
	})
	_, tr, err := scanTree(t, root)
	require.NoError(t, err)

	sub := tr.FindDirname("sub")
	require.NotNil(t, sub)
	scope := sub.Scope()
	assert.Equal(t, "Sources.pp", scope.ExpandVariable("SOURCEFILE"))
	assert.Equal(t, "sub", scope.ExpandVariable("DIRNAME"))
	assert.Equal(t, "outer/sub/", scope.ExpandVariable("DIRPREFIX"))
	assert.Equal(t, "outer/sub", scope.ExpandVariable("PATH"))

	// The directory back-pointer feeds DEPENDS_INDEX.
	assert.Equal(t, "1", scope.ExpandVariable("DEPENDS_INDEX"))
}

func TestRelTo(t *testing.T) {
	root := writeTree(t, map[string]string{
		"Sources.pp":       "",
		"Depends.pp":       dependsFile,
		"a/Sources.pp":     "",
		"a/sub/Sources.pp": "",
		"b/Sources.pp":     "",
	})
	_, tr, err := scanTree(t, root)
	require.NoError(t, err)

	a := tr.FindDirname("a")
	sub := tr.FindDirname("sub")
	b := tr.FindDirname("b")

	assert.Equal(t, ".", a.RelTo(a))
	assert.Equal(t, "sub", a.RelTo(sub))
	assert.Equal(t, "..", sub.RelTo(a))
	assert.Equal(t, "../../b", sub.RelTo(b))
	assert.Equal(t, "../a/sub", b.RelTo(sub))
}

func TestExtractInclude(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{`#include "foo.h"`, "foo.h"},
		{`#include <vector>`, "vector"},
		{`  #  include "spaced.h"`, "spaced.h"},
		{`#include "sub/dir.h"`, "sub/dir.h"},
		{`#include foo.h`, ""},
		{`// #include "commented.h"`, ""},
		{`int x = 3;`, ""},
		{`#define X`, ""},
		{`#include "unterminated`, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExtractInclude(tt.line), "line %q", tt.line)
	}
}

func TestIncludeScanAndDependencies(t *testing.T) {
	root := writeTree(t, map[string]string{
		"Sources.pp": "",
		"Depends.pp": dependsFile,
		"app/Sources.pp": "#define LOCAL_DEPS lib\n",
		"app/main.cxx":   "#include \"util.h\"\n#include <cstdio>\n#include \"outside.h\"\n",
		"lib/Sources.pp": "#define LOCAL_HEADERS util.h helper.h\n",
		"lib/util.h":     "#include \"helper.h\"\n",
		"lib/helper.h":   "int helper();\n",
	})
	_, tr, err := scanTree(t, root)
	require.NoError(t, err)

	app := tr.FindDirname("app")
	main := app.GetDependableFile("main.cxx", false)

	var closure []*DependableFile
	main.CompleteDependencies(&closure)

	var paths []string
	for _, dep := range closure {
		paths = append(paths, dep.Pathname())
	}
	assert.Equal(t, []string{"lib/helper.h", "lib/util.h"}, paths)

	// Includes that resolve nowhere in the tree are kept as extras.
	assert.Equal(t, []string{"cstdio", "outside.h"}, main.extraIncludes)
}

func TestCircularIncludeDetection(t *testing.T) {
	root := writeTree(t, map[string]string{
		"Sources.pp":     "",
		"Depends.pp":     dependsFile,
		"lib/Sources.pp": "#define LOCAL_HEADERS x.h y.h\n",
		"lib/x.h":        "#include \"y.h\"\n",
		"lib/y.h":        "#include \"x.h\"\n",
	})
	_, tr, err := scanTree(t, root)
	require.NoError(t, err)

	x := tr.FindDirname("lib").GetDependableFile("x.h", false)
	assert.True(t, x.IsCircularity())
	assert.Contains(t, x.Circularity(), "lib/x.h")
}

func TestOkcircularSuppressesWarning(t *testing.T) {
	root := writeTree(t, map[string]string{
		"Sources.pp":     "",
		"Depends.pp":     dependsFile,
		"lib/Sources.pp": "#define LOCAL_HEADERS x.h y.h\n",
		"lib/x.h":        "/* okcircular */\n#include \"y.h\"\n",
		"lib/y.h":        "#include \"x.h\"\n",
	})
	_, tr, err := scanTree(t, root)
	require.NoError(t, err)

	x := tr.FindDirname("lib").GetDependableFile("x.h", false)
	assert.False(t, x.IsCircularity())
	y := tr.FindDirname("lib").GetDependableFile("y.h", false)
	assert.False(t, y.IsCircularity())
}

func TestDependenciesSortedWithoutDuplicates(t *testing.T) {
	root := writeTree(t, map[string]string{
		"Sources.pp":     "",
		"Depends.pp":     dependsFile,
		"lib/Sources.pp": "#define LOCAL_HEADERS a.h b.h\n",
		"lib/use.cxx":    "#include \"b.h\"\n#include \"a.h\"\n#include \"b.h\"\n",
		"lib/a.h":        "",
		"lib/b.h":        "",
	})
	_, tr, err := scanTree(t, root)
	require.NoError(t, err)

	use := tr.FindDirname("lib").GetDependableFile("use.cxx", false)
	use.UpdateDependencies()

	var names []string
	for _, dep := range use.dependencies {
		names = append(names, dep.file.Filename())
	}
	assert.Equal(t, []string{"a.h", "b.h"}, names)
}
