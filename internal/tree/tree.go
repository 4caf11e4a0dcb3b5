package tree

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/ppbuild/ppremake/internal/pp"
)

// Tree is the whole source hierarchy, rooted at the directory containing
// Package.pp.  It owns the global directory-name index and the header
// index used for cross-directory #include resolution.
type Tree struct {
	ctx            *pp.Context
	root           *Directory
	fullpath       string
	sourceFilename string

	dirnames    map[string]*Directory
	dependables map[string]*DependableFile

	externals []*Directory
}

// New creates an empty tree whose root answers to the name "top".
func New(ctx *pp.Context, sourceFilename string) *Tree {
	t := &Tree{
		ctx:            ctx,
		sourceFilename: sourceFilename,
		dirnames:       make(map[string]*Directory),
		dependables:    make(map[string]*DependableFile),
	}
	t.root = newDirectory(t, "top", nil)
	return t
}

// SetFullpath records the absolute path of the tree root.
func (t *Tree) SetFullpath(fullpath string) {
	t.fullpath = fullpath
}

// Fullpath returns the absolute path of the tree root.
func (t *Tree) Fullpath() string {
	return t.fullpath
}

// Root returns the root directory.
func (t *Tree) Root() *Directory {
	return t.root
}

// FindDirname returns the directory with the given local name, in-tree or
// external, or nil.
func (t *Tree) FindDirname(dirname string) *Directory {
	return t.dirnames[dirname]
}

// FindDependableFile resolves a bare header filename through the header
// index, or returns nil for files outside the tree.
func (t *Tree) FindDependableFile(filename string) *DependableFile {
	return t.dependables[filename]
}

// GetDependableFileByDirpath resolves a cache-file reference of the form
// dirname/filename, optionally prefixed with + for a cross-tree file.
func (t *Tree) GetDependableFileByDirpath(dirpath string) *DependableFile {
	dirpath = strings.TrimPrefix(dirpath, "+")
	slash := strings.IndexByte(dirpath, '/')
	if slash < 0 {
		return nil
	}
	dir := t.FindDirname(dirpath[:slash])
	if dir == nil {
		return nil
	}
	return dir.GetDependableFile(dirpath[slash+1:], false)
}

// ScanSource builds the directory hierarchy and reads every Sources.pp in
// tree order.
func (t *Tree) ScanSource() error {
	if err := t.root.rScan(""); err != nil {
		return err
	}
	return t.root.readSourceFile("", t.ctx)
}

// ScanDepends reads the per-directory depends files, establishes the
// inter-directory edges, and computes the topological ordering.  A cycle
// is a fatal configuration error.
func (t *Tree) ScanDepends() error {
	if err := t.root.readDependsFile(t.ctx); err != nil {
		return err
	}
	return t.root.resolveDependencies()
}

// ScanExtraDepends registers the external header directories named by
// DEPENDABLE_HEADER_DIRS.  Each directory is listed non-recursively; the
// listings run concurrently, the registrations serially.
func (t *Tree) ScanExtraDepends(headerDirs, cacheFilename string) error {
	dirs := strings.Fields(headerDirs)
	if len(dirs) == 0 {
		return nil
	}

	externals := make([]*Directory, len(dirs))
	listings := make([][]string, len(dirs))

	var group errgroup.Group
	for i, dirname := range dirs {
		abs, err := filepath.Abs(dirname)
		if err != nil {
			abs = dirname
		}
		external := newDirectory(t, filepath.Base(abs), nil)
		external.external = true
		external.fullpath = abs
		externals[i] = external
		t.externals = append(t.externals, external)

		group.Go(func() error {
			names, err := listHeaderDir(abs, cacheFilename)
			if err != nil {
				return err
			}
			listings[i] = names
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	for i, external := range externals {
		for _, name := range listings[i] {
			external.GetDependableFile(name, true)
		}
	}
	return nil
}

// CountSourceFiles returns the number of directories with a Sources.pp.
func (t *Tree) CountSourceFiles() int {
	return t.root.countSourceFiles()
}

// CompleteTree returns the space-joined relative paths of every source
// directory, dependency sorted.
func (t *Tree) CompleteTree() string {
	return t.root.CompleteSubtree()
}

// eachDirectory visits every in-tree directory and every external header
// directory.
func (t *Tree) eachDirectory(visit func(*Directory)) {
	var recur func(*Directory)
	recur = func(d *Directory) {
		visit(d)
		for _, child := range d.children {
			recur(child)
		}
	}
	recur(t.root)
	for _, external := range t.externals {
		visit(external)
	}
}

// DependenciesFor implements the $[dependencies] builtin: the transitive
// include closure of the named files, each path rewritten relative to the
// current output directory.
func (t *Tree) DependenciesFor(dir pp.DirInfo, filenames []string) []string {
	d, ok := dir.(*Directory)
	if !ok {
		return nil
	}
	out, okOut := t.ctx.CurrentOutput.(*Directory)
	if !okOut {
		return nil
	}

	var results []string
	for _, filename := range filenames {
		file := d.GetDependableFile(filename, false)
		var closure []*DependableFile
		file.CompleteDependencies(&closure)
		for _, dep := range closure {
			results = append(results, out.RelTo(dep.Directory())+"/"+dep.Filename())
		}
	}
	return results
}

// ReportCircularities warns about every circular include chain discovered
// during this run's dependency scans.
func (t *Tree) ReportCircularities() {
	t.eachDirectory(func(d *Directory) {
		for _, file := range d.sortedDependables() {
			if file.examined && file.circularity != "" {
				t.ctx.Warnf("Warning: circular #include directives:\n  %s", file.circularity)
			}
		}
	})
}

func listHeaderDir(dirname, cacheFilename string) ([]string, error) {
	entries, err := os.ReadDir(dirname)
	if err != nil {
		return nil, fmt.Errorf("unable to scan directory %s: %w", dirname, err)
	}
	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if name == "" || name[0] == '.' || name == cacheFilename || entry.IsDir() {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}
