package tree

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ppbuild/ppremake/internal/debug"
	"github.com/ppbuild/ppremake/internal/pp"
)

// Directory is one node of the source tree: a directory containing a
// Sources.pp file, or an external header directory.  It carries the
// directory's top-level scope, its dependency edges to other directories,
// and the dependable files found within it.
type Directory struct {
	tree     *Tree
	dirname  string
	parent   *Directory
	children []*Directory
	depth    int

	scope     *pp.Scope
	hasSource bool

	iDependOn   map[*Directory]bool
	dependsOnMe map[*Directory]bool

	dependsIndex int
	computing    bool

	dependables map[string]*DependableFile

	// external marks a directory outside the source tree, named by
	// DEPENDABLE_HEADER_DIRS; fullpath is its absolute location.
	external bool
	fullpath string
}

func newDirectory(tree *Tree, dirname string, parent *Directory) *Directory {
	d := &Directory{
		tree:        tree,
		dirname:     dirname,
		parent:      parent,
		iDependOn:   make(map[*Directory]bool),
		dependsOnMe: make(map[*Directory]bool),
		dependables: make(map[string]*DependableFile),
	}
	if parent != nil {
		parent.children = append(parent.children, d)
		d.depth = parent.depth + 1
	}
	if _, exists := tree.dirnames[dirname]; exists {
		fmt.Fprintf(os.Stderr, "Warning: multiple directories encountered named %s\n", dirname)
	} else {
		tree.dirnames[dirname] = d
	}
	return d
}

// Dirname returns the local name of this directory level.
func (d *Directory) Dirname() string {
	return d.dirname
}

// DependsIndex returns the dependency sort index.  If directory A depends
// on B, A.DependsIndex() > B.DependsIndex().
func (d *Directory) DependsIndex() int {
	return d.dependsIndex
}

// Tree returns the owning directory tree.
func (d *Directory) Tree() *Tree {
	return d.tree
}

// Scope returns the directory's top-level scope, or nil if no Sources.pp
// was read here.
func (d *Directory) Scope() *pp.Scope {
	return d.scope
}

// HasSource reports whether a Sources.pp was read in this directory.
func (d *Directory) HasSource() bool {
	return d.hasSource
}

// Children returns the immediate subdirectories, in scan order.
func (d *Directory) Children() []*Directory {
	return d.children
}

// Path returns the relative path from the tree root, without a trailing
// slash.  The root itself is ".".
func (d *Directory) Path() string {
	if d.parent == nil {
		return "."
	}
	if d.parent.parent == nil {
		return d.dirname
	}
	return d.parent.Path() + "/" + d.dirname
}

// Prefix returns the relative path from the tree root with a trailing
// slash, or empty for the root.
func (d *Directory) Prefix() string {
	if d.parent == nil {
		return ""
	}
	return d.parent.Prefix() + d.dirname + "/"
}

// Fullpath returns the absolute path to the directory.
func (d *Directory) Fullpath() string {
	if d.external {
		return d.fullpath
	}
	if d.parent == nil {
		return d.tree.fullpath
	}
	return d.tree.fullpath + "/" + d.Path()
}

// RelTo returns the relative path from this directory to other, without a
// trailing slash.  Directories in different trees are joined via other's
// full path.
func (d *Directory) RelTo(other pp.DirInfo) string {
	b, ok := other.(*Directory)
	if !ok {
		return ""
	}
	if d == b {
		return "."
	}
	if d.external || b.external {
		return b.Fullpath()
	}

	a := d
	prefix, postfix := "", ""
	for a.depth > b.depth {
		prefix += "../"
		a = a.parent
	}
	for b.depth > a.depth {
		postfix = b.dirname + "/" + postfix
		b = b.parent
	}
	for a != b {
		prefix += "../"
		postfix = b.dirname + "/" + postfix
		a = a.parent
		b = b.parent
	}
	result := prefix + postfix
	return result[:len(result)-1]
}

func sortByDependencyAndName(dirs []*Directory) {
	sort.SliceStable(dirs, func(i, j int) bool {
		if dirs[i].dependsIndex != dirs[j].dependsIndex {
			return dirs[i].dependsIndex < dirs[j].dependsIndex
		}
		return dirs[i].dirname < dirs[j].dirname
	})
}

// ChildDirnames returns the names of the immediate subdirectories, space
// separated and sorted in dependency order.
func (d *Directory) ChildDirnames() string {
	children := append([]*Directory(nil), d.children...)
	sortByDependencyAndName(children)
	words := make([]string, len(children))
	for i, child := range children {
		words[i] = child.dirname
	}
	return strings.Join(words, " ")
}

// CompleteSubtree returns the root-relative path of this directory and
// every directory below it, dependency sorted at each level.
func (d *Directory) CompleteSubtree() string {
	children := append([]*Directory(nil), d.children...)
	sortByDependencyAndName(children)
	words := []string{d.Path()}
	for _, child := range children {
		words = append(words, child.CompleteSubtree())
	}
	return strings.Join(words, " ")
}

// GetDependableFile returns the DependableFile for the named file within
// this directory, creating one on first use.  When isHeader is true the
// file also joins the tree-wide header index so other directories'
// #include scans can resolve it; name collisions there are errors.
func (d *Directory) GetDependableFile(filename string, isHeader bool) *DependableFile {
	if file, ok := d.dependables[filename]; ok {
		return file
	}
	file := &DependableFile{directory: d, filename: filename}
	d.dependables[filename] = file

	if isHeader {
		if other, exists := d.tree.dependables[filename]; exists {
			if other.directory != d {
				d.tree.ctx.Errorf("Error: header file %s may be confused with %s.",
					file.Pathname(), other.Pathname())
			}
		} else {
			d.tree.dependables[filename] = file
		}
	}
	return file
}

func (d *Directory) rScan(prefix string) error {
	rootName := "."
	if prefix != "" {
		rootName = prefix[:len(prefix)-1]
	}
	entries, err := os.ReadDir(rootName)
	if err != nil {
		return fmt.Errorf("unable to scan directory %s: %w", rootName, err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if name == "" || name[0] == '.' || !entry.IsDir() {
			continue
		}
		nextPrefix := prefix + name + "/"
		if _, err := os.Stat(nextPrefix + d.tree.sourceFilename); err == nil {
			sub := newDirectory(d.tree, name, d)
			if err := sub.rScan(nextPrefix); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Directory) readSourceFile(prefix string, ctx *pp.Context) error {
	sourcePath := prefix + d.tree.sourceFilename
	if in, err := os.Open(sourcePath); err == nil {
		debug.Logf("Reading (dir) %q", sourcePath)

		ctx.Named.SetCurrent(d.dirname)
		d.scope = ctx.Named.MakeScope("")
		d.scope.Define("SOURCEFILE", d.tree.sourceFilename)
		d.scope.Define("DIRNAME", d.dirname)
		d.scope.Define("DIRPREFIX", prefix)
		d.scope.Define("PATH", d.Path())
		d.scope.Define("SUBDIRS", d.ChildDirnames())
		d.scope.Define("SUBTREE", d.CompleteSubtree())
		d.scope.SetDirectory(d)

		source := pp.NewCommandFile(d.scope)
		ok := source.ReadStream(in, sourcePath)
		in.Close()
		if !ok {
			return fmt.Errorf("error reading %s", sourcePath)
		}
		d.hasSource = true
	}

	for _, child := range d.children {
		if err := child.readSourceFile(prefix+child.dirname+"/", ctx); err != nil {
			return err
		}
	}
	return nil
}

func (d *Directory) readDependsFile(ctx *pp.Context) error {
	if d.scope != nil {
		dependsFilename := d.scope.ExpandVariable("DEPENDS_FILE")
		if dependsFilename == "" {
			return fmt.Errorf("no definition given for $[DEPENDS_FILE], cannot process")
		}

		ctx.Named.SetCurrent(d.dirname)
		ctx.CurrentOutput = d
		depends := pp.NewCommandFile(d.scope)
		if !depends.ReadFile(dependsFilename) {
			return fmt.Errorf("error reading dependency definition file %s", dependsFilename)
		}

		// The depends file defines DEPEND_DIRS, the directories this one
		// depends on.
		for _, dirname := range strings.Fields(d.scope.ExpandVariable("DEPEND_DIRS")) {
			dir := d.tree.FindDirname(dirname)
			if dir == nil {
				ctx.Errorf("Could not find dependent dirname %s", dirname)
				continue
			}
			if dir != d {
				d.iDependOn[dir] = true
				dir.dependsOnMe[d] = true
			}
		}

		// It may also define DEPENDABLE_HEADERS, the files here that
		// C/C++ sources elsewhere might include.
		for _, header := range strings.Fields(d.scope.ExpandVariable("DEPENDABLE_HEADERS")) {
			d.GetDependableFile(header, true)
		}
	}

	for _, child := range d.children {
		if err := child.readDependsFile(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (d *Directory) resolveDependencies() error {
	if err := d.computeDependsIndex(); err != nil {
		return err
	}
	for _, child := range d.children {
		if err := child.resolveDependencies(); err != nil {
			return err
		}
	}

	// With every child resolved, SUBDIRS and SUBTREE can be put in their
	// final dependency order.
	if d.scope != nil {
		d.scope.Define("SUBDIRS", d.ChildDirnames())
		d.scope.Define("SUBTREE", d.CompleteSubtree())
	}
	return nil
}

func (d *Directory) dependsOnSorted() []*Directory {
	deps := make([]*Directory, 0, len(d.iDependOn))
	for dep := range d.iDependOn {
		deps = append(deps, dep)
	}
	sort.Slice(deps, func(i, j int) bool { return deps[i].dirname < deps[j].dirname })
	return deps
}

func (d *Directory) computeDependsIndex() error {
	if d.dependsIndex != 0 {
		return nil
	}
	if len(d.iDependOn) == 0 {
		d.dependsIndex = 1
		return nil
	}

	d.computing = true
	maxIndex := 0
	for _, dep := range d.dependsOnSorted() {
		if dep.computing {
			return fmt.Errorf("cycle detected in inter-directory dependencies:\n%s depends on %s", d.dirname, dep.dirname)
		}
		if err := dep.computeDependsIndex(); err != nil {
			// Report the cycle as the recursion unrolls.
			return fmt.Errorf("%w\n%s depends on %s", err, d.dirname, dep.dirname)
		}
		if dep.dependsIndex > maxIndex {
			maxIndex = dep.dependsIndex
		}
	}
	d.computing = false
	d.dependsIndex = maxIndex + 1
	return nil
}

// scanExtraDepends registers every plain file of an external header
// directory as a dependable header.  Dotfiles and the cache file itself
// are skipped.
func (d *Directory) scanExtraDepends(cacheFilename string) error {
	entries, err := os.ReadDir(d.Fullpath())
	if err != nil {
		return fmt.Errorf("unable to scan directory %s: %w", d.Fullpath(), err)
	}
	debug.Logf("Scanning external directory %s", d.Fullpath())
	for _, entry := range entries {
		name := entry.Name()
		if name == "" || name[0] == '.' || name == cacheFilename || entry.IsDir() {
			continue
		}
		d.GetDependableFile(name, true)
	}
	return nil
}

// CompleteIDependOn fills dep with every directory this one depends on,
// directly or indirectly.
func (d *Directory) CompleteIDependOn(dep map[*Directory]bool) {
	for dir := range d.iDependOn {
		if !dep[dir] {
			dep[dir] = true
			dir.CompleteIDependOn(dep)
		}
	}
}

// CompleteDependsOnMe fills dep with every directory that depends on this
// one, directly or indirectly.
func (d *Directory) CompleteDependsOnMe(dep map[*Directory]bool) {
	for dir := range d.dependsOnMe {
		if !dep[dir] {
			dep[dir] = true
			dir.CompleteDependsOnMe(dep)
		}
	}
}

// ReportDepends writes the directories this directory depends on.
func (d *Directory) ReportDepends(out *os.File) {
	if len(d.iDependOn) == 0 {
		fmt.Fprintf(out, "%s depends on no other directories.\n", d.dirname)
		return
	}
	complete := make(map[*Directory]bool)
	d.CompleteIDependOn(complete)

	fmt.Fprintf(out, "%s depends directly on the following directories:", d.dirname)
	showDirectories(out, d.iDependOn)
	fmt.Fprintf(out, "and directly or indirectly on the following directories:")
	showDirectories(out, complete)
}

// ReportReverseDepends writes the directories that depend on this one.
func (d *Directory) ReportReverseDepends(out *os.File) {
	if len(d.dependsOnMe) == 0 {
		fmt.Fprintf(out, "%s is needed by no other directories.\n", d.dirname)
		return
	}
	complete := make(map[*Directory]bool)
	d.CompleteDependsOnMe(complete)

	fmt.Fprintf(out, "%s is needed directly by the following directories:", d.dirname)
	showDirectories(out, d.dependsOnMe)
	fmt.Fprintf(out, "and directly or indirectly by the following directories:")
	showDirectories(out, complete)
}

// showDirectories writes a wrapped listing of directory names, beginning
// with a newline.
func showDirectories(out *os.File, set map[*Directory]bool) {
	dirs := make([]*Directory, 0, len(set))
	for dir := range set {
		dirs = append(dirs, dir)
	}
	sortByDependencyAndName(dirs)

	const maxCol = 72
	col := maxCol
	for _, dir := range dirs {
		col += len(dir.dirname) + 1
		if col >= maxCol {
			col = len(dir.dirname) + 2
			fmt.Fprintf(out, "\n  %s", dir.dirname)
		} else {
			fmt.Fprintf(out, " %s", dir.dirname)
		}
	}
	fmt.Fprintf(out, "\n")
}

func (d *Directory) countSourceFiles() int {
	count := 0
	if d.hasSource {
		count++
	}
	for _, child := range d.children {
		count += child.countSourceFiles()
	}
	return count
}
