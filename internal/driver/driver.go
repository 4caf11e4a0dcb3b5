// Package driver wires the pieces of ppremake together: it discovers the
// source tree, runs the package/global/source/depends passes, and expands
// each directory's template in tree order: a directory before its
// subdirectories, siblings in scan order.  The processing order does not
// follow the directories' dependency indexes.
package driver

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ppbuild/ppremake/internal/config"
	"github.com/ppbuild/ppremake/internal/debug"
	"github.com/ppbuild/ppremake/internal/pp"
	"github.com/ppbuild/ppremake/internal/tree"
	"github.com/ppbuild/ppremake/internal/version"
)

const (
	// PackageFilename marks the root of the source tree.
	PackageFilename = "Package.pp"

	// SourceFilename is the per-directory build description.
	SourceFilename = "Sources.pp"
)

// DefaultInstallDir is the compiled-in default for $[INSTALL_DIR]; it may
// be overridden at build time with -ldflags.
var DefaultInstallDir = "/usr/local/ppremake"

// Options carries the CLI and config settings a run needs.
type Options struct {
	Platform      string
	UserConfig    string
	GotUserConfig bool

	DryRun      bool
	VerboseDiff bool

	ReportDepends        bool
	ReportReverseDepends bool

	CacheMaxAge time.Duration
	Suggestions bool

	Histogram *debug.ExpandHistogram
}

// Main drives one complete ppremake run.
type Main struct {
	opts Options

	ctx         *pp.Context
	globalScope *pp.Scope
	defScope    *pp.Scope
	tree        *tree.Tree

	root          string
	originalDir   string
	cacheFilename string

	watchPaths []string
}

// New seeds the global scope and prepares a run.
func New(opts Options) *Main {
	ctx := pp.NewContext()
	ctx.DryRun = opts.DryRun
	ctx.VerboseDiff = opts.VerboseDiff
	ctx.Suggestions = opts.Suggestions
	ctx.Histogram = opts.Histogram

	global := pp.NewScope(ctx)
	global.Define("PPREMAKE", version.Package)
	global.Define("PPREMAKE_VERSION", version.Version)
	global.Define("PLATFORM", opts.Platform)
	global.Define("PACKAGE_FILENAME", PackageFilename)
	global.Define("SOURCE_FILENAME", SourceFilename)
	global.Define("INSTALL_DIR", DefaultInstallDir)
	if opts.GotUserConfig {
		global.Define("PPREMAKE_CONFIG", opts.UserConfig)
	}

	// Literal special characters, so .pp files can write them without
	// fighting the syntax.
	global.Define("TAB", "\t")
	global.Define("SPACE", " ")
	global.Define("DOLLAR", "$")
	global.Define("HASH", "#")

	ctx.PushScope(global)

	m := &Main{opts: opts, ctx: ctx, globalScope: global}
	if cwd, err := os.Getwd(); err == nil {
		m.originalDir = filepath.Base(cwd)
	}
	return m
}

// Context exposes the engine context, mainly so callers can test the error
// flag.
func (m *Main) Context() *pp.Context {
	return m.ctx
}

// WatchPaths lists the files whose changes should trigger a watch-mode
// re-run: the package file, every Sources.pp, and the configured global,
// template, and depends files.
func (m *Main) WatchPaths() []string {
	return m.watchPaths
}

// ReadSource locates the source tree starting at the given directory,
// enters its root, and runs all the scan passes.
func (m *Main) ReadSource(start string) error {
	rootDir, err := findRoot(start)
	if err != nil {
		return err
	}
	if err := os.Chdir(rootDir); err != nil {
		return fmt.Errorf("chdir: %w", err)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getcwd: %w", err)
	}
	m.root = cwd
	fmt.Fprintf(os.Stderr, "Root is %s\n", m.root)

	m.tree = tree.New(m.ctx, SourceFilename)
	m.tree.SetFullpath(m.root)

	m.defScope = pp.NewScope(m.ctx)
	m.defScope.Define("PACKAGEFILE", filepath.Join(m.root, PackageFilename))
	m.defScope.Define("TOPDIR", m.root)
	m.defScope.Define("DEPENDABLE_HEADER_DIRS", "")

	defs := pp.NewCommandFile(m.defScope)
	if !defs.ReadFile(PackageFilename) {
		return fmt.Errorf("error reading %s", PackageFilename)
	}
	m.watchPaths = append(m.watchPaths, filepath.Join(m.root, PackageFilename))

	// System.pp is expected to have set the *_PLATFORM predicates.
	unixPlatform := m.defScope.ExpandString("$[UNIX_PLATFORM]") != ""
	windowsPlatform := m.defScope.ExpandString("$[WINDOWS_PLATFORM]") != ""
	debug.Logf("Platform predicates: unix=%v windows=%v", unixPlatform, windowsPlatform)

	m.ctx.PushScope(m.defScope)

	if err := m.tree.ScanSource(); err != nil {
		return err
	}
	m.defScope.Define("TREE", m.tree.CompleteTree())

	if m.tree.CountSourceFiles() == 0 {
		return fmt.Errorf("could not find any source definition files named %s", SourceFilename)
	}
	fmt.Fprintf(os.Stderr, "Read %d %s files.\n", m.tree.CountSourceFiles(), SourceFilename)

	if err := m.readGlobalFile(); err != nil {
		return err
	}

	if err := m.tree.ScanDepends(); err != nil {
		return err
	}

	m.cacheFilename = m.defScope.ExpandVariable("DEPENDENCY_CACHE_FILENAME")
	headerDirs := m.defScope.ExpandVariable("DEPENDABLE_HEADER_DIRS")
	if err := m.tree.ScanExtraDepends(headerDirs, m.cacheFilename); err != nil {
		return err
	}

	m.ctx.DependenciesFn = m.tree.DependenciesFor
	m.collectWatchPaths()
	return nil
}

func (m *Main) readGlobalFile() error {
	globalFilename := m.defScope.ExpandVariable("GLOBAL_FILE")
	if globalFilename == "" {
		return fmt.Errorf("no definition given for $[GLOBAL_FILE], cannot process")
	}
	global := pp.NewCommandFile(m.defScope)
	if !global.ReadFile(globalFilename) {
		return fmt.Errorf("error reading global definition file %s", globalFilename)
	}
	m.watchPaths = append(m.watchPaths, globalFilename)
	return nil
}

func (m *Main) collectWatchPaths() {
	var walk func(d *tree.Directory)
	walk = func(d *tree.Directory) {
		if d.HasSource() {
			m.watchPaths = append(m.watchPaths, filepath.Join(m.root, d.Path(), SourceFilename))
		}
		for _, child := range d.Children() {
			walk(child)
		}
	}
	walk(m.tree.Root())

	for _, varname := range []string{"DEPENDS_FILE", "TEMPLATE_FILE"} {
		if filename := m.defScope.ExpandVariable(varname); filename != "" {
			m.watchPaths = append(m.watchPaths, filename)
		}
	}
}

// ProcessAll generates output for every directory, in tree order.
func (m *Main) ProcessAll() error {
	m.loadCache()
	if err := m.processDir(m.tree.Root()); err != nil {
		return err
	}
	m.saveCache()
	return nil
}

// Process generates output for one named directory.  "." maps to the
// basename of the directory ppremake was started from.
func (m *Main) Process(dirname string) error {
	m.loadCache()

	if dirname == "." {
		dirname = m.originalDir
	}
	dir := m.tree.FindDirname(dirname)
	if dir == nil {
		return fmt.Errorf("unknown directory: %s", dirname)
	}
	if !dir.HasSource() {
		return fmt.Errorf("no source file in %s", dirname)
	}
	if err := m.pProcess(dir); err != nil {
		return err
	}
	m.saveCache()
	return nil
}

func (m *Main) loadCache() {
	if m.cacheFilename == "" {
		m.ctx.Warnf("Warning: no definition given for $[DEPENDENCY_CACHE_FILENAME].")
		return
	}
	m.tree.ReadFileDependencies(m.cacheFilename, m.opts.CacheMaxAge)
}

func (m *Main) saveCache() {
	if m.cacheFilename == "" {
		return
	}
	m.tree.UpdateFileDependencies(m.cacheFilename, m.opts.DryRun)
}

func (m *Main) processDir(dir *tree.Directory) error {
	if dir.HasSource() {
		if err := m.pProcess(dir); err != nil {
			return err
		}
	}
	for _, child := range dir.Children() {
		if err := m.processDir(child); err != nil {
			return err
		}
	}
	return nil
}

// pProcess expands the template file with the directory's scope current.
// The current output directory is restored on every exit path.
func (m *Main) pProcess(dir *tree.Directory) error {
	saved := m.ctx.CurrentOutput
	defer func() { m.ctx.CurrentOutput = saved }()

	m.ctx.CurrentOutput = dir
	m.ctx.Named.SetCurrent(dir.Dirname())

	scope := dir.Scope()
	templateFilename := scope.ExpandVariable("TEMPLATE_FILE")
	if templateFilename == "" {
		return fmt.Errorf("no definition given for $[TEMPLATE_FILE], cannot process")
	}

	template := pp.NewCommandFile(scope)
	if !template.ReadFile(templateFilename) {
		return fmt.Errorf("error reading template file %s", templateFilename)
	}
	return nil
}

// ReportDepends writes the directories the named directory depends on.
func (m *Main) ReportDepends(dirname string) {
	dir := m.tree.FindDirname(dirname)
	if dir == nil {
		m.ctx.Errorf("Unknown directory: %s", dirname)
		return
	}
	dir.ReportDepends(os.Stderr)
}

// ReportReverseDepends writes the directories that depend on the named
// directory.
func (m *Main) ReportReverseDepends(dirname string) {
	dir := m.tree.FindDirname(dirname)
	if dir == nil {
		m.ctx.Errorf("Unknown directory: %s", dirname)
		return
	}
	dir.ReportReverseDepends(os.Stderr)
}

// findRoot walks up from start while a Sources.pp keeps appearing, until a
// Package.pp marks the tree root.  The two failure modes get distinct
// diagnostics.
func findRoot(start string) (string, error) {
	trydir := start
	anySourceFound := false
	for {
		if _, err := os.Stat(filepath.Join(trydir, PackageFilename)); err == nil {
			return trydir, nil
		}
		if _, err := os.Stat(filepath.Join(trydir, SourceFilename)); err != nil {
			if !anySourceFound {
				return "", fmt.Errorf(
					"could not find ppremake source file %s.\n\n"+
						"This file should be present at each level of the source directory tree;\n"+
						"it defines how each directory should be processed by ppremake.",
					SourceFilename)
			}
			return "", fmt.Errorf(
				"could not find ppremake package file %s.\n\n"+
					"This file should be present in the top of the source directory tree;\n"+
					"it defines implementation-specific variables to control the output\n"+
					"of ppremake, as well as pointing out the installed location of\n"+
					"important ppremake config files.",
				PackageFilename)
		}
		anySourceFound = true
		trydir = filepath.Join(trydir, "..")
	}
}

// LoadConfig reads the tool configuration from the prospective tree root.
func LoadConfig(start string) (*config.Config, error) {
	rootDir, err := findRoot(start)
	if err != nil {
		// Configuration is optional; discovery errors surface later with
		// better context.
		return config.Default(), nil
	}
	return config.Load(rootDir)
}
