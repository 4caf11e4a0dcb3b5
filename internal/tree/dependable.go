package tree

import (
	"bufio"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/ppbuild/ppremake/internal/debug"
)

// okcircularMarker is the sentinel comment that, placed on the line before
// an #include, declares the resulting dependency edge an acceptable
// circularity.
const okcircularMarker = "/* okcircular */"

// dependency is one edge of the include graph.
type dependency struct {
	file       *DependableFile
	okcircular bool
}

// DependableFile is one C/C++-style source or header whose #include
// dependencies are tracked.  The dependency list is computed lazily: from
// the per-directory cache when it validates, from a fresh scan otherwise.
type DependableFile struct {
	directory *Directory
	filename  string

	mtime   int64
	statted bool
	exists  bool

	dependencies  []dependency
	extraIncludes []string

	updating  bool
	examined  bool
	fromCache bool
	badCache  bool

	circularity string
}

// Directory returns the directory the file lives in.
func (f *DependableFile) Directory() *Directory {
	return f.directory
}

// Filename returns the file's local name within its directory.
func (f *DependableFile) Filename() string {
	return f.filename
}

// Pathname returns the path relative to the tree root.
func (f *DependableFile) Pathname() string {
	return f.directory.Path() + "/" + f.filename
}

// Fullpath returns the absolute path.
func (f *DependableFile) Fullpath() string {
	return f.directory.Fullpath() + "/" + f.filename
}

// Dirpath returns the abbreviated dirname/filename form used in cache
// files.
func (f *DependableFile) Dirpath() string {
	return f.directory.Dirname() + "/" + f.filename
}

// Exists reports whether the file is present on disk.
func (f *DependableFile) Exists() bool {
	f.stat()
	return f.exists
}

// Mtime returns the file's modification time, in unix seconds.
func (f *DependableFile) Mtime() int64 {
	f.stat()
	return f.mtime
}

// WasExamined reports whether anyone asked this file for its dependency
// list this run.
func (f *DependableFile) WasExamined() bool {
	return f.examined
}

// WasCached reports whether the dependency list was preserved from a
// still-valid cache entry.
func (f *DependableFile) WasCached() bool {
	return f.fromCache
}

// IsCircularity reports whether this file participates in an unmarked
// circular include chain.
func (f *DependableFile) IsCircularity() bool {
	f.UpdateDependencies()
	return f.circularity != ""
}

// Circularity describes the circular chain, when IsCircularity is true.
func (f *DependableFile) Circularity() string {
	f.UpdateDependencies()
	return f.circularity
}

// UpdateFromCache accepts a cache-file line (already split into words) and
// adopts the recorded dependencies if the file's modification time still
// matches.  Returns false when the entry is provably bad, which discards
// the whole directory's cache.
func (f *DependableFile) UpdateFromCache(words []string) bool {
	if !f.Exists() {
		f.badCache = true
		return false
	}

	mtime, err := strconv.ParseInt(words[1], 10, 64)
	if err != nil {
		f.badCache = true
		return false
	}
	if mtime != f.Mtime() {
		// Stale entry; a fresh scan will happen on demand.
		return true
	}

	f.dependencies = nil
	f.extraIncludes = nil
	for _, word := range words[2:] {
		dep := dependency{}
		if strings.HasPrefix(word, "/") {
			dep.okcircular = true
			word = word[1:]
		}
		if strings.HasPrefix(word, "*/") {
			f.extraIncludes = append(f.extraIncludes, word[2:])
			continue
		}
		dep.file = f.directory.tree.GetDependableFileByDirpath(word)
		if dep.file != nil {
			f.dependencies = append(f.dependencies, dep)
		}
	}
	f.fromCache = true
	f.sortDependencies()
	return true
}

// ClearCache forgets a cache entry that turned out to be suspect.
func (f *DependableFile) ClearCache() {
	f.dependencies = nil
	f.extraIncludes = nil
	f.fromCache = false
	f.badCache = false
}

// WriteCache emits the file's cache line.
func (f *DependableFile) WriteCache(out *bufio.Writer) {
	out.WriteString(f.filename)
	out.WriteByte(' ')
	out.WriteString(strconv.FormatInt(f.Mtime(), 10))

	for _, dep := range f.dependencies {
		out.WriteByte(' ')
		if dep.okcircular {
			out.WriteByte('/')
		}
		if dep.file.directory.external != f.directory.external {
			out.WriteByte('+')
		}
		out.WriteString(dep.file.Dirpath())
	}
	for _, extra := range f.extraIncludes {
		out.WriteString(" */")
		out.WriteString(extra)
	}
	out.WriteByte('\n')
}

// CompleteDependencies appends the transitive dependency closure, sorted
// by pathname, without duplicates.
func (f *DependableFile) CompleteDependencies(files *[]*DependableFile) {
	set := make(map[*DependableFile]bool)
	f.completeDependencies(set)
	for file := range set {
		*files = append(*files, file)
	}
	sort.Slice(*files, func(i, j int) bool {
		return (*files)[i].Pathname() < (*files)[j].Pathname()
	})
}

func (f *DependableFile) completeDependencies(files map[*DependableFile]bool) {
	f.UpdateDependencies()
	for _, dep := range f.dependencies {
		if !files[dep.file] {
			files[dep.file] = true
			dep.file.completeDependencies(files)
		}
	}
}

// UpdateDependencies computes the dependency list if it has not been
// computed already.
func (f *DependableFile) UpdateDependencies() {
	if f.examined {
		return
	}
	var circularity string
	f.computeDependencies(&circularity)
}

// computeDependencies scans the file (or adopts its cache) and recursively
// expands the files it depends on, detecting circular include chains.  If
// a circularity is found the offending file is returned while the chain
// description accumulates in circularity.
func (f *DependableFile) computeDependencies(circularity *string) *DependableFile {
	if f.examined {
		return nil
	}
	if f.updating {
		// A circular dependency: this file is still in the middle of its
		// own computation somewhere up the call chain.
		*circularity = f.Dirpath()
		return f
	}
	f.updating = true

	if !f.fromCache {
		f.scanIncludes()
	}

	var circ *DependableFile
	for _, dep := range f.dependencies {
		if circ != nil {
			break
		}
		// Edges the user marked okcircular are not followed.
		if dep.okcircular {
			continue
		}
		circ = dep.file.computeDependencies(circularity)
		if dep.file.badCache {
			// A broken cache below makes this file's own cache suspect.
			f.badCache = true
		}
		if circ != nil {
			*circularity = f.Dirpath() + " => " + *circularity
			if circ == f {
				f.circularity = *circularity
			}
		}
	}

	f.updating = false
	f.examined = true
	f.sortDependencies()

	if f.badCache && f.fromCache {
		// The cached dependency list can't be trusted; rescan from the
		// file itself.
		debug.Logf("Dependency cache for %q is suspect.", f.Fullpath())
		f.ClearCache()
		f.examined = false
		return f.computeDependencies(circularity)
	}

	return circ
}

// scanIncludes reads the file line by line for #include directives,
// resolving bare names through the tree's header index and recording the
// rest as extra includes.
func (f *DependableFile) scanIncludes() {
	in, err := os.Open(f.Fullpath())
	if err != nil {
		if f.Exists() {
			f.directory.tree.ctx.Warnf("Warning: dependent file %s exists but cannot be read.", f.Fullpath())
		} else {
			f.directory.tree.ctx.Warnf("Warning: dependent file %s does not exist.", f.Fullpath())
			f.badCache = true
		}
		return
	}
	defer in.Close()
	debug.Logf("Reading (dep) %q", f.Fullpath())

	tree := f.directory.tree
	okcircular := false
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, okcircularMarker) {
			okcircular = true
			continue
		}
		filename := ExtractInclude(line)
		if filename != "" && !strings.ContainsRune(filename, '/') {
			if file := tree.FindDependableFile(filename); file != nil {
				f.dependencies = append(f.dependencies, dependency{file: file, okcircular: okcircular})
			} else {
				// An include from outside the tree; remembered only so
				// cache staleness can be judged later.
				f.extraIncludes = append(f.extraIncludes, filename)
			}
		}
		okcircular = false
	}
}

// sortDependencies keeps the edge list in a consistent order with no
// duplicates, so generated makefiles do not churn between sessions.
func (f *DependableFile) sortDependencies() {
	sort.Slice(f.dependencies, func(i, j int) bool {
		return f.dependencies[i].file.Pathname() < f.dependencies[j].file.Pathname()
	})
	out := f.dependencies[:0]
	var last *DependableFile
	for _, dep := range f.dependencies {
		if dep.file != last {
			out = append(out, dep)
		}
		last = dep.file
	}
	f.dependencies = out
}

func (f *DependableFile) stat() {
	if f.statted {
		return
	}
	f.statted = true
	info, err := os.Stat(f.Fullpath())
	if err != nil || !info.Mode().IsRegular() {
		return
	}
	f.exists = true
	f.mtime = info.ModTime().Unix()
}

// ExtractInclude returns the filename named by an #include "..." or
// #include <...> line, or empty if the line is no such directive.
func ExtractInclude(line string) string {
	p := 0
	for p < len(line) && (line[p] == ' ' || line[p] == '\t') {
		p++
	}
	if p >= len(line) || line[p] != '#' {
		return ""
	}
	p++
	for p < len(line) && (line[p] == ' ' || line[p] == '\t') {
		p++
	}
	if !strings.HasPrefix(line[p:], "include") {
		return ""
	}
	p += len("include")
	for p < len(line) && (line[p] == ' ' || line[p] == '\t') {
		p++
	}
	if p >= len(line) {
		return ""
	}

	var closer byte
	switch line[p] {
	case '"':
		closer = '"'
	case '<':
		closer = '>'
	default:
		return ""
	}
	p++
	end := strings.IndexByte(line[p:], closer)
	if end < 0 {
		return ""
	}
	return line[p : p+end]
}
