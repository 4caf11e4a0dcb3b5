package tree

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ppbuild/ppremake/internal/debug"
)

// DefaultCacheMaxAge is how old a dependency cache file may be before it is
// distrusted outright.  The age guard papers over clock skew on networked
// filesystems; it can be changed or disabled via configuration.
const DefaultCacheMaxAge = 60 * time.Minute

// ReadFileDependencies loads the per-directory dependency caches, so the
// include graph is known up front without rescanning every source file.
// maxAge of zero disables the staleness guard.
func (t *Tree) ReadFileDependencies(cacheFilename string, maxAge time.Duration) {
	t.eachDirectory(func(d *Directory) {
		d.readFileDependencies(cacheFilename, maxAge)
	})
}

func (d *Directory) readFileDependencies(cacheFilename string, maxAge time.Duration) {
	cachePathname := filepath.Join(d.Fullpath(), cacheFilename)

	info, err := os.Stat(cachePathname)
	if err != nil {
		debug.Logf("No cache file: %q", cachePathname)
		return
	}
	if maxAge > 0 && time.Since(info.ModTime()) > maxAge {
		debug.Logf("Cache file too old: %q", cachePathname)
		return
	}

	in, err := os.Open(cachePathname)
	if err != nil {
		d.tree.ctx.Warnf("Couldn't read %q", cachePathname)
		return
	}
	defer in.Close()
	debug.Logf("Loading cache %q", cachePathname)

	okcache := true
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		words := strings.Fields(scanner.Text())
		if len(words) < 2 {
			continue
		}
		file := d.GetDependableFile(words[0], false)
		if !file.UpdateFromCache(words) {
			// The cache names a missing or unreadable file.  Discard the
			// whole directory's cache, and drop the phantom entry.
			delete(d.dependables, words[0])
			okcache = false
			break
		}
	}

	if !okcache {
		debug.Logf("Cache %q is stale.", cachePathname)
		for _, file := range d.dependables {
			file.ClearCache()
		}
	}
}

// UpdateFileDependencies rewrites the per-directory dependency caches at
// the end of the run.  In dry-run mode only circularities are reported.
func (t *Tree) UpdateFileDependencies(cacheFilename string, dryRun bool) {
	if dryRun {
		t.ReportCircularities()
		return
	}
	t.eachDirectory(func(d *Directory) {
		d.updateFileDependencies(cacheFilename)
	})
}

func (d *Directory) sortedDependables() []*DependableFile {
	files := make([]*DependableFile, 0, len(d.dependables))
	for _, file := range d.dependables {
		files = append(files, file)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].filename < files[j].filename })
	return files
}

func (d *Directory) updateFileDependencies(cacheFilename string) {
	cachePathname := filepath.Join(d.Fullpath(), cacheFilename)
	os.Remove(cachePathname)

	// External directories keep faithfully-preserved cache entries even
	// when nothing asked about them this run; in-tree directories write
	// only what was examined.
	var files []*DependableFile
	for _, file := range d.sortedDependables() {
		if file.WasExamined() || (d.external && file.WasCached()) {
			files = append(files, file)
		}
	}
	if len(files) == 0 {
		return
	}

	out, err := os.Create(cachePathname)
	if err != nil {
		d.tree.ctx.Warnf("Cannot update cache dependency file %s", cachePathname)
		return
	}
	debug.Logf("Rewriting cache %q", cachePathname)

	w := bufio.NewWriter(out)
	for _, file := range files {
		if file.IsCircularity() {
			d.tree.ctx.Warnf("Warning: circular #include directives:\n  %s", file.Circularity())
		}
		file.WriteCache(w)
	}
	w.Flush()
	out.Close()
}
