package pp

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/ppbuild/ppremake/pkg/pathutil"
)

// expandIsFullpath returns its input iff it is a fully-specified pathname.
func (s *Scope) expandIsFullpath(params string) string {
	filename := trimBlanks(s.ExpandString(params))
	if pathutil.IsFullPath(filename) {
		return filename
	}
	return ""
}

func (s *Scope) expandOSFilename(params string) string {
	words := tokenizeWhitespace(s.ExpandString(params))
	for i, word := range words {
		words[i] = pathutil.OSFilename(word)
	}
	return repaste(words, " ")
}

func (s *Scope) expandUnixFilename(params string) string {
	words := tokenizeWhitespace(s.ExpandString(params))
	for i, word := range words {
		words[i] = pathutil.UnixFilename(word)
	}
	return repaste(words, " ")
}

// expandUnixShortname accepts a single filename, which may contain embedded
// spaces, and converts it to slash-separated form.
func (s *Scope) expandUnixShortname(params string) string {
	return pathutil.UnixFilename(trimBlanks(params))
}

// globString expands the words of str as shell glob patterns relative to
// THISDIRPREFIX, returning the sorted matches.
func (s *Scope) globString(str string) []string {
	dirname := trimBlanks(s.ExpandVariable("THISDIRPREFIX"))
	var results []string
	for _, word := range tokenizeWhitespace(str) {
		results = append(results, pathutil.Glob(dirname, word)...)
	}
	sort.Strings(results)
	return results
}

func (s *Scope) expandWildcard(params string) string {
	return repaste(s.globString(s.ExpandString(params)), " ")
}

// expandIsDir globs its argument and returns the first match if it is a
// directory, else empty.
func (s *Scope) expandIsDir(params string) string {
	results := s.globString(s.ExpandString(params))
	if len(results) == 0 {
		return ""
	}
	dirname := trimBlanks(s.ExpandVariable("THISDIRPREFIX"))
	if info, err := os.Stat(filepath.Join(dirname, results[0])); err == nil && info.IsDir() {
		return results[0]
	}
	return ""
}

// expandIsFile globs its argument and returns the first match if it is a
// regular file, else empty.
func (s *Scope) expandIsFile(params string) string {
	results := s.globString(s.ExpandString(params))
	if len(results) == 0 {
		return ""
	}
	dirname := trimBlanks(s.ExpandVariable("THISDIRPREFIX"))
	if info, err := os.Stat(filepath.Join(dirname, results[0])); err == nil && info.Mode().IsRegular() {
		return results[0]
	}
	return ""
}

// expandLibtest searches the given directories, plus the usual system
// places, for a library by the given name.  A poor man's autoconf.
func (s *Scope) expandLibtest(params string) string {
	tokens := s.tokenizeParams(params, true)
	if len(tokens) != 2 {
		s.ctx.Errorf("libtest requires two parameters.")
		return ""
	}

	dirs := tokenizeWhitespace(tokens[0])
	if ldPath := os.Getenv("LD_LIBRARY_PATH"); ldPath != "" {
		dirs = append(dirs, strings.Split(ldPath, ":")...)
	}
	dirs = append(dirs, "/lib", "/usr/lib")

	libnames := tokenizeWhitespace(tokens[1])
	if len(libnames) == 0 {
		return ""
	}

	// Only the first library name in the list is searched for.
	name := libnames[0]
	extensions := []string{".a", ".so"}
	if runtime.GOOS == "darwin" {
		extensions = append(extensions, ".dylib")
	}
	for _, ext := range extensions {
		if found := pathutil.SearchPath("lib"+name+ext, dirs); found != "" {
			return found
		}
	}
	return ""
}

// expandBintest searches $PATH for an executable by the given name, unless
// the name is already fully qualified.
func (s *Scope) expandBintest(params string) string {
	binname := trimBlanks(s.ExpandString(params))
	if binname == "" {
		return ""
	}
	if pathutil.IsFullPath(binname) {
		if _, err := os.Stat(binname); err == nil {
			return binname
		}
		return ""
	}
	found, err := exec.LookPath(binname)
	if err != nil {
		return ""
	}
	return pathutil.UnixFilename(found)
}

// expandShell runs the command under /bin/sh in THISDIRPREFIX, captures its
// standard output, and collapses whitespace runs to single spaces.  A
// non-zero exit is not an error; stderr passes through to the user.
func (s *Scope) expandShell(params string) string {
	dirname := trimBlanks(s.ExpandVariable("THISDIRPREFIX"))
	command := s.ExpandString(params)

	cmd := exec.Command("/bin/sh", "-c", command)
	if dirname != "" {
		cmd.Dir = dirname
	}
	cmd.Stderr = os.Stderr
	output, err := cmd.Output()
	if err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			s.ctx.Warnf("shell: %v", err)
			return ""
		}
	}
	return repaste(tokenizeWhitespace(string(output)), " ")
}

func (s *Scope) expandStandardize(params string) string {
	filename := trimBlanks(s.ExpandString(params))
	if filename == "" {
		return ""
	}
	return pathutil.Standardize(filename)
}

func (s *Scope) expandCanonical(params string) string {
	return pathutil.Canonical(trimBlanks(s.ExpandString(params)))
}

// expandDir returns the directory part of each word, including the
// trailing slash, or ./ for words with no slash.
func (s *Scope) expandDir(params string) string {
	words := tokenizeWhitespace(s.ExpandString(params))
	for i, word := range words {
		if slash := strings.LastIndexByte(word, '/'); slash >= 0 {
			words[i] = word[:slash+1]
		} else {
			words[i] = "./"
		}
	}
	return repaste(words, " ")
}

// expandNotdir returns everything following the rightmost slash of each
// word.
func (s *Scope) expandNotdir(params string) string {
	words := tokenizeWhitespace(s.ExpandString(params))
	for i, word := range words {
		if slash := strings.LastIndexByte(word, '/'); slash >= 0 {
			words[i] = word[slash+1:]
		}
	}
	return repaste(words, " ")
}

// expandSuffix returns each word's filename extension, including the dot.
func (s *Scope) expandSuffix(params string) string {
	words := tokenizeWhitespace(s.ExpandString(params))
	for i, word := range words {
		words[i] = ""
		if dot := strings.LastIndexByte(word, '.'); dot >= 0 {
			ext := word[dot:]
			if !strings.ContainsRune(ext, '/') {
				words[i] = ext
			}
		}
	}
	return repaste(words, " ")
}

// expandBasename returns each word stripped of its filename extension.
func (s *Scope) expandBasename(params string) string {
	words := tokenizeWhitespace(s.ExpandString(params))
	for i, word := range words {
		if dot := strings.LastIndexByte(word, '.'); dot >= 0 {
			if !strings.ContainsRune(word[dot:], '/') {
				words[i] = word[:dot]
			}
		}
	}
	return repaste(words, " ")
}

// expandMakeguid returns a deterministic GUID derived from the expanded
// argument, in the form XXXXXXXX-XXXX-XXXX-XXXX-XXXXXXXXXXXX.
func (s *Scope) expandMakeguid(params string) string {
	expansion := trimBlanks(s.ExpandString(params))
	if expansion == "" {
		s.ctx.Errorf("makeguid requires an argument.")
		return ""
	}
	guid := uuid.NewMD5(uuid.Nil, []byte(expansion))
	return strings.ToUpper(guid.String())
}
