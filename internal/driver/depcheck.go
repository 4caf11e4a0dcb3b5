package driver

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/ppbuild/ppremake/internal/debug"
	"github.com/ppbuild/ppremake/internal/tree"
)

// CheckDependencies reads a dependency cache file and reports whether it
// is still current.  This backs the -D flag: when every recorded source
// file still matches its cache line, ppremake can exit without doing any
// work.
func CheckDependencies(depFilename string) bool {
	dirPrefix := ""
	if slash := strings.LastIndexByte(depFilename, '/'); slash >= 0 {
		dirPrefix = depFilename[:slash+1]
	}

	in, err := os.Open(depFilename)
	if err != nil {
		// No cache file at all; definitely stale.
		return false
	}
	defer in.Close()
	debug.Logf("Reading (chk) %q", depFilename)

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		words := strings.Fields(scanner.Text())
		if len(words) < 2 {
			return false
		}
		if !checkOneFile(dirPrefix, words) {
			return false
		}
	}
	return scanner.Err() == nil
}

// checkOneFile verifies a single cache line: the source file must exist
// and either carry the recorded mtime or still name the same set of
// includes.
func checkOneFile(dirPrefix string, words []string) bool {
	pathname := dirPrefix + words[0]
	mtime, err := strconv.ParseInt(words[1], 10, 64)
	if err != nil {
		return false
	}

	info, statErr := os.Stat(pathname)
	if statErr != nil {
		return false
	}
	if info.ModTime().Unix() == mtime {
		return true
	}

	// The timestamp changed; the includes may not have.  Compare the
	// recorded names against a fresh scan.
	expected := make(map[string]bool)
	for _, word := range words[2:] {
		slash := strings.LastIndexByte(word, '/')
		if slash < 0 {
			// Every recorded dependency carries a slash.
			return false
		}
		expected[word[slash+1:]] = true
	}

	in, err := os.Open(pathname)
	if err != nil {
		return false
	}
	defer in.Close()
	debug.Logf("Reading (one) %q", pathname)

	found := make(map[string]bool)
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		filename := tree.ExtractInclude(scanner.Text())
		if filename != "" && !strings.ContainsRune(filename, '/') {
			found[filename] = true
		}
	}
	if scanner.Err() != nil {
		return false
	}

	if len(expected) != len(found) {
		return false
	}
	for name := range expected {
		if !found[name] {
			return false
		}
	}
	return true
}
