package pp

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

type writeFormat int

const (
	formatCollapse writeFormat = iota // fold consecutive blank lines (default)
	formatStraight                    // write lines exactly as they come
	formatMakefile                    // fold long assignment/rule lines
)

// makefileFoldColumn is the column past which makefile-format lines fold.
const makefileFoldColumn = 72

// writeState carries the current output stream and line-folding mode.  A
// fresh copy is made when an #output block redirects the stream, so the
// mode set inside the block does not leak out.
type writeState struct {
	out       io.Writer
	format    writeFormat
	lastBlank bool
}

func newWriteState() *writeState {
	return &writeState{format: formatCollapse, lastBlank: true}
}

func (w *writeState) clone() *writeState {
	copied := *w
	return &copied
}

func (w *writeState) writeLine(ctx *Context, line string) bool {
	if w.out == nil {
		if line != "" {
			fmt.Fprintf(os.Stderr, "Ignoring: %s\n", line)
		}
		return true
	}
	switch w.format {
	case formatStraight:
		return w.emit(ctx, line)
	case formatCollapse:
		return w.writeCollapseLine(ctx, line)
	case formatMakefile:
		return w.writeMakefileLine(ctx, line)
	}
	ctx.Errorf("Unsupported write format: %d", w.format)
	return false
}

func (w *writeState) writeCollapseLine(ctx *Context, line string) bool {
	if line == "" {
		if w.lastBlank {
			return true
		}
		w.lastBlank = true
		return w.emit(ctx, "")
	}
	w.lastBlank = false
	return w.emit(ctx, line)
}

// writeMakefileLine folds long variable assignments and dependency rules:
// after `VAR =` or `TARGET :`, the column count starts at 80, so the first
// word always begins a ` \` continuation line with a three-space indent;
// words then append until the column passes 72, when another continuation
// begins.
func (w *writeState) writeMakefileLine(ctx *Context, line string) bool {
	if len(line) <= makefileFoldColumn {
		return w.writeCollapseLine(ctx, line)
	}
	w.lastBlank = false

	words := tokenizeWhitespace(line)
	if len(words) <= 2 || (words[1] != "=" && words[1] != ":") {
		// Not an assignment or rule; pass it through whole.
		return w.emit(ctx, line)
	}

	var out bytes.Buffer
	out.WriteString(words[0])
	out.WriteByte(' ')
	out.WriteString(words[1])
	col := 80
	for _, word := range words[2:] {
		col += len(word) + 1
		if col > makefileFoldColumn {
			out.WriteString(" \\\n   ")
			col = 4 + len(word)
		}
		out.WriteByte(' ')
		out.WriteString(word)
	}
	return w.emit(ctx, out.String())
}

func (w *writeState) emit(ctx *Context, line string) bool {
	if _, err := fmt.Fprintln(w.out, line); err != nil {
		ctx.Errorf("Error writing output: %v", err)
		return false
	}
	return true
}

// compareOutput decides what to do with the contents generated by an
// #output block: if the target file already holds the same bytes, it is
// left alone (its mtime bumped unless notouch); otherwise it is atomically
// replaced.  Dry-run modes only report, or show a diff.  The comparison is
// byte-exact either way, so the binary flag only records intent.
func compareOutput(ctx *Context, contents []byte, filename string, notouch, binary bool) bool {
	existing, err := os.ReadFile(filename)
	exists := err == nil
	differ := !exists || !bytes.Equal(existing, contents)

	if !differ {
		// Unchanged.  Bump the timestamp anyway so makefiles notice the
		// regeneration, unless the block asked otherwise.
		if !notouch && !ctx.DryRun {
			now := time.Now()
			if err := os.Chtimes(filename, now, now); err != nil {
				ctx.Warnf("Warning: unable to update timestamp for %s", filename)
			}
		}
		return true
	}

	if ctx.DryRun {
		if ctx.VerboseDiff && exists {
			showDiff(ctx, existing, contents, filename)
		} else {
			fmt.Fprintf(os.Stderr, "Would generate %s\n", filename)
		}
		return true
	}

	fmt.Fprintf(os.Stderr, "Generating %s\n", filename)

	tmp, err := os.CreateTemp(filepath.Dir(filename), ".pptmp-*")
	if err != nil {
		ctx.Errorf("Unable to open file %s for writing.", filename)
		return false
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(contents); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		ctx.Errorf("Unable to write to file %s", filename)
		return false
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		ctx.Errorf("Unable to write to file %s", filename)
		return false
	}
	if err := os.Rename(tmpName, filename); err != nil {
		os.Remove(tmpName)
		ctx.Errorf("Unable to replace file %s", filename)
		return false
	}
	return true
}

// showDiff writes the new contents next to the original and runs the
// system diff over the pair, for the -N verbose dry run.
func showDiff(ctx *Context, oldContents, newContents []byte, filename string) {
	tmpName := filename + ".ppd"
	if err := os.WriteFile(tmpName, newContents, 0o666); err != nil {
		ctx.Errorf("Unable to open temporary file %s for writing.", tmpName)
		return
	}
	defer os.Remove(tmpName)

	cmd := exec.Command("diff", "-ub", filename, tmpName)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			ctx.Errorf("Unable to invoke diff")
		}
	}
}
