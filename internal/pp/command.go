package pp

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/hbollon/go-edlib"

	"github.com/ppbuild/ppremake/internal/debug"
)

const (
	commandPrefix = '#'
	beginComment  = "//"
)

type ifState int

const (
	ifOn   ifState = iota // a passed #if
	ifElse                // after the #else of a failed #if
	ifOff                 // a failed #if
	ifDone                // after the #else or #elif of a passed #if
)

type ifNesting struct {
	state ifState
	block *blockNesting
	next  *ifNesting
}

type blockState int

const (
	blockBegin blockState = iota
	blockWhile
	blockNestedWhile
	blockFor
	blockNestedFor
	blockForscopes
	blockNestedForscopes
	blockForeach
	blockNestedForeach
	blockFormap
	blockNestedFormap
	blockDefsub
	blockDefun
	blockOutput
)

type blockNesting struct {
	state  blockState
	name   string
	ifSave *ifNesting
	wsSave *writeState
	scope  *Scope
	params string
	output bytes.Buffer
	words  []string
	flags  int
	next   *blockNesting
}

const (
	outputNotouch = 1 << iota
	outputBinary
)

func (n *ifNesting) push(f *CommandFile) {
	n.block = f.blockNest
	n.next = f.ifNest
	f.ifNest = n
}

func (n *ifNesting) pop(f *CommandFile) {
	f.ifNest = n.next
}

func (n *blockNesting) push(f *CommandFile) {
	n.ifSave = f.ifNest
	n.wsSave = f.write
	n.scope = f.scope
	n.next = f.blockNest
	f.blockNest = n
}

func (n *blockNesting) pop(f *CommandFile) {
	if f.write != n.wsSave {
		f.write = n.wsSave
	}
	f.scope = n.scope
	f.blockNest = n.next
}

// CommandFile interprets a stream of .pp source lines: # directives are
// dispatched, $[...] references are expanded, and the remaining text is
// written to the current output.
type CommandFile struct {
	ctx         *Context
	nativeScope *Scope
	scope       *Scope
	write       *writeState

	gotCommand bool
	inFor      bool
	command    string
	params     string

	ifNest     *ifNesting
	blockNest  *blockNesting
	savedLines []string
}

// NewCommandFile creates a command file bound to the given scope.
func NewCommandFile(scope *Scope) *CommandFile {
	return &CommandFile{
		ctx:         scope.Context(),
		nativeScope: scope,
		scope:       scope,
		write:       newWriteState(),
	}
}

// SetOutput changes the stream that plain text is written to when no
// #output block is open.
func (f *CommandFile) SetOutput(out io.Writer) {
	f.write.out = out
}

// SetScope rebinds the command file to a different scope.
func (f *CommandFile) SetScope(scope *Scope) {
	f.nativeScope = scope
	f.scope = scope
}

// Scope returns the command file's current scope, which changes as #begin
// blocks open and close.
func (f *CommandFile) Scope() *Scope {
	return f.scope
}

// ReadFile reads and processes the named file.
func (f *CommandFile) ReadFile(filename string) bool {
	in, err := os.Open(filename)
	if err != nil {
		f.ctx.Errorf("Unable to open %s.", filename)
		return false
	}
	defer in.Close()
	debug.Logf("Reading (cmd) %q", filename)
	return f.ReadStream(in, filename)
}

// ReadStream processes each line of the stream, with THISFILENAME and
// THISDIRPREFIX set to the given filename for the duration.
func (f *CommandFile) ReadStream(in io.Reader, filename string) bool {
	restore := pushFilename(f.scope, filename)
	defer restore()
	return f.readStream(in)
}

func (f *CommandFile) readStream(in io.Reader) bool {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	f.BeginRead()
	for scanner.Scan() {
		if !f.ReadLine(scanner.Text()) {
			return false
		}
	}
	if err := scanner.Err(); err != nil {
		f.ctx.Errorf("Error reading input: %v", err)
		return false
	}
	return f.EndRead()
}

// BeginRead resets to beginning-of-stream state ahead of ReadLine calls.
func (f *CommandFile) BeginRead() {
}

// ReadLine processes a single source line.
func (f *CommandFile) ReadLine(line string) bool {
	// Strip any trailing comment.  Only comments preceded by whitespace,
	// or starting the line, are recognized.
	comment := strings.Index(line, beginComment)
	for comment > 0 && !isspace(line[comment-1]) {
		next := strings.Index(line[comment+len(beginComment):], beginComment)
		if next < 0 {
			comment = -1
			break
		}
		comment += len(beginComment) + next
	}

	if comment >= 0 {
		// Also strip the whitespace leading up to the comment.
		for comment > 0 && isspace(line[comment-1]) {
			comment--
		}
		line = line[:comment]
	}

	if comment == 0 {
		// The whole line was a comment.
		return true
	}

	// Trailing whitespace is invisible and almost always trouble.
	eol := len(line)
	for eol > 0 && (isspace(line[eol-1]) || line[eol-1] == '\r') {
		eol--
	}
	line = line[:eol]

	if f.inFor {
		// Save the lines for later replay while a block directive is
		// buffering.
		f.savedLines = append(f.savedLines, line)
	}

	if f.gotCommand {
		return f.handleCommand(line)
	}

	// Find the first non-whitespace character.
	p := 0
	for p < len(line) && isspace(line[p]) {
		p++
	}

	if p == len(line) {
		line = ""
	} else if p+1 < len(line) && line[p] == commandPrefix && isalpha(line[p+1]) {
		return f.handleCommand(line[p+1:])
	}

	if !f.inFor && !f.failedIf() {
		if p+1 < len(line) && line[p] == commandPrefix && line[p+1] == commandPrefix {
			// A doubled prefix at the start of the line emits a
			// literal single prefix.
			line = line[:p] + line[p+1:]
		}
		return f.write.writeLine(f.ctx, f.scope.ExpandString(line))
	}

	return true
}

// EndRead finishes the stream, reporting unclosed #if and block directives.
func (f *CommandFile) EndRead() bool {
	ok := true
	if f.ifNest != nil {
		f.ctx.Errorf("Unclosed if")
		f.ifNest = nil
		ok = false
	}
	if f.blockNest != nil {
		f.ctx.Errorf("Unclosed %s %s", f.blockNest.state.keyword(), f.blockNest.name)
		f.blockNest = nil
		ok = false
	}
	return ok
}

func (s blockState) keyword() string {
	switch s {
	case blockBegin:
		return "begin"
	case blockWhile, blockNestedWhile:
		return "while"
	case blockFor, blockNestedFor:
		return "for"
	case blockForscopes, blockNestedForscopes:
		return "forscopes"
	case blockForeach, blockNestedForeach:
		return "foreach"
	case blockFormap, blockNestedFormap:
		return "formap"
	case blockDefsub:
		return "defsub"
	case blockDefun:
		return "defun"
	case blockOutput:
		return "output"
	}
	return "block"
}

// directiveNames lists every directive, for did-you-mean suggestions.
var directiveNames = []string{
	"if", "elif", "else", "endif", "begin", "while", "for", "forscopes",
	"foreach", "formap", "defsub", "defun", "output", "end", "format",
	"print", "printvar", "include", "sinclude", "copy", "call", "error",
	"mkdir", "defer", "define", "set", "map", "addmap", "push",
}

// suggest returns a did-you-mean hint for name among candidates, or empty.
func (c *Context) suggest(name string, candidates []string) string {
	if !c.Suggestions {
		return ""
	}
	best := ""
	bestScore := float32(0)
	for _, candidate := range candidates {
		score, err := edlib.StringsSimilarity(name, candidate, edlib.JaroWinkler)
		if err != nil {
			continue
		}
		if score > bestScore {
			bestScore = score
			best = candidate
		}
	}
	if bestScore >= 0.82 {
		return fmt.Sprintf(" (did you mean %q?)", best)
	}
	return ""
}

func (f *CommandFile) handleCommand(line string) bool {
	if f.gotCommand {
		// A continuation of the previous line; skip its leading
		// whitespace.
		p := 0
		for p < len(line) && isspace(line[p]) {
			p++
		}
		f.params += " " + line[p:]
	} else {
		p := 0
		for p < len(line) && !isspace(line[p]) {
			p++
		}
		f.command = line[:p]
		for p < len(line) && isspace(line[p]) {
			p++
		}
		f.params = line[p:]
	}

	if strings.HasSuffix(f.params, "\\") {
		// More to come before the command is complete.
		f.gotCommand = true
		p := len(f.params) - 1
		for p > 0 && isspace(f.params[p-1]) {
			p--
		}
		f.params = f.params[:p]
		return true
	}
	f.gotCommand = false

	switch f.command {
	case "if":
		return f.handleIf()
	case "elif":
		return f.handleElif()
	case "else":
		return f.handleElse()
	case "endif":
		return f.handleEndif()
	}

	if f.failedIf() {
		// Within a failed #if all commands except the if family are
		// ignored.
		return true
	}

	switch f.command {
	case "begin":
		return f.handleBegin()
	case "while":
		return f.handleWhile()
	case "for":
		return f.handleFor()
	case "forscopes":
		return f.handleForscopes()
	case "foreach":
		return f.handleForeach()
	case "formap":
		return f.handleFormap()
	case "defsub":
		return f.handleDefsub(true)
	case "defun":
		return f.handleDefsub(false)
	case "output":
		return f.handleOutput()
	case "end":
		return f.handleEnd()
	}

	if f.inFor {
		// While buffering a block, only block-related commands matter.
		return true
	}

	switch f.command {
	case "format":
		return f.handleFormat()
	case "print":
		return f.handlePrint()
	case "printvar":
		return f.handlePrintvar()
	case "include":
		return f.handleInclude()
	case "sinclude":
		return f.handleSinclude()
	case "copy":
		return f.handleCopy()
	case "call":
		return f.handleCall()
	case "error":
		return f.handleError()
	case "mkdir":
		return f.handleMkdir()
	case "defer":
		return f.handleDefer()
	case "define":
		return f.handleDefine()
	case "set":
		return f.handleSet()
	case "map":
		return f.handleMap()
	case "addmap":
		return f.handleAddmap()
	case "push":
		return f.handlePush()
	}

	f.ctx.Errorf("Invalid command: %c%s%s", commandPrefix, f.command,
		f.ctx.suggest(f.command, directiveNames))
	return false
}

func (f *CommandFile) handleIf() bool {
	if f.failedIf() {
		// Already inside a failed if; only the nesting level matters.
		nest := &ifNesting{state: ifDone}
		nest.push(f)
		return true
	}

	// Empty expansion is false; anything else is true.  While buffering a
	// block the condition is not evaluated at all.
	isEmpty := true
	if !f.inFor {
		f.params = f.scope.ExpandString(f.params)
		for i := 0; i < len(f.params) && isEmpty; i++ {
			isEmpty = isspace(f.params[i])
		}
	}
	state := ifOn
	if isEmpty {
		state = ifOff
	}
	nest := &ifNesting{state: state}
	nest.push(f)
	return true
}

func (f *CommandFile) handleElif() bool {
	if f.ifNest == nil {
		f.ctx.Errorf("elif encountered without if.")
		return false
	}
	if f.ifNest.state == ifElse {
		f.ctx.Errorf("elif encountered after else.")
		return false
	}
	if f.ifNest.state == ifOn || f.ifNest.state == ifDone {
		f.ifNest.state = ifDone
		return true
	}

	isEmpty := true
	if !f.inFor {
		f.params = f.scope.ExpandString(f.params)
		for i := 0; i < len(f.params) && isEmpty; i++ {
			isEmpty = isspace(f.params[i])
		}
	}
	if isEmpty {
		f.ifNest.state = ifOff
	} else {
		f.ifNest.state = ifOn
	}
	return true
}

func (f *CommandFile) handleElse() bool {
	if f.ifNest == nil {
		f.ctx.Errorf("else encountered without if.")
		return false
	}
	if f.ifNest.state == ifElse {
		f.ctx.Errorf("else encountered after else.")
		return false
	}
	if f.ifNest.state == ifOn || f.ifNest.state == ifDone {
		f.ifNest.state = ifDone
		return true
	}
	f.ifNest.state = ifElse
	return true
}

func (f *CommandFile) handleEndif() bool {
	if f.ifNest == nil {
		f.ctx.Errorf("endif encountered without if.")
		return false
	}
	nest := f.ifNest
	nest.pop(f)
	if nest.block != f.blockNest {
		name := ""
		if nest.block != nil {
			name = nest.block.name
		} else if f.blockNest != nil {
			name = f.blockNest.name
		}
		f.ctx.Errorf("If block not closed within scoping block %s.", name)
		return false
	}
	return true
}

// handleBegin opens a named scope block.  Variables defined before the
// matching #end are local to the named scope.
func (f *CommandFile) handleBegin() bool {
	name := trimBlanks(f.params)
	nest := &blockNesting{state: blockBegin, name: name}

	if containsWhitespace(name) {
		f.ctx.Errorf("Attempt to define scope named %q.\nScope names may not contain whitespace.", name)
		return false
	}
	if strings.Contains(name, scopeDirnameSeparator) {
		f.ctx.Errorf("Attempt to define scope named %q.\nScope names may not contain the '%s' character.", name, scopeDirnameSeparator)
		return false
	}

	nest.push(f)

	named := f.ctx.Named.MakeScope(name)
	named.SetParent(f.scope)
	f.scope = named
	return true
}

// handleWhile buffers a block to be replayed while the condition expands
// non-empty.  Unlike most block commands, it opens no new scope.
func (f *CommandFile) handleWhile() bool {
	state := blockWhile
	if f.inFor {
		state = blockNestedWhile
	}
	nest := &blockNesting{state: state, name: trimBlanks(f.params)}
	nest.push(f)
	if !f.inFor {
		f.inFor = true
		f.savedLines = nil
	}
	return true
}

func (f *CommandFile) handleFor() bool {
	p := f.scope.scanToWhitespace(f.params, 0)
	name := f.params[:p]
	if name == "" {
		f.ctx.Errorf("#for without varname")
		return false
	}

	words := f.scope.tokenizeParams(f.params[p:], true)
	if len(words) != 2 && len(words) != 3 {
		f.ctx.Errorf("Invalid numeric range: '%s' for #for %s", f.params[p:], name)
		return false
	}

	state := blockFor
	if f.inFor {
		state = blockNestedFor
	}
	nest := &blockNesting{state: state, name: name}
	nest.push(f)
	if !f.inFor {
		f.inFor = true
		f.savedLines = nil
		nest.words = words
	}
	return true
}

func (f *CommandFile) handleForscopes() bool {
	state := blockForscopes
	if f.inFor {
		state = blockNestedForscopes
	}
	nest := &blockNesting{state: state, name: trimBlanks(f.params)}
	nest.push(f)
	if !f.inFor {
		f.inFor = true
		f.savedLines = nil
	}
	return true
}

func (f *CommandFile) handleForeach() bool {
	words := tokenizeWhitespace(f.scope.ExpandString(f.params))
	if len(words) == 0 {
		f.ctx.Errorf("#foreach requires at least one parameter.")
		return false
	}

	state := blockForeach
	if f.inFor {
		state = blockNestedForeach
	}
	nest := &blockNesting{state: state, name: words[0]}
	nest.push(f)
	nest.words = words[1:]
	if !f.inFor {
		f.inFor = true
		f.savedLines = nil
	}
	return true
}

func (f *CommandFile) handleFormap() bool {
	words := tokenizeWhitespace(f.scope.ExpandString(f.params))
	if len(words) != 2 {
		f.ctx.Errorf("#formap requires exactly two parameters.")
		return false
	}

	state := blockFormap
	if f.inFor {
		state = blockNestedFormap
	}
	nest := &blockNesting{state: state, name: words[0]}
	nest.push(f)
	nest.words = []string{words[1]}
	if !f.inFor {
		f.inFor = true
		f.savedLines = nil
	}
	return true
}

func (f *CommandFile) handleDefsub(isDefsub bool) bool {
	command := "#defun"
	if isDefsub {
		command = "#defsub"
	}

	p := 0
	for p < len(f.params) && !isspace(f.params[p]) {
		p++
	}
	name := trimBlanks(f.params[:p])
	if name == "" {
		f.ctx.Errorf("%s requires at least one parameter.", command)
		return false
	}

	formals := f.scope.tokenizeParams(f.params[p:], false)
	for _, formal := range formals {
		if !isValidFormal(formal) {
			f.ctx.Errorf("%s %s: invalid formal parameter name '%s'", command, name, formal)
			return false
		}
	}

	if f.inFor {
		f.ctx.Errorf("%s may not appear within another block scoping command like\n#forscopes, #foreach, #formap, #defsub, or #defun.", command)
		return false
	}

	state := blockDefun
	if isDefsub {
		state = blockDefsub
	}
	nest := &blockNesting{state: state, name: name}
	nest.push(f)
	nest.words = formals

	f.inFor = true
	f.savedLines = nil
	return true
}

func (f *CommandFile) handleOutput() bool {
	// The filename must come off unexpanded; it may reference variables
	// that should be expanded at replay time.
	p := f.scope.scanToWhitespace(f.params, 0)
	name := f.params[:p]
	if name == "" {
		f.ctx.Errorf("#output command requires one parameter.")
		return false
	}

	words := tokenizeWhitespace(f.scope.ExpandString(f.params[p:]))
	nest := &blockNesting{state: blockOutput, name: name}
	for _, word := range words {
		switch word {
		case "notouch":
			nest.flags |= outputNotouch
		case "binary":
			nest.flags |= outputBinary
		default:
			f.ctx.Errorf("Invalid output flag: %s", word)
		}
	}

	nest.push(f)

	if !f.inFor {
		filename := trimBlanks(f.scope.ExpandString(nest.name))
		if filename == "" {
			f.ctx.Errorf("Attempt to output to empty filename")
			return false
		}
		if !pathutilIsLocal(filename) {
			nest.params = filename
		} else {
			prefix := f.scope.ExpandVariable("DIRPREFIX")
			nest.params = prefix + filename
		}

		// Build the file in memory first; the comparison with the
		// existing file happens at #end.
		f.write = f.write.clone()
		f.write.out = &nest.output
	}
	return true
}

func pathutilIsLocal(filename string) bool {
	return !strings.HasPrefix(filename, "/") && !filepath.IsAbs(filename)
}

func (f *CommandFile) handleEnd() bool {
	if f.blockNest == nil {
		f.ctx.Errorf("Unmatched end %s.", f.params)
		return false
	}

	// The closing name is not expanded, because the opening name wasn't.
	name := trimBlanks(f.params)
	if name != f.blockNest.name {
		f.ctx.Errorf("end %s encountered where end %s expected.", name, f.blockNest.name)
		return false
	}

	nest := f.blockNest
	nest.pop(f)

	if nest.ifSave != f.ifNest {
		f.ctx.Errorf("If block not closed within scoping block %s.", name)
		return false
	}

	switch nest.state {
	case blockWhile:
		f.inFor = false
		return f.replayWhile(nest.name)
	case blockFor:
		f.inFor = false
		return f.replayFor(nest.name, nest.words)
	case blockForscopes:
		f.inFor = false
		return f.replayForscopes(nest.name)
	case blockForeach:
		f.inFor = false
		return f.replayForeach(nest.name, nest.words)
	case blockFormap:
		f.inFor = false
		return f.replayFormap(nest.name, nest.words[0])
	case blockDefsub, blockDefun:
		f.inFor = false
		sub := &Subroutine{Formals: nest.words, Lines: f.savedLines}
		f.savedLines = nil
		// Drop the #end line itself.
		sub.Lines = sub.Lines[:len(sub.Lines)-1]
		if nest.state == blockDefsub {
			f.ctx.DefineSub(nest.name, sub)
		} else {
			f.ctx.DefineFunc(nest.name, sub)
		}
	case blockOutput:
		if !f.inFor {
			return compareOutput(f.ctx, nest.output.Bytes(), nest.params,
				nest.flags&outputNotouch != 0,
				nest.flags&outputBinary != 0)
		}
	}
	return true
}

func (f *CommandFile) handleFormat() bool {
	switch trimBlanks(f.scope.ExpandString(f.params)) {
	case "straight":
		f.write.format = formatStraight
	case "collapse":
		f.write.format = formatCollapse
	case "makefile":
		f.write.format = formatMakefile
	default:
		f.ctx.Errorf("Ignoring invalid write format: %s", f.params)
	}
	return true
}

func (f *CommandFile) handlePrint() bool {
	fmt.Fprintln(os.Stderr, f.scope.ExpandString(f.params))
	return true
}

// handlePrintvar writes the literal contents of the named variables to
// stderr, for debugging .pp files.
func (f *CommandFile) handlePrintvar() bool {
	p := 0
	var out strings.Builder
	for p < len(f.params) {
		q := f.scope.scanToWhitespace(f.params, p)
		varname := trimBlanks(f.scope.ExpandString(f.params[p:q]))
		fmt.Fprintf(&out, "%s = %q ", varname, f.scope.Get(varname))
		p = q
		for p < len(f.params) && isspace(f.params[p]) {
			p++
		}
	}
	fmt.Fprintln(os.Stderr, out.String())
	return true
}

// stripQuotes removes one pair of surrounding double quotes, if present.
func stripQuotes(filename string) string {
	if len(filename) >= 2 && filename[0] == '"' && filename[len(filename)-1] == '"' {
		return filename[1 : len(filename)-1]
	}
	return filename
}

func (f *CommandFile) handleInclude() bool {
	filename := stripQuotes(trimBlanks(f.scope.ExpandString(f.params)))
	return f.includeFile(filename)
}

// handleSinclude is #include except a missing file is silently skipped.
func (f *CommandFile) handleSinclude() bool {
	filename := stripQuotes(trimBlanks(f.scope.ExpandString(f.params)))
	if _, err := os.Stat(filename); err != nil {
		return true
	}
	return f.includeFile(filename)
}

// handleCopy reads a file and passes its lines to the current output
// without expansion, e.g. to splice a fragment into an #output block.
func (f *CommandFile) handleCopy() bool {
	filename := stripQuotes(trimBlanks(f.scope.ExpandString(f.params)))
	in, err := os.Open(filename)
	if err != nil {
		f.ctx.Errorf("Unable to open copy file %s.", filename)
		return false
	}
	defer in.Close()
	debug.Logf("Reading (copy) %q", filename)

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if !f.write.writeLine(f.ctx, scanner.Text()) {
			return false
		}
	}
	if err := scanner.Err(); err != nil {
		f.ctx.Errorf("Error reading %s.", filename)
		return false
	}
	return true
}

func (f *CommandFile) handleCall() bool {
	p := 0
	for p < len(f.params) && !isspace(f.params[p]) {
		p++
	}
	name := trimBlanks(f.params[:p])
	params := f.params[p:]

	if name == "" {
		f.ctx.Errorf("#call requires at least one parameter.")
		return false
	}

	sub := f.ctx.GetSub(name)
	if sub == nil {
		f.ctx.Errorf("Attempt to call undefined subroutine %s%s", name,
			f.ctx.suggest(name, f.ctx.SubNames()))
		return false
	}

	oldScope := f.scope
	f.ctx.PushScope(f.scope)
	nested := NewScope(f.ctx)
	f.scope = nested
	nested.DefineFormals(name, sub.Formals, params)

	for _, line := range sub.Lines {
		if !f.ReadLine(line) {
			f.ctx.PopScope()
			f.scope = oldScope
			return false
		}
	}

	f.ctx.PopScope()
	f.scope = oldScope
	return true
}

// handleError reports the given message and abandons the current file.
func (f *CommandFile) handleError() bool {
	message := trimBlanks(f.scope.ExpandString(f.params))
	if message != "" {
		f.ctx.Errorf("%s", message)
	}
	return false
}

func (f *CommandFile) handleMkdir() bool {
	for _, word := range tokenizeWhitespace(f.scope.ExpandString(f.params)) {
		dirname := word
		if pathutilIsLocal(dirname) {
			dirname = f.scope.ExpandVariable("DIRPREFIX") + dirname
		}
		if err := os.MkdirAll(dirname, 0o777); err != nil {
			f.ctx.Errorf("Unable to create directory %s", dirname)
		}
	}
	return true
}

// handleDefer stores the definition unexpanded, to be evaluated when the
// variable is referenced, akin to GNU make's = assignment.  A simple
// self-reference in the definition tracks the variable's base value, so
// recursive definitions keep following later redefinitions.
func (f *CommandFile) handleDefer() bool {
	p := f.scope.scanToWhitespace(f.params, 0)
	varname := trimBlanks(f.scope.ExpandString(f.params[:p]))
	if f.ctx.GetFunc(varname) != nil {
		f.ctx.Warnf("Warning: variable %s shadowed by function definition.", varname)
	}
	for p < len(f.params) && isspace(f.params[p]) {
		p++
	}
	def := f.params[p:]
	f.scope.Defer(varname, def)
	debug.Tracef("#defer %s = %s", varname, def)
	return true
}

// handleDefine evaluates the definition immediately and binds it in the
// current scope, akin to GNU make's := assignment.
func (f *CommandFile) handleDefine() bool {
	p := f.scope.scanToWhitespace(f.params, 0)
	varname := trimBlanks(f.scope.ExpandString(f.params[:p]))
	if f.ctx.GetFunc(varname) != nil {
		f.ctx.Warnf("Warning: variable %s shadowed by function definition.", varname)
	}
	for p < len(f.params) && isspace(f.params[p]) {
		p++
	}
	def := f.scope.ExpandString(f.params[p:])
	f.scope.Define(varname, def)
	debug.Tracef("#define %s = %s", varname, def)
	return true
}

// handleSet changes an existing variable wherever it was defined; defining
// a brand-new variable this way is an error.
func (f *CommandFile) handleSet() bool {
	p := f.scope.scanToWhitespace(f.params, 0)
	varname := trimBlanks(f.scope.ExpandString(f.params[:p]))
	if f.ctx.GetFunc(varname) != nil {
		f.ctx.Warnf("Warning: variable %s shadowed by function definition.", varname)
	}
	for p < len(f.params) && isspace(f.params[p]) {
		p++
	}
	def := f.scope.ExpandString(f.params[p:])
	if !f.scope.Set(varname, def) {
		f.ctx.Errorf("Attempt to set undefined variable %s", varname)
		return false
	}
	return true
}

func (f *CommandFile) handleMap() bool {
	p := f.scope.scanToWhitespace(f.params, 0)
	varname := trimBlanks(f.scope.ExpandString(f.params[:p]))
	for p < len(f.params) && isspace(f.params[p]) {
		p++
	}
	f.scope.DefineMapVariable(varname, trimBlanks(f.params[p:]))
	return true
}

func (f *CommandFile) handleAddmap() bool {
	p := f.scope.scanToWhitespace(f.params, 0)
	varname := trimBlanks(f.scope.ExpandString(f.params[:p]))
	for p < len(f.params) && isspace(f.params[p]) {
		p++
	}
	key := trimBlanks(f.scope.ExpandString(f.params[p:]))
	f.scope.AddToMapVariable(varname, key, f.scope)
	return true
}

// handlePush copies the current value of each named variable into the
// scope n levels up the dynamic stack, so results survive past the end of
// a #forscopes block.
func (f *CommandFile) handlePush() bool {
	p := f.scope.scanToWhitespace(f.params, 0)
	levelsStr := trimBlanks(f.scope.ExpandString(f.params[:p]))
	levels, err := strconv.Atoi(levelsStr)
	if err != nil || levels < 0 {
		f.ctx.Errorf("#push with invalid level count: %s", levelsStr)
		return false
	}

	enclosing := f.scope
	if levels > 0 {
		enclosing = f.ctx.EnclosingScope(levels - 1)
	}

	for p < len(f.params) && isspace(f.params[p]) {
		p++
	}
	for p < len(f.params) {
		q := f.scope.scanToWhitespace(f.params, p)
		varname := trimBlanks(f.scope.ExpandString(f.params[p:q]))
		enclosing.Define(varname, f.scope.Get(varname))
		p = q
		for p < len(f.params) && isspace(f.params[p]) {
			p++
		}
	}
	return true
}

func (f *CommandFile) includeFile(filename string) bool {
	in, err := os.Open(filename)
	if err != nil {
		f.ctx.Errorf("Unable to open include file %s.", filename)
		return false
	}
	defer in.Close()
	debug.Logf("Reading (inc) %q", filename)

	restore := pushFilename(f.scope, filename)
	defer restore()

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if !f.ReadLine(scanner.Text()) {
			return false
		}
	}
	if err := scanner.Err(); err != nil {
		f.ctx.Errorf("Error reading %s.", filename)
		return false
	}
	return true
}

func (f *CommandFile) takeSavedLines() []string {
	lines := f.savedLines
	f.savedLines = nil
	// Drop the #end line itself.
	return lines[:len(lines)-1]
}

func (f *CommandFile) replayWhile(name string) bool {
	lines := f.takeSavedLines()

	savedBlock := f.blockNest
	savedIf := f.ifNest

	ok := true
	for ok && f.scope.ExpandString(name) != "" {
		for _, line := range lines {
			if ok {
				ok = f.ReadLine(line)
			}
		}
	}

	if savedBlock != f.blockNest || savedIf != f.ifNest {
		f.ctx.Errorf("Misplaced #end or #endif.")
		ok = false
	}
	return ok
}

func (f *CommandFile) replayFor(name string, words []string) bool {
	lines := f.takeSavedLines()
	varname := f.scope.ExpandString(name)

	ranges := [3]int{0, 0, 1}
	for i, word := range words {
		n, err := strconv.Atoi(trimBlanks(word))
		if err != nil {
			f.ctx.Errorf("Invalid integer in #for: %s", word)
			return false
		}
		ranges[i] = n
	}
	if ranges[2] == 0 {
		f.ctx.Errorf("Step by zero in #for %s", name)
		return false
	}

	savedBlock := f.blockNest
	savedIf := f.ifNest

	ok := true
	index := ranges[0]
	for ; ok && (ranges[2] > 0 && index <= ranges[1] || ranges[2] < 0 && index >= ranges[1]); index += ranges[2] {
		f.scope.Define(varname, strconv.Itoa(index))
		for _, line := range lines {
			if ok {
				ok = f.ReadLine(line)
			}
		}
	}
	f.scope.Define(varname, strconv.Itoa(index))

	if savedBlock != f.blockNest || savedIf != f.ifNest {
		f.ctx.Errorf("Misplaced #end or #endif.")
		ok = false
	}
	return ok
}

func (f *CommandFile) replayForscopes(name string) bool {
	lines := f.takeSavedLines()

	var scopes []*Scope
	for _, word := range tokenizeWhitespace(f.scope.ExpandString(name)) {
		f.ctx.Named.GetScopes(word, &scopes)
	}
	SortByDependency(scopes)

	savedBlock := f.blockNest
	savedIf := f.ifNest

	ok := true
	for _, scope := range scopes {
		if !ok {
			break
		}
		f.ctx.PushScope(f.scope)
		f.scope = scope
		for _, line := range lines {
			if ok {
				ok = f.ReadLine(line)
			}
		}
		f.scope = f.ctx.PopScope()
	}

	if savedBlock != f.blockNest || savedIf != f.ifNest {
		f.ctx.Errorf("Misplaced #end or #endif.")
		ok = false
	}
	return ok
}

func (f *CommandFile) replayForeach(varname string, words []string) bool {
	lines := f.takeSavedLines()

	savedBlock := f.blockNest
	savedIf := f.ifNest

	ok := true
	for _, word := range words {
		if !ok {
			break
		}
		f.scope.Define(varname, word)
		for _, line := range lines {
			if ok {
				ok = f.ReadLine(line)
			}
		}
	}

	if savedBlock != f.blockNest || savedIf != f.ifNest {
		f.ctx.Errorf("Misplaced #end or #endif.")
		ok = false
	}
	return ok
}

func (f *CommandFile) replayFormap(varname, mapvar string) bool {
	lines := f.takeSavedLines()

	def := f.scope.FindMapVariable(mapvar)
	if def == nil {
		f.ctx.Errorf("Undefined map variable: #formap %s %s", varname, mapvar)
		return false
	}

	keys := make([]string, 0, len(def))
	for key := range def {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	savedBlock := f.blockNest
	savedIf := f.ifNest

	ok := true
	for _, key := range keys {
		if !ok {
			break
		}
		f.scope.Define(varname, key)
		f.ctx.PushScope(f.scope)
		f.scope = def[key]
		for _, line := range lines {
			if ok {
				ok = f.ReadLine(line)
			}
		}
		f.scope = f.ctx.PopScope()
	}

	if savedBlock != f.blockNest || savedIf != f.ifNest {
		f.ctx.Errorf("Misplaced #end or #endif.")
		ok = false
	}
	return ok
}

func (f *CommandFile) failedIf() bool {
	return f.ifNest != nil && (f.ifNest.state == ifOff || f.ifNest.state == ifDone)
}

// isValidFormal accepts formal parameter names with no whitespace or
// punctuation that would confuse the expansion syntax.
func isValidFormal(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		switch name[i] {
		case ' ', '\n', '\t', '$', '[', ']', ',':
			return false
		}
	}
	return true
}

// pushFilename updates THISFILENAME and THISDIRPREFIX for the duration of
// reading an included file; the returned function restores the previous
// values.
func pushFilename(scope *Scope, filename string) func() {
	oldFilename := scope.Get("THISFILENAME")
	oldPrefix := scope.Get("THISDIRPREFIX")

	prefix := ""
	if slash := strings.LastIndexByte(filename, '/'); slash >= 0 {
		prefix = filename[:slash+1]
	}
	scope.Define("THISFILENAME", filename)
	scope.Define("THISDIRPREFIX", prefix)

	return func() {
		scope.Define("THISFILENAME", oldFilename)
		scope.Define("THISDIRPREFIX", oldPrefix)
	}
}
