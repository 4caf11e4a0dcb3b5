package pp

import (
	"os"
	"sort"
	"strconv"
	"strings"
)

// MapDef is the value of a map variable: a mapping from key to the scope
// that defines the key.
type MapDef map[string]*Scope

// Scope is a possibly nested bag of variable definitions.  Variables may be
// defined in the global scope, in a package or template file, or in an
// individual Sources.pp.  Lookup falls through the static parent chain, then
// the context's dynamic scope stack, then the process environment.
type Scope struct {
	ctx    *Context
	vars   map[string]string
	defers map[string]string
	maps   map[string]MapDef
	parent *Scope
	dir    DirInfo
}

// NewScope creates a fresh scope bound to the engine context.
func NewScope(ctx *Context) *Scope {
	return &Scope{
		ctx:  ctx,
		vars: make(map[string]string),
	}
}

// Context returns the engine context the scope belongs to.
func (s *Scope) Context() *Context {
	return s.ctx
}

// SetParent establishes a static parent.  Unresolved references search the
// static chain before the dynamic stack.
func (s *Scope) SetParent(parent *Scope) {
	s.parent = parent
}

// Parent returns the static parent scope, or nil.
func (s *Scope) Parent() *Scope {
	return s.parent
}

// SetDirectory associates the scope with a source directory.
func (s *Scope) SetDirectory(dir DirInfo) {
	s.dir = dir
}

// Directory returns the directory associated with this scope or, failing
// that, with the nearest scope on the dynamic stack.
func (s *Scope) Directory() DirInfo {
	if s.dir != nil {
		return s.dir
	}
	for i := len(s.ctx.stack) - 1; i >= 0; i-- {
		if d := s.ctx.stack[i].dir; d != nil {
			return d
		}
	}
	return nil
}

// Define makes a new variable definition in this scope, possibly shadowing
// a definition in some parent scope.  Defining a variable that carries a
// self-referencing deferred template replaces only the base value the
// template builds on; any other deferred template is discarded.
func (s *Scope) Define(varname, definition string) {
	if tmpl, ok := s.defers[varname]; ok && !strings.Contains(tmpl, selfReference(varname)) {
		delete(s.defers, varname)
	}
	s.vars[varname] = definition
}

// Defer stores a definition to be expanded when the variable is later
// referenced, akin to GNU make's recursive = assignment.  A simple
// self-reference in the template resolves, at each use, to the base value
// most recently given by Define or Set.
func (s *Scope) Defer(varname, definition string) {
	if s.defers == nil {
		s.defers = make(map[string]string)
	}
	// The current definition, wherever it resolves, becomes the initial
	// base for the template's self-reference.
	base := s.lookupRaw(varname)
	s.defers[varname] = definition
	s.vars[varname] = base
}

func selfReference(varname string) string {
	return string(variablePrefix) + string(variableOpenBrace) + varname + string(variableCloseBrace)
}

// Set changes an already-existing variable wherever it is defined: this
// scope, a static parent, a scope on the dynamic stack, or (if it exists
// only in the environment) the bottom scope.  Returns false if the variable
// is not defined anywhere.
func (s *Scope) Set(varname, definition string) bool {
	if s.pSet(varname, definition) {
		return true
	}
	for i := len(s.ctx.stack) - 1; i >= 0; i-- {
		if s.ctx.stack[i].pSet(varname, definition) {
			return true
		}
	}
	if _, ok := os.LookupEnv(varname); ok {
		bottom := s
		if len(s.ctx.stack) > 0 {
			bottom = s.ctx.BottomScope()
		}
		bottom.Define(varname, definition)
		return true
	}
	return false
}

func (s *Scope) pSet(varname, definition string) bool {
	if _, ok := s.vars[varname]; ok {
		s.vars[varname] = definition
		return true
	}
	if s.parent != nil {
		return s.parent.pSet(varname, definition)
	}
	return false
}

// Get returns the unexpanded definition of the named variable, resolving
// through the static chain, the dynamic stack, and the environment.  A
// #defun function of the same name shadows any variable and is invoked with
// no arguments.  An undefined name is implicitly empty.
func (s *Scope) Get(varname string) string {
	if sub := s.ctx.GetFunc(varname); sub != nil {
		return s.expandFunction(varname, sub, "")
	}
	return s.lookupRaw(varname)
}

// lookupRaw resolves the unexpanded definition through the static chain,
// the dynamic stack, and the environment, without consulting the function
// registry.
func (s *Scope) lookupRaw(varname string) string {
	if result, ok := s.pGet(varname); ok {
		return result
	}
	for i := len(s.ctx.stack) - 1; i >= 0; i-- {
		if result, ok := s.ctx.stack[i].pGet(varname); ok {
			return result
		}
	}
	if env, ok := os.LookupEnv(varname); ok {
		return env
	}
	return ""
}

// defined reports whether the named variable resolves anywhere, mimicking
// the lookup order of Get.
func (s *Scope) defined(varname string) bool {
	if sub := s.ctx.GetFunc(varname); sub != nil {
		return s.expandFunction(varname, sub, "") != ""
	}
	if _, ok := s.pGet(varname); ok {
		return true
	}
	for i := len(s.ctx.stack) - 1; i >= 0; i-- {
		if _, ok := s.ctx.stack[i].pGet(varname); ok {
			return true
		}
	}
	_, ok := os.LookupEnv(varname)
	return ok
}

func (s *Scope) pGet(varname string) (string, bool) {
	if tmpl, ok := s.defers[varname]; ok {
		// A deferred template expands at use; its simple self-references
		// resolve to the current base value.
		return strings.ReplaceAll(tmpl, selfReference(varname), s.vars[varname]), true
	}
	if def, ok := s.vars[varname]; ok {
		return def, true
	}

	// RELDIR evaluates to the relative path from the current output
	// directory to this scope's directory.
	if varname == "RELDIR" && s.dir != nil && s.ctx.CurrentOutput != nil {
		return s.ctx.CurrentOutput.RelTo(s.dir), true
	}

	// DEPENDS_INDEX exposes the directory's dependency sort index, mostly
	// for debugging .pp files.
	if varname == "DEPENDS_INDEX" && s.dir != nil {
		return strconv.Itoa(s.dir.DependsIndex()), true
	}

	if s.parent != nil {
		return s.parent.pGet(varname)
	}
	return "", false
}

// ExpandVariable resolves the named variable and expands its definition.
func (s *Scope) ExpandVariable(varname string) string {
	return s.ExpandString(s.Get(varname))
}

// DefineMapVariable declares a map variable from a definition of the form
// KEYVAR(SCOPES).  KEYVAR is evaluated within each matching named scope;
// each word of the result becomes a key mapped to that scope.  A plain
// variable of the same name is simultaneously defined to the joined key
// list.
func (s *Scope) DefineMapVariable(varname, definition string) {
	open := -1
	for i := 0; i < len(definition); i++ {
		if definition[i] == '(' {
			open = i
			break
		}
	}
	if open >= 0 && len(definition) > 0 && definition[len(definition)-1] == ')' {
		keyVarname := definition[:open]
		scopeNames := definition[open+1 : len(definition)-1]
		s.defineMapVariable(varname, keyVarname, scopeNames)
	} else {
		// No scoping; not really a map variable.
		s.defineMapVariable(varname, definition, "")
	}
}

func (s *Scope) defineMapVariable(varname, keyVarname, scopeNames string) {
	if s.maps == nil {
		s.maps = make(map[string]MapDef)
	}
	def := make(MapDef)
	s.maps[varname] = def
	s.Define(varname, "")

	if keyVarname == "" {
		return
	}

	var scopes []*Scope
	for _, name := range tokenizeWhitespace(scopeNames) {
		s.ctx.Named.GetScopes(name, &scopes)
	}
	if len(scopes) == 0 {
		return
	}
	SortByDependency(scopes)

	var results []string
	for _, scope := range scopes {
		keys := tokenizeWhitespace(scope.ExpandVariable(keyVarname))
		results = append(results, keys...)
		for _, key := range keys {
			def[key] = scope
		}
	}

	s.Define(varname, repaste(results, " "))
}

// AddToMapVariable adds a key/scope pair to an existing map variable, and
// refreshes the traditional variable that mirrors the key list.
func (s *Scope) AddToMapVariable(varname, key string, scope *Scope) {
	def := s.FindMapVariable(varname)
	if def == nil {
		s.ctx.Errorf("Attempt to add to undefined map variable %s", varname)
		return
	}
	def[key] = scope

	keys := make([]string, 0, len(def))
	for k := range def {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	s.Set(varname, repaste(keys, " "))
}

// FindMapVariable looks up the map variable in this scope, its static
// parents, and then the dynamic stack.  Returns nil if not found.
func (s *Scope) FindMapVariable(varname string) MapDef {
	if def := s.pFindMapVariable(varname); def != nil {
		return def
	}
	for i := len(s.ctx.stack) - 1; i >= 0; i-- {
		if def := s.ctx.stack[i].pFindMapVariable(varname); def != nil {
			return def
		}
	}
	return nil
}

func (s *Scope) pFindMapVariable(varname string) MapDef {
	if def, ok := s.maps[varname]; ok {
		return def
	}
	if s.parent != nil {
		return s.parent.pFindMapVariable(varname)
	}
	return nil
}

// DefineFormals binds actual parameters to a subroutine's formal parameter
// names.  Actuals is a comma-separated expression list; mismatched counts
// warn but proceed, with missing formals bound empty.
func (s *Scope) DefineFormals(subName string, formals []string, actuals string) {
	words := s.tokenizeParams(actuals, true)
	if len(words) < len(formals) {
		s.ctx.Warnf("Warning: not all parameters defined for %s: %s", subName, actuals)
	} else if len(words) > len(formals) {
		s.ctx.Warnf("Warning: more parameters defined for %s than actually exist: %s", subName, actuals)
	}
	for i, formal := range formals {
		if i < len(words) {
			s.Define(formal, words[i])
		} else {
			s.Define(formal, "")
		}
	}
}
