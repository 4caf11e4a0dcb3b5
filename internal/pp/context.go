package pp

import (
	"fmt"
	"os"

	"github.com/ppbuild/ppremake/internal/debug"
)

// DirInfo is the view of a source directory that the expression engine
// needs: named-scope ordering and relative-path computation.  The tree
// package supplies the real implementation.
type DirInfo interface {
	Dirname() string
	DependsIndex() int
	RelTo(other DirInfo) string
}

// Context carries the run-wide state of the engine: the named-scope
// registry, the subroutine and function registries, the dynamic scope
// stack, and the error flag.  One Context lives for the whole run; it is
// threaded explicitly through scopes and command files rather than held in
// globals.
type Context struct {
	Named *NamedScopes

	subs  map[string]*Subroutine
	funcs map[string]*Subroutine

	stack []*Scope

	// CurrentOutput is the directory whose template is currently being
	// generated.  It drives $[RELDIR] and the dependencies function.
	CurrentOutput DirInfo

	// DependenciesFn computes the transitive include closure of the named
	// files within dir, relative to CurrentOutput.  Wired by the driver.
	DependenciesFn func(dir DirInfo, filenames []string) []string

	// Histogram records expansion results when the -x flag is given.
	Histogram *debug.ExpandHistogram

	DryRun      bool
	VerboseDiff bool

	// Suggestions enables did-you-mean hints on unknown directive and
	// subroutine names.
	Suggestions bool

	errors bool
}

// NewContext creates an empty engine context.
func NewContext() *Context {
	ctx := &Context{
		subs:        make(map[string]*Subroutine),
		funcs:       make(map[string]*Subroutine),
		Suggestions: true,
	}
	ctx.Named = newNamedScopes(ctx)
	return ctx
}

// Errorf reports a scoped error to stderr and raises the run-wide error
// flag.  Processing continues so that one run surfaces as many mistakes as
// possible.
func (c *Context) Errorf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	c.errors = true
}

// Warnf reports a warning without raising the error flag.
func (c *Context) Warnf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}

// ErrorsOccurred reports whether any error has been raised this run.
func (c *Context) ErrorsOccurred() bool {
	return c.errors
}

// SetErrors forces the error flag, for callers outside the engine.
func (c *Context) SetErrors() {
	c.errors = true
}

// PushScope pushes a scope onto the dynamic stack.  Unresolved variable
// references search the stack in LIFO order.
func (c *Context) PushScope(s *Scope) {
	c.stack = append(c.stack, s)
}

// PopScope removes and returns the top of the dynamic stack.
func (c *Context) PopScope() *Scope {
	top := c.stack[len(c.stack)-1]
	c.stack = c.stack[:len(c.stack)-1]
	return top
}

// BottomScope returns the first scope ever pushed, e.g. the global scope.
func (c *Context) BottomScope() *Scope {
	return c.stack[0]
}

// EnclosingScope returns the scope n below the top of the stack, or the
// bottom scope if the stack has n or fewer entries.
func (c *Context) EnclosingScope(n int) *Scope {
	if n >= len(c.stack) {
		return c.BottomScope()
	}
	return c.stack[len(c.stack)-1-n]
}
