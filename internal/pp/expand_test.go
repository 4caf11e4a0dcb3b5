package pp

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScope() *Scope {
	ctx := NewContext()
	scope := NewScope(ctx)
	ctx.PushScope(scope)
	return scope
}

func TestExpandVariableReference(t *testing.T) {
	s := newTestScope()
	s.Define("NAME", "world")
	s.Define("GREETING", "hello $[NAME]")

	assert.Equal(t, "hello world", s.ExpandString("$[GREETING]"))
	assert.Equal(t, "", s.ExpandString("$[UNDEFINED_HERE]"))
	assert.Equal(t, "literal [brackets]", s.ExpandString("literal [brackets]"))
}

func TestExpandCycleGuard(t *testing.T) {
	s := newTestScope()
	s.Define("A", "$[B]")
	s.Define("B", "$[A]")

	// A cyclical reference expands to empty rather than recursing.
	assert.Equal(t, "", s.ExpandString("$[A]"))
}

func TestExpandInlinePatsubst(t *testing.T) {
	s := newTestScope()
	s.Define("SOURCES", "a.c b.h c.c")
	assert.Equal(t, "a.o b.h c.o", s.ExpandString("$[SOURCES:%.c=%.o]"))
}

func TestExpandPatsubstWordwise(t *testing.T) {
	s := newTestScope()
	assert.Equal(t, "a.o b.h c.o", s.ExpandString("$[patsubst %.c,%.o,a.c b.h c.c]"))
}

func TestExpandStringOps(t *testing.T) {
	s := newTestScope()
	tests := []struct {
		expr string
		want string
	}{
		{"$[length abcde]", "5"},
		{"$[substr 2,4,abcdef]", "bcd"},
		{"$[substr 4,2,abcdef]", "bcd"},
		{"$[findstring bc,abcd]", "abcd"},
		{"$[findstring xy,abcd]", ""},
		{"$[subst a,z,banana]", "bznznz"},
		{"$[wordsubst cat,dog,the cat sat]", "the dog sat"},
		{"$[upcase mixed Case]", "MIXED CASE"},
		{"$[downcase MIXED Case]", "mixed case"},
		{"$[join -,a b c]", "a-b-c"},
		{"$[word 2,alpha beta gamma]", "beta"},
		{"$[word 9,alpha beta gamma]", ""},
		{"$[wordlist 2,3,a b c d]", "b c"},
		{"$[words  a b c d]", "4"},
		{"$[firstword  one two]", "one"},
		{"$[filter %.c %.h,a.c b.o c.h]", "a.c c.h"},
		{"$[filter_out %.c,a.c b.o]", "b.o"},
		{"$[matrix a b,c,10 20]", "ac10 ac20 bc10 bc20"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, s.ExpandString(tt.expr), "expr %s", tt.expr)
	}
}

func TestExpandSortAndUnique(t *testing.T) {
	s := newTestScope()

	// sort yields a duplicate-free alphabetical permutation.
	assert.Equal(t, "a b c", s.ExpandString("$[sort c a b a c]"))

	// unique preserves first-occurrence order.
	assert.Equal(t, "c a b", s.ExpandString("$[unique c a b a c]"))
}

func TestExpandLogic(t *testing.T) {
	s := newTestScope()
	s.Define("SET", "yes")
	tests := []struct {
		expr string
		want string
	}{
		{"$[if $[SET],then,else]", "then"},
		{"$[if $[EMPTY],then,else]", "else"},
		{"$[if $[EMPTY],then]", ""},
		{"$[eq a,a]", "1"},
		{"$[eq a,b]", ""},
		{"$[ne a,b]", "1"},
		{"$[not $[EMPTY]]", "1"},
		{"$[not x]", ""},
		{"$[or ,,b,c]", "b"},
		{"$[and a,b,c]", "c"},
		{"$[and a,,c]", ""},
		{"$[defined SET]", "1"},
		{"$[defined NOT_A_VARIABLE_ANYWHERE]", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, s.ExpandString(tt.expr), "expr %s", tt.expr)
	}
}

func TestExpandNumerics(t *testing.T) {
	s := newTestScope()
	tests := []struct {
		expr string
		want string
	}{
		{"$[+ 1,2,3]", "6"},
		{"$[- 5]", "-5"},
		{"$[- 10,3,2]", "5"},
		{"$[* 2,3,4]", "24"},
		{"$[/ 7,2]", "3"},
		{"$[% 7,3]", "1"},
		{"$[= 2,2]", "1"},
		{"$[== 2,3]", ""},
		{"$[!= 2,3]", "1"},
		{"$[< 1,2]", "1"},
		{"$[<= 2,2]", "1"},
		{"$[> 1,2]", ""},
		{"$[>= 3,2]", "1"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, s.ExpandString(tt.expr), "expr %s", tt.expr)
	}
}

func TestExpandForeachFunction(t *testing.T) {
	s := newTestScope()
	assert.Equal(t, "a.o b.o", s.ExpandString("$[foreach f,a b,$[f].o]"))
}

func TestExpandCdefine(t *testing.T) {
	s := newTestScope()
	s.Define("HAVE_THING", "1")
	assert.Equal(t, "#define HAVE_THING 1", s.ExpandString("$[cdefine HAVE_THING]"))
	assert.Equal(t, "#undef NO_THING", s.ExpandString("$[cdefine NO_THING]"))
}

func TestExpandMakeguid(t *testing.T) {
	s := newTestScope()
	guid := s.ExpandString("$[makeguid some/dir name]")
	require.Regexp(t, regexp.MustCompile(`^[0-9A-F]{8}-[0-9A-F]{4}-[0-9A-F]{4}-[0-9A-F]{4}-[0-9A-F]{12}$`), guid)

	// Deterministic, and sensitive to its input.
	assert.Equal(t, guid, s.ExpandString("$[makeguid some/dir name]"))
	assert.NotEqual(t, guid, s.ExpandString("$[makeguid other]"))
}

func TestExpandEnvironmentFallback(t *testing.T) {
	t.Setenv("PPREMAKE_TEST_ENV_VALUE", "from-env")
	s := newTestScope()
	assert.Equal(t, "from-env", s.ExpandString("$[PPREMAKE_TEST_ENV_VALUE]"))
}

func TestTokenizeParams(t *testing.T) {
	s := newTestScope()
	s.Define("LIST", "x,y")

	// Commas inside nested references do not split arguments.
	tokens := s.tokenizeParams("a, $[if 1,b,c] ,d", true)
	assert.Equal(t, []string{"a", "b", "d"}, tokens)

	// A trailing comma yields a final empty token.
	tokens = s.tokenizeParams("a,", true)
	assert.Equal(t, []string{"a", ""}, tokens)

	// Lazy tokenization keeps references intact.
	tokens = s.tokenizeParams("$[LIST],z", false)
	assert.Equal(t, []string{"$[LIST]", "z"}, tokens)
}

func TestExpandUnclosedReferenceWarns(t *testing.T) {
	s := newTestScope()
	// Unclosed references are reported but not fatal.
	assert.Equal(t, "", s.ExpandString("$[oops"))
}

func TestScopeSelectorExpansion(t *testing.T) {
	ctx := NewContext()
	global := NewScope(ctx)
	ctx.PushScope(global)

	ctx.Named.SetCurrent("util")
	a := ctx.Named.MakeScope("lib")
	a.SetParent(global)
	a.Define("TARGET", "util-a")
	b := ctx.Named.MakeScope("lib")
	b.SetParent(global)
	b.Define("TARGET", "util-b")

	assert.Equal(t, "util-a util-b", global.ExpandString("$[TARGET(lib)]"))
	assert.Equal(t, "util-a util-b", global.ExpandString("$[TARGET(./lib)]"))
	assert.Equal(t, "util-a util-b", global.ExpandString("$[TARGET(*/lib)]"))
	assert.Equal(t, "", global.ExpandString("$[TARGET(nowhere/lib)]"))
}

func TestMapVariableExpansion(t *testing.T) {
	ctx := NewContext()
	global := NewScope(ctx)
	ctx.PushScope(global)

	ctx.Named.SetCurrent("top")
	for _, def := range []struct{ scope, key, n string }{
		{"s1", "a", "b"},
		{"s2", "b", "c"},
		{"s3", "c", ""},
	} {
		scope := ctx.Named.MakeScope(def.scope)
		scope.SetParent(global)
		scope.Define("KEY", def.key)
		scope.Define("DIRNAME", def.key)
		scope.Define("N", def.n)
	}
	global.DefineMapVariable("M", "KEY(s1 s2 s3)")

	// The traditional variable mirrors the key list.
	assert.Equal(t, "a b c", global.ExpandString("$[M]"))

	// Keyed expansion evaluates the expression within each named scope.
	assert.Equal(t, "b c", global.ExpandString("$[M $[N],a b]"))

	// Keys not present in the map.
	assert.Equal(t, "x", global.ExpandString("$[unmapped M,a x]"))
}

func TestExpandClosure(t *testing.T) {
	ctx := NewContext()
	global := NewScope(ctx)
	ctx.PushScope(global)

	ctx.Named.SetCurrent("top")
	var start *Scope
	for _, def := range []struct{ scope, key, n string }{
		{"s1", "a", "b"},
		{"s2", "b", "c"},
		{"s3", "c", ""},
	} {
		scope := ctx.Named.MakeScope(def.scope)
		scope.SetParent(global)
		scope.Define("KEY", def.key)
		scope.Define("DIRNAME", def.key)
		scope.Define("N", def.n)
		if start == nil {
			start = scope
		}
	}
	global.DefineMapVariable("M", "KEY(s1 s2 s3)")

	result := start.ExpandString("$[closure M,$[DIRNAME],$[N]]")
	words := strings.Fields(result)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, words)

	// Each scope is visited at most once even with a cyclic next chain.
	cyc := ctx.Named.MakeScope("cyc")
	cyc.SetParent(global)
	cyc.Define("KEY", "z")
	cyc.Define("DIRNAME", "z")
	cyc.Define("N", "z")
	global.DefineMapVariable("MC", "KEY(cyc)")
	assert.Equal(t, "z z", cyc.ExpandString("$[closure MC,$[DIRNAME],$[N]]"))
}

func TestForscopesFunction(t *testing.T) {
	ctx := NewContext()
	global := NewScope(ctx)
	ctx.PushScope(global)

	ctx.Named.SetCurrent("top")
	for _, name := range []string{"one", "two"} {
		scope := ctx.Named.MakeScope("part")
		scope.SetParent(global)
		scope.Define("NAME", name)
	}

	assert.Equal(t, "one two", global.ExpandString("$[forscopes part,$[NAME]]"))
}
