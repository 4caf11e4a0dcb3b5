package pp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPatternMatches(t *testing.T) {
	tests := []struct {
		pattern  string
		filename string
		want     bool
	}{
		{"%.c", "foo.c", true},
		{"%.c", "foo.h", false},
		{"%.c", ".c", true},
		{"foo%", "foobar", true},
		{"foo%bar", "fooxbar", true},
		{"foo%bar", "foobar", true},
		{"foo%bar", "fobar", false},
		{"exact", "exact", true},
		{"exact", "exactly", false},
	}
	for _, tt := range tests {
		got := NewPattern(tt.pattern).Matches(tt.filename)
		assert.Equal(t, tt.want, got, "pattern %q against %q", tt.pattern, tt.filename)
	}
}

func TestPatternTransform(t *testing.T) {
	from := NewPattern("%.c")
	to := NewPattern("%.o")
	assert.Equal(t, "foo.o", to.Transform("foo.c", from))
	assert.Equal(t, "foo.h", to.Transform("foo.h", from))

	// Every % in the target pattern repeats the matched body.
	double := NewPattern("%_%.o")
	assert.Equal(t, "foo_foo.o", double.Transform("foo.c", from))

	// A target without a wildcard replaces matches outright.
	fixed := NewPattern("gone")
	assert.Equal(t, "gone", fixed.Transform("foo.c", from))
}

func TestPatternExtractBody(t *testing.T) {
	p := NewPattern("lib%.so")
	assert.Equal(t, "m", p.ExtractBody("libm.so"))
	assert.Equal(t, "", p.ExtractBody("libm.a"))
	assert.False(t, NewPattern("plain").HasWildcard())
}
