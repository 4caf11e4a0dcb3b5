package debug

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandHistogramReport(t *testing.T) {
	h := NewExpandHistogram()
	for i := 0; i < 3; i++ {
		h.Record("$[CFLAGS]", "-O2 -Wall")
	}
	h.Record("$[TARGET]", "libfoo")

	var out strings.Builder
	h.Report(&out, 1)

	report := out.String()
	assert.Contains(t, report, "$[CFLAGS]")
	assert.Contains(t, report, "(3)")
	assert.NotContains(t, report, "$[TARGET]")
}

func TestExpandHistogramSeparatesResults(t *testing.T) {
	h := NewExpandHistogram()
	h.Record("$[X]", "one")
	h.Record("$[X]", "one")
	h.Record("$[X]", "two")

	var out strings.Builder
	h.Report(&out, 10)
	report := out.String()
	assert.Contains(t, report, `"one" (2)`)
	assert.Contains(t, report, `"two" (1)`)
}

func TestVerbosityGating(t *testing.T) {
	var out strings.Builder
	SetOutput(&out)
	defer SetOutput(nil)

	SetVerbosity(0)
	Logf("hidden")
	assert.Empty(t, out.String())

	SetVerbosity(1)
	Logf("shown")
	Tracef("still hidden")
	assert.Contains(t, out.String(), "shown")
	assert.NotContains(t, out.String(), "still hidden")

	SetVerbosity(0)
}
