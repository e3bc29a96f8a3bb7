package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunContext_MergeOverwritesWithoutDeleting(t *testing.T) {
	rc := NewRunContext()
	rc.Merge(map[string]any{"x": 1, "keep": "yes"})
	rc.Merge(map[string]any{"x": 2})
	rc.Merge(nil)

	assert.Equal(t, RunContext{"x": 2, "keep": "yes"}, rc)
}

func TestRunContext_ResolveParams(t *testing.T) {
	rc := RunContext{
		"filters": map[string]any{"domain": `\.org$`},
		"result":  map[string]any{"count": 3},
	}
	params := map[string]any{
		"domain_regex": "@filters.domain",
		"n":            "@result.count",
		"missing":      "@filters.nope",
		"literal":      "plain",
		"at":           "@",
		"number":       5,
	}

	got := rc.ResolveParams(params)

	assert.Equal(t, `\.org$`, got["domain_regex"])
	assert.Equal(t, 3, got["n"])
	assert.Nil(t, got["missing"])
	assert.Equal(t, "plain", got["literal"])
	assert.Equal(t, "@", got["at"])
	assert.Equal(t, 5, got["number"])
	// the original params are untouched
	assert.Equal(t, "@filters.domain", params["domain_regex"])
}

func TestRunContext_LookupThroughNonMap(t *testing.T) {
	rc := RunContext{"x": 1}
	_, ok := rc.Lookup("x.y")
	assert.False(t, ok)
}
