package shaping

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/shaleyeah/toolkernel/pkg/contracts"
)

func sampleResult() map[string]any {
	return map[string]any{
		"id":          "tract-7",
		"score":       0.82,
		"findings":    []any{"thick pay zone"},
		"metrics":     map[string]any{"porosity": 0.11},
		"raw_samples": []any{1, 2, 3},
		"debug_trace": "…",
	}
}

func TestShape_DefaultVisibilityTiers(t *testing.T) {
	v := FieldVisibility{}

	summary := Shape(sampleResult(), contracts.DetailSummary, v)
	standard := Shape(sampleResult(), contracts.DetailStandard, v)
	full := Shape(sampleResult(), contracts.DetailFull, v)

	assert.Equal(t, []string{"id", "score"}, Keys(summary))
	assert.Equal(t, []string{"findings", "id", "metrics", "score"}, Keys(standard))
	assert.Equal(t, []string{"debug_trace", "findings", "id", "metrics", "raw_samples", "score"}, Keys(full))
}

func TestShape_UnknownLevelIsStandard(t *testing.T) {
	got := Shape(sampleResult(), contracts.DetailLevel("verbose"), FieldVisibility{})
	want := Shape(sampleResult(), contracts.DetailStandard, FieldVisibility{})
	assert.Equal(t, want, got)
}

func TestShape_PerToolRules(t *testing.T) {
	v := FieldVisibility{Summary: []string{"npv"}, Standard: []string{"irr"}}
	value := map[string]any{"npv": 12.5, "irr": 0.18, "cashflows": []any{1.0}, "id": "x"}

	assert.Equal(t, []string{"npv"}, Keys(Shape(value, contracts.DetailSummary, v)))
	assert.Equal(t, []string{"irr", "npv"}, Keys(Shape(value, contracts.DetailStandard, v)))
	assert.Len(t, Shape(value, contracts.DetailFull, v), 4)
}

func TestShape_IdempotentAndMonotonic(t *testing.T) {
	v := FieldVisibility{}
	levels := []contracts.DetailLevel{contracts.DetailSummary, contracts.DetailStandard, contracts.DetailFull}

	var prev []string
	for _, level := range levels {
		once := Shape(sampleResult(), level, v)
		twice := Shape(once, level, v)
		assert.Equal(t, once, twice, "level %s", level)

		keys := Keys(once)
		for _, k := range prev {
			assert.Contains(t, keys, k, "level %s dropped %s", level, k)
		}
		prev = keys
	}
}

func TestShape_NonMapPassesThrough(t *testing.T) {
	assert.Equal(t, "plain", Shape("plain", contracts.DetailSummary, FieldVisibility{}))
	list := []any{1, 2}
	assert.Equal(t, list, Shape(list, contracts.DetailSummary, FieldVisibility{}))
	assert.Nil(t, Shape(nil, contracts.DetailSummary, FieldVisibility{}))
}

func TestShape_DoesNotMutateInput(t *testing.T) {
	in := sampleResult()
	_ = Shape(in, contracts.DetailSummary, FieldVisibility{})
	assert.Len(t, in, 6)
}
