package equivalence

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/srknzl/ces-compact/internal/models"
)

func TestEqual(t *testing.T) {
	t.Run("identical attributes are equivalent", func(t *testing.T) {
		a := models.CES{ID: "a", Attributes: map[string]interface{}{"type": "function", "loc": int64(12)}}
		b := models.CES{ID: "b", Attributes: map[string]interface{}{"type": "function", "loc": int64(12)}}
		assert.True(t, Equal(a, b))
	})

	t.Run("excluded fields never affect the result", func(t *testing.T) {
		a := models.CES{ID: "a", SKey: "k1", CommitID: "c1", CEParentID: "p1", Attributes: map[string]interface{}{"type": "function"}}
		b := models.CES{ID: "b", SKey: "k2", CommitID: "c2", CEParentID: "p2", Attributes: map[string]interface{}{"type": "function"}}
		assert.True(t, Equal(a, b))
	})

	t.Run("differing attribute value is not equivalent", func(t *testing.T) {
		a := models.CES{Attributes: map[string]interface{}{"type": "function"}}
		b := models.CES{Attributes: map[string]interface{}{"type": "class"}}
		assert.False(t, Equal(a, b))
	})

	t.Run("attribute present on only one side is not equivalent", func(t *testing.T) {
		a := models.CES{Attributes: map[string]interface{}{"type": "function", "async": true}}
		b := models.CES{Attributes: map[string]interface{}{"type": "function"}}
		assert.False(t, Equal(a, b))
	})

	t.Run("NaN equals NaN", func(t *testing.T) {
		a := models.CES{Attributes: map[string]interface{}{"complexity": math.NaN()}}
		b := models.CES{Attributes: map[string]interface{}{"complexity": math.NaN()}}
		assert.True(t, Equal(a, b))
	})

	t.Run("nested maps compare recursively", func(t *testing.T) {
		a := models.CES{Attributes: map[string]interface{}{
			"location": map[string]interface{}{"start": int64(1), "end": int64(5)},
		}}
		b := models.CES{Attributes: map[string]interface{}{
			"location": map[string]interface{}{"start": int64(1), "end": int64(5)},
		}}
		assert.True(t, Equal(a, b))

		b.Attributes["location"].(map[string]interface{})["end"] = int64(6)
		assert.False(t, Equal(a, b))
	})

	t.Run("cg_ids divergence is ignored", func(t *testing.T) {
		a := models.CES{CGIDs: []string{"g1"}, Attributes: map[string]interface{}{"type": "function"}}
		b := models.CES{CGIDs: []string{"g2", "g3"}, Attributes: map[string]interface{}{"type": "function"}}
		assert.True(t, Equal(a, b))
	})
}

func TestCompareIndeterminate(t *testing.T) {
	// A value the comparator has no rule for must surface as an error, and
	// Equal must fold that into "not equivalent" so the record is kept.
	a := models.CES{Attributes: map[string]interface{}{"hook": func() {}}}
	b := models.CES{Attributes: map[string]interface{}{"hook": func() {}}}

	eq, err := Compare(a, b)
	assert.False(t, eq)
	assert.Error(t, err)
	assert.False(t, Equal(a, b))
}
