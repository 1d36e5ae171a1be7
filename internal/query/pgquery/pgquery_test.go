package pgquery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_SimpleWhereOrderLimit(t *testing.T) {
	p := New()
	pq, err := p.Parse(`SELECT id, name AS full_name FROM widgets WHERE price > 10 ORDER BY name DESC LIMIT 5`)
	require.NoError(t, err)

	assert.Equal(t, []string{"widgets"}, pq.Tables)
	require.Len(t, pq.Fields, 2)
	assert.Equal(t, "id", pq.Fields[0].Name)
	assert.Equal(t, "name", pq.Fields[1].Name)
	assert.Equal(t, "full_name", pq.Fields[1].Alias)

	require.Len(t, pq.Order, 1)
	assert.Equal(t, "name", pq.Order[0].Column)
	assert.True(t, pq.Order[0].Desc)

	n, ok := pq.Limit()
	require.True(t, ok)
	assert.Equal(t, 5, n)

	ok2, err := pq.EvaluateWhere(map[string]any{"price": float64(20)})
	require.NoError(t, err)
	assert.True(t, ok2)

	ok2, err = pq.EvaluateWhere(map[string]any{"price": float64(5)})
	require.NoError(t, err)
	assert.False(t, ok2)
}

func TestParse_StarSelectHasNoLimit(t *testing.T) {
	p := New()
	pq, err := p.Parse(`SELECT * FROM widgets`)
	require.NoError(t, err)

	require.Len(t, pq.Fields, 1)
	assert.True(t, pq.Fields[0].IsStar())

	_, ok := pq.Limit()
	assert.False(t, ok)

	projected := pq.Project(map[string]any{"id": 1, "name": "a", "_index": 1})
	assert.Equal(t, map[string]any{"id": 1, "name": "a"}, projected)
}

func TestParse_RejectsGroupBy(t *testing.T) {
	p := New()
	_, err := p.Parse(`SELECT count(*) FROM widgets GROUP BY name`)
	assert.Error(t, err)
}

func TestParse_RejectsOffset(t *testing.T) {
	p := New()
	_, err := p.Parse(`SELECT id FROM widgets OFFSET 10`)
	assert.Error(t, err)
}

func TestParse_RejectsSubselectInFrom(t *testing.T) {
	p := New()
	_, err := p.Parse(`SELECT id FROM (SELECT id FROM widgets) sub`)
	assert.Error(t, err)
}

func TestParse_AndOrPredicate(t *testing.T) {
	p := New()
	pq, err := p.Parse(`SELECT id FROM widgets WHERE (price > 10 AND price < 100) OR name = 'special'`)
	require.NoError(t, err)

	ok, err := pq.EvaluateWhere(map[string]any{"price": float64(50), "name": "x"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = pq.EvaluateWhere(map[string]any{"price": float64(5), "name": "special"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = pq.EvaluateWhere(map[string]any{"price": float64(5), "name": "x"})
	require.NoError(t, err)
	assert.False(t, ok)
}
