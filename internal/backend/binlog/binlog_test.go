package binlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liveset/liveset/internal/engine"
)

func TestNormalize_KeysRowsByCachedColumnOrder(t *testing.T) {
	b := &Backend{columns: map[string][]string{
		"app.widgets": {"id", "name", "price"},
	}}

	evt, err := b.normalize(RawEvent{
		Op:       "UPDATE",
		Database: "app",
		Table:    "widgets",
		Rows: []RawRowImage{
			{Old: []any{1, "gizmo", 9.99}, New: []any{1, "gizmo", 12.50}},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, engine.OpUpdate, evt.Op)
	assert.Equal(t, []string{"id", "name", "price"}, evt.ColumnNames)
	require.Len(t, evt.Rows, 1)
	assert.Equal(t, map[string]any{"id": 1, "name": "gizmo", "price": 9.99}, evt.Rows[0].Old)
	assert.Equal(t, map[string]any{"id": 1, "name": "gizmo", "price": 12.50}, evt.Rows[0].New)
}

func TestNormalize_InsertHasNilOldImage(t *testing.T) {
	b := &Backend{columns: map[string][]string{
		"app.widgets": {"id", "name"},
	}}

	evt, err := b.normalize(RawEvent{
		Op:       "INSERT",
		Database: "app",
		Table:    "widgets",
		Rows:     []RawRowImage{{New: []any{2, "sprocket"}}},
	})
	require.NoError(t, err)
	require.Len(t, evt.Rows, 1)
	assert.Nil(t, evt.Rows[0].Old)
	assert.Equal(t, "sprocket", evt.Rows[0].New["name"])
}

func TestNormalize_UnknownOpErrors(t *testing.T) {
	b := &Backend{columns: map[string][]string{"app.widgets": {"id"}}}
	_, err := b.normalize(RawEvent{Op: "TRUNCATE", Database: "app", Table: "widgets"})
	assert.Error(t, err)
}

func TestKeyedRow_NilValuesYieldNilRow(t *testing.T) {
	assert.Nil(t, keyedRow([]string{"id", "name"}, nil))
}
