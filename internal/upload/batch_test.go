package upload

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplit(t *testing.T) {
	t.Parallel()

	rows := makeRows(7)
	batches := Split("r1", "99", schema, rows, 3)
	require.Len(t, batches, 3)
	assert.Equal(t, "r1:99:1", batches[0].ID)
	assert.Equal(t, "r1:99:3", batches[2].ID)
	assert.Equal(t, []int{3, 3, 1}, []int{batches[0].RowCount(), batches[1].RowCount(), batches[2].RowCount()})
	assert.Equal(t, "7", batches[2].Rows[0]["record_id"])
	assert.Equal(t, "99", batches[1].CollectionID)

	assert.Nil(t, Split("r1", "99", schema, nil, 3))
	assert.Len(t, Split("r1", "99", schema, rows, 0), 1, "default bound")
}
