package badgerstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestColumnKeyRoundTrip(t *testing.T) {
	rowKey := []byte("row-key-bytes")
	full := joinColumnKey(rowKey, 42)

	gotRow, gotCol, err := splitColumnKey(full)
	require.NoError(t, err)
	assert.Equal(t, rowKey, gotRow)
	assert.Equal(t, uint32(42), gotCol)
}

func TestSplitColumnKeyRejectsTooShort(t *testing.T) {
	_, _, err := splitColumnKey([]byte{1, 2})
	assert.Error(t, err)
}

func TestColumnKeyOrdersByRowThenColumn(t *testing.T) {
	a := joinColumnKey([]byte("a"), 1)
	b := joinColumnKey([]byte("a"), 2)
	c := joinColumnKey([]byte("b"), 0)
	assert.True(t, string(a) < string(b))
	assert.True(t, string(b) < string(c))
}
