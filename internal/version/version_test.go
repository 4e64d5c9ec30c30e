package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBounds(t *testing.T) {
	t.Run("valid range", func(t *testing.T) {
		b, err := NewBounds("1.0.0", "2.0.0")
		require.NoError(t, err)
		assert.Equal(t, "1.0.0", b.Min.String())
		assert.Equal(t, "2.0.0", b.Max.String())
	})

	t.Run("invalid min", func(t *testing.T) {
		_, err := NewBounds("not-a-version", "2.0.0")
		assert.Error(t, err)
	})

	t.Run("max below min", func(t *testing.T) {
		_, err := NewBounds("2.0.0", "1.0.0")
		assert.Error(t, err)
	})
}

func TestBoundsSupports(t *testing.T) {
	b, err := NewBounds("1.0.0", "2.0.0")
	require.NoError(t, err)

	assert.True(t, b.Supports("1.0.0"))
	assert.True(t, b.Supports("2.0.0"))
	assert.True(t, b.Supports("1.5.3"))
	assert.False(t, b.Supports("0.9.9"))
	assert.False(t, b.Supports("2.0.1"))
	assert.False(t, b.Supports("garbage"))
}

func TestCompareSchema(t *testing.T) {
	c, err := CompareSchema("1.0.0", "1.1.0")
	require.NoError(t, err)
	assert.Equal(t, -1, c)

	c, err = CompareSchema("1.1.0", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, 1, c)

	c, err = CompareSchema("1.0.0", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, 0, c)

	_, err = CompareSchema("nope", "1.0.0")
	assert.Error(t, err)
}
