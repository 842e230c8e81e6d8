package tokens

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCount(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	assert.Equal(t, 0, c.Count(""))
	assert.Equal(t, 1, c.Count("hello"))
	assert.Equal(t, 2, c.Count("hello world"))
	assert.Greater(t, c.Count("What is the derivative of x squared times sin x?"), 5)
}

func TestCountNilFallsBackToWords(t *testing.T) {
	var c *Counter
	assert.Equal(t, 3, c.Count("one two  three"))
}
