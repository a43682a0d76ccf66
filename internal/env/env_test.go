package env

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestString(t *testing.T) {
	t.Setenv("NODEFLOW_TEST_STRING", "value")
	assert.Equal(t, "value", String("NODEFLOW_TEST_STRING", "def"))
	assert.Equal(t, "def", String("NODEFLOW_TEST_STRING_UNSET", "def"))
}

func TestDuration(t *testing.T) {
	t.Setenv("NODEFLOW_TEST_DURATION", "250ms")
	d, err := Duration("NODEFLOW_TEST_DURATION", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	t.Setenv("NODEFLOW_TEST_DURATION", "soon")
	_, err = Duration("NODEFLOW_TEST_DURATION", time.Second)
	assert.ErrorContains(t, err, "parse NODEFLOW_TEST_DURATION")
}

func TestIntAndBool(t *testing.T) {
	t.Setenv("NODEFLOW_TEST_INT", "7")
	t.Setenv("NODEFLOW_TEST_BOOL", "true")

	i, err := Int("NODEFLOW_TEST_INT", 1)
	require.NoError(t, err)
	assert.Equal(t, 7, i)

	b, err := Bool("NODEFLOW_TEST_BOOL", false)
	require.NoError(t, err)
	assert.True(t, b)

	i, err = Int("NODEFLOW_TEST_INT_UNSET", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, i)
}
