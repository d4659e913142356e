package env

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDuration(t *testing.T) {
	t.Setenv("PHOTO_TEST_DURATION", "")
	assert.Equal(t, 3*time.Second, Duration("PHOTO_TEST_DURATION", 3*time.Second))

	t.Setenv("PHOTO_TEST_DURATION", "45")
	assert.Equal(t, 45*time.Second, Duration("PHOTO_TEST_DURATION", time.Second))

	t.Setenv("PHOTO_TEST_DURATION", "250ms")
	assert.Equal(t, 250*time.Millisecond, Duration("PHOTO_TEST_DURATION", time.Second))

	t.Setenv("PHOTO_TEST_DURATION", "soon")
	assert.Equal(t, time.Second, Duration("PHOTO_TEST_DURATION", time.Second))

	t.Setenv("PHOTO_TEST_DURATION", "-5")
	assert.Equal(t, time.Second, Duration("PHOTO_TEST_DURATION", time.Second))
}

func TestIntAndBool(t *testing.T) {
	t.Setenv("PHOTO_TEST_INT", "12")
	t.Setenv("PHOTO_TEST_BOOL", "true")
	assert.Equal(t, 12, Int("PHOTO_TEST_INT", 1))
	assert.True(t, Bool("PHOTO_TEST_BOOL", false))

	t.Setenv("PHOTO_TEST_INT", "0")
	t.Setenv("PHOTO_TEST_BOOL", "maybe")
	assert.Equal(t, 1, Int("PHOTO_TEST_INT", 1))
	assert.False(t, Bool("PHOTO_TEST_BOOL", false))
}
