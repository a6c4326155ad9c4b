package idgen

import (
	"regexp"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUUID(t *testing.T) {
	t.Run("generates parseable uuid", func(t *testing.T) {
		code, err := UUID()
		require.NoError(t, err)
		_, err = uuid.Parse(code)
		assert.NoError(t, err)
	})

	t.Run("generates unique codes", func(t *testing.T) {
		codes := make(map[string]bool)
		for i := 0; i < 100; i++ {
			code, err := UUID()
			require.NoError(t, err)
			assert.False(t, codes[code], "duplicate code generated: %s", code)
			codes[code] = true
		}
	})
}

func TestShort(t *testing.T) {
	t.Run("generates code in correct format XXXX-XXXX", func(t *testing.T) {
		code, err := Short()
		require.NoError(t, err)

		pattern := regexp.MustCompile(`^[A-Z0-9]{4}-[A-Z0-9]{4}$`)
		assert.True(t, pattern.MatchString(code), "code should match XXXX-XXXX format, got: %s", code)
	})

	t.Run("excludes ambiguous characters", func(t *testing.T) {
		for i := 0; i < 100; i++ {
			code, err := Short()
			require.NoError(t, err)
			assert.NotContains(t, code, "O")
			assert.NotContains(t, code, "I")
			assert.NotContains(t, code, "0")
			assert.NotContains(t, code, "1")
		}
	})
}

func TestShortAlphabet(t *testing.T) {
	// 24 letters without O, I plus 8 digits without 0, 1
	assert.Len(t, ShortAlphabet, 32)
}

func TestForFormat(t *testing.T) {
	code, err := ForFormat("short")()
	require.NoError(t, err)
	assert.Len(t, code, 9)

	code, err = ForFormat("uuid")()
	require.NoError(t, err)
	assert.Len(t, code, 36)
}
