package meetings

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCode(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		code, err := generateCode()
		require.NoError(t, err)
		require.Len(t, code, codeLength)
		assert.Equal(t, -1, strings.IndexFunc(code, func(r rune) bool { return !strings.ContainsRune(codeChars, r) }))
		seen[code] = true
	}
	assert.Greater(t, len(seen), 190)
}

func TestValidCode(t *testing.T) {
	assert.True(t, validCode("team-sync"))
	assert.True(t, validCode("ABC234"))
	assert.False(t, validCode("abc"))
	assert.False(t, validCode("has space"))
	assert.False(t, validCode("slash/es"))
	assert.False(t, validCode(strings.Repeat("a", maxCustomCode+1)))
}
