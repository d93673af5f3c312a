package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeLabel(t *testing.T) {
	t.Run("trims and escapes", func(t *testing.T) {
		assert.Equal(t, "Pixel &lt;7&gt;", SanitizeLabel("  Pixel <7>  "))
	})

	t.Run("strips control characters", func(t *testing.T) {
		assert.Equal(t, "ward tablet", SanitizeLabel("ward\x00 tablet\x07"))
	})

	t.Run("caps length", func(t *testing.T) {
		got := SanitizeLabel(strings.Repeat("a", 200))
		assert.Len(t, got, MaxLabelLength)
	})
}

func TestContainsSuspicious(t *testing.T) {
	assert.True(t, ContainsSuspicious("dev-<script>"))
	assert.True(t, ContainsSuspicious("${jndi}"))
	assert.True(t, ContainsSuspicious("dev\n1"))
	assert.True(t, ContainsSuspicious(`key"1`))
	assert.False(t, ContainsSuspicious("dev-1"))
	assert.False(t, ContainsSuspicious("d3b07384-d9a0-4c1f-a2e4-8a1f0f6c2b11"))
}
