package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSafeTruncate(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		maxLen   int
		expected string
	}{
		{"shorter than limit", "abc", 10, "abc"},
		{"exactly at limit", "abcdef", 6, "abcdef"},
		{"longer than limit", "authorization-code-value", 8, "authoriz"},
		{"zero limit", "secret", 0, ""},
		{"negative limit", "secret", -5, ""},
		{"empty string", "", 8, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SafeTruncate(tt.input, tt.maxLen))
		})
	}
}

func TestNormalizeURL(t *testing.T) {
	assert.Equal(t, "https://mcp.sokosumi.com", NormalizeURL("https://mcp.sokosumi.com/"))
	assert.Equal(t, "https://mcp.sokosumi.com", NormalizeURL("https://mcp.sokosumi.com///"))
	assert.Equal(t, "https://mcp.sokosumi.com", NormalizeURL("https://mcp.sokosumi.com"))
}
