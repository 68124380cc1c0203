package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRandstring(t *testing.T) {
	s := Randstring(16)
	assert.Len(t, s, 16)
	for _, r := range s {
		assert.True(t, r >= 'a' && r <= 'z')
	}
}

func TestLastNonEmptyLine(t *testing.T) {
	assert.Equal(t, "12345", LastNonEmptyLine([]byte("12345")))
	assert.Equal(t, "12345", LastNonEmptyLine([]byte("12345\n")))
	assert.Equal(t, "12345", LastNonEmptyLine([]byte("warning: something\n12345\n\n")))
}
