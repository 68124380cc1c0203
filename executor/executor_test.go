package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuiltinBackendsRegistered(t *testing.T) {
	assert.True(t, KnownBackend("process"))
	assert.True(t, KnownBackend("slurm"))
	assert.True(t, KnownBackend("docker"))
	assert.False(t, KnownBackend("ssh"))
}
