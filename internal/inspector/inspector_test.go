package inspector

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry(t *testing.T) {
	r := New()

	assert.False(t, r.IsAuthenticated("group-1"))

	r.MarkAuthenticated("group-1")
	assert.True(t, r.IsAuthenticated("group-1"))
	assert.False(t, r.IsAuthenticated("group-2"))

	r.Forget("group-1")
	assert.False(t, r.IsAuthenticated("group-1"))
}
