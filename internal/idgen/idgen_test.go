package idgen

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRun(t *testing.T) {
	a := NewRun()
	b := NewRun()

	assert.True(t, strings.HasPrefix(a, PrefixRun))
	assert.NotEqual(t, a, b)

	_, err := uuid.Parse(strings.TrimPrefix(a, PrefixRun))
	require.NoError(t, err)
}

func TestNewRequest(t *testing.T) {
	id := NewRequest()
	assert.True(t, strings.HasPrefix(id, PrefixRequest))
	assert.NotEqual(t, id, NewRequest())
}
