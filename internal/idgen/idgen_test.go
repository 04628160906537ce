package idgen

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithPrefix(t *testing.T) {
	id := WithPrefix(PrefixJob)
	assert.True(t, HasPrefix(id, PrefixJob))
	assert.False(t, HasPrefix(id, PrefixCampaign))
	assert.NotEqual(t, id, WithPrefix(PrefixJob))
}

func TestNew_IsUUID(t *testing.T) {
	assert.Len(t, New(), 36)
}
