package util

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRandString(t *testing.T) {
	s := RandString(8)
	assert.Len(t, s, 8)
	assert.Regexp(t, regexp.MustCompile(`^[A-Za-z0-9]{8}$`), s)
	assert.Empty(t, RandString(0))
}
