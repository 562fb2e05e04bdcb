package stringutil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncateShortStringUntouched(t *testing.T) {
	assert.Equal(t, "hello", Truncate("hello", 10))
	assert.Equal(t, "hello", Truncate("hello", 5))
}

func TestTruncateDoesNotSplitRunes(t *testing.T) {
	s := "héllo" // é is two bytes
	out := Truncate(s, 2)
	assert.Equal(t, "h", out)
	assert.True(t, strings.HasPrefix(s, out))
}

func TestTruncateZeroMax(t *testing.T) {
	assert.Equal(t, "", Truncate("abc", 0))
}

func TestEllipsizeAppendsMarkerOnlyWhenCut(t *testing.T) {
	assert.Equal(t, "hello", Ellipsize("hello", 5))
	assert.Equal(t, "hel…", Ellipsize("hello!", 3))
}
