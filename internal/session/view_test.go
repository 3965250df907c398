package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDisplayed(t *testing.T) {
	var d Displayed
	assert.Equal(t, "", d.Get())
	assert.False(t, d.Is(""))

	d.Set("a")
	assert.True(t, d.Is("a"))
	assert.False(t, d.Is("b"))

	d.Set("")
	assert.False(t, d.Is("a"))
}
