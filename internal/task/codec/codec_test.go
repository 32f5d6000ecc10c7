package codec

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type accountRef struct {
	Bank    string `json:"bank"`
	Account string `json:"account"`
}

func TestRoundTripStruct(t *testing.T) {
	c := JSON{}
	in := accountRef{Bank: "b1", Account: "a-42"}

	data, tag, err := c.Encode(in)
	require.NoError(t, err)
	assert.Equal(t, TagOf[accountRef](c), tag)

	var out accountRef
	require.NoError(t, c.Decode(data, tag, &out))
	assert.Equal(t, in, out)
}

func TestRoundTripString(t *testing.T) {
	c := JSON{}
	data, tag, err := c.Encode("one")
	require.NoError(t, err)
	assert.Equal(t, "string", tag)

	var out string
	require.NoError(t, c.Decode(data, tag, &out))
	assert.Equal(t, "one", out)
}

func TestDecodeRejectsMismatchedTag(t *testing.T) {
	c := JSON{}
	data, tag, err := c.Encode(42)
	require.NoError(t, err)

	var out accountRef
	err = c.Decode(data, tag, &out)
	assert.True(t, errors.Is(err, ErrTypeMismatch), "got %v", err)
}

func TestDecodeRequiresPointer(t *testing.T) {
	var out string
	assert.ErrorIs(t, JSON{}.Decode([]byte(`"x"`), "string", out), ErrNilTarget)
	assert.ErrorIs(t, JSON{}.Decode([]byte(`"x"`), "string", (*string)(nil)), ErrNilTarget)
}

func TestEncodeUnsupported(t *testing.T) {
	_, _, err := JSON{}.Encode(make(chan int))
	assert.Error(t, err)
}
