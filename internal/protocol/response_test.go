package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSuccess(t *testing.T) {
	r := NewSuccess("echo", map[string]int{"x": 42})
	assert.True(t, r.Success)
	assert.Nil(t, r.Error)
	assert.NotNil(t, r.Data)
	assert.Equal(t, "echo", r.Metadata.Command)
	assert.NotEmpty(t, r.Timestamp)
}

func TestNewError(t *testing.T) {
	r := NewError("echo", CodeUnknownCommand, "nope")
	assert.False(t, r.Success)
	assert.Nil(t, r.Data)
	require.NotNil(t, r.Error)
	assert.Equal(t, CodeUnknownCommand, r.Error.Code)
	assert.Equal(t, "nope", r.Error.Message)
}

func TestFromError_CommandErrorKeepsCode(t *testing.T) {
	err := NewCommandError(CodeInvalidParams, "bad field %s", "x")
	r := FromError("configure", err)
	require.NotNil(t, r.Error)
	assert.Equal(t, CodeInvalidParams, r.Error.Code)
	assert.Contains(t, r.Error.Message, "bad field x")
}

func TestFromError_GenericBecomesHandlerFailed(t *testing.T) {
	r := FromError("configure", errors.New("boom"))
	require.NotNil(t, r.Error)
	assert.Equal(t, CodeHandlerFailed, r.Error.Code)
	assert.Equal(t, "*errors.errorString", r.Error.Type)
}

func TestWrap(t *testing.T) {
	direct := NewSuccess("a", nil)
	assert.Same(t, direct, Wrap("a", direct))

	wrapped := Wrap("b", map[string]string{"k": "v"})
	assert.True(t, wrapped.Success)
	assert.Equal(t, "b", wrapped.Metadata.Command)
}
