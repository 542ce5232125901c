package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitize(t *testing.T) {
	assert.Nil(t, Sanitize(nil))

	wrapped := fmt.Errorf("read config: %w", errors.New("permission denied"))
	assert.Equal(t, &RemoteError{Message: "read config: permission denied"}, Sanitize(wrapped))

	withStack := &RemoteError{Message: "boom", Stack: "at main.go:1"}
	assert.Equal(t, &RemoteError{Message: "boom"}, Sanitize(withStack))

	assert.Equal(t, UnknownErrorMessage, Sanitize(errors.New("")).Message)
}

func TestRecovered(t *testing.T) {
	assert.Equal(t, "boom", Recovered(errors.New("boom")).Message)
	assert.Equal(t, UnknownErrorMessage, Recovered("just a string").Message)
	assert.Equal(t, UnknownErrorMessage, Recovered(42).Message)
}

func TestNoHandlerError(t *testing.T) {
	err := NoHandlerError("theme.nope")
	assert.Equal(t, "No handler registered for channel: theme.nope", err.Error())
	assert.ErrorIs(t, err, ErrUnknownChannel)
}

func TestMessage_Encoding(t *testing.T) {
	args, err := EncodeArgs("a", 1)
	require.NoError(t, err)

	data, err := json.Marshal(NewInvokeRequest("1", "fs.joinPath", args))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"invoke-request","id":"1","channel":"fs.joinPath","args":["a",1]}`, string(data))

	res, err := NewInvokeResult("1", "dark")
	require.NoError(t, err)
	data, err = json.Marshal(res)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"invoke-response","id":"1","success":true,"result":"dark"}`, string(data))

	data, err = json.Marshal(NewInvokeError("2", errors.New("nope")))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"invoke-response","id":"2","success":false,"error":{"message":"nope"}}`, string(data))

	ev, err := NewEventData("3", "theme.on.updated::response", "light")
	require.NoError(t, err)
	data, err = json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"event-data","id":"3","channel":"theme.on.updated::response","data":"light"}`, string(data))
}

func TestMessage_Validate(t *testing.T) {
	ok := true
	valid := []*Message{
		NewInvokeRequest("1", "a", nil),
		{Type: TypeInvokeResponse, ID: "1", Success: &ok},
		NewEventSubscribe("2", "a"),
		NewEventUnsubscribe("3", "a"),
		{Type: TypeEventData, Channel: "a"},
	}
	for _, m := range valid {
		assert.NoError(t, m.Validate(), m.Type)
	}

	invalid := []*Message{
		{Type: "bogus", ID: "1"},
		{Type: TypeInvokeRequest, ID: "1"},
		{Type: TypeInvokeRequest, Channel: "a"},
		{Type: TypeInvokeResponse, ID: "1"},
		{Type: TypeEventSubscribe, Channel: "a"},
	}
	for _, m := range invalid {
		assert.Error(t, m.Validate(), m.Type)
	}
}
