package commands

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseArgs(t *testing.T) {
	got := parseArgs([]string{`{"theme":"dark"}`, "foo", "42", "bar baz"})

	assert.Equal(t, json.RawMessage(`{"theme":"dark"}`), got[0])
	assert.Equal(t, "foo", got[1])
	assert.Equal(t, json.RawMessage("42"), got[2])
	assert.Equal(t, "bar baz", got[3])
}

func TestEndpoints(t *testing.T) {
	workDir = t.TempDir()
	t.Cleanup(func() { workDir, hostURL = "", "" })

	hostURL = "wss://example.com:9000/ws"
	ws, base, opts, err := endpoints()
	assert.NoError(t, err)
	assert.Equal(t, "wss://example.com:9000/ws", ws)
	assert.Equal(t, "https://example.com:9000", base)
	assert.Equal(t, ws, opts.URL)

	hostURL = "http://example.com/ws"
	_, _, _, err = endpoints()
	assert.Error(t, err)
}
