package jsonrpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestIDStringAndNumber(t *testing.T) {
	var id RequestID
	require.NoError(t, json.Unmarshal([]byte(`"abc"`), &id))
	assert.Equal(t, "abc", id.String())

	var numID RequestID
	require.NoError(t, json.Unmarshal([]byte(`42`), &numID))
	assert.Equal(t, "42", numID.String())
}

func TestRequestIDRejectsOtherTypes(t *testing.T) {
	var id RequestID
	err := json.Unmarshal([]byte(`true`), &id)
	assert.Error(t, err)
}

func TestRequestIDNilHandling(t *testing.T) {
	var id *RequestID
	assert.True(t, id.IsNil())
	assert.Equal(t, "", id.String())

	b, err := id.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, "null", string(b))
}

func TestNewRequestIDInvalidType(t *testing.T) {
	id := NewRequestID(struct{}{})
	assert.True(t, id.IsNil())
}
