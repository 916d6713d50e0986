package types

import (
	"encoding/json"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var messageIDPattern = regexp.MustCompile(`^msg_\d+_[0-9a-f]{8}$`)

func TestNewMessageID_Format(t *testing.T) {
	t.Parallel()

	seen := make(map[string]bool)
	for i := 0; i < 500; i++ {
		id := NewMessageID()
		require.Regexp(t, messageIDPattern, id)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestMessage_ApplyDefaults(t *testing.T) {
	t.Parallel()

	msg := &Message{Method: "task.run"}
	msg.ApplyDefaults(MessageTypeRequest)

	assert.Equal(t, JSONRPCVersion, msg.JSONRPC)
	assert.Equal(t, MessageTypeRequest, msg.MessageType)
	assert.NotEmpty(t, msg.ID)
	assert.NotZero(t, msg.Timestamp)
	assert.NoError(t, msg.Validate())

	n := &Message{Method: "status.update"}
	n.ApplyDefaults(MessageTypeNotification)
	assert.Empty(t, n.ID)
	assert.NoError(t, n.Validate())
}

func TestMessage_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  *Message
		ok   bool
	}{
		{"nil", nil, false},
		{"bad version", &Message{JSONRPC: "1.0", Method: "m", ID: "1", MessageType: MessageTypeRequest}, false},
		{"request without method", &Message{JSONRPC: "2.0", ID: "1", MessageType: MessageTypeRequest}, false},
		{"request without id", &Message{JSONRPC: "2.0", Method: "m", MessageType: MessageTypeRequest}, false},
		{"unknown type", &Message{JSONRPC: "2.0", Method: "m", ID: "1", MessageType: "event"}, false},
		{"bad priority", &Message{JSONRPC: "2.0", Method: "m", ID: "1", MessageType: MessageTypeRequest, Priority: "urgent"}, false},
		{"bad params", &Message{JSONRPC: "2.0", Method: "m", ID: "1", MessageType: MessageTypeRequest, Params: json.RawMessage(`{`)}, false},
		{"valid request", &Message{JSONRPC: "2.0", Method: "m", ID: "1", MessageType: MessageTypeRequest, Priority: PriorityHigh}, true},
		{"valid response", &Message{JSONRPC: "2.0", ID: "1", MessageType: MessageTypeResponse}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, ErrorTypeProtocol, TypeOf(err))
		})
	}
}

func TestMessage_CloneIsDeep(t *testing.T) {
	t.Parallel()

	orig, err := NewRequest("echo", map[string]string{"k": "v"})
	require.NoError(t, err)
	orig.Error = &RPCError{Code: 1, Message: "x", Data: json.RawMessage(`"d"`)}

	c := orig.Clone()
	c.Params[2] = 'X'
	c.Error.Message = "changed"

	assert.Equal(t, `{"k":"v"}`, string(orig.Params))
	assert.Equal(t, "x", orig.Error.Message)
}

func TestDecodeResponse(t *testing.T) {
	t.Parallel()

	msg, err := DecodeResponse([]byte(`{"id":"abc","result":{"ok":true}}`))
	require.NoError(t, err)
	assert.Equal(t, "abc", msg.ID)
	assert.Equal(t, MessageTypeResponse, msg.MessageType)
	assert.Equal(t, JSONRPCVersion, msg.JSONRPC)

	_, err = DecodeResponse([]byte(`not json`))
	require.Error(t, err)
	assert.Equal(t, CodeMalformedResponse, CodeOf(err))
}

func TestMessage_JSONRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		msg := &Message{
			JSONRPC:     JSONRPCVersion,
			Method:      rapid.StringMatching(`[a-z]{1,8}(\.[a-z]{1,8})?`).Draw(rt, "method"),
			ID:          rapid.StringMatching(`[a-zA-Z0-9_]{1,24}`).Draw(rt, "id"),
			From:        rapid.StringMatching(`[a-z0-9-]{0,12}`).Draw(rt, "from"),
			To:          rapid.StringMatching(`[a-z0-9-]{0,12}`).Draw(rt, "to"),
			Timestamp:   rapid.Int64Range(1, 1<<42).Draw(rt, "ts"),
			MessageType: rapid.SampledFrom([]MessageType{MessageTypeRequest, MessageTypeResponse}).Draw(rt, "type"),
			Priority:    rapid.SampledFrom([]Priority{"", PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical}).Draw(rt, "priority"),
		}
		require.NoError(rt, msg.Validate())

		raw, err := json.Marshal(msg)
		require.NoError(rt, err)
		var back Message
		require.NoError(rt, json.Unmarshal(raw, &back))
		assert.Equal(rt, *msg, back)
	})
}
