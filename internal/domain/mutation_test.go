package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalMutation_TaggedShape(t *testing.T) {
	data, err := MarshalMutation(AppendToCodeToolCallMutation{ToolCallID: "t1", CodeDelta: "+1)"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"AppendToCodeToolCallMutation","tool_call_id":"t1","code_delta":"+1)"}`, string(data))
}

func TestMarshalMutation_TypeComesFirst(t *testing.T) {
	data, err := MarshalMutation(SetNameChatMutation{Name: "x"})
	require.NoError(t, err)
	assert.Equal(t, `{"type":"SetNameChatMutation","name":"x"}`, string(data))
}

func TestMarshalMutation_Nil(t *testing.T) {
	_, err := MarshalMutation(nil)
	assert.ErrorIs(t, err, ErrInvalidMutation)
}

func TestUnmarshalMutation_ReturnsValueType(t *testing.T) {
	m, err := UnmarshalMutation([]byte(`{"type":"SetIsStreamingMessageMutation","message_id":"m1","is_streaming":true}`))
	require.NoError(t, err)
	assert.Equal(t, SetIsStreamingMessageMutation{MessageID: "m1", IsStreaming: true}, m)
}

func TestUnmarshalMutation_UnknownType(t *testing.T) {
	_, err := UnmarshalMutation([]byte(`{"type":"DropTablesMutation"}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidMutation)
	assert.Contains(t, err.Error(), "DropTablesMutation")
}

func TestUnmarshalMutation_Garbage(t *testing.T) {
	_, err := UnmarshalMutation([]byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidMutation)
}

func TestEveryKindHasDecoder(t *testing.T) {
	for kind, decode := range mutationDecoders {
		m, err := decode(json.RawMessage(`{}`))
		require.NoError(t, err)
		assert.Equal(t, kind, m.Kind())
	}
}

func TestMutationServerMessageFrame(t *testing.T) {
	msg := MutationServerMessage{
		RequestID: "r1",
		ChatID:    "c1",
		Mutation:  TaggedMutation{DeleteMessageGroupMutation{MessageGroupID: "g1"}},
	}
	data, err := MarshalServerMessage(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type": "mutation",
		"request_id": "r1",
		"chat_id": "c1",
		"mutation": {"type": "DeleteMessageGroupMutation", "message_group_id": "g1"}
	}`, string(data))

	var back struct {
		Mutation TaggedMutation `json:"mutation"`
	}
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, DeleteMessageGroupMutation{MessageGroupID: "g1"}, back.Mutation.Mutation)
}
