package gateway

import "encoding/json"

// ClientMessageType identifies a message sent by a websocket client.
type ClientMessageType string

const (
	MsgOpenChat    ClientMessageType = "open_chat"
	MsgCloseChat   ClientMessageType = "close_chat"
	MsgAcquireLock ClientMessageType = "acquire_lock"
	MsgReleaseLock ClientMessageType = "release_lock"
	MsgMutate      ClientMessageType = "mutate"
	MsgProcessChat ClientMessageType = "process_chat"
	MsgAcceptCode  ClientMessageType = "accept_code"
	MsgStopChat    ClientMessageType = "stop_chat"
)

// ClientMessage is the envelope of every client message. Fields a message
// type does not use are left empty.
type ClientMessage struct {
	Type           ClientMessageType `json:"type"`
	RequestID      string            `json:"request_id,omitempty"`
	ChatID         string            `json:"chat_id"`
	MessageGroupID string            `json:"message_group_id,omitempty"`
	ToolCallID     string            `json:"tool_call_id,omitempty"`
	Mutation       json.RawMessage   `json:"mutation,omitempty"`
}
