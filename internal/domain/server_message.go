package domain

// ServerMessage is anything the server pushes to websocket clients.
type ServerMessage interface {
	MessageType() string
}

// MutationServerMessage notifies subscribers about one applied mutation.
type MutationServerMessage struct {
	RequestID string         `json:"request_id"`
	ChatID    string         `json:"chat_id"`
	Mutation  TaggedMutation `json:"mutation"`
}

// NotificationServerMessage is a user-visible toast.
type NotificationServerMessage struct {
	Title   string `json:"title"`
	Message string `json:"message"`
}

// ErrorServerMessage reports a failure that is not tied to a request.
type ErrorServerMessage struct {
	Error string    `json:"error"`
	Code  ErrorCode `json:"code"`
}

// ChatOpenedServerMessage answers open_chat with the full snapshot.
type ChatOpenedServerMessage struct {
	RequestID string `json:"request_id"`
	Chat      *Chat  `json:"chat"`
}

// ResponseServerMessage answers a client request.
type ResponseServerMessage struct {
	RequestID string    `json:"request_id"`
	IsError   bool      `json:"is_error"`
	Error     string    `json:"error,omitempty"`
	Code      ErrorCode `json:"code,omitempty"`
}

// AssetsUpdatedServerMessage tells clients to refetch an asset collection.
type AssetsUpdatedServerMessage struct {
	AssetType AssetType `json:"asset_type"`
	Count     int       `json:"count"`
}

func (MutationServerMessage) MessageType() string      { return "mutation" }
func (NotificationServerMessage) MessageType() string  { return "notification" }
func (ErrorServerMessage) MessageType() string         { return "error" }
func (ChatOpenedServerMessage) MessageType() string    { return "chat_opened" }
func (ResponseServerMessage) MessageType() string      { return "response" }
func (AssetsUpdatedServerMessage) MessageType() string { return "assets_updated" }

// MarshalServerMessage encodes msg as {"type": <message type>, ...fields}.
func MarshalServerMessage(msg ServerMessage) ([]byte, error) {
	return marshalTagged(msg.MessageType(), msg)
}

// ErrorResponse builds a failed response for requestID from err.
func ErrorResponse(requestID string, err error) ResponseServerMessage {
	return ResponseServerMessage{RequestID: requestID, IsError: true, Error: err.Error(), Code: ErrorCodeOf(err)}
}
