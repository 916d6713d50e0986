package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JSONRPCVersion is the envelope version carried by every message.
const JSONRPCVersion = "2.0"

// MessageType distinguishes requests, responses and notifications.
type MessageType string

const (
	MessageTypeRequest      MessageType = "request"
	MessageTypeResponse     MessageType = "response"
	MessageTypeNotification MessageType = "notification"
)

// Priority is an optional delivery hint.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// RPCError is the error object carried by a failed response.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Message is the JSON-RPC style envelope exchanged between agents.
// A request and its response share ID; notifications have no paired response.
type Message struct {
	JSONRPC     string          `json:"jsonrpc"`
	Method      string          `json:"method,omitempty"`
	Params      json.RawMessage `json:"params,omitempty"`
	ID          string          `json:"id,omitempty"`
	From        string          `json:"from,omitempty"`
	To          string          `json:"to,omitempty"`
	Timestamp   int64           `json:"timestamp"`
	MessageType MessageType     `json:"messageType"`
	Priority    Priority        `json:"priority,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *RPCError       `json:"error,omitempty"`
}

// NewRequest builds a request message with a fresh id.
func NewRequest(method string, params any) (*Message, error) {
	msg := &Message{
		JSONRPC:     JSONRPCVersion,
		Method:      method,
		ID:          NewMessageID(),
		Timestamp:   time.Now().UnixMilli(),
		MessageType: MessageTypeRequest,
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		msg.Params = raw
	}
	return msg, nil
}

// NewNotification builds a notification message.
func NewNotification(method string, params any) (*Message, error) {
	msg, err := NewRequest(method, params)
	if err != nil {
		return nil, err
	}
	msg.MessageType = MessageTypeNotification
	msg.ID = ""
	return msg, nil
}

// NewMessageID returns an id of the form msg_<unix-ms>_<8 hex chars>.
func NewMessageID() string {
	return fmt.Sprintf("msg_%d_%s", time.Now().UnixMilli(), uuid.New().String()[:8])
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.Params = cloneRaw(m.Params)
	c.Result = cloneRaw(m.Result)
	if m.Error != nil {
		e := *m.Error
		e.Data = cloneRaw(m.Error.Data)
		c.Error = &e
	}
	return &c
}

// ApplyDefaults fills the envelope fields a caller may leave empty.
func (m *Message) ApplyDefaults(typ MessageType) {
	if m.JSONRPC == "" {
		m.JSONRPC = JSONRPCVersion
	}
	if m.MessageType == "" {
		m.MessageType = typ
	}
	if m.ID == "" && m.MessageType != MessageTypeNotification {
		m.ID = NewMessageID()
	}
	if m.Timestamp == 0 {
		m.Timestamp = time.Now().UnixMilli()
	}
}

// Validate checks the envelope shape.
func (m *Message) Validate() error {
	if m == nil {
		return ProtocolError(CodeInvalidMessage, "message is nil")
	}
	if m.JSONRPC != JSONRPCVersion {
		return ProtocolError(CodeInvalidMessage, "unsupported jsonrpc version %q", m.JSONRPC)
	}
	switch m.MessageType {
	case MessageTypeRequest:
		if strings.TrimSpace(m.Method) == "" {
			return ProtocolError(CodeInvalidMessage, "request requires a method")
		}
		if m.ID == "" {
			return ProtocolError(CodeInvalidMessage, "request requires an id")
		}
	case MessageTypeNotification:
		if strings.TrimSpace(m.Method) == "" {
			return ProtocolError(CodeInvalidMessage, "notification requires a method")
		}
	case MessageTypeResponse:
		if m.ID == "" {
			return ProtocolError(CodeInvalidMessage, "response requires an id")
		}
	default:
		return ProtocolError(CodeInvalidMessage, "unknown message type %q", m.MessageType)
	}
	if m.Priority != "" {
		switch m.Priority {
		case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		default:
			return ProtocolError(CodeInvalidMessage, "unknown priority %q", m.Priority)
		}
	}
	if len(m.Params) > 0 && !json.Valid(m.Params) {
		return ProtocolError(CodeInvalidMessage, "params is not valid JSON")
	}
	return nil
}

// DecodeResponse parses a raw reply and normalizes it as a response.
func DecodeResponse(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, ProtocolError(CodeMalformedResponse, "decode response").WithCause(err)
	}
	if msg.JSONRPC == "" {
		msg.JSONRPC = JSONRPCVersion
	}
	msg.MessageType = MessageTypeResponse
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	return &msg, nil
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	out := make(json.RawMessage, len(r))
	copy(out, r)
	return out
}
