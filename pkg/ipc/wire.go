package ipc

import (
	"encoding/json"
	"fmt"
)

// MessageType discriminates wire messages.
type MessageType string

const (
	TypeInvokeRequest    MessageType = "invoke-request"
	TypeInvokeResponse   MessageType = "invoke-response"
	TypeEventSubscribe   MessageType = "event-subscribe"
	TypeEventUnsubscribe MessageType = "event-unsubscribe"
	TypeEventData        MessageType = "event-data"
)

// Message is the JSON envelope exchanged by stream transports.
type Message struct {
	Type    MessageType     `json:"type"`
	ID      string          `json:"id"`
	Channel string          `json:"channel,omitempty"`
	Args    Args            `json:"args,omitempty"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RemoteError    `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewInvokeRequest builds an invoke-request.
func NewInvokeRequest(id, channel string, args Args) *Message {
	if args == nil {
		args = Args{}
	}
	return &Message{Type: TypeInvokeRequest, ID: id, Channel: channel, Args: args}
}

// NewInvokeResult builds a successful invoke-response.
func NewInvokeResult(id string, result any) (*Message, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	ok := true
	return &Message{Type: TypeInvokeResponse, ID: id, Success: &ok, Result: data}, nil
}

// NewInvokeError builds a failed invoke-response.
func NewInvokeError(id string, err error) *Message {
	ok := false
	remote := Sanitize(err)
	if remote == nil {
		remote = &RemoteError{Message: UnknownErrorMessage}
	}
	return &Message{Type: TypeInvokeResponse, ID: id, Success: &ok, Error: remote}
}

// NewEventSubscribe builds an event-subscribe.
func NewEventSubscribe(id, channel string) *Message {
	return &Message{Type: TypeEventSubscribe, ID: id, Channel: channel}
}

// NewEventUnsubscribe builds an event-unsubscribe.
func NewEventUnsubscribe(id, channel string) *Message {
	return &Message{Type: TypeEventUnsubscribe, ID: id, Channel: channel}
}

// NewEventData builds an event-data.
func NewEventData(id, channel string, data any) (*Message, error) {
	raw, ok := data.(json.RawMessage)
	if !ok {
		var err error
		raw, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal event data: %w", err)
		}
	}
	return &Message{Type: TypeEventData, ID: id, Channel: channel, Data: raw}, nil
}

// Succeeded reports whether an invoke-response carries a result.
func (m *Message) Succeeded() bool {
	return m.Success != nil && *m.Success
}

// Validate checks the fields required by the message type.
func (m *Message) Validate() error {
	switch m.Type {
	case TypeInvokeRequest, TypeEventSubscribe, TypeEventUnsubscribe, TypeEventData:
		if m.Channel == "" {
			return fmt.Errorf("%s: missing channel", m.Type)
		}
		if m.Type != TypeEventData && m.ID == "" {
			return fmt.Errorf("%s: missing id", m.Type)
		}
	case TypeInvokeResponse:
		if m.ID == "" {
			return fmt.Errorf("%s: missing id", m.Type)
		}
		if m.Success == nil {
			return fmt.Errorf("%s: missing success", m.Type)
		}
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}
