// Package signaling carries the JSON messages exchanged with the SFU over a
// persistent WebSocket channel.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies the kind of signaling message.
type MessageType string

const (
	MsgTypeJoin                 MessageType = "join"
	MsgTypeJoined               MessageType = "joined"
	MsgTypeCreateSendTransport  MessageType = "create-send-transport"
	MsgTypeCreateRecvTransport  MessageType = "create-recv-transport"
	MsgTypeSendTransportCreated MessageType = "send-transport-created"
	MsgTypeRecvTransportCreated MessageType = "recv-transport-created"
	MsgTypeConnectTransport     MessageType = "connect-transport"
	MsgTypeTransportConnected   MessageType = "transport-connected"
	MsgTypeProduce              MessageType = "produce"
	MsgTypeProduced             MessageType = "produced"
	MsgTypeSaveRTPCapabilities  MessageType = "save-rtp-capabilities"
	MsgTypeNewProducer          MessageType = "new-producer"
	MsgTypeConsume              MessageType = "consume"
	MsgTypeConsumed             MessageType = "consumed"
	MsgTypeResume               MessageType = "resume"
	MsgTypeProducerClosed       MessageType = "producer-closed"
	MsgTypePeerLeft             MessageType = "peer-left"
	MsgTypeEmoji                MessageType = "emoji"
	MsgTypeImage                MessageType = "image"
)

// ErrMissingType is returned when an inbound object has no "type" field.
var ErrMissingType = errors.New("signaling message without type")

// Message is one flat JSON object on the wire: {type, requestId?, from?, ...payload}.
// Data holds the complete object so typed payloads can be decoded on demand.
type Message struct {
	Type      MessageType
	RequestID string
	From      string
	Data      json.RawMessage
}

// header mirrors the fields every message may carry.
type header struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"requestId,omitempty"`
	From      string      `json:"from,omitempty"`
}

// New builds a message of the given type whose payload fields are the JSON
// fields of payload. A nil payload produces a bare {type} message.
func New(t MessageType, payload any) (Message, error) {
	msg := Message{Type: t}
	if payload == nil {
		return msg, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	msg.Data = data
	return msg, nil
}

// Decode unmarshals the message's payload fields into v.
func (m Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// MarshalJSON flattens the header fields into the payload object.
func (m Message) MarshalJSON() ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if len(m.Data) > 0 {
		if err := json.Unmarshal(m.Data, &fields); err != nil {
			return nil, fmt.Errorf("%s payload is not a JSON object: %w", m.Type, err)
		}
		if fields == nil {
			fields = map[string]json.RawMessage{}
		}
	}

	put := func(key, value string) {
		if value == "" {
			delete(fields, key)
			return
		}
		b, _ := json.Marshal(value)
		fields[key] = b
	}
	put("type", string(m.Type))
	put("requestId", m.RequestID)
	put("from", m.From)

	return json.Marshal(fields)
}

// UnmarshalJSON reads the header fields and keeps the raw object as Data.
func (m *Message) UnmarshalJSON(b []byte) error {
	var h header
	if err := json.Unmarshal(b, &h); err != nil {
		return err
	}
	if h.Type == "" {
		return ErrMissingType
	}
	m.Type = h.Type
	m.RequestID = h.RequestID
	m.From = h.From
	m.Data = append(json.RawMessage(nil), b...)
	return nil
}
