package types

import (
	"fmt"
)

// MessageType identifies a consensus message
type MessageType uint8

const (
	MessageTypeUnknown MessageType = iota
	MessageTypePropose
	MessageTypePrevote
	MessageTypePrecommit
	MessageTypeCommit
	MessageTypeViewChange
	MessageTypeHeartbeat
)

var messageTypeNames = map[MessageType]string{
	MessageTypePropose:    "propose",
	MessageTypePrevote:    "prevote",
	MessageTypePrecommit:  "precommit",
	MessageTypeCommit:     "commit",
	MessageTypeViewChange: "view_change",
	MessageTypeHeartbeat:  "heartbeat",
}

// String implements fmt.Stringer
func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// IsValid reports whether t is one of the known message types
func (t MessageType) IsValid() bool {
	_, ok := messageTypeNames[t]
	return ok
}

// Message is a signed consensus message. It is immutable once signed.
type Message struct {
	Type      MessageType `cbor:"1,keyasint"`
	View      uint64      `cbor:"2,keyasint"`
	Sequence  uint64      `cbor:"3,keyasint"`
	Sender    NodeID      `cbor:"4,keyasint"`
	Timestamp int64       `cbor:"5,keyasint"` // unix nanoseconds
	DataHash  Hash        `cbor:"6,keyasint"`
	Signature []byte      `cbor:"7,keyasint,omitempty"`
	Payload   []byte      `cbor:"8,keyasint,omitempty"`
}

// MessageBody is the decoded payload of a non-heartbeat message.
type MessageBody struct {
	OperationID string     `cbor:"1,keyasint,omitempty"`
	Operation   *Operation `cbor:"2,keyasint,omitempty"`
	Signature   *Signature `cbor:"3,keyasint,omitempty"`
	NewView     uint64     `cbor:"4,keyasint,omitempty"`
}

// canonicalMessage is the signed portion of a Message
type canonicalMessage struct {
	Domain    string      `cbor:"0,keyasint"`
	Type      MessageType `cbor:"1,keyasint"`
	View      uint64      `cbor:"2,keyasint"`
	Sequence  uint64      `cbor:"3,keyasint"`
	Sender    NodeID      `cbor:"4,keyasint"`
	Timestamp int64       `cbor:"5,keyasint"`
	DataHash  Hash        `cbor:"6,keyasint"`
	Payload   []byte      `cbor:"8,keyasint,omitempty"`
}

// MessageSignBytes returns the bytes a sender signs. The domain name is
// bound in so a message cannot be replayed into another consensus domain.
func MessageSignBytes(domain string, m *Message) []byte {
	data, err := Marshal(&canonicalMessage{
		Domain:    domain,
		Type:      m.Type,
		View:      m.View,
		Sequence:  m.Sequence,
		Sender:    m.Sender,
		Timestamp: m.Timestamp,
		DataHash:  m.DataHash,
		Payload:   m.Payload,
	})
	if err != nil {
		// Only plain values are encoded here.
		panic(fmt.Sprintf("CONSENSUS CRITICAL: failed to marshal message for signing: %v", err))
	}
	return data
}

// ValidateBasic performs the stateless authenticity pre-checks.
func (m *Message) ValidateBasic() error {
	if m == nil {
		return fmt.Errorf("%w: nil message", ErrValidation)
	}
	if !m.Type.IsValid() {
		return fmt.Errorf("%w: unknown message type %d", ErrValidation, m.Type)
	}
	if m.Sender.IsEmpty() {
		return fmt.Errorf("%w: empty sender", ErrValidation)
	}
	if len(m.Signature) == 0 {
		return fmt.Errorf("%w: empty signature", ErrValidation)
	}
	if m.Timestamp == 0 {
		return fmt.Errorf("%w: zero timestamp", ErrValidation)
	}
	if IsHashEmpty(m.DataHash) {
		return fmt.Errorf("%w: empty data hash", ErrValidation)
	}
	return nil
}

// DecodeBody decodes the message payload
func (m *Message) DecodeBody() (*MessageBody, error) {
	if len(m.Payload) == 0 {
		return nil, fmt.Errorf("%w: %s message without payload", ErrValidation, m.Type)
	}
	body := &MessageBody{}
	if err := Unmarshal(m.Payload, body); err != nil {
		return nil, fmt.Errorf("%w: malformed %s payload: %v", ErrValidation, m.Type, err)
	}
	return body, nil
}

// Copy returns a deep copy of the message
func (m *Message) Copy() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.DataHash = m.DataHash.Copy()
	if m.Signature != nil {
		c.Signature = append([]byte(nil), m.Signature...)
	}
	if m.Payload != nil {
		c.Payload = append([]byte(nil), m.Payload...)
	}
	return &c
}

// HeartbeatHash is the data hash carried by heartbeats. It is stable per
// sender so repeated heartbeats at one (view, sequence) never equivocate.
func HeartbeatHash(sender NodeID) Hash {
	return HashBytes([]byte("heartbeat:" + string(sender)))
}
