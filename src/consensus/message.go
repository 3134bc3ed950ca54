package consensus

import (
	"bytes"
	"time"

	"github.com/ugorji/go/codec"
	"github.com/unauthority/los/src/crypto"
)

// MessageType tags the phase a consensus message belongs to.
type MessageType uint32

const (
	// PrePrepare is sent by the leader to propose a block.
	PrePrepare MessageType = iota
	// Prepare is a validator's vote to accept the proposed block.
	Prepare
	// Commit is a validator's vote to finalize the prepared block.
	Commit
	// ViewChange announces that the sender wants to rotate the leader.
	ViewChange
)

var messageTypes = []string{"PrePrepare", "Prepare", "Commit", "ViewChange"}

func (t MessageType) String() string {
	if int(t) >= len(messageTypes) {
		return "Unknown"
	}
	return messageTypes[t]
}

// messageBody groups the authenticated fields of a Message. The keyed digest
// covers the canonical encoding of all of them, timestamp included, so any
// field change invalidates the tag.
type messageBody struct {
	Type      MessageType
	View      uint64
	Sequence  uint64
	BlockHash string
	Sender    string
	Timestamp int64
}

// Message is an immutable consensus message. Its authenticity is checked once
// at ingestion with Authentic; the tag is never recomputed destructively.
type Message struct {
	Type      MessageType
	View      uint64
	Sequence  uint64
	BlockHash string
	Sender    string
	Timestamp int64
	Tag       []byte
}

// NewMessage builds a consensus message authenticated with a keyed digest
// under the shared secret.
func NewMessage(t MessageType, view, sequence uint64, blockHash, sender string, secret []byte) Message {
	msg := Message{
		Type:      t,
		View:      view,
		Sequence:  sequence,
		BlockHash: blockHash,
		Sender:    sender,
		Timestamp: time.Now().Unix(),
	}
	msg.Tag = crypto.MAC(secret, msg.authBytes())
	return msg
}

// authBytes returns the canonical encoding of every field covered by the
// authentication tag.
func (m Message) authBytes() []byte {
	body := messageBody{
		Type:      m.Type,
		View:      m.View,
		Sequence:  m.Sequence,
		BlockHash: m.BlockHash,
		Sender:    m.Sender,
		Timestamp: m.Timestamp,
	}

	bf := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(bf, jh)

	if err := enc.Encode(body); err != nil {
		return nil
	}

	return bf.Bytes()
}

// Authentic verifies the keyed digest under the shared secret.
func (m Message) Authentic(secret []byte) bool {
	return crypto.VerifyMAC(secret, m.authBytes(), m.Tag)
}

// Marshal - canonical json encoding of the full message, tag included.
func (m *Message) Marshal() ([]byte, error) {
	bf := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(bf, jh)

	if err := enc.Encode(m); err != nil {
		return nil, err
	}

	return bf.Bytes(), nil
}

// Unmarshal ...
func (m *Message) Unmarshal(data []byte) error {
	bf := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(bf, jh)

	return dec.Decode(m)
}
