package consensus

import (
	"bytes"

	"github.com/ugorji/go/codec"
	"github.com/unauthority/los/src/common"
	"github.com/unauthority/los/src/crypto"
)

// blockDomain separates block digests from every other digest in the system.
var blockDomain = []byte("los/block")

// BlockBody groups the hashed fields of a Block.
type BlockBody struct {
	Height     uint64
	Timestamp  int64
	Data       []byte
	Proposer   string
	ParentHash string
}

// Block is the consensus-level block going through the three-phase protocol.
// It is distinct from the ledger block; the payload is opaque here. A Block
// is immutable once created.
type Block struct {
	Body BlockBody

	hash []byte
	hex  string
}

// NewBlock ...
func NewBlock(height uint64, timestamp int64, data []byte, proposer, parentHash string) *Block {
	return &Block{
		Body: BlockBody{
			Height:     height,
			Timestamp:  timestamp,
			Data:       data,
			Proposer:   proposer,
			ParentHash: parentHash,
		},
	}
}

// Marshal - canonical json encoding of body only
func (b *Block) Marshal() ([]byte, error) {
	bf := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(bf, jh)

	if err := enc.Encode(b.Body); err != nil {
		return nil, err
	}

	return bf.Bytes(), nil
}

// Unmarshal ...
func (b *Block) Unmarshal(data []byte) error {
	bf := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(bf, jh)

	return dec.Decode(&b.Body)
}

// Hash returns the content hash of the block: a domain-separated SHA256
// digest over the canonical encoding of all body fields.
func (b *Block) Hash() ([]byte, error) {
	if len(b.hash) == 0 {
		hashBytes, err := b.Marshal()
		if err != nil {
			return nil, err
		}
		b.hash = crypto.SimpleHashFromTwoHashes(blockDomain, hashBytes)
	}
	return b.hash, nil
}

// Hex ...
func (b *Block) Hex() string {
	if b.hex == "" {
		hash, _ := b.Hash()
		b.hex = common.EncodeToString(hash)
	}
	return b.hex
}

// Height ...
func (b *Block) Height() uint64 {
	return b.Body.Height
}

// ParentHash ...
func (b *Block) ParentHash() string {
	return b.Body.ParentHash
}

// Proposer ...
func (b *Block) Proposer() string {
	return b.Body.Proposer
}
