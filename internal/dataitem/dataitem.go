// Package dataitem parses ANS-104 data item headers and verifies their
// signatures. Adapted from the teacher's transaction/data_item package
// (header layout, DeepHash construction) and signer/item_signer.go
// (per-signature-type dispatch), generalized from "build and sign a new
// item" into "parse and verify an item a bundle already contains" — the
// gateway never constructs data items, only indexes and serves them.
package dataitem

import (
	"encoding/binary"
	"fmt"

	"github.com/ar-io/gateway-node/arid"
	"github.com/ar-io/gateway-node/crypto"
	"github.com/ar-io/gateway-node/tag"
)

// Tag count and byte limits per ANS-104.
const (
	MaxTags        = 128
	MaxTagKeyLen   = 1024
	MaxTagValueLen = 3072
)

// SignatureType identifies the key scheme a data item (or the bundle's
// outer container) was signed with.
type SignatureType int

const (
	SignatureArweave  SignatureType = 1
	SignatureED25519  SignatureType = 2
	SignatureEthereum SignatureType = 3
	SignatureSolana   SignatureType = 4
)

// sigMeta describes the on-wire byte widths for one signature type.
type sigMeta struct {
	SignatureLen int
	OwnerLen     int
	Name         string
}

var sigConfig = map[SignatureType]sigMeta{
	SignatureArweave:  {SignatureLen: 512, OwnerLen: 512, Name: "arweave"},
	SignatureED25519:  {SignatureLen: 64, OwnerLen: 32, Name: "ed25519"},
	SignatureEthereum: {SignatureLen: 65, OwnerLen: 65, Name: "ethereum"},
	SignatureSolana:   {SignatureLen: 64, OwnerLen: 32, Name: "solana"},
}

// SignatureLen reports the on-wire signature width for t, or 0 for an
// unknown type.
func (t SignatureType) SignatureLen() int { return sigConfig[t].SignatureLen }

// OwnerLen reports the on-wire owner (public key) width for t, or 0 for
// an unknown type.
func (t SignatureType) OwnerLen() int { return sigConfig[t].OwnerLen }

// Item is a parsed, normalized ANS-104 data item header. Data is the raw
// (not base64url-decoded) payload slice, sliced directly out of the
// bundle's backing array rather than copied.
type Item struct {
	ID            arid.ID
	SignatureType SignatureType
	Signature     []byte
	Owner         []byte
	Target        arid.ID
	HasTarget     bool
	Anchor        []byte
	Tags          []tag.Tag
	Data          []byte
	Raw           []byte
}

// Decode parses a data item's raw bytes into a normalized Item, without
// verifying its signature (see Verify).
func Decode(raw []byte) (*Item, error) {
	if len(raw) < 2 {
		return nil, fmt.Errorf("dataitem: too small to hold a signature type: %d bytes", len(raw))
	}

	sigType := SignatureType(binary.LittleEndian.Uint16(raw[:2]))
	meta, ok := sigConfig[sigType]
	if !ok {
		return nil, fmt.Errorf("dataitem: unsupported signature type %d", sigType)
	}

	sigStart := 2
	sigEnd := sigStart + meta.SignatureLen
	ownerEnd := sigEnd + meta.OwnerLen
	if len(raw) < ownerEnd+2 {
		return nil, fmt.Errorf("dataitem: too small for %s signature+owner: need %d bytes, have %d", meta.Name, ownerEnd+2, len(raw))
	}

	signature := raw[sigStart:sigEnd]
	owner := raw[sigEnd:ownerEnd]
	id, err := arid.FromBytes(crypto.SHA256(signature))
	if err != nil {
		return nil, fmt.Errorf("dataitem: id: %w", err)
	}

	position := ownerEnd
	var target arid.ID
	hasTarget := raw[position] == 1
	position++
	if hasTarget {
		if len(raw) < position+32 {
			return nil, fmt.Errorf("dataitem: truncated target")
		}
		t, err := arid.FromBytes(raw[position : position+32])
		if err != nil {
			return nil, fmt.Errorf("dataitem: target: %w", err)
		}
		target = t
		position += 32
	}

	var anchor []byte
	if len(raw) < position+1 {
		return nil, fmt.Errorf("dataitem: truncated anchor flag")
	}
	hasAnchor := raw[position] == 1
	position++
	if hasAnchor {
		if len(raw) < position+32 {
			return nil, fmt.Errorf("dataitem: truncated anchor")
		}
		anchor = raw[position : position+32]
		position += 32
	}

	if len(raw) < position+16 {
		return nil, fmt.Errorf("dataitem: truncated tag counts")
	}
	numberOfTags := int(binary.LittleEndian.Uint64(raw[position : position+8]))
	if numberOfTags > MaxTags {
		return nil, fmt.Errorf("dataitem: %d tags exceeds max of %d", numberOfTags, MaxTags)
	}

	// Deserialize owns the 16-byte count header as well as the Avro block
	// that follows it; position stays on the header here.
	parsed, tagsEnd, err := tag.Deserialize(raw, position)
	if err != nil {
		return nil, fmt.Errorf("dataitem: tags: %w", err)
	}
	tags := *parsed
	position = tagsEnd

	data := raw[position:]

	return &Item{
		ID:            id,
		SignatureType: sigType,
		Signature:     signature,
		Owner:         owner,
		Target:        target,
		HasTarget:     hasTarget,
		Anchor:        anchor,
		Tags:          tags,
		Data:          data,
		Raw:           raw,
	}, nil
}

// SignatureMessage reconstructs the ANS-104 deep-hash preimage a data
// item's signature was computed over, from its parsed fields.
func (it *Item) SignatureMessage() ([48]byte, error) {
	serializedTags, err := tag.Serialize(&it.Tags)
	if err != nil {
		return [48]byte{}, fmt.Errorf("dataitem: serialize tags: %w", err)
	}

	var target, anchor []byte
	if it.HasTarget {
		target = it.Target.Bytes()
	}
	anchor = it.Anchor

	chunks := [][]byte{
		[]byte("dataitem"),
		[]byte("1"),
		[]byte(fmt.Sprint(int(it.SignatureType))),
		it.Owner,
		target,
		anchor,
		serializedTags,
		it.Data,
	}
	return crypto.DeepHash(chunks), nil
}

// Verify checks tag limits, anchor length, and the cryptographic
// signature for the data item, dispatching to the scheme named by
// SignatureType (see sigtypes.go).
func (it *Item) Verify() error {
	if len(it.Tags) > MaxTags {
		return fmt.Errorf("dataitem: %d tags exceeds max of %d", len(it.Tags), MaxTags)
	}
	for _, t := range it.Tags {
		if len(t.Name) == 0 || len(t.Name) > MaxTagKeyLen {
			return fmt.Errorf("dataitem: tag name length %d out of bounds", len(t.Name))
		}
		if len(t.Value) == 0 || len(t.Value) > MaxTagValueLen {
			return fmt.Errorf("dataitem: tag value length %d out of bounds", len(t.Value))
		}
	}
	if len(it.Anchor) > 32 {
		return fmt.Errorf("dataitem: anchor length %d exceeds 32 bytes", len(it.Anchor))
	}

	message, err := it.SignatureMessage()
	if err != nil {
		return err
	}
	return VerifySignature(it.SignatureType, message[:], it.Signature, it.Owner)
}
