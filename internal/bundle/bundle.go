// Package bundle parses ANS-104 bundle containers: the header listing each
// contained data item's size and id, and the byte offsets of each item
// within the container. Adapted from the teacher's
// transaction/bundle/bundle.go and utils.go, generalized from
// "build one bundle from data items I hold" (an uploader's job) into
// "parse and index a bundle's containers so contained items can be
// located by id or by contained-byte-offset" (a gateway's job).
package bundle

import (
	"encoding/binary"
	"fmt"

	"github.com/ar-io/gateway-node/arid"
)

// headerEntrySize is the width of one (size, id) pair in the bundle
// header: a 32-byte little-endian size followed by the 32-byte item id.
const headerEntrySize = 64

// countFieldSize is the width of the leading item-count field.
const countFieldSize = 32

// Entry is one contained data item's header record: its id and its size
// and starting byte offset from the start of the raw container (header
// included).
type Entry struct {
	ID     arid.ID
	Size   int
	Offset int // byte offset of this item's raw bytes within the bundle
}

// Bundle is a parsed ANS-104 container: the ordered list of contained
// item headers, and the raw bytes backing the whole container (so items
// can be sliced out lazily rather than copied up front).
type Bundle struct {
	Entries []Entry
	Raw     []byte
}

// Parse decodes a bundle container's header section and validates that
// the declared item sizes are consistent with the container's length. It
// does not decode the contained data items themselves; that is
// internal/dataitem's job, given Bundle.ItemBytes(i).
func Parse(data []byte) (*Bundle, error) {
	if len(data) < countFieldSize {
		return nil, fmt.Errorf("bundle: container too short to hold an item count: %d bytes", len(data))
	}

	n, err := decodeCount(data[:countFieldSize])
	if err != nil {
		return nil, err
	}

	headerEnd := countFieldSize + headerEntrySize*n
	if len(data) < headerEnd {
		return nil, fmt.Errorf("bundle: container too short for %d header entries: need %d bytes, have %d", n, headerEnd, len(data))
	}

	entries := make([]Entry, 0, n)
	cursor := headerEnd
	for i := 0; i < n; i++ {
		start := countFieldSize + i*headerEntrySize
		sizeBytes := data[start : start+32]
		idBytes := data[start+32 : start+64]

		size, err := decodeCount(sizeBytes)
		if err != nil {
			return nil, fmt.Errorf("bundle: entry %d: %w", i, err)
		}
		id, err := arid.FromBytes(idBytes)
		if err != nil {
			return nil, fmt.Errorf("bundle: entry %d: %w", i, err)
		}

		entries = append(entries, Entry{ID: id, Size: size, Offset: cursor})
		cursor += size
	}

	if cursor != len(data) {
		return nil, fmt.Errorf("bundle: declared item sizes sum to %d bytes but container has %d", cursor-headerEnd, len(data)-headerEnd)
	}

	return &Bundle{Entries: entries, Raw: data}, nil
}

// ItemBytes returns the raw bytes of the i'th contained data item.
func (b *Bundle) ItemBytes(i int) ([]byte, error) {
	if i < 0 || i >= len(b.Entries) {
		return nil, fmt.Errorf("bundle: item index %d out of range [0,%d)", i, len(b.Entries))
	}
	e := b.Entries[i]
	return b.Raw[e.Offset : e.Offset+e.Size], nil
}

// IndexOf returns the position of id within Entries, or -1 if absent.
func (b *Bundle) IndexOf(id arid.ID) int {
	for i, e := range b.Entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}

// EntryAtOffset returns the entry whose byte range contains the given
// byte offset into the bundle's item section (i.e. relative to the end
// of the header, not the start of the raw container).
func (b *Bundle) EntryAtOffset(offset int) (Entry, bool) {
	headerEnd := countFieldSize + headerEntrySize*len(b.Entries)
	absolute := offset + headerEnd
	for _, e := range b.Entries {
		if absolute >= e.Offset && absolute < e.Offset+e.Size {
			return e, true
		}
	}
	return Entry{}, false
}

func decodeCount(b []byte) (int, error) {
	// The field is a 256-bit little-endian integer; Arweave bundles never
	// carry enough data items or bytes to need more than the low 8 bytes.
	for i := 8; i < len(b); i++ {
		if b[i] != 0 {
			return 0, fmt.Errorf("bundle: count field exceeds 64 usable bits")
		}
	}
	return int(binary.LittleEndian.Uint64(b[:8])), nil
}

func encodeCount(n int) []byte {
	buf := make([]byte, 32)
	binary.LittleEndian.PutUint64(buf[:8], uint64(n))
	return buf
}

// BuildHeader serializes entries into the 32-byte-count + 64-byte-entry
// header layout, for tests that need to construct a synthetic container.
func BuildHeader(entries []Entry) []byte {
	out := encodeCount(len(entries))
	for _, e := range entries {
		sizeField := encodeCount(e.Size)
		out = append(out, sizeField...)
		out = append(out, e.ID.Bytes()...)
	}
	return out
}
