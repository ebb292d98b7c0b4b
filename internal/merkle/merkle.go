// Package merkle implements Arweave's chunked Merkle tree: building a
// data_root and per-chunk proofs from a byte stream, and validating a
// data_path or tx_path proof against a known root. Adapted from the
// teacher's transaction/merkle.go, generalized from one-shot tree
// construction (used there to prepare an upload) into a pair of
// standalone build/validate operations usable independently, since the
// gateway only ever validates proofs it did not generate itself.
package merkle

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/ar-io/gateway-node/crypto"
)

const (
	// MaxChunkSize is the largest a single chunk's payload may be.
	MaxChunkSize = 256 * 1024
	// MinChunkSize is the smallest a non-final chunk's payload may be;
	// chunking merges a too-small final remainder into its predecessor.
	MinChunkSize = 32 * 1024
	// NoteSize is the width of an offset note within a Merkle proof.
	NoteSize = 32
	// HashSize is the width of a SHA-256 digest.
	HashSize = 32
)

type nodeType int

const (
	leafNode nodeType = iota
	branchNode
)

// node is an internal Merkle tree node built while constructing a root
// and proof set from chunk data; never exposed outside this package.
type node struct {
	id           []byte
	dataHash     []byte
	byteRange    int
	maxByteRange int
	kind         nodeType
	left         *node
	right        *node
}

// Chunk is one leaf's worth of transaction payload.
type Chunk struct {
	DataHash     []byte
	MinByteRange int
	MaxByteRange int
}

// Proof is the Merkle inclusion proof for one chunk, keyed by its end
// offset within the transaction (Offset = MaxByteRange - 1).
type Proof struct {
	Offset int
	Proof  []byte
}

// Tree is the output of building a Merkle tree over a transaction's data:
// its root hash and the chunks/proofs needed to serve or verify it.
type Tree struct {
	DataRoot []byte
	Chunks   []Chunk
	Proofs   []Proof
}

// BuildTree chunks data per the 256 KiB / 32 KiB rule and builds the
// Merkle tree over it, returning the root and the chunk/proof pairs. Used
// by the verification worker to recompute a data root for comparison
// against what a transaction claims.
func BuildTree(data []byte) (*Tree, error) {
	chunks := chunkData(data)
	leaves := generateLeaves(chunks)
	root, err := buildLayer(leaves)
	if err != nil {
		return nil, err
	}
	proofs := generateProofs(root, nil)

	if len(chunks) > 0 {
		last := chunks[len(chunks)-1]
		if last.MaxByteRange-last.MinByteRange == 0 {
			chunks = chunks[:len(chunks)-1]
			proofs = proofs[:len(proofs)-1]
		}
	}

	return &Tree{DataRoot: root.id, Chunks: chunks, Proofs: proofs}, nil
}

func chunkData(data []byte) []Chunk {
	var chunks []Chunk
	rest := data
	cursor := 0

	for len(rest) >= MaxChunkSize {
		chunkSize := MaxChunkSize
		byteLength := len(rest)

		nextChunkSize := byteLength - MaxChunkSize
		if nextChunkSize > 0 && nextChunkSize < MinChunkSize {
			chunkSize = int(math.Ceil(float64(byteLength) / 2))
		}

		chunk := rest[:chunkSize]
		hash := crypto.SHA256(chunk)
		cursor += len(chunk)
		chunks = append(chunks, Chunk{
			DataHash:     hash,
			MinByteRange: cursor - len(chunk),
			MaxByteRange: cursor,
		})
		rest = rest[chunkSize:]
	}

	hash := crypto.SHA256(rest)
	chunks = append(chunks, Chunk{
		DataHash:     hash,
		MinByteRange: cursor,
		MaxByteRange: cursor + len(rest),
	})
	return chunks
}

func generateLeaves(chunks []Chunk) []node {
	leaves := make([]node, 0, len(chunks))
	for _, chunk := range chunks {
		hashDataHash := crypto.SHA256(chunk.DataHash)
		hashRange := crypto.SHA256(encodeUint(uint64(chunk.MaxByteRange)))
		id := crypto.SHA256(append(append([]byte{}, hashDataHash...), hashRange...))
		leaves = append(leaves, node{
			id:           id,
			dataHash:     chunk.DataHash,
			maxByteRange: chunk.MaxByteRange,
			kind:         leafNode,
		})
	}
	return leaves
}

func buildLayer(nodes []node) (*node, error) {
	if len(nodes) == 0 {
		return nil, errors.New("merkle: cannot build tree over zero leaves")
	}
	for len(nodes) > 1 {
		next := make([]node, 0, (len(nodes)+1)/2)
		for i := 0; i < len(nodes); i += 2 {
			var right *node
			if i+1 < len(nodes) {
				right = &nodes[i+1]
			}
			n := hashBranch(&nodes[i], right)
			next = append(next, *n)
		}
		nodes = next
	}
	return &nodes[0], nil
}

func hashBranch(left, right *node) *node {
	if right == nil {
		return left
	}
	leftIDHash := crypto.SHA256(left.id)
	rightIDHash := crypto.SHA256(right.id)
	leftRangeHash := crypto.SHA256(encodeUint(uint64(left.maxByteRange)))

	buf := make([]byte, 0, HashSize*3)
	buf = append(buf, leftIDHash...)
	buf = append(buf, rightIDHash...)
	buf = append(buf, leftRangeHash...)
	id := crypto.SHA256(buf)

	return &node{
		id:           id,
		byteRange:    left.maxByteRange,
		maxByteRange: right.maxByteRange,
		left:         left,
		right:        right,
		kind:         branchNode,
	}
}

func generateProofs(n *node, prefix []byte) []Proof {
	if n.kind == leafNode {
		p := append(append([]byte{}, prefix...), n.dataHash...)
		p = append(p, encodeUint(uint64(n.maxByteRange))...)
		return []Proof{{Offset: n.maxByteRange - 1, Proof: p}}
	}

	partial := append(append([]byte{}, prefix...), n.left.id...)
	partial = append(partial, n.right.id...)
	partial = append(partial, encodeUint(uint64(n.byteRange))...)

	var proofs []Proof
	proofs = append(proofs, generateProofs(n.left, partial)...)
	proofs = append(proofs, generateProofs(n.right, partial)...)
	return proofs
}

func encodeUint(x uint64) []byte {
	buf := make([]byte, 32)
	binary.BigEndian.PutUint64(buf[24:], x)
	return buf
}

func decodeUint(b []byte) int {
	return int(binary.BigEndian.Uint64(b[len(b)-8:]))
}

// ValidationResult describes the chunk boundaries a successfully
// validated proof resolves to.
type ValidationResult struct {
	// StartOffset and EndOffset bound the validated leaf within the
	// [0, size) range the proof was checked against.
	StartOffset int
	EndOffset   int
	// Leaf is the leaf note's data hash: the chunk's SHA-256 for a
	// data_path, or the transaction's data_root for a tx_path.
	Leaf []byte
}

// ErrInvalidProof is returned when a data_path or tx_path proof does not
// rehash to the expected root.
var ErrInvalidProof = errors.New("merkle: proof does not validate against root")

// ValidatePath descends a data_path (or tx_path) proof, comparing offset
// against each branch's recorded split point, and confirms the
// accumulated hash equals root. It is the single algorithm spec.md §4.1.3
// and §4.1.4 both describe: a data_path proves (chunkHash, endOffset)
// rehashes to a data_root; a tx_path proves (dataRoot, txEnd) rehashes to
// a tx_root. Both have the identical leaf/branch note layout, so one
// implementation serves both call sites.
func ValidatePath(root []byte, offset, size int, path []byte) (*ValidationResult, error) {
	return validatePath(root, offset, 0, size, path)
}

func validatePath(id []byte, dest, leftBound, rightBound int, path []byte) (*ValidationResult, error) {
	if rightBound <= 0 {
		return nil, fmt.Errorf("%w: non-positive right bound", ErrInvalidProof)
	}
	if dest >= rightBound {
		return validatePath(id, 0, rightBound-1, rightBound, path)
	}
	if dest < 0 {
		return validatePath(id, 0, 0, rightBound, path)
	}

	if len(path) == HashSize+NoteSize {
		pathData := path[0:HashSize]
		endOffsetBuffer := path[HashSize : HashSize+NoteSize]

		pathDataHash := crypto.SHA256(pathData)
		endOffsetHash := crypto.SHA256(endOffsetBuffer)
		h := crypto.SHA256(append(append([]byte{}, pathDataHash...), endOffsetHash...))

		if !bytesEqual(id, h) {
			return nil, ErrInvalidProof
		}
		leaf := append([]byte(nil), pathData...)
		return &ValidationResult{StartOffset: leftBound, EndOffset: rightBound, Leaf: leaf}, nil
	}

	if len(path) < 2*HashSize+NoteSize {
		return nil, fmt.Errorf("%w: truncated proof", ErrInvalidProof)
	}

	left := path[0:HashSize]
	right := path[HashSize : 2*HashSize]
	offsetBuffer := path[2*HashSize : 2*HashSize+NoteSize]
	offset := decodeUint(offsetBuffer)
	remainder := path[2*HashSize+NoteSize:]

	l := crypto.SHA256(left)
	r := crypto.SHA256(right)
	o := crypto.SHA256(offsetBuffer)

	buf := make([]byte, 0, HashSize*3)
	buf = append(buf, l...)
	buf = append(buf, r...)
	buf = append(buf, o...)
	pathHash := crypto.SHA256(buf)

	if !bytesEqual(id, pathHash) {
		return nil, ErrInvalidProof
	}

	if dest < offset {
		return validatePath(left, dest, leftBound, minInt(rightBound, offset), remainder)
	}
	return validatePath(right, dest, maxInt(leftBound, offset), rightBound, remainder)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
