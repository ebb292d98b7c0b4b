package merkle

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildTreeAndValidateEveryChunk(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, MaxChunkSize+MinChunkSize+17)

	tree, err := BuildTree(data)
	require.NoError(t, err)
	require.Len(t, tree.Chunks, len(tree.Proofs))

	size := tree.Chunks[len(tree.Chunks)-1].MaxByteRange
	for i, proof := range tree.Proofs {
		result, err := ValidatePath(tree.DataRoot, proof.Offset, size, proof.Proof)
		require.NoError(t, err, "chunk %d", i)
		assert.Equal(t, tree.Chunks[i].MinByteRange, result.StartOffset)
		assert.Equal(t, tree.Chunks[i].MaxByteRange, result.EndOffset)
	}
}

func TestValidatePathRejectsTamperedProof(t *testing.T) {
	data := bytes.Repeat([]byte{0x01}, MaxChunkSize+1)
	tree, err := BuildTree(data)
	require.NoError(t, err)

	proof := append([]byte{}, tree.Proofs[0].Proof...)
	proof[0] ^= 0xFF

	size := tree.Chunks[len(tree.Chunks)-1].MaxByteRange
	_, err = ValidatePath(tree.DataRoot, tree.Proofs[0].Offset, size, proof)
	assert.ErrorIs(t, err, ErrInvalidProof)
}

func TestValidatePathRejectsWrongRoot(t *testing.T) {
	data := []byte("small single chunk payload")
	tree, err := BuildTree(data)
	require.NoError(t, err)

	wrongRoot := make([]byte, len(tree.DataRoot))
	copy(wrongRoot, tree.DataRoot)
	wrongRoot[0] ^= 0xFF

	size := tree.Chunks[len(tree.Chunks)-1].MaxByteRange
	_, err = ValidatePath(wrongRoot, tree.Proofs[0].Offset, size, tree.Proofs[0].Proof)
	assert.ErrorIs(t, err, ErrInvalidProof)
}

func TestSingleChunkTree(t *testing.T) {
	data := []byte("hello arweave")
	tree, err := BuildTree(data)
	require.NoError(t, err)
	require.Len(t, tree.Chunks, 1)
	require.Len(t, tree.Proofs, 1)

	result, err := ValidatePath(tree.DataRoot, 0, len(data), tree.Proofs[0].Proof)
	require.NoError(t, err)
	assert.Equal(t, 0, result.StartOffset)
	assert.Equal(t, len(data), result.EndOffset)
}
