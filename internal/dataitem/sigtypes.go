package dataitem

import (
	"crypto/ed25519"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/everFinance/goether"

	"github.com/ar-io/gateway-node/crypto"
)

// VerifySignature checks message against signature using the scheme named
// by sigType, treating owner as that scheme's raw public key material.
// Adapted from signer/item_signer.go's reflectSigner/SignBundleItem
// switch, which dispatches by concrete Go signer type when producing a
// signature; this is the read-only mirror image, dispatching by the
// on-wire SignatureType tag when checking one.
func VerifySignature(sigType SignatureType, message, signature, owner []byte) error {
	switch sigType {
	case SignatureArweave:
		return verifyArweave(message, signature, owner)
	case SignatureED25519, SignatureSolana:
		return verifyED25519(message, signature, owner)
	case SignatureEthereum:
		return verifyEthereum(message, signature, owner)
	default:
		return fmt.Errorf("dataitem: unsupported signature type %d", sigType)
	}
}

func verifyArweave(message, signature, owner []byte) error {
	ownerB64 := crypto.Base64URLEncode(owner)
	return crypto.Verify(message, signature, ownerB64)
}

func verifyED25519(message, signature, owner []byte) error {
	if len(owner) != ed25519.PublicKeySize {
		return fmt.Errorf("dataitem: ed25519 owner must be %d bytes, got %d", ed25519.PublicKeySize, len(owner))
	}
	if !ed25519.Verify(ed25519.PublicKey(owner), message, signature) {
		return fmt.Errorf("dataitem: ed25519 signature verification failed")
	}
	return nil
}

// verifyEthereum checks an Ethereum-type data item signature. The owner
// field carries the 65-byte uncompressed secp256k1 public key (matching
// sigConfig[SignatureEthereum].OwnerLen); goether recovers the signer's
// address from the signature and we compare it against the address
// derived from that public key, mirroring the way
// signer/item_signer.go's reflectSigner reads signerAddr off a
// *goether.Signer rather than off the owner field directly.
func verifyEthereum(message, signature, owner []byte) error {
	if len(owner) != 65 {
		return fmt.Errorf("dataitem: ethereum owner must be 65 bytes, got %d", len(owner))
	}
	ownerPubkey, err := ethcrypto.UnmarshalPubkey(owner)
	if err != nil {
		return fmt.Errorf("dataitem: derive address from owner: %w", err)
	}
	wantAddr := ethcrypto.PubkeyToAddress(*ownerPubkey)

	_, gotAddr, err := goether.Ecrecover(message, signature)
	if err != nil {
		return fmt.Errorf("dataitem: ecrecover: %w", err)
	}
	if gotAddr != wantAddr {
		return fmt.Errorf("dataitem: ethereum signature does not match owner address")
	}
	return nil
}
