// Package identity derives the gateway operator's read-only Arweave address
// from a JWK wallet file, for reporting in /ar-io/info and peer
// announcements. Unlike the teacher's signer package, nothing here signs
// chain data: this gateway does not post transactions or data items on the
// operator's behalf (see SPEC_FULL.md Non-goals), so only address
// derivation survives the adaptation.
package identity

import (
	"crypto/rsa"
	"fmt"
	"os"

	"github.com/everFinance/gojwk"

	"github.com/ar-io/gateway-node/crypto"
)

// Identity is the gateway operator's wallet address and public key.
type Identity struct {
	Address   string
	PublicKey *rsa.PublicKey
}

// FromWalletFile loads a JWK wallet file and derives its Arweave address.
// An empty path yields an anonymous identity: operators are not required to
// run with a funded wallet, since this gateway never submits transactions.
func FromWalletFile(path string) (Identity, error) {
	if path == "" {
		return Anonymous(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Identity{}, fmt.Errorf("identity: read wallet: %w", err)
	}
	return FromJWK(b)
}

// FromJWK derives an Identity from JWK-encoded key material. Only the
// public half is required; a private key present in the file is accepted
// but never retained, since this package never signs anything.
func FromJWK(b []byte) (Identity, error) {
	key, err := gojwk.Unmarshal(b)
	if err != nil {
		return Identity{}, fmt.Errorf("identity: unmarshal jwk: %w", err)
	}
	raw, err := key.DecodePublicKey()
	if err != nil {
		return Identity{}, fmt.Errorf("identity: decode public key: %w", err)
	}
	pub, ok := raw.(*rsa.PublicKey)
	if !ok {
		return Identity{}, fmt.Errorf("identity: unsupported public key type %T", raw)
	}
	return Identity{
		Address:   AddressFromPublicKey(pub),
		PublicKey: pub,
	}, nil
}

// Anonymous is the identity reported when the gateway is configured without
// an operator wallet.
func Anonymous() Identity {
	return Identity{Address: ""}
}

// AddressFromPublicKey computes the Arweave wallet address: the
// base64url-encoded SHA-256 digest of the RSA public modulus.
func AddressFromPublicKey(pub *rsa.PublicKey) string {
	digest := crypto.SHA256(pub.N.Bytes())
	return crypto.Base64URLEncode(digest)
}

// Owner returns the base64url-encoded RSA modulus, as Arweave transactions
// and data items carry it in their "owner" field.
func (id Identity) Owner() string {
	if id.PublicKey == nil {
		return ""
	}
	return crypto.Base64URLEncode(id.PublicKey.N.Bytes())
}
