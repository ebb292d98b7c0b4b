package crypto

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"math/big"
)

func getPublicKeyFromOwner(owner string) (*rsa.PublicKey, error) {
	data, err := Base64URLDecode(owner)
	if err != nil {
		return nil, err
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(data),
		E: 65537, //"AQAB"
	}, nil
}

// Verify checks an RSA-PSS signature against the owner's base64url-encoded
// public key modulus, as used for transaction and data item signatures.
func Verify(data []byte, signature []byte, owner string) error {
	hashed := sha256.Sum256(data)

	publicKey, err := getPublicKeyFromOwner(owner)
	if err != nil {
		return err
	}
	return rsa.VerifyPSS(publicKey, crypto.SHA256, hashed[:], signature, &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
		Hash:       crypto.SHA256,
	})
}
