package types

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// AccountName is the canonical hex-encoded address of an account,
// derived from the low 20 bytes of SHA-256(pubkey). Hex encoding is
// byte-order preserving, so lexicographic string comparison of two
// AccountNames matches lexicographic comparison of the underlying
// address bytes -- the ordering spec.md's proposer draw relies on.
type AccountName string

const AddressSize = 20

var (
	ErrInvalidAddress       = errors.New("invalid address")
	ErrInvalidPublicKeySize = errors.New("invalid public key size")
	ErrInvalidSignatureSize = errors.New("invalid signature size")
)

// AddressFromPublicKey derives the canonical address for a public key.
func AddressFromPublicKey(pub PublicKey) (AccountName, error) {
	if len(pub) != PublicKeySize {
		return "", ErrInvalidPublicKeySize
	}
	sum := sha256.Sum256(pub)
	return AccountName(hex.EncodeToString(sum[len(sum)-AddressSize:])), nil
}

func (a AccountName) IsEmpty() bool {
	return a == ""
}

func (a AccountName) String() string {
	return string(a)
}

// Sign produces a raw ed25519 signature over msg.
func Sign(priv ed25519.PrivateKey, msg []byte) Signature {
	return Signature(ed25519.Sign(priv, msg))
}

// VerifySignature checks that sig over msg was produced by pub.
func VerifySignature(pub PublicKey, msg []byte, sig Signature) bool {
	if len(pub) != PublicKeySize || len(sig) != SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, []byte(sig))
}

// Recover verifies sig over msg against the claimed address, matching
// spec.md's Crypto.recover(msg, signature) -> address collaborator:
// there is no signature scheme in this module that recovers a public
// key without it being supplied, so recovery is verify-against-claim.
func Recover(pub PublicKey, msg []byte, sig Signature) (AccountName, error) {
	addr, err := AddressFromPublicKey(pub)
	if err != nil {
		return "", err
	}
	if !VerifySignature(pub, msg, sig) {
		return "", ErrInvalidAddress
	}
	return addr, nil
}
