package types

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
)

// Sizes, kept the same as the teacher's types/hash.go.
const (
	HashSize      = sha256.Size
	SignatureSize = ed25519.SignatureSize
	PublicKeySize = ed25519.PublicKeySize
)

// Hash is a 32-byte SHA-256 digest, hex-encoded on the wire.
type Hash [HashSize]byte

// Signature is a raw ed25519 signature, hex-encoded on the wire.
type Signature []byte

// PublicKey is a raw ed25519 public key, hex-encoded on the wire.
type PublicKey []byte

var ErrInvalidHashLength = errors.New("invalid hash length")

// NewHash builds a Hash from raw bytes; fails if the length is wrong.
func NewHash(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, ErrInvalidHashLength
	}
	copy(h[:], b)
	return h, nil
}

// HashBytes computes the SHA-256 digest of b.
func HashBytes(b []byte) Hash {
	return Hash(sha256.Sum256(b))
}

// HashJSON canonically marshals v and hashes the result. Go's
// encoding/json already emits struct fields in declaration order with
// no insignificant whitespace for compact encoding, which is
// sufficient determinism for values built exclusively through this
// package's constructors.
func HashJSON(v interface{}) (Hash, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Hash{}, err
	}
	return HashBytes(data), nil
}

// IsEmpty reports whether h is the zero hash.
func (h Hash) IsEmpty() bool {
	return h == Hash{}
}

// Equal reports whether h equals other.
func (h Hash) Equal(other Hash) bool {
	return h == other
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(h[:]))
}

func (h *Hash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*h = Hash{}
		return nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(b) != HashSize {
		return ErrInvalidHashLength
	}
	copy(h[:], b)
	return nil
}

func (s Signature) String() string {
	return hex.EncodeToString(s)
}

func (s Signature) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(s))
}

func (s *Signature) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	b, err := hex.DecodeString(str)
	if err != nil {
		return err
	}
	*s = b
	return nil
}

func (k PublicKey) String() string {
	return hex.EncodeToString(k)
}

func (k PublicKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(k))
}

func (k *PublicKey) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	b, err := hex.DecodeString(str)
	if err != nil {
		return err
	}
	*k = b
	return nil
}
