package txn

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"

	"crank_go/internal/domain"
)

// Keypair is an ed25519 signer for the crank's fee payer.
type Keypair struct {
	private ed25519.PrivateKey
	public  domain.Address
}

// NewKeypair wraps a 64-byte ed25519 private key.
func NewKeypair(private ed25519.PrivateKey) (*Keypair, error) {
	if len(private) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(private))
	}
	pub, err := domain.AddressFromBytes(private.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, err
	}
	return &Keypair{private: private, public: pub}, nil
}

// KeypairFromSeed derives a keypair from a 32-byte seed.
func KeypairFromSeed(seed []byte) (*Keypair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return NewKeypair(ed25519.NewKeyFromSeed(seed))
}

// LoadKeypair reads a keypair file holding a JSON array of 64 bytes.
func LoadKeypair(path string) (*Keypair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return nil, fmt.Errorf("parse keypair %s: %w", path, err)
	}
	raw := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("parse keypair %s: byte %d out of range", path, i)
		}
		raw[i] = byte(v)
	}

	kp, err := NewKeypair(ed25519.PrivateKey(raw))
	if err != nil {
		return nil, fmt.Errorf("parse keypair %s: %w", path, err)
	}
	// The file stores seed||public; reject mismatched halves.
	if string(raw[32:]) != string(kp.public[:]) {
		return nil, fmt.Errorf("parse keypair %s: public key does not match secret", path)
	}
	return kp, nil
}

func (k *Keypair) PublicKey() domain.Address {
	return k.public
}

func (k *Keypair) Sign(message []byte) domain.Signature {
	var sig domain.Signature
	copy(sig[:], ed25519.Sign(k.private, message))
	return sig
}

// Verify checks sig over message against the public key addr.
func Verify(addr domain.Address, message []byte, sig domain.Signature) bool {
	return ed25519.Verify(ed25519.PublicKey(addr[:]), message, sig[:])
}
