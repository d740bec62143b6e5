package domain

import (
	"bytes"
	"fmt"

	"github.com/mr-tron/base58"
)

// AddressLength is the byte length of an account address.
const AddressLength = 32

// Address identifies an on-chain account. Text form is base58.
type Address [AddressLength]byte

// ParseAddress decodes a base58 address string.
func ParseAddress(s string) (Address, error) {
	var a Address
	raw, err := base58.Decode(s)
	if err != nil {
		return a, fmt.Errorf("invalid address %q: %w", s, err)
	}
	if len(raw) != AddressLength {
		return a, fmt.Errorf("invalid address %q: length %d", s, len(raw))
	}
	copy(a[:], raw)
	return a, nil
}

// MustParseAddress is ParseAddress for constants and tests. Panics on error.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// AddressFromBytes copies b into an Address. b must be exactly 32 bytes.
func AddressFromBytes(b []byte) (Address, error) {
	var a Address
	if len(b) != AddressLength {
		return a, fmt.Errorf("address must be %d bytes, got %d", AddressLength, len(b))
	}
	copy(a[:], b)
	return a, nil
}

func (a Address) String() string {
	return base58.Encode(a[:])
}

// IsZero reports whether the address is all zeroes.
func (a Address) IsZero() bool {
	return a == Address{}
}

// Less orders addresses bytewise.
func (a Address) Less(b Address) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Signature is a 64-byte transaction signature. Text form is base58.
type Signature [64]byte

// ParseSignature decodes a base58 signature string.
func ParseSignature(s string) (Signature, error) {
	var sig Signature
	raw, err := base58.Decode(s)
	if err != nil {
		return sig, fmt.Errorf("invalid signature %q: %w", s, err)
	}
	if len(raw) != len(sig) {
		return sig, fmt.Errorf("invalid signature %q: length %d", s, len(raw))
	}
	copy(sig[:], raw)
	return sig, nil
}

func (s Signature) String() string {
	return base58.Encode(s[:])
}

func (s Signature) IsZero() bool {
	return s == Signature{}
}

// Blockhash is the recent-block reference a transaction is bound to.
type Blockhash [32]byte

// ParseBlockhash decodes a base58 blockhash string.
func ParseBlockhash(s string) (Blockhash, error) {
	var h Blockhash
	raw, err := base58.Decode(s)
	if err != nil {
		return h, fmt.Errorf("invalid blockhash %q: %w", s, err)
	}
	if len(raw) != len(h) {
		return h, fmt.Errorf("invalid blockhash %q: length %d", s, len(raw))
	}
	copy(h[:], raw)
	return h, nil
}

func (h Blockhash) String() string {
	return base58.Encode(h[:])
}
