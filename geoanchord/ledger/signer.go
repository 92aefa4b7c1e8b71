// Copyright (c) 2017-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ledger

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"

	"github.com/gagliardetto/solana-go"
)

// Signer holds the keypair that pays for and signs anchor writes.
type Signer struct {
	key ed25519.PrivateKey
}

// ParseSigner decodes a keypair stored as a JSON array of the 64 secret
// key bytes.
func ParseSigner(b []byte) (*Signer, error) {
	var raw []byte
	var ints []int
	if err := json.Unmarshal(b, &ints); err != nil {
		return nil, fmt.Errorf("decode keypair: %v", err)
	}
	if len(ints) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid keypair length: %v", len(ints))
	}
	raw = make([]byte, 0, len(ints))
	for _, v := range ints {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("invalid keypair byte: %v", v)
		}
		raw = append(raw, byte(v))
	}

	key := ed25519.NewKeyFromSeed(raw[:ed25519.SeedSize])
	if !key.Public().(ed25519.PublicKey).Equal(ed25519.PublicKey(raw[ed25519.SeedSize:])) {
		return nil, fmt.Errorf("keypair public key does not match secret")
	}
	return &Signer{key: key}, nil
}

// LoadSigner reads a keypair file.
func LoadSigner(filename string) (*Signer, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return ParseSigner(b)
}

// NewSigner returns a signer for the provided seed.
func NewSigner(seed []byte) (*Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid seed length: %v", len(seed))
	}
	return &Signer{key: ed25519.NewKeyFromSeed(seed)}, nil
}

// Public returns the signer address.
func (s *Signer) Public() Address {
	var a Address
	copy(a[:], s.key.Public().(ed25519.PublicKey))
	return a
}

// Sign signs msg.
func (s *Signer) Sign(msg []byte) []byte {
	return ed25519.Sign(s.key, msg)
}

// PrivateKey returns the keypair in the form transactions are signed with.
func (s *Signer) PrivateKey() solana.PrivateKey {
	return solana.PrivateKey(s.key)
}

// MarshalJSON encodes the keypair in the format accepted by ParseSigner.
func (s *Signer) MarshalJSON() ([]byte, error) {
	ints := make([]int, len(s.key))
	for i, v := range s.key {
		ints[i] = int(v)
	}
	return json.Marshal(ints)
}
