// Copyright (c) 2017-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/decred/base58"
)

var (
	// ErrAnchorNotFound is returned when no account exists at an address.
	ErrAnchorNotFound = errors.New("anchor not found")

	// ErrAccountExists is returned when a write targets an address that
	// already holds an account.
	ErrAccountExists = errors.New("account already exists")

	// ErrAmbiguous is returned when a write was submitted but its outcome
	// could not be determined.
	ErrAmbiguous = errors.New("ledger outcome unknown")
)

// AddressSize is the size of a ledger address in bytes.
const AddressSize = 32

// Address identifies a ledger account or program.
type Address [AddressSize]byte

// String returns the base58 text form of the address.
func (a Address) String() string {
	return base58.Encode(a[:])
}

// IsZero returns true if the address is all zeros.
func (a Address) IsZero() bool {
	return a == Address{}
}

// ParseAddress decodes a base58 address.
func ParseAddress(s string) (Address, error) {
	var a Address
	b := base58.Decode(s)
	if len(b) != AddressSize {
		return a, fmt.Errorf("invalid address %q: decoded length %v",
			s, len(b))
	}
	copy(a[:], b)
	return a, nil
}

// Anchor is the immutable ledger account holding one geo record.
type Anchor struct {
	Address            Address // Program derived address
	SerializedGeometry string  // Compact JSON of the original payload
	RecordID           string  // Off-chain record id
}

// Receipt describes a committed write.
type Receipt struct {
	Address Address // Account written
	TxID    string  // Ledger transaction id or signature
}

// Ledger is the append-only store anchors are written to.
type Ledger interface {
	// ProgramID returns the program owning the anchor accounts.
	ProgramID() Address

	// Anchors returns every anchor account of the program.
	Anchors(ctx context.Context) ([]*Anchor, error)

	// Anchor returns the anchor at address or ErrAnchorNotFound.
	Anchor(ctx context.Context, address Address) (*Anchor, error)

	// Write creates the anchor account at address, signed by signer.
	// Errors wrapping ErrAmbiguous mean the write may or may not have
	// been committed; any other error means it was not.
	Write(ctx context.Context, signer *Signer, address Address, payload string, recordID string) (*Receipt, error)

	// Close releases resources.
	Close()
}
