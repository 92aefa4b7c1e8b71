// Copyright (c) 2017-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ledger

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

const (
	// GeoRecordNamespace is the first seed of every anchor address.
	GeoRecordNamespace = "geo-json-data"

	// MaxSeedLength is the maximum length of a single seed.
	MaxSeedLength = 32

	// MaxSeeds is the maximum number of seeds, bump included.
	MaxSeeds = 16
)

// ErrOnCurve is returned by CreateProgramAddress when the hash is a valid
// ed25519 point and therefore could have a private key.
var ErrOnCurve = errors.New("address is on the ed25519 curve")

// checkSeeds verifies seeds stay within the limits with extra seeds
// appended.
func checkSeeds(seeds [][]byte, extra int) error {
	if len(seeds)+extra > MaxSeeds {
		return fmt.Errorf("too many seeds: %v", len(seeds)+extra)
	}
	for _, s := range seeds {
		if len(s) > MaxSeedLength {
			return fmt.Errorf("seed too long: %v", len(s))
		}
	}
	return nil
}

// CreateProgramAddress hashes seeds with programID into an address that is
// off the ed25519 curve.
func CreateProgramAddress(seeds [][]byte, programID Address) (Address, error) {
	if err := checkSeeds(seeds, 0); err != nil {
		return Address{}, err
	}
	a, err := solana.CreateProgramAddress(seeds, solana.PublicKey(programID))
	if err != nil {
		// Limits were checked, only the curve test is left.
		return Address{}, fmt.Errorf("%w: %v", ErrOnCurve, err)
	}
	return Address(a), nil
}

// FindProgramAddress searches bump seeds from 255 down and returns the
// first valid program address along with its bump.
func FindProgramAddress(seeds [][]byte, programID Address) (Address, uint8, error) {
	if err := checkSeeds(seeds, 1); err != nil {
		return Address{}, 0, err
	}
	a, bump, err := solana.FindProgramAddress(seeds,
		solana.PublicKey(programID))
	if err != nil {
		return Address{}, 0, err
	}
	return Address(a), bump, nil
}

// DeriveAddress returns the anchor address of recordID written by signer.
// The result is a pure function of its inputs.
func DeriveAddress(programID, signer Address, recordID string) (Address, uint8, error) {
	return FindProgramAddress([][]byte{
		[]byte(GeoRecordNamespace),
		signer[:],
		[]byte(recordID),
	}, programID)
}
