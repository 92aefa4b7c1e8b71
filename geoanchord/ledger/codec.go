// Copyright (c) 2017-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

const discriminatorSize = 8

var (
	// SaveInstruction prefixes the instruction data of an anchor write.
	SaveInstruction = discriminator("global:save_geo_json")

	// AccountDiscriminator prefixes every anchor account.
	AccountDiscriminator = discriminator("account:GeoJsonData")

	errShortData = errors.New("short data")
)

func discriminator(name string) [discriminatorSize]byte {
	var d [discriminatorSize]byte
	h := sha256.Sum256([]byte(name))
	copy(d[:], h[:discriminatorSize])
	return d
}

// putString appends a length prefixed string.
func putString(b []byte, s string) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(len(s)))
	return append(b, s...)
}

// getString reads a length prefixed string and returns the remainder.
func getString(b []byte) (string, []byte, error) {
	if len(b) < 4 {
		return "", nil, errShortData
	}
	n := binary.LittleEndian.Uint32(b)
	b = b[4:]
	if uint64(n) > uint64(len(b)) {
		return "", nil, errShortData
	}
	return string(b[:n]), b[n:], nil
}

// EncodeSaveInstruction returns the instruction data writing payload and
// recordID.
func EncodeSaveInstruction(payload, recordID string) []byte {
	b := make([]byte, 0, discriminatorSize+8+len(payload)+len(recordID))
	b = append(b, SaveInstruction[:]...)
	b = putString(b, payload)
	return putString(b, recordID)
}

// EncodeAccount returns the account data holding payload and recordID.
func EncodeAccount(payload, recordID string) []byte {
	b := make([]byte, 0, discriminatorSize+8+len(payload)+len(recordID))
	b = append(b, AccountDiscriminator[:]...)
	b = putString(b, payload)
	return putString(b, recordID)
}

// DecodeAccount decodes anchor account data.  Trailing bytes are allowed
// since accounts may be allocated larger than their content.
func DecodeAccount(address Address, data []byte) (*Anchor, error) {
	if len(data) < discriminatorSize {
		return nil, fmt.Errorf("account %v: %w", address, errShortData)
	}
	var d [discriminatorSize]byte
	copy(d[:], data)
	if d != AccountDiscriminator {
		return nil, fmt.Errorf("account %v: not an anchor account",
			address)
	}
	payload, rest, err := getString(data[discriminatorSize:])
	if err != nil {
		return nil, fmt.Errorf("account %v payload: %w", address, err)
	}
	recordID, _, err := getString(rest)
	if err != nil {
		return nil, fmt.Errorf("account %v record id: %w", address, err)
	}
	return &Anchor{
		Address:            address,
		SerializedGeometry: payload,
		RecordID:           recordID,
	}, nil
}
