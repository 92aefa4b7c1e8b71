// Copyright (c) 2017-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package localledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/geoanchor/geoanchord/ledger"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

const (
	// ledgerDir is the leveldb directory under the data dir.
	ledgerDir = "ledger"
)

var (
	_ ledger.Ledger = (*LocalLedger)(nil)

	errInvalidDB = errors.New("not a valid database")

	// ErrAddressMismatch is returned when the written address is not the
	// one derived from the signer and record id.
	ErrAddressMismatch = errors.New("address does not match seeds")
)

// Account is the stored form of an anchor account.
type Account struct {
	Data      []byte         `json:"data"`      // Encoded anchor account
	Owner     string         `json:"owner"`     // Signer address
	Tx        chainhash.Hash `json:"tx"`        // Transaction id
	Timestamp int64          `json:"timestamp"` // Unix seconds
}

// EncodeAccount encodes an Account into a JSON byte slice.
func EncodeAccount(a Account) ([]byte, error) {
	return json.Marshal(a)
}

// DecodeAccount decodes a JSON byte slice into an Account.
func DecodeAccount(payload []byte) (*Account, error) {
	var a Account
	if err := json.Unmarshal(payload, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// LocalLedger is an append-only ledger backed by leveldb.  Accounts are
// keyed by address and can never be overwritten or removed.
type LocalLedger struct {
	sync.RWMutex

	root      string      // Root directory
	db        *leveldb.DB // [address]Account
	programID ledger.Address

	// testing only entries
	myNow func() time.Time // Override time.Now()
}

func (l *LocalLedger) anchor(address ledger.Address, value []byte) (*ledger.Anchor, error) {
	a, err := DecodeAccount(value)
	if err != nil {
		return nil, fmt.Errorf("decode %v: %v", address, err)
	}
	return ledger.DecodeAccount(address, a.Data)
}

// ProgramID returns the program id accounts are derived with.
func (l *LocalLedger) ProgramID() ledger.Address {
	return l.programID
}

// Anchors returns all accounts in key order.
func (l *LocalLedger) Anchors(ctx context.Context) ([]*ledger.Anchor, error) {
	l.RLock()
	defer l.RUnlock()

	var anchors []*ledger.Anchor
	i := l.db.NewIterator(nil, nil)
	defer i.Release()
	for i.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var address ledger.Address
		if len(i.Key()) != len(address) {
			return nil, fmt.Errorf("invalid key %x", i.Key())
		}
		copy(address[:], i.Key())
		a, err := l.anchor(address, i.Value())
		if err != nil {
			return nil, err
		}
		anchors = append(anchors, a)
	}
	if err := i.Error(); err != nil {
		return nil, err
	}
	return anchors, nil
}

// Anchor returns the account at address.
func (l *LocalLedger) Anchor(ctx context.Context, address ledger.Address) (*ledger.Anchor, error) {
	l.RLock()
	defer l.RUnlock()

	value, err := l.db.Get(address[:], nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ledger.ErrAnchorNotFound
	} else if err != nil {
		return nil, err
	}
	return l.anchor(address, value)
}

// Write creates the anchor account at address.  The address must be the
// one derived from the signer and recordID and must not exist yet.
func (l *LocalLedger) Write(ctx context.Context, signer *ledger.Signer, address ledger.Address, payload string, recordID string) (*ledger.Receipt, error) {
	derived, _, err := ledger.DeriveAddress(l.programID, signer.Public(),
		recordID)
	if err != nil {
		return nil, err
	}
	if derived != address {
		return nil, fmt.Errorf("%w: %v != %v", ErrAddressMismatch,
			address, derived)
	}

	// Sign the instruction the way a remote ledger would require it.
	ix := ledger.EncodeSaveInstruction(payload, recordID)
	msg := append(address[:len(address):len(address)], ix...)
	sig := signer.Sign(msg)

	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	found, err := l.db.Has(address[:], nil)
	if err != nil {
		return nil, err
	}
	if found {
		return nil, fmt.Errorf("%v: %w", address, ledger.ErrAccountExists)
	}

	a := Account{
		Data:      ledger.EncodeAccount(payload, recordID),
		Owner:     signer.Public().String(),
		Tx:        chainhash.HashH(sig),
		Timestamp: l.myNow().Unix(),
	}
	value, err := EncodeAccount(a)
	if err != nil {
		return nil, err
	}
	if err := l.db.Put(address[:], value, &opt.WriteOptions{Sync: true}); err != nil {
		return nil, err
	}

	log.Debugf("Write: %v %v tx %v", address, recordID, a.Tx)

	return &ledger.Receipt{
		Address: address,
		TxID:    a.Tx.String(),
	}, nil
}

// Close closes the ledger database.
func (l *LocalLedger) Close() {
	// Block until last command is complete.
	l.Lock()
	defer l.Unlock()

	if err := l.db.Close(); err != nil {
		log.Errorf("Close: %v", err)
	}
}

// New opens or creates the ledger under root.
func New(root string, programID ledger.Address) (*LocalLedger, error) {
	log.Tracef("New: %v %v", root, programID)

	path := filepath.Join(root, ledgerDir)
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, err
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LocalLedger{
		root:      root,
		db:        db,
		programID: programID,
		myNow:     time.Now,
	}, nil
}
