// Copyright (c) 2017-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package localledger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/decred/geoanchor/geoanchord/ledger"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// DumpVersion is the version of the JSON dump stream.
const DumpVersion = 1

// DumpRecord is one entry of a JSON dump.
type DumpRecord struct {
	Version            uint   `json:"version"`
	Address            string `json:"address"`
	RecordID           string `json:"recordid"`
	SerializedGeometry string `json:"serializedgeometry"`
	Owner              string `json:"owner"`
	Tx                 string `json:"tx"`
	Timestamp          int64  `json:"timestamp"`
}

// NewDump opens an existing ledger for reading.
func NewDump(root string) (*LocalLedger, error) {
	// Stat path first so that we don't create a database.  Leveldb WILL
	// create a directory even if ErrorIfMissing = true.
	path := filepath.Join(root, ledgerDir)
	fi, err := os.Stat(path)
	if err != nil {
		return nil, os.ErrNotExist
	}
	if !fi.Mode().IsDir() {
		return nil, errInvalidDB
	}
	db, err := leveldb.OpenFile(path, &opt.Options{ErrorIfMissing: true,
		ReadOnly: true})
	if err != nil {
		return nil, err
	}
	return &LocalLedger{root: root, db: db, myNow: time.Now}, nil
}

// Dump writes every account to w.  If human is set it pretty prints the
// accounts, otherwise it writes a JSON stream of DumpRecords.
func (l *LocalLedger) Dump(w io.Writer, human bool) error {
	l.RLock()
	defer l.RUnlock()

	e := json.NewEncoder(w)
	i := l.db.NewIterator(nil, nil)
	defer i.Release()
	for i.Next() {
		var address ledger.Address
		if len(i.Key()) != len(address) {
			return fmt.Errorf("invalid key %x", i.Key())
		}
		copy(address[:], i.Key())
		a, err := DecodeAccount(i.Value())
		if err != nil {
			return err
		}
		anchor, err := ledger.DecodeAccount(address, a.Data)
		if err != nil {
			return err
		}

		if human {
			ts := time.Unix(a.Timestamp, 0).UTC().Format(time.RFC3339)
			fmt.Fprintf(w, "Address    : %v\n", address)
			fmt.Fprintf(w, "Record     : %v\n", anchor.RecordID)
			fmt.Fprintf(w, "Owner      : %v\n", a.Owner)
			fmt.Fprintf(w, "Tx         : %v\n", a.Tx)
			fmt.Fprintf(w, "Timestamp  : %v -> %v\n", a.Timestamp, ts)
			fmt.Fprintf(w, "Geometry   : %v\n", anchor.SerializedGeometry)
			fmt.Fprintf(w, "\n")
			continue
		}

		err = e.Encode(DumpRecord{
			Version:            DumpVersion,
			Address:            address.String(),
			RecordID:           anchor.RecordID,
			SerializedGeometry: anchor.SerializedGeometry,
			Owner:              a.Owner,
			Tx:                 a.Tx.String(),
			Timestamp:          a.Timestamp,
		})
		if err != nil {
			return err
		}
	}
	return i.Error()
}
