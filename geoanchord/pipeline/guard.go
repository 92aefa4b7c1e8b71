// Copyright (c) 2017-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pipeline

import (
	"context"
	"errors"

	"github.com/decred/geoanchor/geoanchord/backend"
	"github.com/decred/geoanchor/geoanchord/ledger"
)

// DuplicateGuard detects candidates that are already stored off-chain or
// already anchored on the ledger.
type DuplicateGuard struct {
	store  backend.Store
	ledger ledger.Ledger
}

// NewDuplicateGuard returns a guard over store and l.
func NewDuplicateGuard(store backend.Store, l ledger.Ledger) *DuplicateGuard {
	return &DuplicateGuard{store: store, ledger: l}
}

// Offchain returns the record stored under key or nil if there is none.
func (g *DuplicateGuard) Offchain(ctx context.Context, key string) (*backend.GeoRecord, error) {
	r, err := g.store.GeoRecordByCanonicalKey(ctx, key)
	switch {
	case errors.Is(err, backend.ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, &InternalError{Stage: StageDedup, Err: err}
	}
	return r, nil
}

// Ledger scans every anchor for an exact payload match.  A match is a
// ConflictError since the document store did not know the payload.
func (g *DuplicateGuard) Ledger(ctx context.Context, payload string) error {
	anchors, err := g.ledger.Anchors(ctx)
	if err != nil {
		return &InternalError{Stage: StageDedup, Err: err}
	}
	for _, a := range anchors {
		if a.SerializedGeometry != payload {
			continue
		}
		log.Warnf("Ledger anchor %v (record %v) has no off-chain "+
			"record", a.Address, a.RecordID)
		return &ConflictError{
			Kind:    ConflictLedgerDuplicate,
			Address: a.Address.String(),
		}
	}
	return nil
}
