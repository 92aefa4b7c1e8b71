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

// AnchorWriter writes records to the ledger at their derived address.
type AnchorWriter struct {
	ledger ledger.Ledger
	signer *ledger.Signer
}

// NewAnchorWriter returns a writer signing with signer.
func NewAnchorWriter(l ledger.Ledger, signer *ledger.Signer) *AnchorWriter {
	return &AnchorWriter{ledger: l, signer: signer}
}

// Address returns the anchor address of recordID.
func (w *AnchorWriter) Address(recordID string) (ledger.Address, error) {
	a, _, err := ledger.DeriveAddress(w.ledger.ProgramID(),
		w.signer.Public(), recordID)
	return a, err
}

// Write anchors r.  The error is a *LedgerWriteError when nothing was
// written, an *AmbiguousLedgerOutcomeError when that is unknown, or an
// *InternalError when no write was attempted.
func (w *AnchorWriter) Write(ctx context.Context, r *backend.GeoRecord) (*ledger.Receipt, error) {
	address, err := w.Address(r.ID)
	if err != nil {
		return nil, &InternalError{Stage: StageDerive, Err: err}
	}

	receipt, err := w.ledger.Write(ctx, w.signer, address,
		string(r.Payload), r.ID)
	switch {
	case err == nil:
		return receipt, nil
	case errors.Is(err, ledger.ErrAmbiguous),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return nil, &AmbiguousLedgerOutcomeError{
			RecordID: r.ID,
			Address:  address.String(),
			Err:      err,
		}
	}
	return nil, &LedgerWriteError{RecordID: r.ID, Err: err}
}
