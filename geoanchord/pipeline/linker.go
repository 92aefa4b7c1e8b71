// Copyright (c) 2017-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/decred/geoanchor/geoanchord/backend"
	"github.com/decred/geoanchor/geoanchord/ledger"
)

const (
	// DefaultLinkAttempts is how often the link step is tried.
	DefaultLinkAttempts = 3

	// DefaultLinkRetryDelay is the pause between link attempts.
	DefaultLinkRetryDelay = 250 * time.Millisecond

	// DefaultLinkTimeout bounds the link step of a single create.
	DefaultLinkTimeout = 30 * time.Second
)

// errLinkMismatch is returned when a record is linked to another address.
// Retrying cannot fix it.
var errLinkMismatch = errors.New("record linked to a different anchor")

// Linker binds anchored records to their ledger anchor.
type Linker struct {
	store    backend.Store
	attempts int
	delay    time.Duration
}

// NewLinker returns a linker trying each link up to attempts times.
func NewLinker(store backend.Store, attempts int, delay time.Duration) *Linker {
	if attempts < 1 {
		attempts = 1
	}
	return &Linker{store: store, attempts: attempts, delay: delay}
}

// link runs one idempotent link attempt.
func (l *Linker) link(ctx context.Context, r *backend.GeoRecord, address string) (*backend.GeoRecord, *backend.Link, error) {
	link, err := l.store.LinkByGeoRecord(ctx, r.ID)
	switch {
	case errors.Is(err, backend.ErrNotFound):
		link = &backend.Link{
			AnchorAddress: address,
			GeoRecordID:   r.ID,
			Type:          r.Type,
		}
		err = l.store.CreateLink(ctx, link)
		if errors.Is(err, backend.ErrDuplicateKey) {
			// Lost to a concurrent linker, use its link.
			link, err = l.store.LinkByGeoRecord(ctx, r.ID)
		}
		if err != nil {
			return nil, nil, err
		}
	case err != nil:
		return nil, nil, err
	}
	if link.AnchorAddress != address {
		return nil, nil, fmt.Errorf("%w: %v has %v, want %v",
			errLinkMismatch, r.ID, link.AnchorAddress, address)
	}

	updated, err := l.store.UpdateGeoRecordLedgerRef(ctx, r.ID, link.ID)
	if err != nil {
		return nil, nil, err
	}
	return updated, link, nil
}

// Link creates the link between r and the anchor at address and records
// it on r, retrying failed attempts.
func (l *Linker) Link(ctx context.Context, r *backend.GeoRecord, address ledger.Address) (*backend.GeoRecord, *backend.Link, error) {
	var err error
	for i := 1; ; i++ {
		var updated *backend.GeoRecord
		var link *backend.Link
		updated, link, err = l.link(ctx, r, address.String())
		if err == nil {
			return updated, link, nil
		}
		if errors.Is(err, errLinkMismatch) || i >= l.attempts {
			break
		}

		log.Debugf("Link %v attempt %v: %v", r.ID, i, err)

		select {
		case <-ctx.Done():
			return nil, nil, err
		case <-time.After(l.delay):
		}
	}
	return nil, nil, err
}
