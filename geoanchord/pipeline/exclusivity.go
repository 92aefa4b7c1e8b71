// Copyright (c) 2017-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pipeline

import (
	"context"
	"errors"

	"github.com/decred/geoanchor/geoanchord/backend"
	"github.com/paulmach/orb"
)

// SpatialValidator enforces that ownership records neither overlap nor
// intersect any stored record.
type SpatialValidator struct {
	store backend.Store
}

// NewSpatialValidator returns a validator over store.
func NewSpatialValidator(store backend.Store) *SpatialValidator {
	return &SpatialValidator{store: store}
}

// Check validates g for a record of type rt.  Application records are
// always accepted.
func (v *SpatialValidator) Check(ctx context.Context, rt backend.RecordType, g orb.Geometry) error {
	if rt == backend.RecordTypeApplication {
		return nil
	}

	checks := []struct {
		kind ConflictKind
		find func(context.Context, orb.Geometry) (*backend.GeoRecord, error)
	}{
		{ConflictSpatialOverlap, v.store.OverlappingGeoRecord},
		{ConflictSpatialIntersect, v.store.IntersectingGeoRecord},
	}
	for _, c := range checks {
		r, err := c.find(ctx, g)
		switch {
		case errors.Is(err, backend.ErrNotFound):
			continue
		case err != nil:
			return &InternalError{Stage: StageSpatial, Err: err}
		}
		return &ConflictError{Kind: c.kind, RecordID: r.ID}
	}
	return nil
}
