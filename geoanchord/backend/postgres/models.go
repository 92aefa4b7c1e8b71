// Copyright (c) 2020-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package postgres

import (
	"database/sql"

	"github.com/decred/geoanchor/geoanchord/backend"
	"github.com/decred/geoanchor/geometry"
)

// geoRecordRow mirrors a geo_records row.  The geometry column is only
// used for spatial queries; the record geometry is decoded from
// geometry_string which holds the canonical key.
type geoRecordRow struct {
	ID             string
	GeometryString string
	GeoJSON        string
	PDLType        string
	LedgerRef      sql.NullString
	State          string
	CreatedAt      int64
	UpdatedAt      int64
}

// fields returns scan destinations in geoRecordColumns order.
func (r *geoRecordRow) fields() []interface{} {
	return []interface{}{&r.ID, &r.GeometryString, &r.GeoJSON, &r.PDLType,
		&r.LedgerRef, &r.State, &r.CreatedAt, &r.UpdatedAt}
}

// record converts the row to its backend representation.
func (r *geoRecordRow) record() (*backend.GeoRecord, error) {
	g, err := geometry.Parse(r.GeometryString)
	if err != nil {
		return nil, err
	}
	return &backend.GeoRecord{
		ID:           r.ID,
		Geometry:     g,
		Payload:      []byte(r.GeoJSON),
		CanonicalKey: r.GeometryString,
		Type:         backend.RecordType(r.PDLType),
		LedgerRef:    r.LedgerRef.String,
		State:        backend.RecordState(r.State),
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}, nil
}

// pdlRow mirrors a pdls row, the table holding record to anchor links.
type pdlRow struct {
	ID        string
	PDL       string
	GeoJSON   string
	Type      string
	CreatedAt int64
}

func (r *pdlRow) fields() []interface{} {
	return []interface{}{&r.ID, &r.PDL, &r.GeoJSON, &r.Type, &r.CreatedAt}
}

func (r *pdlRow) link() *backend.Link {
	return &backend.Link{
		ID:            r.ID,
		AnchorAddress: r.PDL,
		GeoRecordID:   r.GeoJSON,
		Type:          backend.RecordType(r.Type),
		CreatedAt:     r.CreatedAt,
	}
}
