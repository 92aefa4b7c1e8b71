// Copyright (c) 2020-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"path/filepath"
	"time"

	"github.com/decred/geoanchor/geoanchord/backend"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

var _ backend.Store = (*Postgres)(nil)

// Postgres is a PostGIS implementation of the store.  Geo records live in
// the geo_records table next to a spatially indexed geometry column, links
// to ledger anchors live in pdls and lifecycle events in events.
type Postgres struct {
	db *sql.DB // Postgres database

	// testing only entries
	myNow func() time.Time // Override time.Now()
}

// candidateGeoJSON encodes g as a bare GeoJSON geometry suitable for
// ST_GeomFromGeoJSON.
func candidateGeoJSON(g orb.Geometry) (string, error) {
	b, err := geojson.NewGeometry(g).MarshalJSON()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CreateGeoRecord inserts r.  The id, timestamps and, when unset, the state
// are assigned by the store.  A record whose canonical key is already
// stored is rejected with backend.ErrDuplicateKey.
func (pg *Postgres) CreateGeoRecord(ctx context.Context, r *backend.GeoRecord) error {
	now := pg.myNow().Unix()
	state := r.State
	if state == "" {
		state = backend.StatePending
	}
	row := geoRecordRow{
		ID:             backend.NewID(),
		GeometryString: r.CanonicalKey,
		GeoJSON:        string(r.Payload),
		PDLType:        string(r.Type),
		State:          string(state),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := pg.insertGeoRecord(ctx, row); err != nil {
		return err
	}

	log.Debugf("CreateGeoRecord: %v %v", row.ID, row.PDLType)

	r.ID = row.ID
	r.State = state
	r.CreatedAt = now
	r.UpdatedAt = now
	return nil
}

// GeoRecord returns the record with the provided id.
func (pg *Postgres) GeoRecord(ctx context.Context, id string) (*backend.GeoRecord, error) {
	return pg.getGeoRecordByID(ctx, id)
}

// GeoRecordByCanonicalKey returns the record stored under key.
func (pg *Postgres) GeoRecordByCanonicalKey(ctx context.Context, key string) (*backend.GeoRecord, error) {
	return pg.getGeoRecordByKey(ctx, key)
}

// OverlappingGeoRecord returns the oldest record that lies within g or
// contains g.
func (pg *Postgres) OverlappingGeoRecord(ctx context.Context, g orb.Geometry) (*backend.GeoRecord, error) {
	c, err := candidateGeoJSON(g)
	if err != nil {
		return nil, err
	}
	return pg.getOverlapping(ctx, c)
}

// IntersectingGeoRecord returns the oldest record that intersects g,
// touching boundaries included.
func (pg *Postgres) IntersectingGeoRecord(ctx context.Context, g orb.Geometry) (*backend.GeoRecord, error) {
	c, err := candidateGeoJSON(g)
	if err != nil {
		return nil, err
	}
	return pg.getIntersecting(ctx, c)
}

// UpdateGeoRecordLedgerRef sets the ledger reference of a record and marks
// it anchored.
func (pg *Postgres) UpdateGeoRecordLedgerRef(ctx context.Context, id, linkID string) (*backend.GeoRecord, error) {
	return pg.updateLedgerRef(ctx, id, linkID, pg.myNow().Unix())
}

// SetGeoRecordState changes the state of a record.
func (pg *Postgres) SetGeoRecordState(ctx context.Context, id string, state backend.RecordState) error {
	return pg.updateState(ctx, id, state, pg.myNow().Unix())
}

// DeleteGeoRecord removes a record that has not been linked.
func (pg *Postgres) DeleteGeoRecord(ctx context.Context, id string) error {
	return pg.deleteGeoRecord(ctx, id)
}

// GeoRecordsByState returns records in state last updated at or before the
// provided unix time.
func (pg *Postgres) GeoRecordsByState(ctx context.Context, state backend.RecordState, before int64) ([]*backend.GeoRecord, error) {
	return pg.getGeoRecordsByState(ctx, state, before)
}

// CreateLink inserts l.  A record may own a single link and an anchor
// address may appear once.
func (pg *Postgres) CreateLink(ctx context.Context, l *backend.Link) error {
	row := pdlRow{
		ID:        backend.NewID(),
		PDL:       l.AnchorAddress,
		GeoJSON:   l.GeoRecordID,
		Type:      string(l.Type),
		CreatedAt: pg.myNow().Unix(),
	}
	if err := pg.insertPDL(ctx, row); err != nil {
		return err
	}
	l.ID = row.ID
	l.CreatedAt = row.CreatedAt
	return nil
}

// LinkByGeoRecord returns the link owned by record id.
func (pg *Postgres) LinkByGeoRecord(ctx context.Context, id string) (*backend.Link, error) {
	q := `SELECT ` + pdlColumns + ` FROM pdls WHERE geojson = $1`
	return pg.getPDL(ctx, q, id)
}

// LinkByAnchorAddress returns the link pointing at address.
func (pg *Postgres) LinkByAnchorAddress(ctx context.Context, address string) (*backend.Link, error) {
	q := `SELECT ` + pdlColumns + ` FROM pdls WHERE pdl = $1`
	return pg.getPDL(ctx, q, address)
}

// CreateEvent inserts e.
func (pg *Postgres) CreateEvent(ctx context.Context, e *backend.Event) error {
	e.ID = backend.NewID()
	e.CreatedAt = pg.myNow().Unix()
	return pg.insertEvent(ctx, e)
}

// Close performs cleanup of the backend.
func (pg *Postgres) Close() {
	if err := pg.db.Close(); err != nil {
		log.Errorf("Close: %v", err)
	}
}

func buildQueryString(rootCert, cert, key string) string {
	v := url.Values{}
	if rootCert == "" {
		v.Set("sslmode", "disable")
		return v.Encode()
	}
	v.Set("sslmode", "require")
	v.Set("sslrootcert", filepath.Clean(rootCert))
	v.Set("sslcert", filepath.Clean(cert))
	v.Set("sslkey", filepath.Clean(key))
	return v.Encode()
}

// internalNew creates the Postgres context but does not touch the schema.
func internalNew(user, host, dbName, rootCert, cert, key string) (*Postgres, error) {
	// Connect to database
	h := "postgresql://" + user + "@" + host + "/" + dbName
	u, err := url.Parse(h)
	if err != nil {
		return nil, fmt.Errorf("parse url '%v': %v", h, err)
	}

	qs := buildQueryString(rootCert, cert, key)
	addr := u.String() + "?" + qs

	db, err := sql.Open("postgres", addr)
	if err != nil {
		return nil, fmt.Errorf("connect to database '%v': %v", addr, err)
	}

	return &Postgres{
		db:    db,
		myNow: time.Now,
	}, nil
}

// New creates a new store instance and creates missing tables.  The caller
// should issue a Close once the Postgres store is no longer needed.
func New(ctx context.Context, user, host, dbName, rootCert, cert, key string) (*Postgres, error) {
	log.Tracef("New: %v %v %v %v %v %v", user, host, dbName, rootCert,
		cert, key)

	pg, err := internalNew(user, host, dbName, rootCert, cert, key)
	if err != nil {
		return nil, err
	}
	if err := pg.db.PingContext(ctx); err != nil {
		pg.Close()
		return nil, fmt.Errorf("ping %v: %v", host, err)
	}
	if err := pg.createTables(ctx); err != nil {
		pg.Close()
		return nil, fmt.Errorf("create tables: %v", err)
	}

	return pg, nil
}
