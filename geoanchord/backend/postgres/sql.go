// Copyright (c) 2020-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/decred/geoanchor/geoanchord/backend"
	"github.com/lib/pq"
)

const (
	tableGeoRecords = "geo_records"
	tablePDLs       = "pdls"
	tableEvents     = "events"

	// pgUniqueViolation is the SQLSTATE of a unique constraint failure.
	pgUniqueViolation = "23505"

	geoRecordColumns = `id, geometry_string, geojson, pdl_type, ledger_ref,
				state, created_at, updated_at`
	pdlColumns = `id, pdl, geojson, type, created_at`

	// candidate turns the GeoJSON parameter into a WGS84 geometry.
	candidate = `ST_SetSRID(ST_GeomFromGeoJSON($1), 4326)`
)

// translateError maps driver errors onto backend sentinels.
func translateError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return backend.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
		return backend.ErrDuplicateKey
	}
	return err
}

// insertGeoRecord inserts a fully populated record row.
func (pg *Postgres) insertGeoRecord(ctx context.Context, r geoRecordRow) error {
	q := `INSERT INTO geo_records (id, geometry, geometry_string, geojson,
				pdl_type, state, created_at, updated_at)
				VALUES($1, ST_SetSRID(ST_GeomFromGeoJSON($2), 4326), $2, $3,
				$4, $5, $6, $7)`

	_, err := pg.db.ExecContext(ctx, q, r.ID, r.GeometryString, r.GeoJSON,
		r.PDLType, r.State, r.CreatedAt, r.UpdatedAt)
	return translateError(err)
}

// getGeoRecord runs a query returning at most one geo_records row.
func (pg *Postgres) getGeoRecord(ctx context.Context, q string, args ...interface{}) (*backend.GeoRecord, error) {
	var row geoRecordRow
	err := pg.db.QueryRowContext(ctx, q, args...).Scan(row.fields()...)
	if err != nil {
		return nil, translateError(err)
	}
	return row.record()
}

// getGeoRecordByID returns the record with the provided id.
func (pg *Postgres) getGeoRecordByID(ctx context.Context, id string) (*backend.GeoRecord, error) {
	q := `SELECT ` + geoRecordColumns + ` FROM geo_records WHERE id = $1`
	return pg.getGeoRecord(ctx, q, id)
}

// getGeoRecordByKey returns the record with the provided canonical key.
func (pg *Postgres) getGeoRecordByKey(ctx context.Context, key string) (*backend.GeoRecord, error) {
	q := `SELECT ` + geoRecordColumns + ` FROM geo_records
				WHERE geometry_string = $1`
	return pg.getGeoRecord(ctx, q, key)
}

// getOverlapping returns the oldest record lying within the candidate
// geometry or containing it.
func (pg *Postgres) getOverlapping(ctx context.Context, geojson string) (*backend.GeoRecord, error) {
	q := `SELECT ` + geoRecordColumns + ` FROM geo_records
				WHERE ST_Within(geometry, ` + candidate + `)
				OR ST_Within(` + candidate + `, geometry)
				ORDER BY created_at, id
				LIMIT 1`
	return pg.getGeoRecord(ctx, q, geojson)
}

// getIntersecting returns the oldest record intersecting the candidate
// geometry.
func (pg *Postgres) getIntersecting(ctx context.Context, geojson string) (*backend.GeoRecord, error) {
	q := `SELECT ` + geoRecordColumns + ` FROM geo_records
				WHERE ST_Intersects(geometry, ` + candidate + `)
				ORDER BY created_at, id
				LIMIT 1`
	return pg.getGeoRecord(ctx, q, geojson)
}

// updateLedgerRef links a record and marks it anchored.
func (pg *Postgres) updateLedgerRef(ctx context.Context, id, linkID string, now int64) (*backend.GeoRecord, error) {
	q := `UPDATE geo_records SET ledger_ref = $2, state = $3, updated_at = $4
				WHERE id = $1
				RETURNING ` + geoRecordColumns
	return pg.getGeoRecord(ctx, q, id, linkID,
		string(backend.StateAnchored), now)
}

// execOne runs a statement that must affect exactly one row.
func (pg *Postgres) execOne(ctx context.Context, q string, args ...interface{}) error {
	res, err := pg.db.ExecContext(ctx, q, args...)
	if err != nil {
		return translateError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return backend.ErrNotFound
	}
	return nil
}

// updateState changes the state of a record.
func (pg *Postgres) updateState(ctx context.Context, id string, state backend.RecordState, now int64) error {
	q := `UPDATE geo_records SET state = $2, updated_at = $3 WHERE id = $1`
	return pg.execOne(ctx, q, id, string(state), now)
}

// deleteGeoRecord removes an unanchored record.
func (pg *Postgres) deleteGeoRecord(ctx context.Context, id string) error {
	q := `DELETE FROM geo_records WHERE id = $1 AND ledger_ref IS NULL`
	return pg.execOne(ctx, q, id)
}

// getGeoRecordsByState returns records in state updated at or before the
// provided time, oldest first.
func (pg *Postgres) getGeoRecordsByState(ctx context.Context, state backend.RecordState, before int64) ([]*backend.GeoRecord, error) {
	q := `SELECT ` + geoRecordColumns + ` FROM geo_records
				WHERE state = $1 AND updated_at <= $2
				ORDER BY created_at, id`

	rows, err := pg.db.QueryContext(ctx, q, string(state), before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rs []*backend.GeoRecord
	for rows.Next() {
		var row geoRecordRow
		if err := rows.Scan(row.fields()...); err != nil {
			return nil, err
		}
		r, err := row.record()
		if err != nil {
			return nil, err
		}
		rs = append(rs, r)
	}
	return rs, rows.Err()
}

// insertPDL inserts a link row.
func (pg *Postgres) insertPDL(ctx context.Context, r pdlRow) error {
	q := `INSERT INTO pdls (id, pdl, geojson, type, created_at)
				VALUES($1, $2, $3, $4, $5)`

	_, err := pg.db.ExecContext(ctx, q, r.ID, r.PDL, r.GeoJSON, r.Type,
		r.CreatedAt)
	return translateError(err)
}

// getPDL runs a query returning at most one pdls row.
func (pg *Postgres) getPDL(ctx context.Context, q string, arg string) (*backend.Link, error) {
	var row pdlRow
	err := pg.db.QueryRowContext(ctx, q, arg).Scan(row.fields()...)
	if err != nil {
		return nil, translateError(err)
	}
	return row.link(), nil
}

// insertEvent inserts an event row.
func (pg *Postgres) insertEvent(ctx context.Context, e *backend.Event) error {
	q := `INSERT INTO events (id, event, pdl, created_at)
				VALUES($1, $2, $3, $4)`

	_, err := pg.db.ExecContext(ctx, q, e.ID, string(e.Event),
		e.AnchorAddress, e.CreatedAt)
	return translateError(err)
}

// hasTable accepts a table name and checks if it was created
func (pg *Postgres) hasTable(ctx context.Context, name string) (bool, error) {
	q := `SELECT EXISTS (SELECT
				FROM information_schema.tables
				WHERE table_schema = 'public' AND table_name  = $1)`

	var exists bool
	err := pg.db.QueryRowContext(ctx, q, name).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// createGeoRecordsTable creates the geo_records table.  geojson is text
// rather than jsonb because the original container must be kept
// byte for byte.
func (pg *Postgres) createGeoRecordsTable(ctx context.Context) error {
	_, err := pg.db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS postgis;
CREATE TABLE public.geo_records
(
    id text NOT NULL,
    geometry geometry(Geometry, 4326) NOT NULL,
    geometry_string text NOT NULL,
    geojson text NOT NULL,
    pdl_type text NOT NULL,
    ledger_ref text,
    state text NOT NULL,
    created_at bigint NOT NULL,
    updated_at bigint NOT NULL,
    CONSTRAINT geo_records_pkey PRIMARY KEY (id),
    CONSTRAINT geo_records_geometry_string_key UNIQUE (geometry_string)
);
-- Index: idx_geo_records_geometry
CREATE INDEX idx_geo_records_geometry
    ON public.geo_records USING gist
    (geometry);
-- Index: idx_geo_records_state
CREATE INDEX idx_geo_records_state
    ON public.geo_records USING btree
    (state, updated_at ASC NULLS LAST);
`)
	if err != nil {
		return err
	}
	log.Infof("Geo records table created")
	return nil
}

// createPDLsTable creates the pdls table.
func (pg *Postgres) createPDLsTable(ctx context.Context) error {
	_, err := pg.db.ExecContext(ctx, `CREATE TABLE public.pdls
(
    id text NOT NULL,
    pdl text NOT NULL,
    geojson text NOT NULL,
    type text NOT NULL,
    created_at bigint NOT NULL,
    CONSTRAINT pdls_pkey PRIMARY KEY (id),
    CONSTRAINT pdls_pdl_key UNIQUE (pdl),
    CONSTRAINT pdls_geojson_key UNIQUE (geojson),
    CONSTRAINT pdls_geo_records_fkey FOREIGN KEY (geojson)
        REFERENCES public.geo_records (id) MATCH SIMPLE
        ON UPDATE NO ACTION
        ON DELETE NO ACTION
);
`)
	if err != nil {
		return err
	}
	log.Infof("PDLs table created")
	return nil
}

// createEventsTable creates the events table.
func (pg *Postgres) createEventsTable(ctx context.Context) error {
	_, err := pg.db.ExecContext(ctx, `CREATE TABLE public.events
(
    id text NOT NULL,
    event text NOT NULL,
    pdl text NOT NULL,
    created_at bigint NOT NULL,
    CONSTRAINT events_pkey PRIMARY KEY (id)
);
-- Index: idx_events_pdl
CREATE INDEX idx_events_pdl
    ON public.events USING btree
    (pdl ASC NULLS LAST);
`)
	if err != nil {
		return err
	}
	log.Infof("Events table created")
	return nil
}

// createTables creates the tables needed by the postgres store.
func (pg *Postgres) createTables(ctx context.Context) error {
	tables := []struct {
		name   string
		create func(context.Context) error
	}{
		{tableGeoRecords, pg.createGeoRecordsTable},
		{tablePDLs, pg.createPDLsTable},
		{tableEvents, pg.createEventsTable},
	}
	for _, t := range tables {
		exists, err := pg.hasTable(ctx, t.name)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if err := t.create(ctx); err != nil {
			return err
		}
	}
	return nil
}
