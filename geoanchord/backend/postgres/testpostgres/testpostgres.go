// Copyright (c) 2020-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package testpostgres

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/decred/geoanchor/geoanchord/backend"
	"github.com/decred/geoanchor/geometry"
	"github.com/paulmach/orb"
)

var _ backend.Store = (*TestPostgres)(nil)

// TestPostgres provides an implementation of the store interface that keeps
// records in memory and evaluates spatial predicates with the geometry
// package.  It is used for testing and for running without a database.
type TestPostgres struct {
	sync.RWMutex

	myNow func() time.Time // Override time.Now()

	// in memory data
	records map[string]backend.GeoRecord // [id]GeoRecord
	keys    map[string]string            // [canonical key]id
	links   map[string]backend.Link      // [id]Link
	events  map[string]backend.Event     // [id]Event
}

// copyRecord returns a deep enough copy that callers cannot mutate what is
// stored.
func copyRecord(r backend.GeoRecord) *backend.GeoRecord {
	r.Payload = append(json.RawMessage(nil), r.Payload...)
	return &r
}

// sorted returns records ordered by creation, then id, so that lookups
// are deterministic.
func (tp *TestPostgres) sorted() []backend.GeoRecord {
	rs := make([]backend.GeoRecord, 0, len(tp.records))
	for _, r := range tp.records {
		rs = append(rs, r)
	}
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].CreatedAt != rs[j].CreatedAt {
			return rs[i].CreatedAt < rs[j].CreatedAt
		}
		return rs[i].ID < rs[j].ID
	})
	return rs
}

func (tp *TestPostgres) findGeoRecord(match func(orb.Geometry) (bool, error)) (*backend.GeoRecord, error) {
	tp.RLock()
	defer tp.RUnlock()

	for _, r := range tp.sorted() {
		ok, err := match(r.Geometry)
		if err != nil {
			return nil, err
		}
		if ok {
			return copyRecord(r), nil
		}
	}
	return nil, backend.ErrNotFound
}

// CreateGeoRecord stores r unless its canonical key already exists.
func (tp *TestPostgres) CreateGeoRecord(ctx context.Context, r *backend.GeoRecord) error {
	tp.Lock()
	defer tp.Unlock()

	if _, ok := tp.keys[r.CanonicalKey]; ok {
		return backend.ErrDuplicateKey
	}

	now := tp.myNow().Unix()
	r.ID = backend.NewID()
	r.CreatedAt = now
	r.UpdatedAt = now
	if r.State == "" {
		r.State = backend.StatePending
	}
	tp.records[r.ID] = *copyRecord(*r)
	tp.keys[r.CanonicalKey] = r.ID

	return nil
}

// GeoRecord returns the record with the provided id.
func (tp *TestPostgres) GeoRecord(ctx context.Context, id string) (*backend.GeoRecord, error) {
	tp.RLock()
	defer tp.RUnlock()

	r, ok := tp.records[id]
	if !ok {
		return nil, backend.ErrNotFound
	}
	return copyRecord(r), nil
}

// GeoRecordByCanonicalKey returns the record stored under key.
func (tp *TestPostgres) GeoRecordByCanonicalKey(ctx context.Context, key string) (*backend.GeoRecord, error) {
	tp.RLock()
	defer tp.RUnlock()

	id, ok := tp.keys[key]
	if !ok {
		return nil, backend.ErrNotFound
	}
	return copyRecord(tp.records[id]), nil
}

// OverlappingGeoRecord returns the first record within g or containing g.
func (tp *TestPostgres) OverlappingGeoRecord(ctx context.Context, g orb.Geometry) (*backend.GeoRecord, error) {
	return tp.findGeoRecord(func(stored orb.Geometry) (bool, error) {
		return geometry.Overlaps(stored, g)
	})
}

// IntersectingGeoRecord returns the first record intersecting g.
func (tp *TestPostgres) IntersectingGeoRecord(ctx context.Context, g orb.Geometry) (*backend.GeoRecord, error) {
	return tp.findGeoRecord(func(stored orb.Geometry) (bool, error) {
		return geometry.Intersects(stored, g)
	})
}

// UpdateGeoRecordLedgerRef links a record and marks it anchored.
func (tp *TestPostgres) UpdateGeoRecordLedgerRef(ctx context.Context, id, linkID string) (*backend.GeoRecord, error) {
	tp.Lock()
	defer tp.Unlock()

	r, ok := tp.records[id]
	if !ok {
		return nil, backend.ErrNotFound
	}
	r.LedgerRef = linkID
	r.State = backend.StateAnchored
	r.UpdatedAt = tp.myNow().Unix()
	tp.records[id] = r

	return copyRecord(r), nil
}

// SetGeoRecordState changes the state of a record.
func (tp *TestPostgres) SetGeoRecordState(ctx context.Context, id string, state backend.RecordState) error {
	tp.Lock()
	defer tp.Unlock()

	r, ok := tp.records[id]
	if !ok {
		return backend.ErrNotFound
	}
	r.State = state
	r.UpdatedAt = tp.myNow().Unix()
	tp.records[id] = r

	return nil
}

// DeleteGeoRecord removes a record and frees its canonical key.
func (tp *TestPostgres) DeleteGeoRecord(ctx context.Context, id string) error {
	tp.Lock()
	defer tp.Unlock()

	r, ok := tp.records[id]
	if !ok {
		return backend.ErrNotFound
	}
	delete(tp.keys, r.CanonicalKey)
	delete(tp.records, id)

	return nil
}

// GeoRecordsByState returns records in state last updated at or before
// the provided time.
func (tp *TestPostgres) GeoRecordsByState(ctx context.Context, state backend.RecordState, before int64) ([]*backend.GeoRecord, error) {
	tp.RLock()
	defer tp.RUnlock()

	var rs []*backend.GeoRecord
	for _, r := range tp.sorted() {
		if r.State == state && r.UpdatedAt <= before {
			rs = append(rs, copyRecord(r))
		}
	}
	return rs, nil
}

// CreateLink stores l unless its record is already linked.
func (tp *TestPostgres) CreateLink(ctx context.Context, l *backend.Link) error {
	tp.Lock()
	defer tp.Unlock()

	for _, v := range tp.links {
		if v.GeoRecordID == l.GeoRecordID {
			return backend.ErrDuplicateKey
		}
	}
	l.ID = backend.NewID()
	l.CreatedAt = tp.myNow().Unix()
	tp.links[l.ID] = *l

	return nil
}

// LinkByGeoRecord returns the link owned by record id.
func (tp *TestPostgres) LinkByGeoRecord(ctx context.Context, id string) (*backend.Link, error) {
	tp.RLock()
	defer tp.RUnlock()

	for _, l := range tp.links {
		if l.GeoRecordID == id {
			return &l, nil
		}
	}
	return nil, backend.ErrNotFound
}

// LinkByAnchorAddress returns the link with the provided anchor address.
func (tp *TestPostgres) LinkByAnchorAddress(ctx context.Context, address string) (*backend.Link, error) {
	tp.RLock()
	defer tp.RUnlock()

	for _, l := range tp.links {
		if l.AnchorAddress == address {
			return &l, nil
		}
	}
	return nil, backend.ErrNotFound
}

// CreateEvent stores e.
func (tp *TestPostgres) CreateEvent(ctx context.Context, e *backend.Event) error {
	tp.Lock()
	defer tp.Unlock()

	e.ID = backend.NewID()
	e.CreatedAt = tp.myNow().Unix()
	tp.events[e.ID] = *e

	return nil
}

// Events returns the number of stored events.
func (tp *TestPostgres) Events() int {
	tp.RLock()
	defer tp.RUnlock()

	return len(tp.events)
}

// SetNow overrides the clock used for timestamps.
func (tp *TestPostgres) SetNow(now func() time.Time) {
	tp.Lock()
	defer tp.Unlock()

	tp.myNow = now
}

// Close is a stub to satisfy the store interface.
func (tp *TestPostgres) Close() {}

// New returns a new in-memory store.
func New() *TestPostgres {
	return &TestPostgres{
		records: make(map[string]backend.GeoRecord),
		keys:    make(map[string]string),
		links:   make(map[string]backend.Link),
		events:  make(map[string]backend.Event),
		myNow:   time.Now,
	}
}
