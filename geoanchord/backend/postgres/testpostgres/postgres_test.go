// Copyright (c) 2020-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package testpostgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/decred/geoanchor/geoanchord/backend"
	"github.com/decred/geoanchor/geometry"
	"github.com/paulmach/orb"
)

func square(x, y, size float64) orb.Polygon {
	return orb.Polygon{{
		{x, y}, {x + size, y}, {x + size, y + size}, {x, y + size}, {x, y},
	}}
}

func newRecord(t *testing.T, g orb.Geometry, rt backend.RecordType) *backend.GeoRecord {
	t.Helper()

	key, err := geometry.Key(g)
	if err != nil {
		t.Fatal(err)
	}
	return &backend.GeoRecord{
		Geometry:     g,
		Payload:      []byte(key),
		CanonicalKey: key,
		Type:         rt,
	}
}

func TestCreateGeoRecord(t *testing.T) {
	ctx := context.Background()
	tp := New()

	r := newRecord(t, square(0, 0, 10), backend.RecordTypeOwnership)
	if err := tp.CreateGeoRecord(ctx, r); err != nil {
		t.Fatal(err)
	}
	if r.ID == "" || len(r.ID) != 32 {
		t.Fatalf("invalid id %q", r.ID)
	}
	if r.State != backend.StatePending {
		t.Fatalf("got state %v want %v", r.State, backend.StatePending)
	}

	// Same canonical key must be rejected.
	dup := newRecord(t, square(0, 0, 10), backend.RecordTypeApplication)
	err := tp.CreateGeoRecord(ctx, dup)
	if !errors.Is(err, backend.ErrDuplicateKey) {
		t.Fatalf("got %v want ErrDuplicateKey", err)
	}

	got, err := tp.GeoRecordByCanonicalKey(ctx, r.CanonicalKey)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != r.ID {
		t.Fatalf("got %v want %v", got.ID, r.ID)
	}

	// Mutating the returned copy must not leak into the store.
	got.Payload[0] = 'X'
	again, err := tp.GeoRecord(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if again.Payload[0] == 'X' {
		t.Fatal("store shares payload memory with caller")
	}

	_, err = tp.GeoRecord(ctx, "nope")
	if !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("got %v want ErrNotFound", err)
	}
}

func TestSpatialLookups(t *testing.T) {
	ctx := context.Background()
	tp := New()

	a := newRecord(t, square(0, 0, 10), backend.RecordTypeOwnership)
	if err := tp.CreateGeoRecord(ctx, a); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		g         orb.Geometry
		overlap   bool
		intersect bool
	}{
		{"disjoint", square(20, 20, 5), false, false},
		{"inside", square(2, 2, 2), true, true},
		{"enclosing", square(-1, -1, 20), true, true},
		{"partial", square(5, 5, 10), false, true},
		{"touching", square(10, 0, 10), false, true},
	}
	for _, test := range tests {
		r, err := tp.OverlappingGeoRecord(ctx, test.g)
		switch {
		case test.overlap && err != nil:
			t.Errorf("%v: overlap: %v", test.name, err)
		case test.overlap && r.ID != a.ID:
			t.Errorf("%v: overlap got %v", test.name, r.ID)
		case !test.overlap && !errors.Is(err, backend.ErrNotFound):
			t.Errorf("%v: overlap got %v", test.name, err)
		}

		r, err = tp.IntersectingGeoRecord(ctx, test.g)
		switch {
		case test.intersect && err != nil:
			t.Errorf("%v: intersect: %v", test.name, err)
		case test.intersect && r.ID != a.ID:
			t.Errorf("%v: intersect got %v", test.name, r.ID)
		case !test.intersect && !errors.Is(err, backend.ErrNotFound):
			t.Errorf("%v: intersect got %v", test.name, err)
		}
	}
}

func TestLinkLifecycle(t *testing.T) {
	ctx := context.Background()
	tp := New()

	r := newRecord(t, square(0, 0, 10), backend.RecordTypeOwnership)
	if err := tp.CreateGeoRecord(ctx, r); err != nil {
		t.Fatal(err)
	}

	l := &backend.Link{
		AnchorAddress: "11111111111111111111111111111111",
		GeoRecordID:   r.ID,
		Type:          r.Type,
	}
	if err := tp.CreateLink(ctx, l); err != nil {
		t.Fatal(err)
	}
	err := tp.CreateLink(ctx, &backend.Link{GeoRecordID: r.ID})
	if !errors.Is(err, backend.ErrDuplicateKey) {
		t.Fatalf("got %v want ErrDuplicateKey", err)
	}

	updated, err := tp.UpdateGeoRecordLedgerRef(ctx, r.ID, l.ID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.LedgerRef != l.ID || updated.State != backend.StateAnchored {
		t.Fatalf("unexpected record %+v", updated)
	}

	byAddr, err := tp.LinkByAnchorAddress(ctx, l.AnchorAddress)
	if err != nil {
		t.Fatal(err)
	}
	if byAddr.GeoRecordID != r.ID {
		t.Fatalf("got %v want %v", byAddr.GeoRecordID, r.ID)
	}
	byRecord, err := tp.LinkByGeoRecord(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if byRecord.ID != l.ID {
		t.Fatalf("got %v want %v", byRecord.ID, l.ID)
	}
}

func TestStateAndDelete(t *testing.T) {
	ctx := context.Background()
	tp := New()

	start := time.Unix(1700000000, 0)
	tp.SetNow(func() time.Time { return start })

	r := newRecord(t, square(0, 0, 10), backend.RecordTypeOwnership)
	if err := tp.CreateGeoRecord(ctx, r); err != nil {
		t.Fatal(err)
	}
	err := tp.SetGeoRecordState(ctx, r.ID, backend.StateOrphaned)
	if err != nil {
		t.Fatal(err)
	}

	rs, err := tp.GeoRecordsByState(ctx, backend.StateOrphaned,
		start.Unix()-1)
	if err != nil {
		t.Fatal(err)
	}
	if len(rs) != 0 {
		t.Fatalf("expected no records before grace, got %v", len(rs))
	}
	rs, err = tp.GeoRecordsByState(ctx, backend.StateOrphaned, start.Unix())
	if err != nil {
		t.Fatal(err)
	}
	if len(rs) != 1 || rs[0].ID != r.ID {
		t.Fatalf("unexpected records %v", rs)
	}

	if err := tp.DeleteGeoRecord(ctx, r.ID); err != nil {
		t.Fatal(err)
	}
	// Canonical key is free again.
	again := newRecord(t, square(0, 0, 10), backend.RecordTypeOwnership)
	if err := tp.CreateGeoRecord(ctx, again); err != nil {
		t.Fatal(err)
	}
}
