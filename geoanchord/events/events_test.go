// Copyright (c) 2017-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/decred/geoanchor/geoanchord/backend"
	"github.com/decred/geoanchor/geoanchord/backend/postgres/testpostgres"
	"github.com/decred/geoanchor/geometry"
	"github.com/paulmach/orb"
)

const pdl = "3Jd5vW3W3ELnb8bWMR4oUQpQm7ks9t9u3iDeJmyr3kFk"

func newService(t *testing.T) (*Service, *testpostgres.TestPostgres) {
	t.Helper()

	ctx := context.Background()
	store := testpostgres.New()

	g := orb.Point{1, 2}
	key, err := geometry.Key(g)
	if err != nil {
		t.Fatal(err)
	}
	r := &backend.GeoRecord{
		Geometry:     g,
		Payload:      []byte(key),
		CanonicalKey: key,
		Type:         backend.RecordTypeApplication,
	}
	if err := store.CreateGeoRecord(ctx, r); err != nil {
		t.Fatal(err)
	}
	err = store.CreateLink(ctx, &backend.Link{
		AnchorAddress: pdl,
		GeoRecordID:   r.ID,
		Type:          r.Type,
	})
	if err != nil {
		t.Fatal(err)
	}
	return New(store), store
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	s, store := newService(t)

	e, err := s.Create(ctx, pdl, json.RawMessage(`{ "kind": "survey" }`))
	if err != nil {
		t.Fatal(err)
	}
	if e.ID == "" || e.AnchorAddress != pdl {
		t.Fatalf("unexpected event %+v", e)
	}
	if string(e.Event) != `{"kind":"survey"}` {
		t.Fatalf("got %s", e.Event)
	}
	if store.Events() != 1 {
		t.Fatalf("stored %v events", store.Events())
	}
}

func TestCreateErrors(t *testing.T) {
	ctx := context.Background()
	s, store := newService(t)

	_, err := s.Create(ctx, "unknown", json.RawMessage(`{}`))
	if !errors.Is(err, ErrUnknownPDL) {
		t.Fatalf("got %v want ErrUnknownPDL", err)
	}

	for _, v := range []string{`[]`, `"x"`, `null`, `{`} {
		_, err := s.Create(ctx, pdl, json.RawMessage(v))
		if !errors.Is(err, ErrMalformedEvent) {
			t.Errorf("%v: got %v want ErrMalformedEvent", v, err)
		}
	}
	if store.Events() != 0 {
		t.Fatalf("stored %v events", store.Events())
	}
}
