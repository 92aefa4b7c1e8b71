// Copyright (c) 2017-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	v1 "github.com/decred/geoanchor/api/v1"
	"github.com/decred/geoanchor/geoanchord/backend/postgres/testpostgres"
	"github.com/decred/geoanchor/geoanchord/ledger"
	"github.com/decred/geoanchor/geoanchord/ledger/localledger"
	"github.com/decred/geoanchor/geoanchord/pipeline"
)

var program = ledger.Address(sha256.Sum256([]byte("geoanchord test")))

func newTestStore(t *testing.T) *GeoAnchorStore {
	t.Helper()

	ll, err := localledger.New(t.TempDir(), program)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(ll.Close)

	signer, err := ledger.NewSigner(bytes.Repeat([]byte{0x07}, 32))
	if err != nil {
		t.Fatal(err)
	}

	cfg := &config{
		LinkAttempts:      3,
		LinkRetryDelay:    time.Millisecond,
		ReconcileSchedule: defaultReconcileSchedule,
	}
	g, err := newGeoAnchorStore(cfg, testpostgres.New(), ll, signer)
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func square(x, y, size float64) string {
	return fmt.Sprintf(`{"type":"Polygon","coordinates":[[[%v,%v],[%v,%v],`+
		`[%v,%v],[%v,%v],[%v,%v]]]}`, x, y, x+size, y, x+size, y+size,
		x, y+size, x, y)
}

// post sends body to route and decodes the reply into reply when it is
// not nil.
func post(t *testing.T, g *GeoAnchorStore, route, body string, reply interface{}) int {
	t.Helper()

	r := httptest.NewRequest(http.MethodPost, route,
		strings.NewReader(body))
	w := httptest.NewRecorder()
	g.handler().ServeHTTP(w, r)

	if reply != nil {
		if err := json.Unmarshal(w.Body.Bytes(), reply); err != nil {
			t.Fatalf("%v: %v: %s", route, err, w.Body.Bytes())
		}
	}
	return w.Code
}

func createBody(pdlType, geojson string) string {
	return fmt.Sprintf(`{"pdl_type":%q,"geojson":%v}`, pdlType, geojson)
}

func TestStatus(t *testing.T) {
	g := newTestStore(t)

	var reply v1.StatusReply
	code := post(t, g, v1.StatusRoute, `{"id":"ping"}`, &reply)
	if code != http.StatusOK {
		t.Fatalf("got %v", code)
	}
	if reply.ID != "ping" || reply.Program != program.String() ||
		reply.Signer != g.signer.Public().String() {
		t.Fatalf("unexpected reply %v", spew.Sdump(reply))
	}
}

func TestCreateGeoJSON(t *testing.T) {
	g := newTestStore(t)

	// New ownership claim.
	var created v1.GeoJSONReply
	code := post(t, g, v1.GeoJSONRoute,
		createBody(v1.PDLTypeOwnership, square(0, 0, 10)), &created)
	if code != http.StatusOK || created.Result != v1.ResultOK {
		t.Fatalf("got %v %v", code, spew.Sdump(created))
	}
	if !v1.RegexpRecordID.MatchString(created.ID) {
		t.Fatalf("invalid id %q", created.ID)
	}
	address, err := g.pipeline.Address(created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if created.PDL != address.String() {
		t.Fatalf("got pdl %v want %v", created.PDL, address)
	}
	if created.State != v1.StateAnchored || created.Transaction == "" {
		t.Fatalf("unexpected reply %v", spew.Sdump(created))
	}
	if created.PDLType != v1.PDLTypeOwnership ||
		created.GeometryString == "" || len(created.Geometry) == 0 {
		t.Fatalf("unexpected reply %v", spew.Sdump(created))
	}

	// Same geometry wrapped in a feature is an existing record.
	var existing v1.GeoJSONReply
	code = post(t, g, v1.GeoJSONRoute, createBody(v1.PDLTypeApplication,
		`{"type":"Feature","properties":{},"geometry":`+
			square(0, 0, 10)+`}`), &existing)
	if code != http.StatusOK || existing.Result != v1.ResultExistsError {
		t.Fatalf("got %v %v", code, spew.Sdump(existing))
	}
	if existing.ID != created.ID || existing.PDL != created.PDL {
		t.Fatalf("got %v want %v", existing.ID, created.ID)
	}

	tests := []struct {
		name     string
		body     string
		code     int
		result   int
		conflict string
	}{
		{
			"overlap",
			createBody(v1.PDLTypeOwnership, square(2, 2, 2)),
			http.StatusConflict,
			v1.ResultConflict,
			v1.ConflictSpatialOverlap,
		},
		{
			"intersect",
			createBody(v1.PDLTypeOwnership, square(5, 5, 10)),
			http.StatusConflict,
			v1.ResultConflict,
			v1.ConflictSpatialIntersect,
		},
		{
			"bad type",
			createBody("lease", square(50, 50, 1)),
			http.StatusBadRequest,
			v1.ResultMalformed,
			"",
		},
		{
			"bad geometry",
			createBody(v1.PDLTypeOwnership, `{"type":"Polygon"}`),
			http.StatusBadRequest,
			v1.ResultMalformed,
			"",
		},
		{
			"bad payload",
			`{"pdl_type":`,
			http.StatusBadRequest,
			v1.ResultMalformed,
			"",
		},
	}
	for _, test := range tests {
		var reply v1.ErrorReply
		code := post(t, g, v1.GeoJSONRoute, test.body, &reply)
		if code != test.code || reply.Result != test.result ||
			reply.Conflict != test.conflict {
			t.Errorf("%v: got %v %v", test.name, code,
				spew.Sdump(reply))
			continue
		}
		if test.conflict != "" && reply.ConflictID != created.ID {
			t.Errorf("%v: conflict id %v want %v", test.name,
				reply.ConflictID, created.ID)
		}
	}

	// Application claims may overlap.
	var app v1.GeoJSONReply
	code = post(t, g, v1.GeoJSONRoute,
		createBody(v1.PDLTypeApplication, square(2, 2, 2)), &app)
	if code != http.StatusOK || app.Result != v1.ResultOK {
		t.Fatalf("got %v %v", code, spew.Sdump(app))
	}
}

func TestCreateEvent(t *testing.T) {
	g := newTestStore(t)

	var created v1.GeoJSONReply
	code := post(t, g, v1.GeoJSONRoute,
		createBody(v1.PDLTypeOwnership, square(0, 0, 1)), &created)
	if code != http.StatusOK {
		t.Fatalf("got %v", code)
	}

	var reply v1.EventReply
	body := fmt.Sprintf(`{"pdl":%q,"event":{"kind":"survey", "ok":true}}`,
		created.PDL)
	code = post(t, g, v1.EventsRoute, body, &reply)
	if code != http.StatusOK || reply.Result != v1.ResultOK {
		t.Fatalf("got %v %v", code, spew.Sdump(reply))
	}
	if reply.PDL != created.PDL ||
		string(reply.Event) != `{"kind":"survey","ok":true}` {
		t.Fatalf("unexpected reply %v", spew.Sdump(reply))
	}

	tests := []struct {
		name   string
		body   string
		code   int
		result int
	}{
		{
			"unknown pdl",
			fmt.Sprintf(`{"pdl":%q,"event":{}}`, program),
			http.StatusNotFound,
			v1.ResultDoesntExistError,
		},
		{
			"not an object",
			fmt.Sprintf(`{"pdl":%q,"event":[1]}`, created.PDL),
			http.StatusBadRequest,
			v1.ResultMalformed,
		},
		{
			"invalid pdl",
			`{"pdl":"0OIl","event":{}}`,
			http.StatusBadRequest,
			v1.ResultMalformed,
		},
	}
	for _, test := range tests {
		var reply v1.ErrorReply
		code := post(t, g, v1.EventsRoute, test.body, &reply)
		if code != test.code || reply.Result != test.result {
			t.Errorf("%v: got %v %v", test.name, code,
				spew.Sdump(reply))
		}
	}
}

func TestPipelineErrorReply(t *testing.T) {
	cause := errors.New("boom")
	tests := []struct {
		name   string
		err    error
		code   int
		result int
		id     string
	}{
		{
			"ledger rejected",
			&pipeline.LedgerWriteError{RecordID: "a", Err: cause},
			http.StatusBadGateway,
			v1.ResultLedgerRejected,
			"",
		},
		{
			"ambiguous",
			&pipeline.AmbiguousLedgerOutcomeError{RecordID: "b",
				Err: cause},
			http.StatusAccepted,
			v1.ResultPending,
			"b",
		},
		{
			"orphaned",
			&pipeline.OrphanedError{RecordID: "c", Err: cause},
			http.StatusAccepted,
			v1.ResultPending,
			"c",
		},
		{
			"ledger duplicate",
			&pipeline.ConflictError{
				Kind:    pipeline.ConflictLedgerDuplicate,
				Address: "d",
			},
			http.StatusConflict,
			v1.ResultConflict,
			"",
		},
		{
			"internal",
			&pipeline.InternalError{Stage: pipeline.StagePersist,
				Err: cause},
			http.StatusInternalServerError,
			v1.ResultInternal,
			"",
		},
	}
	for _, test := range tests {
		r := httptest.NewRequest(http.MethodPost, v1.GeoJSONRoute, nil)
		w := httptest.NewRecorder()
		respondWithPipelineError(w, r, "test", test.err)

		var reply v1.ErrorReply
		if err := json.Unmarshal(w.Body.Bytes(), &reply); err != nil {
			t.Fatal(err)
		}
		if w.Code != test.code || reply.Result != test.result ||
			reply.ID != test.id {
			t.Errorf("%v: got %v %v", test.name, w.Code,
				spew.Sdump(reply))
		}
		if test.result == v1.ResultInternal && reply.ErrorCode == 0 {
			t.Errorf("%v: missing error code", test.name)
		}
		if strings.Contains(reply.Error, cause.Error()) &&
			test.result == v1.ResultInternal {
			t.Errorf("%v: internal error leaked: %v", test.name,
				reply.Error)
		}
	}
}

func TestMetrics(t *testing.T) {
	g := newTestStore(t)

	post(t, g, v1.GeoJSONRoute,
		createBody(v1.PDLTypeOwnership, square(0, 0, 1)), nil)

	r := httptest.NewRequest(http.MethodGet, v1.MetricsRoute, nil)
	w := httptest.NewRecorder()
	g.handler().ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("got %v", w.Code)
	}
	body, err := io.ReadAll(w.Body)
	if err != nil {
		t.Fatal(err)
	}
	want := `geoanchor_creates_total{outcome="anchored"} 1`
	if !bytes.Contains(body, []byte(want)) {
		t.Fatalf("missing %q in\n%s", want, body)
	}
}

func TestNotFound(t *testing.T) {
	g := newTestStore(t)

	r := httptest.NewRequest(http.MethodGet, "/v1/nope/", nil)
	w := httptest.NewRecorder()
	g.handler().ServeHTTP(w, r)
	if w.Code != http.StatusNotFound {
		t.Fatalf("got %v", w.Code)
	}
}
