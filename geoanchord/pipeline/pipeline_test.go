// Copyright (c) 2017-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/decred/geoanchor/geoanchord/backend"
	"github.com/decred/geoanchor/geoanchord/backend/postgres/testpostgres"
	"github.com/decred/geoanchor/geoanchord/ledger"
	"github.com/decred/geoanchor/geoanchord/ledger/localledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var program = ledger.Address(sha256.Sum256([]byte("pipeline test")))

// faultLedger wraps a ledger and injects write failures.
type faultLedger struct {
	ledger.Ledger

	sync.Mutex
	writeErr error  // Returned by Write when set
	commit   bool   // Commit the write before returning writeErr
	writes   int    // Write calls
	before   func() // Called before the write reaches the ledger
	after    func() // Called after a successful write
}

func (f *faultLedger) Write(ctx context.Context, s *ledger.Signer, a ledger.Address, payload string, id string) (*ledger.Receipt, error) {
	f.Lock()
	f.writes++
	writeErr, commit := f.writeErr, f.commit
	before, after := f.before, f.after
	f.Unlock()

	if before != nil {
		before()
	}
	if writeErr == nil {
		receipt, err := f.Ledger.Write(ctx, s, a, payload, id)
		if err == nil && after != nil {
			after()
		}
		return receipt, err
	}
	if commit {
		if _, err := f.Ledger.Write(ctx, s, a, payload, id); err != nil {
			return nil, err
		}
	}
	return nil, writeErr
}

func (f *faultLedger) set(err error, commit bool) {
	f.Lock()
	defer f.Unlock()
	f.writeErr = err
	f.commit = commit
}

func (f *faultLedger) hooks(before, after func()) {
	f.Lock()
	defer f.Unlock()
	f.before = before
	f.after = after
}

func (f *faultLedger) count() int {
	f.Lock()
	defer f.Unlock()
	return f.writes
}

// faultStore wraps the in-memory store and injects failures.  Like the
// postgres store its link calls fail once ctx is done.
type faultStore struct {
	*testpostgres.TestPostgres

	sync.Mutex
	linkFailures int  // CreateLink calls left to fail
	hideKeys     bool // Pretend canonical keys are not stored
}

func (f *faultStore) CreateLink(ctx context.Context, l *backend.Link) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.Lock()
	if f.linkFailures > 0 {
		f.linkFailures--
		f.Unlock()
		return errors.New("connection reset")
	}
	f.Unlock()
	return f.TestPostgres.CreateLink(ctx, l)
}

func (f *faultStore) LinkByGeoRecord(ctx context.Context, id string) (*backend.Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.TestPostgres.LinkByGeoRecord(ctx, id)
}

func (f *faultStore) UpdateGeoRecordLedgerRef(ctx context.Context, id, linkID string) (*backend.GeoRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.TestPostgres.UpdateGeoRecordLedgerRef(ctx, id, linkID)
}

func (f *faultStore) GeoRecordByCanonicalKey(ctx context.Context, key string) (*backend.GeoRecord, error) {
	f.Lock()
	hide := f.hideKeys
	f.Unlock()
	if hide {
		return nil, backend.ErrNotFound
	}
	return f.TestPostgres.GeoRecordByCanonicalKey(ctx, key)
}

type harness struct {
	p       *Pipeline
	store   *faultStore
	ledger  *faultLedger
	signer  *ledger.Signer
	metrics *Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	ll, err := localledger.New(t.TempDir(), program)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(ll.Close)

	signer, err := ledger.NewSigner(bytes.Repeat([]byte{0x42}, 32))
	if err != nil {
		t.Fatal(err)
	}

	h := &harness{
		store:   &faultStore{TestPostgres: testpostgres.New()},
		ledger:  &faultLedger{Ledger: ll},
		signer:  signer,
		metrics: NewMetrics(prometheus.NewRegistry()),
	}
	h.p = New(h.store, h.ledger, signer, Config{
		LinkAttempts:   3,
		LinkRetryDelay: time.Millisecond,
	}, h.metrics)
	return h
}

func square(x, y, size float64) string {
	return fmt.Sprintf(`{"type":"Polygon","coordinates":[[[%v,%v],[%v,%v],`+
		`[%v,%v],[%v,%v],[%v,%v]]]}`, x, y, x+size, y, x+size, y+size,
		x, y+size, x, y)
}

func feature(g string) string {
	return `{"type":"Feature","properties":{"name":"parcel"},"geometry":` +
		g + `}`
}

func (h *harness) create(t *testing.T, rt backend.RecordType, container string) *Result {
	t.Helper()

	r, err := h.p.Create(context.Background(), rt, []byte(container))
	if err != nil {
		t.Fatalf("create %v: %v", rt, err)
	}
	return r
}

// verifyAnchored checks the record, its link and the ledger agree.
func (h *harness) verifyAnchored(t *testing.T, r *Result) {
	t.Helper()

	ctx := context.Background()
	if r.Record.State != backend.StateAnchored {
		t.Fatalf("state %v", r.Record.State)
	}
	link, err := h.store.LinkByGeoRecord(ctx, r.Record.ID)
	if err != nil {
		t.Fatal(err)
	}
	if r.Record.LedgerRef != link.ID {
		t.Fatalf("ledger ref %v link %v", r.Record.LedgerRef, link.ID)
	}
	address, err := ledger.ParseAddress(link.AnchorAddress)
	if err != nil {
		t.Fatal(err)
	}
	a, err := h.ledger.Anchor(ctx, address)
	if err != nil {
		t.Fatal(err)
	}
	if a.SerializedGeometry != string(r.Record.Payload) ||
		a.RecordID != r.Record.ID {
		t.Fatalf("anchor %v record %v", spew.Sdump(a),
			spew.Sdump(r.Record))
	}
}

func conflictKind(t *testing.T, err error) *ConflictError {
	t.Helper()

	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("got %v want ConflictError", err)
	}
	return ce
}

func TestCreateScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	polygonA := square(0, 0, 10)
	polygonB := square(20, 20, 5)
	polygonC := square(2, 2, 2) // inside A

	a := h.create(t, backend.RecordTypeOwnership, polygonA)
	if a.Outcome != OutcomeAnchored || a.Receipt == nil {
		t.Fatalf("unexpected result %v", spew.Sdump(a))
	}
	h.verifyAnchored(t, a)
	if h.ledger.count() != 1 {
		t.Fatalf("writes %v", h.ledger.count())
	}

	// Identical resubmission.
	again := h.create(t, backend.RecordTypeOwnership, polygonA)
	if again.Outcome != OutcomeExisting || again.Record.ID != a.Record.ID {
		t.Fatalf("unexpected result %v", spew.Sdump(again))
	}
	if again.Link == nil || again.Link.ID != a.Link.ID {
		t.Fatalf("unexpected link %v", spew.Sdump(again.Link))
	}

	// Same geometry, other type and wrapper.
	app := h.create(t, backend.RecordTypeApplication, feature(polygonA))
	if app.Outcome != OutcomeExisting || app.Record.ID != a.Record.ID {
		t.Fatalf("unexpected result %v", spew.Sdump(app))
	}
	if h.ledger.count() != 1 {
		t.Fatalf("duplicate caused ledger write: %v", h.ledger.count())
	}

	b := h.create(t, backend.RecordTypeOwnership, polygonB)
	if b.Outcome != OutcomeAnchored {
		t.Fatalf("unexpected result %v", spew.Sdump(b))
	}
	h.verifyAnchored(t, b)

	_, err := h.p.Create(ctx, backend.RecordTypeOwnership,
		[]byte(polygonC))
	ce := conflictKind(t, err)
	if ce.Kind != ConflictSpatialOverlap || ce.RecordID != a.Record.ID {
		t.Fatalf("unexpected conflict %v", spew.Sdump(ce))
	}

	c := h.create(t, backend.RecordTypeApplication, polygonC)
	if c.Outcome != OutcomeAnchored {
		t.Fatalf("unexpected result %v", spew.Sdump(c))
	}
	h.verifyAnchored(t, c)

	if h.ledger.count() != 3 {
		t.Fatalf("writes %v want 3", h.ledger.count())
	}
	got := testutil.ToFloat64(h.metrics.Creates.WithLabelValues(outcomeAnchored))
	if got != 3 {
		t.Fatalf("anchored metric %v", got)
	}
	got = testutil.ToFloat64(h.metrics.Conflicts.WithLabelValues(
		string(ConflictSpatialOverlap)))
	if got != 1 {
		t.Fatalf("overlap metric %v", got)
	}
}

func TestCreateIntersect(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	a := h.create(t, backend.RecordTypeApplication, square(0, 0, 10))

	tests := []struct {
		name string
		g    string
		kind ConflictKind
	}{
		{"contains", square(-5, -5, 30), ConflictSpatialOverlap},
		{"partial", square(5, 5, 10), ConflictSpatialIntersect},
		{"touching", square(10, 0, 5), ConflictSpatialIntersect},
	}
	for _, test := range tests {
		_, err := h.p.Create(ctx, backend.RecordTypeOwnership,
			[]byte(test.g))
		ce := conflictKind(t, err)
		if ce.Kind != test.kind || ce.RecordID != a.Record.ID {
			t.Errorf("%v: got %v", test.name, spew.Sdump(ce))
		}
	}

	// Disjoint ownership records coexist.
	h.create(t, backend.RecordTypeOwnership, square(100, 0, 1))
	h.create(t, backend.RecordTypeOwnership, square(102, 0, 1))
}

func TestCreateMalformed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	tests := []struct {
		name      string
		rt        backend.RecordType
		container string
	}{
		{"type", "lease", square(0, 0, 1)},
		{"json", backend.RecordTypeOwnership, `{"type":`},
		{"shape", backend.RecordTypeOwnership, `{"type":"Circle"}`},
		{"empty collection", backend.RecordTypeOwnership,
			`{"type":"FeatureCollection","features":[]}`},
	}
	for _, test := range tests {
		_, err := h.p.Create(ctx, test.rt, []byte(test.container))
		var me *MalformedInputError
		if !errors.As(err, &me) {
			t.Errorf("%v: got %v want MalformedInputError", test.name,
				err)
		}
	}
	if h.ledger.count() != 0 {
		t.Fatalf("writes %v", h.ledger.count())
	}
}

func TestCreateLedgerDuplicate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	// Anchor written by a previous deployment whose record is gone.
	payload := square(0, 0, 1)
	id := backend.NewID()
	address, _, err := ledger.DeriveAddress(program, h.signer.Public(), id)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.ledger.Write(ctx, h.signer, address, payload, id); err != nil {
		t.Fatal(err)
	}

	_, err = h.p.Create(ctx, backend.RecordTypeOwnership, []byte(payload))
	ce := conflictKind(t, err)
	if ce.Kind != ConflictLedgerDuplicate || ce.Address != address.String() {
		t.Fatalf("unexpected conflict %v", spew.Sdump(ce))
	}
	_, err = h.store.GeoRecordByCanonicalKey(ctx, payload)
	if !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("record persisted: %v", err)
	}

	// The same geometry in another wrapper is a different payload.
	h.create(t, backend.RecordTypeOwnership, feature(payload))
}

func TestCreateLedgerRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	payload := square(0, 0, 1)

	h.ledger.set(errors.New("insufficient funds"), false)
	_, err := h.p.Create(ctx, backend.RecordTypeOwnership, []byte(payload))
	var we *LedgerWriteError
	if !errors.As(err, &we) {
		t.Fatalf("got %v want LedgerWriteError", err)
	}
	if _, err := h.store.GeoRecord(ctx, we.RecordID); !errors.Is(err,
		backend.ErrNotFound) {
		t.Fatalf("provisional record kept: %v", err)
	}

	// The claim can be resubmitted.
	h.ledger.set(nil, false)
	r := h.create(t, backend.RecordTypeOwnership, payload)
	h.verifyAnchored(t, r)
}

func TestCreateAmbiguous(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	tests := []struct {
		name      string
		payload   string
		committed bool
	}{
		{"committed", square(0, 0, 1), true},
		{"lost", square(10, 10, 1), false},
	}
	ids := make(map[string]string)
	for _, test := range tests {
		h.ledger.set(fmt.Errorf("%w: timeout", ledger.ErrAmbiguous),
			test.committed)
		_, err := h.p.Create(ctx, backend.RecordTypeOwnership,
			[]byte(test.payload))
		var ae *AmbiguousLedgerOutcomeError
		if !errors.As(err, &ae) {
			t.Fatalf("%v: got %v want AmbiguousLedgerOutcomeError",
				test.name, err)
		}
		r, err := h.store.GeoRecord(ctx, ae.RecordID)
		if err != nil {
			t.Fatal(err)
		}
		if r.State != backend.StateOrphaned {
			t.Fatalf("%v: state %v", test.name, r.State)
		}
		ids[test.name] = ae.RecordID
	}
	h.ledger.set(nil, false)

	// Dry run changes nothing.
	report, err := h.p.Reconcile(ctx, &ReconcileOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if report.Examined != 2 || report.Linked != 1 || report.Deleted != 1 {
		t.Fatalf("unexpected report %v", spew.Sdump(report))
	}
	for name, id := range ids {
		r, err := h.store.GeoRecord(ctx, id)
		if err != nil || r.State != backend.StateOrphaned {
			t.Fatalf("%v: dry run changed record: %v %v", name, err,
				spew.Sdump(r))
		}
	}

	journalFile := filepath.Join(t.TempDir(), "journal")
	report, err = h.p.Reconcile(ctx, &ReconcileOptions{
		Fix:  true,
		File: journalFile,
	})
	if err != nil {
		t.Fatal(err)
	}
	if report.Linked != 1 || report.Deleted != 1 || report.Failed != 0 {
		t.Fatalf("unexpected report %v", spew.Sdump(report))
	}

	r, err := h.store.GeoRecord(ctx, ids["committed"])
	if err != nil {
		t.Fatal(err)
	}
	h.verifyAnchored(t, &Result{Record: r})
	_, err = h.store.GeoRecord(ctx, ids["lost"])
	if !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("lost record kept: %v", err)
	}

	actions := readJournal(t, journalFile)
	want := []string{ReconcileActionHeader, ReconcileActionLink,
		ReconcileActionDelete}
	if len(actions) != len(want) {
		t.Fatalf("journal %v want %v", actions, want)
	}
	seen := make(map[string]bool)
	for _, a := range actions {
		seen[a] = true
	}
	for _, w := range want {
		if !seen[w] {
			t.Fatalf("journal %v missing %v", actions, w)
		}
	}
}

// readJournal returns the actions of a journal file.
func readJournal(t *testing.T, filename string) []string {
	t.Helper()

	f, err := os.Open(filename)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var actions []string
	s := bufio.NewScanner(f)
	for s.Scan() {
		var a ReconcileAction
		if err := json.Unmarshal(s.Bytes(), &a); err != nil {
			t.Fatal(err)
		}
		actions = append(actions, a.Action)
		// Skip payload.
		if !s.Scan() {
			t.Fatalf("missing payload for %v", a.Action)
		}
	}
	if err := s.Err(); err != nil {
		t.Fatal(err)
	}
	return actions
}

func TestCreateLinkRetry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	h.store.linkFailures = 2
	r := h.create(t, backend.RecordTypeOwnership, square(0, 0, 1))
	h.verifyAnchored(t, r)

	h.store.linkFailures = 3
	_, err := h.p.Create(ctx, backend.RecordTypeOwnership,
		[]byte(square(5, 5, 1)))
	var oe *OrphanedError
	if !errors.As(err, &oe) {
		t.Fatalf("got %v want OrphanedError", err)
	}
	orphan, err := h.store.GeoRecord(ctx, oe.RecordID)
	if err != nil {
		t.Fatal(err)
	}
	if orphan.State != backend.StateOrphaned {
		t.Fatalf("state %v", orphan.State)
	}

	report, err := h.p.Reconcile(ctx, &ReconcileOptions{Fix: true})
	if err != nil {
		t.Fatal(err)
	}
	if report.Linked != 1 {
		t.Fatalf("unexpected report %v", spew.Sdump(report))
	}
	orphan, err = h.store.GeoRecord(ctx, oe.RecordID)
	if err != nil {
		t.Fatal(err)
	}
	h.verifyAnchored(t, &Result{Record: orphan})
}

func TestCreateLinkAfterDisconnect(t *testing.T) {
	h := newHarness(t)

	// The caller goes away right after the anchor is committed.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.ledger.hooks(nil, cancel)

	r, err := h.p.Create(ctx, backend.RecordTypeOwnership,
		[]byte(square(0, 0, 1)))
	if err != nil {
		t.Fatal(err)
	}
	if ctx.Err() == nil {
		t.Fatal("context still live")
	}
	h.verifyAnchored(t, r)

	stored, err := h.store.GeoRecord(context.Background(), r.Record.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.State != backend.StateAnchored {
		t.Fatalf("state %v", stored.State)
	}
}

func TestCreateLinkTimeout(t *testing.T) {
	h := newHarness(t)
	h.p.linkTimeout = 20 * time.Millisecond
	h.p.linker.attempts = 1000000
	h.store.linkFailures = 1000000

	start := time.Now()
	_, err := h.p.Create(context.Background(), backend.RecordTypeOwnership,
		[]byte(square(0, 0, 1)))
	var oe *OrphanedError
	if !errors.As(err, &oe) {
		t.Fatalf("got %v want OrphanedError", err)
	}
	if h.store.linkFailures == 0 || time.Since(start) > 10*time.Second {
		t.Fatalf("link retries not bounded: %v left after %v",
			h.store.linkFailures, time.Since(start))
	}
}

func TestReconcileInFlight(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.p.myNow = func() time.Time { return time.Now().Add(time.Hour) }

	// Hold the create between its insert and the ledger write.
	entered := make(chan struct{})
	release := make(chan struct{})
	h.ledger.hooks(func() {
		close(entered)
		<-release
	}, nil)

	type outcome struct {
		r   *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := h.p.Create(ctx, backend.RecordTypeOwnership,
			[]byte(square(0, 0, 1)))
		done <- outcome{r, err}
	}()
	<-entered

	report, err := h.p.Reconcile(ctx, &ReconcileOptions{Fix: true})
	if err != nil {
		close(release)
		t.Fatal(err)
	}
	close(release)
	if report.InFlight != 1 || report.Examined != 0 || report.Deleted != 0 {
		t.Fatalf("unexpected report %v", spew.Sdump(report))
	}

	o := <-done
	if o.err != nil {
		t.Fatal(o.err)
	}
	h.verifyAnchored(t, o.r)
	if h.p.InFlight(o.r.Record.ID) {
		t.Fatal("record still in flight")
	}

	// The claim stays resolvable and nothing is left for reconciliation.
	report, err = h.p.Reconcile(ctx, &ReconcileOptions{Fix: true})
	if err != nil {
		t.Fatal(err)
	}
	if report.InFlight != 0 || report.Examined != 0 {
		t.Fatalf("unexpected report %v", spew.Sdump(report))
	}
	again := h.create(t, backend.RecordTypeOwnership, square(0, 0, 1))
	if again.Outcome != OutcomeExisting ||
		again.Record.ID != o.r.Record.ID {
		t.Fatalf("unexpected result %v", spew.Sdump(again))
	}
}

func TestCreateRaceLost(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	h.create(t, backend.RecordTypeApplication, square(0, 0, 1))

	// A concurrent create that passed the duplicate check before the
	// first one was stored.
	h.store.hideKeys = true
	_, err := h.p.Create(ctx, backend.RecordTypeApplication,
		[]byte(feature(square(0, 0, 1))))
	ce := conflictKind(t, err)
	if ce.Kind != ConflictRaceLost {
		t.Fatalf("got %v want %v", ce.Kind, ConflictRaceLost)
	}
	if h.ledger.count() != 1 {
		t.Fatalf("writes %v", h.ledger.count())
	}
}

func TestReconcileUnknownAnchors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	h.create(t, backend.RecordTypeOwnership, square(0, 0, 1))

	id := backend.NewID()
	address, err := h.p.Address(id)
	if err != nil {
		t.Fatal(err)
	}
	_, err = h.ledger.Write(ctx, h.signer, address, square(9, 9, 1), id)
	if err != nil {
		t.Fatal(err)
	}

	report, err := h.p.Reconcile(ctx, &ReconcileOptions{Anchors: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(report.UnknownAnchors) != 1 ||
		report.UnknownAnchors[0] != address.String() {
		t.Fatalf("unexpected report %v", spew.Sdump(report))
	}
}

func TestReconcileGrace(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	h.ledger.set(ledger.ErrAmbiguous, false)
	_, err := h.p.Create(ctx, backend.RecordTypeOwnership,
		[]byte(square(0, 0, 1)))
	if err == nil {
		t.Fatal("expected error")
	}

	report, err := h.p.Reconcile(ctx, &ReconcileOptions{
		Grace: time.Hour,
		Fix:   true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if report.Examined != 0 {
		t.Fatalf("recent record examined: %v", spew.Sdump(report))
	}

	h.p.myNow = func() time.Time { return time.Now().Add(2 * time.Hour) }
	report, err = h.p.Reconcile(ctx, &ReconcileOptions{
		Grace: time.Hour,
		Fix:   true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if report.Examined != 1 || report.Deleted != 1 {
		t.Fatalf("unexpected report %v", spew.Sdump(report))
	}
}

func TestReconcilerSchedule(t *testing.T) {
	h := newHarness(t)

	if _, err := NewReconciler(h.p, "not a schedule",
		ReconcileOptions{}); err == nil {
		t.Fatal("expected schedule error")
	}
	r, err := NewReconciler(h.p, "10 0 * * * *", ReconcileOptions{})
	if err != nil {
		t.Fatal(err)
	}
	r.Start()
	defer r.Stop()

	if _, err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestAddress(t *testing.T) {
	h := newHarness(t)

	id := backend.NewID()
	a1, err := h.p.Address(id)
	if err != nil {
		t.Fatal(err)
	}
	a2, err := h.p.Address(id)
	if err != nil {
		t.Fatal(err)
	}
	if a1 != a2 {
		t.Fatalf("address not deterministic: %v %v", a1, a2)
	}
	a3, err := h.p.Address(backend.NewID())
	if err != nil {
		t.Fatal(err)
	}
	if a1 == a3 {
		t.Fatal("different records share an address")
	}
}
