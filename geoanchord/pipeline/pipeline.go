// Copyright (c) 2017-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/decred/geoanchor/geoanchord/backend"
	"github.com/decred/geoanchor/geoanchord/ledger"
	"github.com/decred/geoanchor/geometry"
)

// Outcome is the successful terminal state of a create.
type Outcome int

const (
	// OutcomeAnchored means a new record was stored, anchored and
	// linked.
	OutcomeAnchored Outcome = iota

	// OutcomeExisting means the canonical geometry was already stored
	// and the existing record is returned.
	OutcomeExisting
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeAnchored:
		return outcomeAnchored
	case OutcomeExisting:
		return outcomeExisting
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Result is returned by a successful create.
type Result struct {
	Outcome Outcome
	Record  *backend.GeoRecord
	Link    *backend.Link   // Nil for an existing record that is not linked
	Receipt *ledger.Receipt // Nil unless a ledger write happened
}

// Config tunes the pipeline.
type Config struct {
	LinkAttempts   int           // Link attempts before orphaning
	LinkRetryDelay time.Duration // Pause between link attempts
	LinkTimeout    time.Duration // Bound on all link attempts of a record
}

// Pipeline creates and anchors geo records.
type Pipeline struct {
	store   backend.Store
	ledger  ledger.Ledger
	metrics *Metrics

	guard   *DuplicateGuard
	spatial *SpatialValidator
	writer  *AnchorWriter
	linker  *Linker

	linkTimeout time.Duration

	sync.Mutex
	inflight map[string]struct{} // Records between insert and link

	myNow func() time.Time // Override time.Now()
}

// New returns a pipeline using store and l, writing anchors signed by
// signer.  metrics may be nil.
func New(store backend.Store, l ledger.Ledger, signer *ledger.Signer, cfg Config, metrics *Metrics) *Pipeline {
	if cfg.LinkTimeout <= 0 {
		cfg.LinkTimeout = DefaultLinkTimeout
	}
	return &Pipeline{
		store:       store,
		ledger:      l,
		metrics:     metrics,
		guard:       NewDuplicateGuard(store, l),
		spatial:     NewSpatialValidator(store),
		writer:      NewAnchorWriter(l, signer),
		linker:      NewLinker(store, cfg.LinkAttempts, cfg.LinkRetryDelay),
		linkTimeout: cfg.LinkTimeout,
		inflight:    make(map[string]struct{}),
		myNow:       time.Now,
	}
}

// track marks id as owned by a running create.
func (p *Pipeline) track(id string) {
	p.Lock()
	p.inflight[id] = struct{}{}
	p.Unlock()
}

func (p *Pipeline) untrack(id string) {
	p.Lock()
	delete(p.inflight, id)
	p.Unlock()
}

// InFlight returns true while a create still owns record id.
func (p *Pipeline) InFlight(id string) bool {
	p.Lock()
	defer p.Unlock()
	_, ok := p.inflight[id]
	return ok
}

// Address returns the anchor address of recordID.
func (p *Pipeline) Address(recordID string) (ledger.Address, error) {
	return p.writer.Address(recordID)
}

// existing returns the result for an already stored record.
func (p *Pipeline) existing(ctx context.Context, r *backend.GeoRecord) (*Result, error) {
	link, err := p.store.LinkByGeoRecord(ctx, r.ID)
	switch {
	case errors.Is(err, backend.ErrNotFound):
		link = nil
	case err != nil:
		return nil, &InternalError{Stage: StageDedup, Err: err}
	}
	return &Result{Outcome: OutcomeExisting, Record: r, Link: link}, nil
}

// remove deletes the provisional record of a write that never happened
// and returns err.  A record that cannot be deleted is orphaned instead.
func (p *Pipeline) remove(r *backend.GeoRecord, err error) error {
	// Compensation must run even if the request went away.
	ctx := context.Background()

	if derr := p.store.DeleteGeoRecord(ctx, r.ID); derr != nil {
		log.Errorf("Compensate delete %v: %v", r.ID, derr)
		p.markOrphaned(ctx, r.ID)
		return err
	}
	p.metrics.compensation("delete")
	log.Infof("Removed provisional record %v: %v", r.ID, err)
	return err
}

// orphan flags a record whose anchor may exist and returns err.
func (p *Pipeline) orphan(r *backend.GeoRecord, err error) error {
	p.markOrphaned(context.Background(), r.ID)
	return err
}

func (p *Pipeline) markOrphaned(ctx context.Context, id string) {
	err := p.store.SetGeoRecordState(ctx, id, backend.StateOrphaned)
	if err != nil {
		log.Errorf("Mark orphaned %v: %v", id, err)
		return
	}
	p.metrics.compensation("orphan")
	log.Warnf("Record %v orphaned, reconciliation required", id)
}

// Create canonicalizes container and, unless it is a duplicate or
// violates the spatial rules of rt, stores it, anchors it on the ledger
// and links the two.  An already stored canonical geometry returns the
// existing record with OutcomeExisting whatever rt is.
func (p *Pipeline) Create(ctx context.Context, rt backend.RecordType, container []byte) (*Result, error) {
	defer p.metrics.observeCreate(time.Now())

	res, err := p.create(ctx, rt, container)

	var (
		conflict  *ConflictError
		malformed *MalformedInputError
		ambiguous *AmbiguousLedgerOutcomeError
		orphaned  *OrphanedError
	)
	switch {
	case err == nil:
		p.metrics.outcome(res.Outcome.String())
	case errors.As(err, &conflict):
		p.metrics.conflict(conflict.Kind)
		p.metrics.outcome(outcomeRejected)
	case errors.As(err, &malformed):
		p.metrics.outcome(outcomeMalformed)
	case errors.As(err, &ambiguous), errors.As(err, &orphaned):
		p.metrics.outcome(outcomeOrphaned)
	default:
		p.metrics.outcome(outcomeFailed)
	}
	return res, err
}

func (p *Pipeline) create(ctx context.Context, rt backend.RecordType, container []byte) (*Result, error) {
	if !rt.Valid() {
		return nil, &MalformedInputError{
			Err: fmt.Errorf("invalid record type %q", rt),
		}
	}
	c, err := geometry.Canonicalize(container)
	if err != nil {
		return nil, &MalformedInputError{Err: err}
	}

	// Duplicates
	r, err := p.guard.Offchain(ctx, c.Key)
	if err != nil {
		return nil, err
	}
	if r != nil {
		log.Debugf("Create: existing record %v", r.ID)
		return p.existing(ctx, r)
	}
	if err := p.guard.Ledger(ctx, string(c.Payload)); err != nil {
		return nil, err
	}

	// Exclusivity
	if err := p.spatial.Check(ctx, rt, c.Geometry); err != nil {
		return nil, err
	}

	// Provisional record
	r = &backend.GeoRecord{
		Geometry:     c.Geometry,
		Payload:      c.Payload,
		CanonicalKey: c.Key,
		Type:         rt,
		State:        backend.StatePending,
	}
	err = p.store.CreateGeoRecord(ctx, r)
	switch {
	case errors.Is(err, backend.ErrDuplicateKey):
		return nil, &ConflictError{Kind: ConflictRaceLost}
	case err != nil:
		return nil, &InternalError{Stage: StagePersist, Err: err}
	}
	p.track(r.ID)
	defer p.untrack(r.ID)

	// Anchor
	receipt, err := p.writer.Write(ctx, r)
	if err != nil {
		var ambiguous *AmbiguousLedgerOutcomeError
		if errors.As(err, &ambiguous) {
			return nil, p.orphan(r, err)
		}
		return nil, p.remove(r, err)
	}

	// Link.  The anchor exists now so the caller going away must not
	// stop the retries.
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx),
		p.linkTimeout)
	defer cancel()
	updated, link, err := p.linker.Link(lctx, r, receipt.Address)
	if err != nil {
		return nil, p.orphan(r, &OrphanedError{
			RecordID: r.ID,
			Address:  receipt.Address.String(),
			Err:      err,
		})
	}

	log.Infof("Anchored %v %v at %v", rt, updated.ID, link.AnchorAddress)

	return &Result{
		Outcome: OutcomeAnchored,
		Record:  updated,
		Link:    link,
		Receipt: receipt,
	}, nil
}
