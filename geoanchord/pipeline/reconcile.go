// Copyright (c) 2017-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/decred/geoanchor/geoanchord/backend"
	"github.com/decred/geoanchor/geoanchord/ledger"
	"github.com/robfig/cron"
)

const (
	ReconcileActionVersion = 1 // All structure versions

	ReconcileActionHeader        = "header"
	ReconcileActionLink          = "link"
	ReconcileActionDelete        = "delete"
	ReconcileActionMismatch      = "mismatch"
	ReconcileActionUnknownAnchor = "unknownanchor"
)

// ReconcileAction precedes every journal payload.
type ReconcileAction struct {
	Version   uint64 `json:"version"`   // Version of structure
	Timestamp int64  `json:"timestamp"` // Timestamp of action
	Action    string `json:"action"`    // Following JSON command
}

// ReconcileHeader is the first journal entry of a run.
type ReconcileHeader struct {
	Version uint64 `json:"version"` // Version of structure
	Start   int64  `json:"start"`   // Start of run
	DryRun  bool   `json:"dryrun"`  // Dry run
}

// ReconcileRecord describes an action taken on a record or anchor.
type ReconcileRecord struct {
	Version  uint64 `json:"version"`  // Version of structure
	RecordID string `json:"recordid"` // Record id
	Address  string `json:"address"`  // Anchor address
	State    string `json:"state"`    // Record state before the action
}

// ReconcileOptions controls a reconciliation run.
type ReconcileOptions struct {
	Grace   time.Duration // Skip records updated more recently
	Fix     bool          // Fix fixable errors
	Anchors bool          // Look for anchors without a record
	File    string        // Path for journal file
}

// ReconcileReport summarizes a reconciliation run.  In dry run mode the
// counters hold what would have been done.
type ReconcileReport struct {
	Examined       int      // Pending and orphaned records looked at
	Linked         int      // Records linked to their anchor
	Deleted        int      // Records without anchor removed
	Mismatched     int      // Records whose anchor holds other data
	Failed         int      // Records that could not be processed
	InFlight       int      // Records skipped, a create still owns them
	UnknownAnchors []string // Anchors whose record does not exist
}

// validJournalAction returns true if the action is a valid
// ReconcileAction.
func validJournalAction(action string) bool {
	switch action {
	case ReconcileActionHeader:
	case ReconcileActionLink:
	case ReconcileActionDelete:
	case ReconcileActionMismatch:
	case ReconcileActionUnknownAnchor:
	default:
		return false
	}
	return true
}

// journal records what fix occurred at what time if filename != "".
func journal(filename, action string, payload interface{}) error {
	// See if we are journaling
	if filename == "" {
		return nil
	}

	// Sanity
	if !validJournalAction(action) {
		return fmt.Errorf("invalid journal action: %v", action)
	}

	f, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0640)
	if err != nil {
		return err
	}
	defer f.Close()

	e := json.NewEncoder(f)
	err = e.Encode(ReconcileAction{
		Version:   ReconcileActionVersion,
		Timestamp: time.Now().Unix(),
		Action:    action,
	})
	if err != nil {
		return err
	}
	return e.Encode(payload)
}

// reconcileRecord settles one pending or orphaned record.
func (p *Pipeline) reconcileRecord(ctx context.Context, options *ReconcileOptions, r *backend.GeoRecord, report *ReconcileReport) error {
	address, err := p.Address(r.ID)
	if err != nil {
		return err
	}
	jr := ReconcileRecord{
		Version:  ReconcileActionVersion,
		RecordID: r.ID,
		Address:  address.String(),
		State:    string(r.State),
	}

	anchor, err := p.ledger.Anchor(ctx, address)
	switch {
	case errors.Is(err, ledger.ErrAnchorNotFound):
		// The write never happened, the claim may be resubmitted.
		report.Deleted++
		if !options.Fix {
			log.Infof("Reconcile: would delete %v, no anchor at %v",
				r.ID, address)
			return nil
		}
		if err := p.store.DeleteGeoRecord(ctx, r.ID); err != nil {
			return err
		}
		p.metrics.reconciled(ReconcileActionDelete)
		log.Infof("Reconcile: deleted %v, no anchor at %v", r.ID, address)
		return journal(options.File, ReconcileActionDelete, jr)

	case err != nil:
		return err
	}

	if anchor.RecordID != r.ID ||
		anchor.SerializedGeometry != string(r.Payload) {
		report.Mismatched++
		log.Errorf("Reconcile: anchor %v does not match record %v",
			address, r.ID)
		p.metrics.reconciled(ReconcileActionMismatch)
		return journal(options.File, ReconcileActionMismatch, jr)
	}

	report.Linked++
	if !options.Fix {
		log.Infof("Reconcile: would link %v to %v", r.ID, address)
		return nil
	}
	if _, _, err := p.linker.Link(ctx, r, address); err != nil {
		return err
	}
	p.metrics.reconciled(ReconcileActionLink)
	log.Infof("Reconcile: linked %v to %v", r.ID, address)
	return journal(options.File, ReconcileActionLink, jr)
}

// reconcileAnchors reports anchors that have no record.
func (p *Pipeline) reconcileAnchors(ctx context.Context, options *ReconcileOptions, report *ReconcileReport) error {
	anchors, err := p.ledger.Anchors(ctx)
	if err != nil {
		return err
	}
	for _, a := range anchors {
		_, err := p.store.GeoRecord(ctx, a.RecordID)
		switch {
		case err == nil:
			continue
		case !errors.Is(err, backend.ErrNotFound):
			return err
		}
		report.UnknownAnchors = append(report.UnknownAnchors,
			a.Address.String())
		log.Warnf("Reconcile: anchor %v references unknown record %v",
			a.Address, a.RecordID)
		p.metrics.reconciled(ReconcileActionUnknownAnchor)
		err = journal(options.File, ReconcileActionUnknownAnchor,
			ReconcileRecord{
				Version:  ReconcileActionVersion,
				RecordID: a.RecordID,
				Address:  a.Address.String(),
			})
		if err != nil {
			return err
		}
	}
	return nil
}

// Reconcile walks pending and orphaned records older than the grace
// period and settles them against the ledger.  A record whose anchor
// exists and matches is linked, one without anchor is deleted, a
// mismatch is only reported.  Records a create of this pipeline is
// still working on are skipped.  Nothing is changed unless options.Fix
// is set.
func (p *Pipeline) Reconcile(ctx context.Context, options *ReconcileOptions) (*ReconcileReport, error) {
	if options == nil {
		options = &ReconcileOptions{}
	}
	start := p.myNow()

	err := journal(options.File, ReconcileActionHeader, ReconcileHeader{
		Version: ReconcileActionVersion,
		Start:   start.Unix(),
		DryRun:  !options.Fix,
	})
	if err != nil {
		return nil, &InternalError{Stage: StageReconcile,
			Err: fmt.Errorf("journal: %v", err)}
	}

	report := &ReconcileReport{}
	before := start.Add(-options.Grace).Unix()
	for _, state := range []backend.RecordState{backend.StatePending,
		backend.StateOrphaned} {
		rs, err := p.store.GeoRecordsByState(ctx, state, before)
		if err != nil {
			return nil, &InternalError{Stage: StageReconcile, Err: err}
		}
		for _, r := range rs {
			if p.InFlight(r.ID) {
				// The ledger write may still land.
				report.InFlight++
				log.Debugf("Reconcile: %v in flight", r.ID)
				continue
			}
			report.Examined++
			if err := p.reconcileRecord(ctx, options, r, report); err != nil {
				report.Failed++
				log.Errorf("Reconcile %v: %v", r.ID, err)
			}
			if err := ctx.Err(); err != nil {
				return report, err
			}
		}
	}

	if options.Anchors {
		if err := p.reconcileAnchors(ctx, options, report); err != nil {
			return report, &InternalError{Stage: StageReconcile, Err: err}
		}
	}

	log.Infof("Reconcile: examined %v linked %v deleted %v mismatched %v "+
		"failed %v in flight %v unknown anchors %v (dry run %v) in %v",
		report.Examined, report.Linked, report.Deleted, report.Mismatched,
		report.Failed, report.InFlight, len(report.UnknownAnchors),
		!options.Fix, time.Since(start))

	return report, nil
}

// Reconciler runs Reconcile on a schedule.
type Reconciler struct {
	sync.Mutex

	pipeline *Pipeline
	options  ReconcileOptions
	cron     *cron.Cron
	running  bool
}

// NewReconciler returns a reconciler running on schedule, a cron spec
// with a leading seconds field.
func NewReconciler(p *Pipeline, schedule string, options ReconcileOptions) (*Reconciler, error) {
	r := &Reconciler{
		pipeline: p,
		options:  options,
		cron:     cron.New(),
	}
	err := r.cron.AddFunc(schedule, func() {
		if _, err := r.Run(context.Background()); err != nil {
			log.Errorf("Scheduled reconcile: %v", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile schedule %q: %v", schedule, err)
	}
	return r, nil
}

// Run reconciles once.  Overlapping runs are skipped.
func (r *Reconciler) Run(ctx context.Context) (*ReconcileReport, error) {
	r.Lock()
	if r.running {
		r.Unlock()
		log.Debugf("Reconcile already running")
		return &ReconcileReport{}, nil
	}
	r.running = true
	r.Unlock()

	defer func() {
		r.Lock()
		r.running = false
		r.Unlock()
	}()

	return r.pipeline.Reconcile(ctx, &r.options)
}

// Start launches the schedule.
func (r *Reconciler) Start() {
	r.cron.Start()
}

// Stop halts the schedule.  A run in progress is not interrupted.
func (r *Reconciler) Stop() {
	r.cron.Stop()
}
