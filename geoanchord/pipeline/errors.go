// Copyright (c) 2017-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pipeline

import (
	"fmt"
)

// ConflictKind names the rule a rejected create violated.
type ConflictKind string

const (
	// ConflictLedgerDuplicate means the ledger already holds the payload
	// while the document store does not, i.e. the stores diverged.
	ConflictLedgerDuplicate ConflictKind = "ledgerduplicate"

	// ConflictSpatialOverlap means an existing geometry contains or is
	// contained by the candidate.
	ConflictSpatialOverlap ConflictKind = "spatialoverlap"

	// ConflictSpatialIntersect means an existing geometry intersects the
	// candidate.
	ConflictSpatialIntersect ConflictKind = "spatialintersect"

	// ConflictRaceLost means a concurrent create stored the same
	// canonical key first.
	ConflictRaceLost ConflictKind = "racelost"
)

// Pipeline stages reported by InternalError.
const (
	StageDedup     = "dedup"
	StageSpatial   = "spatial"
	StagePersist   = "persist"
	StageDerive    = "derive"
	StageLink      = "link"
	StageReconcile = "reconcile"
)

// MalformedInputError is returned when the container or record type is
// not acceptable.
type MalformedInputError struct {
	Err error
}

func (e *MalformedInputError) Error() string {
	return "malformed input: " + e.Err.Error()
}

func (e *MalformedInputError) Unwrap() error {
	return e.Err
}

// ConflictError is returned when a create would break a uniqueness or
// exclusivity rule.
type ConflictError struct {
	Kind     ConflictKind
	RecordID string // Conflicting record, if known
	Address  string // Conflicting ledger anchor, if known
}

func (e *ConflictError) Error() string {
	switch {
	case e.RecordID != "":
		return fmt.Sprintf("conflict %v with record %v", e.Kind,
			e.RecordID)
	case e.Address != "":
		return fmt.Sprintf("conflict %v with anchor %v", e.Kind,
			e.Address)
	}
	return fmt.Sprintf("conflict %v", e.Kind)
}

// LedgerWriteError is returned when the ledger definitively rejected the
// anchor write.  The provisional record has been removed.
type LedgerWriteError struct {
	RecordID string
	Err      error
}

func (e *LedgerWriteError) Error() string {
	return fmt.Sprintf("ledger write %v: %v", e.RecordID, e.Err)
}

func (e *LedgerWriteError) Unwrap() error {
	return e.Err
}

// AmbiguousLedgerOutcomeError is returned when the anchor write may or may
// not have been committed.  The record is left orphaned for
// reconciliation.
type AmbiguousLedgerOutcomeError struct {
	RecordID string
	Address  string
	Err      error
}

func (e *AmbiguousLedgerOutcomeError) Error() string {
	return fmt.Sprintf("ledger outcome unknown for %v at %v: %v",
		e.RecordID, e.Address, e.Err)
}

func (e *AmbiguousLedgerOutcomeError) Unwrap() error {
	return e.Err
}

// OrphanedError is returned when the anchor was written but the record
// could not be linked to it.
type OrphanedError struct {
	RecordID string
	Address  string
	Err      error
}

func (e *OrphanedError) Error() string {
	return fmt.Sprintf("record %v orphaned from anchor %v: %v",
		e.RecordID, e.Address, e.Err)
}

func (e *OrphanedError) Unwrap() error {
	return e.Err
}

// InternalError wraps unexpected failures.
type InternalError struct {
	Stage string
	Err   error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error during %v: %v", e.Stage, e.Err)
}

func (e *InternalError) Unwrap() error {
	return e.Err
}
