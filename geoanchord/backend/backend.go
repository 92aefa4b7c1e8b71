// Copyright (c) 2017-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package backend

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
)

var (
	// ErrNotFound is returned when a lookup matches nothing.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when a write violates a unique
	// constraint, e.g. two concurrent creates of the same geometry.
	ErrDuplicateKey = errors.New("duplicate key")
)

// RecordType selects the spatial rules a GeoRecord is subject to.
type RecordType string

const (
	// RecordTypeApplication records may overlap and intersect others.
	RecordTypeApplication RecordType = "application"

	// RecordTypeOwnership records must not overlap or intersect any
	// other record.
	RecordTypeOwnership RecordType = "ownership"
)

// Valid returns true if t is a known record type.
func (t RecordType) Valid() bool {
	return t == RecordTypeApplication || t == RecordTypeOwnership
}

// RecordState tracks how far a GeoRecord got through anchoring.
type RecordState string

const (
	// StatePending records are persisted and awaiting their anchor.
	StatePending RecordState = "pending"

	// StateAnchored records are linked to a ledger anchor.
	StateAnchored RecordState = "anchored"

	// StateOrphaned records may or may not be anchored; reconciliation
	// settles them.
	StateOrphaned RecordState = "orphaned"
)

// GeoRecord is one stored geospatial claim.
type GeoRecord struct {
	ID           string          // Store assigned identity
	Geometry     orb.Geometry    // Canonical geometry
	Payload      json.RawMessage // Original container, compacted
	CanonicalKey string          // Serialized Geometry, unique
	Type         RecordType      // Application or ownership
	LedgerRef    string          // Link ID, empty until anchored
	State        RecordState     // Anchoring progress
	CreatedAt    int64           // Unix seconds
	UpdatedAt    int64           // Unix seconds
}

// Link binds a GeoRecord to its ledger anchor.
type Link struct {
	ID            string     // Store assigned identity
	AnchorAddress string     // Ledger address, base58
	GeoRecordID   string     // Owning GeoRecord, unique
	Type          RecordType // Copied from the GeoRecord
	CreatedAt     int64      // Unix seconds
}

// Event is an arbitrary JSON object attached to an anchored claim.
type Event struct {
	ID            string
	Event         json.RawMessage
	AnchorAddress string // Link anchor address the event refers to
	CreatedAt     int64
}

// NewID returns a new random identity.  It is 32 hex characters so that
// it can be used verbatim as a ledger address seed.
func NewID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// Store is the document store holding GeoRecords, Links and Events.
// Implementations must enforce uniqueness of GeoRecord.CanonicalKey and
// Link.GeoRecordID and report violations with ErrDuplicateKey.
type Store interface {
	// CreateGeoRecord persists r, assigning ID and timestamps.
	CreateGeoRecord(context.Context, *GeoRecord) error

	// GeoRecord returns the record with the provided id.
	GeoRecord(context.Context, string) (*GeoRecord, error)

	// GeoRecordByCanonicalKey returns the record whose canonical key
	// equals the provided key.
	GeoRecordByCanonicalKey(context.Context, string) (*GeoRecord, error)

	// OverlappingGeoRecord returns a record whose geometry lies within
	// the provided geometry or contains it.
	OverlappingGeoRecord(context.Context, orb.Geometry) (*GeoRecord, error)

	// IntersectingGeoRecord returns a record whose geometry intersects
	// the provided geometry.
	IntersectingGeoRecord(context.Context, orb.Geometry) (*GeoRecord, error)

	// UpdateGeoRecordLedgerRef points the record at its link, marks it
	// anchored and returns the updated record.
	UpdateGeoRecordLedgerRef(ctx context.Context, id, linkID string) (*GeoRecord, error)

	// SetGeoRecordState changes the anchoring state of a record.
	SetGeoRecordState(context.Context, string, RecordState) error

	// DeleteGeoRecord removes a record that never got anchored.
	DeleteGeoRecord(context.Context, string) error

	// GeoRecordsByState returns all records in the provided state that
	// were last updated at or before the provided unix time.
	GeoRecordsByState(context.Context, RecordState, int64) ([]*GeoRecord, error)

	// CreateLink persists l, assigning ID and timestamp.
	CreateLink(context.Context, *Link) error

	// LinkByGeoRecord returns the link owned by the provided record.
	LinkByGeoRecord(context.Context, string) (*Link, error)

	// LinkByAnchorAddress returns the link with the provided anchor
	// address.
	LinkByAnchorAddress(context.Context, string) (*Link, error)

	// CreateEvent persists e, assigning ID and timestamp.
	CreateEvent(context.Context, *Event) error

	// Close performs cleanup of the store.
	Close()
}
