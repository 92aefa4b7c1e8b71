// Copyright (c) 2017-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package v1

import (
	"encoding/json"
	"fmt"
	"regexp"
)

const (
	// APIVersion defines the version number for this code.
	APIVersion = 1

	// ResultOK indicates the geojson was recorded and anchored.
	ResultOK = 0

	// ResultExistsError indicates the geometry already exists off-chain
	// and the existing record was returned instead.
	ResultExistsError = 1

	// ResultDoesntExistError indicates a referenced entity does not
	// exist.
	ResultDoesntExistError = 2

	// ResultMalformed indicates the request could not be interpreted.
	ResultMalformed = 3

	// ResultConflict indicates the claim conflicts with existing data.
	// The reply Conflict field names the rule.
	ResultConflict = 4

	// ResultLedgerRejected indicates the ledger refused the anchor
	// write.  Nothing was recorded.
	ResultLedgerRejected = 5

	// ResultPending indicates the record was stored but its anchor
	// could not be confirmed.  It will be settled by reconciliation.
	ResultPending = 6

	// ResultInternal indicates an unexpected server failure.
	ResultInternal = 7

	// DefaultPort indicates the default geoanchord port.
	DefaultPort = "49160"

	// PDLTypeApplication records may overlap or intersect anything.
	PDLTypeApplication = "application"

	// PDLTypeOwnership records are spatially exclusive.
	PDLTypeOwnership = "ownership"

	// Conflict kinds reported in ErrorReply.Conflict.
	ConflictLedgerDuplicate  = "ledgerduplicate"
	ConflictSpatialOverlap   = "spatialoverlap"
	ConflictSpatialIntersect = "spatialintersect"
	ConflictRaceLost         = "racelost"

	// Record states reported in GeoJSONReply.State.
	StatePending  = "pending"
	StateAnchored = "anchored"
	StateOrphaned = "orphaned"
)

var (
	// RoutePrefix is the route url prefix for this version.
	RoutePrefix = fmt.Sprintf("/v%v", APIVersion)

	// StatusRoute defines the API route for retrieving the server
	// status.
	StatusRoute = RoutePrefix + "/status/"

	// GeoJSONRoute defines the API route for recording and anchoring a
	// geojson claim.
	GeoJSONRoute = RoutePrefix + "/geojson/"

	// EventsRoute defines the API route for attaching an event to an
	// anchored claim.
	EventsRoute = RoutePrefix + "/events/"

	// MetricsRoute serves prometheus metrics.
	MetricsRoute = "/metrics"

	// Result defines legible string messages to a result code.
	Result = map[int]string{
		ResultOK:               "OK",
		ResultExistsError:      "Exists",
		ResultDoesntExistError: "Doesn't exist",
		ResultMalformed:        "Malformed",
		ResultConflict:         "Conflict",
		ResultLedgerRejected:   "Ledger rejected",
		ResultPending:          "Pending reconciliation",
		ResultInternal:         "Internal error",
	}

	// RegexpRecordID is the valid text representation of a record id.
	RegexpRecordID = regexp.MustCompile("^[a-f0-9]{32}$")

	// RegexpAddress is the valid text representation of a ledger
	// address.
	RegexpAddress = regexp.MustCompile("^[1-9A-HJ-NP-Za-km-z]{32,44}$")
)

// Status is used to ask the server if everything is running properly.
// ID is user settable and can be used as a unique identifier by the client.
type Status struct {
	ID string `json:"id"`
}

// StatusReply is returned by the server if everything is running properly.
// Signer and Program identify where anchors are written.
type StatusReply struct {
	ID      string `json:"id"`
	Signer  string `json:"signer"`
	Program string `json:"program"`
}

// CreateGeoJSON asks the server to record and anchor a geo-container.
// GeoJSON may be a bare geometry, a Feature or a FeatureCollection in
// which case the first feature is used.
type CreateGeoJSON struct {
	PDLType string          `json:"pdl_type"`
	GeoJSON json.RawMessage `json:"geojson"`
}

// GeoJSONReply is the stored view of a claim.  PDL carries the ledger
// address of the anchor and is empty until the claim is anchored.
type GeoJSONReply struct {
	Result         int             `json:"result"`
	ID             string          `json:"id"`
	Geometry       json.RawMessage `json:"geometry"`
	GeoJSON        json.RawMessage `json:"geojson"`
	GeometryString string          `json:"geometry_string"`
	PDL            string          `json:"pdl,omitempty"`
	PDLType        string          `json:"pdl_type"`
	State          string          `json:"state"`
	Transaction    string          `json:"transaction,omitempty"`
	CreatedAt      int64           `json:"createdat"`
	UpdatedAt      int64           `json:"updatedat"`
}

// CreateEvent attaches an event to the claim anchored at PDL.
type CreateEvent struct {
	PDL   string          `json:"pdl"`
	Event json.RawMessage `json:"event"`
}

// EventReply is returned after storing an event.
type EventReply struct {
	Result    int             `json:"result"`
	ID        string          `json:"id"`
	PDL       string          `json:"pdl"`
	Event     json.RawMessage `json:"event"`
	CreatedAt int64           `json:"createdat"`
}

// ErrorReply is returned for every failed request.  Conflict and
// ConflictID are set for ResultConflict, ID is set for ResultPending and
// names the record awaiting reconciliation.
type ErrorReply struct {
	Result     int    `json:"result"`
	Error      string `json:"error"`
	ErrorCode  int64  `json:"errorcode,omitempty"`
	Conflict   string `json:"conflict,omitempty"`
	ConflictID string `json:"conflictid,omitempty"`
	ID         string `json:"id,omitempty"`
}
