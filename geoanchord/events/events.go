// Copyright (c) 2017-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/decred/geoanchor/geoanchord/backend"
)

var (
	// ErrMalformedEvent is returned when the event is not a JSON object.
	ErrMalformedEvent = errors.New("event must be a JSON object")

	// ErrUnknownPDL is returned when no anchored record has the pdl.
	ErrUnknownPDL = errors.New("pdl not found")
)

// Service stores events attached to anchored records.
type Service struct {
	store backend.Store
}

// New returns an event service backed by store.
func New(store backend.Store) *Service {
	return &Service{store: store}
}

// Create stores event against the record anchored at pdl.  event must be
// a JSON object.
func (s *Service) Create(ctx context.Context, pdl string, event json.RawMessage) (*backend.Event, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(event, &obj); err != nil || obj == nil {
		return nil, ErrMalformedEvent
	}

	_, err := s.store.LinkByAnchorAddress(ctx, pdl)
	switch {
	case errors.Is(err, backend.ErrNotFound):
		return nil, fmt.Errorf("%w: %v", ErrUnknownPDL, pdl)
	case err != nil:
		return nil, fmt.Errorf("link %v: %v", pdl, err)
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	e := &backend.Event{
		Event:         compact.Bytes(),
		AnchorAddress: pdl,
	}
	if err := s.store.CreateEvent(ctx, e); err != nil {
		return nil, fmt.Errorf("create event: %v", err)
	}

	log.Debugf("Create: event %v for %v", e.ID, pdl)

	return e, nil
}
