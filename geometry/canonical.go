// Copyright (c) 2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package geometry turns GeoJSON containers into a single canonical
// geometry and provides the spatial predicates used to enforce exclusive
// ownership claims when a database cannot evaluate them.  The predicates
// follow the simple features model PostGIS uses.
package geometry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// ErrMalformed is returned, wrapped, for every input that is not a usable
// geo-container.
var ErrMalformed = errors.New("malformed geojson")

// Container kinds.
const (
	KindGeometry          = "Geometry"
	KindFeature           = "Feature"
	KindFeatureCollection = "FeatureCollection"
)

// Canonical is the result of canonicalizing a geo-container.
type Canonical struct {
	Kind     string          // Container kind the geometry came from
	Geometry orb.Geometry    // Extracted geometry
	Key      string          // Compact GeoJSON encoding of Geometry
	Payload  json.RawMessage // Compacted original container
}

// containerKind maps a GeoJSON type member onto the container it denotes.
func containerKind(t string) (string, bool) {
	switch t {
	case KindFeatureCollection:
		return KindFeatureCollection, true
	case KindFeature:
		return KindFeature, true
	case "Point", "MultiPoint", "LineString", "MultiLineString",
		"Polygon", "MultiPolygon", "GeometryCollection":
		return KindGeometry, true
	}
	return "", false
}

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %v", ErrMalformed, fmt.Sprintf(format, args...))
}

// Canonicalize extracts exactly one geometry from a bare geometry, a
// Feature or a FeatureCollection (first feature) and returns it together
// with its canonical key.
func Canonicalize(container []byte) (*Canonical, error) {
	var payload bytes.Buffer
	if err := json.Compact(&payload, container); err != nil {
		return nil, malformed("invalid json: %v", err)
	}

	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload.Bytes(), &head); err != nil {
		return nil, malformed("not an object: %v", err)
	}
	kind, ok := containerKind(head.Type)
	if !ok {
		return nil, malformed("unsupported type %q", head.Type)
	}

	var g orb.Geometry
	switch kind {
	case KindFeatureCollection:
		fc, err := geojson.UnmarshalFeatureCollection(payload.Bytes())
		if err != nil {
			return nil, malformed("feature collection: %v", err)
		}
		if len(fc.Features) == 0 || fc.Features[0] == nil {
			return nil, malformed("feature collection has no features")
		}
		g = fc.Features[0].Geometry
	case KindFeature:
		f, err := geojson.UnmarshalFeature(payload.Bytes())
		if err != nil {
			return nil, malformed("feature: %v", err)
		}
		g = f.Geometry
	case KindGeometry:
		gg, err := geojson.UnmarshalGeometry(payload.Bytes())
		if err != nil {
			return nil, malformed("geometry: %v", err)
		}
		g = gg.Geometry()
	default:
		return nil, malformed("unsupported container %q", kind)
	}
	if g == nil {
		return nil, malformed("%v without geometry", kind)
	}
	if err := Validate(g); err != nil {
		return nil, err
	}
	if _, err := toGeom(g); err != nil {
		return nil, malformed("%v", err)
	}

	key, err := Key(g)
	if err != nil {
		return nil, err
	}

	return &Canonical{
		Kind:     kind,
		Geometry: g,
		Key:      key,
		Payload:  json.RawMessage(payload.Bytes()),
	}, nil
}

// Key returns the canonical serialization of g.  Encoding a geometry
// decoded from a key yields the same key.
func Key(g orb.Geometry) (string, error) {
	b, err := json.Marshal(geojson.NewGeometry(g))
	if err != nil {
		return "", malformed("encode: %v", err)
	}
	return string(b), nil
}

// Parse decodes a canonical key back into a geometry.
func Parse(key string) (orb.Geometry, error) {
	gg, err := geojson.UnmarshalGeometry([]byte(key))
	if err != nil {
		return nil, malformed("geometry: %v", err)
	}
	return gg.Geometry(), nil
}

func validPoint(p orb.Point) bool {
	for _, v := range p {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return p[0] >= -180 && p[0] <= 180 && p[1] >= -90 && p[1] <= 90
}

func validateLine(ls []orb.Point, minPoints int) error {
	if len(ls) < minPoints {
		return malformed("need at least %v positions, got %v",
			minPoints, len(ls))
	}
	for _, p := range ls {
		if !validPoint(p) {
			return malformed("invalid position %v", p)
		}
	}
	return nil
}

func validateRing(r orb.Ring) error {
	if err := validateLine(r, 4); err != nil {
		return err
	}
	if !r.Closed() {
		return malformed("ring is not closed")
	}
	return nil
}

func validatePolygon(p orb.Polygon) error {
	if len(p) == 0 {
		return malformed("polygon has no rings")
	}
	for _, r := range p {
		if err := validateRing(r); err != nil {
			return err
		}
	}
	return nil
}

// Validate ensures g is a geometry the store and the spatial predicates can
// reason about: finite lon/lat positions, lines with two positions and
// closed polygon rings.
func Validate(g orb.Geometry) error {
	switch v := g.(type) {
	case orb.Point:
		if !validPoint(v) {
			return malformed("invalid position %v", v)
		}
	case orb.MultiPoint:
		return validateLine(v, 1)
	case orb.LineString:
		return validateLine(v, 2)
	case orb.MultiLineString:
		if len(v) == 0 {
			return malformed("empty multilinestring")
		}
		for _, ls := range v {
			if err := validateLine(ls, 2); err != nil {
				return err
			}
		}
	case orb.Polygon:
		return validatePolygon(v)
	case orb.MultiPolygon:
		if len(v) == 0 {
			return malformed("empty multipolygon")
		}
		for _, p := range v {
			if err := validatePolygon(p); err != nil {
				return err
			}
		}
	case orb.Collection:
		if len(v) == 0 {
			return malformed("empty geometry collection")
		}
		for _, c := range v {
			if err := Validate(c); err != nil {
				return err
			}
		}
	default:
		return malformed("unsupported geometry %T", g)
	}
	return nil
}
