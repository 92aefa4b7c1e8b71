// Copyright (c) 2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package geometry

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/peterstace/simplefeatures/geom"
)

// toGeom converts g for the planar predicates.  Geometries that are not
// valid under the simple features rules, e.g. self intersecting rings,
// are rejected.
func toGeom(g orb.Geometry) (geom.Geometry, error) {
	b, err := wkb.Marshal(g)
	if err != nil {
		return geom.Geometry{}, fmt.Errorf("encode %T: %v", g, err)
	}
	sg, err := geom.UnmarshalWKB(b)
	if err != nil {
		return geom.Geometry{}, fmt.Errorf("invalid %T: %v", g, err)
	}
	return sg, nil
}

func toGeoms(a, b orb.Geometry) (geom.Geometry, geom.Geometry, error) {
	ga, err := toGeom(a)
	if err != nil {
		return ga, geom.Geometry{}, err
	}
	gb, err := toGeom(b)
	return ga, gb, err
}

// Intersects reports whether a and b share at least one point, boundaries
// included.
func Intersects(a, b orb.Geometry) (bool, error) {
	if !a.Bound().Intersects(b.Bound()) {
		return false, nil
	}
	ga, gb, err := toGeoms(a, b)
	if err != nil {
		return false, err
	}
	return geom.Intersects(ga, gb), nil
}

// Within reports whether a lies inside b: no point of a is outside b and
// their interiors meet, as ST_Within does.
func Within(a, b orb.Geometry) (bool, error) {
	if !b.Bound().Contains(a.Bound().Min) ||
		!b.Bound().Contains(a.Bound().Max) {
		return false, nil
	}
	ga, gb, err := toGeoms(a, b)
	if err != nil {
		return false, err
	}
	return geom.Within(ga, gb)
}

// Overlaps reports whether one of a and b lies within the other.
func Overlaps(a, b orb.Geometry) (bool, error) {
	within, err := Within(a, b)
	if err != nil || within {
		return within, err
	}
	return Within(b, a)
}
