package aoi

import (
	"errors"
	"fmt"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/serjvanilla/go-overpass"
)

var errNoBoundary = errors.New("no boundary relation found")

// relationPolygons builds polygons from the boundary relation called name.
// When several relations match, the one with the lowest ID wins.
func relationPolygons(result *overpass.Result, name string) (orb.MultiPolygon, error) {
	var candidates []*overpass.Relation
	for _, rel := range result.Relations {
		if rel != nil && rel.Tags["name"] == name {
			candidates = append(candidates, rel)
		}
	}
	if len(candidates) == 0 {
		return nil, errNoBoundary
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	rel := candidates[0]

	var outer, inner []orb.LineString
	for _, m := range rel.Members {
		if m.Type != overpass.ElementTypeWay || m.Way == nil {
			continue
		}
		line := wayLine(m.Way)
		if len(line) < 2 {
			continue
		}
		switch m.Role {
		case "inner":
			inner = append(inner, line)
		default:
			outer = append(outer, line)
		}
	}

	outerRings, err := stitch(outer)
	if err != nil {
		return nil, fmt.Errorf("relation %d outer: %w", rel.ID, err)
	}
	if len(outerRings) == 0 {
		return nil, fmt.Errorf("relation %d has no outer ways", rel.ID)
	}
	innerRings, err := stitch(inner)
	if err != nil {
		return nil, fmt.Errorf("relation %d inner: %w", rel.ID, err)
	}

	mp := make(orb.MultiPolygon, len(outerRings))
	for i, r := range outerRings {
		mp[i] = orb.Polygon{r}
	}
	for _, hole := range innerRings {
		for i := range mp {
			if planar.RingContains(mp[i][0], hole[0]) {
				mp[i] = append(mp[i], hole)
				break
			}
		}
	}
	return mp, nil
}

func wayLine(w *overpass.Way) orb.LineString {
	line := make(orb.LineString, 0, len(w.Nodes))
	for _, n := range w.Nodes {
		if n == nil {
			continue
		}
		line = append(line, orb.Point{n.Lon, n.Lat})
	}
	return line
}

// stitch joins way segments end to end until every chain closes. Segments
// may run in either direction.
func stitch(chains []orb.LineString) ([]orb.Ring, error) {
	pending := make([]orb.LineString, 0, len(chains))
	for _, c := range chains {
		if len(c) > 0 {
			pending = append(pending, c)
		}
	}

	var rings []orb.Ring
	for len(pending) > 0 {
		cur := append(orb.LineString(nil), pending[0]...)
		pending = pending[1:]

		for !closed(cur) {
			end := cur[len(cur)-1]
			joined := false
			for i, c := range pending {
				switch {
				case c[0] == end:
					cur = append(cur, c[1:]...)
				case c[len(c)-1] == end:
					rev := c.Clone()
					rev.Reverse()
					cur = append(cur, rev[1:]...)
				default:
					continue
				}
				pending = append(pending[:i], pending[i+1:]...)
				joined = true
				break
			}
			if !joined {
				return nil, fmt.Errorf("ring starting at %v does not close", cur[0])
			}
		}

		if len(cur) < 4 {
			return nil, fmt.Errorf("ring starting at %v has fewer than 4 points", cur[0])
		}
		rings = append(rings, orb.Ring(cur))
	}
	return rings, nil
}

func closed(line orb.LineString) bool {
	return len(line) > 1 && line[0] == line[len(line)-1]
}
