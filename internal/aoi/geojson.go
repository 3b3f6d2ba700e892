package aoi

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

var errNoPolygon = errors.New("GeoJSON contains no polygon")

// FromGeoJSON builds an upload area from a GeoJSON document. Polygons and
// multipolygons are kept; other geometry types are ignored. The area ID is
// derived from the document bytes.
func FromGeoJSON(data []byte) (*Area, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("invalid GeoJSON: %w", err)
	}

	name := "upload"
	var geoms []orb.Geometry
	switch head.Type {
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return nil, fmt.Errorf("invalid GeoJSON feature collection: %w", err)
		}
		for _, f := range fc.Features {
			geoms = append(geoms, f.Geometry)
		}
		if len(fc.Features) > 0 {
			name = featureName(fc.Features[0], name)
		}
	case "Feature":
		f, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return nil, fmt.Errorf("invalid GeoJSON feature: %w", err)
		}
		geoms = append(geoms, f.Geometry)
		name = featureName(f, name)
	default:
		g, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return nil, fmt.Errorf("invalid GeoJSON geometry: %w", err)
		}
		geoms = append(geoms, g.Geometry())
	}

	mp, err := polygons(geoms)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(data)
	bound := mp.Bound()
	return &Area{
		ID:       string(Upload) + ":" + hex.EncodeToString(sum[:6]),
		Name:     name,
		Kind:     Upload,
		Bounds:   &bound,
		Geometry: Geometry(mp),
	}, nil
}

func polygons(geoms []orb.Geometry) (orb.MultiPolygon, error) {
	var mp orb.MultiPolygon
	for _, g := range geoms {
		switch g := g.(type) {
		case orb.Polygon:
			mp = append(mp, g)
		case orb.MultiPolygon:
			mp = append(mp, g...)
		}
	}
	if len(mp) == 0 {
		return nil, errNoPolygon
	}
	for i, p := range mp {
		if len(p) == 0 {
			return nil, fmt.Errorf("polygon %d has no rings", i)
		}
		for j, r := range p {
			if len(r) < 4 || !r.Closed() {
				return nil, fmt.Errorf("polygon %d ring %d must be closed with at least 4 positions", i, j)
			}
		}
	}
	return mp, nil
}

func featureName(f *geojson.Feature, fallback string) string {
	if f == nil {
		return fallback
	}
	for _, key := range []string{"name", "NAME", "ADM2_NAME"} {
		if s, ok := f.Properties[key].(string); ok && s != "" {
			return s
		}
	}
	return fallback
}
