package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/rewired-gh/landview/internal/aoi"
	"github.com/rewired-gh/landview/internal/engine"
	"github.com/rewired-gh/landview/internal/graph"
	"github.com/rewired-gh/landview/internal/models"
)

// classBand is the band name of every classified image
const classBand = "classification"

// AreaStatistics sums the pixels of every legend class inside area. All
// classes are reduced in one engine round trip.
func (p *Pipeline) AreaStatistics(ctx context.Context, raster *models.ClassifiedRaster, area *aoi.Area) (*models.AreaStats, error) {
	stats, err := p.areaStatistics(ctx, raster, area)
	p.finish(ActionStats, err)
	return stats, err
}

func (p *Pipeline) areaStatistics(ctx context.Context, raster *models.ClassifiedRaster, area *aoi.Area) (*models.AreaStats, error) {
	if err := checkArea(area, raster.AreaID()); err != nil {
		return nil, err
	}

	codes := p.catalog.Legend.Codes()
	raw, err := p.RawClassAreas(ctx, raster.Image, area, codes)
	if err != nil {
		return nil, err
	}

	classes := models.Coerce(raw, p.catalog.Legend.Names(), p.opts.Scale)
	stats := &models.AreaStats{
		Fingerprint: raster.Fingerprint,
		Scale:       p.opts.Scale,
		Classes:     classes,
		ComputedAt:  p.now(),
	}
	for _, c := range classes {
		stats.TotalHectares += c.Hectares
	}
	if err := stats.Validate(); err != nil {
		return nil, fmt.Errorf("invalid statistics: %w", err)
	}
	return stats, nil
}

// RawClassAreas returns the engine's per-class pixel sums for codes, keeping
// null results distinct from zero
func (p *Pipeline) RawClassAreas(ctx context.Context, image graph.Value, area *aoi.Area, codes []int) ([]models.RawClassArea, error) {
	entries := make(graph.Args, len(codes))
	for _, code := range codes {
		mask := engine.Eq(image, float64(code))
		entries[strconv.Itoa(code)] = engine.Get(engine.SumRegion(mask, area.Geometry, p.opts.Scale), classBand)
	}

	v, err := p.engine.Compute(ctx, graph.Dict(entries))
	if err != nil {
		return nil, fmt.Errorf("class areas: %w", err)
	}
	dict, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: class areas: expected dictionary, got %T", models.ErrRemoteEngine, v)
	}

	raw := make([]models.RawClassArea, len(codes))
	for i, code := range codes {
		raw[i] = models.RawClassArea{Code: code}
		val, present := dict[strconv.Itoa(code)]
		if !present || val == nil {
			continue
		}
		n, ok := engine.Number(val)
		if !ok {
			return nil, fmt.Errorf("%w: class %d: expected number, got %T", models.ErrRemoteEngine, code, val)
		}
		raw[i].Pixels = &n
	}
	return raw, nil
}

// checkArea rejects an area that is not the one a raster was clipped to
func checkArea(area *aoi.Area, areaID string) error {
	if area == nil {
		return errors.New("area of interest is required")
	}
	if area.ID != areaID {
		return fmt.Errorf("%w: raster covers %s, request covers %s", models.ErrGeometryMismatch, areaID, area.ID)
	}
	return nil
}
