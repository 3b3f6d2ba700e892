package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/rewired-gh/landview/internal/aoi"
	"github.com/rewired-gh/landview/internal/engine"
	"github.com/rewired-gh/landview/internal/graph"
	"github.com/rewired-gh/landview/internal/logger"
	"github.com/rewired-gh/landview/internal/models"
)

// ChangeBand is the band name of a signed-difference change raster
const ChangeBand = "forest_change"

// ChangeRequest compares the forest cover of two classified rasters
type ChangeRequest struct {
	From *models.ClassifiedRaster
	To   *models.ClassifiedRaster
	Mode models.ChangeMode
	Area *aoi.Area
}

// Change derives a forest change raster. Binary loss is 1 where forest
// existed in From and not in To. Signed difference is forest(To) minus
// forest(From) and comes with a forest pixel summary.
func (p *Pipeline) Change(ctx context.Context, req ChangeRequest) (*models.ChangeRaster, error) {
	change, err := p.change(ctx, req)
	p.finish(ActionChange, err)
	return change, err
}

func (p *Pipeline) change(ctx context.Context, req ChangeRequest) (*models.ChangeRaster, error) {
	if req.From == nil || req.To == nil {
		return nil, errors.New("both rasters are required")
	}
	if req.From.AreaID() != req.To.AreaID() {
		return nil, fmt.Errorf("%w: %s vs %s", models.ErrGeometryMismatch, req.From.AreaID(), req.To.AreaID())
	}
	if err := checkArea(req.Area, req.From.AreaID()); err != nil {
		return nil, err
	}

	forestCode := float64(p.catalog.Legend.ForestCode)
	forestFrom := engine.Eq(req.From.Image, forestCode)
	forestTo := engine.Eq(req.To.Image, forestCode)

	var image graph.Value
	var summary *models.ForestSummary
	switch req.Mode {
	case models.BinaryLoss:
		image = engine.And(forestFrom, engine.Not(forestTo))
	case models.SignedDifference:
		image = engine.Rename(engine.Subtract(forestTo, forestFrom), ChangeBand)
		s, err := p.forestSummary(ctx, forestFrom, forestTo, req.Area)
		if err != nil {
			return nil, err
		}
		summary = &s
	default:
		return nil, fmt.Errorf("unknown change mode %q", req.Mode)
	}

	c := &models.ChangeRaster{
		ID: uuid.New().String(),
		Key: models.ChangeKey{
			FromYear:   req.From.Year(),
			ToYear:     req.To.Year(),
			Mode:       req.Mode,
			Classifier: req.To.Fingerprint.Classifier,
			AreaID:     req.From.AreaID(),
		},
		From:       req.From.Fingerprint,
		To:         req.To.Fingerprint,
		ForestCode: p.catalog.Legend.ForestCode,
		Image:      image,
		Summary:    summary,
		CreatedAt:  p.now(),
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	if summary != nil {
		logger.Info("Forest change %d-%d over %s: %s", c.Key.FromYear, c.Key.ToYear, req.Area.Name, summary.Description)
	}
	return c, nil
}

// forestSummary counts forest pixels at both ends in one round trip
func (p *Pipeline) forestSummary(ctx context.Context, forestFrom, forestTo graph.Value, area *aoi.Area) (models.ForestSummary, error) {
	v, err := p.engine.Compute(ctx, graph.Dict(graph.Args{
		"initial": engine.Get(engine.SumRegion(forestFrom, area.Geometry, p.opts.Scale), classBand),
		"final":   engine.Get(engine.SumRegion(forestTo, area.Geometry, p.opts.Scale), classBand),
	}))
	if err != nil {
		return models.ForestSummary{}, fmt.Errorf("forest summary: %w", err)
	}
	dict, ok := v.(map[string]any)
	if !ok {
		return models.ForestSummary{}, fmt.Errorf("%w: forest summary: expected dictionary, got %T", models.ErrRemoteEngine, v)
	}
	return models.NewForestSummary(number(dict["initial"]), number(dict["final"])), nil
}

// ChangePixels sums a change raster over area. Binary loss rasters count lost
// pixels; signed rasters yield the net change.
func (p *Pipeline) ChangePixels(ctx context.Context, change *models.ChangeRaster, area *aoi.Area) (float64, error) {
	if err := checkArea(area, change.Key.AreaID); err != nil {
		return 0, err
	}
	band := classBand
	if change.Key.Mode == models.SignedDifference {
		band = ChangeBand
	}
	v, err := p.engine.Compute(ctx, engine.Get(engine.SumRegion(change.Image, area.Geometry, p.opts.Scale), band))
	if err != nil {
		return 0, fmt.Errorf("change pixels: %w", err)
	}
	return models.CoerceZero(number(v)), nil
}

func number(v any) *float64 {
	n, ok := engine.Number(v)
	if !ok {
		return nil
	}
	return &n
}
