package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/rewired-gh/landview/internal/aoi"
	"github.com/rewired-gh/landview/internal/engine"
	"github.com/rewired-gh/landview/internal/graph"
	"github.com/rewired-gh/landview/internal/logger"
	"github.com/rewired-gh/landview/internal/models"
	"github.com/rewired-gh/landview/internal/sensor"
)

// Composite builds the cloud-masked median composite of year over area.
// It checks with the engine that the year has at least one scene.
func (p *Pipeline) Composite(ctx context.Context, era sensor.Era, year int, area *aoi.Area) (graph.Value, error) {
	start, end := yearRange(year)
	scenes := engine.FilterDate(engine.LoadCollection(era.Collection), start, end)

	v, err := p.engine.Compute(ctx, engine.Size(scenes))
	if err != nil {
		return graph.Value{}, fmt.Errorf("%w: %s %d: %w", models.ErrCompositeUnavailable, era.Sensor, year, err)
	}
	n, ok := engine.Number(v)
	if !ok || n < 1 {
		return graph.Value{}, fmt.Errorf("%w: no %s scenes in %d", models.ErrCompositeUnavailable, era.Label, year)
	}
	logger.Debug("Composite %d: %d %s scenes", year, int(n), era.Label)

	masked := engine.Map(scenes, era.Mask.Mapper())
	return engine.Clip(engine.Median(masked), area.Geometry), nil
}

// ClassifyRequest asks for the land-cover classification of one year
type ClassifyRequest struct {
	Year       int
	Classifier models.ClassifierSpec
	Area       *aoi.Area
}

// ResolveClassifier fills in the configured forest size and the defaults of
// spec. Classified rasters carry the resolved spec.
func (p *Pipeline) ResolveClassifier(spec models.ClassifierSpec) models.ClassifierSpec {
	if spec.Kind == models.RandomForest && spec.Trees == 0 {
		spec.Trees = p.opts.Trees
	}
	return spec.WithDefaults()
}

// Classify trains the requested classifier on the year's samples and applies
// it to the year's composite. Concurrent identical requests share one run.
func (p *Pipeline) Classify(ctx context.Context, req ClassifyRequest) (*models.ClassifiedRaster, error) {
	raster, err := p.classify(ctx, req)
	p.finish(ActionClassify, err)
	return raster, err
}

func (p *Pipeline) classify(ctx context.Context, req ClassifyRequest) (*models.ClassifiedRaster, error) {
	if req.Area == nil {
		return nil, errors.New("area of interest is required")
	}
	spec := p.ResolveClassifier(req.Classifier)
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	era, err := p.selector.Select(req.Year)
	if err != nil {
		return nil, err
	}
	// resolve samples before talking to the engine
	table, err := p.catalog.Lookup(req.Year)
	if err != nil {
		return nil, err
	}

	fp := models.Fingerprint{Year: req.Year, Classifier: spec.Kind, AreaID: req.Area.ID}
	key := fp.String() + "|" + strconv.Itoa(spec.Trees)

	v, err, shared := p.group.Do(key, func() (any, error) {
		composite, err := p.Composite(ctx, era, req.Year, req.Area)
		if err != nil {
			return nil, err
		}

		image := engine.Select(composite, era.Bands...)
		training := engine.SampleRegions(image, engine.LoadTable(table.ID), []string{table.ClassProperty}, p.opts.Scale)
		trained := engine.Train(classifierNode(spec), training, table.ClassProperty, era.Bands)

		raster := &models.ClassifiedRaster{
			ID:          uuid.New().String(),
			Fingerprint: fp,
			Classifier:  spec,
			Sensor:      era.Sensor,
			Bands:       append([]string(nil), era.Bands...),
			ClassCodes:  p.catalog.Legend.Codes(),
			Image:       engine.Classify(image, trained),
			CreatedAt:   p.now(),
		}
		if err := raster.Validate(); err != nil {
			return nil, fmt.Errorf("invalid classification: %w", err)
		}
		return raster, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		logger.Debug("Classification %s shared with a concurrent request", fp)
	}
	logger.Info("Classified %d with %s over %s (%s)", req.Year, spec.Kind.Label(), req.Area.Name, era.Label)
	return v.(*models.ClassifiedRaster), nil
}

func classifierNode(spec models.ClassifierSpec) graph.Value {
	switch spec.Kind {
	case models.SVM:
		return engine.SVM()
	case models.CART:
		return engine.CART()
	}
	return engine.RandomForest(spec.Trees)
}
