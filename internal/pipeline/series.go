package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/rewired-gh/landview/internal/aoi"
	"github.com/rewired-gh/landview/internal/engine"
	"github.com/rewired-gh/landview/internal/logger"
	"github.com/rewired-gh/landview/internal/models"
)

// MaxSeriesPoints bounds the number of years one series may classify
const MaxSeriesPoints = 200

// SeriesRequest asks for the area of one class over a range of years
type SeriesRequest struct {
	From       int
	To         int
	Step       int // 0 means every year
	Classifier models.ClassifierSpec
	ClassCode  int
	Area       *aoi.Area
}

// Series classifies every year of the range in order and reduces the area of
// the requested class. A year that fails contributes a zero point carrying
// the error text and the run moves on; the per-year errors are returned
// alongside the series. Only invalid requests and cancellation are fatal.
func (p *Pipeline) Series(ctx context.Context, req SeriesRequest) (*models.Series, []models.YearError, error) {
	series, yearErrors, err := p.series(ctx, req)
	if err == nil && len(yearErrors) > 0 {
		// failed years were reported by their own classify runs
		p.record(ActionSeries, yearErrors[0])
	} else {
		p.finish(ActionSeries, err)
	}
	return series, yearErrors, err
}

// SeriesLength is the number of points a series from..to every step years
// produces. It does not overflow for any from <= to and step > 0.
func SeriesLength(from, to, step int) uint64 {
	if step <= 0 || from > to {
		return 0
	}
	return span(from, to)/uint64(step) + 1
}

// span is to - from for from <= to, computed without overflow
func span(from, to int) uint64 {
	return uint64(to) - uint64(from)
}

func (p *Pipeline) series(ctx context.Context, req SeriesRequest) (*models.Series, []models.YearError, error) {
	if req.Area == nil {
		return nil, nil, errors.New("area of interest is required")
	}
	if req.From > req.To {
		return nil, nil, fmt.Errorf("start year %d is after end year %d", req.From, req.To)
	}
	if req.Step < 0 {
		return nil, nil, fmt.Errorf("step must not be negative, got %d", req.Step)
	}
	step := req.Step
	if step == 0 {
		step = 1
	}
	for _, year := range []int{req.From, req.To} {
		if _, err := p.selector.Select(year); err != nil {
			return nil, nil, err
		}
	}
	if n := SeriesLength(req.From, req.To, step); n > MaxSeriesPoints {
		return nil, nil, fmt.Errorf("series of %d points exceeds the limit of %d", n, MaxSeriesPoints)
	}
	if err := req.Classifier.Kind.Validate(); err != nil {
		return nil, nil, err
	}
	if !p.catalog.Legend.Has(req.ClassCode) {
		return nil, nil, fmt.Errorf("class code %d is not in the legend", req.ClassCode)
	}

	series := &models.Series{
		Classifier: req.Classifier.Kind,
		ClassCode:  req.ClassCode,
		ClassName:  p.catalog.Legend.Name(req.ClassCode),
		AreaID:     req.Area.ID,
	}
	var yearErrors []models.YearError

	for year := req.From; ; year += step {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		hectares, err := p.classHectares(ctx, year, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			logger.Warn("Series year %d failed: %v", year, err)
			yearErrors = append(yearErrors, models.YearError{Year: year, Err: err})
			series.Points = append(series.Points, models.SeriesPoint{Year: year, Err: err.Error()})
		} else {
			series.Points = append(series.Points, models.SeriesPoint{Year: year, Hectares: hectares})
		}

		// year + step would pass To
		if span(year, req.To) < uint64(step) {
			break
		}
	}

	logger.Info("Series %d-%d of %s over %s: %d points, %d failed",
		req.From, req.To, series.ClassName, req.Area.Name, len(series.Points), len(yearErrors))
	return series, yearErrors, nil
}

func (p *Pipeline) classHectares(ctx context.Context, year int, req SeriesRequest) (float64, error) {
	raster, err := p.Classify(ctx, ClassifyRequest{Year: year, Classifier: req.Classifier, Area: req.Area})
	if err != nil {
		return 0, err
	}

	mask := engine.Eq(raster.Image, float64(req.ClassCode))
	v, err := p.engine.Compute(ctx, engine.Get(engine.SumRegion(mask, req.Area.Geometry, p.opts.Scale), classBand))
	if err != nil {
		return 0, fmt.Errorf("class area: %w", err)
	}
	return models.PixelHectares(models.CoerceZero(number(v)), p.opts.Scale), nil
}
