package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/rewired-gh/landview/internal/aoi"
	"github.com/rewired-gh/landview/internal/graph"
	"github.com/rewired-gh/landview/internal/logger"
	"github.com/rewired-gh/landview/internal/models"
	"github.com/rewired-gh/landview/internal/pipeline"
	"github.com/rewired-gh/landview/internal/sensor"
	"github.com/rewired-gh/landview/internal/session"
)

// Map view defaults of the dashboard
var (
	MapCenter = [2]float64{-0.436959, 36.957951} // lat, lon
	MapZoom   = 10
)

// Export kinds
const (
	ExportLULC   = "lulc"
	ExportChange = "change"
)

type areaRef struct {
	Area        string          `json:"area"`
	AreaGeoJSON json.RawMessage `json:"area_geojson,omitempty"`
}

type classifyRequest struct {
	areaRef
	Year       int    `json:"year"`
	Classifier string `json:"classifier"`
	Trees      int    `json:"trees"`
}

type classifyResponse struct {
	Fingerprint string                   `json:"fingerprint"`
	Raster      *models.ClassifiedRaster `json:"raster"`
	Area        *aoi.Area                `json:"area"`
}

type changeRequest struct {
	areaRef
	StartYear  int    `json:"start_year"`
	EndYear    int    `json:"end_year"`
	Classifier string `json:"classifier"`
	Trees      int    `json:"trees"`
	Mode       string `json:"mode"`
}

type changeResponse struct {
	Fingerprint string               `json:"fingerprint"`
	Change      *models.ChangeRaster `json:"change"`
	LossPixels  *float64             `json:"loss_pixels,omitempty"` // binary loss only
	Area        *aoi.Area            `json:"area"`
}

type seriesRequest struct {
	areaRef
	StartYear  int    `json:"start_year"`
	EndYear    int    `json:"end_year"`
	Step       int    `json:"step"`
	Classifier string `json:"classifier"`
	Trees      int    `json:"trees"`
	ClassCode  *int   `json:"class_code"`
}

type yearFailure struct {
	Year  int    `json:"year"`
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

type seriesResponse struct {
	Series *models.Series `json:"series"`
	Errors []yearFailure  `json:"errors"`
}

type exportRequest struct {
	Kind        string `json:"kind"`
	Fingerprint string `json:"fingerprint"`
	Filename    string `json:"filename"`
}

type sessionResponse struct {
	SessionID string           `json:"session_id"`
	Results   []session.Record `json:"results"`
}

type resetResponse struct {
	SessionID string `json:"session_id"`
	Removed   int64  `json:"removed"`
}

func (s *Server) eras(c echo.Context) error {
	return c.JSON(http.StatusOK, sensor.Eras())
}

func (s *Server) legend(c echo.Context) error {
	legend := s.pipeline.Legend()
	return c.JSON(http.StatusOK, map[string]any{
		"forest_code": legend.ForestCode,
		"classes":     legend.Classes,
		"change":      legend.Change,
		"map": map[string]any{
			"center": MapCenter,
			"zoom":   MapZoom,
		},
	})
}

func (s *Server) listAreas(c echo.Context) error {
	return c.JSON(http.StatusOK, s.resolver.Areas())
}

func (s *Server) uploadArea(c echo.Context) error {
	data, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return fail(c, badRequest("failed to read area upload: %v", err))
	}
	area, err := aoi.FromGeoJSON(data)
	if err != nil {
		return fail(c, badRequest("invalid GeoJSON area: %v", err))
	}
	s.resolver.Register(area)
	return c.JSON(http.StatusCreated, area)
}

func (s *Server) classify(c echo.Context) error {
	var req classifyRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, badRequest("invalid classify request: %v", err))
	}
	if req.Year == 0 {
		return fail(c, badRequest("year is required"))
	}
	spec, err := s.classifierSpec(req.Classifier, req.Trees)
	if err != nil {
		return fail(c, err)
	}

	ctx := c.Request().Context()
	area, err := s.area(ctx, req.areaRef)
	if err != nil {
		return fail(c, err)
	}

	raster, err := s.pipeline.Classify(ctx, pipeline.ClassifyRequest{Year: req.Year, Classifier: spec, Area: area})
	if err != nil {
		return fail(c, err)
	}
	if err := s.store.PutClassification(ctx, sessionID(c), raster); err != nil {
		return fail(c, err)
	}

	return c.JSON(http.StatusOK, classifyResponse{
		Fingerprint: raster.Fingerprint.String(),
		Raster:      raster,
		Area:        area,
	})
}

func (s *Server) stats(c echo.Context) error {
	year, err := strconv.Atoi(c.QueryParam("year"))
	if err != nil {
		return fail(c, badRequest("year must be an integer"))
	}
	spec, err := s.classifierSpec(c.QueryParam("classifier"), 0)
	if err != nil {
		return fail(c, err)
	}

	ctx := c.Request().Context()
	area, err := s.area(ctx, areaRef{Area: c.QueryParam("area")})
	if err != nil {
		return fail(c, err)
	}

	fp := models.Fingerprint{Year: year, Classifier: spec.Kind, AreaID: area.ID}
	raster, err := s.store.Classification(ctx, sessionID(c), fp)
	if err != nil {
		return fail(c, fmt.Errorf("classify %s first: %w", fp, err))
	}

	stats, err := s.pipeline.AreaStatistics(ctx, raster, area)
	if err != nil {
		return fail(c, err)
	}
	if err := s.store.PutStats(ctx, sessionID(c), stats); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) change(c echo.Context) error {
	var req changeRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, badRequest("invalid change request: %v", err))
	}
	if req.StartYear == 0 || req.EndYear == 0 {
		return fail(c, badRequest("start_year and end_year are required"))
	}
	mode, err := models.ParseChangeMode(req.Mode)
	if err != nil {
		return fail(c, badRequest("%v", err))
	}
	spec, err := s.classifierSpec(req.Classifier, req.Trees)
	if err != nil {
		return fail(c, err)
	}

	ctx := c.Request().Context()
	area, err := s.area(ctx, req.areaRef)
	if err != nil {
		return fail(c, err)
	}

	from, err := s.classification(ctx, sessionID(c), req.StartYear, spec, area)
	if err != nil {
		return fail(c, err)
	}
	to, err := s.classification(ctx, sessionID(c), req.EndYear, spec, area)
	if err != nil {
		return fail(c, err)
	}

	change, err := s.pipeline.Change(ctx, pipeline.ChangeRequest{From: from, To: to, Mode: mode, Area: area})
	if err != nil {
		return fail(c, err)
	}

	resp := changeResponse{Fingerprint: change.Key.String(), Change: change, Area: area}
	if mode == models.BinaryLoss {
		lost, err := s.pipeline.ChangePixels(ctx, change, area)
		if err != nil {
			return fail(c, err)
		}
		resp.LossPixels = &lost
	}

	if err := s.store.PutChange(ctx, sessionID(c), change); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) series(c echo.Context) error {
	var req seriesRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, badRequest("invalid series request: %v", err))
	}
	if req.StartYear == 0 || req.EndYear == 0 {
		return fail(c, badRequest("start_year and end_year are required"))
	}
	if req.StartYear > req.EndYear {
		return fail(c, badRequest("start_year %d is after end_year %d", req.StartYear, req.EndYear))
	}
	if req.Step < 0 {
		return fail(c, badRequest("step must not be negative"))
	}
	step := max(req.Step, 1)
	if n := pipeline.SeriesLength(req.StartYear, req.EndYear, step); n > pipeline.MaxSeriesPoints {
		return fail(c, badRequest("series of %d points exceeds the limit of %d", n, pipeline.MaxSeriesPoints))
	}
	legend := s.pipeline.Legend()
	code := legend.ForestCode
	if req.ClassCode != nil {
		code = *req.ClassCode
	}
	if !legend.Has(code) {
		return fail(c, badRequest("class code %d is not in the legend", code))
	}
	spec, err := s.classifierSpec(req.Classifier, req.Trees)
	if err != nil {
		return fail(c, err)
	}

	ctx := c.Request().Context()
	area, err := s.area(ctx, req.areaRef)
	if err != nil {
		return fail(c, err)
	}

	series, yearErrors, err := s.pipeline.Series(ctx, pipeline.SeriesRequest{
		From:       req.StartYear,
		To:         req.EndYear,
		Step:       req.Step,
		Classifier: spec,
		ClassCode:  code,
		Area:       area,
	})
	if err != nil {
		return fail(c, err)
	}

	key := session.SeriesKey(series, req.StartYear, req.EndYear, req.Step)
	if err := s.store.PutSeries(ctx, sessionID(c), key, series); err != nil {
		return fail(c, err)
	}

	resp := seriesResponse{Series: series, Errors: make([]yearFailure, 0, len(yearErrors))}
	for _, ye := range yearErrors {
		resp.Errors = append(resp.Errors, yearFailure{Year: ye.Year, Error: ye.Err.Error(), Kind: models.Kind(ye.Err)})
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) export(c echo.Context) error {
	var req exportRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, badRequest("invalid export request: %v", err))
	}
	if req.Fingerprint == "" {
		return fail(c, badRequest("fingerprint is required"))
	}

	ctx := c.Request().Context()
	sid := sessionID(c)

	var areaID, filename string
	var image graph.Value
	switch req.Kind {
	case ExportLULC, "":
		var raster models.ClassifiedRaster
		if err := s.store.Get(ctx, sid, session.KindClassification, req.Fingerprint, &raster); err != nil {
			return fail(c, err)
		}
		areaID, image = raster.AreaID(), raster.Image
		filename = fmt.Sprintf("LULC_%d", raster.Year())
	case ExportChange:
		var change models.ChangeRaster
		if err := s.store.Get(ctx, sid, session.KindChange, req.Fingerprint, &change); err != nil {
			return fail(c, err)
		}
		areaID, image = change.Key.AreaID, change.Image
		filename = fmt.Sprintf("Forest_Change_%d_to_%d", change.Key.FromYear, change.Key.ToYear)
	default:
		return fail(c, badRequest("unknown export kind %q", req.Kind))
	}
	if req.Filename != "" {
		filename = req.Filename
	}
	if _, err := pipeline.ExportFilename(filename); err != nil {
		return fail(c, badRequest("%v", err))
	}

	area, err := s.resolver.Resolve(ctx, areaID)
	if err != nil {
		return fail(c, fmt.Errorf("resolve area %s: %w", areaID, err))
	}

	job, err := s.pipeline.Export(ctx, image, filename, area)
	if err != nil {
		return fail(c, err)
	}
	if err := s.store.PutExport(ctx, sid, job); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusAccepted, job)
}

func (s *Server) getSession(c echo.Context) error {
	records, err := s.store.List(c.Request().Context(), sessionID(c))
	if err != nil {
		return fail(c, err)
	}
	if records == nil {
		records = []session.Record{}
	}
	return c.JSON(http.StatusOK, sessionResponse{SessionID: sessionID(c), Results: records})
}

func (s *Server) resetSession(c echo.Context) error {
	n, err := s.store.Reset(c.Request().Context(), sessionID(c))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, resetResponse{SessionID: sessionID(c), Removed: n})
}

// classification returns the session's stored raster for the request, or
// classifies and stores it. A stored raster trained with other parameters
// is replaced.
func (s *Server) classification(ctx context.Context, sid string, year int, spec models.ClassifierSpec, area *aoi.Area) (*models.ClassifiedRaster, error) {
	fp := models.Fingerprint{Year: year, Classifier: spec.Kind, AreaID: area.ID}
	raster, err := s.store.Classification(ctx, sid, fp)
	switch {
	case err == nil:
		if raster.Classifier == s.pipeline.ResolveClassifier(spec) {
			return raster, nil
		}
		logger.Debug("Stored classification %s was trained with %d trees, reclassifying", fp, raster.Classifier.Trees)
	case !errors.Is(err, session.ErrNotFound):
		return nil, err
	}

	raster, err = s.pipeline.Classify(ctx, pipeline.ClassifyRequest{Year: year, Classifier: spec, Area: area})
	if err != nil {
		return nil, err
	}
	if err := s.store.PutClassification(ctx, sid, raster); err != nil {
		return nil, err
	}
	return raster, nil
}

func (s *Server) classifierSpec(name string, trees int) (models.ClassifierSpec, error) {
	kind := s.opts.DefaultClassifier
	if name != "" {
		var err error
		if kind, err = models.ParseClassifierKind(name); err != nil {
			return models.ClassifierSpec{}, err
		}
	}
	if trees < 0 {
		return models.ClassifierSpec{}, fmt.Errorf("%w: trees must not be negative", models.ErrInvalidClassifier)
	}
	return models.ClassifierSpec{Kind: kind, Trees: trees}, nil
}

// area resolves an inline GeoJSON upload or an area reference
func (s *Server) area(ctx context.Context, ref areaRef) (*aoi.Area, error) {
	if len(ref.AreaGeoJSON) > 0 && string(ref.AreaGeoJSON) != "null" {
		area, err := aoi.FromGeoJSON(ref.AreaGeoJSON)
		if err != nil {
			return nil, badRequest("invalid GeoJSON area: %v", err)
		}
		s.resolver.Register(area)
		return area, nil
	}

	name := ref.Area
	if name == "" {
		name = s.opts.DefaultArea
	}
	kind, _, err := aoi.ParseRef(name)
	if err != nil {
		return nil, badRequest("%v", err)
	}
	area, err := s.resolver.Resolve(ctx, name)
	if err != nil {
		if kind == aoi.Upload {
			return nil, badRequest("%v", err)
		}
		return nil, fmt.Errorf("resolve area %s: %w", name, err)
	}
	return area, nil
}
