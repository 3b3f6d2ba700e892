package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/rewired-gh/landview/internal/aoi"
	"github.com/rewired-gh/landview/internal/engine"
	"github.com/rewired-gh/landview/internal/graph"
	"github.com/rewired-gh/landview/internal/metrics"
	"github.com/rewired-gh/landview/internal/models"
	"github.com/rewired-gh/landview/internal/pipeline"
	"github.com/rewired-gh/landview/internal/samples"
	"github.com/rewired-gh/landview/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// the go-cache janitor only stops when its cache is garbage collected
		goleak.IgnoreTopFunction("github.com/patrickmn/go-cache.(*janitor).Run"),
	)
}

const gridSize = 20

type testEnv struct {
	server *Server
	local  *engine.Local
	engine *failingEngine
}

// failingEngine fails every compute whose graph calls function
type failingEngine struct {
	*engine.Local
	function string
}

func (e *failingEngine) Compute(ctx context.Context, v graph.Value) (any, error) {
	if e.function != "" && v.Calls(e.function) {
		return nil, fmt.Errorf("%w: %s is unavailable", models.ErrRemoteEngine, e.function)
	}
	return e.Local.Compute(ctx, v)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	catalog := &samples.Catalog{
		ClassProperty: samples.DefaultClassProperty,
		Tables:        make(map[int]string),
		Legend:        samples.DefaultLegend(),
	}
	tables := make(map[string]int)
	for _, year := range []int{2010, 2015, 2020, 2025} {
		id := fmt.Sprintf("samples/%d", year)
		catalog.Tables[year] = id
		tables[id] = year
	}

	local := engine.NewLocal(engine.NewScene(engine.SceneOptions{
		Width:     gridSize,
		Height:    gridSize,
		FirstYear: 2008,
		LastYear:  2024,
		Tables:    tables,
	}), t.TempDir(), nil)
	t.Cleanup(local.Wait)

	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)

	store, err := session.Open(session.DriverSQLite, ":memory:", time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	eng := &failingEngine{Local: local}
	p := pipeline.New(eng, catalog, pipeline.Options{}, m)
	return &testEnv{
		server: New(Options{
			Pipeline: p,
			Resolver: aoi.NewResolver(aoi.Options{}),
			Store:    store,
			Metrics:  m,
		}),
		local:  local,
		engine: eng,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, sid string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if sid != "" {
		req.Header.Set(HeaderSessionID, sid)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestSessionHeader(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/eras", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	generated := rec.Header().Get(HeaderSessionID)
	assert.Len(t, generated, 36, "expected a generated uuid")

	rec = env.do(t, http.MethodGet, "/api/v1/eras", nil, "my-session")
	assert.Equal(t, "my-session", rec.Header().Get(HeaderSessionID))

	eras := decode[[]map[string]any](t, rec)
	assert.Len(t, eras, 3)
}

func TestLegend(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/legend", nil, "s1")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		ForestCode int             `json:"forest_code"`
		Classes    []samples.Class `json:"classes"`
		Change     []samples.Class `json:"change"`
		Map        struct {
			Center [2]float64 `json:"center"`
			Zoom   int        `json:"zoom"`
		} `json:"map"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 0, body.ForestCode)
	assert.Len(t, body.Classes, 4)
	assert.Len(t, body.Change, 3)
	assert.Equal(t, 10, body.Map.Zoom)
	assert.InDelta(t, 36.957951, body.Map.Center[1], 1e-9)
}

func TestClassifyStatsExportFlow(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/classify",
		map[string]any{"year": 2015, "classifier": "Random Forest", "area": "Nyeri"}, "s1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	classified := decode[classifyResponse](t, rec)
	assert.Equal(t, "2015|random_forest|gaul:Nyeri", classified.Fingerprint)
	assert.Equal(t, "gaul:Nyeri", classified.Area.ID)
	assert.Equal(t, models.DefaultTrees, classified.Raster.Classifier.Trees)

	rec = env.do(t, http.MethodGet, "/api/v1/stats?year=2015&classifier=rf&area=Nyeri", nil, "s1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	stats := decode[models.AreaStats](t, rec)
	require.Len(t, stats.Classes, 4)
	gridHectares := models.PixelHectares(gridSize*gridSize, pipeline.DefaultScale)
	assert.Greater(t, stats.TotalHectares, 0.0)
	assert.LessOrEqual(t, stats.TotalHectares, gridHectares+1e-9)
	assert.Greater(t, stats.Hectares(0), 0.0, "forest should be present")

	rec = env.do(t, http.MethodPost, "/api/v1/export",
		map[string]any{"kind": "lulc", "fingerprint": classified.Fingerprint}, "s1")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	job := decode[models.ExportJob](t, rec)
	assert.Equal(t, "LULC_2015.tif", job.Filename)
	require.Len(t, env.local.Jobs(), 1)

	rec = env.do(t, http.MethodGet, "/api/v1/session", nil, "s1")
	require.Equal(t, http.StatusOK, rec.Code)
	stored := decode[sessionResponse](t, rec)
	assert.Equal(t, "s1", stored.SessionID)
	require.Len(t, stored.Results, 3)
	assert.Equal(t, session.KindClassification, stored.Results[0].Kind)

	rec = env.do(t, http.MethodDelete, "/api/v1/session", nil, "s1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(3), decode[resetResponse](t, rec).Removed)

	rec = env.do(t, http.MethodGet, "/api/v1/session", nil, "s1")
	assert.Empty(t, decode[sessionResponse](t, rec).Results)
}

func TestStatsRequiresClassification(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/stats?year=2015&area=Nyeri", nil, "s1")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, kindNotFound, decode[ErrorResponse](t, rec).Kind)
}

func TestSessionsDoNotShareResults(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/classify", map[string]any{"year": 2015}, "a")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/v1/stats?year=2015", nil, "b")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClassifyErrors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		body   any
		status int
		kind   string
	}{
		{"unsupported year", map[string]any{"year": 1970}, http.StatusBadRequest, "UnsupportedYear"},
		{"unknown classifier", map[string]any{"year": 2015, "classifier": "knn"}, http.StatusBadRequest, "InvalidClassifier"},
		{"negative trees", map[string]any{"year": 2015, "trees": -1}, http.StatusBadRequest, "InvalidClassifier"},
		{"no samples", map[string]any{"year": 2012}, http.StatusBadRequest, "NoTrainingData"},
		{"no imagery", map[string]any{"year": 2025}, http.StatusBadGateway, "CompositeUnavailable"},
		{"missing year", map[string]any{"classifier": "svm"}, http.StatusBadRequest, kindBadRequest},
		{"malformed body", `{"year":`, http.StatusBadRequest, kindBadRequest},
		{"unknown area kind", map[string]any{"year": 2015, "area": "wkt:POINT"}, http.StatusBadRequest, kindBadRequest},
		{"unknown upload", map[string]any{"year": 2015, "area": "upload:deadbeef"}, http.StatusBadRequest, kindBadRequest},
		{"bad geojson", map[string]any{"year": 2015, "area_geojson": map[string]any{"type": "Point", "coordinates": []float64{36.9, -0.4}}}, http.StatusBadRequest, kindBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/v1/classify", tt.body, "s1")
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			resp := decode[ErrorResponse](t, rec)
			assert.Equal(t, tt.kind, resp.Kind)
			assert.NotEmpty(t, resp.Error)
		})
	}

	// failures never store partial results
	rec := env.do(t, http.MethodGet, "/api/v1/session", nil, "s1")
	assert.Empty(t, decode[sessionResponse](t, rec).Results)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		err    error
		status int
		kind   string
	}{
		{fmt.Errorf("x: %w", models.ErrUnsupportedYear), http.StatusBadRequest, "UnsupportedYear"},
		{fmt.Errorf("x: %w", models.ErrInvalidClassifier), http.StatusBadRequest, "InvalidClassifier"},
		{fmt.Errorf("x: %w", models.ErrNoTrainingData), http.StatusBadRequest, "NoTrainingData"},
		{fmt.Errorf("x: %w", models.ErrGeometryMismatch), http.StatusConflict, "GeometryMismatch"},
		{fmt.Errorf("x: %w", models.ErrCompositeUnavailable), http.StatusBadGateway, "CompositeUnavailable"},
		{fmt.Errorf("x: %w", models.ErrRemoteEngine), http.StatusBadGateway, "RemoteEngineError"},
		{fmt.Errorf("x: %w", session.ErrNotFound), http.StatusNotFound, kindNotFound},
		{badRequest("nope"), http.StatusBadRequest, kindBadRequest},
		{fmt.Errorf("plain"), http.StatusInternalServerError, kindInternal},
	}
	for _, tt := range tests {
		status, kind := classify(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
		assert.Equal(t, tt.kind, kind, tt.err.Error())
	}
}

func TestUnknownRouteUsesErrorShape(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/nope", nil, "s1")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, kindNotFound, decode[ErrorResponse](t, rec).Kind)
}

func TestChangeAndExport(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/change", map[string]any{
		"start_year": 2010, "end_year": 2020, "mode": "binary_loss", "classifier": "cart",
	}, "s1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	binary := decode[changeResponse](t, rec)
	assert.Equal(t, "2010-2020|binary_loss|cart|gaul:Nyeri", binary.Fingerprint)
	require.NotNil(t, binary.LossPixels)
	assert.Greater(t, *binary.LossPixels, 0.0)
	assert.Nil(t, binary.Change.Summary)

	rec = env.do(t, http.MethodPost, "/api/v1/change", map[string]any{
		"start_year": 2010, "end_year": 2020, "mode": "signed_difference", "classifier": "cart",
	}, "s1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	signed := decode[changeResponse](t, rec)
	require.NotNil(t, signed.Change.Summary)
	assert.Less(t, signed.Change.Summary.NetChange, int64(0))
	assert.Contains(t, signed.Change.Summary.Description, "Loss of")
	assert.Nil(t, signed.LossPixels)

	// both classifications were stored once and reused
	rec = env.do(t, http.MethodGet, "/api/v1/session", nil, "s1")
	var classifications int
	for _, r := range decode[sessionResponse](t, rec).Results {
		if r.Kind == session.KindClassification {
			classifications++
		}
	}
	assert.Equal(t, 2, classifications)

	rec = env.do(t, http.MethodPost, "/api/v1/export",
		map[string]any{"kind": "change", "fingerprint": signed.Fingerprint}, "s1")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "Forest_Change_2010_to_2020.tif", decode[models.ExportJob](t, rec).Filename)

	rec = env.do(t, http.MethodPost, "/api/v1/export",
		map[string]any{"kind": "change", "fingerprint": signed.Fingerprint, "filename": "nyeri_loss"}, "s1")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "nyeri_loss.tif", decode[models.ExportJob](t, rec).Filename)
}

func TestChangeErrors(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/change", map[string]any{"start_year": 2010, "end_year": 2020, "mode": "ratio"}, "s1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/change", map[string]any{"start_year": 2010, "end_year": 2012}, "s1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "NoTrainingData", decode[ErrorResponse](t, rec).Kind)

	rec = env.do(t, http.MethodPost, "/api/v1/export", map[string]any{"kind": "change", "fingerprint": "2010-2020|x"}, "s1")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/export", map[string]any{"kind": "ndvi", "fingerprint": "x"}, "s1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSeries(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/series", map[string]any{
		"start_year": 2010, "end_year": 2020, "step": 5, "classifier": "svm",
	}, "s1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[seriesResponse](t, rec)
	require.Len(t, resp.Series.Points, 3)
	assert.Empty(t, resp.Errors)
	assert.Equal(t, "Forest", resp.Series.ClassName)
	assert.Greater(t, resp.Series.Points[0].Hectares, resp.Series.Points[2].Hectares, "forest retreats over time")

	rec = env.do(t, http.MethodPost, "/api/v1/series", map[string]any{
		"start_year": 2010, "end_year": 2011, "class_code": 2,
	}, "s1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp = decode[seriesResponse](t, rec)
	require.Len(t, resp.Series.Points, 2)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, 2011, resp.Errors[0].Year)
	assert.Equal(t, "NoTrainingData", resp.Errors[0].Kind)
	assert.Zero(t, resp.Series.Points[1].Hectares)
	assert.NotEmpty(t, resp.Series.Points[1].Err)
}

func TestSeriesValidation(t *testing.T) {
	env := newTestEnv(t)

	for _, body := range []map[string]any{
		{"start_year": 2020, "end_year": 2010},
		{"start_year": 2010, "end_year": 2020, "step": -1},
		{"start_year": 2010, "end_year": 2020, "class_code": 9},
		{"end_year": 2020},
	} {
		rec := env.do(t, http.MethodPost, "/api/v1/series", body, "s1")
		assert.Equal(t, http.StatusBadRequest, rec.Code, "%v", body)
	}
}

func TestUploadedArea(t *testing.T) {
	env := newTestEnv(t)

	polygon := `{"type":"Feature","properties":{"name":"Study site"},"geometry":{"type":"Polygon",
		"coordinates":[[[36.5,-0.5],[36.9,-0.5],[36.9,0.1],[36.5,0.1],[36.5,-0.5]]]}}`
	rec := env.do(t, http.MethodPost, "/api/v1/areas", polygon, "s1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	area := decode[aoi.Area](t, rec)
	assert.Equal(t, aoi.Upload, area.Kind)
	assert.Equal(t, "Study site", area.Name)

	rec = env.do(t, http.MethodGet, "/api/v1/areas", nil, "s1")
	listed := decode[[]aoi.Area](t, rec)
	require.Len(t, listed, 1)
	assert.Equal(t, area.ID, listed[0].ID)

	rec = env.do(t, http.MethodPost, "/api/v1/classify", map[string]any{"year": 2020, "area": area.ID}, "s1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, area.ID, decode[classifyResponse](t, rec).Raster.AreaID())

	rec = env.do(t, http.MethodPost, "/api/v1/areas", `{"type":"Point","coordinates":[1,2]}`, "s1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/classify", map[string]any{"year": 1970}, "s1")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `landview_actions_total{action="classify",status="error"} 1`)
}

func TestChangeNotStoredWhenLossCountFails(t *testing.T) {
	env := newTestEnv(t)
	env.engine.function = "Image.not"

	rec := env.do(t, http.MethodPost, "/api/v1/change", map[string]any{
		"start_year": 2010, "end_year": 2020, "mode": "binary_loss", "classifier": "cart",
	}, "s1")
	assert.Equal(t, http.StatusBadGateway, rec.Code, rec.Body.String())
	assert.Equal(t, "RemoteEngineError", decode[ErrorResponse](t, rec).Kind)

	rec = env.do(t, http.MethodGet, "/api/v1/session", nil, "s1")
	for _, r := range decode[sessionResponse](t, rec).Results {
		assert.NotEqual(t, session.KindChange, r.Kind, "a failed change must not be stored")
	}

	// the change cannot be exported either
	rec = env.do(t, http.MethodPost, "/api/v1/export",
		map[string]any{"kind": "change", "fingerprint": "2010-2020|binary_loss|cart|gaul:Nyeri"}, "s1")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, env.local.Jobs())
}

func TestChangeReclassifiesWithRequestedTrees(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/classify", map[string]any{"year": 2010, "classifier": "rf"}, "s1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, models.DefaultTrees, decode[classifyResponse](t, rec).Raster.Classifier.Trees)

	rec = env.do(t, http.MethodPost, "/api/v1/change", map[string]any{
		"start_year": 2010, "end_year": 2020, "mode": "binary_loss", "classifier": "rf", "trees": 10,
	}, "s1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/v1/session", nil, "s1")
	trees := make(map[string]int)
	for _, r := range decode[sessionResponse](t, rec).Results {
		if r.Kind != session.KindClassification {
			continue
		}
		var raster struct {
			Classifier models.ClassifierSpec `json:"classifier"`
		}
		require.NoError(t, json.Unmarshal(r.Payload, &raster))
		trees[r.Fingerprint] = raster.Classifier.Trees
	}
	assert.Equal(t, map[string]int{
		"2010|random_forest|gaul:Nyeri": 10,
		"2020|random_forest|gaul:Nyeri": 10,
	}, trees)
}

func TestSeriesRejectsHugeRanges(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body map[string]any
		kind string
	}{
		{"years near max int", map[string]any{"start_year": int64(math.MaxInt64 - 1), "end_year": int64(math.MaxInt64)}, "UnsupportedYear"},
		{"too many points", map[string]any{"start_year": 1, "end_year": int64(1) << 40}, kindBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/v1/series", tt.body, "s1")
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Equal(t, tt.kind, decode[ErrorResponse](t, rec).Kind)
		})
	}

	rec := env.do(t, http.MethodGet, "/api/v1/session", nil, "s1")
	assert.Empty(t, decode[sessionResponse](t, rec).Results)
}

func TestExportRejectsDirectoryFilenames(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/classify", map[string]any{"year": 2015}, "s1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	fp := decode[classifyResponse](t, rec).Fingerprint

	for _, name := range []string{"../../escaped", "exports/lulc", `..\lulc`, ".."} {
		rec = env.do(t, http.MethodPost, "/api/v1/export",
			map[string]any{"kind": "lulc", "fingerprint": fp, "filename": name}, "s1")
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)
		assert.Equal(t, kindBadRequest, decode[ErrorResponse](t, rec).Kind, name)
	}
	assert.Empty(t, env.local.Jobs())
}
