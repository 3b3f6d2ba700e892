package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/landview/internal/graph"
	"github.com/rewired-gh/landview/internal/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(context.Background(), Options{
		Project:    "test-project",
		Endpoint:   srv.URL + "/",
		HTTPClient: srv.Client(),
	})
	require.NoError(t, err)
	return c
}

func TestClientCompute(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/projects/test-project/value:compute", r.URL.Path)

		var body struct {
			Expression graph.Expression `json:"expression"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		root := body.Expression.Values[body.Expression.Result]
		if assert.NotNil(t, root.FunctionInvocationValue) {
			assert.Equal(t, "Collection.size", root.FunctionInvocationValue.FunctionName)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"result": 6}`))
	})

	v, err := c.Compute(context.Background(), Size(LoadCollection("LANDSAT/LC08/C02/T1_L2")))
	require.NoError(t, err)
	n, ok := Number(v)
	require.True(t, ok)
	assert.Equal(t, 6.0, n)
}

func TestClientComputeNullResult(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"result": {"classification": null}}`))
	})

	v, err := c.Compute(context.Background(), SumRegion(Constant(1), Polygon([][][2]float64{{{0, 0}, {1, 0}, {1, 1}, {0, 0}}}), 30))
	require.NoError(t, err)
	dict, ok := v.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, dict, "classification")
	assert.Nil(t, dict["classification"])
}

func TestClientComputeServerError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"code": 400, "message": "Image.select: band not found", "status": "INVALID_ARGUMENT"}}`, http.StatusBadRequest)
	})

	_, err := c.Compute(context.Background(), Constant(1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrRemoteEngine))
	assert.Equal(t, "RemoteEngineError", models.Kind(err))
	assert.Contains(t, err.Error(), "INVALID_ARGUMENT: Image.select: band not found")
}

func TestClientComputePlainError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.Compute(context.Background(), Constant(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrRemoteEngine)
	assert.Contains(t, err.Error(), "server error 502: Bad Gateway")
}

func TestClientEndpointWithoutSlash(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/projects/p/value:compute", r.URL.Path)
		w.Write([]byte(`{"result": 1}`))
	}))
	defer srv.Close()

	c, err := NewClient(context.Background(), Options{Project: "p", Endpoint: srv.URL, HTTPClient: srv.Client()})
	require.NoError(t, err)
	require.NoError(t, c.Ping(context.Background()))
}

func TestClientExport(t *testing.T) {
	region := Polygon([][][2]float64{{{36.8, -0.5}, {37.1, -0.5}, {37.1, -0.2}, {36.8, -0.5}}})

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/projects/test-project/image:export", r.URL.Path)

		var body struct {
			Expression        graph.Expression `json:"expression"`
			Description       string           `json:"description"`
			RequestID         string           `json:"requestId"`
			FileExportOptions struct {
				FileFormat       string `json:"fileFormat"`
				DriveDestination struct {
					Folder         string `json:"folder"`
					FilenamePrefix string `json:"filenamePrefix"`
				} `json:"driveDestination"`
			} `json:"fileExportOptions"`
			Grid json.RawMessage `json:"grid"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "lulc_2015", body.Description)
		assert.NotEmpty(t, body.RequestID)
		assert.Equal(t, "GEO_TIFF", body.FileExportOptions.FileFormat)
		assert.Equal(t, "GEE_exports", body.FileExportOptions.DriveDestination.Folder)
		assert.Equal(t, "lulc_2015", body.FileExportOptions.DriveDestination.FilenamePrefix)
		assert.Nil(t, body.Grid, "scale is applied in the expression, not through a degree grid")

		// the exported image is resampled to metres on the region bounds
		decoded, err := graph.Decode(&body.Expression)
		if assert.NoError(t, err) {
			assert.Equal(t, "Image.clipToBoundsAndScale", decoded.Function())
			scale, ok := decoded.Arg("scale")
			if assert.True(t, ok) {
				assert.Equal(t, 30.0, scale.Constant())
			}
			_, ok = decoded.Arg("geometry")
			assert.True(t, ok)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"name": "projects/test-project/operations/OP123"}`))
	})

	job, err := c.Export(context.Background(), ExportRequest{
		Image:    Constant(1),
		Region:   region,
		Filename: "lulc_2015.tif",
		Folder:   "GEE_exports",
		Scale:    30,
	})
	require.NoError(t, err)
	assert.Equal(t, "projects/test-project/operations/OP123", job.Name)
	assert.Equal(t, "lulc_2015.tif", job.Filename)
	assert.NotEmpty(t, job.ID)
}

func TestClientExportValidation(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	region := Polygon([][][2]float64{{{0, 0}, {1, 0}, {1, 1}, {0, 0}}})

	tests := map[string]ExportRequest{
		"blank filename":   {Image: Constant(1), Region: region, Filename: " ", Scale: 30},
		"missing image":    {Region: region, Filename: "a.tif", Scale: 30},
		"missing region":   {Image: Constant(1), Filename: "a.tif", Scale: 30},
		"parent directory": {Image: Constant(1), Region: region, Filename: "../a.tif", Scale: 30},
		"zero scale":       {Image: Constant(1), Region: region, Filename: "a.tif"},
	}
	for name, req := range tests {
		_, err := c.Export(context.Background(), req)
		assert.Error(t, err, name)
	}
}

func TestPlainFilename(t *testing.T) {
	tests := map[string]bool{
		"lulc_2015.tif":   true,
		"a..b.tif":        true,
		"..":              false,
		".":               false,
		"../escaped.tif":  false,
		"dir/file.tif":    false,
		`dir\file.tif`:   false,
		"/etc/passwd.tif": false,
		"nul\x00.tif":    false,
	}
	for name, want := range tests {
		if got := PlainFilename(name); got != want {
			t.Errorf("PlainFilename(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestNewClientRequiresProject(t *testing.T) {
	_, err := NewClient(context.Background(), Options{HTTPClient: http.DefaultClient})
	assert.Error(t, err)
}

func TestConnectRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"result": 1}`))
	}))
	defer srv.Close()

	c, err := Connect(context.Background(), Options{
		Project:    "test-project",
		Endpoint:   srv.URL + "/",
		HTTPClient: srv.Client(),
	}, Backoff{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond})
	require.NoError(t, err)
	assert.NotNil(t, c)
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestConnectGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := Connect(context.Background(), Options{
		Project:    "test-project",
		Endpoint:   srv.URL + "/",
		HTTPClient: srv.Client(),
	}, Backoff{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})
	require.Error(t, err)

	var ce *ConnectError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 3, ce.Attempts)
	assert.True(t, errors.Is(err, models.ErrRemoteEngine))
	assert.True(t, strings.Contains(err.Error(), "after 3 attempts"))
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := Backoff{MaxAttempts: 10, InitialDelay: time.Hour, MaxDelay: time.Hour}.Retry(ctx, "test", func(context.Context) error {
		attempts++
		cancel()
		return errors.New("down")
	})

	var ce *ConnectError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{MaxAttempts: 6, InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{40, time.Second},
		{-1, 100 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestNumber(t *testing.T) {
	tests := []struct {
		in     any
		want   float64
		wantOK bool
	}{
		{float64(2.5), 2.5, true},
		{7, 7, true},
		{int64(9), 9, true},
		{nil, 0, false},
		{"12", 0, false},
	}
	for _, tt := range tests {
		got, ok := Number(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("Number(%v) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}
