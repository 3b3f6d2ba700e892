package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/time/rate"

	"github.com/rewired-gh/landview/internal/graph"
	"github.com/rewired-gh/landview/internal/logger"
	"github.com/rewired-gh/landview/internal/metrics"
	"github.com/rewired-gh/landview/internal/models"
)

const (
	// Scope is the OAuth scope required by the Earth Engine REST API
	Scope = "https://www.googleapis.com/auth/earthengine"

	// DefaultEndpoint is the public Earth Engine REST endpoint
	DefaultEndpoint = "https://earthengine.googleapis.com/"

	apiVersion = "v1"
)

// Options configures the Earth Engine client
type Options struct {
	Project           string
	CredentialsFile   string // service account JSON; empty uses application default credentials
	Endpoint          string // empty uses DefaultEndpoint
	Timeout           time.Duration
	RequestsPerSecond float64 // <= 0 disables rate limiting
	Burst             int
	HTTPClient        *http.Client // overrides credentials
	Metrics           *metrics.Metrics
}

// Client evaluates graphs on Earth Engine through its REST API
type Client struct {
	baseURL    string
	parent     string
	httpClient *http.Client
	limiter    *rate.Limiter
	metrics    *metrics.Metrics
}

type computeValueRequest struct {
	Expression *graph.Expression `json:"expression"`
}

type computeValueResponse struct {
	Result any `json:"result"`
}

type exportImageRequest struct {
	Expression        *graph.Expression `json:"expression"`
	Description       string            `json:"description,omitempty"`
	RequestID         string            `json:"requestId,omitempty"`
	FileExportOptions fileExportOptions `json:"fileExportOptions"`
}

type fileExportOptions struct {
	FileFormat       string           `json:"fileFormat"`
	DriveDestination driveDestination `json:"driveDestination"`
}

type driveDestination struct {
	Folder         string `json:"folder,omitempty"`
	FilenamePrefix string `json:"filenamePrefix"`
}

type operation struct {
	Name string `json:"name"`
}

// apiError is the error envelope of Google REST APIs
type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// NewClient creates an Earth Engine client without contacting the service
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	if opts.Project == "" {
		return nil, fmt.Errorf("engine project is required")
	}

	hc, err := httpClient(ctx, opts)
	if err != nil {
		return nil, err
	}

	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if !strings.HasSuffix(endpoint, "/") {
		endpoint += "/"
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst < 1 {
		burst = 1
	}

	return &Client{
		baseURL:    endpoint + apiVersion + "/",
		parent:     "projects/" + opts.Project,
		httpClient: hc,
		limiter:    rate.NewLimiter(limit, burst),
		metrics:    opts.Metrics,
	}, nil
}

func httpClient(ctx context.Context, opts Options) (*http.Client, error) {
	if opts.HTTPClient != nil {
		return opts.HTTPClient, nil
	}

	var creds *google.Credentials
	if opts.CredentialsFile != "" {
		data, err := os.ReadFile(opts.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read credentials file: %w", err)
		}
		creds, err = google.CredentialsFromJSON(ctx, data, Scope)
		if err != nil {
			return nil, fmt.Errorf("failed to parse credentials: %w", err)
		}
	} else {
		var err error
		creds, err = google.FindDefaultCredentials(ctx, Scope)
		if err != nil {
			return nil, fmt.Errorf("failed to find default credentials: %w", err)
		}
	}

	hc := oauth2.NewClient(ctx, creds.TokenSource)
	hc.Timeout = opts.Timeout
	return hc, nil
}

// Connect creates a client and verifies it with a trivial computation,
// retrying with exponential backoff. Failure returns a *ConnectError.
func Connect(ctx context.Context, opts Options, policy Backoff) (*Client, error) {
	var client *Client
	err := policy.Retry(ctx, "engine connect", func(ctx context.Context) error {
		c, err := NewClient(ctx, opts)
		if err == nil {
			err = c.Ping(ctx)
		}
		opts.Metrics.RecordConnectAttempt(err)
		if err != nil {
			return err
		}
		client = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info("Connected to earth engine project %s", opts.Project)
	return client, nil
}

// Ping evaluates a constant to check credentials and project access
func (c *Client) Ping(ctx context.Context) error {
	v, err := c.Compute(ctx, graph.Const(1))
	if err != nil {
		return err
	}
	if n, ok := Number(v); !ok || n != 1 {
		return remoteError("ping", fmt.Errorf("unexpected result %v", v))
	}
	return nil
}

// Compute evaluates v on the engine
func (c *Client) Compute(ctx context.Context, v graph.Value) (any, error) {
	expr, err := graph.Serialize(v)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize graph: %w", err)
	}

	start := time.Now()
	var resp computeValueResponse
	err = c.doRequest(ctx, c.parent+"/value:compute", computeValueRequest{Expression: expr}, &resp)
	c.metrics.RecordEngineRequest(metrics.OpCompute, err, time.Since(start))
	if err != nil {
		return nil, remoteError(metrics.OpCompute, err)
	}

	logger.Debug("Computed %d-node expression in %v", len(expr.Values), time.Since(start))
	return resp.Result, nil
}

// Export submits a GeoTIFF export to Drive. The image is clipped to the
// bounds of the region and resampled to the request scale in metres. The
// returned job is only the submission acknowledgement.
func (c *Client) Export(ctx context.Context, req ExportRequest) (*models.ExportJob, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.Region.IsZero() {
		return nil, fmt.Errorf("export region must be set")
	}

	expr, err := graph.Serialize(ClipToBoundsAndScale(req.Image, req.Region, req.Scale))
	if err != nil {
		return nil, fmt.Errorf("failed to serialize graph: %w", err)
	}

	requestID := uuid.New().String()
	prefix := strings.TrimSuffix(req.Filename, TIFFExtension)
	body := exportImageRequest{
		Expression:  expr,
		Description: prefix,
		RequestID:   requestID,
		FileExportOptions: fileExportOptions{
			FileFormat: "GEO_TIFF",
			DriveDestination: driveDestination{
				Folder:         req.Folder,
				FilenamePrefix: prefix,
			},
		},
	}

	start := time.Now()
	var op operation
	err = c.doRequest(ctx, c.parent+"/image:export", body, &op)
	c.metrics.RecordEngineRequest(metrics.OpExport, err, time.Since(start))
	if err != nil {
		return nil, remoteError(metrics.OpExport, err)
	}

	return &models.ExportJob{
		ID:          requestID,
		Name:        op.Name,
		Filename:    req.Filename,
		SubmittedAt: time.Now(),
	}, nil
}

// doRequest posts body as JSON to path and decodes the response into out.
// Failed requests are not retried; Connect owns the retry policy.
func (c *Client) doRequest(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return statusError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var envelope apiError
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error.Message != "" {
		return fmt.Errorf("server error %d %s: %s", resp.StatusCode, envelope.Error.Status, envelope.Error.Message)
	}

	msg := strings.TrimSpace(string(data))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return fmt.Errorf("server error %d: %s", resp.StatusCode, msg)
}
