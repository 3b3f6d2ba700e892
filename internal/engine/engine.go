// Package engine talks to the remote geospatial engine. Graphs built with the
// operator helpers in this package are evaluated by an Engine: either the
// Earth Engine REST client or the in-process Local evaluator used for
// development and tests.
package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/rewired-gh/landview/internal/graph"
	"github.com/rewired-gh/landview/internal/models"
)

// Engine evaluates computation graphs remotely
type Engine interface {
	// Compute evaluates v and returns its JSON-decoded value
	// (float64, string, bool, nil, []any or map[string]any)
	Compute(ctx context.Context, v graph.Value) (any, error)

	// Export submits an asynchronous GeoTIFF export and returns without waiting
	Export(ctx context.Context, req ExportRequest) (*models.ExportJob, error)
}

// TIFFExtension is the suffix of every exported file
const TIFFExtension = ".tif"

// ExportRequest describes a raster export to the engine's file sink
type ExportRequest struct {
	Image    graph.Value
	Region   graph.Value // geometry whose bounds are exported
	Filename string      // base name ending in TIFFExtension
	Folder   string      // destination folder
	Scale    float64     // metres per pixel
}

// Validate checks that all export fields are set
func (r ExportRequest) Validate() error {
	if r.Image.IsZero() {
		return fmt.Errorf("export image must be set")
	}
	if strings.TrimSpace(r.Filename) == "" {
		return fmt.Errorf("export filename must not be empty")
	}
	if !PlainFilename(r.Filename) {
		return fmt.Errorf("export filename %q must not contain directories", r.Filename)
	}
	if r.Scale <= 0 {
		return fmt.Errorf("export scale must be positive")
	}
	return nil
}

// PlainFilename reports whether name is a single path element that cannot
// leave the directory it is joined to
func PlainFilename(name string) bool {
	if strings.ContainsAny(name, "/\\\x00") {
		return false
	}
	return name != "." && name != ".."
}

// Number coerces a compute result to float64. The second return value is
// false when the engine returned null or a non-numeric value.
func Number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// remoteError wraps err into the engine error taxonomy
func remoteError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, models.ErrRemoteEngine, err)
}
