package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rewired-gh/landview/internal/graph"
	"github.com/rewired-gh/landview/internal/logger"
	"github.com/rewired-gh/landview/internal/metrics"
	"github.com/rewired-gh/landview/internal/models"
)

// Local evaluates graphs in process against a synthetic Scene. It supports
// the algorithm subset the pipeline uses and stands in for the remote
// engine in development and tests. Every classifier family is evaluated as
// a nearest-centroid classifier.
type Local struct {
	scene     *Scene
	exportDir string
	metrics   *metrics.Metrics

	mu   sync.Mutex
	jobs []models.ExportJob
	wg   sync.WaitGroup
}

// NewLocal creates a local engine. Exports are written below exportDir;
// an empty exportDir only records the jobs.
func NewLocal(scene *Scene, exportDir string, m *metrics.Metrics) *Local {
	return &Local{scene: scene, exportDir: exportDir, metrics: m}
}

// Scene returns the fixture the engine evaluates against
func (l *Local) Scene() *Scene {
	return l.scene
}

// Compute evaluates v. The graph goes through its wire form first so that
// the local result matches what the remote engine would see.
func (l *Local) Compute(ctx context.Context, v graph.Value) (any, error) {
	start := time.Now()
	out, err := l.evaluate(ctx, v)
	l.metrics.RecordEngineRequest(metrics.OpCompute, err, time.Since(start))
	if err != nil {
		return nil, remoteError(metrics.OpCompute, err)
	}
	return describe(out), nil
}

func (l *Local) evaluate(ctx context.Context, v graph.Value) (any, error) {
	expr, err := graph.Serialize(v)
	if err != nil {
		return nil, err
	}
	decoded, err := graph.Decode(expr)
	if err != nil {
		return nil, err
	}

	e := &evaluator{ctx: ctx, scene: l.scene}
	out, err := e.eval(decoded, nil)
	if err != nil {
		return nil, err
	}
	logger.Debug("Local engine evaluated %d invocations from %d table entries", e.invokes, len(expr.Values))
	return out, nil
}

// Pixels evaluates an image and returns band in row-major order. Masked
// pixels are nil.
func (l *Local) Pixels(ctx context.Context, v graph.Value, band string) ([]*float64, error) {
	out, err := l.evaluate(ctx, v)
	if err != nil {
		return nil, remoteError(metrics.OpCompute, err)
	}
	img, ok := out.(*image)
	if !ok {
		return nil, fmt.Errorf("expected an image, got %T", out)
	}
	k, ok := img.band(band)
	if !ok {
		return nil, fmt.Errorf("image has no band %q", band)
	}

	px := make([]*float64, img.pixels())
	for i := range px {
		if value, ok := img.at(k, i); ok {
			px[i] = &value
		}
	}
	return px, nil
}

// Export evaluates the image and writes it asynchronously as a JSON grid
func (l *Local) Export(ctx context.Context, req ExportRequest) (*models.ExportJob, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	out, err := l.evaluate(ctx, req.Image)
	if err == nil {
		if _, ok := out.(*image); !ok {
			err = fmt.Errorf("export expects an image, got %T", out)
		}
	}
	l.metrics.RecordEngineRequest(metrics.OpExport, err, time.Since(start))
	if err != nil {
		return nil, remoteError(metrics.OpExport, err)
	}
	img := out.(*image)

	job := models.ExportJob{
		ID:          uuid.New().String(),
		Name:        "local/operations/" + strings.TrimSuffix(req.Filename, TIFFExtension),
		Filename:    req.Filename,
		SubmittedAt: time.Now(),
	}

	l.mu.Lock()
	l.jobs = append(l.jobs, job)
	l.mu.Unlock()

	if l.exportDir != "" {
		path := filepath.Join(l.exportDir, req.Folder, strings.TrimSuffix(req.Filename, TIFFExtension)+".grid.json")
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			if err := l.writeGrid(path, img); err != nil {
				logger.Error("Local export %s failed: %v", job.ID, err)
				return
			}
			logger.Info("Local export %s written to %s", job.ID, path)
		}()
	}

	return &job, nil
}

// Jobs returns every export submitted so far
func (l *Local) Jobs() []models.ExportJob {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.ExportJob(nil), l.jobs...)
}

// Wait blocks until pending export writes finish
func (l *Local) Wait() {
	l.wg.Wait()
}

type gridFile struct {
	Width        int          `json:"width"`
	Height       int          `json:"height"`
	Origin       [2]float64   `json:"origin"`
	PixelDegrees float64      `json:"pixel_degrees"`
	Bands        []string     `json:"bands"`
	Data         [][]*float64 `json:"data"`
}

func (l *Local) writeGrid(path string, img *image) error {
	grid := gridFile{
		Width:        l.scene.opts.Width,
		Height:       l.scene.opts.Height,
		Origin:       l.scene.opts.Origin,
		PixelDegrees: l.scene.opts.PixelDegrees,
		Bands:        img.bands,
		Data:         make([][]*float64, len(img.bands)),
	}
	for k := range img.bands {
		grid.Data[k] = make([]*float64, img.pixels())
		for i := range grid.Data[k] {
			if v, ok := img.at(k, i); ok {
				grid.Data[k][i] = &v
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}

	data, err := json.Marshal(grid)
	if err != nil {
		return fmt.Errorf("failed to encode grid: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
