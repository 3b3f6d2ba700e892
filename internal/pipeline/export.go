package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/rewired-gh/landview/internal/aoi"
	"github.com/rewired-gh/landview/internal/engine"
	"github.com/rewired-gh/landview/internal/graph"
	"github.com/rewired-gh/landview/internal/logger"
	"github.com/rewired-gh/landview/internal/models"
)

// ExportFilename appends the GeoTIFF suffix when name lacks it. Names must
// be plain file names; directory components are rejected.
func ExportFilename(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("export filename must not be empty")
	}
	if !engine.PlainFilename(name) {
		return "", fmt.Errorf("export filename %q must not contain directories", name)
	}
	if strings.HasSuffix(strings.ToLower(name), engine.TIFFExtension) {
		return name, nil
	}
	return name + engine.TIFFExtension, nil
}

// Export submits image, clipped to area, as a GeoTIFF to the configured
// folder and returns the job handle without waiting for completion
func (p *Pipeline) Export(ctx context.Context, image graph.Value, filename string, area *aoi.Area) (*models.ExportJob, error) {
	job, err := p.export(ctx, image, filename, area)
	p.finish(ActionExport, err)
	return job, err
}

func (p *Pipeline) export(ctx context.Context, image graph.Value, filename string, area *aoi.Area) (*models.ExportJob, error) {
	if area == nil {
		return nil, fmt.Errorf("area of interest is required")
	}
	name, err := ExportFilename(filename)
	if err != nil {
		return nil, err
	}

	job, err := p.engine.Export(ctx, engine.ExportRequest{
		Image:    engine.Clip(image, area.Geometry),
		Region:   area.Geometry,
		Filename: name,
		Folder:   p.opts.ExportFolder,
		Scale:    p.opts.Scale,
	})
	if err != nil {
		return nil, fmt.Errorf("export %s: %w", filename, err)
	}
	logger.Info("Export %s submitted to %s (%s)", job.Filename, p.opts.ExportFolder, job.Name)

	if p.notifier != nil {
		if err := p.notifier.ExportSubmitted(job, area.Name); err != nil {
			logger.Warn("Failed to send export notification: %v", err)
		}
	}
	return job, nil
}
