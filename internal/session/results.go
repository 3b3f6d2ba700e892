package session

import (
	"context"
	"fmt"

	"github.com/rewired-gh/landview/internal/models"
)

// PutClassification stores a classified raster under its fingerprint
func (s *Store) PutClassification(ctx context.Context, sessionID string, r *models.ClassifiedRaster) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("invalid classification: %w", err)
	}
	return s.Put(ctx, sessionID, KindClassification, r.Fingerprint.String(), r)
}

// Classification loads the raster stored for fp
func (s *Store) Classification(ctx context.Context, sessionID string, fp models.Fingerprint) (*models.ClassifiedRaster, error) {
	var r models.ClassifiedRaster
	if err := s.Get(ctx, sessionID, KindClassification, fp.String(), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// PutStats stores area statistics under the fingerprint of their raster
func (s *Store) PutStats(ctx context.Context, sessionID string, stats *models.AreaStats) error {
	if err := stats.Validate(); err != nil {
		return fmt.Errorf("invalid statistics: %w", err)
	}
	return s.Put(ctx, sessionID, KindStats, stats.Fingerprint.String(), stats)
}

// PutChange stores a change raster under its key
func (s *Store) PutChange(ctx context.Context, sessionID string, c *models.ChangeRaster) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid change: %w", err)
	}
	return s.Put(ctx, sessionID, KindChange, c.Key.String(), c)
}

// Change loads the change raster stored for key
func (s *Store) Change(ctx context.Context, sessionID string, key models.ChangeKey) (*models.ChangeRaster, error) {
	var c models.ChangeRaster
	if err := s.Get(ctx, sessionID, KindChange, key.String(), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// SeriesKey identifies a stored series
func SeriesKey(series *models.Series, from, to, step int) string {
	return fmt.Sprintf("%d-%d/%d|%s|%d|%s", from, to, step, series.Classifier, series.ClassCode, series.AreaID)
}

// PutSeries stores a series
func (s *Store) PutSeries(ctx context.Context, sessionID, key string, series *models.Series) error {
	return s.Put(ctx, sessionID, KindSeries, key, series)
}

// PutExport records a submitted export job
func (s *Store) PutExport(ctx context.Context, sessionID string, job *models.ExportJob) error {
	if job.ID == "" {
		return fmt.Errorf("export job ID must not be empty")
	}
	return s.Put(ctx, sessionID, KindExport, job.ID, job)
}
