// Package models defines the core domain entities for landview: classified
// rasters, change rasters, per-class area statistics, multi-year series and
// export jobs. Rasters are lazy engine graphs; the models carry the graph
// together with the request that produced it.
//
// All models include validation so that incomplete results are never stored.
package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/rewired-gh/landview/internal/graph"
)

// Fingerprint identifies a classification request. Two requests with the
// same fingerprint produce the same raster.
type Fingerprint struct {
	Year       int            `json:"year"`
	Classifier ClassifierKind `json:"classifier"`
	AreaID     string         `json:"area_id"`
}

func (f Fingerprint) String() string {
	return fmt.Sprintf("%d|%s|%s", f.Year, f.Classifier, f.AreaID)
}

// Validate checks that all fingerprint fields are set
func (f Fingerprint) Validate() error {
	if f.Year == 0 {
		return errors.New("fingerprint year must be set")
	}
	if err := f.Classifier.Validate(); err != nil {
		return err
	}
	if f.AreaID == "" {
		return errors.New("fingerprint area ID must not be empty")
	}
	return nil
}

// ClassifiedRaster is the land-cover classification of one year
type ClassifiedRaster struct {
	ID          string         `json:"id"`
	Fingerprint Fingerprint    `json:"fingerprint"`
	Classifier  ClassifierSpec `json:"classifier"`
	Sensor      string         `json:"sensor"`
	Bands       []string       `json:"bands"`
	ClassCodes  []int          `json:"class_codes"`
	Image       graph.Value    `json:"image"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Year of the classified composite
func (r *ClassifiedRaster) Year() int { return r.Fingerprint.Year }

// AreaID of the area of interest the raster is clipped to
func (r *ClassifiedRaster) AreaID() string { return r.Fingerprint.AreaID }

// Validate checks that all raster fields are valid
func (r *ClassifiedRaster) Validate() error {
	if r.ID == "" {
		return errors.New("raster ID must not be empty")
	}
	if err := r.Fingerprint.Validate(); err != nil {
		return err
	}
	if r.Classifier.Kind != r.Fingerprint.Classifier {
		return errors.New("classifier spec must match fingerprint")
	}
	if r.Sensor == "" {
		return errors.New("sensor must not be empty")
	}
	if len(r.Bands) == 0 {
		return errors.New("bands must not be empty")
	}
	if len(r.ClassCodes) == 0 {
		return errors.New("class codes must not be empty")
	}
	if r.Image.IsZero() {
		return errors.New("image graph must be set")
	}
	if r.CreatedAt.After(time.Now()) {
		return errors.New("created at must not be in the future")
	}
	return nil
}

// ChangeMode selects how two classified rasters are compared
type ChangeMode string

const (
	// BinaryLoss is 1 where forest existed in the first year and not in the second
	BinaryLoss ChangeMode = "binary_loss"
	// SignedDifference is forest(to) - forest(from): -1 loss, 0 no change, +1 gain
	SignedDifference ChangeMode = "signed_difference"
)

// ParseChangeMode accepts the mode names and a few aliases
func ParseChangeMode(s string) (ChangeMode, error) {
	switch s {
	case "", "signed", "signed_difference", "difference":
		return SignedDifference, nil
	case "loss", "binary", "binary_loss":
		return BinaryLoss, nil
	}
	return "", fmt.Errorf("unknown change mode %q", s)
}

// ChangeKey identifies a change request
type ChangeKey struct {
	FromYear   int            `json:"from_year"`
	ToYear     int            `json:"to_year"`
	Mode       ChangeMode     `json:"mode"`
	Classifier ClassifierKind `json:"classifier"`
	AreaID     string         `json:"area_id"`
}

func (k ChangeKey) String() string {
	return fmt.Sprintf("%d-%d|%s|%s|%s", k.FromYear, k.ToYear, k.Mode, k.Classifier, k.AreaID)
}

// ForestSummary reports forest pixel counts at both ends of a change
type ForestSummary struct {
	InitialPixels int64  `json:"initial_pixels"`
	FinalPixels   int64  `json:"final_pixels"`
	NetChange     int64  `json:"net_change"`
	Description   string `json:"description"`
}

// Describe renders the net change the way the dashboard reports it
func (s ForestSummary) Describe() string {
	switch {
	case s.NetChange > 0:
		return fmt.Sprintf("Gain of %d pixels of forest cover.", s.NetChange)
	case s.NetChange < 0:
		return fmt.Sprintf("Loss of %d pixels of forest cover.", -s.NetChange)
	}
	return "No change in forest cover."
}

// NewForestSummary builds a summary from raw engine counts. Missing counts
// are treated as zero forest pixels.
func NewForestSummary(initial, final *float64) ForestSummary {
	s := ForestSummary{
		InitialPixels: int64(CoerceZero(initial)),
		FinalPixels:   int64(CoerceZero(final)),
	}
	s.NetChange = s.FinalPixels - s.InitialPixels
	s.Description = s.Describe()
	return s
}

// ChangeRaster is the comparison of two classified rasters
type ChangeRaster struct {
	ID         string         `json:"id"`
	Key        ChangeKey      `json:"key"`
	From       Fingerprint    `json:"from"`
	To         Fingerprint    `json:"to"`
	ForestCode int            `json:"forest_code"`
	Image      graph.Value    `json:"image"`
	Summary    *ForestSummary `json:"summary,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Validate checks that all change raster fields are valid
func (c *ChangeRaster) Validate() error {
	if c.ID == "" {
		return errors.New("change ID must not be empty")
	}
	if c.Key.Mode != BinaryLoss && c.Key.Mode != SignedDifference {
		return fmt.Errorf("invalid change mode %q", c.Key.Mode)
	}
	if c.From.AreaID != c.To.AreaID {
		return fmt.Errorf("%w: %s vs %s", ErrGeometryMismatch, c.From.AreaID, c.To.AreaID)
	}
	if c.Key.FromYear != c.From.Year || c.Key.ToYear != c.To.Year {
		return errors.New("change key years must match source rasters")
	}
	if c.Image.IsZero() {
		return errors.New("image graph must be set")
	}
	if c.CreatedAt.After(time.Now()) {
		return errors.New("created at must not be in the future")
	}
	return nil
}
