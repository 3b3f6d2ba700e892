package models

import (
	"errors"
	"time"
)

// SquareMetresPerHectare converts pixel areas to hectares
const SquareMetresPerHectare = 10000.0

// CoerceZero maps a missing engine result to zero. The engine returns null
// for reductions over an empty intersection; that is reported as zero area.
func CoerceZero(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

// RawClassArea is a per-class reduction result as returned by the engine,
// before null coercion. Pixels is nil when the engine reported no data.
type RawClassArea struct {
	Code   int      `json:"code"`
	Pixels *float64 `json:"pixels"`
}

// ClassArea is the coerced area of one class
type ClassArea struct {
	Code     int     `json:"code"`
	Name     string  `json:"name"`
	Pixels   float64 `json:"pixels"`
	Hectares float64 `json:"hectares"`
	NoData   bool    `json:"no_data"` // engine returned null; Pixels and Hectares are 0
}

// AreaStats holds per-class areas of one classified raster
type AreaStats struct {
	Fingerprint   Fingerprint `json:"fingerprint"`
	Scale         float64     `json:"scale"`
	Classes       []ClassArea `json:"classes"`
	TotalHectares float64     `json:"total_hectares"`
	ComputedAt    time.Time   `json:"computed_at"`
}

// PixelHectares converts a pixel count at the given scale (metres) to hectares
func PixelHectares(pixels, scale float64) float64 {
	return pixels * scale * scale / SquareMetresPerHectare
}

// Coerce turns raw engine results into class areas. names maps class codes
// to legend names; the order of raw is preserved.
func Coerce(raw []RawClassArea, names map[int]string, scale float64) []ClassArea {
	out := make([]ClassArea, len(raw))
	for i, r := range raw {
		pixels := CoerceZero(r.Pixels)
		out[i] = ClassArea{
			Code:     r.Code,
			Name:     names[r.Code],
			Pixels:   pixels,
			Hectares: PixelHectares(pixels, scale),
			NoData:   r.Pixels == nil,
		}
	}
	return out
}

// Hectares returns the area of the class with the given code, zero when absent
func (s *AreaStats) Hectares(code int) float64 {
	for _, c := range s.Classes {
		if c.Code == code {
			return c.Hectares
		}
	}
	return 0
}

// Validate checks that all statistics fields are valid
func (s *AreaStats) Validate() error {
	if err := s.Fingerprint.Validate(); err != nil {
		return err
	}
	if s.Scale <= 0 {
		return errors.New("scale must be positive")
	}
	var total float64
	seen := make(map[int]bool, len(s.Classes))
	for _, c := range s.Classes {
		if seen[c.Code] {
			return errors.New("class codes must be unique")
		}
		seen[c.Code] = true
		if c.Hectares < 0 || c.Pixels < 0 {
			return errors.New("class areas must not be negative")
		}
		total += c.Hectares
	}
	if diff := total - s.TotalHectares; diff > 1e-6 || diff < -1e-6 {
		return errors.New("total hectares must equal the sum of class hectares")
	}
	return nil
}

// SeriesPoint is one year of a multi-year area series
type SeriesPoint struct {
	Year     int     `json:"year"`
	Hectares float64 `json:"hectares"`
	Err      string  `json:"error,omitempty"`
}

// Series is a per-year area series of one class
type Series struct {
	Classifier ClassifierKind `json:"classifier"`
	ClassCode  int            `json:"class_code"`
	ClassName  string         `json:"class_name"`
	AreaID     string         `json:"area_id"`
	Points     []SeriesPoint  `json:"points"`
}

// ExportJob is the acknowledgement of a submitted export. The engine runs
// the job asynchronously; nothing waits for it.
type ExportJob struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Filename    string    `json:"filename"`
	SubmittedAt time.Time `json:"submitted_at"`
}
