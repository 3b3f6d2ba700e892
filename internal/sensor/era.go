// Package sensor maps a calendar year to the satellite program that covers it
// and to that program's band naming and cloud masking conventions.
package sensor

import (
	"fmt"

	"github.com/rewired-gh/landview/internal/models"
)

// Era is a contiguous year range served by one satellite program
type Era struct {
	Sensor     string   `json:"sensor"`
	Label      string   `json:"label"`
	Collection string   `json:"collection"`
	Bands      []string `json:"bands"`
	Mask       MaskRule `json:"mask"`
	FirstYear  int      `json:"first_year"` // 0 means unbounded
	LastYear   int      `json:"last_year"`  // 0 means unbounded
}

// Covers reports whether year falls inside the era
func (e Era) Covers(year int) bool {
	if e.FirstYear != 0 && year < e.FirstYear {
		return false
	}
	if e.LastYear != 0 && year > e.LastYear {
		return false
	}
	return true
}

// Window bounds the years any era may be asked for
type Window struct {
	MinYear int
	MaxYear int
}

// DefaultWindow spans the Landsat-5 surface reflectance archive to the end of the century
var DefaultWindow = Window{MinYear: 1984, MaxYear: 2100}

var eras = []Era{
	{
		Sensor:     "landsat5",
		Label:      "Landsat 5",
		Collection: "LANDSAT/LT05/C02/T1_L2",
		Bands:      []string{"SR_B1", "SR_B2", "SR_B3", "SR_B4", "SR_B5", "SR_B7"},
		Mask:       MaskRule{QABand: "QA_PIXEL", CloudBit: 5, ShadowBit: 3},
		LastYear:   2012,
	},
	{
		Sensor:     "landsat8",
		Label:      "Landsat 8",
		Collection: "LANDSAT/LC08/C02/T1_L2",
		Bands:      []string{"SR_B2", "SR_B3", "SR_B4", "SR_B5", "SR_B6", "SR_B7"},
		Mask:       MaskRule{QABand: "QA_PIXEL", CloudBit: 3, ShadowBit: 4},
		FirstYear:  2013,
		LastYear:   2017,
	},
	{
		Sensor:     "sentinel2",
		Label:      "Sentinel-2",
		Collection: "COPERNICUS/S2_SR_HARMONIZED",
		Bands:      []string{"B2", "B3", "B4", "B8"},
		Mask:       MaskRule{QABand: "QA60", CloudBit: 10, ShadowBit: 11},
		FirstYear:  2018,
	},
}

// Eras returns a copy of the era table in chronological order
func Eras() []Era {
	out := make([]Era, len(eras))
	for i, e := range eras {
		e.Bands = append([]string(nil), e.Bands...)
		out[i] = e
	}
	return out
}

// Selector resolves years against the era table within a window
type Selector struct {
	window Window
}

// NewSelector creates a selector. A zero window disables the bounds check.
func NewSelector(window Window) *Selector {
	return &Selector{window: window}
}

// Select returns the era for year using DefaultWindow
func Select(year int) (Era, error) {
	return NewSelector(DefaultWindow).Select(year)
}

// Select returns the first era covering year
func (s *Selector) Select(year int) (Era, error) {
	if s.window.MinYear != 0 && year < s.window.MinYear {
		return Era{}, fmt.Errorf("%w: %d is before %d", models.ErrUnsupportedYear, year, s.window.MinYear)
	}
	if s.window.MaxYear != 0 && year > s.window.MaxYear {
		return Era{}, fmt.Errorf("%w: %d is after %d", models.ErrUnsupportedYear, year, s.window.MaxYear)
	}

	for _, e := range eras {
		if e.Covers(year) {
			e.Bands = append([]string(nil), e.Bands...)
			return e, nil
		}
	}
	return Era{}, fmt.Errorf("%w: %d", models.ErrUnsupportedYear, year)
}
