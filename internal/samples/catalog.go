// Package samples holds the training sample catalog: which labelled feature
// table trains the classifier for which year, and the class legend those
// labels use.
//
// The catalog is a YAML document:
//
//	class_property: class
//	tables:
//	  2010: projects/.../samples2010
//	legend:
//	  forest_code: 0
//	  classes:
//	    - {code: 0, name: Forest, color: "#228B22"}
//
// Lookups are exact: a year without an entry has no training data.
package samples

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rewired-gh/landview/internal/models"
)

// DefaultClassProperty is the feature property holding the class code
const DefaultClassProperty = "class"

// Class is one legend entry
type Class struct {
	Code  int    `yaml:"code" json:"code"`
	Name  string `yaml:"name" json:"name"`
	Color string `yaml:"color" json:"color"`
}

// Legend maps class codes to names and colours
type Legend struct {
	ForestCode int     `yaml:"forest_code" json:"forest_code"`
	Classes    []Class `yaml:"classes" json:"classes"`
	Change     []Class `yaml:"change" json:"change"`
}

// Codes returns the class codes in legend order
func (l Legend) Codes() []int {
	codes := make([]int, len(l.Classes))
	for i, c := range l.Classes {
		codes[i] = c.Code
	}
	return codes
}

// Names maps class codes to class names
func (l Legend) Names() map[int]string {
	names := make(map[int]string, len(l.Classes))
	for _, c := range l.Classes {
		names[c.Code] = c.Name
	}
	return names
}

// Name returns the name of code, or "" when the legend has no such class
func (l Legend) Name(code int) string {
	for _, c := range l.Classes {
		if c.Code == code {
			return c.Name
		}
	}
	return ""
}

// Has reports whether code is a legend class
func (l Legend) Has(code int) bool {
	for _, c := range l.Classes {
		if c.Code == code {
			return true
		}
	}
	return false
}

// Table is a resolved training table for one year
type Table struct {
	Year          int
	ID            string
	ClassProperty string
}

// Catalog maps years to training tables
type Catalog struct {
	ClassProperty string         `yaml:"class_property"`
	Tables        map[int]string `yaml:"tables"`
	Legend        Legend         `yaml:"legend"`
}

// DefaultLegend is the four-class land-cover legend with its change legend
func DefaultLegend() Legend {
	return Legend{
		ForestCode: 0,
		Classes: []Class{
			{Code: 0, Name: "Forest", Color: "#228B22"},
			{Code: 1, Name: "Bareland", Color: "#D2B48C"},
			{Code: 2, Name: "Built-up", Color: "#FF6347"},
			{Code: 3, Name: "Others", Color: "#808080"},
		},
		Change: []Class{
			{Code: -1, Name: "Loss", Color: "#FF0000"},
			{Code: 0, Name: "No Change", Color: "#FFFFFF"},
			{Code: 1, Name: "Gain", Color: "#006400"},
		},
	}
}

// Default returns the catalog the Nyeri dashboard shipped with. 2024 reuses
// the 2020 samples.
func Default() *Catalog {
	return &Catalog{
		ClassProperty: DefaultClassProperty,
		Tables: map[int]string{
			2010: "projects/glassy-compiler-400707/assets/samples2010",
			2015: "projects/ee-gisandremotesensing22/assets/Landsat8_2015_Sampled_Region",
			2020: "projects/glassy-compiler-400707/assets/samples2020",
			2024: "projects/glassy-compiler-400707/assets/samples2020",
		},
		Legend: DefaultLegend(),
	}
}

// Load reads a catalog file. An empty path yields the default catalog.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sample catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a catalog document. Missing class property
// and legend fall back to the defaults.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse sample catalog: %w", err)
	}
	if c.ClassProperty == "" {
		c.ClassProperty = DefaultClassProperty
	}
	if len(c.Legend.Classes) == 0 {
		c.Legend = DefaultLegend()
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the legend. Empty table entries are allowed and behave
// like missing years.
func (c *Catalog) Validate() error {
	if len(c.Legend.Classes) == 0 {
		return fmt.Errorf("legend must contain at least one class")
	}
	seen := make(map[int]bool, len(c.Legend.Classes))
	for _, cl := range c.Legend.Classes {
		if seen[cl.Code] {
			return fmt.Errorf("legend class code %d is duplicated", cl.Code)
		}
		seen[cl.Code] = true
		if strings.TrimSpace(cl.Name) == "" {
			return fmt.Errorf("legend class %d needs a name", cl.Code)
		}
	}
	if !seen[c.Legend.ForestCode] {
		return fmt.Errorf("legend.forest_code %d is not a legend class", c.Legend.ForestCode)
	}
	return nil
}

// Lookup resolves the training table for year
func (c *Catalog) Lookup(year int) (Table, error) {
	id := strings.TrimSpace(c.Tables[year])
	if id == "" {
		return Table{}, fmt.Errorf("%w: no sample table for %d", models.ErrNoTrainingData, year)
	}
	return Table{Year: year, ID: id, ClassProperty: c.ClassProperty}, nil
}

// Years lists the years with a non-empty table, ascending
func (c *Catalog) Years() []int {
	years := make([]int, 0, len(c.Tables))
	for y, id := range c.Tables {
		if strings.TrimSpace(id) != "" {
			years = append(years, y)
		}
	}
	sort.Ints(years)
	return years
}
