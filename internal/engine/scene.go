package engine

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/rewired-gh/landview/internal/sensor"
)

// GAULTable is the administrative boundary table regions are looked up in
const GAULTable = "FAO/GAUL_SIMPLIFIED_500m/2015/level2"

// Land cover codes painted into the synthetic landscape
const (
	ClassForest   = 0
	ClassBareland = 1
	ClassBuiltUp  = 2
	ClassOthers   = 3
)

// SceneOptions shapes a synthetic landscape for the local evaluator
type SceneOptions struct {
	Width, Height   int
	FirstYear       int
	LastYear        int
	ScenesPerYear   int
	Tables          map[string]int // sample table id to the year its labels describe
	SamplesPerClass int
	ClassProperty   string
	Regions         []string // GAUL ADM2_NAME values
	Origin          [2]float64
	PixelDegrees    float64
	Seed            uint64
}

func (o SceneOptions) withDefaults() SceneOptions {
	if o.Width <= 0 {
		o.Width = 40
	}
	if o.Height <= 0 {
		o.Height = 40
	}
	if o.FirstYear == 0 {
		o.FirstYear = 2005
	}
	if o.LastYear == 0 {
		o.LastYear = 2025
	}
	if o.ScenesPerYear <= 0 {
		o.ScenesPerYear = 6
	}
	if o.SamplesPerClass <= 0 {
		o.SamplesPerClass = 12
	}
	if o.ClassProperty == "" {
		o.ClassProperty = "class"
	}
	if len(o.Regions) == 0 {
		o.Regions = []string{"Nyeri"}
	}
	if o.Origin == [2]float64{} {
		o.Origin = [2]float64{36.6, -0.2}
	}
	if o.PixelDegrees <= 0 {
		o.PixelDegrees = 0.01
	}
	if o.Seed == 0 {
		o.Seed = 42
	}
	return o
}

// Scene holds the image collections and tables the local evaluator serves
type Scene struct {
	opts        SceneOptions
	collections map[string][]*image
	tables      map[string][]*feature
}

// spectral signatures per class, cycled over each sensor's bands
var signatures = map[int][]float64{
	ClassForest:   {0.03, 0.05, 0.04, 0.32, 0.16, 0.08},
	ClassBareland: {0.14, 0.18, 0.22, 0.27, 0.34, 0.30},
	ClassBuiltUp:  {0.20, 0.21, 0.23, 0.24, 0.26, 0.25},
	ClassOthers:   {0.07, 0.10, 0.09, 0.20, 0.22, 0.14},
}

// NewScene paints a four-class landscape whose forest edge retreats year by
// year, and renders it as cloud-contaminated scenes for every sensor era.
func NewScene(opts SceneOptions) *Scene {
	opts = opts.withDefaults()
	s := &Scene{
		opts:        opts,
		collections: make(map[string][]*image),
		tables:      make(map[string][]*feature),
	}
	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))

	for year := opts.FirstYear; year <= opts.LastYear; year++ {
		era, err := sensor.NewSelector(sensor.Window{}).Select(year)
		if err != nil {
			continue
		}
		truth := s.Truth(year)
		for n := 0; n < opts.ScenesPerYear; n++ {
			at := time.Date(year, time.January, 1, 10, 0, 0, 0, time.UTC).AddDate(0, 0, n*(365/opts.ScenesPerYear))
			s.collections[era.Collection] = append(s.collections[era.Collection], s.render(rng, era, truth, at))
		}
	}

	tableIDs := make([]string, 0, len(opts.Tables))
	for id := range opts.Tables {
		tableIDs = append(tableIDs, id)
	}
	sort.Strings(tableIDs)
	for _, id := range tableIDs {
		s.tables[id] = s.samples(opts.Tables[id])
	}

	for _, name := range opts.Regions {
		s.tables[GAULTable] = append(s.tables[GAULTable], &feature{
			props: map[string]any{"ADM2_NAME": name, "ADM0_NAME": "Kenya"},
			geom:  &geometry{kind: "Polygon", point: -1},
		})
	}
	return s
}

// Size returns the number of pixels on the grid
func (s *Scene) Size() int {
	return s.opts.Width * s.opts.Height
}

// ForestEdge is the column where forest gives way to other land in year
func (s *Scene) ForestEdge(year int) int {
	w := s.opts.Width
	retreat := (year - 2000) / 4
	if retreat < 0 {
		retreat = 0
	}
	if retreat > w/4 {
		retreat = w / 4
	}
	return w/2 - retreat
}

// Truth returns the land cover code of every pixel in year. The top half is
// forest left of the forest edge and other vegetation right of it; the bottom
// half is bare land on the left and built-up land on the right.
func (s *Scene) Truth(year int) []int {
	w, h := s.opts.Width, s.opts.Height
	edge := s.ForestEdge(year)
	out := make([]int, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var c int
			switch {
			case y < h/2 && x < edge:
				c = ClassForest
			case y < h/2:
				c = ClassOthers
			case x < w/2:
				c = ClassBareland
			default:
				c = ClassBuiltUp
			}
			out[y*w+x] = c
		}
	}
	return out
}

func (s *Scene) render(rng *rand.Rand, era sensor.Era, truth []int, at time.Time) *image {
	w, h := s.opts.Width, s.opts.Height
	bands := append(append([]string(nil), era.Bands...), era.Mask.QABand)
	img := newImage(w*h, bands)
	img.props = map[string]any{
		"system:time_start": float64(at.UnixMilli()),
		"SPACECRAFT_ID":     era.Label,
	}

	// one cloud and one shadow block per scene
	cloud := s.block(rng)
	shadow := s.block(rng)
	qaBand := len(era.Bands)

	for i := 0; i < w*h; i++ {
		sig := signatures[truth[i]]
		var qa uint64
		switch {
		case cloud[i]:
			qa |= 1 << era.Mask.CloudBit
		case shadow[i]:
			qa |= 1 << era.Mask.ShadowBit
		}
		for k := range era.Bands {
			v := sig[k%len(sig)] + (rng.Float64()-0.5)*0.01
			switch {
			case cloud[i]:
				v = 0.9
			case shadow[i]:
				v = 0.01
			}
			img.data[k][i] = v
			img.valid[k][i] = true
		}
		img.data[qaBand][i] = float64(qa)
		img.valid[qaBand][i] = true
	}
	return img
}

func (s *Scene) block(rng *rand.Rand) []bool {
	w, h := s.opts.Width, s.opts.Height
	bw, bh := w/4, h/4
	x0, y0 := rng.IntN(w-bw+1), rng.IntN(h-bh+1)
	out := make([]bool, w*h)
	for y := y0; y < y0+bh; y++ {
		for x := x0; x < x0+bw; x++ {
			out[y*w+x] = true
		}
	}
	return out
}

// samples picks labelled points spread over the grid for each class
func (s *Scene) samples(year int) []*feature {
	truth := s.Truth(year)
	counts := map[int]int{}
	var out []*feature
	stride := 7
	for start := 0; start < stride; start++ {
		for i := start; i < len(truth); i += stride {
			c := truth[i]
			if counts[c] >= s.opts.SamplesPerClass {
				continue
			}
			counts[c]++
			out = append(out, &feature{
				props: map[string]any{s.opts.ClassProperty: float64(c)},
				geom:  &geometry{kind: "Point", point: i},
			})
		}
	}
	return out
}

// pixelCenter returns the lon/lat of pixel i
func (s *Scene) pixelCenter(i int) (float64, float64) {
	x, y := i%s.opts.Width, i/s.opts.Width
	lon := s.opts.Origin[0] + (float64(x)+0.5)*s.opts.PixelDegrees
	lat := s.opts.Origin[1] - (float64(y)+0.5)*s.opts.PixelDegrees
	return lon, lat
}

// Bounds returns the west, south, east and north edges of the grid
func (s *Scene) Bounds() (west, south, east, north float64) {
	west, north = s.opts.Origin[0], s.opts.Origin[1]
	east = west + float64(s.opts.Width)*s.opts.PixelDegrees
	south = north - float64(s.opts.Height)*s.opts.PixelDegrees
	return west, south, east, north
}

// rasterize marks pixels whose centre falls inside any polygon. Rings are
// combined with the even-odd rule, so holes are excluded.
func (s *Scene) rasterize(polygons [][][][2]float64) []bool {
	fp := make([]bool, s.Size())
	for i := range fp {
		lon, lat := s.pixelCenter(i)
		for _, rings := range polygons {
			inside := false
			for _, ring := range rings {
				if pointInRing(lon, lat, ring) {
					inside = !inside
				}
			}
			if inside {
				fp[i] = true
				break
			}
		}
	}
	return fp
}

func pointInRing(x, y float64, ring [][2]float64) bool {
	inside := false
	n := len(ring)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		xi, yi := ring[i][0], ring[i][1]
		xj, yj := ring[j][0], ring[j][1]
		if (yi > y) != (yj > y) && x < (xj-xi)*(y-yi)/(yj-yi)+xi {
			inside = !inside
		}
	}
	return inside
}

func (s *Scene) String() string {
	return fmt.Sprintf("scene %dx%d %d-%d", s.opts.Width, s.opts.Height, s.opts.FirstYear, s.opts.LastYear)
}
