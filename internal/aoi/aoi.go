// Package aoi resolves areas of interest into engine geometries.
//
// Three sources are supported:
//   - gaul: a second-level administrative boundary from the FAO GAUL table,
//     resolved lazily on the engine by ADM2_NAME.
//   - osm: an administrative boundary relation fetched from an Overpass
//     endpoint, its outer ways stitched into polygon rings.
//   - upload: a GeoJSON Polygon, MultiPolygon, Feature or FeatureCollection.
//
// Every area carries a stable ID ("gaul:Nyeri", "osm:Nyeri", "upload:<sha>")
// used in request fingerprints and geometry-mismatch checks.
package aoi

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/serjvanilla/go-overpass"

	"github.com/rewired-gh/landview/internal/engine"
	"github.com/rewired-gh/landview/internal/graph"
	"github.com/rewired-gh/landview/internal/logger"
)

// Kind is the source of an area geometry
type Kind string

const (
	GAUL     Kind = "gaul"
	Overpass Kind = "osm"
	Upload   Kind = "upload"
)

// DefaultOverpassEndpoint is the public Overpass interpreter
const DefaultOverpassEndpoint = "https://overpass-api.de/api/interpreter"

// Area is a resolved area of interest
type Area struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Kind     Kind        `json:"kind"`
	Bounds   *orb.Bound  `json:"bounds,omitempty"` // unknown for gaul areas until the engine evaluates them
	Geometry graph.Value `json:"-"`
}

// Options configures a Resolver
type Options struct {
	GAULTable        string
	OverpassEndpoint string
	AdminLevel       int // 0 matches any admin_level
	Timeout          time.Duration
	HTTPClient       *http.Client
}

// Resolver turns area references into geometries and remembers every area
// it has produced so later requests can refer to them by ID
type Resolver struct {
	table      string
	adminLevel int
	overpass   overpass.Client

	mu    sync.RWMutex
	areas map[string]*Area
}

// NewResolver creates a resolver
func NewResolver(opts Options) *Resolver {
	if opts.GAULTable == "" {
		opts.GAULTable = engine.GAULTable
	}
	if opts.OverpassEndpoint == "" {
		opts.OverpassEndpoint = DefaultOverpassEndpoint
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}

	return &Resolver{
		table:      opts.GAULTable,
		adminLevel: opts.AdminLevel,
		overpass:   overpass.NewWithSettings(opts.OverpassEndpoint, 2, httpClient),
		areas:      make(map[string]*Area),
	}
}

// ParseRef splits an area reference of the form "kind:name". A bare name is
// a GAUL lookup.
func ParseRef(ref string) (Kind, string, error) {
	ref = strings.TrimSpace(ref)
	kind, name, found := strings.Cut(ref, ":")
	if !found {
		kind, name = string(GAUL), ref
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", "", fmt.Errorf("area reference %q has no name", ref)
	}

	switch Kind(strings.ToLower(kind)) {
	case GAUL:
		return GAUL, name, nil
	case Overpass, "overpass":
		return Overpass, name, nil
	case Upload:
		return Upload, name, nil
	}
	return "", "", fmt.Errorf("unknown area kind %q", kind)
}

// Resolve returns the area for ref, fetching it when necessary
func (r *Resolver) Resolve(ctx context.Context, ref string) (*Area, error) {
	kind, name, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}
	id := string(kind) + ":" + name
	if a, ok := r.Get(id); ok {
		return a, nil
	}

	var area *Area
	switch kind {
	case GAUL:
		area = r.gaul(name)
	case Overpass:
		area, err = r.osm(ctx, name)
	case Upload:
		// uploads are registered through Register; an unknown hash cannot be rebuilt
		return nil, fmt.Errorf("uploaded area %q not found", name)
	}
	if err != nil {
		return nil, err
	}

	r.Register(area)
	return area, nil
}

// Register makes area resolvable by its ID
func (r *Resolver) Register(area *Area) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.areas[area.ID] = area
}

// Get returns a previously resolved area
func (r *Resolver) Get(id string) (*Area, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.areas[id]
	return a, ok
}

// Areas lists every known area ordered by ID
func (r *Resolver) Areas() []*Area {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Area, 0, len(r.areas))
	for _, a := range r.areas {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Resolver) gaul(name string) *Area {
	return &Area{
		ID:       string(GAUL) + ":" + name,
		Name:     name,
		Kind:     GAUL,
		Geometry: engine.FeatureGeometry(engine.First(engine.FilterEquals(engine.LoadTable(r.table), "ADM2_NAME", name))),
	}
}

func (r *Resolver) osm(ctx context.Context, name string) (*Area, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result, err := r.overpass.Query(boundaryQuery(name, r.adminLevel))
	if err != nil {
		return nil, fmt.Errorf("overpass query failed: %w", err)
	}

	mp, err := relationPolygons(&result, name)
	if err != nil {
		return nil, fmt.Errorf("boundary %q: %w", name, err)
	}
	logger.Debug("Resolved OSM boundary %s: %d polygon(s)", name, len(mp))

	bound := mp.Bound()
	return &Area{
		ID:       string(Overpass) + ":" + name,
		Name:     name,
		Kind:     Overpass,
		Bounds:   &bound,
		Geometry: Geometry(mp),
	}, nil
}

func boundaryQuery(name string, adminLevel int) string {
	level := ""
	if adminLevel > 0 {
		level = fmt.Sprintf(`["admin_level"="%d"]`, adminLevel)
	}
	return fmt.Sprintf(`
		[out:json][timeout:60];
		relation["boundary"="administrative"]["name"="%s"]%s;
		out body;
		>;
		out skel qt;
	`, strings.ReplaceAll(name, `"`, `\"`), level)
}

// Geometry renders a multipolygon as an engine geometry. A single polygon
// becomes a Polygon node.
func Geometry(mp orb.MultiPolygon) graph.Value {
	if len(mp) == 1 {
		return engine.Polygon(rings(mp[0]))
	}
	polygons := make([][][][2]float64, len(mp))
	for i, p := range mp {
		polygons[i] = rings(p)
	}
	return engine.MultiPolygon(polygons)
}

func rings(p orb.Polygon) [][][2]float64 {
	out := make([][][2]float64, len(p))
	for i, ring := range p {
		pts := make([][2]float64, len(ring))
		for j, pt := range ring {
			pts[j] = [2]float64{pt[0], pt[1]}
		}
		out[i] = pts
	}
	return out
}
